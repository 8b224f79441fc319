package validator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	OutcomesTotal *prometheus.CounterVec
	CallLatency   prometheus.Histogram
}

func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the collectors on reg.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		OutcomesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quickapi_validator_outcomes_total",
			Help: "Validator checks by outcome tag",
		}, []string{"tag"}),
		CallLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "quickapi_validator_call_duration_seconds",
			Help:    "Latency of outbound siteverify calls",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) ObserveOutcome(tag string) {
	m.OutcomesTotal.WithLabelValues(tag).Inc()
}

func (m *Metrics) ObserveLatency(seconds float64) {
	m.CallLatency.Observe(seconds)
}
