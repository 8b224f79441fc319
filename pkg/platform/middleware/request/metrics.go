package request

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	EndpointLatency *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the collectors on reg; tests pass a fresh registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		EndpointLatency: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quickapi_endpoint_latency_seconds",
			Help:    "Latency of endpoints in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 15, 30, 60},
		}, []string{"endpoint", "method", "status"}),
	}
}

func (m *Metrics) ObserveEndpointLatency(endpoint, method string, status int, durationSeconds float64) {
	m.EndpointLatency.WithLabelValues(endpoint, method, strconv.Itoa(status)).Observe(durationSeconds)
}
