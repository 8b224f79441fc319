package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	LookupsTotal *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the collectors on reg; tests pass a fresh registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		LookupsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "quickapi_client_cache_lookups_total",
			Help: "Client configuration cache lookups by cache and result (hit, miss, stale, error)",
		}, []string{"cache", "result"}),
	}
}

func (m *Metrics) ObserveLookup(cache, result string) {
	m.LookupsTotal.WithLabelValues(cache, result).Inc()
}
