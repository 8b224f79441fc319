package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	ChecksTotal        *prometheus.CounterVec
	ExceededTotal      *prometheus.CounterVec
	CommitsTotal       *prometheus.CounterVec
	StoreErrorsTotal   *prometheus.CounterVec
	DegradedChecks     prometheus.Counter
	CheckDurationTotal prometheus.Histogram

	CleanupRunsTotal       *prometheus.CounterVec
	CleanupEvictedTotal    prometheus.Counter
	CleanupDurationSeconds prometheus.Histogram
}

func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the collectors on reg; tests pass a fresh registry.
func NewWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ChecksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quickapi_ratelimit_checks_total",
			Help: "Rate limit rule checks by category and outcome",
		}, []string{"category", "outcome"}),
		ExceededTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quickapi_ratelimit_exceeded_total",
			Help: "Requests rejected by a rate limit, by category",
		}, []string{"category"}),
		CommitsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quickapi_ratelimit_commits_total",
			Help: "Entries recorded in buckets, by mode",
		}, []string{"mode"}),
		StoreErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quickapi_ratelimit_store_errors_total",
			Help: "Bucket store failures by operation",
		}, []string{"op"}),
		DegradedChecks: f.NewCounter(prometheus.CounterOpts{
			Name: "quickapi_ratelimit_degraded_checks_total",
			Help: "Checks served by the local fallback store while the shared store is unavailable",
		}),
		CheckDurationTotal: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "quickapi_ratelimit_check_duration_seconds",
			Help:    "Duration of a full rule-set evaluation",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}),
		CleanupRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quickapi_ratelimit_cleanup_runs_total",
			Help: "Local bucket sweeps by outcome",
		}, []string{"outcome"}),
		CleanupEvictedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "quickapi_ratelimit_cleanup_evicted_total",
			Help: "Expired local buckets evicted by sweeps",
		}),
		CleanupDurationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "quickapi_ratelimit_cleanup_duration_seconds",
			Help:    "Duration of a local bucket sweep",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		}),
	}
}

func (m *Metrics) ObserveCheck(category string, allowed bool) {
	outcome := "allowed"
	if !allowed {
		outcome = "exceeded"
		m.ExceededTotal.WithLabelValues(category).Inc()
	}
	m.ChecksTotal.WithLabelValues(category, outcome).Inc()
}

func (m *Metrics) ObserveCommit(mode string, n int) {
	m.CommitsTotal.WithLabelValues(mode).Add(float64(n))
}

func (m *Metrics) IncrementStoreError(op string) {
	m.StoreErrorsTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) IncrementDegraded() {
	m.DegradedChecks.Inc()
}

func (m *Metrics) ObserveDuration(seconds float64) {
	m.CheckDurationTotal.Observe(seconds)
}
