// Package metrics holds the gateway pipeline metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the request pipeline.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RejectionsTotal *prometheus.CounterVec
	TimeoutsTotal   *prometheus.CounterVec
	StageLatency    *prometheus.HistogramVec
	JobsSubmitted   *prometheus.CounterVec
	InFlight        prometheus.Gauge
}

// New creates and registers the metrics on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the collectors on reg; tests pass a fresh registry.
func NewWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quickapi_gateway_requests_total",
			Help: "Requests that completed the pipeline, by route, call type and status",
		}, []string{"route", "call_type", "status"}),
		RejectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quickapi_gateway_rejections_total",
			Help: "Requests rejected by a pipeline stage, by stage, error code and subtype",
		}, []string{"stage", "code", "subtype"}),
		TimeoutsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quickapi_gateway_timeouts_total",
			Help: "Expired request budgets, by budget id",
		}, []string{"budget"}),
		StageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quickapi_gateway_stage_duration_seconds",
			Help:    "Duration of each pipeline stage",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 15},
		}, []string{"stage"}),
		JobsSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quickapi_jobs_submitted_total",
			Help: "Simulation jobs handed to the pipeline, by kind and outcome",
		}, []string{"kind", "outcome"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "quickapi_gateway_in_flight_requests",
			Help: "Requests currently inside the pipeline",
		}),
	}
}

func (m *Metrics) ObserveStage(stage string, seconds float64) {
	m.StageLatency.WithLabelValues(stage).Observe(seconds)
}

func (m *Metrics) IncrementRejection(stage, code, subtype string) {
	m.RejectionsTotal.WithLabelValues(stage, code, subtype).Inc()
}

func (m *Metrics) IncrementTimeout(budget string) {
	m.TimeoutsTotal.WithLabelValues(budget).Inc()
}

func (m *Metrics) IncrementRequest(route, callType, status string) {
	m.RequestsTotal.WithLabelValues(route, callType, status).Inc()
}

func (m *Metrics) IncrementJob(kind, outcome string) {
	m.JobsSubmitted.WithLabelValues(kind, outcome).Inc()
}
