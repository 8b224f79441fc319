// Package jobs hands accepted simulations to the processing pipeline.
//
// A Dispatcher stages the uploaded photo in object storage when the client
// names a bucket, then publishes the job on a Transport (Kafka in production,
// memory when no brokers are configured).
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"quickapi/internal/client/models"
	"quickapi/internal/platform/metrics"
	"quickapi/internal/platform/tracer"
	dErrors "quickapi/pkg/domain-errors"
)

// Kind identifies the simulation a job runs.
type Kind string

const (
	KindCosmetic Kind = "cosmetic"
	KindOrtho    Kind = "ortho"
)

// StatusQueued is the only status a receipt carries: the gateway never waits
// for processing.
const StatusQueued = "queued"

// Photo is the simulation input. Exactly one of Data and Location is set once
// the job is published.
type Photo struct {
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"contentType"`
	Size        int    `json:"size"`
	Location    string `json:"location,omitempty"`
	Data        []byte `json:"data,omitempty"`
}

// Job is the record published for one accepted simulation.
type Job struct {
	ID          string         `json:"id"`
	Kind        Kind           `json:"kind"`
	ClientID    string         `json:"clientId"`
	APIID       string         `json:"apiId"`
	RequestID   string         `json:"requestId,omitempty"`
	Params      map[string]any `json:"params"`
	Photo       Photo          `json:"photo"`
	SubmittedAt time.Time      `json:"submittedAt"`

	// Storage selects the staging bucket. It never leaves the gateway.
	Storage *models.StorageConfig `json:"-"`
}

// Receipt acknowledges a queued job.
type Receipt struct {
	JobID       string    `json:"id"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submittedAt"`
	Input       string    `json:"input,omitempty"`
}

// Transport publishes a job. Implementations must not retain job after
// returning.
type Transport interface {
	Publish(ctx context.Context, job *Job) error
}

// Stager uploads a photo and returns its location.
type Stager interface {
	Stage(ctx context.Context, bucket, key string, photo Photo) (string, error)
}

// Dispatcher stages and publishes jobs.
type Dispatcher struct {
	transport Transport
	stager    Stager
	tracer    tracer.Tracer
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithStager enables photo staging for clients that configure a bucket.
func WithStager(s Stager) Option {
	return func(d *Dispatcher) {
		d.stager = s
	}
}

// WithTracer sets the tracer.
func WithTracer(t tracer.Tracer) Option {
	return func(d *Dispatcher) {
		d.tracer = t
	}
}

// WithMetrics sets the gateway metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithClock overrides the submission timestamp source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// WithIDGenerator overrides job id generation.
func WithIDGenerator(gen func() string) Option {
	return func(d *Dispatcher) {
		d.newID = gen
	}
}

// NewDispatcher creates a Dispatcher publishing on t.
func NewDispatcher(t Transport, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		transport: t,
		tracer:    tracer.NewNoop(),
		logger:    slog.Default(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit stages the job input when required and publishes the job.
// Failures are internal errors; context errors stay reachable through
// errors.Is so callers can tell an expired budget apart.
func (d *Dispatcher) Submit(ctx context.Context, job *Job) (receipt *Receipt, err error) {
	if job == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "nil job")
	}
	if job.ID == "" {
		job.ID = d.newID()
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = d.now().UTC()
	}

	ctx, span := d.tracer.Start(ctx, tracer.SpanJobSubmit,
		tracer.String(tracer.AttrJobID, job.ID),
		tracer.String(tracer.AttrJobKind, string(job.Kind)),
		tracer.String(tracer.AttrClientID, job.ClientID),
	)
	outcome := "failed"
	defer func() {
		span.End(err)
		if d.metrics != nil {
			d.metrics.IncrementJob(string(job.Kind), outcome)
		}
	}()

	staged := false
	if bucket := d.stagingBucket(job); bucket != "" {
		loc, stageErr := d.stager.Stage(ctx, bucket, ObjectKey(job), job.Photo)
		if stageErr != nil {
			outcome = "staging_failed"
			return nil, dErrors.Wrap(stageErr, dErrors.CodeInternal, "stage simulation input")
		}
		job.Photo.Location = loc
		job.Photo.Data = nil
		staged = true
	}
	span.SetAttributes(tracer.Bool(tracer.AttrJobStaged, staged))

	if err := d.transport.Publish(ctx, job); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			outcome = "aborted"
		}
		d.logger.ErrorContext(ctx, "job publish failed",
			"job_id", job.ID,
			"client_id", job.ClientID,
			"error", err,
		)
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "submit simulation job")
	}

	outcome = StatusQueued
	d.logger.InfoContext(ctx, "job queued",
		"job_id", job.ID,
		"kind", job.Kind,
		"client_id", job.ClientID,
		"staged", staged,
	)
	return &Receipt{
		JobID:       job.ID,
		Status:      StatusQueued,
		SubmittedAt: job.SubmittedAt,
		Input:       job.Photo.Location,
	}, nil
}

func (d *Dispatcher) stagingBucket(job *Job) string {
	if d.stager == nil || job.Storage == nil {
		return ""
	}
	return job.Storage.Bucket
}
