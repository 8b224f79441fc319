// Package tracer provides a lightweight tracing abstraction for the gateway.
//
// The interface does not depend on OpenTelemetry APIs, so pipeline stages can
// emit spans while staying decoupled from the tracing backend.
//
// Implementations:
//   - NoopTracer: zero overhead, the default
//   - OTelTracer: OpenTelemetry adapter for production
//   - Recorder: keeps finished spans in memory for assertions
package tracer

import (
	"context"
	"time"
)

// Span represents an active trace span.
type Span interface {
	// End completes the span. A non-nil err marks it as failed.
	// End must be called exactly once, typically via defer.
	End(err error)

	SetAttributes(attrs ...Attribute)

	AddEvent(name string, attrs ...Attribute)
}

// Tracer creates spans. Implementations must be safe for concurrent use.
type Tracer interface {
	// Start creates a span; the returned context carries it to child operations.
	//
	// Example:
	//   ctx, span := tr.Start(ctx, tracer.SpanStage,
	//       tracer.String(tracer.AttrStage, "decode-claims"),
	//   )
	//   defer span.End(err)
	Start(ctx context.Context, name string, attrs ...Attribute) (context.Context, Span)
}

// Attribute represents a key-value pair attached to spans.
type Attribute struct {
	Key   string
	Value any
}

// String creates a string attribute.
func String(key, value string) Attribute {
	return Attribute{Key: key, Value: value}
}

// Bool creates a boolean attribute.
func Bool(key string, value bool) Attribute {
	return Attribute{Key: key, Value: value}
}

// Int64 creates an int64 attribute.
func Int64(key string, value int64) Attribute {
	return Attribute{Key: key, Value: value}
}

// Float64 creates a float64 attribute.
func Float64(key string, value float64) Attribute {
	return Attribute{Key: key, Value: value}
}

// Duration creates a duration attribute in milliseconds.
func Duration(key string, value time.Duration) Attribute {
	return Attribute{Key: key, Value: value.Milliseconds()}
}

// Span names used by the gateway.
const (
	SpanRequest       = "gateway.request"
	SpanStage         = "gateway.stage"
	SpanValidatorCall = "validator.siteverify"
	SpanClientLookup  = "clients.lookup"
	SpanJobSubmit     = "jobs.submit"
)

// Attribute keys used by the gateway.
const (
	AttrRoute          = "route"
	AttrCallType       = "call_type"
	AttrStage          = "stage"
	AttrClientID       = "client_id"
	AttrAPIID          = "api_id"
	AttrBudgetID       = "budget_id"
	AttrCategory       = "ratelimit.category"
	AttrDegraded       = "ratelimit.degraded"
	AttrValidatorTag   = "validator.tag"
	AttrValidatorScore = "validator.score"
	AttrCacheHit       = "cache.hit"
	AttrCacheStale     = "cache.stale"
	AttrJobID          = "job.id"
	AttrJobKind        = "job.kind"
	AttrJobStaged      = "job.staged"
)

// Event names used by the gateway.
const (
	EventBudgetExpired = "budget.expired"
)
