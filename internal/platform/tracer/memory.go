package tracer

import (
	"context"
	"sync"
)

// NoopTracer discards every span.
type NoopTracer struct{}

// NewNoop creates a new no-op tracer.
func NewNoop() *NoopTracer {
	return &NoopTracer{}
}

// Start returns the context unchanged and a no-op span.
func (t *NoopTracer) Start(ctx context.Context, _ string, _ ...Attribute) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error)                     {}
func (noopSpan) SetAttributes(...Attribute)    {}
func (noopSpan) AddEvent(string, ...Attribute) {}

// RecordedSpan is a finished span kept by Recorder.
type RecordedSpan struct {
	Name       string
	Attributes map[string]any
	Events     []string
	Err        error
}

// Attr returns the value recorded for key, or nil.
func (s RecordedSpan) Attr(key string) any {
	return s.Attributes[key]
}

// Recorder keeps finished spans in memory, in the order they ended.
type Recorder struct {
	mu    sync.Mutex
	spans []RecordedSpan
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Start begins a recorded span.
func (r *Recorder) Start(ctx context.Context, name string, attrs ...Attribute) (context.Context, Span) {
	s := &recordingSpan{recorder: r, rec: RecordedSpan{Name: name, Attributes: map[string]any{}}}
	s.SetAttributes(attrs...)
	return ctx, s
}

// Spans returns a copy of the finished spans.
func (r *Recorder) Spans() []RecordedSpan {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecordedSpan, len(r.spans))
	copy(out, r.spans)
	return out
}

// Find returns finished spans named name.
func (r *Recorder) Find(name string) []RecordedSpan {
	var out []RecordedSpan
	for _, s := range r.Spans() {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

type recordingSpan struct {
	recorder *Recorder
	mu       sync.Mutex
	rec      RecordedSpan
	ended    bool
}

func (s *recordingSpan) End(err error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.rec.Err = err
	rec := s.rec
	s.mu.Unlock()

	s.recorder.mu.Lock()
	s.recorder.spans = append(s.recorder.spans, rec)
	s.recorder.mu.Unlock()
}

func (s *recordingSpan) SetAttributes(attrs ...Attribute) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range attrs {
		s.rec.Attributes[a.Key] = a.Value
	}
}

func (s *recordingSpan) AddEvent(name string, _ ...Attribute) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.Events = append(s.rec.Events, name)
}

var (
	_ Tracer = (*NoopTracer)(nil)
	_ Tracer = (*Recorder)(nil)
	_ Span   = noopSpan{}
	_ Span   = (*recordingSpan)(nil)
)
