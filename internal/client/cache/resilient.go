// Package cache serves client configuration from memory in front of the
// client store, falling back to the last known value while the store is down.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"quickapi/pkg/platform/circuit"
)

// ErrUnavailable is returned when the source cannot be reached and no value
// recent enough to serve stale is cached.
var ErrUnavailable = errors.New("source unavailable")

// Lookup describes how a Get was served.
type Lookup struct {
	// Hit is true when the value came from memory without calling the source.
	Hit bool
	// Stale is true when the value is past its fresh TTL and was served
	// because the source failed or its circuit is open.
	Stale bool
}

type entry[V any] struct {
	value    V
	loadedAt time.Time
}

// Loader fetches a value from the backing source.
type Loader[V any] func(ctx context.Context, key string) (V, error)

// Resilient is a read-through cache with two TTLs. Within freshTTL a cached
// value is returned without calling the source. Past it the source is called;
// if that fails the value keeps being served until staleTTL. Concurrent misses
// for the same key share one load.
type Resilient[V any] struct {
	name     string
	load     Loader[V]
	freshTTL time.Duration
	staleTTL time.Duration
	// loadTimeout bounds a shared load, which outlives any single caller.
	loadTimeout time.Duration
	permanent   func(error) bool

	mu      sync.RWMutex
	entries map[string]entry[V]
	group   singleflight.Group
	breaker *circuit.Breaker
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Resilient cache.
type Option func(*options)

type options struct {
	breaker     *circuit.Breaker
	metrics     *Metrics
	logger      *slog.Logger
	now         func() time.Time
	loadTimeout time.Duration
	permanent   func(error) bool
}

// WithBreaker guards the source with b.
func WithBreaker(b *circuit.Breaker) Option {
	return func(o *options) {
		o.breaker = b
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLoadTimeout bounds each source call. Default 5s.
func WithLoadTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.loadTimeout = d
		}
	}
}

// WithPermanentErrors marks errors that describe the key rather than the
// source, such as not found. They evict the key, are returned as is, and do
// not count against the breaker.
func WithPermanentErrors(fn func(error) bool) Option {
	return func(o *options) {
		o.permanent = fn
	}
}

// NewResilient creates a cache named name over load.
func NewResilient[V any](name string, load Loader[V], freshTTL, staleTTL time.Duration, opts ...Option) *Resilient[V] {
	o := options{
		logger:      slog.Default(),
		now:         time.Now,
		loadTimeout: 5 * time.Second,
		permanent:   func(error) bool { return false },
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.breaker == nil {
		o.breaker = circuit.New(name)
	}
	if staleTTL < freshTTL {
		staleTTL = freshTTL
	}
	return &Resilient[V]{
		name:        name,
		load:        load,
		freshTTL:    freshTTL,
		staleTTL:    staleTTL,
		loadTimeout: o.loadTimeout,
		permanent:   o.permanent,
		entries:     make(map[string]entry[V]),
		breaker:     o.breaker,
		metrics:     o.metrics,
		logger:      o.logger,
		now:         o.now,
	}
}

// Get returns the value for key.
func (c *Resilient[V]) Get(ctx context.Context, key string) (V, Lookup, error) {
	cached, age, ok := c.peek(key)
	if ok && age < c.freshTTL {
		c.observe("hit")
		return cached, Lookup{Hit: true}, nil
	}
	servable := ok && age < c.staleTTL

	if !c.breaker.Allow() {
		if servable {
			c.observe("stale")
			return cached, Lookup{Hit: true, Stale: true}, nil
		}
		var zero V
		c.observe("error")
		return zero, Lookup{}, fmt.Errorf("%s: circuit open: %w", c.name, ErrUnavailable)
	}

	ch := c.group.DoChan(key, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loadTimeout)
		defer cancel()
		return c.load(loadCtx, key)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		var zero V
		return zero, Lookup{}, ctx.Err()
	}

	if res.Err == nil {
		v := res.Val.(V)
		c.store(key, v)
		c.recordSuccess()
		c.observe("miss")
		return v, Lookup{}, nil
	}

	if c.permanent(res.Err) {
		c.evict(key)
		c.recordSuccess()
		c.observe("miss")
		var zero V
		return zero, Lookup{}, res.Err
	}

	if _, change := c.breaker.RecordFailure(); change.Opened {
		c.logger.WarnContext(ctx, "cache source circuit opened", "cache", c.name, "error", res.Err)
	}
	if servable {
		c.logger.WarnContext(ctx, "serving stale value after source failure",
			"cache", c.name,
			"key", key,
			"age", age.String(),
			"error", res.Err,
		)
		c.observe("stale")
		return cached, Lookup{Hit: true, Stale: true}, nil
	}
	var zero V
	c.observe("error")
	return zero, Lookup{}, fmt.Errorf("%s: %w: %w", c.name, ErrUnavailable, res.Err)
}

// Len returns the number of cached keys.
func (c *Resilient[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Resilient[V]) peek(key string) (V, time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, 0, false
	}
	return e.value, c.now().Sub(e.loadedAt), true
}

func (c *Resilient[V]) store(key string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[V]{value: v, loadedAt: c.now()}
	c.cleanupExpiredLocked(10)
}

func (c *Resilient[V]) evict(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// cleanupExpiredLocked removes up to maxCleanup entries past the stale TTL.
// Must be called with lock held.
func (c *Resilient[V]) cleanupExpiredLocked(maxCleanup int) {
	now := c.now()
	cleaned := 0
	for key, e := range c.entries {
		if now.Sub(e.loadedAt) >= c.staleTTL {
			delete(c.entries, key)
			cleaned++
			if cleaned >= maxCleanup {
				break
			}
		}
	}
}

func (c *Resilient[V]) recordSuccess() {
	if _, change := c.breaker.RecordSuccess(); change.Closed {
		c.logger.Info("cache source circuit closed", "cache", c.name)
	}
}

func (c *Resilient[V]) observe(result string) {
	if c.metrics != nil {
		c.metrics.ObserveLookup(c.name, result)
	}
}
