// Package limiter applies sliding-window rules against a shared bucket store.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"quickapi/internal/ratelimit/metrics"
	"quickapi/internal/ratelimit/models"
	"quickapi/internal/ratelimit/ports"
	dErrors "quickapi/pkg/domain-errors"
	"quickapi/pkg/platform/circuit"
)

// Subject identifies who a request counts against.
type Subject struct {
	APIID    string
	ClientID string
	// IP is empty for private calls, which skips IP-scoped rules.
	IP string
}

func (s Subject) id(scope models.Scope) string {
	if scope == models.ScopeIP {
		return s.IP
	}
	return s.ClientID
}

// Limiter evaluates rules for requests. Counting is check-then-add per bucket,
// so concurrent requests may overshoot a limit slightly across instances.
type Limiter struct {
	store    ports.BucketStore
	fallback ports.BucketStore
	breaker  *circuit.Breaker
	disabled bool
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) {
		l.metrics = m
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithDisabled sets the global kill-switch: every check passes and the store
// is never touched.
func WithDisabled(disabled bool) Option {
	return func(l *Limiter) {
		l.disabled = disabled
	}
}

// WithFallback serves checks from a local store while the breaker reports the
// shared store as unavailable. Limits then hold per instance only.
func WithFallback(store ports.BucketStore, breaker *circuit.Breaker) Option {
	return func(l *Limiter) {
		l.fallback = store
		l.breaker = breaker
	}
}

// New creates a limiter over store.
func New(store ports.BucketStore, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("bucket store is required")
	}
	l := &Limiter{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.fallback != nil && l.breaker == nil {
		l.breaker = circuit.New("ratelimit-store")
	}
	return l, nil
}

// Disabled reports whether the kill-switch is on.
func (l *Limiter) Disabled() bool {
	return l.disabled
}

type query struct {
	key   string
	since time.Time
}

type entry struct {
	key    string
	window time.Duration
}

// TryConsume reports whether every bucket holds fewer than limit entries in
// the last window. When allowed and countNow is set, one entry is added to
// each bucket.
func (l *Limiter) TryConsume(ctx context.Context, keys []string, limit int, window time.Duration, countNow bool) (bool, error) {
	if l.disabled || len(keys) == 0 {
		return true, nil
	}
	now := l.now()
	queries := make([]query, len(keys))
	for i, key := range keys {
		queries[i] = query{key: key, since: now.Add(-window)}
	}
	states, _, err := l.count(ctx, queries)
	if err != nil {
		return false, err
	}
	for _, st := range states {
		if st.Count >= limit {
			return false, nil
		}
	}
	if !countNow {
		return true, nil
	}
	return true, l.Commit(ctx, keys, window)
}

// Commit records one entry in every bucket without checking. It is used for
// count-on-success rules once the request is known to have succeeded.
func (l *Limiter) Commit(ctx context.Context, keys []string, window time.Duration) error {
	if l.disabled || len(keys) == 0 {
		return nil
	}
	entries := make([]entry, len(keys))
	for i, key := range keys {
		entries[i] = entry{key: key, window: window}
	}
	_, err := l.add(ctx, entries, l.now())
	return err
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Allowed  bool
	Degraded bool
	Results  []models.RateLimitResult
	// Exceeded is the first rule over its limit, nil when allowed.
	Exceeded  *models.RateLimitResult
	onSuccess []entry
	limiter   *Limiter
}

// Tightest returns the result with the fewest remaining slots, or nil.
func (d *Decision) Tightest() *models.RateLimitResult {
	if d.Exceeded != nil {
		return d.Exceeded
	}
	var tightest *models.RateLimitResult
	for i := range d.Results {
		if tightest == nil || d.Results[i].Remaining < tightest.Remaining {
			tightest = &d.Results[i]
		}
	}
	return tightest
}

// PendingSuccess reports whether count-on-success buckets await CommitSuccess.
func (d *Decision) PendingSuccess() bool {
	return d != nil && len(d.onSuccess) > 0
}

// CommitSuccess records the request in its count-on-success buckets.
// Call it only after the final response status is known to be 2xx.
func (d *Decision) CommitSuccess(ctx context.Context) error {
	if !d.PendingSuccess() {
		return nil
	}
	pending := d.onSuccess
	d.onSuccess = nil
	_, err := d.limiter.add(ctx, pending, d.limiter.now())
	return err
}

// Evaluate checks every applicable rule for subject. The request is allowed
// only if all buckets are open; then count-on-arrival buckets are recorded and
// count-on-success buckets are held on the decision. When a rule is exceeded
// nothing is recorded and a rate limit error tagged with its category is
// returned alongside the decision.
func (l *Limiter) Evaluate(ctx context.Context, subject Subject, rules []models.Rule) (*Decision, error) {
	d := &Decision{Allowed: true, limiter: l}
	if l.disabled {
		return d, nil
	}
	start := time.Now()
	defer func() {
		if l.metrics != nil {
			l.metrics.ObserveDuration(time.Since(start).Seconds())
		}
	}()

	now := l.now()
	applicable := make([]models.Rule, 0, len(rules))
	queries := make([]query, 0, len(rules))
	for _, rule := range rules {
		id := subject.id(rule.Scope)
		if id == "" || rule.Limit <= 0 || rule.Window <= 0 {
			continue
		}
		key := models.NewBucketKey(rule.Scope, subject.APIID, id, rule.Category()).String()
		applicable = append(applicable, rule)
		queries = append(queries, query{key: key, since: now.Add(-rule.Window)})
	}
	if len(applicable) == 0 {
		return d, nil
	}

	states, degraded, err := l.count(ctx, queries)
	if err != nil {
		return nil, err
	}
	d.Degraded = degraded
	d.Results = make([]models.RateLimitResult, 0, len(applicable))

	var arrivals []entry
	for i, rule := range applicable {
		st := states[i]
		res := models.RateLimitResult{
			Allowed:   st.Count < rule.Limit,
			Category:  rule.Category(),
			Limit:     rule.Limit,
			Remaining: max(rule.Limit-st.Count, 0),
			ResetAt:   resetAt(st, now, rule.Window),
		}
		if !res.Allowed {
			res.RetryAfter = retryAfterSeconds(now, res.ResetAt)
		}
		d.Results = append(d.Results, res)
		if l.metrics != nil {
			l.metrics.ObserveCheck(res.Category, res.Allowed)
		}
		if !res.Allowed && d.Exceeded == nil {
			d.Exceeded = &d.Results[len(d.Results)-1]
		}

		e := entry{key: queries[i].key, window: rule.Window}
		if rule.Mode == models.CountOnSuccess {
			d.onSuccess = append(d.onSuccess, e)
		} else {
			arrivals = append(arrivals, e)
		}
	}

	if d.Exceeded != nil {
		d.Allowed = false
		d.onSuccess = nil
		l.logger.DebugContext(ctx, "rate limit exceeded",
			"category", d.Exceeded.Category,
			"limit", d.Exceeded.Limit,
			"api_id", subject.APIID,
			"client_id", subject.ClientID,
		)
		return d, dErrors.RateLimited(d.Exceeded.Category).
			WithDetail("limit", d.Exceeded.Limit).
			WithDetail("retry_after", d.Exceeded.RetryAfter)
	}

	if len(arrivals) > 0 {
		if _, err := l.add(ctx, arrivals, now); err != nil {
			return nil, err
		}
		for i := range d.Results {
			if applicable[i].Mode == models.CountOnArrival && d.Results[i].Remaining > 0 {
				d.Results[i].Remaining--
			}
		}
	}
	return d, nil
}

func resetAt(st models.BucketState, now time.Time, window time.Duration) time.Time {
	if st.Oldest.IsZero() {
		return now.Add(window)
	}
	return st.Oldest.Add(window)
}

func retryAfterSeconds(now, resetAt time.Time) int {
	seconds := int(math.Ceil(resetAt.Sub(now).Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}

// pick returns the store to use and whether it is the degraded fallback.
func (l *Limiter) pick() (ports.BucketStore, bool) {
	if l.fallback != nil && !l.breaker.Allow() {
		return l.fallback, true
	}
	return l.store, false
}

func (l *Limiter) count(ctx context.Context, queries []query) ([]models.BucketState, bool, error) {
	store, degraded := l.pick()
	states, err := countWith(ctx, store, queries)
	if degraded {
		l.observeDegraded()
		return states, true, err
	}
	if err != nil {
		return l.failover(ctx, "count", err, func(fb ports.BucketStore) ([]models.BucketState, error) {
			return countWith(ctx, fb, queries)
		})
	}
	l.recordSuccess()
	return states, false, nil
}

func (l *Limiter) add(ctx context.Context, entries []entry, at time.Time) (bool, error) {
	store, degraded := l.pick()
	err := addWith(ctx, store, entries, at)
	if degraded {
		l.observeDegraded()
	} else if err != nil {
		_, degraded, err = l.failover(ctx, "add", err, func(fb ports.BucketStore) ([]models.BucketState, error) {
			return nil, addWith(ctx, fb, entries, at)
		})
	} else {
		l.recordSuccess()
	}
	if err == nil && l.metrics != nil {
		l.metrics.ObserveCommit(modeLabel(degraded), len(entries))
	}
	return degraded, err
}

func modeLabel(degraded bool) string {
	if degraded {
		return "degraded"
	}
	return "shared"
}

// failover records a primary store failure and retries on the fallback.
func (l *Limiter) failover(ctx context.Context, op string, cause error, retry func(ports.BucketStore) ([]models.BucketState, error)) ([]models.BucketState, bool, error) {
	if l.metrics != nil {
		l.metrics.IncrementStoreError(op)
	}
	if l.fallback == nil {
		return nil, false, fmt.Errorf("rate limit store %s: %w", op, cause)
	}
	_, change := l.breaker.RecordFailure()
	if change.Opened {
		l.logger.WarnContext(ctx, "rate limit store circuit opened, using local fallback", "error", cause)
	}
	states, err := retry(l.fallback)
	if err != nil {
		return nil, true, fmt.Errorf("rate limit fallback %s: %w", op, err)
	}
	l.observeDegraded()
	return states, true, nil
}

func (l *Limiter) recordSuccess() {
	if l.breaker == nil {
		return
	}
	if _, change := l.breaker.RecordSuccess(); change.Closed {
		l.logger.Info("rate limit store circuit closed")
	}
}

func (l *Limiter) observeDegraded() {
	if l.metrics != nil {
		l.metrics.IncrementDegraded()
	}
}

func countWith(ctx context.Context, store ports.BucketStore, queries []query) ([]models.BucketState, error) {
	states := make([]models.BucketState, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		g.Go(func() error {
			st, err := store.Count(gctx, q.key, q.since)
			if err != nil {
				return err
			}
			states[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return states, nil
}

func addWith(ctx context.Context, store ports.BucketStore, entries []entry, at time.Time) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		g.Go(func() error {
			return store.Add(gctx, e.key, at, e.window)
		})
	}
	return g.Wait()
}
