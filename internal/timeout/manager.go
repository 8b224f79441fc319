// Package timeout bounds the time a request may spend in each of its stages.
//
// A Manager owns a set of named budgets for one request. Budgets can nest: a
// route-wide budget is armed first and shorter budgets are raced against
// individual operations. All budgets share a single terminal state: the first
// budget to fire expires the whole manager, its context is cancelled with a
// timeout error carrying that budget's id, and every later operation fails
// fast with the same error.
package timeout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	dErrors "quickapi/pkg/domain-errors"
)

// Budget ids used by the gateway.
const (
	BudgetRoute      = "full-route"
	BudgetParseBody  = "parse-body"
	BudgetRecaptcha  = "recaptcha-validation"
	BudgetSimulation = "simulation"
	BudgetPreflight  = "preflight"
)

type budget struct {
	id        string
	key       string
	startedAt time.Time
	duration  time.Duration
	status    int
	timer     *time.Timer
}

func (b *budget) expiresAt() time.Time {
	return b.startedAt.Add(b.duration)
}

func (b *budget) stop() {
	if b.timer != nil {
		b.timer.Stop()
	}
}

// BudgetOption configures a single budget.
type BudgetOption func(*budget)

// WithStatus overrides the HTTP status reported when this budget expires.
func WithStatus(code int) BudgetOption {
	return func(b *budget) {
		b.status = code
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithOnTimeout registers a callback invoked once, with the expired budget id.
func WithOnTimeout(fn func(id string)) Option {
	return func(m *Manager) {
		if fn != nil {
			m.onTimeout = append(m.onTimeout, fn)
		}
	}
}

// WithClock overrides the time source used for budget bookkeeping.
// Timers still run on the runtime clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager tracks the budgets of one request. It is safe for concurrent use.
type Manager struct {
	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelCauseFunc
	budgets   map[string]*budget
	expired   *budget
	done      chan struct{}
	seq       int
	onTimeout []func(id string)
	now       func() time.Time
}

// New creates an idle manager whose context derives from parent.
func New(parent context.Context, opts ...Option) *Manager {
	ctx, cancel := context.WithCancelCause(parent)
	m := &Manager{
		ctx:     ctx,
		cancel:  cancel,
		budgets: make(map[string]*budget),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Context is cancelled when any budget expires; context.Cause returns the
// timeout error. Downstream calls should use it to stop early.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Done is closed when the manager expires.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Start arms a budget of duration d under id and returns the id used.
// An empty id gets a generated one. Re-arming an id replaces its deadline.
// A non-positive duration expires the manager immediately.
// Once the manager has expired Start arms nothing and returns the timeout error.
func (m *Manager) Start(d time.Duration, id string, opts ...BudgetOption) (string, error) {
	b, err := m.arm(d, id, false, opts)
	if err != nil {
		return "", err
	}
	return b.id, nil
}

// arm registers a budget. With exclusive set an id that is already armed
// keeps its budget and the new one is stored under a derived key, so
// overlapping operations sharing an id each keep their own deadline.
func (m *Manager) arm(d time.Duration, id string, exclusive bool, opts []BudgetOption) (*budget, error) {
	m.mu.Lock()
	if m.expired != nil {
		err := m.errorLocked()
		m.mu.Unlock()
		return nil, err
	}

	if id == "" {
		m.seq++
		id = fmt.Sprintf("budget-%d", m.seq)
	}
	key := id
	if prev, ok := m.budgets[key]; ok {
		if exclusive {
			m.seq++
			key = fmt.Sprintf("%s#%d", id, m.seq)
		} else {
			prev.stop()
		}
	}

	b := &budget{id: id, key: key, startedAt: m.now(), duration: d}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	m.budgets[key] = b

	if d <= 0 {
		m.mu.Unlock()
		m.expire(b)
		return nil, m.BlowIfTimedOut()
	}
	b.timer = time.AfterFunc(d, func() { m.expire(b) })
	m.mu.Unlock()
	return b, nil
}

// expire moves the manager to its terminal state, unless b was cleared or
// replaced, or another budget already won.
func (m *Manager) expire(b *budget) {
	m.mu.Lock()
	if m.expired != nil || m.budgets[b.key] != b {
		m.mu.Unlock()
		return
	}
	m.expired = b
	for id, other := range m.budgets {
		other.stop()
		delete(m.budgets, id)
	}
	err := m.errorLocked()
	callbacks := m.onTimeout
	close(m.done)
	m.mu.Unlock()

	m.cancel(err)
	for _, fn := range callbacks {
		fn(b.id)
	}
}

// Exec runs op racing a fresh budget of duration d, armed separately from any
// budget already running under the same id. If op finishes first its
// error is returned and the budget is cleared. If the budget fires first the
// manager expires and Exec returns the timeout error; op keeps running until
// it observes its cancelled context and its result is discarded.
func (m *Manager) Exec(d time.Duration, id string, op func(ctx context.Context) error, opts ...BudgetOption) error {
	_, err := ExecValue(m, d, id, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts...)
	return err
}

type outcome[T any] struct {
	value T
	err   error
}

// ExecValue is Exec for operations producing a value.
func ExecValue[T any](m *Manager, d time.Duration, id string, op func(ctx context.Context) (T, error), opts ...BudgetOption) (T, error) {
	var zero T

	b, err := m.arm(d, id, true, opts)
	if err != nil {
		return zero, err
	}
	defer m.disarm(b)

	deadline := time.Now().Add(d)
	opCtx, cancel := context.WithDeadline(m.ctx, deadline)
	defer cancel()

	results := make(chan outcome[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- outcome[T]{err: fmt.Errorf("panic in %s: %v", b.id, r)}
			}
		}()
		v, err := op(opCtx)
		results <- outcome[T]{value: v, err: err}
	}()

	select {
	case res := <-results:
		// The op saw its own deadline before the timer callback ran.
		if errors.Is(res.err, context.DeadlineExceeded) && !time.Now().Before(deadline) {
			m.expire(b)
		}
		if tErr := m.BlowIfTimedOut(); tErr != nil {
			return zero, tErr
		}
		return res.value, res.err
	case <-m.done:
		return zero, m.BlowIfTimedOut()
	case <-m.ctx.Done():
		if tErr := m.BlowIfTimedOut(); tErr != nil {
			return zero, tErr
		}
		return zero, fmt.Errorf("%s aborted: %w", b.id, context.Cause(m.ctx))
	}
}

// disarm removes b unless it was already replaced or cleared.
func (m *Manager) disarm(b *budget) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.budgets[b.key] == b {
		b.stop()
		delete(m.budgets, b.key)
	}
}

// ExpireOverdue expires the manager on behalf of the earliest budget whose
// deadline has passed but whose timer has not fired yet, then reports the
// manager state like BlowIfTimedOut.
func (m *Manager) ExpireOverdue() error {
	m.mu.Lock()
	var due *budget
	if m.expired == nil {
		now := m.now()
		for _, b := range m.budgets {
			exp := b.expiresAt()
			if now.Before(exp) {
				continue
			}
			if due == nil || exp.Before(due.expiresAt()) {
				due = b
			}
		}
	}
	m.mu.Unlock()
	if due != nil {
		m.expire(due)
	}
	return m.BlowIfTimedOut()
}

// BlowIfTimedOut returns the timeout error when the manager has expired.
func (m *Manager) BlowIfTimedOut() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired == nil {
		return nil
	}
	return m.errorLocked()
}

func (m *Manager) errorLocked() error {
	return dErrors.Timeout(m.expired.id, m.expired.status).
		WithDetail("budget_ms", m.expired.duration.Milliseconds())
}

// Clear disarms every budget armed under id. Clearing an unknown id is a no-op.
func (m *Manager) Clear(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, b := range m.budgets {
		if b.id == id {
			b.stop()
			delete(m.budgets, key)
		}
	}
}

// ClearAll disarms every budget without expiring the manager.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, b := range m.budgets {
		b.stop()
		delete(m.budgets, id)
	}
}

// NextExpiresAt returns the earliest deadline among armed budgets.
// ok is false when nothing is armed or the manager has expired.
func (m *Manager) NextExpiresAt() (at time.Time, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired != nil {
		return time.Time{}, false
	}
	for _, b := range m.budgets {
		if exp := b.expiresAt(); !ok || exp.Before(at) {
			at, ok = exp, true
		}
	}
	return at, ok
}

// Remaining returns the time left before the earliest armed deadline, capped
// at limit. It returns limit when nothing is armed and 0 once expired.
func (m *Manager) Remaining(limit time.Duration) time.Duration {
	if m.Expired() {
		return 0
	}
	at, ok := m.NextExpiresAt()
	if !ok {
		return limit
	}
	left := at.Sub(m.now())
	if left < 0 {
		return 0
	}
	if limit > 0 && left > limit {
		return limit
	}
	return left
}

// Expired reports whether the manager reached its terminal state.
func (m *Manager) Expired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expired != nil
}

// ExpiredID returns the id of the budget that fired, or "".
func (m *Manager) ExpiredID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired == nil {
		return ""
	}
	return m.expired.id
}

// Armed returns the ids of the currently armed budgets.
func (m *Manager) Armed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.budgets))
	for _, b := range m.budgets {
		ids = append(ids, b.id)
	}
	return ids
}
