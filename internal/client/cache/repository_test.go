package cache

//go:generate mockgen -source=repository.go -destination=mocks/mocks.go -package=mocks Source

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"quickapi/internal/client/cache/mocks"
	"quickapi/internal/client/models"
	"quickapi/internal/client/store"
	"quickapi/internal/platform/tracer"
	dErrors "quickapi/pkg/domain-errors"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const (
	freshTTL = 30 * time.Second
	staleTTL = time.Hour
	cooldown = 10 * time.Second
)

var errStoreDown = errors.New("connection refused")

// =============================================================================
// Repository Test Suite
// =============================================================================
// Justification: the repository decides when the store is consulted and what
// callers see when it fails. Those decisions are only observable by counting
// source calls, hence the mock.

type RepositorySuite struct {
	suite.Suite
	ctrl    *gomock.Controller
	source  *mocks.MockSource
	clock   *manualClock
	metrics *Metrics
	tracer  *tracer.Recorder
	repo    *Repository
	ctx     context.Context
}

func TestRepositorySuite(t *testing.T) {
	suite.Run(t, new(RepositorySuite))
}

func (s *RepositorySuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.source = mocks.NewMockSource(s.ctrl)
	s.clock = &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s.metrics = NewMetricsWith(prometheus.NewRegistry())
	s.tracer = tracer.NewRecorder()
	s.ctx = context.Background()
	s.repo = NewRepository(s.source, freshTTL, staleTTL,
		WithRepositoryClock(s.clock.Now),
		WithRepositoryMetrics(s.metrics),
		WithRepositoryTracer(s.tracer),
		WithRepositoryLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithBreakerCooldown(cooldown),
	)
}

func (s *RepositorySuite) TearDownTest() {
	s.ctrl.Finish()
}

func acme() *models.Client {
	return &models.Client{ID: "acme", Secret: "s", ExposedSecret: "e"}
}

func (s *RepositorySuite) lookups(result string) float64 {
	return testutil.ToFloat64(s.metrics.LookupsTotal.WithLabelValues("clients", result))
}

func (s *RepositorySuite) TestFreshValueServedFromMemory() {
	s.source.EXPECT().FindByID(gomock.Any(), "acme").Return(acme(), nil).Times(1)

	first, err := s.repo.Find(s.ctx, "acme")
	s.Require().NoError(err)
	s.clock.Advance(freshTTL - time.Second)
	second, err := s.repo.Find(s.ctx, "acme")
	s.Require().NoError(err)

	s.Same(first, second)
	s.Equal(1.0, s.lookups("miss"))
	s.Equal(1.0, s.lookups("hit"))

	spans := s.tracer.Find(tracer.SpanClientLookup)
	s.Require().Len(spans, 2)
	s.Equal(false, spans[0].Attr(tracer.AttrCacheHit))
	s.Equal(true, spans[1].Attr(tracer.AttrCacheHit))
}

func (s *RepositorySuite) TestReloadsOncePastFreshTTL() {
	updated := acme()
	updated.Revoked = true
	gomock.InOrder(
		s.source.EXPECT().FindByID(gomock.Any(), "acme").Return(acme(), nil),
		s.source.EXPECT().FindByID(gomock.Any(), "acme").Return(updated, nil),
	)

	_, err := s.repo.Find(s.ctx, "acme")
	s.Require().NoError(err)
	s.clock.Advance(freshTTL)

	got, err := s.repo.Find(s.ctx, "acme")
	s.Require().NoError(err)
	s.True(got.Revoked)
}

func (s *RepositorySuite) TestServesStaleWhenStoreFails() {
	gomock.InOrder(
		s.source.EXPECT().FindByID(gomock.Any(), "acme").Return(acme(), nil),
		s.source.EXPECT().FindByID(gomock.Any(), "acme").Return(nil, errStoreDown),
	)

	_, err := s.repo.Find(s.ctx, "acme")
	s.Require().NoError(err)
	s.clock.Advance(freshTTL + time.Minute)

	got, err := s.repo.Find(s.ctx, "acme")
	s.Require().NoError(err)
	s.Equal("acme", got.ID)
	s.Equal(1.0, s.lookups("stale"))

	spans := s.tracer.Find(tracer.SpanClientLookup)
	s.Equal(true, spans[len(spans)-1].Attr(tracer.AttrCacheStale))
}

func (s *RepositorySuite) TestFailsPastStaleTTL() {
	gomock.InOrder(
		s.source.EXPECT().FindByID(gomock.Any(), "acme").Return(acme(), nil),
		s.source.EXPECT().FindByID(gomock.Any(), "acme").Return(nil, errStoreDown),
	)

	_, err := s.repo.Find(s.ctx, "acme")
	s.Require().NoError(err)
	s.clock.Advance(staleTTL)

	_, err = s.repo.Find(s.ctx, "acme")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))
	s.ErrorIs(err, ErrUnavailable)
	s.ErrorIs(err, errStoreDown)
}

func (s *RepositorySuite) TestUnknownClientIsAuthenticationFailure() {
	s.source.EXPECT().FindByID(gomock.Any(), "ghost").Return(nil, store.ErrNotFound).Times(8)

	for range 8 {
		_, err := s.repo.Find(s.ctx, "ghost")
		e, ok := dErrors.As(err)
		s.Require().True(ok)
		s.Equal(dErrors.CodeAuthentication, e.Code)
		s.Equal(dErrors.SubtypeUnknownClient, e.Subtype)
	}
}

func (s *RepositorySuite) TestDeletedClientIsEvicted() {
	gomock.InOrder(
		s.source.EXPECT().FindByID(gomock.Any(), "acme").Return(acme(), nil),
		s.source.EXPECT().FindByID(gomock.Any(), "acme").Return(nil, store.ErrNotFound),
	)

	_, err := s.repo.Find(s.ctx, "acme")
	s.Require().NoError(err)
	s.clock.Advance(freshTTL)

	_, err = s.repo.Find(s.ctx, "acme")
	s.True(dErrors.HasCode(err, dErrors.CodeAuthentication))
	s.Zero(s.repo.clients.Len())
}

func (s *RepositorySuite) TestOpenBreakerSkipsStore() {
	s.source.EXPECT().FindByID(gomock.Any(), "acme").Return(acme(), nil)
	_, err := s.repo.Find(s.ctx, "acme")
	s.Require().NoError(err)
	s.clock.Advance(freshTTL)

	// Five failures open the breaker; each is still answered from the stale entry.
	s.source.EXPECT().FindByID(gomock.Any(), "acme").Return(nil, errStoreDown).Times(5)
	for range 5 {
		_, err := s.repo.Find(s.ctx, "acme")
		s.Require().NoError(err)
	}

	// Open: the store is not called.
	got, err := s.repo.Find(s.ctx, "acme")
	s.Require().NoError(err)
	s.Equal("acme", got.ID)

	// Unknown keys have nothing to serve while open.
	_, err = s.repo.Find(s.ctx, "globex")
	s.ErrorIs(err, ErrUnavailable)

	// After the cooldown a trial call goes through.
	s.clock.Advance(cooldown)
	s.source.EXPECT().FindByID(gomock.Any(), "acme").Return(acme(), nil)
	_, err = s.repo.Find(s.ctx, "acme")
	s.Require().NoError(err)
}

func (s *RepositorySuite) TestAllowedOriginsUsesCachedList() {
	open := &models.Client{ID: "open"}
	restricted := &models.Client{ID: "acme", APIs: map[string]models.APIConfig{
		models.DefaultAPIID: {AllowedHosts: []string{"https://a.com"}},
	}}
	s.source.EXPECT().List(gomock.Any()).Return([]*models.Client{restricted}, nil).Times(1)

	for range 3 {
		hosts, anyOrigin, err := s.repo.AllowedOrigins(s.ctx, "quick-simulations")
		s.Require().NoError(err)
		s.False(anyOrigin)
		s.Equal([]string{"https://a.com"}, hosts)
	}

	s.clock.Advance(freshTTL)
	s.source.EXPECT().List(gomock.Any()).Return([]*models.Client{restricted, open}, nil)
	_, anyOrigin, err := s.repo.AllowedOrigins(s.ctx, "quick-simulations")
	s.Require().NoError(err)
	s.True(anyOrigin)
}

func (s *RepositorySuite) TestListFailureWithoutCache() {
	s.source.EXPECT().List(gomock.Any()).Return(nil, errStoreDown)

	_, _, err := s.repo.AllowedOrigins(s.ctx, "quick-simulations")
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))
}

// =============================================================================
// Resilient
// =============================================================================

func TestConcurrentMissesShareOneLoad(t *testing.T) {
	var (
		mu      sync.Mutex
		calls   int
		release = make(chan struct{})
	)
	c := NewResilient("test", func(ctx context.Context, key string) (string, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		<-release
		return "value-" + key, nil
	}, time.Minute, time.Hour)

	var wg sync.WaitGroup
	results := make([]string, 10)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := c.Get(context.Background(), "k")
			if err == nil {
				results[i] = v
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("loader called %d times, want 1", calls)
	}
	for i, v := range results {
		if v != "value-k" {
			t.Errorf("result %d = %q", i, v)
		}
	}
}

func TestCallerCancellationDoesNotAbortSharedLoad(t *testing.T) {
	loaded := make(chan error, 1)
	release := make(chan struct{})
	c := NewResilient("test", func(ctx context.Context, key string) (int, error) {
		<-release
		loaded <- ctx.Err()
		return 42, nil
	}, time.Minute, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := c.Get(ctx, "k"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Get with cancelled context: %v", err)
	}

	close(release)
	if err := <-loaded; err != nil {
		t.Fatalf("load saw cancelled context: %v", err)
	}

	// A later caller joins or re-runs the load and gets the value.
	v, _, err := c.Get(context.Background(), "k")
	if err != nil || v != 42 {
		t.Fatalf("Get = %d, %v", v, err)
	}
}
