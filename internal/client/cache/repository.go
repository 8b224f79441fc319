package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"quickapi/internal/client/models"
	"quickapi/internal/client/store"
	"quickapi/internal/platform/tracer"
	dErrors "quickapi/pkg/domain-errors"
	"quickapi/pkg/platform/circuit"
)

// Source is the client configuration store.
type Source interface {
	FindByID(ctx context.Context, id string) (*models.Client, error)
	List(ctx context.Context) ([]*models.Client, error)
}

const listKey = "*"

// Repository resolves clients for the gateway through two resilient caches,
// one per client and one for the full list used by preflight requests.
// Returned clients are shared and must not be modified.
type Repository struct {
	clients *Resilient[*models.Client]
	lists   *Resilient[[]*models.Client]
	tracer  tracer.Tracer
}

// RepositoryOption configures a Repository.
type RepositoryOption func(*repositoryOptions)

type repositoryOptions struct {
	tracer   tracer.Tracer
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
	cooldown time.Duration
}

// WithRepositoryTracer sets the tracer used for lookups.
func WithRepositoryTracer(t tracer.Tracer) RepositoryOption {
	return func(o *repositoryOptions) {
		o.tracer = t
	}
}

// WithRepositoryMetrics sets the metrics sink shared by both caches.
func WithRepositoryMetrics(m *Metrics) RepositoryOption {
	return func(o *repositoryOptions) {
		o.metrics = m
	}
}

// WithRepositoryLogger sets the logger.
func WithRepositoryLogger(logger *slog.Logger) RepositoryOption {
	return func(o *repositoryOptions) {
		o.logger = logger
	}
}

// WithRepositoryClock overrides the time source of both caches and breakers.
func WithRepositoryClock(now func() time.Time) RepositoryOption {
	return func(o *repositoryOptions) {
		o.now = now
	}
}

// WithBreakerCooldown sets how long an open breaker skips the source.
func WithBreakerCooldown(d time.Duration) RepositoryOption {
	return func(o *repositoryOptions) {
		o.cooldown = d
	}
}

// NewRepository builds a repository over src.
func NewRepository(src Source, freshTTL, staleTTL time.Duration, opts ...RepositoryOption) *Repository {
	o := repositoryOptions{
		tracer:   tracer.NewNoop(),
		logger:   slog.Default(),
		now:      time.Now,
		cooldown: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}

	// The source is shared, so both caches trip on the same failures.
	breaker := circuit.New("client-store",
		circuit.WithCooldown(o.cooldown),
		circuit.WithClock(o.now),
	)
	common := []Option{
		WithBreaker(breaker),
		WithMetrics(o.metrics),
		WithLogger(o.logger),
		WithClock(o.now),
	}

	clients := NewResilient("clients", src.FindByID, freshTTL, staleTTL,
		append(common, WithPermanentErrors(func(err error) bool {
			return errors.Is(err, store.ErrNotFound)
		}))...)
	lists := NewResilient("client-list", func(ctx context.Context, _ string) ([]*models.Client, error) {
		return src.List(ctx)
	}, freshTTL, staleTTL, common...)

	return &Repository{clients: clients, lists: lists, tracer: o.tracer}
}

// Find returns the client with id. An unknown client is an authentication
// failure; an unreachable store with nothing servable is an internal error.
func (r *Repository) Find(ctx context.Context, id string) (client *models.Client, err error) {
	ctx, span := r.tracer.Start(ctx, tracer.SpanClientLookup, tracer.String(tracer.AttrClientID, id))
	defer func() { span.End(err) }()

	c, lookup, err := r.clients.Get(ctx, id)
	span.SetAttributes(
		tracer.Bool(tracer.AttrCacheHit, lookup.Hit),
		tracer.Bool(tracer.AttrCacheStale, lookup.Stale),
	)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, dErrors.Authentication(dErrors.SubtypeUnknownClient, "no client with id "+id)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "client configuration unavailable")
	}
	return c, nil
}

// List returns every client.
func (r *Repository) List(ctx context.Context) ([]*models.Client, error) {
	all, _, err := r.lists.Get(ctx, listKey)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "client configuration unavailable")
	}
	return all, nil
}

// AllowedOrigins aggregates the origins admitted for apiID across clients.
func (r *Repository) AllowedOrigins(ctx context.Context, apiID string) (hosts []string, anyOrigin bool, err error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, false, err
	}
	hosts, anyOrigin = models.AllowedOrigins(all, apiID)
	return hosts, anyOrigin, nil
}
