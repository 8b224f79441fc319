package cleanup

import (
	"context"
	"log/slog"
	"time"

	"quickapi/internal/ratelimit/metrics"
)

// CleanupResult contains the results of a sweep.
type CleanupResult struct {
	KeysEvicted int           // Expired bucket keys removed
	Duration    time.Duration // Time taken for the sweep
}

// Sweeper evicts expired bucket keys. The in-memory bucket store implements it;
// Redis expires its keys on its own.
type Sweeper interface {
	Sweep(ctx context.Context) (evicted int, err error)
}

type Option func(*BucketCleanupService)

func WithLogger(logger *slog.Logger) Option {
	return func(s *BucketCleanupService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithInterval(interval time.Duration) Option {
	return func(s *BucketCleanupService) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *BucketCleanupService) {
		s.metrics = m
	}
}

// BucketCleanupService periodically sweeps local buckets so keys for callers
// that never return do not pile up.
type BucketCleanupService struct {
	stores   []Sweeper
	logger   *slog.Logger
	interval time.Duration
	metrics  *metrics.Metrics
}

func New(stores []Sweeper, opts ...Option) *BucketCleanupService {
	service := &BucketCleanupService{
		stores:   stores,
		logger:   slog.Default(),
		interval: time.Minute,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

func (s *BucketCleanupService) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-ctx.Done():
			s.logger.Info("bucket cleanup worker stopping", "reason", ctx.Err())
			return ctx.Err()
		}
	}
}

func (s *BucketCleanupService) tick(ctx context.Context) {
	res, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Error("ratelimit_cleanup_failed",
			"error", err,
			"duration_ms", res.Duration.Milliseconds(),
		)
		if s.metrics != nil {
			s.metrics.CleanupRunsTotal.WithLabelValues("error").Inc()
			s.metrics.CleanupDurationSeconds.Observe(res.Duration.Seconds())
		}
		return
	}

	if res.KeysEvicted > 0 {
		s.logger.Debug("ratelimit_cleanup_completed",
			"keys_evicted", res.KeysEvicted,
			"duration_ms", res.Duration.Milliseconds(),
		)
	}
	if s.metrics != nil {
		s.metrics.CleanupEvictedTotal.Add(float64(res.KeysEvicted))
		s.metrics.CleanupRunsTotal.WithLabelValues("success").Inc()
		s.metrics.CleanupDurationSeconds.Observe(res.Duration.Seconds())
	}
}

// RunOnce sweeps every store once. A failing store does not stop the others;
// the first error is returned alongside the partial count.
func (s *BucketCleanupService) RunOnce(ctx context.Context) (CleanupResult, error) {
	start := time.Now()
	var (
		res      CleanupResult
		firstErr error
	)
	for _, store := range s.stores {
		n, err := store.Sweep(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		res.KeysEvicted += n
	}
	res.Duration = time.Since(start)
	return res, firstErr
}
