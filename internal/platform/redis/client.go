// Package redis connects to the shared store that holds rate limit buckets.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"quickapi/internal/platform/config"
)

// PoolMetrics exports go-redis pool statistics.
type PoolMetrics struct {
	Hits       prometheus.Counter
	Misses     prometheus.Counter
	Timeouts   prometheus.Counter
	StaleConns prometheus.Counter
	TotalConns prometheus.Gauge
	IdleConns  prometheus.Gauge
}

func NewPoolMetrics() *PoolMetrics {
	return NewPoolMetricsWith(prometheus.DefaultRegisterer)
}

// NewPoolMetricsWith registers the collectors on reg; tests pass a fresh registry.
func NewPoolMetricsWith(reg prometheus.Registerer) *PoolMetrics {
	f := promauto.With(reg)
	return &PoolMetrics{
		Hits: f.NewCounter(prometheus.CounterOpts{
			Name: "quickapi_redis_pool_hits_total",
			Help: "Number of times a connection was found in the pool",
		}),
		Misses: f.NewCounter(prometheus.CounterOpts{
			Name: "quickapi_redis_pool_misses_total",
			Help: "Number of times a connection was not found in the pool",
		}),
		Timeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "quickapi_redis_pool_timeouts_total",
			Help: "Number of times a connection was not obtained due to timeout",
		}),
		StaleConns: f.NewCounter(prometheus.CounterOpts{
			Name: "quickapi_redis_pool_stale_conns_total",
			Help: "Number of stale connections removed from the pool",
		}),
		TotalConns: f.NewGauge(prometheus.GaugeOpts{
			Name: "quickapi_redis_pool_total_conns",
			Help: "Number of total connections in the pool",
		}),
		IdleConns: f.NewGauge(prometheus.GaugeOpts{
			Name: "quickapi_redis_pool_idle_conns",
			Help: "Number of idle connections in the pool",
		}),
	}
}

// Client wraps the go-redis client with health checking and pool metrics.
type Client struct {
	*redis.Client
	metrics *PoolMetrics

	mu        sync.Mutex
	lastStats *redis.PoolStats
}

// New connects using cfg and pings the server.
// Returns nil if the URL is empty (buckets stay in process memory).
func New(ctx context.Context, cfg config.RedisConfig, metrics *PoolMetrics) (*Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	opts.MinIdleConns = cfg.MinIdleConns
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout+time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close() //nolint:errcheck // best-effort cleanup on init failure
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{Client: client, metrics: metrics}, nil
}

// Health checks if the Redis connection is healthy.
func (c *Client) Health(ctx context.Context) error {
	return c.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.Client.Close()
}

// RecordPoolStats updates the pool metrics with the current statistics.
// Counters advance by the delta since the previous call.
func (c *Client) RecordPoolStats() {
	if c.metrics == nil {
		return
	}
	stats := c.PoolStats()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.metrics.TotalConns.Set(float64(stats.TotalConns))
	c.metrics.IdleConns.Set(float64(stats.IdleConns))

	var last redis.PoolStats
	if c.lastStats != nil {
		last = *c.lastStats
	}
	addDelta(c.metrics.Hits, stats.Hits, last.Hits)
	addDelta(c.metrics.Misses, stats.Misses, last.Misses)
	addDelta(c.metrics.Timeouts, stats.Timeouts, last.Timeouts)
	addDelta(c.metrics.StaleConns, stats.StaleConns, last.StaleConns)

	c.lastStats = stats
}

func addDelta[T ~uint32 | ~uint64 | ~int | ~int64](counter prometheus.Counter, current, previous T) {
	if current > previous {
		counter.Add(float64(current - previous))
	}
}

// RunPoolStats records pool statistics every interval until ctx is done.
func (c *Client) RunPoolStats(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if logger != nil {
				logger.Debug("redis pool stats loop stopped")
			}
			return
		case <-ticker.C:
			c.RecordPoolStats()
		}
	}
}
