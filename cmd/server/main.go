package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"quickapi/internal/client/cache"
	"quickapi/internal/client/store"
	"quickapi/internal/gateway"
	"quickapi/internal/jobs"
	"quickapi/internal/platform/config"
	"quickapi/internal/platform/database"
	"quickapi/internal/platform/health"
	"quickapi/internal/platform/kafka/producer"
	"quickapi/internal/platform/logger"
	"quickapi/internal/platform/metrics"
	"quickapi/internal/platform/redis"
	"quickapi/internal/platform/tracer"
	rlconfig "quickapi/internal/ratelimit/config"
	"quickapi/internal/ratelimit/limiter"
	rlmetrics "quickapi/internal/ratelimit/metrics"
	"quickapi/internal/ratelimit/ports"
	"quickapi/internal/ratelimit/store/bucket"
	"quickapi/internal/ratelimit/workers/cleanup"
	"quickapi/internal/simulation"
	httptransport "quickapi/internal/transport/http"
	"quickapi/internal/validator"
	"quickapi/migrations"
	"quickapi/pkg/platform/circuit"
	"quickapi/pkg/platform/middleware/metadata"
	"quickapi/pkg/platform/middleware/request"
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal packages.
func main() {
	// A missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Server.LogLevel)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("initializing quickapi",
		"addr", cfg.Server.Addr,
		"environment", cfg.Server.Environment,
		"rate_limit_disabled", cfg.RateLimit.Disabled,
		"recaptcha_ignore", cfg.Validator.Ignore,
	)

	reg := prometheus.DefaultRegisterer
	tr := tracer.NewOTel()
	healthHandler := health.New(cfg.Server.Environment)
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				log.Warn("close failed", "error", err)
			}
		}
	}()

	clientSource, closeClients, err := buildClientStore(ctx, cfg, healthHandler, log)
	if err != nil {
		return err
	}
	if closeClients != nil {
		closers = append(closers, closeClients)
	}
	clients := cache.NewRepository(clientSource, cfg.Cache.FreshTTL, cfg.Cache.StaleTTL,
		cache.WithRepositoryTracer(tr),
		cache.WithRepositoryMetrics(cache.NewMetricsWith(reg)),
		cache.WithRepositoryLogger(log),
	)

	lim, closeRedis, err := buildLimiter(ctx, cfg, reg, healthHandler, log)
	if err != nil {
		return err
	}
	if closeRedis != nil {
		closers = append(closers, closeRedis)
	}

	check, err := validator.New(validator.Config{
		URL:               cfg.Validator.URL,
		DefaultMinScore:   cfg.Validator.DefaultMinScore,
		Ignore:            cfg.Validator.Ignore,
		Timeout:           cfg.Validator.HTTPTimeout,
		RequestsPerSecond: cfg.Validator.RequestsPerSecond,
		Burst:             cfg.Validator.Burst,
	},
		validator.WithTracer(tr),
		validator.WithMetrics(validator.NewMetricsWith(reg)),
		validator.WithLogger(log),
	)
	if err != nil {
		return fmt.Errorf("create validator client: %w", err)
	}
	if check.Ignoring() {
		log.Warn("recaptcha override on: refusals and outages are accepted")
	}

	gatewayMetrics := metrics.NewWith(reg)
	dispatcher, closeJobs, err := buildDispatcher(ctx, cfg, tr, gatewayMetrics, healthHandler, log)
	if err != nil {
		return err
	}
	if closeJobs != nil {
		closers = append(closers, closeJobs)
	}
	simulations := simulation.NewService(dispatcher, cfg.Timeouts.Simulation, simulation.WithLogger(log))

	gw := gateway.New(gateway.Config{
		RouteBudget:     cfg.Timeouts.Route,
		ParseBodyBudget: cfg.Timeouts.ParseBody,
		RecaptchaBudget: cfg.Timeouts.Recaptcha,
		PreflightBudget: cfg.Timeouts.Preflight,
		Rules:           rateLimitConfig(cfg.RateLimit).Rules(),
		Limits: gateway.BodyLimits{
			MaxFileBytes:  cfg.Server.MaxUploadBytes(),
			MaxFieldBytes: gateway.DefaultMaxFieldBytes,
			MaxFiles:      1,
		},
		DebugErrors: cfg.Server.ShowDebugErrors(),
	}, clients, lim, check,
		gateway.WithTracer(tr),
		gateway.WithMetrics(gatewayMetrics),
		gateway.WithLogger(log),
	)

	proxies, err := metadata.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}
	router := httptransport.NewRouter(httptransport.RouterConfig{
		TrustedProxies: proxies,
		// Room for the multipart envelope and the data field around the photo.
		MaxBodyBytes: cfg.Server.MaxUploadBytes() + 2*gateway.DefaultMaxFieldBytes,
		Gatherer:     prometheus.DefaultGatherer,
	}, httptransport.Deps{
		Gateway:        gw,
		Simulations:    httptransport.NewSimulationHandler(simulations),
		Health:         healthHandler,
		RequestMetrics: request.NewMetricsWith(reg),
	}, log)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting http server", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down server gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

// buildClientStore opens the SQL store when DATABASE_URL is set, migrating it
// and loading the optional seed file; otherwise clients live in memory.
func buildClientStore(ctx context.Context, cfg config.Config, h *health.Handler, log *slog.Logger) (cache.Source, func() error, error) {
	pool, err := database.New(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}

	var (
		src    cache.Source
		saver  store.Saver
		closer func() error
	)
	if pool == nil {
		mem := store.NewInMemoryStore()
		src, saver = mem, mem
		log.Info("client store: in-memory")
	} else {
		applied, err := pool.Migrate(ctx, migrations.FS)
		if err != nil {
			pool.Close() //nolint:errcheck // best-effort cleanup on init failure
			return nil, nil, err
		}
		sqlStore := store.NewSQLStore(pool.DB())
		src, saver, closer = sqlStore, sqlStore, pool.Close
		h.RegisterCheck("database", pool.Health)
		log.Info("client store: sql", "driver", pool.Driver(), "migrations_applied", applied)
	}

	if cfg.Clients.File != "" {
		n, err := store.SeedFile(ctx, saver, cfg.Clients.File)
		if err != nil {
			if closer != nil {
				closer() //nolint:errcheck // best-effort cleanup on init failure
			}
			return nil, nil, err
		}
		log.Info("clients seeded", "file", cfg.Clients.File, "count", n)
	}
	return src, closer, nil
}

// buildLimiter keeps buckets in Redis when REDIS_URL is set, with process
// memory as the fallback while Redis is unreachable.
func buildLimiter(ctx context.Context, cfg config.Config, reg prometheus.Registerer, h *health.Handler, log *slog.Logger) (*limiter.Limiter, func() error, error) {
	rc, err := redis.New(ctx, cfg.Redis, redis.NewPoolMetricsWith(reg))
	if err != nil {
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}

	rlm := rlmetrics.NewWith(reg)
	opts := []limiter.Option{
		limiter.WithLogger(log),
		limiter.WithMetrics(rlm),
		limiter.WithDisabled(cfg.RateLimit.Disabled),
	}
	var (
		primary ports.BucketStore
		closer  func() error
	)
	// Process memory backs either the primary store or the fallback.
	local := bucket.NewInMemoryBucketStore()
	if rc == nil {
		primary = local
		log.Info("rate limit buckets: in-memory")
	} else {
		primary = bucket.NewRedisBucketStore(rc.Client)
		opts = append(opts, limiter.WithFallback(
			local,
			circuit.New("ratelimit-store", circuit.WithCooldown(cfg.RateLimit.FallbackCooldown)),
		))
		closer = rc.Close
		h.RegisterCheck("redis", rc.Health)
		go rc.RunPoolStats(ctx, 15*time.Second, log)
		log.Info("rate limit buckets: redis")
	}

	lim, err := limiter.New(primary, opts...)
	if err != nil {
		if closer != nil {
			closer() //nolint:errcheck // best-effort cleanup on init failure
		}
		return nil, nil, err
	}

	sweeper := cleanup.New([]cleanup.Sweeper{local},
		cleanup.WithLogger(log),
		cleanup.WithInterval(cfg.RateLimit.SweepInterval),
		cleanup.WithMetrics(rlm),
	)
	go sweeper.Start(ctx) //nolint:errcheck // returns ctx.Err() on shutdown
	return lim, closer, nil
}

// buildDispatcher publishes jobs to Kafka when brokers are configured and
// stages photos in S3 when enabled.
func buildDispatcher(ctx context.Context, cfg config.Config, tr tracer.Tracer, m *metrics.Metrics, h *health.Handler, log *slog.Logger) (*jobs.Dispatcher, func() error, error) {
	opts := []jobs.Option{
		jobs.WithTracer(tr),
		jobs.WithMetrics(m),
		jobs.WithLogger(log),
	}
	if cfg.Storage.Enabled {
		stager, err := jobs.NewS3Stager(ctx, cfg.Storage)
		if err != nil {
			return nil, nil, fmt.Errorf("create s3 stager: %w", err)
		}
		opts = append(opts, jobs.WithStager(stager))
		log.Info("photo staging: s3", "region", cfg.Storage.Region, "endpoint", cfg.Storage.Endpoint)
	}

	if len(cfg.Kafka.Brokers) == 0 {
		log.Warn("no kafka brokers configured, jobs are kept in memory")
		return jobs.NewDispatcher(jobs.NewMemoryTransport(0), opts...), nil, nil
	}

	p, err := producer.New(producer.ConfigFrom(cfg.Kafka, cfg.Server.MaxUploadBytes()*2), log)
	if err != nil {
		return nil, nil, fmt.Errorf("create kafka producer: %w", err)
	}
	h.RegisterCheck("kafka", p.Health)
	log.Info("job transport: kafka", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	return jobs.NewDispatcher(jobs.NewKafkaTransport(p, cfg.Kafka.Topic), opts...), p.Close, nil
}

func rateLimitConfig(rl config.RateLimit) *rlconfig.Config {
	return &rlconfig.Config{
		Window:                   rl.Window,
		IPRequestsPerSecond:      rl.IPRequestsPerSecond,
		ClientRequestsPerSecond:  rl.ClientRequestsPerSecond,
		IPSuccessesPerSecond:     rl.IPSuccessesPerSecond,
		ClientSuccessesPerSecond: rl.ClientSuccessesPerSecond,
		Disabled:                 rl.Disabled,
	}
}
