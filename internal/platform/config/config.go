package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full runtime configuration, parsed from environment variables.
type Config struct {
	Server    Server
	Redis     RedisConfig
	Database  DatabaseConfig
	Kafka     KafkaConfig
	Storage   StorageConfig
	Timeouts  Timeouts
	RateLimit RateLimit
	Validator Validator
	Cache     Cache
	Clients   Clients
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr        string `env:"QUICKAPI_ADDR" envDefault:":8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	// DebugErrors renders debug detail in error envelopes. Forced off in production.
	DebugErrors     bool          `env:"DEBUG_ERRORS" envDefault:"true"`
	TrustedProxies  []string      `env:"TRUSTED_PROXIES" envSeparator:","`
	MaxUploadSizeMB int64         `env:"MAX_UPLOAD_SIZE_MB" envDefault:"15"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"70s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"70s"`
	IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
}

// IsProduction reports whether the service runs in production.
func (s Server) IsProduction() bool {
	return s.Environment == "production"
}

// ShowDebugErrors reports whether error envelopes may carry debug detail.
func (s Server) ShowDebugErrors() bool {
	return s.DebugErrors && !s.IsProduction()
}

// MaxUploadBytes is the upload limit in bytes.
func (s Server) MaxUploadBytes() int64 {
	return s.MaxUploadSizeMB << 20
}

// RedisConfig configures the shared bucket store connection.
// An empty URL keeps rate limit buckets in process memory.
type RedisConfig struct {
	URL          string        `env:"REDIS_URL"`
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"20"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"5"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// DatabaseConfig configures the client configuration store.
// An empty URL uses the in-memory store.
type DatabaseConfig struct {
	URL             string        `env:"DATABASE_URL"`
	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"5m"`
}

// KafkaConfig configures the simulation job submitter.
// Without brokers, jobs are accepted in memory.
type KafkaConfig struct {
	Brokers  []string      `env:"KAFKA_BROKERS" envSeparator:","`
	Topic    string        `env:"KAFKA_JOBS_TOPIC" envDefault:"quick-simulations"`
	ClientID string        `env:"KAFKA_CLIENT_ID" envDefault:"quickapi"`
	Timeout  time.Duration `env:"KAFKA_PRODUCE_TIMEOUT" envDefault:"10s"`
}

// StorageConfig configures S3-compatible staging of uploaded photos for
// clients whose API configuration names a bucket. Disabled, photos travel
// inline with the job.
type StorageConfig struct {
	Enabled        bool          `env:"S3_STAGING_ENABLED"`
	Region         string        `env:"S3_REGION" envDefault:"us-east-1"`
	Endpoint       string        `env:"S3_ENDPOINT"`
	AccessKeyID    string        `env:"S3_ACCESS_KEY_ID"`
	SecretKey      string        `env:"S3_SECRET_ACCESS_KEY"`
	ForcePathStyle bool          `env:"S3_FORCE_PATH_STYLE"`
	UploadTimeout  time.Duration `env:"S3_UPLOAD_TIMEOUT" envDefault:"10s"`
}

// Timeouts are the per-stage request budgets.
type Timeouts struct {
	Route      time.Duration `env:"TIMEOUT_ROUTE" envDefault:"60s"`
	ParseBody  time.Duration `env:"TIMEOUT_PARSE_BODY" envDefault:"15s"`
	Recaptcha  time.Duration `env:"TIMEOUT_RECAPTCHA" envDefault:"15s"`
	Simulation time.Duration `env:"TIMEOUT_SIMULATION" envDefault:"15s"`
	Preflight  time.Duration `env:"TIMEOUT_PREFLIGHT" envDefault:"1s"`
}

// RateLimit holds the global limiter settings. Rates are per second and are
// scaled to Window.
type RateLimit struct {
	Disabled                 bool          `env:"RATE_LIMIT_DISABLED"`
	Window                   time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"10s"`
	IPRequestsPerSecond      float64       `env:"RATE_LIMIT_IP_REQUESTS_PER_SECOND" envDefault:"1"`
	ClientRequestsPerSecond  float64       `env:"RATE_LIMIT_CLIENT_REQUESTS_PER_SECOND" envDefault:"25"`
	IPSuccessesPerSecond     float64       `env:"RATE_LIMIT_IP_SUCCESSES_PER_SECOND" envDefault:"0.34"`
	ClientSuccessesPerSecond float64       `env:"RATE_LIMIT_CLIENT_SUCCESSES_PER_SECOND" envDefault:"6"`
	// FallbackCooldown is how long the limiter stays on local buckets after
	// the shared store fails.
	FallbackCooldown time.Duration `env:"RATE_LIMIT_FALLBACK_COOLDOWN" envDefault:"10s"`
	// SweepInterval paces eviction of expired local buckets.
	SweepInterval time.Duration `env:"RATE_LIMIT_SWEEP_INTERVAL" envDefault:"1m"`
}

// Validator configures the external recaptcha check.
type Validator struct {
	URL             string        `env:"RECAPTCHA_URL" envDefault:"https://www.google.com/recaptcha/api/siteverify"`
	DefaultMinScore float64       `env:"RECAPTCHA_MIN_SCORE" envDefault:"0.75"`
	Ignore          bool          `env:"RECAPTCHA_IGNORE"`
	HTTPTimeout     time.Duration `env:"RECAPTCHA_HTTP_TIMEOUT" envDefault:"15s"`
	// RequestsPerSecond caps outbound validator calls; zero disables the cap.
	RequestsPerSecond float64 `env:"RECAPTCHA_REQUESTS_PER_SECOND"`
	Burst             int     `env:"RECAPTCHA_BURST" envDefault:"10"`
}

// Cache configures the client configuration cache.
type Cache struct {
	FreshTTL time.Duration `env:"CLIENT_CACHE_FRESH_TTL" envDefault:"30s"`
	StaleTTL time.Duration `env:"CLIENT_CACHE_STALE_TTL" envDefault:"24h"`
}

// Clients points at an optional JSON seed of client configurations.
type Clients struct {
	File string `env:"CLIENTS_FILE"`
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Server.MaxUploadSizeMB <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE_MB must be positive, got %d", c.Server.MaxUploadSizeMB)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive, got %s", c.RateLimit.Window)
	}
	if c.Validator.DefaultMinScore < 0 || c.Validator.DefaultMinScore > 1 {
		return fmt.Errorf("RECAPTCHA_MIN_SCORE must be within [0,1], got %v", c.Validator.DefaultMinScore)
	}
	if c.Cache.StaleTTL < c.Cache.FreshTTL {
		return fmt.Errorf("CLIENT_CACHE_STALE_TTL (%s) must not be shorter than CLIENT_CACHE_FRESH_TTL (%s)",
			c.Cache.StaleTTL, c.Cache.FreshTTL)
	}
	if c.Storage.Enabled && c.Storage.UploadTimeout <= 0 {
		return fmt.Errorf("S3_UPLOAD_TIMEOUT must be positive when staging is enabled, got %s", c.Storage.UploadTimeout)
	}
	return nil
}
