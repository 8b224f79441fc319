package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, int64(15<<20), cfg.Server.MaxUploadBytes())
	assert.Equal(t, 60*time.Second, cfg.Timeouts.Route)
	assert.Equal(t, 15*time.Second, cfg.Timeouts.ParseBody)
	assert.Equal(t, time.Second, cfg.Timeouts.Preflight)
	assert.Equal(t, 10*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, time.Minute, cfg.RateLimit.SweepInterval)
	assert.InDelta(t, 0.75, cfg.Validator.DefaultMinScore, 1e-9)
	assert.Equal(t, "https://www.google.com/recaptcha/api/siteverify", cfg.Validator.URL)
	assert.Equal(t, 30*time.Second, cfg.Cache.FreshTTL)
	assert.Equal(t, 24*time.Hour, cfg.Cache.StaleTTL)
	assert.False(t, cfg.RateLimit.Disabled)
	assert.False(t, cfg.Validator.Ignore)
	assert.Empty(t, cfg.Redis.URL)
	assert.False(t, cfg.Storage.Enabled)
	assert.Equal(t, "us-east-1", cfg.Storage.Region)
	assert.Equal(t, 10*time.Second, cfg.Storage.UploadTimeout)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("DEBUG_ERRORS", "true")
	t.Setenv("RATE_LIMIT_DISABLED", "true")
	t.Setenv("RECAPTCHA_IGNORE", "1")
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8,192.168.1.1")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("TIMEOUT_ROUTE", "5s")
	t.Setenv("S3_STAGING_ENABLED", "true")
	t.Setenv("S3_ENDPOINT", "http://localhost:9000")
	t.Setenv("S3_FORCE_PATH_STYLE", "true")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.True(t, cfg.Server.IsProduction())
	assert.False(t, cfg.Server.ShowDebugErrors(), "production never shows debug detail")
	assert.True(t, cfg.RateLimit.Disabled)
	assert.True(t, cfg.Validator.Ignore)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.1.1"}, cfg.Server.TrustedProxies)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Route)
	assert.True(t, cfg.Storage.Enabled)
	assert.True(t, cfg.Storage.ForcePathStyle)
	assert.Equal(t, "http://localhost:9000", cfg.Storage.Endpoint)
}

func TestFromEnvRejectsInvalid(t *testing.T) {
	tests := []struct {
		name, key, value, want string
	}{
		{"negative upload size", "MAX_UPLOAD_SIZE_MB", "-1", "MAX_UPLOAD_SIZE_MB"},
		{"score above one", "RECAPTCHA_MIN_SCORE", "1.5", "RECAPTCHA_MIN_SCORE"},
		{"stale shorter than fresh", "CLIENT_CACHE_STALE_TTL", "1s", "CLIENT_CACHE_STALE_TTL"},
		{"unparsable duration", "TIMEOUT_ROUTE", "soon", "TIMEOUT_ROUTE"},
		{"non-positive upload timeout", "S3_UPLOAD_TIMEOUT", "0s", "S3_UPLOAD_TIMEOUT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("S3_STAGING_ENABLED", "true")
			t.Setenv(tt.key, tt.value)
			_, err := FromEnv()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
