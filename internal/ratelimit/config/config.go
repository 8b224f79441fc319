package config

import (
	"math"
	"time"

	"quickapi/internal/ratelimit/models"
)

// Config holds the default rule set applied to gateway endpoints.
// Rates are per second and turned into per-window limits.
type Config struct {
	Window time.Duration

	IPRequestsPerSecond      float64
	ClientRequestsPerSecond  float64
	IPSuccessesPerSecond     float64
	ClientSuccessesPerSecond float64

	// Disabled turns every check into an unconditional allow.
	Disabled bool
}

// DefaultConfig mirrors production defaults: a 10s window, 1 req/s per IP,
// 25 req/s per client, one success every 3s per IP and 6 successes/s per client.
func DefaultConfig() *Config {
	return &Config{
		Window:                   10 * time.Second,
		IPRequestsPerSecond:      1,
		ClientRequestsPerSecond:  25,
		IPSuccessesPerSecond:     1.0 / 3.0,
		ClientSuccessesPerSecond: 6,
	}
}

// Rules returns the rule set. A rate of zero or less disables that rule.
func (c *Config) Rules() []models.Rule {
	rules := make([]models.Rule, 0, 4)
	add := func(scope models.Scope, mode models.Mode, perSecond float64) {
		if perSecond <= 0 || c.Window <= 0 {
			return
		}
		rules = append(rules, models.Rule{
			Scope:  scope,
			Mode:   mode,
			Limit:  LimitFor(perSecond, c.Window),
			Window: c.Window,
		})
	}
	add(models.ScopeIP, models.CountOnArrival, c.IPRequestsPerSecond)
	add(models.ScopeClient, models.CountOnArrival, c.ClientRequestsPerSecond)
	add(models.ScopeIP, models.CountOnSuccess, c.IPSuccessesPerSecond)
	add(models.ScopeClient, models.CountOnSuccess, c.ClientSuccessesPerSecond)
	return rules
}

// LimitFor converts a per-second rate into an entry limit for window,
// never below one.
func LimitFor(perSecond float64, window time.Duration) int {
	limit := int(math.Floor(perSecond * window.Seconds()))
	if limit < 1 {
		return 1
	}
	return limit
}

// ClientSuccessOverride is the rule added for a client configured with its
// own successes-per-second ceiling.
func ClientSuccessOverride(maxPerSecond int) models.Rule {
	return models.Rule{
		Scope:  models.ScopeClient,
		Mode:   models.CountOnSuccess,
		Limit:  maxPerSecond,
		Window: time.Second,
	}
}
