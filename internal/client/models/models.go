// Package models holds the API client configuration read by the gateway.
package models

import (
	"slices"
	"strings"
)

// DefaultAPIID is the per-client entry supplying fallback values for any API.
const DefaultAPIID = "default"

// Client is a consumer of the gateway. Secret signs server-to-server calls;
// ExposedSecret is embedded in browser code and signs public calls.
type Client struct {
	ID            string               `json:"id"`
	Secret        string               `json:"secret"`
	ExposedSecret string               `json:"exposedSecret"`
	Revoked       bool                 `json:"revoked,omitempty"`
	APIs          map[string]APIConfig `json:"apis"`
}

// APIConfig configures one API for one client. Nil fields fall back to the
// client's default entry.
type APIConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	// AllowedHosts nil admits any origin.
	AllowedHosts []string         `json:"allowedHosts,omitempty"`
	Recaptcha    *RecaptchaConfig `json:"recaptcha,omitempty"`
	RateLimit    *RateLimitConfig `json:"rateLimit,omitempty"`
	Storage      *StorageConfig   `json:"storage,omitempty"`
	// AllowUnsigned lets private calls omit the signature.
	AllowUnsigned *bool `json:"allowUnsigned,omitempty"`
}

// RecaptchaConfig enables the external validator for public calls.
type RecaptchaConfig struct {
	Secret   string  `json:"secret"`
	MinScore float64 `json:"minScore,omitempty"`
}

// RateLimitConfig overrides the global rule set for a client.
type RateLimitConfig struct {
	MaxSuccessesPerSecond int `json:"maxSuccessesPerSecond,omitempty"`
}

// StorageConfig names where a client's inputs are staged for the job pipeline.
type StorageConfig struct {
	Bucket  string `json:"bucket"`
	Project string `json:"project,omitempty"`
}

// ResolvedAPI is an APIConfig after default fallback, with no unset fields
// left to interpret.
type ResolvedAPI struct {
	APIID         string
	Enabled       bool
	AllowedHosts  []string
	Recaptcha     *RecaptchaConfig
	RateLimit     *RateLimitConfig
	Storage       *StorageConfig
	AllowUnsigned bool
}

// API resolves the configuration for apiID field by field: the specific
// entry wins, then the default entry. An API absent from both resolves to
// enabled with no restrictions.
func (c *Client) API(apiID string) ResolvedAPI {
	specific := c.APIs[apiID]
	fallback := c.APIs[DefaultAPIID]

	r := ResolvedAPI{
		APIID:         apiID,
		Enabled:       firstBool(true, specific.Enabled, fallback.Enabled),
		AllowUnsigned: firstBool(false, specific.AllowUnsigned, fallback.AllowUnsigned),
		AllowedHosts:  specific.AllowedHosts,
		Recaptcha:     specific.Recaptcha,
		RateLimit:     specific.RateLimit,
		Storage:       specific.Storage,
	}
	if r.AllowedHosts == nil {
		r.AllowedHosts = fallback.AllowedHosts
	}
	if r.Recaptcha == nil {
		r.Recaptcha = fallback.Recaptcha
	}
	if r.RateLimit == nil {
		r.RateLimit = fallback.RateLimit
	}
	if r.Storage == nil {
		r.Storage = fallback.Storage
	}
	return r
}

// RecaptchaSecret returns the validator secret, empty when none is configured.
func (r ResolvedAPI) RecaptchaSecret() string {
	if r.Recaptcha == nil {
		return ""
	}
	return r.Recaptcha.Secret
}

// RecaptchaMinScore returns the configured threshold, zero meaning default.
func (r ResolvedAPI) RecaptchaMinScore() float64 {
	if r.Recaptcha == nil {
		return 0
	}
	return r.Recaptcha.MinScore
}

// MaxSuccessesPerSecond returns the client override, zero when unset.
func (r ResolvedAPI) MaxSuccessesPerSecond() int {
	if r.RateLimit == nil {
		return 0
	}
	return r.RateLimit.MaxSuccessesPerSecond
}

func firstBool(def bool, values ...*bool) bool {
	for _, v := range values {
		if v != nil {
			return *v
		}
	}
	return def
}

// AllowedOrigins aggregates the allow-lists of every enabled client for
// apiID. anyOrigin is true when at least one enabled client leaves its list
// unset, in which case hosts is nil.
func AllowedOrigins(clients []*Client, apiID string) (hosts []string, anyOrigin bool) {
	seen := make(map[string]struct{})
	for _, c := range clients {
		if c == nil || c.Revoked {
			continue
		}
		api := c.API(apiID)
		if !api.Enabled {
			continue
		}
		if len(api.AllowedHosts) == 0 {
			return nil, true
		}
		for _, h := range api.AllowedHosts {
			key := strings.ToLower(strings.TrimSpace(h))
			if _, dup := seen[key]; dup || key == "" {
				continue
			}
			seen[key] = struct{}{}
			hosts = append(hosts, h)
		}
	}
	slices.Sort(hosts)
	return hosts, false
}

// Bool returns a pointer to b, for building configurations in code.
func Bool(b bool) *bool {
	return &b
}
