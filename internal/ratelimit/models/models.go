package models

import (
	"fmt"
	"time"
)

// Mode decides when a request is recorded in a bucket.
type Mode int

const (
	// CountOnArrival records every request that passes the check.
	CountOnArrival Mode = iota
	// CountOnSuccess records a request only once it completed with a 2xx status.
	CountOnSuccess
)

func (m Mode) String() string {
	if m == CountOnSuccess {
		return "successes"
	}
	return "requests"
}

// Rule is one sliding-window limit applied to a request.
type Rule struct {
	Scope  Scope
	Mode   Mode
	Limit  int
	Window time.Duration
	// Name overrides the derived category when set.
	Name string
}

// Category names the rule for errors and metrics, e.g. "client-successes-per-second".
func (r Rule) Category() string {
	if r.Name != "" {
		return r.Name
	}
	return fmt.Sprintf("%s-%s-per-%s", r.Scope, r.Mode, WindowLabel(r.Window))
}

// WindowLabel renders common windows as words and the rest as durations.
func WindowLabel(d time.Duration) string {
	switch d {
	case time.Second:
		return "second"
	case time.Minute:
		return "minute"
	case time.Hour:
		return "hour"
	case 24 * time.Hour:
		return "day"
	default:
		return d.String()
	}
}

// BucketState is a snapshot of one bucket inside the current window.
type BucketState struct {
	Count int
	// Oldest is the earliest in-window entry, zero when the bucket is empty.
	Oldest time.Time
}

// RateLimitResult is the outcome of checking one rule.
type RateLimitResult struct {
	Allowed    bool
	Category   string
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter int // seconds until the oldest entry leaves the window
}
