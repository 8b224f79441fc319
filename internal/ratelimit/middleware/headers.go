// Package middleware renders rate limit decisions on HTTP responses.
package middleware

import (
	"net/http"
	"strconv"

	"quickapi/internal/ratelimit/limiter"
	"quickapi/internal/ratelimit/models"
)

// Header names written for every evaluated request.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderCategory   = "X-RateLimit-Category"
	HeaderStatus     = "X-RateLimit-Status"
	HeaderRetryAfter = "Retry-After"
)

// WriteHeaders adds X-RateLimit-* headers for the tightest rule of d.
// Rejected requests also get Retry-After and the rule category; requests
// counted on process-local buckets are flagged degraded.
func WriteHeaders(w http.ResponseWriter, d *limiter.Decision) {
	if d == nil {
		return
	}
	if d.Degraded {
		w.Header().Set(HeaderStatus, "degraded")
	}
	addRateLimitHeaders(w, d.Tightest())
	if d.Exceeded != nil {
		w.Header().Set(HeaderRetryAfter, strconv.Itoa(max(d.Exceeded.RetryAfter, 1)))
		w.Header().Set(HeaderCategory, d.Exceeded.Category)
	}
}

// addRateLimitHeaders adds X-RateLimit-* headers to the response.
func addRateLimitHeaders(w http.ResponseWriter, result *models.RateLimitResult) {
	if result == nil {
		return
	}
	w.Header().Set(HeaderLimit, strconv.Itoa(result.Limit))
	w.Header().Set(HeaderRemaining, strconv.Itoa(result.Remaining))
	w.Header().Set(HeaderReset, strconv.FormatInt(result.ResetAt.Unix(), 10))
}
