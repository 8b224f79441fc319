// Package requestcontext carries per-request metadata through context.Context.
package requestcontext

import (
	"context"
	"time"
)

type ctxKey int

const (
	keyRequestID ctxKey = iota
	keyClientIP
	keyUserAgent
	keyReceivedAt
)

// WithRequestID stores the request correlation id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestID returns the correlation id, or "" when none was set.
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(keyRequestID).(string)
	return v
}

// WithClientMetadata stores the resolved client IP and User-Agent.
func WithClientMetadata(ctx context.Context, ip, userAgent string) context.Context {
	ctx = context.WithValue(ctx, keyClientIP, ip)
	return context.WithValue(ctx, keyUserAgent, userAgent)
}

// ClientIP returns the resolved client IP, or "" when unknown.
func ClientIP(ctx context.Context) string {
	v, _ := ctx.Value(keyClientIP).(string)
	return v
}

// UserAgent returns the raw User-Agent header value.
func UserAgent(ctx context.Context) string {
	v, _ := ctx.Value(keyUserAgent).(string)
	return v
}

// WithReceivedAt stores the instant the gateway accepted the request.
func WithReceivedAt(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, keyReceivedAt, t)
}

// ReceivedAt returns the accept instant, or the zero time.
func ReceivedAt(ctx context.Context) time.Time {
	v, _ := ctx.Value(keyReceivedAt).(time.Time)
	return v
}

type schemeKey struct{}

// WithScheme stores the scheme the caller used ("http" or "https").
func WithScheme(ctx context.Context, scheme string) context.Context {
	return context.WithValue(ctx, schemeKey{}, scheme)
}

// Scheme returns the caller's scheme, defaulting to "http".
func Scheme(ctx context.Context) string {
	if v, ok := ctx.Value(schemeKey{}).(string); ok && v != "" {
		return v
	}
	return "http"
}
