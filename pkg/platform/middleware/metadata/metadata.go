package metadata

import (
	"fmt"
	"net/http"
	"net/netip"
	"strings"

	"quickapi/pkg/requestcontext"
)

// MaxXFFHeaderLength is the maximum accepted length of X-Forwarded-For.
const MaxXFFHeaderLength = 500

// Config holds configuration for the metadata middleware.
type Config struct {
	// TrustedProxies may set X-Forwarded-For, X-Real-IP and X-Forwarded-Proto.
	// If empty, forwarding headers are never trusted.
	TrustedProxies []netip.Prefix
}

// DefaultConfig returns a Config with no trusted proxies.
func DefaultConfig() *Config {
	return &Config{}
}

// ParseTrustedProxies parses CIDR strings; bare addresses become single-host prefixes.
func ParseTrustedProxies(values []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(values))
	for _, raw := range values {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("parse trusted proxy %q: %w", raw, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("parse trusted proxy %q: %w", raw, err)
		}
		prefixes = append(prefixes, prefix.Masked())
	}
	return prefixes, nil
}

// Middleware resolves caller metadata with configurable trusted proxies.
type Middleware struct {
	config *Config
}

// NewMiddleware creates a new metadata middleware with the given config.
func NewMiddleware(cfg *Config) *Middleware {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Middleware{config: cfg}
}

// Handler stores client IP, User-Agent and scheme in the request context.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remote, trusted := m.remote(r)
		ctx := requestcontext.WithClientMetadata(r.Context(), m.clientIP(r, remote, trusted), r.Header.Get("User-Agent"))
		ctx = requestcontext.WithScheme(ctx, scheme(r, trusted))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Middleware) remote(r *http.Request) (string, bool) {
	remote := parseRemoteAddr(r.RemoteAddr)
	if remote == "" {
		return "", false
	}
	return remote, m.isTrustedProxy(remote)
}

func (m *Middleware) clientIP(r *http.Request, remote string, trusted bool) string {
	if remote == "" {
		return "unknown"
	}
	if !trusted {
		return remote
	}

	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" && len(xri) <= MaxXFFHeaderLength {
			if _, err := netip.ParseAddr(xri); err == nil {
				return xri
			}
		}
		return remote
	}
	if len(xff) > MaxXFFHeaderLength {
		return remote
	}

	// First hop is the original client.
	first, _, _ := strings.Cut(xff, ",")
	first = strings.TrimSpace(first)
	if _, err := netip.ParseAddr(first); err != nil {
		return remote
	}
	return first
}

func scheme(r *http.Request, trusted bool) string {
	if trusted {
		if proto := strings.ToLower(strings.TrimSpace(r.Header.Get("X-Forwarded-Proto"))); proto == "http" || proto == "https" {
			return proto
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func (m *Middleware) isTrustedProxy(ip string) bool {
	if len(m.config.TrustedProxies) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range m.config.TrustedProxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// parseRemoteAddr strips the port from RemoteAddr, accepting bare addresses too.
func parseRemoteAddr(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	if ap, err := netip.ParseAddrPort(remoteAddr); err == nil {
		return ap.Addr().Unmap().String()
	}
	if addr, err := netip.ParseAddr(strings.Trim(remoteAddr, "[]")); err == nil {
		return addr.Unmap().String()
	}
	return ""
}
