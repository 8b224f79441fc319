// Package cors decides whether a browser origin may call a client's API and
// writes the matching response headers.
package cors

import (
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"

	dErrors "quickapi/pkg/domain-errors"
)

// Default response values for allowed origins.
var (
	DefaultMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	DefaultHeaders = []string{"Authorization", "Content-Type", "X-Request-ID"}
)

// Policy is the allow-list for one client and API. An empty AllowedHosts
// admits any origin.
type Policy struct {
	AllowedHosts []string
	Methods      []string
	Headers      []string
}

// Decision is the outcome of Check.
type Decision struct {
	// Origin is the normalized caller origin, echoed back when allowed.
	Origin string
	// Raw is the header value the origin was derived from.
	Raw     string
	Allowed bool
}

// NormalizeOrigin reduces raw to scheme://host[:port]. Path, query, fragment
// and credentials are dropped; scheme and host are lowercased. defaultScheme
// is used when raw has none. ok is false when no host can be extracted.
func NormalizeOrigin(raw, defaultScheme string) (origin string, ok bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return "", false
	}
	if !strings.Contains(raw, "://") {
		raw = defaultScheme + "://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", false
	}
	if port := u.Port(); port != "" {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return scheme + "://" + host, true
}

// RequestOrigin finds the caller origin in Origin, then Referer, then Host.
// Host carries no scheme, so requestScheme is applied to it.
func RequestOrigin(r *http.Request, requestScheme string) (origin, raw string, ok bool) {
	if requestScheme == "" {
		requestScheme = "http"
	}
	for _, candidate := range []string{r.Header.Get("Origin"), r.Header.Get("Referer"), r.Host} {
		if candidate == "" {
			continue
		}
		if origin, ok := NormalizeOrigin(candidate, requestScheme); ok {
			return origin, candidate, true
		}
		return "", candidate, false
	}
	return "", "", false
}

// Allows reports whether origin is admitted by allowedHosts. Configured
// entries without a scheme default to https.
func Allows(origin string, allowedHosts []string) bool {
	if len(allowedHosts) == 0 {
		return true
	}
	return slices.ContainsFunc(allowedHosts, func(h string) bool {
		n, ok := NormalizeOrigin(h, "https")
		return ok && n == origin
	})
}

// Check evaluates the policy for r without writing anything.
func Check(r *http.Request, requestScheme string, p Policy) (Decision, error) {
	origin, raw, ok := RequestOrigin(r, requestScheme)
	d := Decision{Origin: origin, Raw: raw}
	if !ok {
		return d, dErrors.Authentication(dErrors.SubtypeCorsBlock, "no usable Origin, Referer or Host header")
	}
	if !Allows(origin, p.AllowedHosts) {
		return d, dErrors.Authentication(dErrors.SubtypeCorsBlock, "origin "+origin+" is not allowed").
			WithDetail("origin", origin)
	}
	d.Allowed = true
	return d, nil
}

// Enforce checks the policy and, when allowed, writes the CORS headers.
// The exact origin is echoed; a wildcard is never sent.
func Enforce(w http.ResponseWriter, r *http.Request, requestScheme string, p Policy) (Decision, error) {
	d, err := Check(r, requestScheme, p)
	if err != nil {
		return d, err
	}
	WriteHeaders(w, d.Origin, p)
	return d, nil
}

// WriteHeaders writes the allow headers for origin.
func WriteHeaders(w http.ResponseWriter, origin string, p Policy) {
	methods, headers := p.Methods, p.Headers
	if len(methods) == 0 {
		methods = DefaultMethods
	}
	if len(headers) == 0 {
		headers = DefaultHeaders
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", strings.Join(methods, ", "))
	h.Set("Access-Control-Allow-Headers", strings.Join(headers, ", "))
	h.Add("Vary", "Origin")
}

// IsPreflight reports whether r is a CORS preflight request.
func IsPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions
}
