package httptransport

import (
	"log/slog"
	"net/http"
	"net/netip"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"quickapi/internal/gateway"
	"quickapi/internal/platform/health"
	"quickapi/internal/simulation"
	"quickapi/pkg/platform/middleware/metadata"
	"quickapi/pkg/platform/middleware/request"
)

// Route prefixes for browser and server-to-server callers.
const (
	PublicPrefix  = "/front/v1/quick-simulations"
	PrivatePrefix = "/api/v1/quick-simulations"
)

// RouterConfig configures the HTTP surface.
type RouterConfig struct {
	TrustedProxies []netip.Prefix
	// MaxBodyBytes caps every request body. Zero disables the cap.
	MaxBodyBytes int64
	// Gatherer serves /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// Deps are the components mounted on the router.
type Deps struct {
	Gateway     *gateway.Gateway
	Simulations *SimulationHandler
	Health      *health.Handler
	// RequestMetrics may be nil.
	RequestMetrics *request.Metrics
}

// NewRouter wires all public endpoints with middleware.
// Every simulation variant is served on a public path guarded by CORS and
// the external validator, and on a private path for server callers.
func NewRouter(cfg RouterConfig, deps Deps, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(request.Recovery(logger))
	r.Use(request.RequestID)
	r.Use(metadata.NewMiddleware(&metadata.Config{TrustedProxies: cfg.TrustedProxies}).Handler)
	r.Use(request.Logger(logger))
	r.Use(request.LatencyMiddleware(deps.RequestMetrics, routePattern))

	if deps.Health != nil {
		deps.Health.Register(r)
	}
	if cfg.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(request.BodyLimit(cfg.MaxBodyBytes))

		for _, v := range simulation.Variants {
			public := PublicPrefix + v.Path
			r.Method(http.MethodPost, public,
				deps.Gateway.Handle(deps.Simulations.Route(v, gateway.CallPublic, public)))
			r.Method(http.MethodOptions, public, deps.Gateway.Preflight(v.APIID))

			private := PrivatePrefix + v.Path
			r.Method(http.MethodPost, private,
				deps.Gateway.Handle(deps.Simulations.Route(v, gateway.CallPrivate, private)))
		}
	})

	return r
}

// routePattern returns the matched chi pattern for metric labels.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}
