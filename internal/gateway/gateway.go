package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"quickapi/internal/cors"
	"quickapi/internal/platform/metrics"
	"quickapi/internal/platform/tracer"
	rlmodels "quickapi/internal/ratelimit/models"
	"quickapi/internal/timeout"
	dErrors "quickapi/pkg/domain-errors"
	"quickapi/pkg/platform/httputil"
	"quickapi/pkg/platform/middleware/request"
	"quickapi/pkg/requestcontext"
)

// Config holds the budgets and limits shared by every route.
type Config struct {
	RouteBudget     time.Duration
	ParseBodyBudget time.Duration
	RecaptchaBudget time.Duration
	PreflightBudget time.Duration

	Rules  []rlmodels.Rule
	Limits BodyLimits

	// DebugErrors renders internal rejection reasons in responses.
	DebugErrors bool
}

// Gateway builds the HTTP handlers guarding each route.
type Gateway struct {
	cfg       Config
	clients   ClientSource
	limiter   RateLimiter
	validator Validator
	tracer    tracer.Tracer
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithTracer sets the tracer for request and stage spans.
func WithTracer(t tracer.Tracer) Option {
	return func(g *Gateway) {
		g.tracer = t
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// New creates a Gateway.
func New(cfg Config, clients ClientSource, limiter RateLimiter, validator Validator, opts ...Option) *Gateway {
	if cfg.Limits.MaxFieldBytes == 0 {
		cfg.Limits.MaxFieldBytes = DefaultMaxFieldBytes
	}
	g := &Gateway{
		cfg:       cfg,
		clients:   clients,
		limiter:   limiter,
		validator: validator,
		tracer:    tracer.NewNoop(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// newManager creates the per-request timeout manager.
func (g *Gateway) newManager(ctx context.Context) *timeout.Manager {
	return timeout.New(ctx, timeout.WithOnTimeout(func(id string) {
		if g.metrics != nil {
			g.metrics.IncrementTimeout(id)
		}
	}))
}

// Handle returns the handler running route's pipeline then its business
// handler, all under the route budget.
func (g *Gateway) Handle(route Route) http.Handler {
	stages := g.Stages(route.CallType)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.metrics != nil {
			g.metrics.InFlight.Inc()
			defer g.metrics.InFlight.Dec()
		}
		rec := request.NewStatusRecorder(w)

		m := g.newManager(r.Context())
		defer m.ClearAll()
		ctx := timeout.NewContext(m.Context(), m)

		ctx, span := g.tracer.Start(ctx, tracer.SpanRequest,
			tracer.String(tracer.AttrRoute, route.Pattern),
			tracer.String(tracer.AttrCallType, string(route.CallType)),
			tracer.String(tracer.AttrAPIID, route.APIID),
		)

		c := &Call{
			Route:     route,
			Request:   r.WithContext(ctx),
			Writer:    rec,
			Timeouts:  m,
			ClientIP:  requestcontext.ClientIP(ctx),
			Scheme:    requestcontext.Scheme(ctx),
			RequestID: requestcontext.RequestID(ctx),
		}

		stage, status, body, err := g.serve(ctx, c, stages)
		if c.Client != nil {
			span.SetAttributes(tracer.String(tracer.AttrClientID, c.Client.ID))
		}
		span.End(err)

		if err != nil {
			g.reject(ctx, c, stage, err)
			return
		}
		httputil.WriteJSON(rec, status, body)
		g.countRequest(route, status)

		if status >= 200 && status < 300 {
			if err := c.RateLimit.CommitSuccess(context.WithoutCancel(ctx)); err != nil {
				g.logger.WarnContext(ctx, "failed to record successful request",
					"client_id", c.Client.ID,
					"error", err,
				)
			}
		}
	})
}

// serve runs the stages then the business handler. A budget that fired wins
// over the error the handler observed.
func (g *Gateway) serve(ctx context.Context, c *Call, stages []Stage) (string, int, any, error) {
	if _, err := c.Timeouts.Start(g.cfg.RouteBudget, timeout.BudgetRoute); err != nil {
		return StageHandler, 0, nil, err
	}
	if stage, err := g.execute(ctx, c, stages); err != nil {
		return stage, 0, nil, err
	}

	status, body, err := c.Route.Handle(ctx, c)
	if tErr := c.Timeouts.BlowIfTimedOut(); tErr != nil {
		return StageHandler, 0, nil, tErr
	}
	if err != nil {
		return StageHandler, 0, nil, err
	}
	if status == 0 {
		status = http.StatusOK
	}
	return "", status, body, nil
}

// Preflight answers OPTIONS for apiID. The origin is checked against the
// allow-lists of every client enabled for the API.
func (g *Gateway) Preflight(apiID string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := g.newManager(r.Context())
		defer m.ClearAll()
		ctx := r.Context()
		c := &Call{
			Route:     Route{APIID: apiID, Pattern: r.URL.Path},
			Request:   r,
			Writer:    w,
			Timeouts:  m,
			RequestID: requestcontext.RequestID(ctx),
		}

		type origins struct {
			hosts     []string
			anyOrigin bool
		}
		allowed, err := timeout.ExecValue(m, g.cfg.PreflightBudget, timeout.BudgetPreflight,
			func(opCtx context.Context) (origins, error) {
				hosts, anyOrigin, err := g.clients.AllowedOrigins(opCtx, apiID)
				return origins{hosts, anyOrigin}, err
			})
		if err == nil && !allowed.anyOrigin && len(allowed.hosts) == 0 {
			err = dErrors.Authentication(dErrors.SubtypeCorsBlock, "no client may call "+apiID+" from a browser")
		}
		if err == nil {
			var d cors.Decision
			d, err = cors.Enforce(w, r, requestcontext.Scheme(ctx), cors.Policy{AllowedHosts: allowed.hosts})
			c.Origin = d.Origin
		}
		if err != nil {
			g.reject(ctx, c, StagePreflight, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

// reject renders err and records it. Expected rejections are logged at debug
// level; infrastructure failures at error level.
func (g *Gateway) reject(ctx context.Context, c *Call, stage string, err error) {
	status, body := httputil.ErrorResponse(err, g.cfg.DebugErrors)

	code, subtype := dErrors.CodeInternal, ""
	if e, ok := dErrors.As(err); ok {
		code, subtype = e.Code, e.Subtype
	}
	attrs := []any{
		"stage", stage,
		"route", c.Route.Pattern,
		"status", status,
		"code", code,
		"subtype", subtype,
		"error", err,
	}
	if c.Token != nil {
		attrs = append(attrs, "client_id", c.Token.Claims.ClientID)
	}
	if c.Origin != "" {
		attrs = append(attrs, "origin", c.Origin)
	}

	switch code {
	case dErrors.CodeInternal:
		g.logger.ErrorContext(ctx, "request failed", attrs...)
	case dErrors.CodeUpstream, dErrors.CodeTimeout:
		g.logger.WarnContext(ctx, "request rejected", attrs...)
	default:
		g.logger.DebugContext(ctx, "request rejected", attrs...)
	}

	if g.metrics != nil {
		g.metrics.IncrementRejection(stage, string(code), subtype)
	}
	httputil.WriteJSON(c.Writer, status, body)
	g.countRequest(c.Route, status)
}

func (g *Gateway) countRequest(route Route, status int) {
	if g.metrics == nil {
		return
	}
	callType := string(route.CallType)
	if callType == "" {
		callType = "preflight"
	}
	g.metrics.IncrementRequest(route.Pattern, callType, strconv.Itoa(status))
}
