package gateway

import (
	"context"
	"net/http"
	"slices"
	"time"

	"quickapi/internal/claims"
	"quickapi/internal/cors"
	"quickapi/internal/platform/tracer"
	rlconfig "quickapi/internal/ratelimit/config"
	"quickapi/internal/ratelimit/limiter"
	rlmiddleware "quickapi/internal/ratelimit/middleware"
	"quickapi/internal/timeout"
	"quickapi/internal/validator"
	dErrors "quickapi/pkg/domain-errors"
)

// Stage names, also used as metric and span labels.
const (
	StageDecodeClaims    = "decode-claims"
	StageLoadClient      = "load-client"
	StageCheckAccess     = "check-access"
	StageCORS            = "cors"
	StageVerifySignature = "verify-signature"
	StageRateLimit       = "rate-limit"
	StageRecaptcha       = "recaptcha"
	StageParseBody       = "parse-body"
	StageBindBody        = "bind-body"
	StageHandler         = "handler"
	StagePreflight       = "preflight"
)

// Stage is one step of the pipeline. Stages run in order and the first error
// stops the request.
type Stage struct {
	Name string
	Run  func(ctx context.Context, c *Call) error
}

// Stages returns the pipeline for a call type.
func (g *Gateway) Stages(ct CallType) []Stage {
	if ct == CallPrivate {
		return []Stage{
			{StageDecodeClaims, g.decodeClaims},
			{StageLoadClient, g.loadClient},
			{StageCheckAccess, checkAccess},
			{StageVerifySignature, verifySignature},
			{StageRateLimit, g.rateLimit},
			{StageParseBody, g.parseBody},
			{StageBindBody, bindBody},
		}
	}
	return []Stage{
		{StageDecodeClaims, g.decodeClaims},
		{StageLoadClient, g.loadClient},
		{StageCheckAccess, checkAccess},
		{StageCORS, enforceCORS},
		{StageVerifySignature, verifySignature},
		{StageRateLimit, g.rateLimit},
		{StageRecaptcha, g.recaptcha},
		{StageParseBody, g.parseBody},
		{StageBindBody, bindBody},
	}
}

// execute runs stages in order. It returns the name of the failing stage
// with its error. An expired budget takes precedence over whatever error the
// stage reported, so the cause is always the budget that fired.
func (g *Gateway) execute(ctx context.Context, c *Call, stages []Stage) (string, error) {
	for _, st := range stages {
		if err := c.Timeouts.BlowIfTimedOut(); err != nil {
			return st.Name, err
		}

		stageCtx, span := g.tracer.Start(ctx, tracer.SpanStage, tracer.String(tracer.AttrStage, st.Name))
		start := time.Now()
		err := st.Run(stageCtx, c)
		if g.metrics != nil {
			g.metrics.ObserveStage(st.Name, time.Since(start).Seconds())
		}
		if tErr := c.Timeouts.BlowIfTimedOut(); tErr != nil {
			err = tErr
		}
		span.End(err)
		if err != nil {
			return st.Name, err
		}
	}
	return "", nil
}

func (g *Gateway) decodeClaims(_ context.Context, c *Call) error {
	raw, err := claims.FromAuthorization(c.Request.Header.Get("Authorization"))
	if err != nil {
		return err
	}
	token, err := claims.Decode(raw)
	if err != nil {
		return err
	}
	c.Token = token
	return nil
}

func (g *Gateway) loadClient(ctx context.Context, c *Call) error {
	client, err := g.clients.Find(ctx, c.Token.Claims.ClientID)
	if err != nil {
		return err
	}
	c.Client = client
	c.API = client.API(c.Route.APIID)
	return nil
}

func checkAccess(_ context.Context, c *Call) error {
	if c.Client.Revoked {
		return dErrors.Authentication(dErrors.SubtypeTokenRevoked, "client "+c.Client.ID+" is revoked")
	}
	if !c.API.Enabled {
		return dErrors.Authentication(dErrors.SubtypeNoAccessToRoute,
			"api "+c.Route.APIID+" is disabled for client "+c.Client.ID)
	}
	return nil
}

func enforceCORS(_ context.Context, c *Call) error {
	d, err := cors.Enforce(c.Writer, c.Request, c.Scheme, cors.Policy{AllowedHosts: c.API.AllowedHosts})
	c.Origin = d.Origin
	return err
}

// verifySignature checks browser calls against the exposed secret and server
// calls against the private one. Unsigned server calls pass only when the
// client allows them.
func verifySignature(_ context.Context, c *Call) error {
	if c.Route.CallType == CallPublic {
		return claims.VerifyToken(c.Token, c.Client.ExposedSecret)
	}
	if !c.Token.Signed() && c.API.AllowUnsigned {
		return nil
	}
	return claims.VerifyToken(c.Token, c.Client.Secret)
}

// rateLimit evaluates the configured rules plus the client's own successes
// ceiling. Server calls are not throttled per IP.
func (g *Gateway) rateLimit(ctx context.Context, c *Call) error {
	rules := slices.Clone(g.cfg.Rules)
	if ceiling := c.API.MaxSuccessesPerSecond(); ceiling > 0 {
		rules = append(rules, rlconfig.ClientSuccessOverride(ceiling))
	}
	subject := limiter.Subject{APIID: c.Route.APIID, ClientID: c.Client.ID}
	if c.Route.CallType == CallPublic {
		subject.IP = c.ClientIP
	}

	d, err := g.limiter.Evaluate(ctx, subject, rules)
	c.RateLimit = d
	rlmiddleware.WriteHeaders(c.Writer, d)
	return err
}

// recaptcha runs the external validator under its own budget.
func (g *Gateway) recaptcha(ctx context.Context, c *Call) error {
	req := validator.Request{
		Secret:   c.API.RecaptchaSecret(),
		Token:    c.Token.Claims.RecaptchaToken,
		MinScore: c.API.RecaptchaMinScore(),
		RemoteIP: c.ClientIP,
	}
	out, err := timeout.ExecValue(c.Timeouts, g.cfg.RecaptchaBudget, timeout.BudgetRecaptcha,
		func(opCtx context.Context) (validator.Outcome, error) {
			return g.validator.Check(opCtx, req)
		})
	c.Validation = out
	if out.Tag != "" {
		g.logger.DebugContext(ctx, "recaptcha checked",
			"client_id", c.Client.ID,
			"tag", out.Tag,
			"score", out.Score,
		)
	}
	return err
}

// parseBody reads the body under its own budget. Expiry of that budget is
// reported as 408 since the caller was too slow to upload.
func (g *Gateway) parseBody(_ context.Context, c *Call) error {
	body, err := timeout.ExecValue(c.Timeouts, g.cfg.ParseBodyBudget, timeout.BudgetParseBody,
		func(opCtx context.Context) (*Body, error) {
			return parseBody(opCtx, c.Request, g.cfg.Limits)
		}, timeout.WithStatus(http.StatusRequestTimeout))
	if err != nil {
		return err
	}
	c.Body = body
	return nil
}

func bindBody(_ context.Context, c *Call) error {
	return claims.VerifyBinding(c.Token.Claims.ParamsHashed, c.Body.BindingFields())
}
