// Package validator checks browser callers against an external human-presence
// validator (reCAPTCHA siteverify).
package validator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"quickapi/internal/platform/tracer"
	dErrors "quickapi/pkg/domain-errors"
)

// DefaultMinScore is applied when a client configures no threshold.
const DefaultMinScore = 0.75

// maxResponseBytes bounds the siteverify body we are willing to read.
const maxResponseBytes = 64 << 10

// Tag labels how a check was resolved.
type Tag string

const (
	// TagSkipped means the client has no validator secret for this API.
	TagSkipped Tag = "skipped"
	// TagAccepted means the validator answered success with a passing score.
	TagAccepted Tag = "accepted"
	// TagIgnored means the operator override accepted a failing check.
	TagIgnored Tag = "ignored"
	// TagRefused means the caller was rejected.
	TagRefused Tag = "refused"
)

// HTTPDoer is the minimal interface needed from an HTTP client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Result is the siteverify answer.
type Result struct {
	Success    bool     `json:"success"`
	Score      float64  `json:"score"`
	Action     string   `json:"action,omitempty"`
	Hostname   string   `json:"hostname,omitempty"`
	ErrorCodes []string `json:"error-codes,omitempty"`
}

// Request describes one check.
type Request struct {
	Secret   string
	Token    string
	MinScore float64
	RemoteIP string
}

// Outcome is the resolved check.
type Outcome struct {
	Tag    Tag
	Score  float64
	Result *Result
	// Cause is set for ignored checks so operators can see what was overridden.
	Cause error
}

// Config configures a Client.
type Config struct {
	URL             string
	DefaultMinScore float64
	// Ignore accepts every failed or unreachable check.
	Ignore     bool
	Timeout    time.Duration
	HTTPClient HTTPDoer
	// RequestsPerSecond caps outbound calls. Zero means unlimited.
	RequestsPerSecond float64
	Burst             int
}

// Client calls the validator endpoint.
type Client struct {
	url      string
	minScore float64
	ignore   bool
	http     HTTPDoer
	limiter  *rate.Limiter
	tracer   tracer.Tracer
	metrics  *Metrics
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTracer sets the tracer used for outbound calls.
func WithTracer(t tracer.Tracer) Option {
	return func(c *Client) {
		c.tracer = t
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a validator client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("validator URL is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.DefaultMinScore <= 0 {
		cfg.DefaultMinScore = DefaultMinScore
	}

	c := &Client{
		url:      cfg.URL,
		minScore: cfg.DefaultMinScore,
		ignore:   cfg.Ignore,
		http:     selectHTTPClient(cfg),
		tracer:   tracer.NewNoop(),
		logger:   slog.Default(),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func selectHTTPClient(cfg Config) HTTPDoer {
	if cfg.HTTPClient != nil {
		return cfg.HTTPClient
	}
	return &http.Client{Timeout: cfg.Timeout}
}

// Ignoring reports whether the operator override is on.
func (c *Client) Ignoring() bool {
	return c.ignore
}

// Check validates req and resolves it to an Outcome. A refused check returns
// an authentication error; an unreachable validator returns an upstream
// error. With the override on, both resolve to TagIgnored instead.
func (c *Client) Check(ctx context.Context, req Request) (Outcome, error) {
	if req.Secret == "" {
		c.observe(TagSkipped)
		return Outcome{Tag: TagSkipped}, nil
	}
	minScore := req.MinScore
	if minScore <= 0 {
		minScore = c.minScore
	}

	if req.Token == "" {
		return c.refuse(Outcome{}, "claims carry no recaptcha token")
	}

	res, err := c.Validate(ctx, req.Secret, req.Token, req.RemoteIP)
	if err != nil {
		if c.ignore {
			c.logger.WarnContext(ctx, "validator unavailable, override accepts request", "error", err)
			c.observe(TagIgnored)
			return Outcome{Tag: TagIgnored, Cause: err}, nil
		}
		c.observe("error")
		return Outcome{}, err
	}

	out := Outcome{Score: res.Score, Result: res}
	if !res.Success {
		return c.refuse(out, "validator rejected token: "+strings.Join(res.ErrorCodes, ","))
	}
	if res.Score < minScore {
		return c.refuse(out, fmt.Sprintf("score %.2f below minimum %.2f", res.Score, minScore))
	}
	out.Tag = TagAccepted
	c.observe(TagAccepted)
	return out, nil
}

func (c *Client) refuse(out Outcome, reason string) (Outcome, error) {
	err := dErrors.Authentication(dErrors.SubtypeRecaptchaRefused, reason).
		WithDetail("score", out.Score)
	if c.ignore {
		out.Tag = TagIgnored
		out.Cause = err
		c.observe(TagIgnored)
		return out, nil
	}
	out.Tag = TagRefused
	c.observe(TagRefused)
	return out, err
}

// Validate posts the token to the validator and decodes its answer.
// Transport and protocol failures are upstream errors; context errors stay
// reachable through errors.Is.
func (c *Client) Validate(ctx context.Context, secret, token, remoteIP string) (res *Result, err error) {
	ctx, span := c.tracer.Start(ctx, tracer.SpanValidatorCall)
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.ObserveLatency(time.Since(start).Seconds())
		}
		if res != nil {
			span.SetAttributes(tracer.Float64(tracer.AttrValidatorScore, res.Score))
		}
		span.End(err)
	}()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, dErrors.Upstream(dErrors.SubtypeValidatorDown, fmt.Errorf("outbound limit: %w", err))
		}
	}

	form := url.Values{}
	form.Set("secret", secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, dErrors.Upstream(dErrors.SubtypeValidatorDown, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, dErrors.Upstream(dErrors.SubtypeValidatorDown, fmt.Errorf("request aborted: %w", ctxErr))
		}
		return nil, dErrors.Upstream(dErrors.SubtypeValidatorDown, fmt.Errorf("execute request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, dErrors.Upstream(dErrors.SubtypeValidatorDown, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, dErrors.Upstream(dErrors.SubtypeValidatorDown, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var out Result
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, dErrors.Upstream(dErrors.SubtypeValidatorDown, fmt.Errorf("decode response: %w", err))
	}
	return &out, nil
}

func (c *Client) observe(tag Tag) {
	if c.metrics != nil {
		c.metrics.ObserveOutcome(string(tag))
	}
}
