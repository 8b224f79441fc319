package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"quickapi/internal/claims"
	"quickapi/internal/client/cache"
	"quickapi/internal/client/models"
	"quickapi/internal/client/store"
	"quickapi/internal/gateway/mocks"
	"quickapi/internal/platform/metrics"
	"quickapi/internal/platform/tracer"
	rlconfig "quickapi/internal/ratelimit/config"
	"quickapi/internal/ratelimit/limiter"
	rlmiddleware "quickapi/internal/ratelimit/middleware"
	rlmodels "quickapi/internal/ratelimit/models"
	"quickapi/internal/ratelimit/store/bucket"
	"quickapi/internal/timeout"
	"quickapi/internal/validator"
	dErrors "quickapi/pkg/domain-errors"
	"quickapi/pkg/platform/httputil"
	"quickapi/pkg/requestcontext"
)

const (
	apiID         = "sims"
	publicPath    = "/front/v1/sims"
	privatePath   = "/api/v1/sims"
	privateSecret = "private-secret"
	exposedSecret = "exposed-secret"
)

var photo = []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00\x01")

type part struct {
	name     string
	filename string
	content  []byte
}

func multipartBody(parts ...part) (*bytes.Buffer, string) {
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	for _, p := range parts {
		var w io.Writer
		if p.filename != "" {
			w, _ = mw.CreateFormFile(p.name, p.filename)
		} else {
			w, _ = mw.CreateFormField(p.name)
		}
		_, _ = w.Write(p.content)
	}
	_ = mw.Close()
	return buf, mw.FormDataContentType()
}

// hashedParts returns the paramsHashed claim matching parts.
func hashedParts(parts ...part) map[string]string {
	fields := make(map[string][]byte, len(parts))
	for _, p := range parts {
		fields[p.name] = p.content
	}
	return claims.HashFields(fields)
}

func defaultParts() []part {
	return []part{
		{name: "data", content: []byte(`{"whiten":0.3}`)},
		{name: "imgPhoto", filename: "me.jpg", content: photo},
	}
}

// =============================================================================
// Gateway Test Suite
// =============================================================================
// Justification: the pipeline is only meaningful end to end. Clients and
// buckets are real in-memory implementations; the external validator is
// mocked so each test states whether it may be consulted at all.

type GatewaySuite struct {
	suite.Suite
	ctrl      *gomock.Controller
	validator *mocks.MockValidator
	metrics   *metrics.Metrics
	recorder  *tracer.Recorder
	clients   *store.InMemoryStore
	cfg       Config
	handled   atomic.Int32
	handler   Handler
}

func TestGatewaySuite(t *testing.T) {
	suite.Run(t, new(GatewaySuite))
}

func (s *GatewaySuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.validator = mocks.NewMockValidator(s.ctrl)
	s.metrics = metrics.NewWith(prometheus.NewRegistry())
	s.recorder = tracer.NewRecorder()
	s.handled.Store(0)

	s.clients = store.NewInMemoryStore(
		&models.Client{
			ID:            "acme",
			Secret:        privateSecret,
			ExposedSecret: exposedSecret,
			APIs: map[string]models.APIConfig{
				models.DefaultAPIID: {
					AllowedHosts: []string{"https://a.com"},
					RateLimit:    &models.RateLimitConfig{MaxSuccessesPerSecond: 1},
					Recaptcha:    &models.RecaptchaConfig{Secret: "site-secret", MinScore: 0.75},
				},
			},
		},
		&models.Client{ID: "gone", Secret: privateSecret, ExposedSecret: exposedSecret, Revoked: true},
		&models.Client{
			ID: "closed", Secret: privateSecret, ExposedSecret: exposedSecret,
			APIs: map[string]models.APIConfig{apiID: {Enabled: models.Bool(false)}},
		},
		&models.Client{
			ID: "relaxed", Secret: privateSecret, ExposedSecret: exposedSecret,
			APIs: map[string]models.APIConfig{models.DefaultAPIID: {AllowUnsigned: models.Bool(true)}},
		},
	)

	s.cfg = Config{
		RouteBudget:     5 * time.Second,
		ParseBodyBudget: 2 * time.Second,
		RecaptchaBudget: 2 * time.Second,
		PreflightBudget: time.Second,
		Rules:           rlconfig.DefaultConfig().Rules(),
		Limits:          BodyLimits{MaxFileBytes: 1 << 20, MaxFiles: 1},
		DebugErrors:     true,
	}
	s.handler = func(_ context.Context, c *Call) (int, any, error) {
		s.handled.Add(1)
		return http.StatusAccepted, map[string]any{"client": c.Client.ID, "files": len(c.Body.Files)}, nil
	}
}

func (s *GatewaySuite) gateway() *Gateway {
	repo := cache.NewRepository(s.clients, time.Minute, time.Hour)
	lim, err := limiter.New(bucket.NewInMemoryBucketStore())
	s.Require().NoError(err)
	return New(s.cfg, repo, lim, s.validator,
		WithMetrics(s.metrics),
		WithTracer(s.recorder),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func (s *GatewaySuite) route(ct CallType) Route {
	pattern := publicPath
	if ct == CallPrivate {
		pattern = privatePath
	}
	return Route{APIID: apiID, CallType: ct, Pattern: pattern, Handle: s.handler}
}

func (s *GatewaySuite) token(c claims.Claims, secret string) string {
	tok, err := claims.Encode(c, secret)
	s.Require().NoError(err)
	return tok
}

func (s *GatewaySuite) request(path, token string, parts ...part) *http.Request {
	body, contentType := multipartBody(parts...)
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", contentType)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	ctx := requestcontext.WithClientMetadata(req.Context(), "203.0.113.7", "test")
	return req.WithContext(ctx)
}

func (s *GatewaySuite) publicRequest(clientID string, parts ...part) *http.Request {
	tok := s.token(claims.Claims{
		ClientID:       clientID,
		RecaptchaToken: "captcha",
		ParamsHashed:   hashedParts(parts...),
	}, exposedSecret)
	req := s.request(publicPath, tok, parts...)
	req.Header.Set("Origin", "https://a.com")
	return req
}

func (s *GatewaySuite) serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func (s *GatewaySuite) errorBody(rr *httptest.ResponseRecorder) httputil.ErrorDetail {
	var body httputil.ErrorBody
	s.Require().NoError(json.Unmarshal(rr.Body.Bytes(), &body), rr.Body.String())
	return body.Error
}

func (s *GatewaySuite) requireRejected(rr *httptest.ResponseRecorder, status int, subtype string) {
	s.Require().Equal(status, rr.Code, rr.Body.String())
	detail := s.errorBody(rr)
	s.Require().NotNil(detail.Debug)
	s.Equal(subtype, detail.Debug.Subtype)
}

func (s *GatewaySuite) expectAccepted(times int) {
	s.validator.EXPECT().
		Check(gomock.Any(), validator.Request{
			Secret:   "site-secret",
			Token:    "captcha",
			MinScore: 0.75,
			RemoteIP: "203.0.113.7",
		}).
		Return(validator.Outcome{Tag: validator.TagAccepted, Score: 0.9}, nil).
		Times(times)
}

// =============================================================================
// End-to-end scenarios
// =============================================================================

func (s *GatewaySuite) TestPublicCallsHitClientSuccessCeiling() {
	s.expectAccepted(1)
	h := s.gateway().Handle(s.route(CallPublic))

	first := s.serve(h, s.publicRequest("acme", defaultParts()...))
	s.Require().Equal(http.StatusAccepted, first.Code, first.Body.String())
	s.Equal("https://a.com", first.Header().Get("Access-Control-Allow-Origin"))
	s.NotEmpty(first.Header().Get(rlmiddleware.HeaderLimit))

	second := s.serve(h, s.publicRequest("acme", defaultParts()...))
	s.Require().Equal(http.StatusTooManyRequests, second.Code)
	detail := s.errorBody(second)
	s.Equal("too-many-requests", detail.ID)
	s.Equal("client-successes-per-second", detail.Subtype)
	s.Equal("client-successes-per-second", second.Header().Get(rlmiddleware.HeaderCategory))
	s.NotEmpty(second.Header().Get(rlmiddleware.HeaderRetryAfter))

	s.Equal(int32(1), s.handled.Load())
	s.Equal(1.0, testutil.ToFloat64(
		s.metrics.RejectionsTotal.WithLabelValues(StageRateLimit, string(dErrors.CodeRateLimited), "client-successes-per-second")))
}

func (s *GatewaySuite) TestPrivateCallSkipsOriginAndValidator() {
	parts := defaultParts()
	tok := s.token(claims.Claims{ClientID: "acme", ParamsHashed: hashedParts(parts...)}, privateSecret)

	rr := s.serve(s.gateway().Handle(s.route(CallPrivate)), s.request(privatePath, tok, parts...))

	s.Require().Equal(http.StatusAccepted, rr.Code, rr.Body.String())
	s.Empty(rr.Header().Get("Access-Control-Allow-Origin"))
	s.Equal(int32(1), s.handled.Load())
}

func (s *GatewaySuite) TestMissingHashedFieldRejectsBeforeHandler() {
	s.expectAccepted(1)
	photoOnly := []part{{name: "imgPhoto", filename: "me.jpg", content: photo}}
	tok := s.token(claims.Claims{
		ClientID:       "acme",
		RecaptchaToken: "captcha",
		ParamsHashed: map[string]string{
			"data":     claims.HashContent([]byte(`{"whiten":0.3}`)),
			"imgPhoto": claims.HashContent(photo),
		},
	}, exposedSecret)
	req := s.request(publicPath, tok, photoOnly...)
	req.Header.Set("Origin", "https://a.com")

	rr := s.serve(s.gateway().Handle(s.route(CallPublic)), req)

	s.requireRejected(rr, http.StatusForbidden, dErrors.SubtypeBodyMismatch)
	s.Equal("not-authorized", s.errorBody(rr).ID)
	s.Zero(s.handled.Load())
}

// =============================================================================
// Rejections
// =============================================================================

func (s *GatewaySuite) TestPublicRejections() {
	parts := defaultParts()
	signed := func(clientID, secret string) string {
		return s.token(claims.Claims{ClientID: clientID, ParamsHashed: hashedParts(parts...)}, secret)
	}

	tests := []struct {
		name    string
		token   string
		origin  string
		stage   string
		subtype string
	}{
		{"missing token", "", "https://a.com", StageDecodeClaims, dErrors.SubtypeInvalidToken},
		{"garbage token", "not-base64!", "https://a.com", StageDecodeClaims, dErrors.SubtypeInvalidToken},
		{"unknown client", signed("nobody", exposedSecret), "https://a.com", StageLoadClient, dErrors.SubtypeUnknownClient},
		{"revoked client", signed("gone", exposedSecret), "https://a.com", StageCheckAccess, dErrors.SubtypeTokenRevoked},
		{"api disabled", signed("closed", exposedSecret), "https://a.com", StageCheckAccess, dErrors.SubtypeNoAccessToRoute},
		{"foreign origin", signed("acme", exposedSecret), "https://evil.com", StageCORS, dErrors.SubtypeCorsBlock},
		{"scheme mismatch", signed("acme", exposedSecret), "http://a.com", StageCORS, dErrors.SubtypeCorsBlock},
		{"private secret on public route", signed("acme", privateSecret), "https://a.com", StageVerifySignature, dErrors.SubtypeBadSignature},
		{"unsigned public call", signed("acme", ""), "https://a.com", StageVerifySignature, dErrors.SubtypeBadSignature},
	}
	h := s.gateway().Handle(s.route(CallPublic))
	for _, tt := range tests {
		s.Run(tt.name, func() {
			req := s.request(publicPath, tt.token, parts...)
			req.Header.Set("Origin", tt.origin)

			rr := s.serve(h, req)

			s.requireRejected(rr, http.StatusForbidden, tt.subtype)
			s.GreaterOrEqual(testutil.ToFloat64(
				s.metrics.RejectionsTotal.WithLabelValues(tt.stage, string(dErrors.CodeAuthentication), tt.subtype)), 1.0)
		})
	}
	s.Zero(s.handled.Load())
}

func (s *GatewaySuite) TestUnsignedPrivateCalls() {
	parts := defaultParts()
	h := s.gateway().Handle(s.route(CallPrivate))

	s.Run("allowed when the client opts in", func() {
		tok := s.token(claims.Claims{ClientID: "relaxed", ParamsHashed: hashedParts(parts...)}, "")
		rr := s.serve(h, s.request(privatePath, tok, parts...))
		s.Equal(http.StatusAccepted, rr.Code, rr.Body.String())
	})

	s.Run("rejected otherwise", func() {
		tok := s.token(claims.Claims{ClientID: "acme", ParamsHashed: hashedParts(parts...)}, "")
		rr := s.serve(h, s.request(privatePath, tok, parts...))
		s.requireRejected(rr, http.StatusForbidden, dErrors.SubtypeBadSignature)
	})

	s.Run("exposed secret does not sign private calls", func() {
		tok := s.token(claims.Claims{ClientID: "acme", ParamsHashed: hashedParts(parts...)}, exposedSecret)
		rr := s.serve(h, s.request(privatePath, tok, parts...))
		s.requireRejected(rr, http.StatusForbidden, dErrors.SubtypeBadSignature)
	})
}

func (s *GatewaySuite) TestRecaptchaRefusal() {
	s.validator.EXPECT().
		Check(gomock.Any(), gomock.Any()).
		Return(validator.Outcome{Tag: validator.TagRefused, Score: 0.1},
			dErrors.Authentication(dErrors.SubtypeRecaptchaRefused, "score 0.10 below minimum 0.75"))

	rr := s.serve(s.gateway().Handle(s.route(CallPublic)), s.publicRequest("acme", defaultParts()...))

	s.requireRejected(rr, http.StatusForbidden, dErrors.SubtypeRecaptchaRefused)
	s.Zero(s.handled.Load())
}

func (s *GatewaySuite) TestValidatorUnavailable() {
	s.validator.EXPECT().
		Check(gomock.Any(), gomock.Any()).
		Return(validator.Outcome{}, dErrors.Upstream(dErrors.SubtypeValidatorDown, io.ErrUnexpectedEOF))

	rr := s.serve(s.gateway().Handle(s.route(CallPublic)), s.publicRequest("acme", defaultParts()...))

	s.requireRejected(rr, http.StatusForbidden, dErrors.SubtypeValidatorDown)
	s.Equal(string(dErrors.CodeUpstream), s.errorBody(rr).Debug.Code)
}

func (s *GatewaySuite) TestProductionHidesDebug() {
	s.cfg.DebugErrors = false
	req := s.request(publicPath, "")
	req.Header.Set("Origin", "https://a.com")

	rr := s.serve(s.gateway().Handle(s.route(CallPublic)), req)

	s.Require().Equal(http.StatusForbidden, rr.Code)
	detail := s.errorBody(rr)
	s.Nil(detail.Debug)
	s.Empty(detail.Subtype)
	s.NotContains(rr.Body.String(), dErrors.SubtypeInvalidToken)
}

// =============================================================================
// Budgets
// =============================================================================

func (s *GatewaySuite) TestRecaptchaBudget() {
	s.cfg.RecaptchaBudget = 30 * time.Millisecond
	s.validator.EXPECT().
		Check(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ validator.Request) (validator.Outcome, error) {
			<-ctx.Done()
			return validator.Outcome{}, ctx.Err()
		})

	rr := s.serve(s.gateway().Handle(s.route(CallPublic)), s.publicRequest("acme", defaultParts()...))

	s.Require().Equal(http.StatusGatewayTimeout, rr.Code, rr.Body.String())
	s.Equal(timeout.BudgetRecaptcha, s.errorBody(rr).Subtype)
	s.Eventually(func() bool {
		return testutil.ToFloat64(s.metrics.TimeoutsTotal.WithLabelValues(timeout.BudgetRecaptcha)) == 1
	}, time.Second, 5*time.Millisecond)
	s.Zero(s.handled.Load())
}

func (s *GatewaySuite) TestSlowUploadIsRequestTimeout() {
	s.cfg.ParseBodyBudget = 30 * time.Millisecond
	pr, pw := io.Pipe()
	defer pw.Close()

	tok := s.token(claims.Claims{ClientID: "acme", ParamsHashed: map[string]string{}}, privateSecret)
	req := httptest.NewRequest(http.MethodPost, privatePath, pr)
	req.Header.Set("Content-Type", "multipart/form-data; boundary=xyz")
	req.Header.Set("Authorization", "Bearer "+tok)

	rr := s.serve(s.gateway().Handle(s.route(CallPrivate)), req)

	s.Require().Equal(http.StatusRequestTimeout, rr.Code, rr.Body.String())
	s.Equal(timeout.BudgetParseBody, s.errorBody(rr).Subtype)
}

func (s *GatewaySuite) TestRouteBudgetCoversHandler() {
	s.cfg.RouteBudget = 40 * time.Millisecond
	s.handler = func(ctx context.Context, _ *Call) (int, any, error) {
		<-ctx.Done()
		return 0, nil, ctx.Err()
	}
	parts := defaultParts()
	tok := s.token(claims.Claims{ClientID: "acme", ParamsHashed: hashedParts(parts...)}, privateSecret)

	rr := s.serve(s.gateway().Handle(s.route(CallPrivate)), s.request(privatePath, tok, parts...))

	s.Require().Equal(http.StatusGatewayTimeout, rr.Code, rr.Body.String())
	s.Equal(timeout.BudgetRoute, s.errorBody(rr).Subtype)
}

func (s *GatewaySuite) TestHandlerErrorsDoNotCountSuccesses() {
	s.handler = func(context.Context, *Call) (int, any, error) {
		return 0, nil, dErrors.Validation("no-photo", "imgPhoto is mandatory")
	}
	parts := defaultParts()
	tok := s.token(claims.Claims{ClientID: "acme", ParamsHashed: hashedParts(parts...)}, privateSecret)
	h := s.gateway().Handle(s.route(CallPrivate))

	for range 3 {
		rr := s.serve(h, s.request(privatePath, tok, parts...))
		s.Require().Equal(http.StatusUnprocessableEntity, rr.Code, "a 1/s success ceiling must not trip on failures")
		s.Equal("no-photo", s.errorBody(rr).Subtype)
	}
}

// =============================================================================
// Bodies
// =============================================================================

func (s *GatewaySuite) TestBodyLimits() {
	tok := func(parts ...part) string {
		return s.token(claims.Claims{ClientID: "acme", ParamsHashed: hashedParts(parts...)}, privateSecret)
	}
	h := s.gateway().Handle(s.route(CallPrivate))

	s.Run("file too big", func() {
		big := part{name: "imgPhoto", filename: "big.jpg", content: bytes.Repeat([]byte("x"), 2<<20)}
		rr := s.serve(h, s.request(privatePath, tok(big), big))
		s.Require().Equal(http.StatusUnprocessableEntity, rr.Code)
		detail := s.errorBody(rr)
		s.Equal(SubtypeSizeLimit, detail.Subtype)
		s.Equal("imgPhoto is too big", detail.Message)
	})

	s.Run("too many files", func() {
		parts := []part{
			{name: "imgPhoto", filename: "a.jpg", content: photo},
			{name: "imgOther", filename: "b.jpg", content: photo},
		}
		rr := s.serve(h, s.request(privatePath, tok(parts...), parts...))
		s.Require().Equal(http.StatusUnprocessableEntity, rr.Code)
		s.Equal(SubtypeTooManyFiles, s.errorBody(rr).Subtype)
	})
}

func (s *GatewaySuite) TestJSONBodyBindsAsData() {
	data := []byte(`{"whiten":0.2}`)
	tok := s.token(claims.Claims{
		ClientID:     "acme",
		ParamsHashed: map[string]string{FieldData: claims.HashContent(data)},
	}, privateSecret)
	req := httptest.NewRequest(http.MethodPost, privatePath, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)

	var got []byte
	s.handler = func(_ context.Context, c *Call) (int, any, error) {
		got = c.Body.Data
		return http.StatusOK, map[string]bool{"ok": true}, nil
	}
	rr := s.serve(s.gateway().Handle(s.route(CallPrivate)), req)

	s.Require().Equal(http.StatusOK, rr.Code, rr.Body.String())
	s.Equal(data, got)
}

// =============================================================================
// Tracing
// =============================================================================

func (s *GatewaySuite) TestEveryStageIsTraced() {
	s.expectAccepted(1)
	rr := s.serve(s.gateway().Handle(s.route(CallPublic)), s.publicRequest("acme", defaultParts()...))
	s.Require().Equal(http.StatusAccepted, rr.Code)

	stages := s.recorder.Find(tracer.SpanStage)
	names := make([]any, 0, len(stages))
	for _, sp := range stages {
		names = append(names, sp.Attr(tracer.AttrStage))
	}
	s.Equal([]any{
		StageDecodeClaims, StageLoadClient, StageCheckAccess, StageCORS, StageVerifySignature,
		StageRateLimit, StageRecaptcha, StageParseBody, StageBindBody,
	}, names)

	requests := s.recorder.Find(tracer.SpanRequest)
	s.Require().Len(requests, 1)
	s.Equal("acme", requests[0].Attr(tracer.AttrClientID))
}

// =============================================================================
// Preflight
// =============================================================================

func (s *GatewaySuite) preflight(origin string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodOptions, publicPath, nil)
	req.Header.Set("Origin", origin)
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	return s.serve(s.gateway().Preflight(apiID), req)
}

func (s *GatewaySuite) TestPreflight() {
	s.Run("allowed origin", func() {
		s.clients = store.NewInMemoryStore(&models.Client{
			ID: "acme",
			APIs: map[string]models.APIConfig{
				models.DefaultAPIID: {AllowedHosts: []string{"https://a.com"}},
			},
		})
		rr := s.preflight("https://a.com")
		s.Require().Equal(http.StatusOK, rr.Code)
		s.Equal("https://a.com", rr.Header().Get("Access-Control-Allow-Origin"))
		s.Contains(rr.Header().Get("Access-Control-Allow-Headers"), "Authorization")
	})

	s.Run("foreign origin", func() {
		rr := s.preflight("https://evil.com")
		s.requireRejected(rr, http.StatusForbidden, dErrors.SubtypeCorsBlock)
	})

	s.Run("any origin when a client is unrestricted", func() {
		s.clients = store.NewInMemoryStore(
			&models.Client{ID: "acme", APIs: map[string]models.APIConfig{
				models.DefaultAPIID: {AllowedHosts: []string{"https://a.com"}},
			}},
			&models.Client{ID: "open"},
		)
		rr := s.preflight("https://anything.example")
		s.Require().Equal(http.StatusOK, rr.Code)
		s.Equal("https://anything.example", rr.Header().Get("Access-Control-Allow-Origin"))
	})

	s.Run("no enabled client", func() {
		s.clients = store.NewInMemoryStore(&models.Client{
			ID:   "closed",
			APIs: map[string]models.APIConfig{apiID: {Enabled: models.Bool(false)}},
		})
		rr := s.preflight("https://a.com")
		s.requireRejected(rr, http.StatusForbidden, dErrors.SubtypeCorsBlock)
	})
}

func (s *GatewaySuite) TestPreflightBudget() {
	ctrl := gomock.NewController(s.T())
	clients := mocks.NewMockClientSource(ctrl)
	clients.EXPECT().
		AllowedOrigins(gomock.Any(), apiID).
		DoAndReturn(func(ctx context.Context, _ string) ([]string, bool, error) {
			<-ctx.Done()
			return nil, false, ctx.Err()
		})
	s.cfg.PreflightBudget = 20 * time.Millisecond
	g := New(s.cfg, clients, mocks.NewMockRateLimiter(ctrl), s.validator)

	req := httptest.NewRequest(http.MethodOptions, publicPath, nil)
	req.Header.Set("Origin", "https://a.com")
	rr := s.serve(g.Preflight(apiID), req)

	s.Require().Equal(http.StatusGatewayTimeout, rr.Code)
	s.Equal(timeout.BudgetPreflight, s.errorBody(rr).Subtype)
}

// =============================================================================
// Stage isolation
// =============================================================================

func TestRateLimitStageUsesClientCeilingAndSkipsIPForServers(t *testing.T) {
	ctrl := gomock.NewController(t)
	lim := mocks.NewMockRateLimiter(ctrl)
	base := rlconfig.DefaultConfig().Rules()
	g := New(Config{Rules: base}, nil, lim, nil)

	lim.EXPECT().
		Evaluate(gomock.Any(), limiter.Subject{APIID: apiID, ClientID: "acme"}, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ limiter.Subject, rules []rlmodels.Rule) (*limiter.Decision, error) {
			require.Len(t, rules, len(base)+1)
			assert.Equal(t, rlconfig.ClientSuccessOverride(4), rules[len(rules)-1])
			return &limiter.Decision{Allowed: true}, nil
		})

	c := &Call{
		Route:    Route{APIID: apiID, CallType: CallPrivate},
		Writer:   httptest.NewRecorder(),
		ClientIP: "203.0.113.7",
		Client:   &models.Client{ID: "acme"},
		API:      models.ResolvedAPI{RateLimit: &models.RateLimitConfig{MaxSuccessesPerSecond: 4}},
	}
	require.NoError(t, g.rateLimit(context.Background(), c))
	assert.Len(t, base, len(rlconfig.DefaultConfig().Rules()), "configured rules are not mutated")
	assert.True(t, c.RateLimit.Allowed)
}
