package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"quickapi/internal/claims"
	"quickapi/internal/client/cache"
	"quickapi/internal/client/models"
	"quickapi/internal/client/store"
	"quickapi/internal/gateway"
	"quickapi/internal/jobs"
	"quickapi/internal/platform/health"
	"quickapi/internal/platform/metrics"
	rlconfig "quickapi/internal/ratelimit/config"
	"quickapi/internal/ratelimit/limiter"
	"quickapi/internal/ratelimit/store/bucket"
	"quickapi/internal/simulation"
	httptransport "quickapi/internal/transport/http"
	"quickapi/internal/validator"
)

// Secrets shared by the in-process stack and the steps.
const (
	recaptchaSecret = "recaptcha-secret-key"
	allowedOrigin   = "https://shop.example"
)

// JPEG magic bytes are enough for content sniffing.
var photo = []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00\x01\x01\x00\x00\x01\x00\x01\x00\x00")

// seedClients are the API clients every scenario starts with.
func seedClients() []*models.Client {
	return []*models.Client{
		{
			ID:            "acme",
			Secret:        "acme-secret",
			ExposedSecret: "acme-exposed",
			APIs: map[string]models.APIConfig{
				models.DefaultAPIID: {
					AllowedHosts: []string{allowedOrigin},
					Recaptcha:    &models.RecaptchaConfig{Secret: recaptchaSecret, MinScore: 0.5},
				},
			},
		},
		{
			ID:            "tiny",
			Secret:        "tiny-secret",
			ExposedSecret: "tiny-exposed",
			APIs: map[string]models.APIConfig{
				models.DefaultAPIID: {RateLimit: &models.RateLimitConfig{MaxSuccessesPerSecond: 1}},
			},
		},
		{
			ID:            "retired",
			Secret:        "retired-secret",
			ExposedSecret: "retired-exposed",
			Revoked:       true,
		},
	}
}

// TestContext holds state between test steps
type TestContext struct {
	BaseURL          string
	HTTPClient       *http.Client
	LastResponse     *http.Response
	LastResponseBody []byte

	Clients   map[string]*models.Client
	ClientID  string
	Recaptcha string
	Origin    string
	Data      []byte
	Files     map[string][]byte

	Jobs *jobs.MemoryTransport

	closers []func()
}

// NewTestContext creates a new test context. Without BASE_URL a fresh
// in-process stack is started so scenarios never share buckets.
func NewTestContext() *TestContext {
	tc := &TestContext{
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		Clients:    make(map[string]*models.Client),
		Files:      make(map[string][]byte),
	}
	for _, c := range seedClients() {
		tc.Clients[c.ID] = c
	}

	if baseURL := os.Getenv("BASE_URL"); baseURL != "" {
		tc.BaseURL = baseURL
		return tc
	}
	tc.startStack()
	return tc
}

// Close stops the in-process stack.
func (tc *TestContext) Close() {
	for i := len(tc.closers) - 1; i >= 0; i-- {
		tc.closers[i]()
	}
	tc.closers = nil
}

func (tc *TestContext) startStack() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()

	siteverify := httptest.NewServer(http.HandlerFunc(fakeSiteverify))
	tc.closers = append(tc.closers, siteverify.Close)

	clients := store.NewInMemoryStore(seedClients()...)
	lim, err := limiter.New(bucket.NewInMemoryBucketStore(), limiter.WithLogger(logger))
	if err != nil {
		panic(err)
	}
	check, err := validator.New(validator.Config{
		URL:             siteverify.URL,
		DefaultMinScore: 0.75,
		Timeout:         2 * time.Second,
	}, validator.WithLogger(logger))
	if err != nil {
		panic(err)
	}

	m := metrics.NewWith(reg)
	tc.Jobs = jobs.NewMemoryTransport(0)
	dispatcher := jobs.NewDispatcher(tc.Jobs, jobs.WithMetrics(m), jobs.WithLogger(logger))

	gw := gateway.New(gateway.Config{
		RouteBudget:     5 * time.Second,
		ParseBodyBudget: 2 * time.Second,
		RecaptchaBudget: 2 * time.Second,
		PreflightBudget: time.Second,
		Rules:           rlconfig.DefaultConfig().Rules(),
		Limits:          gateway.BodyLimits{MaxFileBytes: 1 << 20, MaxFiles: 1},
		DebugErrors:     true,
	}, cache.NewRepository(clients, time.Minute, time.Hour), lim, check,
		gateway.WithMetrics(m),
		gateway.WithLogger(logger),
	)

	router := httptransport.NewRouter(httptransport.RouterConfig{
		MaxBodyBytes: 4 << 20,
		Gatherer:     reg,
	}, httptransport.Deps{
		Gateway:     gw,
		Simulations: httptransport.NewSimulationHandler(simulation.NewService(dispatcher, 2*time.Second)),
		Health:      health.New("e2e"),
	}, logger)

	srv := httptest.NewServer(router)
	tc.closers = append(tc.closers, srv.Close)
	tc.BaseURL = srv.URL
}

// fakeSiteverify answers like the recaptcha siteverify mock: the response
// token picks the outcome.
func fakeSiteverify(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var resp validator.Result
	switch token := r.PostForm.Get("response"); {
	case token == "DOWN":
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	case r.PostForm.Get("secret") != recaptchaSecret:
		resp = validator.Result{ErrorCodes: []string{"invalid-input-secret"}}
	case token == "PASS":
		resp = validator.Result{Success: true, Score: 0.9}
	case token == "LOW-SCORE":
		resp = validator.Result{Success: true, Score: 0.2}
	default:
		resp = validator.Result{ErrorCodes: []string{"invalid-input-response"}}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Token builds the bearer token for the current client and body. An empty
// secret yields an unsigned token.
func (tc *TestContext) Token(secret string) (string, error) {
	fields := make(map[string][]byte, len(tc.Files)+1)
	for name, content := range tc.Files {
		fields[name] = content
	}
	if tc.Data != nil {
		fields[gateway.FieldData] = tc.Data
	}
	return claims.Encode(claims.Claims{
		ClientID:       tc.ClientID,
		RecaptchaToken: tc.Recaptcha,
		ParamsHashed:   claims.HashFields(fields),
	}, secret)
}

// Upload posts the current files and data as multipart with token.
func (tc *TestContext) Upload(path, token string) error {
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	if tc.Data != nil {
		fw, err := mw.CreateFormField(gateway.FieldData)
		if err != nil {
			return err
		}
		if _, err := fw.Write(tc.Data); err != nil {
			return err
		}
	}
	for name, content := range tc.Files {
		fw, err := mw.CreateFormFile(name, name+".jpg")
		if err != nil {
			return err
		}
		if _, err := fw.Write(content); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}

	headers := map[string]string{"Content-Type": mw.FormDataContentType()}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	if tc.Origin != "" {
		headers["Origin"] = tc.Origin
	}
	return tc.Do(http.MethodPost, path, buf, headers)
}

// Do makes a request and stores the response
func (tc *TestContext) Do(method, path string, body io.Reader, headers map[string]string) error {
	req, err := http.NewRequestWithContext(context.Background(), method, tc.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := tc.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}

	tc.LastResponse = resp
	tc.LastResponseBody, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	return nil
}

// GetResponseField extracts a dotted field from the JSON response
func (tc *TestContext) GetResponseField(field string) (any, error) {
	var data any
	if err := json.Unmarshal(tc.LastResponseBody, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	for _, key := range strings.Split(field, ".") {
		obj, ok := data.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("field %s not found in response", field)
		}
		if data, ok = obj[key]; !ok {
			return nil, fmt.Errorf("field %s not found in response", field)
		}
	}
	return data, nil
}
