package request

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quickapi/pkg/requestcontext"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		wantReused bool
	}{
		{name: "generates UUID when no header provided", header: ""},
		{name: "accepts valid client-provided ID", header: "my-request-123", wantReused: true},
		{name: "accepts ID with periods and underscores", header: "req_1.2", wantReused: true},
		{name: "accepts ID at exactly max length", header: strings.Repeat("a", MaxRequestIDLength), wantReused: true},
		{name: "rejects ID exceeding max length", header: strings.Repeat("a", MaxRequestIDLength+1)},
		{name: "rejects ID with newline characters", header: "abc\ninjected"},
		{name: "rejects ID with special characters", header: "<script>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var capturedID string
			var receivedAtSet bool
			handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				capturedID = requestcontext.RequestID(r.Context())
				receivedAtSet = !requestcontext.ReceivedAt(r.Context()).IsZero()
			}))

			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.header != "" {
				req.Header.Set("X-Request-ID", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if tt.wantReused {
				assert.Equal(t, tt.header, capturedID)
			} else {
				assert.Len(t, capturedID, 36)
			}
			assert.Equal(t, capturedID, w.Header().Get("X-Request-ID"))
			assert.True(t, receivedAtSet)
		})
	}
}

func TestRecovery(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := Recovery(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/front/v1/quick-simulations/cosmetic", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internal-error")
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := Logger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/quick-simulations/ortho", nil)
	ctx := requestcontext.WithClientMetadata(req.Context(), "203.0.113.77",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	handler.ServeHTTP(httptest.NewRecorder(), req.WithContext(ctx))

	out := buf.String()
	assert.Contains(t, out, `"status":429`)
	assert.Contains(t, out, `"remote_addr_prefix":"203.0.113.0"`)
	assert.Contains(t, out, `"ua_browser":"Chrome"`)
	assert.NotContains(t, out, "203.0.113.77")
}

func TestLoggerSkipsHealthyHealthChecks(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	handler := Logger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Empty(t, buf.String())
}

func TestStatusRecorder(t *testing.T) {
	t.Run("defaults to 200 on first write", func(t *testing.T) {
		rec := NewStatusRecorder(httptest.NewRecorder())
		_, err := rec.Write([]byte("ok"))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, rec.Status())
		assert.EqualValues(t, 2, rec.Written())
		assert.True(t, rec.WroteHeader())
	})

	t.Run("keeps the first status", func(t *testing.T) {
		rec := NewStatusRecorder(httptest.NewRecorder())
		rec.WriteHeader(http.StatusAccepted)
		rec.WriteHeader(http.StatusInternalServerError)
		assert.Equal(t, http.StatusAccepted, rec.Status())
	})

	t.Run("does not double wrap", func(t *testing.T) {
		rec := NewStatusRecorder(httptest.NewRecorder())
		assert.Same(t, rec, NewStatusRecorder(rec))
	})
}
