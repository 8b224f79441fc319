package gateway

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "quickapi/pkg/domain-errors"
	"quickapi/pkg/platform/middleware/request"
)

var testLimits = BodyLimits{MaxFileBytes: 64, MaxFieldBytes: 32, MaxFiles: 1}

func TestParseBodyMultipart(t *testing.T) {
	body, contentType := multipartBody(
		part{name: "data", content: []byte(`{"a":1}`)},
		part{name: "note", content: []byte("ignored")},
		part{name: "imgPhoto", filename: "me.jpg", content: photo},
	)
	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set("Content-Type", contentType)

	got, err := parseBody(context.Background(), req, testLimits)
	require.NoError(t, err)
	assert.True(t, got.HasData)
	assert.Equal(t, []byte(`{"a":1}`), got.Data)
	require.Contains(t, got.Files, "imgPhoto")
	assert.Equal(t, "me.jpg", got.Files["imgPhoto"].Filename)
	assert.Equal(t, []string{"data", "imgPhoto"}, keyNames(got.BindingFields()))
}

func TestParseBodyDropsFilesOutsideImageFields(t *testing.T) {
	body, contentType := multipartBody(part{name: "attachment", filename: "a.bin", content: []byte("x")})
	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set("Content-Type", contentType)

	got, err := parseBody(context.Background(), req, testLimits)
	require.NoError(t, err)
	assert.Empty(t, got.Files)
	assert.False(t, got.HasData)
	assert.Empty(t, got.BindingFields())
}

func TestParseBodyJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"whiten":1}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	got, err := parseBody(context.Background(), req, testLimits)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"whiten":1}`), got.Data)
	assert.Equal(t, []string{"data"}, keyNames(got.BindingFields()))
}

func TestParseBodyWithoutContentTypeIsEmpty(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("whatever"))

	got, err := parseBody(context.Background(), req, testLimits)
	require.NoError(t, err)
	assert.Empty(t, got.BindingFields())
}

func TestParseBodyErrors(t *testing.T) {
	tests := []struct {
		name    string
		build   func() *http.Request
		subtype string
	}{
		{
			name: "data field too big",
			build: func() *http.Request {
				body, ct := multipartBody(part{name: "data", content: bytes.Repeat([]byte("a"), 33)})
				req := httptest.NewRequest(http.MethodPost, "/", body)
				req.Header.Set("Content-Type", ct)
				return req
			},
			subtype: SubtypeSizeLimit,
		},
		{
			name: "json body too big",
			build: func() *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"k":"`+strings.Repeat("v", 40)+`"}`))
				req.Header.Set("Content-Type", "application/json")
				return req
			},
			subtype: SubtypeSizeLimit,
		},
		{
			name: "missing boundary",
			build: func() *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("--x--"))
				req.Header.Set("Content-Type", "multipart/form-data")
				return req
			},
			subtype: SubtypeBadBody,
		},
		{
			name: "truncated multipart",
			build: func() *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("--xyz\r\nContent-Disposition: form-data; name=\"data\"\r\n\r\nabc"))
				req.Header.Set("Content-Type", "multipart/form-data; boundary=xyz")
				return req
			},
			subtype: SubtypeBadBody,
		},
		{
			name: "request over the body cap",
			build: func() *http.Request {
				body, ct := multipartBody(part{name: "imgPhoto", filename: "me.jpg", content: bytes.Repeat([]byte("x"), 60)})
				req := httptest.NewRequest(http.MethodPost, "/", body)
				req.Header.Set("Content-Type", ct)
				var capped *http.Request
				request.BodyLimit(50)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
					capped = r
				})).ServeHTTP(httptest.NewRecorder(), req)
				return capped
			},
			subtype: SubtypeSizeLimit,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseBody(context.Background(), tt.build(), testLimits)
			e, ok := dErrors.As(err)
			require.True(t, ok, "expected a domain error, got %v", err)
			assert.Equal(t, dErrors.CodeValidation, e.Code)
			assert.Equal(t, tt.subtype, e.Subtype)
		})
	}
}

func keyNames(m map[string][]byte) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}
