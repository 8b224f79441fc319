// Package gateway runs every request through the authentication, origin,
// throttling and time budget checks before the business handler sees it.
package gateway

import (
	"context"
	"net/http"

	"quickapi/internal/claims"
	"quickapi/internal/client/models"
	"quickapi/internal/ratelimit/limiter"
	rlmodels "quickapi/internal/ratelimit/models"
	"quickapi/internal/simulation"
	"quickapi/internal/timeout"
	"quickapi/internal/validator"
)

// CallType tells browser calls from server-to-server calls.
type CallType string

const (
	// CallPublic is a browser call signed with the exposed secret.
	CallPublic CallType = "public"
	// CallPrivate is a server call signed with the private secret.
	CallPrivate CallType = "private"
)

// Handler is the business step run once every stage passed. It returns the
// success status and body to render.
type Handler func(ctx context.Context, c *Call) (status int, body any, err error)

// Route binds an API id and call type to a business handler.
type Route struct {
	APIID    string
	CallType CallType
	// Pattern labels metrics and spans; it is the mounted path.
	Pattern string
	Handle  Handler
}

//go:generate mockgen -source=call.go -destination=mocks/mocks.go -package=mocks ClientSource,RateLimiter,Validator

// ClientSource resolves client configuration.
type ClientSource interface {
	Find(ctx context.Context, id string) (*models.Client, error)
	AllowedOrigins(ctx context.Context, apiID string) (hosts []string, anyOrigin bool, err error)
}

// RateLimiter evaluates sliding-window rules.
type RateLimiter interface {
	Evaluate(ctx context.Context, subject limiter.Subject, rules []rlmodels.Rule) (*limiter.Decision, error)
}

// Validator checks a browser caller with the external validator.
type Validator interface {
	Check(ctx context.Context, req validator.Request) (validator.Outcome, error)
}

// Body is the parsed request body. Files holds upload fields named img*;
// Data is the raw data field, or the whole JSON body.
type Body struct {
	Data    []byte
	HasData bool
	Files   map[string]simulation.File
}

// BindingFields returns the fields whose digests must appear in the claims.
func (b *Body) BindingFields() map[string][]byte {
	fields := make(map[string][]byte, len(b.Files)+1)
	for name, f := range b.Files {
		fields[name] = f.Content
	}
	if b.HasData {
		fields[FieldData] = b.Data
	}
	return fields
}

// Call is the state one request accumulates while moving through the stages.
type Call struct {
	Route    Route
	Request  *http.Request
	Writer   http.ResponseWriter
	Timeouts *timeout.Manager

	ClientIP  string
	Scheme    string
	RequestID string

	Token      *claims.Token
	Client     *models.Client
	API        models.ResolvedAPI
	Origin     string
	RateLimit  *limiter.Decision
	Validation validator.Outcome
	Body       *Body
}
