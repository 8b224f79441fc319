package domainerrors

import (
	"errors"
	"maps"
)

// Code represents a domain error category independent of transport layer.
// These codes describe what went wrong in gateway terms, not HTTP terms.
type Code string

const (
	CodeAuthentication Code = "authentication"
	CodeRateLimited    Code = "rate_limited"
	CodeTimeout        Code = "timeout"
	CodeValidation     Code = "validation_failed"
	CodeUpstream       Code = "upstream_failure"
	CodeNotFound       Code = "not_found"
	CodeInternal       Code = "internal_error"
)

// Authentication subtypes. They are debug-only and never reach a production client.
const (
	SubtypeInvalidToken     = "invalid-token"
	SubtypeMissingClaim     = "missing-claim"
	SubtypeBadSignature     = "bad-signature"
	SubtypeBodyMismatch     = "body-mismatch"
	SubtypeUnknownClient    = "unknown-client"
	SubtypeTokenRevoked     = "token-revoked"
	SubtypeNoAccessToRoute  = "no-access-to-route"
	SubtypeCorsBlock        = "cors-block"
	SubtypeRecaptchaRefused = "recaptcha-refused"
	SubtypeValidatorDown    = "validator-unavailable"
)

// Error wraps domain or infrastructure failures with a stable code.
// It is transport-agnostic; httputil translates it to a status and envelope.
type Error struct {
	Code Code
	// Subtype refines Code. Rate limit errors carry the bucket category here.
	Subtype string
	// Message is safe to show to any client.
	Message string
	// Debug is only rendered when debug errors are enabled.
	Debug string
	// Details are logged and rendered in debug mode only.
	Details map[string]any
	// Status overrides the default HTTP status for Code when non-zero.
	Status int
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Subtype != "" {
		msg += " (" + e.Subtype + ")"
	}
	if e.Debug != "" {
		msg += ": " + e.Debug
	}
	return msg
}

// Unwrap implements error unwrapping for error chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is enables errors.Is() to match errors by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetail returns a copy of e with key set in Details.
func (e *Error) WithDetail(key string, value any) *Error {
	cp := *e
	cp.Details = maps.Clone(e.Details)
	if cp.Details == nil {
		cp.Details = make(map[string]any, 1)
	}
	cp.Details[key] = value
	return &cp
}

// New creates a new domain error with the given code and message.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Wrap creates a new domain error wrapping an existing error.
// If the wrapped error is already a domain error, the original code is preserved.
func Wrap(err error, code Code, msg string) error {
	var existing *Error
	if errors.As(err, &existing) {
		return &Error{
			Code:    existing.Code,
			Subtype: existing.Subtype,
			Message: msg,
			Debug:   existing.Debug,
			Details: existing.Details,
			Status:  existing.Status,
			Err:     err,
		}
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// HasCode checks if an error is a domain error with the given code.
func HasCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// As extracts the outermost domain error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Authentication builds a 403-class rejection. debug explains the reason to operators.
func Authentication(subtype, debug string) *Error {
	return &Error{
		Code:    CodeAuthentication,
		Subtype: subtype,
		Message: "Not authorized",
		Debug:   debug,
	}
}

// RateLimited builds a rejection tagged with the bucket category that tripped.
func RateLimited(category string) *Error {
	return &Error{
		Code:    CodeRateLimited,
		Subtype: category,
		Message: "Too many requests",
	}
}

// Timeout builds a rejection for an expired budget. status 0 keeps the default.
func Timeout(budgetID string, status int) *Error {
	return &Error{
		Code:    CodeTimeout,
		Subtype: budgetID,
		Message: "Request timed out",
		Status:  status,
		Details: map[string]any{"budget_id": budgetID},
	}
}

// Validation builds a 422 rejection for malformed business input.
func Validation(subtype, msg string) *Error {
	return &Error{
		Code:    CodeValidation,
		Subtype: subtype,
		Message: msg,
	}
}

// Upstream wraps a failure talking to an external dependency.
func Upstream(subtype string, err error) *Error {
	e := &Error{
		Code:    CodeUpstream,
		Subtype: subtype,
		Message: "Not authorized",
		Err:     err,
	}
	if err != nil {
		e.Debug = err.Error()
	}
	return e
}
