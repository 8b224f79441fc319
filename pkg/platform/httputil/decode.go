package httputil

import (
	"bytes"
	"encoding/json"
	"errors"

	dErrors "quickapi/pkg/domain-errors"
)

// Validatable is implemented by request types that support validation.
type Validatable interface {
	Validate() error
}

// Normalizable is implemented by request types that support normalization.
type Normalizable interface {
	Normalize()
}

// Sanitizable is implemented by request types that support sanitization.
type Sanitizable interface {
	Sanitize()
}

// PrepareRequest sanitizes, normalizes, and validates a request.
func PrepareRequest(req any) error {
	if s, ok := req.(Sanitizable); ok {
		s.Sanitize()
	}
	if n, ok := req.(Normalizable); ok {
		n.Normalize()
	}
	if v, ok := req.(Validatable); ok {
		return v.Validate()
	}
	return nil
}

// DecodeAndPrepare decodes a JSON document into T, then calls Sanitize(),
// Normalize(), and Validate() if T implements those interfaces.
// Empty input decodes to the zero value so optional payloads stay optional.
// Failures are returned as validation errors unless already domain errors.
//
// Usage:
//
//	params, err := httputil.DecodeAndPrepare[CosmeticParams](call.Body.Data)
//	if err != nil {
//	    return err
//	}
func DecodeAndPrepare[T any](raw []byte) (*T, error) {
	var req T
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&req); err != nil {
			return nil, &dErrors.Error{
				Code:    dErrors.CodeValidation,
				Subtype: "invalid-json",
				Message: "data field is not valid JSON",
				Debug:   err.Error(),
				Err:     err,
			}
		}
	}

	if err := PrepareRequest(&req); err != nil {
		var domainErr *dErrors.Error
		if errors.As(err, &domainErr) {
			return nil, err
		}
		return nil, &dErrors.Error{
			Code:    dErrors.CodeValidation,
			Subtype: "bad-params",
			Message: err.Error(),
			Err:     err,
		}
	}
	return &req, nil
}
