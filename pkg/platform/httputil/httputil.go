package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	dErrors "quickapi/pkg/domain-errors"
)

// ErrorBody is the public error envelope: {"error": {...}}.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the public id and, in debug mode, the internal reason.
type ErrorDetail struct {
	ID      string         `json:"id"`
	Subtype string         `json:"subtype,omitempty"`
	Message string         `json:"message"`
	Debug   *ErrorDebug    `json:"debug,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// ErrorDebug is only populated for non-production responses.
type ErrorDebug struct {
	Code    string `json:"code"`
	Subtype string `json:"subtype,omitempty"`
	Message string `json:"message,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, response any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Errors after WriteHeader cannot change the status code, so we ignore encoding errors.
	_ = json.NewEncoder(w).Encode(response)
}

// WriteError centralizes domain error translation to HTTP responses.
// debug controls whether internal reasons are included in the body.
func WriteError(w http.ResponseWriter, err error, debug bool) {
	status, body := ErrorResponse(err, debug)
	WriteJSON(w, status, body)
}

// ErrorResponse maps err to a status and envelope without touching the wire.
func ErrorResponse(err error, debug bool) (int, ErrorBody) {
	var domainErr *dErrors.Error
	if !errors.As(err, &domainErr) {
		domainErr = &dErrors.Error{Code: dErrors.CodeInternal, Message: "Internal server error", Err: err}
		if err != nil {
			domainErr.Debug = err.Error()
		}
	}

	status := DomainCodeToHTTPStatus(domainErr.Code)
	if domainErr.Status != 0 {
		status = domainErr.Status
	}

	detail := ErrorDetail{
		ID:      DomainCodeToHTTPCode(domainErr.Code),
		Message: domainErr.Message,
	}
	if detail.Message == "" {
		detail.Message = http.StatusText(status)
	}
	if subtypeIsPublic(domainErr.Code) {
		detail.Subtype = domainErr.Subtype
	}
	if debug {
		detail.Debug = &ErrorDebug{
			Code:    string(domainErr.Code),
			Subtype: domainErr.Subtype,
			Message: domainErr.Debug,
		}
		detail.Details = domainErr.Details
	}
	return status, ErrorBody{Error: detail}
}

// subtypeIsPublic reports whether the subtype of a code helps a legitimate
// caller without revealing why an authentication attempt failed.
func subtypeIsPublic(code dErrors.Code) bool {
	switch code {
	case dErrors.CodeRateLimited, dErrors.CodeValidation, dErrors.CodeTimeout:
		return true
	default:
		return false
	}
}

// DomainCodeToHTTPStatus translates domain error codes to HTTP status codes.
func DomainCodeToHTTPStatus(code dErrors.Code) int {
	switch code {
	case dErrors.CodeAuthentication, dErrors.CodeUpstream:
		return http.StatusForbidden
	case dErrors.CodeRateLimited:
		return http.StatusTooManyRequests
	case dErrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case dErrors.CodeValidation:
		return http.StatusUnprocessableEntity
	case dErrors.CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// DomainCodeToHTTPCode translates domain error codes to the public error id.
func DomainCodeToHTTPCode(code dErrors.Code) string {
	switch code {
	case dErrors.CodeAuthentication, dErrors.CodeUpstream:
		return "not-authorized"
	case dErrors.CodeRateLimited:
		return "too-many-requests"
	case dErrors.CodeTimeout:
		return "timeout"
	case dErrors.CodeValidation:
		return "bad-params"
	case dErrors.CodeNotFound:
		return "not-found"
	default:
		return "internal-error"
	}
}
