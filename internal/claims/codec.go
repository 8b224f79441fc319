// Package claims decodes, signs and verifies the bearer tokens callers send.
//
// A token is the standard base64 encoding of a JSON claims object, optionally
// followed by ":" and the lowercase hex HMAC-SHA256 of that base64 string:
//
//	eyJjbGllbnRJZCI6ImFjbWUiLCJwYXJhbXNIYXNoZWQiOnt9fQ==
//	eyJjbGllbnRJZCI6ImFjbWUiLCJwYXJhbXNIYXNoZWQiOnt9fQ==:9f86d08188...
package claims

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	dErrors "quickapi/pkg/domain-errors"
)

// Separator splits encoded claims from the signature.
const Separator = ":"

// Claims is the payload a caller asserts about itself and its request body.
type Claims struct {
	ClientID       string            `json:"clientId"`
	RecaptchaToken string            `json:"recaptchaToken,omitempty"`
	ParamsHashed   map[string]string `json:"paramsHashed"`
}

// Token is a decoded bearer token.
type Token struct {
	Claims Claims
	// Encoded is the exact base64 text the signature covers.
	Encoded   string
	Signature string
}

// Signed reports whether the token carried a signature segment.
func (t *Token) Signed() bool {
	return t.Signature != ""
}

// Encode serializes claims and signs them with secret. An empty secret
// produces an unsigned token.
func Encode(c Claims, secret string) (string, error) {
	if c.ParamsHashed == nil {
		c.ParamsHashed = map[string]string{}
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(raw)
	if secret == "" {
		return encoded, nil
	}
	return encoded + Separator + Sign(encoded, secret), nil
}

// Decode parses a token without verifying its signature.
// Malformed tokens and missing mandatory claims are authentication errors.
func Decode(token string) (*Token, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, dErrors.Authentication(dErrors.SubtypeInvalidToken, "empty token")
	}

	encoded, signature := token, ""
	if strings.Contains(token, Separator) {
		parts := strings.Split(token, Separator)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, dErrors.Authentication(dErrors.SubtypeInvalidToken,
				"token must be <claims> or <claims>:<signature>")
		}
		encoded, signature = parts[0], parts[1]
	}

	raw, err := decodeBase64(encoded)
	if err != nil {
		return nil, dErrors.Authentication(dErrors.SubtypeInvalidToken, "claims are not valid base64")
	}

	var c Claims
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, dErrors.Authentication(dErrors.SubtypeInvalidToken, "claims are not a JSON object")
	}
	if c.ClientID == "" {
		return nil, dErrors.Authentication(dErrors.SubtypeMissingClaim, "clientId claim is required")
	}
	if c.ParamsHashed == nil {
		return nil, dErrors.Authentication(dErrors.SubtypeMissingClaim, "paramsHashed claim is required")
	}

	return &Token{Claims: c, Encoded: encoded, Signature: signature}, nil
}

// decodeBase64 accepts padded and unpadded standard encodings.
func decodeBase64(s string) ([]byte, error) {
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

// FromAuthorization extracts the token from an "Authorization: Bearer" value.
func FromAuthorization(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", dErrors.Authentication(dErrors.SubtypeInvalidToken, "missing bearer token")
	}
	return strings.TrimSpace(token), nil
}
