package claims

import (
	"crypto/hmac"
	"crypto/md5" //nolint:gosec // content digest, not a security primitive
	"crypto/sha256"
	"encoding/hex"
	"maps"
	"slices"
	"strings"

	dErrors "quickapi/pkg/domain-errors"
)

// Sign returns the hex HMAC-SHA256 of the encoded claims under secret.
func Sign(encoded, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(encoded))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is the HMAC of encoded under secret.
// The comparison is constant time.
func Verify(encoded, secret, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.ToLower(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(encoded))
	return hmac.Equal(got, mac.Sum(nil))
}

// VerifyToken checks a decoded token against secret.
func VerifyToken(t *Token, secret string) error {
	if !t.Signed() {
		return dErrors.Authentication(dErrors.SubtypeBadSignature, "token is not signed")
	}
	if secret == "" {
		return dErrors.Authentication(dErrors.SubtypeBadSignature, "no secret configured for this call type")
	}
	if !Verify(t.Encoded, secret, t.Signature) {
		return dErrors.Authentication(dErrors.SubtypeBadSignature, "signature mismatch")
	}
	return nil
}

// HashContent returns the MD5 hex digest used to bind body fields to claims.
func HashContent(content []byte) string {
	sum := md5.Sum(content) //nolint:gosec // see import
	return hex.EncodeToString(sum[:])
}

// HashFields digests every field, producing a paramsHashed map.
func HashFields(fields map[string][]byte) map[string]string {
	hashed := make(map[string]string, len(fields))
	for name, content := range fields {
		hashed[name] = HashContent(content)
	}
	return hashed
}

// VerifyBinding checks that fields and paramsHashed name exactly the same
// set of fields and that every field's digest matches.
func VerifyBinding(paramsHashed map[string]string, fields map[string][]byte) error {
	if len(paramsHashed) != len(fields) {
		return dErrors.Authentication(dErrors.SubtypeBodyMismatch,
			"body fields "+keyList(fields)+" do not match hashed params "+keyList(paramsHashed))
	}
	for name, content := range fields {
		want, ok := paramsHashed[name]
		if !ok {
			return dErrors.Authentication(dErrors.SubtypeBodyMismatch, "field "+name+" is not hashed in claims")
		}
		if !strings.EqualFold(want, HashContent(content)) {
			return dErrors.Authentication(dErrors.SubtypeBodyMismatch, "hash mismatch for field "+name)
		}
	}
	return nil
}

func keyList[V any](m map[string]V) string {
	return "[" + strings.Join(slices.Sorted(maps.Keys(m)), ",") + "]"
}
