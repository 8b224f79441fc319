package models

import (
	"fmt"
	"strings"
)

// KeyNamespace prefixes every bucket key in the shared store.
const KeyNamespace = "quickapi-rl"

// Scope is the identity a bucket counts against.
type Scope string

const (
	ScopeIP     Scope = "ip"
	ScopeClient Scope = "client"
)

// BucketKey is a value object encapsulating bucket key construction.
// It centralizes key format and sanitization to prevent key collision attacks.
type BucketKey struct {
	scope    Scope
	apiID    string
	subject  string
	category string
}

// NewBucketKey builds the key for subject (an IP or client id) under apiID.
func NewBucketKey(scope Scope, apiID, subject, category string) BucketKey {
	return BucketKey{
		scope:    scope,
		apiID:    sanitizeKeySegment(apiID),
		subject:  sanitizeKeySegment(subject),
		category: sanitizeKeySegment(category),
	}
}

// String returns the formatted key for storage lookup.
func (k BucketKey) String() string {
	return fmt.Sprintf("%s:%s:%s:%s:%s", KeyNamespace, k.scope, k.apiID, k.subject, k.category)
}

// sanitizeKeySegment escapes delimiter characters so caller-controlled
// segments (client ids, IPv6 addresses) cannot collide with adjacent ones.
//
// Escape rules (order matters):
//  1. Escape '_' to '__'
//  2. Escape ':' to '_c'
//
// For example "2001:db8::1" becomes "2001_cdb8_c_c1".
func sanitizeKeySegment(s string) string {
	s = strings.ReplaceAll(s, "_", "__")
	s = strings.ReplaceAll(s, ":", "_c")
	return s
}
