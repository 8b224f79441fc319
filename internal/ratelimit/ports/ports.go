// Package ports defines the storage interface the limiter depends on.
package ports

import (
	"context"
	"time"

	"quickapi/internal/ratelimit/models"
)

// BucketStore keeps a time-ordered set of entries per key. Implementations
// are shared by every gateway instance, so each call must be atomic per key.
type BucketStore interface {
	// Count returns the entries of key with a timestamp at or after since.
	Count(ctx context.Context, key string, since time.Time) (models.BucketState, error)

	// Add records one entry at the given instant and refreshes the key TTL
	// to window. Entries older than window may be dropped.
	Add(ctx context.Context, key string, at time.Time, window time.Duration) error

	// Reset removes key.
	Reset(ctx context.Context, key string) error
}
