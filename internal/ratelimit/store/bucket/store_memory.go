package bucket

import (
	"context"
	"slices"
	"sync"
	"time"

	"quickapi/internal/ratelimit/models"
)

// InMemoryBucketStore implements BucketStore for a single process.
// It backs tests, local development and the limiter's degraded mode.
// For shared limits across instances, use RedisBucketStore instead.
type InMemoryBucketStore struct {
	mu      sync.Mutex
	buckets map[string]*slidingWindow
	now     func() time.Time
}

// slidingWindow holds ascending entry timestamps for one key.
type slidingWindow struct {
	timestamps []time.Time
	expiresAt  time.Time
}

func (sw *slidingWindow) add(at time.Time, window time.Duration) {
	i, _ := slices.BinarySearchFunc(sw.timestamps, at, func(t, target time.Time) int {
		return t.Compare(target)
	})
	// Insert after equal timestamps so every call adds exactly one entry.
	for i < len(sw.timestamps) && sw.timestamps[i].Equal(at) {
		i++
	}
	sw.timestamps = slices.Insert(sw.timestamps, i, at)
	sw.prune(at.Add(-window))
	sw.expiresAt = at.Add(window)
}

func (sw *slidingWindow) prune(cutoff time.Time) {
	i := 0
	for ; i < len(sw.timestamps); i++ {
		if !sw.timestamps[i].Before(cutoff) {
			break
		}
	}
	sw.timestamps = sw.timestamps[i:]
}

func (sw *slidingWindow) since(since time.Time) models.BucketState {
	i, _ := slices.BinarySearchFunc(sw.timestamps, since, func(t, target time.Time) int {
		return t.Compare(target)
	})
	state := models.BucketState{Count: len(sw.timestamps) - i}
	if state.Count > 0 {
		state.Oldest = sw.timestamps[i]
	}
	return state
}

// Option configures the in-memory store.
type Option func(*InMemoryBucketStore)

// WithClock overrides the time source used for key expiry.
func WithClock(now func() time.Time) Option {
	return func(s *InMemoryBucketStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewInMemoryBucketStore creates a new in-memory bucket store.
func NewInMemoryBucketStore(opts ...Option) *InMemoryBucketStore {
	s := &InMemoryBucketStore{
		buckets: make(map[string]*slidingWindow),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Count returns the number of entries at or after since.
func (s *InMemoryBucketStore) Count(_ context.Context, key string, since time.Time) (models.BucketState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sw, ok := s.buckets[key]
	if !ok {
		return models.BucketState{}, nil
	}
	if !s.now().Before(sw.expiresAt) {
		delete(s.buckets, key)
		return models.BucketState{}, nil
	}
	return sw.since(since), nil
}

// Add records one entry and refreshes the key expiry.
func (s *InMemoryBucketStore) Add(_ context.Context, key string, at time.Time, window time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sw, ok := s.buckets[key]
	if !ok || !s.now().Before(sw.expiresAt) {
		sw = &slidingWindow{}
		s.buckets[key] = sw
	}
	sw.add(at, window)
	return nil
}

// Reset clears the bucket for a key.
func (s *InMemoryBucketStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets, key)
	return nil
}

// Sweep evicts every expired key and reports how many were removed.
// Count and Add drop expired keys lazily; Sweep reclaims keys never read again.
func (s *InMemoryBucketStore) Sweep(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	evicted := 0
	for key, sw := range s.buckets {
		if !now.Before(sw.expiresAt) {
			delete(s.buckets, key)
			evicted++
		}
	}
	return evicted, nil
}

// Len returns the number of live keys.
func (s *InMemoryBucketStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}
