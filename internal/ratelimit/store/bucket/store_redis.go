package bucket

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"quickapi/internal/ratelimit/models"
)

// RedisBucketStore keeps each bucket in a sorted set scored by epoch
// milliseconds. Members are random so simultaneous requests never merge.
type RedisBucketStore struct {
	client redis.Cmdable
}

// NewRedisBucketStore creates a store on top of an existing client.
func NewRedisBucketStore(client redis.Cmdable) *RedisBucketStore {
	return &RedisBucketStore{client: client}
}

// Count runs ZCOUNT over [since, +inf] and fetches the oldest in-window entry.
func (s *RedisBucketStore) Count(ctx context.Context, key string, since time.Time) (models.BucketState, error) {
	minScore := strconv.FormatInt(since.UnixMilli(), 10)

	pipe := s.client.Pipeline()
	countCmd := pipe.ZCount(ctx, key, minScore, "+inf")
	oldestCmd := pipe.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min:   minScore,
		Max:   "+inf",
		Count: 1,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return models.BucketState{}, fmt.Errorf("count bucket %s: %w", key, err)
	}

	state := models.BucketState{Count: int(countCmd.Val())}
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		state.Oldest = time.UnixMilli(int64(oldest[0].Score))
	}
	return state, nil
}

// Add inserts one entry, drops entries older than the window and sets the
// key TTL, all in one MULTI/EXEC.
func (s *RedisBucketStore) Add(ctx context.Context, key string, at time.Time, window time.Duration) error {
	cutoff := at.Add(-window).UnixMilli()

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixMilli()), Member: uuid.NewString()})
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
	pipe.PExpire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add to bucket %s: %w", key, err)
	}
	return nil
}

// Reset deletes the key.
func (s *RedisBucketStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("reset bucket %s: %w", key, err)
	}
	return nil
}
