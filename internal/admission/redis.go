package admission

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// KeyPrefix namespaces admission keys.
const KeyPrefix = "pulse:admission:"

// RedisStore implements a sliding window over a sorted set of attempt
// timestamps, shared by every server process.
type RedisStore struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewRedisStore creates a Redis-backed admission store.
func NewRedisStore(client redis.UniversalClient, logger *zap.Logger) *RedisStore {
	return &RedisStore{client: client, logger: logger}
}

// Hit implements Store.
func (r *RedisStore) Hit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error) {
	k := KeyPrefix + key
	windowStart := now.Add(-window)
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString()

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, k, "-inf", "("+strconv.FormatInt(windowStart.UnixMilli(), 10))
	countCmd := pipe.ZCard(ctx, k)
	pipe.ZAdd(ctx, k, redis.Z{Score: float64(now.UnixMilli()), Member: member})
	oldestCmd := pipe.ZRangeWithScores(ctx, k, 0, 0)
	pipe.PExpire(ctx, k, window+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("admission pipeline: %w", err)
	}

	count := int(countCmd.Val())
	resetAt := now.Add(window)
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		resetAt = time.UnixMilli(int64(oldest[0].Score)).Add(window)
	}

	if count >= limit {
		// The rejected attempt does not count against the window.
		if err := r.client.ZRem(ctx, k, member).Err(); err != nil {
			r.logger.Warn("failed to remove rejected attempt", zap.String("key", key), zap.Error(err))
		}
		if !resetAt.After(now) {
			resetAt = now.Add(time.Millisecond)
		}
		return Decision{Allowed: false, ResetAt: resetAt}, nil
	}
	return Decision{Allowed: true, ResetAt: resetAt, Remaining: limit - count - 1}, nil
}
