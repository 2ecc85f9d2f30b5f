package backlog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dgnsrekt/pulse/internal/event"
)

// KeyPrefix namespaces backlog keys.
const KeyPrefix = "pulse:backlog:"

// appendScript adds one member, trims by count and age, and records the
// newest evicted score in the marker key. Returns the evicted score or -1.
//
// KEYS[1] sorted set, KEYS[2] evicted marker
// ARGV: score, member, maxEvents, cutoffScore, ttlMillis
var appendScript = redis.NewScript(`
local key, mkey = KEYS[1], KEYS[2]
local maxn = tonumber(ARGV[3])
local cutoff = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

redis.call('ZADD', key, ARGV[1], ARGV[2])

local evicted = -1
if maxn > 0 then
  local n = redis.call('ZCARD', key)
  if n > maxn then
    local over = redis.call('ZRANGE', key, n - maxn - 1, n - maxn - 1, 'WITHSCORES')
    evicted = tonumber(over[2])
    redis.call('ZREMRANGEBYRANK', key, 0, n - maxn - 1)
  end
end

if cutoff > 0 then
  local old = redis.call('ZREVRANGEBYSCORE', key, '(' .. ARGV[4], '-inf', 'WITHSCORES', 'LIMIT', 0, 1)
  if #old > 0 then
    local s = tonumber(old[2])
    if s > evicted then evicted = s end
    redis.call('ZREMRANGEBYSCORE', key, '-inf', '(' .. ARGV[4])
  end
end

if evicted >= 0 then
  local cur = tonumber(redis.call('GET', mkey) or '-1')
  if evicted > cur then
    redis.call('SET', mkey, string.format('%.0f', evicted))
  end
end

if ttl > 0 then
  redis.call('PEXPIRE', key, ttl)
  if redis.call('EXISTS', mkey) == 1 then
    redis.call('PEXPIRE', mkey, ttl)
  end
end
return evicted
`)

// RedisStore keeps each identity's history in a sorted set scored by
// occurrence time in microseconds, so several server processes can share
// one backlog.
type RedisStore struct {
	client redis.UniversalClient
	limits Limits
	codec  *codec
	now    func() time.Time
	logger *zap.Logger
}

// NewRedisStore creates a Redis-backed store. Payloads whose encoded size is
// at least compressThreshold bytes are zstd-compressed; zero disables it.
func NewRedisStore(client redis.UniversalClient, limits Limits, compressThreshold int, logger *zap.Logger) (*RedisStore, error) {
	c, err := newCodec(compressThreshold)
	if err != nil {
		return nil, err
	}
	return &RedisStore{
		client: client,
		limits: limits,
		codec:  c,
		now:    time.Now,
		logger: logger,
	}, nil
}

func backlogKey(identity string) string { return KeyPrefix + identity }
func evictedKey(identity string) string { return KeyPrefix + identity + ":evicted" }

func score(t time.Time) int64 { return t.UnixMicro() }

// Append implements Store.
func (s *RedisStore) Append(ctx context.Context, identity string, e event.Event) error {
	member, err := s.codec.encode(e)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var cutoff int64
	var ttl int64
	if s.limits.MaxAge > 0 {
		cutoff = score(s.now().Add(-s.limits.MaxAge))
		ttl = (s.limits.MaxAge + time.Minute).Milliseconds()
	}

	evicted, err := appendScript.Run(ctx, s.client,
		[]string{backlogKey(identity), evictedKey(identity)},
		score(e.OccurredAt), member, s.limits.MaxEvents, cutoff, ttl,
	).Int64()
	if err != nil {
		s.logger.Error("backlog append failed",
			zap.String("identity", identity),
			zap.Error(err),
		)
		return fmt.Errorf("%w: append: %v", ErrUnavailable, err)
	}
	if evicted >= 0 {
		s.logger.Debug("backlog evicted events",
			zap.String("identity", identity),
			zap.Int64("evictedThrough", evicted),
		)
	}
	return nil
}

// Since implements Store.
func (s *RedisStore) Since(ctx context.Context, identity string, from time.Time) (Replay, error) {
	minScore := "-inf"
	if !from.IsZero() {
		minScore = strconv.FormatInt(score(from), 10)
	}
	if s.limits.MaxAge > 0 {
		cutoff := score(s.now().Add(-s.limits.MaxAge))
		if minScore == "-inf" || cutoff > score(from) {
			minScore = strconv.FormatInt(cutoff, 10)
		}
	}

	pipe := s.client.Pipeline()
	membersCmd := pipe.ZRangeByScore(ctx, backlogKey(identity), &redis.ZRangeBy{Min: minScore, Max: "+inf"})
	markerCmd := pipe.Get(ctx, evictedKey(identity))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Error("backlog since failed",
			zap.String("identity", identity),
			zap.Error(err),
		)
		return Replay{}, fmt.Errorf("%w: since: %v", ErrUnavailable, err)
	}

	var replay Replay
	for _, m := range membersCmd.Val() {
		e, err := s.codec.decode([]byte(m))
		if err != nil {
			s.logger.Warn("skipping undecodable backlog entry",
				zap.String("identity", identity),
				zap.Error(err),
			)
			continue
		}
		if e.OccurredAt.After(from) {
			replay.Events = append(replay.Events, e)
		}
	}

	if marker, err := markerCmd.Int64(); err == nil {
		replay.Truncated = marker > score(from)
	} else {
		replay.Truncated = s.limits.beyondHorizon(s.now(), from)
	}
	return replay, nil
}

// Close releases the codec. The Redis client is owned by the caller.
func (s *RedisStore) Close() error {
	s.codec.close()
	return nil
}
