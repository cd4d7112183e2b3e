package db

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore wraps a redis client and context for Performance Store counters
// and delivery idempotency tracking.
type RedisStore struct {
	Client *redis.Client
	Ctx    context.Context
}

// InitRedis initializes a Redis client and returns a RedisStore.
func InitRedis(addr string) (*RedisStore, error) {
	rs := &RedisStore{
		Client: redis.NewClient(&redis.Options{Addr: addr}),
		Ctx:    context.Background(),
	}

	if err := redisotel.InstrumentTracing(rs.Client); err != nil {
		return nil, fmt.Errorf("failed to instrument redis tracing: %w", err)
	}

	if err := rs.Client.Ping(rs.Ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	zap.L().Info("Connected to Redis", zap.String("addr", addr))
	return rs, nil
}

// IncrPerformanceCounters atomically increments a PerformanceBucket's
// impressions/engagements/completions in a Redis hash keyed by contextKey
// (spec §4.3 Incr). Each field is only incremented when its delta is
// non-zero so a pure-engagement update doesn't touch the impression field.
func (r *RedisStore) IncrPerformanceCounters(contextKey string, impressions, engagements, completions int64) error {
	pipe := r.Client.Pipeline()
	if impressions != 0 {
		pipe.HIncrBy(r.Ctx, perfKey(contextKey), "impressions", impressions)
	}
	if engagements != 0 {
		pipe.HIncrBy(r.Ctx, perfKey(contextKey), "engagements", engagements)
	}
	if completions != 0 {
		pipe.HIncrBy(r.Ctx, perfKey(contextKey), "completions", completions)
	}
	_, err := pipe.Exec(r.Ctx)
	return err
}

// GetPerformanceCounters returns the raw impression/engagement/completion
// counters stored for contextKey.
func (r *RedisStore) GetPerformanceCounters(contextKey string) (impressions, engagements, completions int64, err error) {
	vals, err := r.Client.HMGet(r.Ctx, perfKey(contextKey), "impressions", "engagements", "completions").Result()
	if err != nil {
		return 0, 0, 0, err
	}
	return asInt64(vals[0]), asInt64(vals[1]), asInt64(vals[2]), nil
}

func perfKey(contextKey string) string {
	return fmt.Sprintf("perf:%s", contextKey)
}

func asInt64(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	var n int64
	_, _ = fmt.Sscanf(s, "%d", &n)
	return n
}

// MarkPlaybackApplied records that a playback report for deliveryID has been
// applied, with a TTL long enough to dedupe retried ReportPlayback calls
// (spec §8 invariant 5). Returns true if this call is the first to set it.
func (r *RedisStore) MarkPlaybackApplied(deliveryID string, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("playback:applied:%s", deliveryID)
	ok, err := r.Client.SetNX(r.Ctx, key, 1, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Close shuts down the Redis client.
func (r *RedisStore) Close() {
	if r != nil && r.Client != nil {
		if err := r.Client.Close(); err != nil {
			zap.L().Error("redis close", zap.Error(err))
		}
	}
}
