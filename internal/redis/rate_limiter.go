package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter counts job starts in a sliding window shared by every worker
// process connected to the same Redis.
type RateLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewRateLimiter returns a Redis-backed sliding-window rate limiter.
// limit is the maximum number of events allowed per window for a given key.
func NewRateLimiter(client *redis.Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{client: client, limit: limit, window: window}
}

func (r *RateLimiter) Limit() int { return r.limit }

func rateKey(key string) string { return keyPrefix + "ratelimit:" + key }

// Available reports whether another event fits in the current window. It
// does not record anything.
func (r *RateLimiter) Available(ctx context.Context, key string) (bool, error) {
	now := time.Now().UnixNano()
	windowStart := now - r.window.Nanoseconds()
	rkey := rateKey(key)

	pipe := r.client.TxPipeline()
	// Evict timestamps that fell outside the window.
	pipe.ZRemRangeByScore(ctx, rkey, "0", strconv.FormatInt(windowStart, 10))
	countCmd := pipe.ZCard(ctx, rkey)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limiter pipeline for %q: %w", key, err)
	}
	return countCmd.Val() < int64(r.limit), nil
}

// Record adds one event to the window.
func (r *RateLimiter) Record(ctx context.Context, key string) error {
	now := time.Now().UnixNano()
	rkey := rateKey(key)

	pipe := r.client.TxPipeline()
	// The nanosecond timestamp is both score and member.
	pipe.ZAdd(ctx, rkey, redis.Z{Score: float64(now), Member: strconv.FormatInt(now, 10)})
	// Keep the key alive for at least one more window.
	pipe.Expire(ctx, rkey, r.window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rate limiter record for %q: %w", key, err)
	}
	return nil
}
