package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter enforces a fixed request budget per key within a rolling
// window, using Redis INCR + EXPIRE. One instance is created per scope
// (e.g. admin-surface-per-user, public-status-per-IP) since each scope has
// its own budget and window.
type RateLimiter struct {
	redis  *redis.Client
	scope  string
	max    int
	window time.Duration
}

// NewRateLimiter creates a rate limiter. max is the number of requests
// allowed per key within window.
func NewRateLimiter(rdb *redis.Client, scope string, max int, window time.Duration) *RateLimiter {
	return &RateLimiter{redis: rdb, scope: scope, max: max, window: window}
}

// RateLimitResult holds the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	RetryAt   time.Time
}

// Check returns whether the given key is allowed to proceed.
func (rl *RateLimiter) Check(ctx context.Context, key string) (*RateLimitResult, error) {
	redisKey := rl.redisKey(key)

	count, err := rl.redis.Get(ctx, redisKey).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("checking rate limit: %w", err)
	}

	if count >= rl.max {
		ttl, err := rl.redis.TTL(ctx, redisKey).Result()
		if err != nil {
			return nil, fmt.Errorf("getting TTL: %w", err)
		}
		return &RateLimitResult{Allowed: false, Remaining: 0, RetryAt: time.Now().Add(ttl)}, nil
	}

	return &RateLimitResult{Allowed: true, Remaining: rl.max - count}, nil
}

// Record records one request against key's budget.
func (rl *RateLimiter) Record(ctx context.Context, key string) error {
	redisKey := rl.redisKey(key)

	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("recording rate limit: %w", err)
	}

	if incr.Val() == 1 {
		rl.redis.Expire(ctx, redisKey, rl.window)
	}

	return nil
}

// Reset clears the counter for key (e.g. on successful login).
func (rl *RateLimiter) Reset(ctx context.Context, key string) error {
	return rl.redis.Del(ctx, rl.redisKey(key)).Err()
}

func (rl *RateLimiter) redisKey(key string) string {
	return fmt.Sprintf("ratelimit:%s:%s", rl.scope, key)
}
