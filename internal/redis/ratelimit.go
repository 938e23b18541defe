package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmhodges/clock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/notekeeper/internal/metrics"
)

type RateLimitConfig struct {
	Limit  int           // requests allowed per window
	Window time.Duration
}

type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RateLimiter is a sliding-window limiter over a Redis sorted set per key.
type RateLimiter struct {
	client *Client
	clock  clock.Clock
	logger *zap.Logger
	config RateLimitConfig
}

// NewRateLimiter creates a rate limiter. A nil clk uses the wall clock.
func NewRateLimiter(client *Client, clk clock.Clock, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	if clk == nil {
		clk = clock.New()
	}
	return &RateLimiter{
		client: client,
		clock:  clk,
		logger: logger,
		config: config,
	}
}

func (r *RateLimiter) Limit() int {
	return r.config.Limit
}

func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN checks whether n more requests fit in the current window and, if
// so, records them.
func (r *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	now := r.clock.Now()
	windowStart := now.Add(-r.config.Window)
	resetAt := now.Add(r.config.Window)

	redisKey := "notekeeper:ratelimit:" + key

	pipe := r.client.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}

	current := int(countCmd.Val())
	remaining := r.config.Limit - current

	if current+n > r.config.Limit {
		metrics.RecordRateLimitRejection()
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("current", current),
			zap.Int("limit", r.config.Limit),
		)
		return &RateLimitResult{
			Allowed:   false,
			Remaining: max(0, remaining),
			ResetAt:   resetAt,
		}, nil
	}

	pipe = r.client.rdb.Pipeline()
	for i := 0; i < n; i++ {
		pipe.ZAdd(ctx, redisKey, redis.Z{
			Score:  float64(now.UnixNano()),
			Member: uuid.NewString(),
		})
	}
	pipe.Expire(ctx, redisKey, r.config.Window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis zadd failed: %w", err)
	}

	return &RateLimitResult{
		Allowed:   true,
		Remaining: remaining - n,
		ResetAt:   resetAt,
	}, nil
}
