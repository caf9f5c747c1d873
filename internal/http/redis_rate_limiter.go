package httpx

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	redisLimiterPrefix  = "previewd:ratelimit:"
	redisLimiterTimeout = 250 * time.Millisecond
)

// sharedRateLimiter counts requests per key in fixed Redis windows so several
// previewd processes draw from one upload budget.
type sharedRateLimiter struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewRedisRateLimiter connects to Redis and verifies it answers before use.
func NewRedisRateLimiter(addr, password string, db int, logger *slog.Logger) (RateLimiter, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &sharedRateLimiter{rdb: rdb, logger: logger.With("component", "rate_limiter")}, nil
}

// Allow increments the key's window counter. Redis errors let the request
// through.
func (l *sharedRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisLimiterTimeout)
	defer cancel()

	k := redisLimiterPrefix + key
	var incr *redis.IntCmd
	var pttl *redis.DurationCmd
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pttl = pipe.PTTL(ctx, k)
		return nil
	})
	if err != nil {
		l.logger.Error("rate limit count failed", "key", key, "error", err)
		return rateDecision{allowed: true}
	}

	remaining := pttl.Val()
	if remaining <= 0 {
		// First hit of the window, or a key that lost its expiry.
		if err := l.rdb.PExpire(ctx, k, window).Err(); err != nil {
			l.logger.Warn("rate limit expiry failed", "key", key, "error", err)
		}
		remaining = window
	}
	n := int(incr.Val())
	return rateDecision{allowed: n <= limit, count: n, windowEnd: time.Now().Add(remaining)}
}

func (l *sharedRateLimiter) Close() {
	_ = l.rdb.Close()
}
