package httpx

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	redisLimiterPrefix  = "netusage:rl"
	redisLimiterTimeout = 250 * time.Millisecond
	// Keys outlive their window slightly so a late INCR never recreates a key without expiry.
	redisKeyGrace = time.Second
)

// redisRateLimiter counts requests in windows aligned to the epoch, so every
// replica agrees on where a window starts without coordinating. Keys look
// like netusage:rl:<route>:<subject>:<window index>.
type redisRateLimiter struct {
	client *redis.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewRedisRateLimiter connects to Redis and returns a limiter shared across
// replicas. Redis failures fail open so an outage never blocks usage queries.
func NewRedisRateLimiter(addr, password string, db int, logger *slog.Logger) (RateLimiter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis rate limiter ping %s: %w", addr, err)
	}
	return &redisRateLimiter{
		client: client,
		logger: logger.With("component", "rate_limiter", "backend", "redis"),
		now:    time.Now,
	}, nil
}

// Allow takes keys of the form "<route>|<subject>" as built by Router.rateLimit.
func (rl *redisRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	redisKey, windowEnd := redisWindowKey(key, window, rl.now())

	ctx, cancel := context.WithTimeout(context.Background(), redisLimiterTimeout)
	defer cancel()
	pipe := rl.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.PExpireAt(ctx, redisKey, windowEnd.Add(redisKeyGrace))
	if _, err := pipe.Exec(ctx); err != nil {
		route, _, _ := strings.Cut(key, "|")
		rl.logger.Warn("rate limit check failed open", "route", route, "error", err)
		return rateDecision{allowed: true, windowEnd: windowEnd}
	}
	count := int(incr.Val())
	return rateDecision{allowed: count <= limit, count: count, windowEnd: windowEnd}
}

func (rl *redisRateLimiter) Close() {
	_ = rl.client.Close()
}

// redisWindowKey maps a limiter key and instant to the Redis counter for the
// window containing now, and returns when that window ends.
func redisWindowKey(key string, window time.Duration, now time.Time) (string, time.Time) {
	if window <= 0 {
		window = time.Minute
	}
	route, subject, ok := strings.Cut(key, "|")
	if !ok {
		route, subject = "default", key
	}
	span := window.Milliseconds()
	if span <= 0 {
		span = 1
	}
	index := now.UnixMilli() / span
	end := time.UnixMilli((index + 1) * span)
	return fmt.Sprintf("%s:%s:%s:%d", redisLimiterPrefix, route, subject, index), end
}
