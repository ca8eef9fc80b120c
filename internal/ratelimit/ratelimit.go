// Package ratelimit paces outbound publish calls per platform. With Redis
// enabled the budget is shared by every server replica through redis_rate's
// GCRA script; otherwise each process keeps its own token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/relaypost/relaypost/internal/config"
)

const keyPrefix = "relaypost:publish:"

// Limiter blocks until one more call for key is allowed or ctx ends.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// LocalLimiter keeps one token bucket per key in process memory.
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    rate.Limit
	burst    int
}

// NewLocalLimiter allows perMinute calls per key with the given burst.
func NewLocalLimiter(perMinute, burst int) *LocalLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &LocalLimiter{
		limiters: make(map[string]*rate.Limiter),
		every:    rate.Limit(float64(perMinute) / 60.0),
		burst:    burst,
	}
}

func (l *LocalLimiter) limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.every, l.burst)
		l.limiters[key] = lim
	}
	return lim
}

// Wait blocks on the key's bucket.
func (l *LocalLimiter) Wait(ctx context.Context, key string) error {
	return l.limiter(key).Wait(ctx)
}

// RedisLimiter shares a per-key budget across processes. Redis errors fall
// back to the local limiter so an outage slows publishing instead of
// stopping it.
type RedisLimiter struct {
	limiter  *redis_rate.Limiter
	limit    redis_rate.Limit
	fallback *LocalLimiter
	logger   *slog.Logger
}

// NewRedisLimiter allows perMinute calls per key across all users of client.
func NewRedisLimiter(client *redis.Client, perMinute int, logger *slog.Logger) *RedisLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLimiter{
		limiter:  redis_rate.NewLimiter(client),
		limit:    redis_rate.PerMinute(perMinute),
		fallback: NewLocalLimiter(perMinute, perMinute),
		logger:   logger,
	}
}

// Allow takes one token for key without waiting.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (*redis_rate.Result, error) {
	return l.limiter.Allow(ctx, keyPrefix+key, l.limit)
}

// Wait polls Redis, sleeping for the advertised retry-after between tries.
func (l *RedisLimiter) Wait(ctx context.Context, key string) error {
	for {
		res, err := l.Allow(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Warn("redis rate limiter unavailable, using local limiter", "key", key, "error", err)
			return l.fallback.Wait(ctx, key)
		}
		if res.Allowed > 0 {
			return nil
		}

		timer := time.NewTimer(res.RetryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// New builds the limiter for the configuration. The returned close function
// releases the Redis client, if any.
func New(ctx context.Context, cfg config.RedisConfig, perMinute int, logger *slog.Logger) (Limiter, func() error, error) {
	if perMinute <= 0 {
		return Unlimited{}, func() error { return nil }, nil
	}
	if !cfg.Enabled {
		return NewLocalLimiter(perMinute, perMinute), func() error { return nil }, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisLimiter(client, perMinute, logger), client.Close, nil
}

// Unlimited never waits.
type Unlimited struct{}

// Wait returns immediately unless ctx is already done.
func (Unlimited) Wait(ctx context.Context, _ string) error {
	return ctx.Err()
}
