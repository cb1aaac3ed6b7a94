package httpx

import (
	"context"
	"time"

	"log/slog"

	redis "github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix  = "nexus:sites:ratelimit:"
	redisOpTimeout  = 250 * time.Millisecond
	redisDialWindow = 2 * time.Second
)

// redisRateLimiter keeps counters in Redis so limits hold across replicas.
// Redis failures fail open: a broken limiter must not take the API down.
type redisRateLimiter struct {
	client *redis.Client
	log    *slog.Logger
}

// NewRedisRateLimiter connects and verifies the Redis backend.
func NewRedisRateLimiter(addr, password string, db int, log *slog.Logger) (RateLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), redisDialWindow)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &redisRateLimiter{client: client, log: log}, nil
}

func (rl *redisRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	redisKey := redisKeyPrefix + key

	pipe := rl.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	ttlCmd := pipe.TTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		rl.fail("incr", err)
		return rateDecision{allowed: true}
	}

	count := incr.Val()
	ttl := ttlCmd.Val()
	// A fresh key has no expiry yet; stamp the window on first hit.
	if ttl <= 0 {
		if err := rl.client.Expire(ctx, redisKey, window).Err(); err != nil {
			rl.fail("expire", err)
		}
		ttl = window
	}

	return rateDecision{
		allowed:   int(count) <= limit,
		count:     int(count),
		windowEnd: time.Now().Add(ttl),
	}
}

func (rl *redisRateLimiter) Close() {
	if rl.client != nil {
		_ = rl.client.Close()
	}
}

func (rl *redisRateLimiter) fail(op string, err error) {
	if rl.log == nil {
		return
	}
	rl.log.Error("redis rate limiter error", "op", op, "error", err)
}
