package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultPrefix = "gravitas:rl:"

// RedisLimiter counts requests in fixed windows shared by every gateway
// replica. Each window has its own key, so counters never need resetting.
// Redis errors fall back to the in-memory limiter.
type RedisLimiter struct {
	client   *redis.Client
	window   time.Duration
	prefix   string
	fallback *InMemoryLimiter
	now      func() time.Time
}

func NewRedis(client *redis.Client, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		client:   client,
		window:   window,
		prefix:   DefaultPrefix,
		fallback: NewInMemory(window),
		now:      time.Now,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	if l.client == nil {
		return l.fallback.Allow(ctx, key, limit)
	}
	now := l.now()
	slot := now.UnixMilli() / l.window.Milliseconds()
	resetAt := time.UnixMilli((slot + 1) * l.window.Milliseconds())
	redisKey := l.prefix + key + ":" + strconv.FormatInt(slot, 10)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, redisKey)
		p.PExpireAt(ctx, redisKey, resetAt.Add(time.Second))
		return nil
	})
	if err != nil {
		return l.fallback.Allow(ctx, key, limit)
	}
	count := int(incr.Val())
	return Decision{
		Allowed:   count <= limit,
		Limit:     limit,
		Remaining: max(0, limit-count),
		ResetAt:   resetAt,
	}
}
