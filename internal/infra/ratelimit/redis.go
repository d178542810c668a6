package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hxat/internal/domain"

	"github.com/redis/go-redis/v9"
)

// fixedWindow opens the window with SET NX PX; INCR keeps the expiry.
var fixedWindow = redis.NewScript(`
redis.call("SET", KEYS[1], 0, "PX", ARGV[1], "NX")
local count = redis.call("INCR", KEYS[1])
return {count, redis.call("PTTL", KEYS[1])}
`)

// RedisLimiter shares fixed-window counters between gateway replicas.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisLimiter(client redis.UniversalClient, prefix string, now func() time.Time) (*RedisLimiter, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if now == nil {
		now = time.Now
	}
	return &RedisLimiter{client: client, prefix: prefix, now: now}, nil
}

func (r *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (domain.RateLimitDecision, error) {
	if limit <= 0 {
		return unlimited(limit), nil
	}
	window = max(window, time.Second)
	reply, err := fixedWindow.Run(ctx, r.client, []string{r.prefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return domain.RateLimitDecision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(reply) != 2 {
		return domain.RateLimitDecision{}, fmt.Errorf("rate limit %s: unexpected reply %v", key, reply)
	}
	resetAt := r.now()
	if ttl := reply[1]; ttl > 0 {
		resetAt = resetAt.Add(time.Duration(ttl) * time.Millisecond)
	}
	return decide(limit, int(reply[0]), resetAt), nil
}

// RedisNonceStore records nonces with SET NX PX so replicas share replay
// state.
type RedisNonceStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisNonceStore(client redis.UniversalClient, prefix string) *RedisNonceStore {
	return &RedisNonceStore{client: client, prefix: prefix}
}

func (s *RedisNonceStore) Remember(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return s.client.SetNX(ctx, s.prefix+key, 1, ttl).Result()
}

var (
	_ domain.RateLimiter = (*RedisLimiter)(nil)
	_ domain.NonceStore  = (*RedisNonceStore)(nil)
)
