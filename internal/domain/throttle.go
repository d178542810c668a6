package domain

import (
	"context"
	"time"
)

// RateLimitDecision reports the state of a fixed window after one request
// was counted against it.
type RateLimitDecision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the wait until the window resets, rounded up to a second.
func (d RateLimitDecision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait <= 0 {
		return 0
	}
	return wait.Truncate(time.Second) + time.Second
}

// RateLimiter counts requests per key in fixed windows. A limit of zero or
// less disables limiting for the call.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (RateLimitDecision, error)
}

// NonceStore remembers oauth nonces for a bounded time.
type NonceStore interface {
	// Remember returns false if the nonce was already seen within ttl.
	Remember(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RateLimitKey scopes a counter to a tenant (course context or client ip)
// and a route.
func RateLimitKey(scope, routeID string) string {
	return "tenant:" + scope + ":endpoint:" + routeID
}
