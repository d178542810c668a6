package ratelimit

import (
	"time"

	"hxat/internal/domain"
)

// unlimited is returned when a route has limiting switched off.
func unlimited(limit int) domain.RateLimitDecision {
	return domain.RateLimitDecision{Allowed: true, Limit: limit, Remaining: limit}
}

// decide turns the post-increment count of a window into a decision.
func decide(limit, count int, resetAt time.Time) domain.RateLimitDecision {
	return domain.RateLimitDecision{
		Allowed:   count <= limit,
		Limit:     limit,
		Remaining: max(limit-count, 0),
		ResetAt:   resetAt,
	}
}
