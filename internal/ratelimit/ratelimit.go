// Package ratelimit implements the per-user submission throttle from the
// admission policy (spec §4.4 step 2) on top of a sliding-window limiter
// backed by Redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"

	"github.com/e2b-dev/collab-core/internal/apperr"
)

// Limiter throttles requests to a fixed rate per rolling window, scoped by
// an arbitrary caller-supplied key (a user id, a client address, ...).
type Limiter struct {
	rdb    redis.UniversalClient
	prefix string
	rate   redis_rate.Limit
	inner  *redis_rate.Limiter
}

// New constructs a Limiter allowing maxRequests requests per window, per
// distinct key. scope namespaces the Redis keys so independently
// configured limiters (per-user submission throttle vs. per-address
// room-creation/join throttles) never collide even if fed the same raw
// key string.
func New(rdb redis.UniversalClient, scope string, maxRequests int, window time.Duration) *Limiter {
	return &Limiter{
		rdb:    rdb,
		prefix: "ratelimit:" + scope + ":",
		rate: redis_rate.Limit{
			Rate:   maxRequests,
			Burst:  maxRequests,
			Period: window,
		},
		inner: redis_rate.NewLimiter(rdb),
	}
}

// Allow checks whether userID may submit another job right now. On
// rejection it returns an apperr.KindRateLimited error carrying the
// retry-after duration in its message; callers surfacing HTTP headers
// should prefer AllowResult for the structured view.
func (l *Limiter) Allow(ctx context.Context, userID string) error {
	res, err := l.AllowResult(ctx, userID)
	if err != nil {
		return err
	}
	if res.Allowed <= 0 {
		return apperr.New(apperr.KindRateLimited,
			fmt.Sprintf("rate limit exceeded, retry after %s", res.RetryAfter))
	}
	return nil
}

// Result carries the sliding-window counters a Control Surface handler
// needs to populate the X-RateLimit-* response headers.
type Result struct {
	Limit      int
	Remaining  int
	Allowed    int
	RetryAfter time.Duration
	ResetAfter time.Duration
}

// AllowResult runs the rate-limit check and returns the full window state.
func (l *Limiter) AllowResult(ctx context.Context, key string) (Result, error) {
	res, err := l.inner.Allow(ctx, l.prefix+key, l.rate)
	if err != nil {
		return Result{}, fmt.Errorf("checking rate limit: %w", err)
	}
	return Result{
		Limit:      res.Limit.Rate,
		Remaining:  res.Remaining,
		Allowed:    res.Allowed,
		RetryAfter: res.RetryAfter,
		ResetAfter: res.ResetAfter,
	}, nil
}
