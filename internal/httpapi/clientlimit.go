package httpapi

import (
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/e2b-dev/collab-core/internal/apperr"
	"github.com/e2b-dev/collab-core/internal/ratelimit"
)

// addressLimit enforces the room-creation/room-join per-client-address
// limits from spec §6.1 ("Room-creation and room-join are rate-limited
// per client address"), distinct from the per-user compile submission
// limit the Queue enforces internally.
func (a *api) addressLimit(l *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := l.AllowResult(c.Request.Context(), c.ClientIP())
		if err != nil {
			writeError(c, err)
			c.Abort()
			return
		}

		setRateLimitHeaders(c, res)

		if res.Allowed <= 0 {
			writeError(c, apperr.New(apperr.KindRateLimited, "rate limit exceeded"))
			c.Abort()
			return
		}

		c.Next()
	}
}

func setRateLimitHeaders(c *gin.Context, res ratelimit.Result) {
	c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", res.Limit))
	c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", res.Remaining))
	c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", int(res.ResetAfter.Seconds())))
}
