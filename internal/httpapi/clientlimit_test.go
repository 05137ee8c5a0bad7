package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/collab-core/internal/ratelimit"
)

func newTestLimiter(t *testing.T, max int) *ratelimit.Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return ratelimit.New(rdb, "test", max, time.Minute)
}

func TestAddressLimitAdmitsWithinBudgetAndSetsHeaders(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	a := &api{}
	l := newTestLimiter(t, 2)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/rooms", nil)
	c.Request.RemoteAddr = "203.0.113.5:1234"

	a.addressLimit(l)(c)

	assert.False(t, c.IsAborted())
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Remaining"))
}

func TestAddressLimitAbortsWithTooManyRequestsWhenExhausted(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	a := &api{}
	l := newTestLimiter(t, 1)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodPost, "/rooms", nil)
		c.Request.RemoteAddr = "203.0.113.9:1234"

		a.addressLimit(l)(c)

		if i == 0 {
			assert.False(t, c.IsAborted())
		} else {
			require.True(t, c.IsAborted())
			assert.Equal(t, http.StatusTooManyRequests, w.Code)
		}
	}
}
