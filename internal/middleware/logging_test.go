package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/e2b-dev/collab-core/internal/logger"
)

var assertErr = errors.New("boom")

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New(logger.Config{ServiceName: "test", IsDebug: true})
	require.NoError(t, err)
	return l
}

func TestLoggingCallsNextAndPreservesTheResponse(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	l := newTestLogger(t)
	r := gin.New()
	r.Use(Logging(l, LoggingConfig{DefaultLevel: zapcore.InfoLevel}))
	r.GET("/rooms", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/rooms", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())
}

func TestLoggingSkipsConfiguredPathsWithoutAlteringTheResponse(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	l := newTestLogger(t)
	r := gin.New()
	r.Use(Logging(l, LoggingConfig{SkipPaths: map[string]bool{"/health": true}}))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLoggingSurfacesHandlerErrorStatusUnaffected(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	l := newTestLogger(t)
	r := gin.New()
	r.Use(Logging(l, LoggingConfig{}))
	r.GET("/boom", func(c *gin.Context) {
		_ = c.Error(assertErr)
		c.Status(http.StatusInternalServerError)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
