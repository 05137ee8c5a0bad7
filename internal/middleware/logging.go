// Package middleware holds Gin middleware shared across the Control Surface.
package middleware

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/e2b-dev/collab-core/internal/logger"
)

// LoggingConfig controls request logging, adapted from the teacher's
// gin-contrib/zap-derived middleware.
type LoggingConfig struct {
	TimeFormat   string
	UTC          bool
	SkipPaths    map[string]bool
	DefaultLevel zapcore.Level
}

// Logging returns request-logging middleware that records method, path,
// status, latency and any accumulated gin errors at a level derived from
// the response status.
func Logging(l *logger.Logger, conf LoggingConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		if conf.SkipPaths[path] {
			return
		}

		end := time.Now()
		latency := end.Sub(start)
		if conf.UTC {
			end = end.UTC()
		}

		status := c.Writer.Status()

		fields := []zapcore.Field{
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Duration("latency", latency),
		}

		if conf.TimeFormat != "" {
			fields = append(fields, zap.String("time", end.Format(conf.TimeFormat)))
		}

		if len(c.Errors) > 0 {
			errs := make([]error, 0, len(c.Errors))
			for _, e := range c.Errors {
				errs = append(errs, e.Err)
			}
			fields = append(fields, zap.Error(errors.Join(errs...)))
		}

		level := conf.DefaultLevel
		switch {
		case status >= http.StatusInternalServerError:
			level = zapcore.ErrorLevel
		case status >= http.StatusBadRequest:
			level = zapcore.WarnLevel
		}

		l.Log(c.Request.Context(), level, path, fields...)
	}
}
