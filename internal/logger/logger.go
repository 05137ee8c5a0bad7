// Package logger provides a thin, context-aware wrapper around zap used
// throughout the service instead of ad-hoc fmt/log calls.
package logger

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a *zap.Logger with context-scoped logging helpers.
type Logger struct {
	z *zap.Logger
}

// Config controls how a Logger is constructed.
type Config struct {
	ServiceName string
	IsDebug     bool
}

// New builds a Logger. In debug mode it uses a human-readable development
// encoder; otherwise a JSON production encoder, matching the split the
// teacher's service makes between local and deployed logging.
func New(cfg Config) (*Logger, error) {
	var zc zap.Config
	if cfg.IsDebug {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}

	zc.InitialFields = map[string]interface{}{
		"service": cfg.ServiceName,
	}

	z, err := zc.Build()
	if err != nil {
		return nil, err
	}

	return &Logger{z: z}, nil
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	return l.z.Sync()
}

// With returns a Logger with the given fields attached to every subsequent entry.
func (l *Logger) With(fields ...zapcore.Field) *Logger {
	return &Logger{z: l.z.With(fields...)}
}

func (l *Logger) Debug(_ context.Context, msg string, fields ...zapcore.Field) {
	l.z.Debug(msg, fields...)
}

func (l *Logger) Info(_ context.Context, msg string, fields ...zapcore.Field) {
	l.z.Info(msg, fields...)
}

func (l *Logger) Warn(_ context.Context, msg string, fields ...zapcore.Field) {
	l.z.Warn(msg, fields...)
}

func (l *Logger) Error(_ context.Context, msg string, fields ...zapcore.Field) {
	l.z.Error(msg, fields...)
}

func (l *Logger) Fatal(_ context.Context, msg string, fields ...zapcore.Field) {
	l.z.Fatal(msg, fields...)
}

// Log writes at the given level, used by middleware that computes its level dynamically.
func (l *Logger) Log(_ context.Context, level zapcore.Level, msg string, fields ...zapcore.Field) {
	if ce := l.z.Check(level, msg); ce != nil {
		ce.Write(fields...)
	}
}

// WithRoomID returns a zap field tagging a room id.
func WithRoomID(id string) zapcore.Field { return zap.String("room_id", id) }

// WithJobID returns a zap field tagging a job id.
func WithJobID(id string) zapcore.Field { return zap.String("job_id", id) }

// WithUserID returns a zap field tagging a user id.
func WithUserID(id string) zapcore.Field { return zap.String("user_id", id) }

var (
	globalMu  sync.RWMutex
	globalPtr atomic.Pointer[Logger]
)

func init() {
	l, err := New(Config{ServiceName: "collab-core", IsDebug: true})
	if err != nil {
		panic(err)
	}
	globalPtr.Store(l)
}

// ReplaceGlobals installs l as the package-level global logger returned by L().
func ReplaceGlobals(l *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalPtr.Store(l)
}

// L returns the current package-level global logger, for code that cannot
// thread a *Logger through (background timers, package-level helpers).
func L() *Logger {
	return globalPtr.Load()
}
