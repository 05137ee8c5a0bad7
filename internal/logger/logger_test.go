package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedLogger(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return &Logger{z: zap.New(core)}, logs
}

func TestLevelMethodsRecordMessageAndFields(t *testing.T) {
	t.Parallel()

	l, logs := newObservedLogger(zapcore.DebugLevel)
	ctx := context.Background()

	l.Info(ctx, "room created", WithRoomID("room-1"))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.InfoLevel, entry.Level)
	assert.Equal(t, "room created", entry.Message)
	assert.Equal(t, "room-1", entry.ContextMap()["room_id"])
}

func TestLogWritesAtTheRequestedDynamicLevel(t *testing.T) {
	t.Parallel()

	l, logs := newObservedLogger(zapcore.DebugLevel)
	ctx := context.Background()

	l.Log(ctx, zapcore.WarnLevel, "request failed", zap.Int("status", 400))

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, zapcore.WarnLevel, logs.All()[0].Level)
}

func TestLogRespectsTheCoresMinimumLevel(t *testing.T) {
	t.Parallel()

	l, logs := newObservedLogger(zapcore.ErrorLevel)
	ctx := context.Background()

	l.Log(ctx, zapcore.InfoLevel, "should be dropped")

	assert.Equal(t, 0, logs.Len())
}

func TestWithAttachesFieldsToEverySubsequentEntry(t *testing.T) {
	t.Parallel()

	l, logs := newObservedLogger(zapcore.DebugLevel)
	ctx := context.Background()

	scoped := l.With(WithJobID("job-1"))
	scoped.Error(ctx, "compile failed", WithUserID("user-1"))

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "job-1", fields["job_id"])
	assert.Equal(t, "user-1", fields["user_id"])
}

func TestLAndReplaceGlobalsRoundTrip(t *testing.T) {
	l, logs := newObservedLogger(zapcore.DebugLevel)
	previous := L()
	t.Cleanup(func() { ReplaceGlobals(previous) })

	ReplaceGlobals(l)
	assert.Same(t, l, L())

	L().Info(context.Background(), "global logger wired")
	assert.Equal(t, 1, logs.Len())
}
