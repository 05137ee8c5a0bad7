package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/collab-core/internal/apperr"
	"github.com/e2b-dev/collab-core/internal/domain"
)

type fakeChecker struct {
	terminal map[string]bool
	err      error
}

func (f *fakeChecker) IsTerminal(_ context.Context, jobID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.terminal[jobID], nil
}

func TestExecuteRefusesWhenShuttingDown(t *testing.T) {
	t.Parallel()

	p := NewPool(nil, 4, nil)
	p.shuttingDown = true

	_, err := p.Execute(t.Context(), "job-1", "code", domain.DefaultOptions())
	require.Error(t, err)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindQueueFull, ae.Kind)
}

func TestExecuteRefusesAtCapacityWithoutBlocking(t *testing.T) {
	t.Parallel()

	p := NewPool(nil, 1, nil)
	require.True(t, p.sem.TryAcquire(1), "pre-acquire the only slot to simulate a full pool")

	_, err := p.Execute(t.Context(), "job-1", "code", domain.DefaultOptions())
	require.Error(t, err)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindQueueFull, ae.Kind)
}

func TestLiveRunCountIgnoresTerminalRuns(t *testing.T) {
	t.Parallel()

	p := NewPool(nil, 4, nil)
	p.runs["live"] = &run{jobID: "live"}
	p.runs["done"] = &run{jobID: "done", terminal: true}

	assert.Equal(t, 1, p.LiveRunCount())
}

func TestSamplesReturnsNilForUnknownJob(t *testing.T) {
	t.Parallel()

	p := NewPool(nil, 4, nil)
	assert.Nil(t, p.Samples("unknown"))
}

func TestReapOnceDropsStaleTerminalRecords(t *testing.T) {
	t.Parallel()

	p := NewPool(nil, 4, &fakeChecker{})
	p.runs["stale"] = &run{jobID: "stale", terminal: true, finishedAt: time.Now().Add(-2 * time.Hour)}
	p.runs["fresh"] = &run{jobID: "fresh", terminal: true, finishedAt: time.Now()}

	p.reapOnce(t.Context())

	_, staleStillPresent := p.runs["stale"]
	_, freshStillPresent := p.runs["fresh"]
	assert.False(t, staleStillPresent)
	assert.True(t, freshStillPresent)
}

func TestReapOnceCancelsLiveRunsWhoseJobAlreadyTerminated(t *testing.T) {
	t.Parallel()

	cancelled := false
	p := NewPool(nil, 4, &fakeChecker{terminal: map[string]bool{"orphan": true}})
	p.runs["orphan"] = &run{jobID: "orphan", cancel: func() { cancelled = true }}

	p.reapOnce(t.Context())

	assert.True(t, cancelled)
}

func TestReapOnceToleratesCheckerError(t *testing.T) {
	t.Parallel()

	p := NewPool(nil, 4, &fakeChecker{err: errors.New("store unavailable")})
	p.runs["live"] = &run{jobID: "live", cancel: func() {}}

	assert.NotPanics(t, func() { p.reapOnce(t.Context()) })
}

func TestShutdownCancelsLiveRunsAndRefusesNewWork(t *testing.T) {
	t.Parallel()

	cancelled := false
	p := NewPool(nil, 4, nil)
	p.runs["live"] = &run{jobID: "live", cancel: func() { cancelled = true }}
	p.StartReaper(t.Context())

	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	p.Shutdown(ctx)

	assert.True(t, cancelled)
	assert.True(t, p.shuttingDown)

	_, err := p.Execute(t.Context(), "job-2", "code", domain.DefaultOptions())
	require.Error(t, err)
}
