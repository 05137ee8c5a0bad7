package supervisor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeCleaner struct {
	calledWithDays int
	err            error
}

func (f *fakeCleaner) Cleanup(_ context.Context, retentionDays int) error {
	f.calledWithDays = retentionDays
	return f.err
}

func TestRunCleanupInvokesCleanerWithConfiguredRetention(t *testing.T) {
	t.Parallel()

	cleaner := &fakeCleaner{}
	s := New(nil, cleaner, 7)

	s.runCleanup(t.Context())

	assert.Equal(t, 7, cleaner.calledWithDays)
}

func TestRunCleanupSwallowsCleanerError(t *testing.T) {
	t.Parallel()

	cleaner := &fakeCleaner{err: errors.New("boom")}
	s := New(nil, cleaner, 1)

	assert.NotPanics(t, func() { s.runCleanup(t.Context()) })
}
