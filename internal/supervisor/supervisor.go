// Package supervisor implements the Background Supervisor (spec §4.5): a
// pair of ticker-driven sweeps that catch stuck executions and trigger
// periodic cleanup, modeled on the teacher's evictor.Start loop shape
// (infinite select over ctx.Done() vs. a timer channel, never stopping on
// a per-item error).
package supervisor

import (
	"context"
	"time"

	"github.com/e2b-dev/collab-core/internal/logger"
	"github.com/e2b-dev/collab-core/internal/store"
)

const (
	stuckSweepInterval    = 30 * time.Second
	stuckGrace            = 30 * time.Second
	cleanupSweepInterval  = 10 * time.Minute
)

// Cleaner is implemented by the Queue; it purges aged queue buckets and
// Job Store rows.
type Cleaner interface {
	Cleanup(ctx context.Context, retentionDays int) error
}

// Supervisor runs the two sweeps named in spec §4.5.
type Supervisor struct {
	jobs          *store.JobStore
	cleaner       Cleaner
	retentionDays int
}

// New constructs a Supervisor.
func New(jobs *store.JobStore, cleaner Cleaner, retentionDays int) *Supervisor {
	return &Supervisor{jobs: jobs, cleaner: cleaner, retentionDays: retentionDays}
}

// Run blocks, driving both sweeps until ctx is cancelled. Failures in
// either sweep are logged; the loop itself never stops.
func (s *Supervisor) Run(ctx context.Context) {
	stuckTicker := time.NewTicker(stuckSweepInterval)
	defer stuckTicker.Stop()

	cleanupTicker := time.NewTicker(cleanupSweepInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stuckTicker.C:
			s.sweepStuck(ctx)
		case <-cleanupTicker.C:
			s.runCleanup(ctx)
		}
	}
}

// sweepStuck finds every Running job whose wallTimeoutMs plus the fixed
// 30s grace has elapsed since startedAt, and force-advances it to Timeout.
func (s *Supervisor) sweepStuck(ctx context.Context) {
	running, err := s.jobs.FindRunningJobs(ctx)
	if err != nil {
		logger.L().Warn(ctx, "supervisor: finding running jobs failed")
		return
	}

	now := time.Now().UTC()
	for _, job := range running {
		if job.StartedAt == nil {
			continue // Running but not yet timestamped; leave to the next tick.
		}

		deadline := job.StartedAt.Add(time.Duration(job.Options.WallTimeoutMs)*time.Millisecond + stuckGrace)
		if now.Before(deadline) {
			continue
		}

		if err := s.jobs.MarkTimeout(ctx, job.ID, "", 0); err != nil {
			logger.L().Warn(ctx, "supervisor: marking stuck job as timed out failed", logger.WithJobID(job.ID))
			continue
		}

		logger.L().Info(ctx, "supervisor: reclaimed stuck job", logger.WithJobID(job.ID))
	}
}

func (s *Supervisor) runCleanup(ctx context.Context) {
	if err := s.cleaner.Cleanup(ctx, s.retentionDays); err != nil {
		logger.L().Warn(ctx, "supervisor: cleanup sweep failed")
	}
}
