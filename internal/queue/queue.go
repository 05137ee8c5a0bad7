// Package queue implements the Execution Dispatcher / Queue (spec §4.4): a
// durable, priority-weighted FIFO built directly on redis/go-redis, with
// bsm/redislock serializing the delayed-retry mover across dispatcher
// instances and golang.org/x/sync/errgroup running the worker pool.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/e2b-dev/collab-core/internal/apperr"
	"github.com/e2b-dev/collab-core/internal/domain"
	"github.com/e2b-dev/collab-core/internal/logger"
	"github.com/e2b-dev/collab-core/internal/ratelimit"
	"github.com/e2b-dev/collab-core/internal/sandbox"
	"github.com/e2b-dev/collab-core/internal/store"
)

const (
	readyKey     = "queue:ready"
	activeList   = "queue:active"
	delayedKey   = "queue:delayed"
	completedKey = "queue:completed"
	failedKey    = "queue:failed"

	// PriorityNormal is the only priority class the admission policy
	// assigns today (spec §4.4 step 4); the scoring scheme supports others.
	PriorityNormal = 5

	maxQueueDepth = 100
	maxAttempts   = 3
	backoffBase   = 2 * time.Second
	purgeAge      = time.Hour

	delayedSweepInterval = time.Second
	delayedLockKey       = "lock:queue:delayed-mover"
	delayedLockTTL       = 10 * time.Second

	popBlockTimeout = 5 * time.Second
)

// Queue is the durable FIFO dispatcher bridging Job Store state
// transitions and the Sandbox Runner by way of the Container Pool Manager.
type Queue struct {
	rdb     redis.UniversalClient
	locker  *redislock.Client
	limiter *ratelimit.Limiter
	jobs    *store.JobStore
	pool    *sandbox.Pool

	maxWallTimeoutMs int
	submitRateMax    int
	submitRateWindow time.Duration
}

// New constructs a Queue. maxWallTimeoutMs bounds the per-job wall timeout
// accepted at admission (spec §4.4 option clamping). submitRateMax and
// submitRateWindow configure the per-user submission rate admission check
// (spec §4.4 step 2, "evaluated from the Job Store").
func New(rdb redis.UniversalClient, limiter *ratelimit.Limiter, jobs *store.JobStore, pool *sandbox.Pool, maxWallTimeoutMs, submitRateMax int, submitRateWindow time.Duration) *Queue {
	return &Queue{
		rdb:              rdb,
		locker:           redislock.New(rdb),
		limiter:          limiter,
		jobs:             jobs,
		pool:             pool,
		maxWallTimeoutMs: maxWallTimeoutMs,
		submitRateMax:    submitRateMax,
		submitRateWindow: submitRateWindow,
	}
}

func attemptKey(jobID string) string { return "queue:attempt:" + jobID }

func computeScore(priority int, at time.Time) float64 {
	return float64(priority)*1e13 + float64(at.UnixMilli())
}

// QueueJob runs the admission policy (spec §4.4) and, if admitted, persists
// the job in Queued state and enqueues it with normal priority. The
// returned ratelimit.Result reflects the per-user submission window at the
// moment of admission, for the Control Surface to render as
// X-RateLimit-* response headers.
func (q *Queue) QueueJob(ctx context.Context, roomID, userID, code string, partial domain.PartialOptions) (string, ratelimit.Result, error) {
	waiting, err := q.jobs.CountWaitingAndActive(ctx)
	if err != nil {
		return "", ratelimit.Result{}, fmt.Errorf("checking queue saturation: %w", err)
	}
	if waiting >= maxQueueDepth {
		return "", ratelimit.Result{}, apperr.New(apperr.KindQueueFull, "QueueFull")
	}

	// The per-user submission rate is evaluated from the Job Store, the
	// authoritative record of what was actually admitted (spec §4.4 step
	// 2); redis_rate runs alongside it purely to produce the X-RateLimit-*
	// response headers and RetryAfter without a second Postgres round trip
	// on every request.
	recent, err := q.jobs.CountRecentByUser(ctx, userID, q.submitRateWindow)
	if err != nil {
		return "", ratelimit.Result{}, fmt.Errorf("checking per-user submission rate: %w", err)
	}

	rl, err := q.limiter.AllowResult(ctx, userID)
	if err != nil {
		return "", ratelimit.Result{}, err
	}
	if recent >= q.submitRateMax {
		return "", rl, apperr.New(apperr.KindRateLimited, fmt.Sprintf("rate limit exceeded, retry after %s", rl.RetryAfter))
	}

	if err := domain.ValidateCode(code); err != nil {
		return "", rl, err
	}

	opts, err := domain.MergeAndValidate(partial, q.maxWallTimeoutMs)
	if err != nil {
		return "", rl, err
	}

	jobID := store.NewJobID()
	job := &domain.Job{
		ID:        jobID,
		RoomID:    roomID,
		UserID:    userID,
		Code:      code,
		Options:   opts,
		State:     domain.JobQueued,
		CreatedAt: time.Now().UTC(),
	}
	if err := q.jobs.Create(ctx, job); err != nil {
		return "", rl, fmt.Errorf("persisting job: %w", err)
	}

	if err := q.enqueue(ctx, jobID, PriorityNormal, time.Now()); err != nil {
		return "", rl, fmt.Errorf("enqueueing job: %w", err)
	}

	return jobID, rl, nil
}

func (q *Queue) enqueue(ctx context.Context, jobID string, priority int, at time.Time) error {
	return q.rdb.ZAdd(ctx, readyKey, redis.Z{Score: computeScore(priority, at), Member: jobID}).Err()
}

// Status is the result of a jobStatus lookup.
type Status struct {
	JobID         string
	State         domain.JobState
	QueuePosition *int
	Result        *domain.Result
}

// JobStatus reports a job's current state, its 1-based queue position when
// Queued, and its stored result when terminal (spec §4.4 "Status retrieval").
func (q *Queue) JobStatus(ctx context.Context, jobID string) (Status, error) {
	job, err := q.jobs.FindByID(ctx, jobID)
	if err != nil {
		return Status{}, err
	}

	status := Status{JobID: job.ID, State: job.State}

	if job.State == domain.JobQueued {
		rank, err := q.rdb.ZRank(ctx, readyKey, jobID).Result()
		if err == nil {
			pos := int(rank) + 1
			status.QueuePosition = &pos
		}
	}

	if job.State.Terminal() {
		status.Result = &domain.Result{
			Success:         job.State == domain.JobCompleted,
			Stdout:          derefStr(job.Stdout),
			Stderr:          derefStr(job.Stderr),
			ExitCode:        derefInt(job.ExitCode),
			ExecutionTimeMs: derefInt64(job.ExecutionTimeMs),
			MemoryBytes:     job.MemoryBytes,
			TimedOut:        job.State == domain.JobTimeout,
			ExecSub:         derefStr(job.ErrorKind),
		}
	}

	return status, nil
}

// CancelJob cancels jobID on behalf of userID (spec §4.4 "Cancellation").
// It returns false, nil (not an error) for any non-cancellable case: wrong
// owner, or a job already in a terminal state.
func (q *Queue) CancelJob(ctx context.Context, jobID, userID string) (bool, error) {
	job, err := q.jobs.FindByID(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.UserID != userID {
		return false, nil
	}
	if job.State.Terminal() {
		return false, nil
	}

	wasQueued := job.State == domain.JobQueued

	ok, err := q.jobs.Cancel(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("cancelling job: %w", err)
	}
	if !ok {
		return false, nil
	}

	if wasQueued {
		q.removeFromReady(ctx, jobID)
	}

	return true, nil
}

func (q *Queue) removeFromReady(ctx context.Context, jobID string) {
	if err := q.rdb.ZRem(ctx, readyKey, jobID).Err(); err != nil {
		logger.L().Warn(ctx, "failed removing cancelled job from ready set", logger.WithJobID(jobID))
	}
	if err := q.rdb.ZRem(ctx, delayedKey, jobID).Err(); err != nil {
		logger.L().Warn(ctx, "failed removing cancelled job from delayed set", logger.WithJobID(jobID))
	}
	_ = q.rdb.Del(ctx, attemptKey(jobID)).Err()
}

// Stats is the result of a queueStats lookup.
type Stats struct {
	Waiting   int64
	Active    int64
	Delayed   int64
	Completed int64
	Failed    int64
}

// QueueStats reports current queue depth across every bucket.
func (q *Queue) QueueStats(ctx context.Context) (Stats, error) {
	waiting, err := q.rdb.ZCard(ctx, readyKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("counting ready: %w", err)
	}
	active, err := q.rdb.LLen(ctx, activeList).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("counting active: %w", err)
	}
	delayed, err := q.rdb.ZCard(ctx, delayedKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("counting delayed: %w", err)
	}
	completed, err := q.rdb.ZCard(ctx, completedKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("counting completed: %w", err)
	}
	failed, err := q.rdb.ZCard(ctx, failedKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("counting failed: %w", err)
	}
	return Stats{Waiting: waiting, Active: active, Delayed: delayed, Completed: completed, Failed: failed}, nil
}

// Cleanup purges completed/failed queue bucket entries older than 1h and
// Job Store rows older than retentionDays in a terminal state (spec §4.4
// "Cleanup"). Driven by the Background Supervisor's 10-minute tick.
func (q *Queue) Cleanup(ctx context.Context, retentionDays int) error {
	cutoff := fmt.Sprintf("%f", float64(time.Now().Add(-purgeAge).UnixMilli()))

	if err := q.rdb.ZRemRangeByScore(ctx, completedKey, "-inf", cutoff).Err(); err != nil {
		return fmt.Errorf("purging completed bucket: %w", err)
	}
	if err := q.rdb.ZRemRangeByScore(ctx, failedKey, "-inf", cutoff).Err(); err != nil {
		return fmt.Errorf("purging failed bucket: %w", err)
	}

	if _, err := q.jobs.DeleteOlderThan(ctx, retentionDays); err != nil {
		return fmt.Errorf("purging job store: %w", err)
	}
	return nil
}

// StartWorkers runs numWorkers worker loops plus the delayed-retry mover,
// all under a single errgroup, until ctx is cancelled (spec §4.4 "Worker
// loop").
func (q *Queue) StartWorkers(ctx context.Context, numWorkers int) error {
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < numWorkers; i++ {
		g.Go(func() error {
			q.workerLoop(gctx)
			return nil
		})
	}

	g.Go(func() error {
		q.delayedMoverLoop(gctx)
		return nil
	})

	return g.Wait()
}

func (q *Queue) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := q.rdb.BZPopMin(ctx, popBlockTimeout, readyKey).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.L().Warn(ctx, "queue worker: pop failed")
			time.Sleep(time.Second)
			continue
		}

		jobID, ok := res.Member.(string)
		if !ok {
			continue
		}

		q.rdb.LPush(ctx, activeList, jobID)
		q.processJob(ctx, jobID)
		q.rdb.LRem(ctx, activeList, 1, jobID)
	}
}

func (q *Queue) getAttempt(ctx context.Context, jobID string) int {
	n, err := q.rdb.Get(ctx, attemptKey(jobID)).Int()
	if err != nil {
		return 0
	}
	return n
}

func (q *Queue) processJob(ctx context.Context, jobID string) {
	attempt := q.getAttempt(ctx, jobID)

	job, err := q.jobs.FindByID(ctx, jobID)
	if err != nil {
		logger.L().Warn(ctx, "queue worker: job lookup failed", logger.WithJobID(jobID))
		return
	}
	if job.State.Terminal() {
		// Cancelled (or otherwise resolved) while sitting in the ready set.
		return
	}

	// A retried job is still Running from its first attempt; only a first
	// attempt moves the job out of Queued.
	if attempt == 0 {
		if err := q.jobs.MarkStarted(ctx, jobID); err != nil {
			// Lost the race (already started or cancelled elsewhere); drop it.
			return
		}
	}

	result, runErr := q.pool.Execute(ctx, jobID, job.Code, job.Options)
	now := time.Now()

	if runErr != nil {
		if attempt+1 < maxAttempts {
			q.scheduleRetry(ctx, jobID, attempt+1)
			return
		}
		if err := q.jobs.MarkFailed(ctx, jobID, runErr.Error(), nil, string(apperr.KindExecution)); err != nil {
			logger.L().Warn(ctx, "queue worker: markFailed after exhausted retries failed", logger.WithJobID(jobID))
		}
		q.rdb.ZAdd(ctx, failedKey, redis.Z{Score: float64(now.UnixMilli()), Member: jobID})
		q.rdb.Del(ctx, attemptKey(jobID))
		return
	}

	switch {
	case result.TimedOut:
		if err := q.jobs.MarkTimeout(ctx, jobID, result.Stderr, result.ExecutionTimeMs); err != nil {
			logger.L().Warn(ctx, "queue worker: markTimeout failed", logger.WithJobID(jobID))
		}
		q.rdb.ZAdd(ctx, failedKey, redis.Z{Score: float64(now.UnixMilli()), Member: jobID})
	case result.Success:
		memBytes := int64(0)
		if result.MemoryBytes != nil {
			memBytes = *result.MemoryBytes
		}
		if err := q.jobs.MarkCompleted(ctx, jobID, result.Stdout, result.Stderr, result.ExitCode, result.ExecutionTimeMs, memBytes); err != nil {
			logger.L().Warn(ctx, "queue worker: markCompleted failed", logger.WithJobID(jobID))
		}
		q.rdb.ZAdd(ctx, completedKey, redis.Z{Score: float64(now.UnixMilli()), Member: jobID})
	default:
		exitCode := result.ExitCode
		if err := q.jobs.MarkFailed(ctx, jobID, result.Stderr, &exitCode, result.ExecSub); err != nil {
			logger.L().Warn(ctx, "queue worker: markFailed failed", logger.WithJobID(jobID))
		}
		q.rdb.ZAdd(ctx, failedKey, redis.Z{Score: float64(now.UnixMilli()), Member: jobID})
	}

	q.rdb.Del(ctx, attemptKey(jobID))
}

func (q *Queue) scheduleRetry(ctx context.Context, jobID string, attempt int) {
	backoff := backoffBase << uint(attempt-1)
	readyAt := time.Now().Add(backoff)

	if err := q.rdb.Set(ctx, attemptKey(jobID), attempt, time.Hour).Err(); err != nil {
		logger.L().Warn(ctx, "queue worker: recording retry attempt failed", logger.WithJobID(jobID))
	}
	if err := q.rdb.ZAdd(ctx, delayedKey, redis.Z{Score: float64(readyAt.UnixMilli()), Member: jobID}).Err(); err != nil {
		logger.L().Warn(ctx, "queue worker: scheduling retry failed", logger.WithJobID(jobID))
	}
}

func (q *Queue) delayedMoverLoop(ctx context.Context) {
	ticker := time.NewTicker(delayedSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.moveDueDelayed(ctx)
		}
	}
}

func (q *Queue) moveDueDelayed(ctx context.Context) {
	lock, err := q.locker.Obtain(ctx, delayedLockKey, delayedLockTTL, nil)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return // another dispatcher instance is sweeping this tick
		}
		logger.L().Warn(ctx, "delayed mover: failed to obtain lock")
		return
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			logger.L().Warn(ctx, "delayed mover: failed to release lock")
		}
	}()

	max := fmt.Sprintf("%f", float64(time.Now().UnixMilli()))
	members, err := q.rdb.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		logger.L().Warn(ctx, "delayed mover: range query failed")
		return
	}

	for _, jobID := range members {
		if err := q.rdb.ZRem(ctx, delayedKey, jobID).Err(); err != nil {
			continue
		}
		if err := q.enqueue(ctx, jobID, PriorityNormal, time.Now()); err != nil {
			logger.L().Warn(ctx, "delayed mover: re-enqueue failed", logger.WithJobID(jobID))
		}
	}
}

func derefStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func derefInt64(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
