package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/e2b-dev/collab-core/internal/apperr"
	"github.com/e2b-dev/collab-core/internal/domain"
)

// JobStore is the durable record of every job and its lifecycle (spec §4.3).
type JobStore struct {
	pool *pgxpool.Pool
}

// NewJobStore constructs a JobStore over an existing pool.
func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{pool: pool}
}

// Create persists a new job in the Queued state.
func (s *JobStore) Create(ctx context.Context, j *domain.Job) error {
	optsJSON, err := json.Marshal(j.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO compile_jobs (id, room_id, user_id, code, options, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		j.ID, j.RoomID, j.UserID, j.Code, optsJSON, j.State, j.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		j        domain.Job
		optsJSON []byte
	)

	err := row.Scan(
		&j.ID, &j.RoomID, &j.UserID, &j.Code, &optsJSON, &j.State, &j.CreatedAt,
		&j.StartedAt, &j.CompletedAt, &j.Stdout, &j.Stderr, &j.ExitCode,
		&j.ExecutionTimeMs, &j.MemoryBytes, &j.ErrorKind,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(optsJSON, &j.Options); err != nil {
		return nil, fmt.Errorf("unmarshal options: %w", err)
	}

	return &j, nil
}

const jobColumns = `id, room_id, user_id, code, options, state, created_at,
	started_at, completed_at, stdout, stderr, exit_code, execution_time_ms,
	memory_bytes, error_kind`

// FindByID returns a job by id, or apperr.KindNotFound.
func (s *JobStore) FindByID(ctx context.Context, id string) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM compile_jobs WHERE id = $1`, id)

	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "job not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scanning job: %w", err)
	}
	return j, nil
}

// FindByUser returns the most recent jobs for a user, newest first.
func (s *JobStore) FindByUser(ctx context.Context, userID string, limit int) ([]*domain.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM compile_jobs
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying jobs by user: %w", err)
	}
	defer rows.Close()

	var out []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// FindRunningJobs returns every job currently in the Running state, used by
// the Background Supervisor to detect stuck executions.
func (s *JobStore) FindRunningJobs(ctx context.Context) ([]*domain.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM compile_jobs WHERE state = $1`, domain.JobRunning)
	if err != nil {
		return nil, fmt.Errorf("querying running jobs: %w", err)
	}
	defer rows.Close()

	var out []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// MarkStarted transitions a job from Queued to Running.
func (s *JobStore) MarkStarted(ctx context.Context, id string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `UPDATE compile_jobs SET state = $1, started_at = $2
		WHERE id = $3 AND state = $4`, domain.JobRunning, now, id, domain.JobQueued)
	if err != nil {
		return fmt.Errorf("marking job started: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.KindConflict, "job is not in Queued state")
	}
	return nil
}

// terminalUpdate writes a terminal state, guarded by `WHERE state IN
// (Queued, Running)` so that a terminal state is write-once at the SQL
// layer — not merely by application-level discipline (spec §8 invariant:
// "a Job in a terminal state never transitions again").
func (s *JobStore) terminalUpdate(ctx context.Context, id string, state domain.JobState,
	stdout, stderr *string, exitCode *int, execMs, memBytes *int64, errorKind *string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE compile_jobs SET state = $1, completed_at = $2, stdout = $3, stderr = $4,
			exit_code = $5, execution_time_ms = $6, memory_bytes = $7, error_kind = $8
		WHERE id = $9 AND state IN ($10, $11)`,
		state, now, stdout, stderr, exitCode, execMs, memBytes, errorKind,
		id, domain.JobQueued, domain.JobRunning)
	if err != nil {
		return fmt.Errorf("terminal update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either already terminal (race lost) or unknown id; the caller's
		// writer is not authoritative in that case (spec §4.3 cancellation note).
		return apperr.New(apperr.KindConflict, "job already terminal")
	}
	return nil
}

// MarkCompleted records a successful execution outcome.
func (s *JobStore) MarkCompleted(ctx context.Context, id, stdout, stderr string, exitCode int, execMs, memBytes int64) error {
	return s.terminalUpdate(ctx, id, domain.JobCompleted, &stdout, &stderr, &exitCode, &execMs, &memBytes, nil)
}

// MarkFailed records a failed execution outcome.
func (s *JobStore) MarkFailed(ctx context.Context, id, stderr string, exitCode *int, errorKind string) error {
	return s.terminalUpdate(ctx, id, domain.JobFailed, nil, &stderr, exitCode, nil, nil, &errorKind)
}

// MarkTimeout records a watchdog-enforced timeout.
func (s *JobStore) MarkTimeout(ctx context.Context, id, partialStderr string, execMs int64) error {
	kind := string(apperr.ExecTimeout)
	return s.terminalUpdate(ctx, id, domain.JobTimeout, nil, &partialStderr, nil, &execMs, nil, &kind)
}

// Cancel transitions a job to Cancelled, permitted only from Queued or
// Running. Returns false (no error) if the job was not cancellable.
func (s *JobStore) Cancel(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `UPDATE compile_jobs SET state = $1, completed_at = $2
		WHERE id = $3 AND state IN ($4, $5)`,
		domain.JobCancelled, now, id, domain.JobQueued, domain.JobRunning)
	if err != nil {
		return false, fmt.Errorf("cancelling job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteOlderThan purges terminal-state job rows older than the given age.
func (s *JobStore) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM compile_jobs
		WHERE state IN ($1, $2, $3, $4) AND completed_at < now() - ($5 || ' days')::interval`,
		domain.JobCompleted, domain.JobFailed, domain.JobTimeout, domain.JobCancelled, days)
	if err != nil {
		return 0, fmt.Errorf("deleting old jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountRecentByUser counts jobs created by userID within the trailing
// window, backing the per-user rate-limit admission check (spec §4.4 step 2).
func (s *JobStore) CountRecentByUser(ctx context.Context, userID string, window time.Duration) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM compile_jobs
		WHERE user_id = $1 AND created_at > now() - $2::interval`,
		userID, fmt.Sprintf("%d milliseconds", window.Milliseconds())).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting recent jobs: %w", err)
	}
	return n, nil
}

// CountWaitingAndActive counts jobs in Queued or Running state, backing
// the global queue-saturation admission check (spec §4.4 step 1).
func (s *JobStore) CountWaitingAndActive(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM compile_jobs WHERE state IN ($1, $2)`,
		domain.JobQueued, domain.JobRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting waiting/active jobs: %w", err)
	}
	return n, nil
}

// NewJobID returns a fresh opaque job identifier.
func NewJobID() string { return uuid.NewString() }

// IsTerminal reports whether id has already reached a terminal state,
// treating an unknown id as terminal (nothing left to reap). Satisfies
// sandbox.JobTerminalChecker for the Container Pool Manager's reaper.
func (s *JobStore) IsTerminal(ctx context.Context, id string) (bool, error) {
	job, err := s.FindByID(ctx, id)
	if err != nil {
		if ae, ok := apperr.As(err); ok && ae.Kind == apperr.KindNotFound {
			return true, nil
		}
		return false, err
	}
	return job.State.Terminal(), nil
}
