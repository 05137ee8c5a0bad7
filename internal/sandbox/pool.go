package sandbox

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/e2b-dev/collab-core/internal/apperr"
	"github.com/e2b-dev/collab-core/internal/domain"
	"github.com/e2b-dev/collab-core/internal/logger"
)

// EventKind enumerates the lifecycle events the Pool Manager publishes.
type EventKind string

const (
	EventQueued    EventKind = "queued"
	EventStarted   EventKind = "started"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventStopped   EventKind = "stopped"
)

// Event is a single lifecycle notification for a job's run.
type Event struct {
	JobID string
	Kind  EventKind
	At    time.Time
}

const (
	ringBufferSize  = 60
	reapInterval    = 60 * time.Second
	reapRecordAfter = time.Hour
)

// sample is one point in a run's metrics ring buffer.
type sample struct {
	at        time.Time
	elapsedMs int64
}

// run is the live-registry entry for one in-flight or recently-finished
// sandbox execution.
type run struct {
	jobID      string
	cancel     context.CancelFunc
	startedAt  time.Time
	finishedAt time.Time
	terminal   bool
	samples    []sample // bounded ring, last ringBufferSize entries
}

func (r *run) record(s sample) {
	r.samples = append(r.samples, s)
	if len(r.samples) > ringBufferSize {
		r.samples = r.samples[len(r.samples)-ringBufferSize:]
	}
}

// JobTerminalChecker reports whether a job has already reached a terminal
// state in the Job Store, used by the reaper to kill sandboxes whose
// controlling job is already done (spec §4.2).
type JobTerminalChecker interface {
	IsTerminal(ctx context.Context, jobID string) (bool, error)
}

// Pool is the Container Pool Manager (spec §4.2). It bounds global
// concurrency of Sandbox Runner invocations, tracks every live run, and
// publishes lifecycle events for observers (the WebSocket layer, metrics).
//
// Generalizes the teacher's per-team sandbox reservation map
// (internal/sandbox/reservations) into a single global admission gate, and
// its evictor polling-sweep pattern into the periodic reaper below.
type Pool struct {
	runner       *Runner
	sem          *semaphore.Weighted
	maxConcurrent int64

	mu   sync.Mutex
	runs map[string]*run

	events chan Event

	checker JobTerminalChecker

	stop chan struct{}
	wg   sync.WaitGroup
	shuttingDown bool
}

// NewPool constructs a Pool bounding concurrent runs to maxConcurrent.
func NewPool(runner *Runner, maxConcurrent int, checker JobTerminalChecker) *Pool {
	return &Pool{
		runner:        runner,
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		maxConcurrent: int64(maxConcurrent),
		runs:          make(map[string]*run),
		events:        make(chan Event, 256),
		checker:       checker,
		stop:          make(chan struct{}),
	}
}

// Events returns the lifecycle event stream. Callers should drain it
// continuously; it is buffered but not unbounded.
func (p *Pool) Events() <-chan Event {
	return p.events
}

func (p *Pool) publish(jobID string, kind EventKind) {
	select {
	case p.events <- Event{JobID: jobID, Kind: kind, At: time.Now()}:
	default:
		logger.L().Warn(context.Background(), "pool event channel full, dropping event",
			logger.WithJobID(jobID))
	}
}

// Execute admits and runs one job's sandbox. It fails fast with
// apperr.KindQueueFull ("CapacityExceeded") if the pool is at
// maxConcurrent or is shutting down, without blocking on the semaphore.
func (p *Pool) Execute(ctx context.Context, jobID, source string, profile domain.Options) (Result, error) {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return Result{}, apperr.New(apperr.KindQueueFull, "pool is shutting down")
	}
	p.mu.Unlock()

	if !p.sem.TryAcquire(1) {
		return Result{}, apperr.New(apperr.KindQueueFull, "CapacityExceeded")
	}
	defer p.sem.Release(1)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &run{jobID: jobID, cancel: cancel, startedAt: time.Now()}
	p.mu.Lock()
	p.runs[jobID] = r
	p.mu.Unlock()

	p.publish(jobID, EventStarted)

	start := time.Now()
	res, err := p.runner.Run(runCtx, jobID, source, profile)
	elapsed := time.Since(start).Milliseconds()

	p.mu.Lock()
	r.record(sample{at: time.Now(), elapsedMs: elapsed})
	r.finishedAt = time.Now()
	r.terminal = true
	p.mu.Unlock()

	if err != nil || !res.Success {
		p.publish(jobID, EventFailed)
	} else {
		p.publish(jobID, EventCompleted)
	}

	return res, err
}

// LiveRunCount returns the number of runs currently admitted.
func (p *Pool) LiveRunCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, r := range p.runs {
		if !r.terminal {
			n++
		}
	}
	return n
}

// Samples returns a copy of the metrics ring buffer for jobID, or nil if
// the job has no registry entry.
func (p *Pool) Samples(jobID string) []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.runs[jobID]
	if !ok {
		return nil
	}
	out := make([]int64, len(r.samples))
	for i, s := range r.samples {
		out[i] = s.elapsedMs
	}
	return out
}

// StartReaper launches the periodic reaper goroutine (spec §4.2: every 60s,
// remove completed-job records older than 1h and kill sandboxes whose
// controlling job has already terminated).
func (p *Pool) StartReaper(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(reapInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case <-ticker.C:
				p.reapOnce(ctx)
			}
		}
	}()
}

func (p *Pool) reapOnce(ctx context.Context) {
	cutoff := time.Now().Add(-reapRecordAfter)

	p.mu.Lock()
	var staleTerminal []string
	var liveToVerify []*run
	for id, r := range p.runs {
		if r.terminal && r.finishedAt.Before(cutoff) {
			staleTerminal = append(staleTerminal, id)
		} else if !r.terminal {
			liveToVerify = append(liveToVerify, r)
		}
	}
	for _, id := range staleTerminal {
		delete(p.runs, id)
	}
	p.mu.Unlock()

	if p.checker == nil {
		return
	}
	for _, r := range liveToVerify {
		terminal, err := p.checker.IsTerminal(ctx, r.jobID)
		if err != nil {
			logger.L().Warn(ctx, "reaper: job terminal check failed", logger.WithJobID(r.jobID))
			continue
		}
		if terminal {
			r.cancel()
			p.publish(r.jobID, EventStopped)
		}
	}
}

// Shutdown refuses new runs, signals every live run to stop, then waits
// for the reaper goroutine to exit (spec §4.2 graceful-shutdown sequence).
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.shuttingDown = true
	var live []*run
	for _, r := range p.runs {
		if !r.terminal {
			live = append(live, r)
		}
	}
	p.mu.Unlock()

	for _, r := range live {
		r.cancel()
		p.publish(r.jobID, EventStopped)
	}

	close(p.stop)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}
