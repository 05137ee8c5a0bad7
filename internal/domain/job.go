package domain

import (
	"regexp"
	"time"

	"github.com/e2b-dev/collab-core/internal/apperr"
)

// JobState is the Job state machine from spec §4.3.
type JobState string

const (
	JobQueued    JobState = "Queued"
	JobRunning   JobState = "Running"
	JobCompleted JobState = "Completed"
	JobFailed    JobState = "Failed"
	JobTimeout   JobState = "Timeout"
	JobCancelled JobState = "Cancelled"
)

// Terminal reports whether s is a sink state from which no further
// transition is permitted.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobTimeout, JobCancelled:
		return true
	default:
		return false
	}
}

// Options is the always-fully-populated effective option set for a job
// (spec §9: "the spec mandates always-populated effective options after
// admission").
type Options struct {
	MemoryLimit       string   `json:"memoryLimit"`
	CPULimit          float64  `json:"cpuLimit"`
	WallTimeoutMs     int      `json:"wallTimeoutMs"`
	ProcessCountLimit int      `json:"processCountLimit"`
	CompilerFlags     []string `json:"compilerFlags"`
}

// PartialOptions is the caller-supplied, possibly-sparse subset of Options
// accepted on submission (spec §9: dynamic/duck-typed payload becomes a
// tagged record with explicit field validation).
type PartialOptions struct {
	MemoryLimit       *string   `json:"memoryLimit,omitempty"`
	CPULimit          *float64  `json:"cpuLimit,omitempty"`
	WallTimeoutMs     *int      `json:"wallTimeoutMs,omitempty"`
	ProcessCountLimit *int      `json:"processCountLimit,omitempty"`
	CompilerFlags     []string  `json:"compilerFlags,omitempty"`
}

// DefaultOptions returns the defaults named in spec §4.4's admission policy.
func DefaultOptions() Options {
	return Options{
		MemoryLimit:       "128m",
		CPULimit:          0.5,
		WallTimeoutMs:     30000,
		ProcessCountLimit: 32,
		CompilerFlags:     []string{"-std=c++17", "-Wall", "-Wextra"},
	}
}

var memoryPattern = regexp.MustCompile(`^\d+[kmg]?$`)

// MergeAndValidate merges a PartialOptions over defaults, clamps to the
// global limits, and validates every field per spec §4.4.
func MergeAndValidate(partial PartialOptions, maxWallTimeoutMs int) (Options, error) {
	opts := DefaultOptions()

	if partial.MemoryLimit != nil {
		opts.MemoryLimit = *partial.MemoryLimit
	}
	if partial.CPULimit != nil {
		opts.CPULimit = *partial.CPULimit
	}
	if partial.WallTimeoutMs != nil {
		opts.WallTimeoutMs = *partial.WallTimeoutMs
	}
	if partial.ProcessCountLimit != nil {
		opts.ProcessCountLimit = *partial.ProcessCountLimit
	}
	if partial.CompilerFlags != nil {
		opts.CompilerFlags = partial.CompilerFlags
	}

	if opts.WallTimeoutMs > maxWallTimeoutMs {
		opts.WallTimeoutMs = maxWallTimeoutMs
	}

	if opts.WallTimeoutMs < 1000 || opts.WallTimeoutMs > 60000 {
		return Options{}, apperr.New(apperr.KindValidation, "wallTimeoutMs must be within [1000, 60000]")
	}
	if !memoryPattern.MatchString(opts.MemoryLimit) {
		return Options{}, apperr.New(apperr.KindValidation, "memoryLimit must match ^\\d+[kmg]?$")
	}
	if opts.CPULimit <= 0 || opts.CPULimit > 4 {
		return Options{}, apperr.New(apperr.KindValidation, "cpuLimit must be within (0, 4]")
	}
	if opts.ProcessCountLimit < 1 || opts.ProcessCountLimit > 1024 {
		return Options{}, apperr.New(apperr.KindValidation, "processCountLimit must be within [1, 1024]")
	}

	return opts, nil
}

const MaxCodeBytes = 100 * 1024

// ValidateCode enforces the 100KB source-size cap (spec §3 "Job" invariant).
func ValidateCode(code string) error {
	if len(code) == 0 {
		return apperr.New(apperr.KindValidation, "code must not be empty")
	}
	if len(code) > MaxCodeBytes {
		return apperr.New(apperr.KindValidation, "code exceeds 100KB limit")
	}
	return nil
}

// Result is the execution outcome of a job (spec §4.1 "Output").
type Result struct {
	Success         bool
	Stdout          string
	Stderr          string
	ExitCode        int
	ExecutionTimeMs int64
	MemoryBytes     *int64
	TimedOut        bool
	Error           *string
	ExecSub         string
}

// Job is one row per compilation/execution submission (spec §3 "Job").
type Job struct {
	ID              string
	RoomID          string
	UserID          string
	Code            string
	Options         Options
	State           JobState
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	Stdout          *string
	Stderr          *string
	ExitCode        *int
	ExecutionTimeMs *int64
	MemoryBytes     *int64
	ErrorKind       *string
}
