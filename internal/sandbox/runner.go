// Package sandbox implements the Sandbox Runner and Container Pool Manager
// (spec §4.1, §4.2). Isolation is built on the Docker Engine API client
// (github.com/docker/docker), present in the teacher's own dependency tree
// (pulled transitively for container-based integration testing) and
// adopted here directly because it is exactly the isolation primitive the
// spec's Sandbox Runner needs: a throwaway, resource-capped, single-use
// execution environment.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/e2b-dev/collab-core/internal/apperr"
	"github.com/e2b-dev/collab-core/internal/domain"
)

// nonRootUID is the uid the sandboxed process runs as (spec §4.1: "executes
// as a non-privileged user id").
const nonRootUID = "65534:65534" // nobody:nogroup

// Result is the Sandbox Runner's execution outcome (spec §4.1 "Output").
type Result = domain.Result

// Runner prepares, runs and tears down single-use sandboxes.
type Runner struct {
	docker    *client.Client
	image     string
	scratchDir string
}

// NewRunner constructs a Runner against the local Docker Engine, pinned to
// the compiler image named by cfg.SandboxImage.
func NewRunner(image, scratchDir string) (*Runner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "constructing docker client")
	}
	if scratchDir == "" {
		scratchDir = os.TempDir()
	}
	return &Runner{docker: cli, image: image, scratchDir: scratchDir}, nil
}

// Close releases the underlying Docker client connection.
func (r *Runner) Close() error {
	return r.docker.Close()
}

// parseMemoryLimit parses a size string like "128m" into bytes (spec §4.4
// memory pattern ^\d+[kmg]?$).
func parseMemoryLimit(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty memory limit")
	}
	mult := int64(1)
	numPart := s
	switch s[len(s)-1] {
	case 'k', 'K':
		mult = 1024
		numPart = s[:len(s)-1]
	case 'm', 'M':
		mult = 1024 * 1024
		numPart = s[:len(s)-1]
	case 'g', 'G':
		mult = 1024 * 1024 * 1024
		numPart = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(numPart, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing memory limit %q", s)
	}
	return n * mult, nil
}

// Run materializes source into a scratch workspace, launches a sandbox
// bound to it in read-only mode, runs compile-then-execute as a single
// command bounded by wallTimeoutMs, and unconditionally tears the sandbox
// and workspace down on every exit path (spec §4.1 algorithm).
func (r *Runner) Run(ctx context.Context, jobID string, source string, profile domain.Options) (Result, error) {
	workDir, err := r.materializeWorkspace(jobID, source)
	if err != nil {
		return Result{Success: false, Error: strPtr(err.Error())}, nil
	}
	defer os.RemoveAll(workDir)

	memBytes, err := parseMemoryLimit(profile.MemoryLimit)
	if err != nil {
		return Result{Success: false, Error: strPtr(err.Error())}, nil
	}
	nanoCPUs := int64(profile.CPULimit * 1e9)

	containerName := "sandbox-" + jobID + "-" + uuid.NewString()[:8]

	resp, err := r.docker.ContainerCreate(ctx,
		&container.Config{
			Image:           r.image,
			Cmd:             []string{"/bin/sh", "/workspace/run.sh"},
			Env:             []string{"COMPILER_FLAGS=" + strings.Join(profile.CompilerFlags, " ")},
			WorkingDir:      "/workspace",
			User:            nonRootUID,
			Tty:             false,
			NetworkDisabled: true,
		},
		&container.HostConfig{
			NetworkMode:    "none",
			ReadonlyRootfs: true,
			Mounts: []mount.Mount{
				{
					Type:     mount.TypeBind,
					Source:   workDir,
					Target:   "/workspace",
					ReadOnly: true, // the build output goes to the /tmp tmpfs
				},
			},
			Tmpfs: map[string]string{
				"/tmp": "size=16m,exec", // holds the compiled binary, so not noexec
			},
			CapDrop:        []string{"ALL"},
			SecurityOpt:    []string{"no-new-privileges"},
			AutoRemove:     false, // removed explicitly below so we can read stats/logs first
			PidsLimit:      int64Ptr(int64(profile.ProcessCountLimit)),
			Resources: container.Resources{
				Memory:   memBytes,
				NanoCPUs: nanoCPUs,
			},
		},
		nil, nil, containerName,
	)
	if err != nil {
		return Result{Success: false, Error: strPtr("sandbox setup failed: " + err.Error())}, nil
	}

	defer func() {
		_ = r.docker.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
	}()

	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(profile.WallTimeoutMs)*time.Millisecond)
	defer cancel()

	if err := r.docker.ContainerStart(runCtx, resp.ID, container.StartOptions{}); err != nil {
		return Result{Success: false, Error: strPtr("sandbox launch failed: " + err.Error())}, nil
	}

	statusCh, errCh := r.docker.ContainerWait(runCtx, resp.ID, container.WaitConditionNotRunning)

	var (
		exitCode int64
		timedOut bool
		waitErr  error
	)
	select {
	case <-runCtx.Done():
		timedOut = true
		_ = r.docker.ContainerKill(context.Background(), resp.ID, "SIGKILL")
		// Best-effort drain; ignore result once we've declared a timeout.
		// With runCtx already done, ContainerWait reports on errCh.
		select {
		case <-statusCh:
		case <-errCh:
		}
	case err := <-errCh:
		waitErr = err
	case status := <-statusCh:
		exitCode = status.StatusCode
	}

	elapsed := time.Since(start).Milliseconds()

	stdout, stderr := r.collectLogs(context.Background(), resp.ID)
	memHighWater := r.collectMemoryHighWater(context.Background(), resp.ID)

	if waitErr != nil {
		return Result{
			Success: false, Stdout: stdout, Stderr: stderr,
			ExecutionTimeMs: elapsed, Error: strPtr(waitErr.Error()),
		}, nil
	}

	if timedOut {
		return Result{
			Success: false, Stdout: stdout, Stderr: stderr,
			ExecutionTimeMs: elapsed, TimedOut: true, MemoryBytes: memHighWater,
			ExecSub: string(apperr.ExecTimeout),
		}, nil
	}

	res := Result{
		Success:         exitCode == 0,
		Stdout:          strings.TrimRight(stdout, " \t\r\n"),
		Stderr:          strings.TrimRight(stderr, " \t\r\n"),
		ExitCode:        int(exitCode),
		ExecutionTimeMs: elapsed,
		MemoryBytes:     memHighWater,
	}
	if !res.Success {
		res.ExecSub = classifyFailure(int(exitCode), res.Stderr)
	}
	return res, nil
}

// classifyFailure applies the supplemented ExecutionError sub-kind
// classification (SPEC_FULL.md "Supplemented features").
func classifyFailure(exitCode int, stderr string) string {
	lower := strings.ToLower(stderr)
	switch {
	case exitCode == 137: // SIGKILL, commonly an OOM kill under cgroup limits
		return string(apperr.ExecMemoryLimit)
	case strings.Contains(lower, "error:") && strings.Contains(lower, ".cpp"):
		return string(apperr.ExecCompilationError)
	case exitCode != 0:
		return string(apperr.ExecRuntimeError)
	default:
		return string(apperr.ExecSystemError)
	}
}

// materializeWorkspace writes source and a compile-then-run shim script
// into a uniquely named scratch directory (spec §4.1 algorithm step 1).
func (r *Runner) materializeWorkspace(jobID, source string) (string, error) {
	dir, err := os.MkdirTemp(r.scratchDir, "sbx-"+jobID+"-")
	if err != nil {
		return "", errors.Wrap(err, "creating scratch workspace")
	}

	if err := os.WriteFile(filepath.Join(dir, "main.cpp"), []byte(source), 0o444); err != nil {
		os.RemoveAll(dir)
		return "", errors.Wrap(err, "writing source")
	}

	script := "#!/bin/sh\nset -e\ng++ -o /tmp/a.out main.cpp $COMPILER_FLAGS\n/tmp/a.out\n"
	if err := os.WriteFile(filepath.Join(dir, "run.sh"), []byte(script), 0o555); err != nil {
		os.RemoveAll(dir)
		return "", errors.Wrap(err, "writing run script")
	}

	return dir, nil
}

func (r *Runner) collectLogs(ctx context.Context, containerID string) (stdout, stderr string) {
	reader, err := r.docker.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", ""
	}
	defer reader.Close()

	var outBuf, errBuf bytes.Buffer
	_, _ = stdcopy.StdCopy(&outBuf, &errBuf, io.LimitReader(reader, 4<<20))
	return outBuf.String(), errBuf.String()
}

func (r *Runner) collectMemoryHighWater(ctx context.Context, containerID string) *int64 {
	stats, err := r.docker.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return nil
	}
	defer stats.Body.Close()

	var v struct {
		MemoryStats struct {
			MaxUsage uint64 `json:"max_usage"`
			Usage    uint64 `json:"usage"`
		} `json:"memory_stats"`
	}
	if err := json.NewDecoder(stats.Body).Decode(&v); err != nil {
		return nil
	}
	hw := v.MemoryStats.MaxUsage
	if hw == 0 {
		hw = v.MemoryStats.Usage
	}
	if hw == 0 {
		return nil
	}
	out := int64(hw)
	return &out
}

func strPtr(s string) *string { return &s }
func int64Ptr(v int64) *int64 { return &v }
