// Package sandbox runs generated projects under a hard wall-clock budget
// with bounded log capture. A non-zero exit or a timeout is a normal
// result; only a failure to launch the process at all is an error.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"devgen/internal/domain"
)

// TimeoutExitCode is the sentinel exit code reported when a run was killed
// at the timeout and no real process exit code exists.
const TimeoutExitCode = -1

// pipeWaitGrace bounds how long Wait may keep draining output after the
// deadline kill. A child that detached into its own session survives the
// group kill and holds the pipes open; the contract is to return within
// the budget, not to wait that child out.
const pipeWaitGrace = time.Second

// Spec describes one execution request.
type Spec struct {
	ProjectID string
	Dir       string
	Command   string
	Timeout   time.Duration
	Env       map[string]string
}

// Executor runs commands in per-call isolated scopes. The zero value is
// not usable; use New.
type Executor struct {
	maxLogBytes int
	logger      *slog.Logger
	now         func() time.Time
}

func New(maxLogBytes int, logger *slog.Logger) *Executor {
	if maxLogBytes <= 0 {
		maxLogBytes = 64 * 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		maxLogBytes: maxLogBytes,
		logger:      logger.With("component", "sandbox"),
		now:         time.Now,
	}
}

// Execute runs spec.Command via `sh -c` in spec.Dir. The child gets its own
// process group so the whole tree can be killed at the deadline, and Wait
// abandons the output pipes after a short grace so even a process that
// escaped the group kill cannot hold Execute past the budget. The returned
// error is non-nil only for infrastructure faults (launch failure); run
// outcome lives in the ExecutionResult.
func (e *Executor) Execute(ctx context.Context, spec Spec) (domain.ExecutionResult, error) {
	if spec.Command == "" {
		return domain.ExecutionResult{}, errors.New("sandbox: command is empty")
	}
	if spec.Timeout <= 0 {
		return domain.ExecutionResult{}, errors.New("sandbox: timeout must be positive")
	}

	runCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", spec.Command)
	cmd.Dir = spec.Dir
	cmd.Env = buildEnv(spec.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// The deadline kill targets the whole group, not just sh.
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = pipeWaitGrace

	sink := newBoundedBuffer(e.maxLogBytes)
	cmd.Stdout = sink
	cmd.Stderr = sink

	start := e.now()
	if err := cmd.Start(); err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("sandbox: launch %q: %w", spec.Command, err)
	}
	waitErr := cmd.Wait()

	result := domain.ExecutionResult{
		ProjectID: spec.ProjectID,
		Command:   spec.Command,
	}
	if runCtx.Err() != nil {
		result.TimedOut = true
		result.ExitCode = TimeoutExitCode
	} else {
		result.ExitCode = exitCode(cmd, waitErr)
	}

	result.DurationMS = e.now().Sub(start).Milliseconds()
	result.Logs, result.Truncated = sink.Contents()
	result.CreatedAt = e.now().UTC().Format(time.RFC3339)

	e.logger.Info("execution finished",
		"project_id", spec.ProjectID,
		"exit_code", result.ExitCode,
		"timed_out", result.TimedOut,
		"duration_ms", result.DurationMS,
		"truncated", result.Truncated)
	return result, nil
}

func exitCode(cmd *exec.Cmd, err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	// Wait gave up on the pipes but the process itself finished.
	if errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return TimeoutExitCode
}

func buildEnv(extra map[string]string) []string {
	env := []string{"PATH=" + os.Getenv("PATH"), "HOME=" + os.Getenv("HOME")}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// boundedBuffer keeps at most max bytes of combined output. Writes past
// the cap are counted but dropped, so a chatty run cannot exhaust memory.
type boundedBuffer struct {
	mu      sync.Mutex
	buf     []byte
	max     int
	dropped bool
}

func newBoundedBuffer(max int) *boundedBuffer {
	return &boundedBuffer{max: max}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.max - len(b.buf)
	if room <= 0 {
		b.dropped = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.dropped = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Contents returns the captured output and whether any of it was dropped.
func (b *boundedBuffer) Contents() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf), b.dropped
}
