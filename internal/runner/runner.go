// Package runner executes one CommandSpec as an external process and reports
// its exit status and captured output.
//
// Termination handling follows a fixed escalation: when the context is
// cancelled or the stage timeout expires the process receives SIGTERM, and
// SIGKILL after the grace period if it is still running.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/mattjoyce/simrig/internal/log"
	"github.com/mattjoyce/simrig/internal/sim"
)

const (
	// MaxStderrBytes caps the amount of stderr kept from one process.
	MaxStderrBytes = 64 * 1024

	// DefaultGrace is the wait after SIGTERM before sending SIGKILL.
	DefaultGrace = 5 * time.Second

	// SpawnFailedExitCode is reported when the tool could not be started.
	SpawnFailedExitCode = 127

	// TerminatedExitCode is reported when the tool was stopped by simrig.
	TerminatedExitCode = 143
)

//go:generate mockgen -destination=mocks/mock_runner.go -package=mocks github.com/mattjoyce/simrig/internal/runner Runner

// Runner executes a single external process.
type Runner interface {
	Run(ctx context.Context, spec sim.CommandSpec) Result
}

// Result is the outcome of one process.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	// Err is set when the process could not be started or was terminated.
	Err      error
	Duration time.Duration
}

// Options configures an exec-backed Runner.
type Options struct {
	// Timeout bounds one process. Zero means no limit.
	Timeout time.Duration
	// Grace is the wait between SIGTERM and SIGKILL.
	Grace time.Duration
	// Stdout and Stderr, when set, receive a live copy of the tool output.
	Stdout io.Writer
	Stderr io.Writer
}

// ExecRunner runs tools with os/exec.
type ExecRunner struct {
	opts   Options
	logger *slog.Logger
}

var _ Runner = (*ExecRunner)(nil)

// New creates an ExecRunner.
func New(opts Options) *ExecRunner {
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	return &ExecRunner{
		opts:   opts,
		logger: log.WithComponent("runner"),
	}
}

// Run starts spec.Argv in spec.Dir and waits for it. Non-zero exits are
// reported through Result.ExitCode, never as Err.
func (r *ExecRunner) Run(ctx context.Context, spec sim.CommandSpec) Result {
	start := time.Now()
	logger := r.logger.With("stage", spec.Stage)

	if len(spec.Argv) == 0 || spec.Argv[0] == "" {
		return Result{
			ExitCode: SpawnFailedExitCode,
			Err:      fmt.Errorf("stage %q has an empty command", spec.Stage),
		}
	}
	if err := ctx.Err(); err != nil {
		return Result{ExitCode: TerminatedExitCode, Err: err}
	}

	// Don't use CommandContext - termination is escalated below.
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir

	var stdout bytes.Buffer
	stderr := &limitedBuffer{max: MaxStderrBytes}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	if r.opts.Stdout != nil {
		cmd.Stdout = io.MultiWriter(&stdout, r.opts.Stdout)
	}
	if r.opts.Stderr != nil {
		cmd.Stderr = io.MultiWriter(stderr, r.opts.Stderr)
	}

	logger.Debug("spawning tool", "argv", spec.Argv, "dir", spec.Dir)

	if err := cmd.Start(); err != nil {
		logger.Error("failed to start tool", "error", err)
		return Result{
			ExitCode: SpawnFailedExitCode,
			Stderr:   err.Error(),
			Err:      fmt.Errorf("start %s: %w", spec.Argv[0], err),
			Duration: time.Since(start),
		}
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var timeout <-chan time.Time
	if r.opts.Timeout > 0 {
		timer := time.NewTimer(r.opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var stopErr error
	var err error
	select {
	case err = <-waitErr:
	case <-ctx.Done():
		stopErr = ctx.Err()
		err = r.terminate(cmd, waitErr, logger)
	case <-timeout:
		stopErr = context.DeadlineExceeded
		logger.Warn("tool execution timed out", "timeout", r.opts.Timeout)
		err = r.terminate(cmd, waitErr, logger)
	}

	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if stopErr != nil {
		res.ExitCode = TerminatedExitCode
		res.Err = fmt.Errorf("stage %q terminated: %w", spec.Stage, stopErr)
		return res
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			res.ExitCode = SpawnFailedExitCode
			res.Err = fmt.Errorf("wait for %s: %w", spec.Argv[0], err)
			return res
		}
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode < 0 {
			res.ExitCode = TerminatedExitCode
		}
		logger.Debug("tool exited with non-zero status", "exit_code", res.ExitCode)
	}

	return res
}

// terminate sends SIGTERM, then SIGKILL once the grace period expires.
func (r *ExecRunner) terminate(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) error {
	logger.Warn("stopping tool, sending SIGTERM")
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(r.opts.Grace)
	defer grace.Stop()

	select {
	case err := <-waitErr:
		logger.Info("tool exited after SIGTERM")
		return err
	case <-grace.C:
		logger.Warn("tool did not exit after SIGTERM, sending SIGKILL")
		if err := cmd.Process.Kill(); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		return <-waitErr
	}
}

// limitedBuffer keeps the first max bytes written and discards the rest.
type limitedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n... (truncated)"
	}
	return b.buf.String()
}
