// Package sandbox spawns the confined child process. Platform backends
// provide process-group signal control and rlimits on POSIX systems and
// job-object kill-on-close on Windows; the shared runner owns output
// capture, the timeout watchdog, and truthful capability reporting.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Spec describes one confined process. Env entries are pre-filtered
// "KEY=value" pairs in sorted order; the runner never consults the host
// environment.
type Spec struct {
	RequestID      string
	Command        string
	Argv           []string
	Dir            string
	Env            []string
	Timeout        time.Duration
	MaxOutputBytes int
	Limits         Limits
	Enforce        bool
}

// ProcessResult is the raw outcome of one spawn.
type ProcessResult struct {
	ExitCode        int
	Stdout          []byte
	Stderr          []byte
	StdoutTruncated bool
	StderrTruncated bool
	TimedOut        bool
	Cancelled       bool
	Duration        time.Duration
	Capabilities    CapabilityReport
}

// Exit codes follow the conventional sandbox mapping: 124 for watchdog
// kills, 127 when the command could not be exec'd, 128+signal for signaled
// children.
const (
	exitTimeout = 124
	exitSpawn   = 127
)

// Runner executes Specs. It is stateless and safe for concurrent use.
type Runner struct {
	log zerolog.Logger
}

// NewRunner creates a Runner.
func NewRunner() *Runner {
	return &Runner{log: log.With().Str("component", "sandbox").Logger()}
}

// Run spawns the process and waits for exit or watchdog kill. The only
// blocking point is the child wait, bounded by spec.Timeout; cancellation
// is the watchdog's hard kill of the whole process group, not cooperative.
func (r *Runner) Run(ctx context.Context, spec Spec) (*ProcessResult, error) {
	if spec.Command == "" {
		return nil, &ExecError{RequestID: spec.RequestID, Op: "validate", Err: fmt.Errorf("%w: empty command", ErrInvalidSpec)}
	}
	if spec.Timeout <= 0 {
		spec.Timeout = 5 * time.Second
	}
	if spec.MaxOutputBytes <= 0 {
		spec.MaxOutputBytes = 4096
	}

	logger := r.log.With().
		Str("request_id", spec.RequestID).
		Str("command", spec.Command).
		Logger()

	stdout := &limitedBuffer{max: spec.MaxOutputBytes}
	stderr := &limitedBuffer{max: spec.MaxOutputBytes}

	cmd := exec.Command(spec.Command, spec.Argv...) // #nosec G204 -- command comes from a policy-validated request
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	report := CapabilityReport{}
	report.enforce(CapWorkspaceConfinement) // cwd was confined by the enforcer before spawn
	setPlatformAttrs(cmd, &report)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return &ProcessResult{ExitCode: exitSpawn, Capabilities: report}, &ExecError{
			RequestID: spec.RequestID, Op: "spawn", Err: fmt.Errorf("%w: %v", ErrSpawn, err),
		}
	}

	postStart(cmd, spec, &report)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	watchdog := time.NewTimer(spec.Timeout)
	defer watchdog.Stop()

	result := &ProcessResult{Capabilities: report}
	select {
	case waitErr := <-done:
		result.ExitCode = exitStatus(cmd, waitErr)
	case <-watchdog.C:
		logger.Warn().Dur("timeout", spec.Timeout).Msg("watchdog expired, killing process group")
		killTree(cmd)
		<-done
		result.TimedOut = true
		result.ExitCode = exitTimeout
	case <-ctx.Done():
		logger.Warn().AnErr("cause", ctx.Err()).Msg("context done, killing process group")
		killTree(cmd)
		waitErr := <-done
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			result.TimedOut = true
			result.ExitCode = exitTimeout
		} else {
			// Plain cancellation is not a timeout. The killed child
			// reports its signal exit (128+signal) and the caller gets
			// a cancellation error, not a timeout label.
			result.Cancelled = true
			result.ExitCode = exitStatus(cmd, waitErr)
		}
	}

	result.Duration = time.Since(start)
	result.Stdout, result.StdoutTruncated = stdout.snapshot()
	result.Stderr, result.StderrTruncated = stderr.snapshot()
	result.Capabilities.normalize()

	logger.Info().
		Int("exit_code", result.ExitCode).
		Bool("timed_out", result.TimedOut).
		Dur("duration", result.Duration).
		Msg("process completed")

	if result.TimedOut {
		return result, &ExecError{RequestID: spec.RequestID, Op: "wait", Err: ErrTimeout}
	}
	if result.Cancelled {
		return result, &ExecError{RequestID: spec.RequestID, Op: "wait", Err: ErrCancelled}
	}
	return result, nil
}

// limitedBuffer caps captured output. Writes past the cap are counted as
// accepted (so the child never sees EPIPE) but dropped.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	room := b.max - b.buf.Len()
	if room <= 0 {
		if n > 0 {
			b.truncated = true
		}
		return n, nil
	}
	if n > room {
		b.truncated = true
		p = p[:room]
	}
	b.buf.Write(p)
	return n, nil
}

func (b *limitedBuffer) snapshot() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out, b.truncated
}
