package dispatch

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"agentbridge/internal/config"
	"agentbridge/internal/logging"
)

// SessionSpec bounds one non-interactive coding session.
type SessionSpec struct {
	Prompt   string
	Model    string
	MaxTurns int
	Timeout  time.Duration
	Dir      string
}

// SessionOutput is the raw captured run, before classification.
type SessionOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	StartErr error // set when the command never ran at all
	Duration time.Duration
}

// SessionRunner spawns the agent command in print mode: prompt on stdin,
// transcript on stdout, one run per invocation.
type SessionRunner struct {
	command string
}

// NewSessionRunner builds a runner around the configured agent command.
func NewSessionRunner(cfg config.AgentConfig) *SessionRunner {
	return &SessionRunner{command: cfg.Command}
}

// Run executes one bounded session. The context deadline is the hard
// wall-clock limit; on expiry the subprocess is killed and TimedOut set.
func (r *SessionRunner) Run(ctx context.Context, spec SessionSpec) SessionOutput {
	args := []string{"-p", "--permission-mode", "bypassPermissions"}
	if spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}
	if spec.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(spec.MaxTurns))
	}

	sctx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	cmd := exec.CommandContext(sctx, r.command, args...)
	cmd.Dir = spec.Dir
	cmd.Stdin = strings.NewReader(spec.Prompt)
	// Orphaned grandchildren can hold the output pipes open after the kill;
	// WaitDelay caps how long that can stall Wait.
	cmd.WaitDelay = 10 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logging.DispatchDebug("session starting: %s %s in %s (timeout %s)", r.command, strings.Join(args, " "), spec.Dir, spec.Timeout)
	started := time.Now()
	err := cmd.Run()

	out := SessionOutput{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(started),
	}

	switch {
	case sctx.Err() == context.DeadlineExceeded:
		out.TimedOut = true
		out.ExitCode = -1
		logging.Dispatch("session killed after %s (wall-clock limit)", spec.Timeout)
	case err == nil:
		out.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			logging.DispatchDebug("session exited %d", out.ExitCode)
		} else {
			out.ExitCode = -1
			out.StartErr = err
			logging.Get(logging.CategoryDispatch).Error("session failed to start: %v", err)
		}
	}
	return out
}
