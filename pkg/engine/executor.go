package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultOutputLimit caps captured output per execution.
	DefaultOutputLimit = 64 * 1024

	// DefaultOperationTimeout applies when an OperationSpec has none.
	DefaultOperationTimeout = 300 * time.Second
)

// ExecutorConfig configures a ProcessExecutor.
type ExecutorConfig struct {
	// Shell runs command templates. Defaults to /bin/sh.
	Shell string

	// Env is appended to the inherited environment.
	Env []string

	// OutputLimit caps captured combined output in bytes.
	OutputLimit int

	// DryRun reports success without spawning anything.
	DryRun bool
}

// ProcessExecutor runs operations as child processes.
type ProcessExecutor struct {
	cfg    ExecutorConfig
	logger zerolog.Logger
}

// NewProcessExecutor creates an executor with the given configuration.
func NewProcessExecutor(cfg ExecutorConfig, logger zerolog.Logger) *ProcessExecutor {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = DefaultOutputLimit
	}
	return &ProcessExecutor{
		cfg:    cfg,
		logger: logger.With().Str("component", "executor").Logger(),
	}
}

// ResolveCommand substitutes project placeholders into a command template.
func ResolveCommand(template string, project Project) string {
	r := strings.NewReplacer(
		"{path}", project.Path,
		"{name}", filepath.Base(project.Path),
		"{language}", string(project.Language),
		"{framework}", project.Framework,
	)
	return r.Replace(template)
}

// Execute runs spec for project and classifies the result. Combined output
// is copied to sink (which may be nil) and captured up to the configured
// limit.
func (e *ProcessExecutor) Execute(ctx context.Context, project Project, spec OperationSpec, sink io.Writer) ExecutionResult {
	command := ResolveCommand(spec.Command, project)
	result := ExecutionResult{
		ProjectID: project.ID,
		Language:  project.Language,
		Operation: spec.Name,
		StartedAt: time.Now(),
		Attempts:  1,
	}

	if e.cfg.DryRun {
		result.Outcome = OutcomeSuccess
		result.Output = "[dry-run] " + command
		return result
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultOperationTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	capture := newBoundedBuffer(e.cfg.OutputLimit)
	var out io.Writer = capture
	if sink != nil {
		logger := e.logger.With().Str("project", project.ID).Str("operation", spec.Name).Logger()
		out = io.MultiWriter(capture, &sinkWriter{w: sink, logger: logger})
	}
	out = &lockedWriter{w: out}

	cmd := exec.CommandContext(execCtx, e.cfg.Shell, "-c", command)
	cmd.Dir = project.Path
	cmd.Env = append(os.Environ(), e.cfg.Env...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = 2 * time.Second
	setProcessGroup(cmd)

	e.logger.Debug().
		Str("project", project.ID).
		Str("operation", spec.Name).
		Str("command", command).
		Dur("timeout", timeout).
		Msg("Executing operation")

	err := cmd.Run()
	result.Duration = time.Since(result.StartedAt)
	result.Output = capture.String()
	result.Truncated = capture.Truncated()

	switch {
	case errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		result.Outcome = OutcomeTimedOut
		result.ExitCode = -1
		result.Reason = fmt.Sprintf("timed out after %s", timeout)
	case err == nil:
		result.Outcome = OutcomeSuccess
	default:
		result.Outcome = OutcomeFailure
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			result.Reason = fmt.Sprintf("exit status %d", result.ExitCode)
		} else {
			result.ExitCode = -1
			result.Reason = err.Error()
		}
	}

	return result
}

// boundedBuffer keeps the first limit bytes written to it.
type boundedBuffer struct {
	buf       []byte
	limit     int
	truncated bool
}

func newBoundedBuffer(limit int) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	room := b.limit - len(b.buf)
	if room <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *boundedBuffer) String() string { return string(b.buf) }

func (b *boundedBuffer) Truncated() bool { return b.truncated }

// sinkWriter forwards to a log sink until the first write error, which is
// logged once. It never fails the write, so a broken sink cannot change
// the outcome of the command.
type sinkWriter struct {
	w      io.Writer
	err    error
	logger zerolog.Logger
}

func (s *sinkWriter) Write(p []byte) (int, error) {
	if s.err != nil {
		return len(p), nil
	}
	if _, err := s.w.Write(p); err != nil {
		s.err = err
		s.logger.Warn().Err(err).Msg("Log sink failed, discarding further output")
	}
	return len(p), nil
}

// lockedWriter serializes writes from the stdout and stderr copiers.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
