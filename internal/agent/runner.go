// Package agent runs the Codex CLI as a supervised subprocess.
//
// The runner starts the CLI in its own process group, streams both output
// channels line by line to a sink, enforces a wall-clock timeout with a
// graceful-then-forced kill, and recovers the session ID so a conversation
// can be resumed later.
package agent

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	codexderrors "github.com/randalmurphal/codexd/internal/errors"
	"github.com/randalmurphal/codexd/internal/job"
)

// killGrace is how long a timed-out agent gets between SIGTERM and SIGKILL.
const killGrace = 5 * time.Second

// maxCapturedOutput bounds the in-memory stdout/stderr copies kept for the
// result summary. The full stream still reaches the sink.
const maxCapturedOutput = 256 * 1024

// LineSink receives every output line as it is read.
type LineSink func(stream job.LogStream, text string)

// Runner invokes the Codex CLI.
type Runner struct {
	cliPath         string
	timeout         time.Duration
	model           string
	reasoningEffort string
	sessionsDir     string
	logger          *slog.Logger
}

// Options configures a Runner.
type Options struct {
	CLIPath         string        // agent binary, default "codex"
	Timeout         time.Duration // wall-clock limit per invocation
	Model           string
	ReasoningEffort string
	SessionsDir     string // rollout file location, default ~/.codex/sessions
}

// NewRunner creates a Runner.
func NewRunner(opts Options, logger *slog.Logger) *Runner {
	if opts.CLIPath == "" {
		opts.CLIPath = "codex"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Minute
	}
	if opts.SessionsDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			opts.SessionsDir = filepath.Join(home, ".codex", "sessions")
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cliPath:         opts.CLIPath,
		timeout:         opts.Timeout,
		model:           opts.Model,
		reasoningEffort: opts.ReasoningEffort,
		sessionsDir:     opts.SessionsDir,
		logger:          logger,
	}
}

// Result is the outcome of one agent invocation.
type Result struct {
	Success       bool
	ExitCode      *int
	Stdout        string
	Stderr        string
	SessionID     string
	AwaitingInput bool
	TimedOut      bool
	DurationMS    int64
	Err           error
}

// Outcome converts a result to the persisted summary form.
func (r *Result) Outcome() *job.CodexOutcome {
	return &job.CodexOutcome{
		ExitCode:   r.ExitCode,
		SessionID:  r.SessionID,
		DurationMS: r.DurationMS,
		TimedOut:   r.TimedOut,
	}
}

// Exec starts a fresh agent conversation in workDir with the given prompt.
func (r *Runner) Exec(ctx context.Context, workDir, prompt string, sink LineSink) (*Result, error) {
	args := r.commonArgs()
	args = append(args, prompt)
	return r.run(ctx, workDir, args, sink)
}

// Resume continues an existing conversation with a follow-up prompt.
func (r *Runner) Resume(ctx context.Context, workDir, sessionID, prompt string, sink LineSink) (*Result, error) {
	if sessionID == "" {
		return nil, codexderrors.ErrValidation("resume requires a session id")
	}
	args := []string{"exec", "resume", sessionID}
	args = append(args, r.flagArgs()...)
	args = append(args, prompt)
	res, err := r.run(ctx, workDir, args, sink)
	if res != nil && res.SessionID == "" {
		res.SessionID = sessionID
	}
	return res, err
}

func (r *Runner) commonArgs() []string {
	args := []string{"exec"}
	return append(args, r.flagArgs()...)
}

func (r *Runner) flagArgs() []string {
	args := []string{"--json", "--skip-git-repo-check", "--dangerously-bypass-approvals-and-sandbox"}
	if r.model != "" {
		args = append(args, "--model", r.model)
	}
	if r.reasoningEffort != "" {
		args = append(args, "-c", "model_reasoning_effort="+r.reasoningEffort)
	}
	return args
}

// run starts the CLI, pumps its output, and enforces the timeout.
func (r *Runner) run(ctx context.Context, workDir string, args []string, sink LineSink) (*Result, error) {
	if sink == nil {
		sink = func(job.LogStream, string) {}
	}

	start := time.Now()
	cmd := exec.Command(r.cliPath, args...)
	cmd.Dir = workDir
	cmd.Env = os.Environ()
	setProcAttr(cmd)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, codexderrors.ErrExecFailure(err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, codexderrors.ErrExecFailure(err)
	}

	if err := cmd.Start(); err != nil {
		return nil, codexderrors.ErrExecFailure(err)
	}
	pid := cmd.Process.Pid
	r.logger.Debug("agent started", "pid", pid, "dir", workDir)

	var (
		stdoutBuf, stderrBuf strings.Builder
		readers              sync.WaitGroup
	)
	readers.Add(2)
	go func() {
		defer readers.Done()
		pump(stdoutPipe, job.StreamStdout, &stdoutBuf, sink)
	}()
	go func() {
		defer readers.Done()
		pump(stderrPipe, job.StreamStderr, &stderrBuf, sink)
	}()

	done := make(chan error, 1)
	go func() {
		readers.Wait()
		done <- cmd.Wait()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	var (
		waitErr  error
		timedOut bool
	)
	select {
	case waitErr = <-done:
	case <-timer.C:
		timedOut = true
		r.shutdown(pid, done, &waitErr)
	case <-ctx.Done():
		r.shutdown(pid, done, &waitErr)
		waitErr = ctx.Err()
	}

	res := &Result{
		Stdout:     stdoutBuf.String(),
		Stderr:     stderrBuf.String(),
		TimedOut:   timedOut,
		DurationMS: time.Since(start).Milliseconds(),
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		code := 0
		res.ExitCode = &code
		res.Success = true
	case errors.As(waitErr, &exitErr):
		code := exitErr.ExitCode()
		res.ExitCode = &code
		res.Err = waitErr
	default:
		res.Err = waitErr
	}

	res.SessionID = r.findSessionID(res.Stdout, start)
	res.AwaitingInput = inferAwaitingInput(res)

	return res, nil
}

// shutdown terminates a timed-out or cancelled agent: SIGTERM the group,
// give it killGrace to flush, then SIGKILL.
func (r *Runner) shutdown(pid int, done <-chan error, waitErr *error) {
	if err := terminateProcessGroup(pid); err != nil {
		r.logger.Warn("terminate agent failed", "pid", pid, "error", err)
	}
	select {
	case *waitErr = <-done:
		return
	case <-time.After(killGrace):
	}
	if err := killProcessGroup(pid); err != nil {
		r.logger.Warn("kill agent failed", "pid", pid, "error", err)
	}
	*waitErr = <-done
}

// pump copies lines from a pipe to the sink and a bounded buffer.
func pump(pipe io.Reader, stream job.LogStream, buf *strings.Builder, sink LineSink) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		sink(stream, line)
		if buf.Len() < maxCapturedOutput {
			buf.WriteString(line)
			buf.WriteByte('\n')
		}
	}
}

// awaitingMarkers are the stderr phrases that mean the agent stopped to ask
// for more input rather than failing outright.
var awaitingMarkers = []string{"awaiting", "waiting for input"}

// inferAwaitingInput decides whether a non-zero exit was really a pause.
func inferAwaitingInput(res *Result) bool {
	if res.Success || res.TimedOut {
		return false
	}
	lower := strings.ToLower(res.Stderr)
	for _, marker := range awaitingMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
