// Package gitx runs git commands for the worktree manager and the workers.
package gitx

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
)

// CommandRunner executes shell commands. The interface exists so the
// worktree manager and workers can be tested without a git binary.
type CommandRunner interface {
	// Run executes a command in workDir and returns the trimmed stdout.
	// On failure the stderr (or stdout) text becomes the error message.
	Run(ctx context.Context, workDir string, name string, args ...string) (stdout string, err error)
}

// ExecRunner is the default CommandRunner using exec.CommandContext.
type ExecRunner struct{}

// NewExecRunner creates a new ExecRunner.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes the command.
func (r *ExecRunner) Run(ctx context.Context, workDir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		errMsg := strings.TrimSpace(stderr.String())
		if errMsg == "" {
			errMsg = strings.TrimSpace(stdout.String())
		}
		if errMsg == "" {
			errMsg = err.Error()
		}
		return errMsg, &CommandError{
			Command: name,
			Args:    args,
			WorkDir: workDir,
			Output:  errMsg,
			Err:     err,
		}
	}

	return strings.TrimSpace(stdout.String()), nil
}

// Git binds a CommandRunner to a git binary path.
type Git struct {
	runner CommandRunner
	path   string
}

// New creates a Git helper. An empty path means "git" from PATH.
func New(runner CommandRunner, path string) *Git {
	if runner == nil {
		runner = NewExecRunner()
	}
	if path == "" {
		path = "git"
	}
	return &Git{runner: runner, path: path}
}

// Run executes a git subcommand in workDir.
func (g *Git) Run(ctx context.Context, workDir string, args ...string) (string, error) {
	return g.runner.Run(ctx, workDir, g.path, args...)
}

// CommandError represents a command execution error.
type CommandError struct {
	Command string
	Args    []string
	WorkDir string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Output != "" {
		return e.Output
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "command failed"
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
