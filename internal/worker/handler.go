package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/randalmurphal/codexd/internal/agent"
	"github.com/randalmurphal/codexd/internal/gitx"
	"github.com/randalmurphal/codexd/internal/job"
	"github.com/randalmurphal/codexd/internal/store"
)

// GitOps runs git commands in a working directory.
type GitOps interface {
	Run(ctx context.Context, workDir string, args ...string) (string, error)
}

var _ GitOps = (*gitx.Git)(nil)

// Handle drives one claimed job end to end. Every exit path writes a final
// status, so a claimed job can never stay running with a live worker.
func (p *Pool) Handle(ctx context.Context, j *job.Job) {
	logger := p.logger.With("job", j.ID)

	workDir, err := p.materialize(ctx, j)
	if err != nil {
		logger.Error("workspace setup failed", "error", err)
		p.finish(ctx, j, job.StatusFailed, &job.ResultSummary{Error: err.Error()})
		return
	}

	res, summary, err := p.invoke(ctx, j, workDir)
	if err != nil {
		logger.Error("agent invocation failed", "error", err)
		p.finish(ctx, j, job.StatusFailed, &job.ResultSummary{Error: err.Error()})
		return
	}
	summary.Codex = res.Outcome()

	if res.AwaitingInput {
		logger.Info("job paused for input", "session", res.SessionID)
		p.finishWithSession(ctx, j, job.StatusAwaitingInput, summary, res.SessionID)
		return
	}

	if !res.Success {
		summary.Error = failureMessage(res)
		logger.Warn("agent run failed", "error", summary.Error, "timed_out", res.TimedOut)
		p.finishWithSession(ctx, j, job.StatusFailed, summary, res.SessionID)
		return
	}

	if j.UseWorktree {
		if err := p.commitAndPush(ctx, j, workDir, summary); err != nil {
			summary.Error = err.Error()
			p.finishWithSession(ctx, j, job.StatusFailed, summary, res.SessionID)
			return
		}
	}

	if hasTestScript(workDir) {
		summary.TestsRun = true
		if err := p.runTests(ctx, workDir); err != nil {
			summary.TestsPass = false
			summary.Error = fmt.Sprintf("tests failed: %v", err)
			logger.Warn("project tests failed", "error", err)
			p.finishWithSession(ctx, j, job.StatusFailed, summary, res.SessionID)
			return
		}
		summary.TestsPass = true
	}

	// Cleanup before the final status write: a crash in between leaves a
	// running job with a missing worktree, and the retry is a no-op.
	if j.UseWorktree && j.PushMode != job.PushNever {
		p.removeWorktree(ctx, j)
	}

	p.finishWithSession(ctx, j, job.StatusDone, summary, res.SessionID)
	logger.Info("job done", "commit", summary.CommitHash, "pushed", summary.Pushed)
}

// materialize prepares the working directory. Without worktree isolation
// the repo URL is used verbatim as cwd and git is never touched.
func (p *Pool) materialize(ctx context.Context, j *job.Job) (string, error) {
	if !j.UseWorktree {
		return j.RepoURL, nil
	}
	repoPath, err := p.worktrees.EnsurePath(ctx, j.RepoURL)
	if err != nil {
		return "", err
	}
	if err := p.worktrees.Acquire(ctx, repoPath, j.BaseRef, j.BranchName, j.WorktreePath); err != nil {
		return "", err
	}
	return j.WorktreePath, nil
}

// invoke picks the execution mode (fresh, resume, continue) and runs the
// agent, streaming output into the job log.
func (p *Pool) invoke(ctx context.Context, j *job.Job, workDir string) (*agent.Result, *job.ResultSummary, error) {
	sink := func(stream job.LogStream, text string) {
		if _, err := p.jobs.AppendLog(ctx, j.ID, stream, text); err != nil {
			p.logger.Warn("append log failed", "job", j.ID, "error", err)
		}
	}

	summary := &job.ResultSummary{}
	if j.ResultSummary != nil {
		summary.Continuations = j.ResultSummary.Continuations
		summary.LastContinuation = j.ResultSummary.LastContinuation
	}

	continuePrompt := ""
	if j.ResultSummary != nil {
		continuePrompt = j.ResultSummary.ContinuePrompt
	}

	switch {
	case j.ResumeRequested && j.SessionID != "":
		res, err := p.agent.Resume(ctx, workDir, j.SessionID, "Continue where you left off.", sink)
		return res, summary, err

	case continuePrompt != "" && j.SessionID != "":
		res, err := p.agent.Resume(ctx, workDir, j.SessionID, continuePrompt, sink)
		if err == nil {
			summary.AddContinuation(job.Continuation{
				Prompt:    continuePrompt,
				SessionID: j.SessionID,
				At:        time.Now().UTC().Format(time.RFC3339),
			})
		}
		return res, summary, err

	default:
		prompt, err := agent.RenderPrompt(workDir, &j.Spec)
		if err != nil {
			return nil, summary, err
		}
		res, err := p.agent.Exec(ctx, workDir, prompt, sink)
		return res, summary, err
	}
}

// commitAndPush persists the agent's work: stage and commit when dirty,
// read back HEAD, and push with upstream when the push mode says so.
func (p *Pool) commitAndPush(ctx context.Context, j *job.Job, workDir string, summary *job.ResultSummary) error {
	status, err := p.git.Run(ctx, workDir, "status", "--porcelain")
	if err != nil {
		return fmt.Errorf("git status: %w", err)
	}

	if status != "" {
		if _, err := p.git.Run(ctx, workDir, "add", "-A"); err != nil {
			return fmt.Errorf("git add: %w", err)
		}
		if _, err := p.git.Run(ctx, workDir, "commit", "-m", "Codex job "+j.ID); err != nil {
			return fmt.Errorf("git commit: %w", err)
		}
	}

	if head, err := p.git.Run(ctx, workDir, "rev-parse", "HEAD"); err == nil {
		summary.CommitHash = head
	}

	if j.PushMode == job.PushAlways {
		if _, err := p.git.Run(ctx, workDir, "push", "-u", "origin", j.BranchName); err != nil {
			return fmt.Errorf("git push: %w", err)
		}
		summary.Pushed = true
	}
	return nil
}

// removeWorktree removes the job's worktree unless another job still
// references the same path.
func (p *Pool) removeWorktree(ctx context.Context, j *job.Job) {
	inUse, err := p.jobs.IsWorktreeInUse(ctx, j.WorktreePath, j.ID)
	if err != nil {
		p.logger.Warn("worktree reference check failed", "job", j.ID, "error", err)
		return
	}
	if inUse {
		p.logger.Info("worktree shared with another job, keeping", "path", j.WorktreePath)
		return
	}
	if err := p.worktrees.Remove(ctx, j.WorktreePath); err != nil {
		p.logger.Warn("worktree cleanup failed", "path", j.WorktreePath, "error", err)
	}
}

// finish writes a final status without touching the session id.
func (p *Pool) finish(ctx context.Context, j *job.Job, to job.Status, summary *job.ResultSummary) {
	p.finishWithSession(ctx, j, to, summary, "")
}

// finishWithSession writes the final status optimistically: the job must
// still be running (or paused) or the write is dropped, which covers a
// cancellation that raced with the worker.
func (p *Pool) finishWithSession(ctx context.Context, j *job.Job, to job.Status, summary *job.ResultSummary, sessionID string) {
	cleared := false
	_, err := p.jobs.UpdateStatus(ctx, j.ID, to, store.StatusUpdate{
		Expected:        []job.Status{job.StatusRunning, job.StatusAwaitingInput},
		Summary:         summary,
		SessionID:       sessionID,
		ResumeRequested: &cleared,
	})
	if err != nil {
		p.logger.Warn("final status write lost", "job", j.ID, "to", to, "error", err)
	}
}

// failureMessage summarises a failed run for the result record.
func failureMessage(res *agent.Result) string {
	if res.TimedOut {
		return "agent timed out"
	}
	tail := lastLines(res.Stderr, 5)
	if tail == "" {
		tail = lastLines(res.Stdout, 5)
	}
	if tail == "" && res.Err != nil {
		return res.Err.Error()
	}
	if res.ExitCode != nil {
		return fmt.Sprintf("agent exited with code %d: %s", *res.ExitCode, tail)
	}
	return tail
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// hasTestScript reports whether workDir/package.json declares a real test
// script (npm's placeholder that just exits 1 doesn't count).
func hasTestScript(workDir string) bool {
	data, err := os.ReadFile(filepath.Join(workDir, "package.json"))
	if err != nil {
		return false
	}
	script := gjson.GetBytes(data, "scripts.test").String()
	if script == "" {
		return false
	}
	return !strings.Contains(script, "no test specified")
}

// runNpmTests runs the project's npm test suite non-interactively.
func (p *Pool) runNpmTests(ctx context.Context, workDir string) error {
	cmd := exec.CommandContext(ctx, "npm", "test")
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), "CI=1")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w", lastLines(string(out), 5), err)
	}
	return nil
}
