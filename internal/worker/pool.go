// Package worker runs the claim/execute loop that drives jobs to
// completion.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/codexd/internal/agent"
	"github.com/randalmurphal/codexd/internal/job"
	"github.com/randalmurphal/codexd/internal/store"
)

// Jobs is the slice of the store the pool needs.
type Jobs interface {
	ClaimOldest(ctx context.Context, workerType string) (*job.Job, error)
	UpdateStatus(ctx context.Context, id string, to job.Status, upd store.StatusUpdate) (*job.Job, error)
	AppendLog(ctx context.Context, jobID string, stream job.LogStream, text string) (int64, error)
	IsWorktreeInUse(ctx context.Context, path string, excludeIDs ...string) (bool, error)
}

// Worktrees is the slice of the worktree manager the pool needs.
type Worktrees interface {
	EnsurePath(ctx context.Context, repoURL string) (string, error)
	Acquire(ctx context.Context, repoPath, baseRef, branch, path string) error
	Remove(ctx context.Context, path string) error
}

// Agent runs the CLI.
type Agent interface {
	Exec(ctx context.Context, workDir, prompt string, sink agent.LineSink) (*agent.Result, error)
	Resume(ctx context.Context, workDir, sessionID, prompt string, sink agent.LineSink) (*agent.Result, error)
}

// Config holds pool settings.
type Config struct {
	WorkerType   string
	Concurrency  int
	PollInterval time.Duration
}

// Pool runs Concurrency workers that poll for claimable jobs.
type Pool struct {
	cfg       Config
	jobs      Jobs
	worktrees Worktrees
	agent     Agent
	git       GitOps
	logger    *slog.Logger

	// runTests is swappable for tests of the pool itself.
	runTests func(ctx context.Context, workDir string) error

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewPool creates a Pool.
func NewPool(cfg Config, jobs Jobs, worktrees Worktrees, ag Agent, git GitOps, logger *slog.Logger) *Pool {
	if cfg.WorkerType == "" {
		cfg.WorkerType = "codex"
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		cfg:       cfg,
		jobs:      jobs,
		worktrees: worktrees,
		agent:     ag,
		git:       git,
		logger:    logger,
		stop:      make(chan struct{}),
	}
	p.runTests = p.runNpmTests
	return p
}

// Start launches the worker goroutines.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go func(n int) {
			defer p.wg.Done()
			p.loop(ctx, n)
		}(i)
	}
	p.logger.Info("worker pool started",
		"workers", p.cfg.Concurrency,
		"worker_type", p.cfg.WorkerType,
		"poll_interval", p.cfg.PollInterval)
}

// Stop asks the workers to finish their current job and exit, then waits.
func (p *Pool) Stop() {
	p.once.Do(func() { close(p.stop) })
	p.wg.Wait()
}

// loop is one worker's claim/handle cycle.
func (p *Pool) loop(ctx context.Context, n int) {
	logger := p.logger.With("worker", n)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		default:
		}

		j, err := p.jobs.ClaimOldest(ctx, p.cfg.WorkerType)
		if err != nil {
			logger.Error("claim failed", "error", err)
			j = nil
		}
		if j == nil {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}

		logger.Info("claimed job", "job", j.ID, "branch", j.BranchName)
		p.Handle(ctx, j)
	}
}
