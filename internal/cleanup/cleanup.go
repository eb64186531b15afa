// Package cleanup implements the offline administrative batch that
// reclaims finished jobs, orphaned worktrees, and stale repo caches.
package cleanup

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/randalmurphal/codexd/internal/job"
	"github.com/randalmurphal/codexd/internal/store"
	"github.com/randalmurphal/codexd/internal/worktree"
)

// Options selects what to clean and how.
type Options struct {
	Jobs       bool
	Worktrees  bool
	RepoCaches bool

	// Job filter. Empty statuses default to the terminal set; protected
	// statuses are always refused.
	Statuses   []job.Status
	MaxAgeDays int

	DryRun    bool
	AssumeYes bool

	Out io.Writer // defaults to os.Stdout
	In  io.Reader // defaults to os.Stdin
}

// Skipped records a candidate that was left alone and why.
type Skipped struct {
	Path   string
	Reason string
}

// Plan enumerates everything a run would delete.
type Plan struct {
	Jobs             []*job.Job
	SkippedJobs      []Skipped
	Worktrees        []string
	SkippedWorktrees []Skipped
	RepoCaches       []string
}

// Empty reports whether the plan has nothing to do.
func (p *Plan) Empty() bool {
	return len(p.Jobs) == 0 && len(p.Worktrees) == 0 && len(p.RepoCaches) == 0
}

// Report summarises what a run actually did.
type Report struct {
	DeletedJobs      []string
	RemovedWorktrees []string
	RemovedCaches    []string
	Skipped          []Skipped
	Failed           []Skipped
	DryRun           bool
}

// Runner executes cleanup batches against the store and worktree manager.
type Runner struct {
	store     *store.Store
	worktrees *worktree.Manager
	logger    *slog.Logger
}

// New creates a cleanup runner.
func New(st *store.Store, wt *worktree.Manager, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{store: st, worktrees: wt, logger: logger}
}

// Plan enumerates deletion candidates without modifying anything.
func (r *Runner) Plan(ctx context.Context, opts Options) (*Plan, error) {
	plan := &Plan{}

	if opts.Jobs {
		if err := r.planJobs(ctx, opts, plan); err != nil {
			return nil, err
		}
	}
	if opts.Worktrees {
		if err := r.planWorktrees(ctx, plan); err != nil {
			return nil, err
		}
	}
	if opts.RepoCaches {
		if err := r.planRepoCaches(ctx, plan); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

func (r *Runner) planJobs(ctx context.Context, opts Options, plan *Plan) error {
	statuses := opts.Statuses
	if len(statuses) == 0 {
		statuses = []job.Status{job.StatusDone, job.StatusFailed, job.StatusCancelled}
	}
	for _, st := range statuses {
		if st.IsProtected() {
			return fmt.Errorf("cannot clean jobs in protected status %s", st)
		}
	}
	wanted := make(map[job.Status]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	var cutoff time.Time
	if opts.MaxAgeDays > 0 {
		cutoff = time.Now().UTC().AddDate(0, 0, -opts.MaxAgeDays)
	}

	jobs, err := r.store.ListJobs(ctx, store.ListFilter{})
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if !wanted[j.Status] {
			continue
		}
		if !cutoff.IsZero() && j.CreatedAt.After(cutoff) {
			continue
		}
		_, dependedBy, err := r.store.Dependencies(ctx, j.ID)
		if err != nil {
			return err
		}
		if len(dependedBy) > 0 {
			plan.SkippedJobs = append(plan.SkippedJobs, Skipped{
				Path:   j.ID,
				Reason: fmt.Sprintf("depended on by %s", strings.Join(dependedBy, ", ")),
			})
			continue
		}
		plan.Jobs = append(plan.Jobs, j)
	}
	return nil
}

func (r *Runner) planWorktrees(ctx context.Context, plan *Plan) error {
	infos, err := r.worktrees.List(ctx)
	if err != nil {
		return err
	}
	refs, err := r.worktreeRefs(ctx)
	if err != nil {
		return err
	}

	for _, info := range infos {
		if info.Locked {
			reason := "locked by git"
			if info.LockReason != "" {
				reason = "locked by git: " + info.LockReason
			}
			plan.SkippedWorktrees = append(plan.SkippedWorktrees, Skipped{
				Path:   info.Path,
				Reason: reason,
			})
			continue
		}
		owners := refs[info.Path]
		if len(owners) == 0 {
			plan.Worktrees = append(plan.Worktrees, info.Path)
			continue
		}
		reasons := make([]string, 0, len(owners))
		for _, o := range owners {
			reasons = append(reasons, fmt.Sprintf("%s (%s)", o.ID, o.Status))
		}
		plan.SkippedWorktrees = append(plan.SkippedWorktrees, Skipped{
			Path:   info.Path,
			Reason: "referenced by " + strings.Join(reasons, ", "),
		})
	}
	return nil
}

func (r *Runner) planRepoCaches(ctx context.Context, plan *Plan) error {
	caches, err := r.worktrees.RepoCaches()
	if err != nil {
		return err
	}
	urls, err := r.store.RepoURLs(ctx)
	if err != nil {
		return err
	}
	live := make(map[string]bool, len(urls))
	for _, u := range urls {
		live[job.RepoCacheName(u)] = true
	}

	for _, cache := range caches {
		if !live[filepath.Base(cache)] {
			plan.RepoCaches = append(plan.RepoCaches, cache)
		}
	}
	return nil
}

func (r *Runner) worktreeRefs(ctx context.Context) (map[string][]*job.Job, error) {
	jobs, err := r.store.ListJobs(ctx, store.ListFilter{})
	if err != nil {
		return nil, err
	}
	refs := make(map[string][]*job.Job)
	for _, j := range jobs {
		if j.WorktreePath != "" {
			refs[j.WorktreePath] = append(refs[j.WorktreePath], j)
		}
	}
	return refs, nil
}

// Run plans, asks for confirmation, and executes. A dry run stops after
// rendering the plan.
func (r *Runner) Run(ctx context.Context, opts Options) (*Report, error) {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	plan, err := r.Plan(ctx, opts)
	if err != nil {
		return nil, err
	}

	renderPlan(out, plan, opts.DryRun)

	report := &Report{DryRun: opts.DryRun}
	report.Skipped = append(report.Skipped, plan.SkippedJobs...)
	report.Skipped = append(report.Skipped, plan.SkippedWorktrees...)

	if plan.Empty() || opts.DryRun {
		return report, nil
	}

	if !opts.AssumeYes {
		ok, err := r.confirm(opts, out)
		if err != nil {
			return nil, err
		}
		if !ok {
			fmt.Fprintln(out, "Aborted.")
			return report, nil
		}
	}

	r.execute(ctx, plan, report)
	renderReport(out, report)
	return report, nil
}

// confirm reads a yes/no answer. Without a terminal and without an
// explicit reader there is nobody to ask, so the run aborts.
func (r *Runner) confirm(opts Options, out io.Writer) (bool, error) {
	in := opts.In
	if in == nil {
		if !isatty.IsTerminal(os.Stdin.Fd()) {
			return false, fmt.Errorf("refusing to delete without confirmation; pass --yes or run interactively")
		}
		in = os.Stdin
	}

	fmt.Fprint(out, "Proceed? [y/N] ")
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && answer == "" {
		return false, nil
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes", nil
}

func (r *Runner) execute(ctx context.Context, plan *Plan, report *Report) {
	if len(plan.Jobs) > 0 {
		ids := make([]string, 0, len(plan.Jobs))
		for _, j := range plan.Jobs {
			ids = append(ids, j.ID)
		}
		deleted, err := r.store.DeleteJobs(ctx, store.DeleteFilter{IDs: ids})
		if err != nil {
			report.Failed = append(report.Failed, Skipped{Path: "jobs", Reason: err.Error()})
		} else {
			for _, j := range deleted {
				report.DeletedJobs = append(report.DeletedJobs, j.ID)
			}
		}
	}

	for _, path := range plan.Worktrees {
		if err := r.worktrees.Remove(ctx, path); err != nil {
			report.Failed = append(report.Failed, Skipped{Path: path, Reason: err.Error()})
			continue
		}
		report.RemovedWorktrees = append(report.RemovedWorktrees, path)
	}

	for _, cache := range plan.RepoCaches {
		if err := os.RemoveAll(cache); err != nil {
			report.Failed = append(report.Failed, Skipped{Path: cache, Reason: err.Error()})
			continue
		}
		report.RemovedCaches = append(report.RemovedCaches, cache)
	}
}
