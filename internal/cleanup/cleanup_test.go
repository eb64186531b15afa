package cleanup

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/codexd/internal/db"
	"github.com/randalmurphal/codexd/internal/events"
	"github.com/randalmurphal/codexd/internal/gitx"
	"github.com/randalmurphal/codexd/internal/job"
	"github.com/randalmurphal/codexd/internal/store"
	"github.com/randalmurphal/codexd/internal/worktree"
)

type noopRunner struct{}

func (noopRunner) Run(_ context.Context, _ string, _ string, _ ...string) (string, error) {
	return "", nil
}

type env struct {
	runner  *Runner
	store   *store.Store
	baseDir string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	st := store.New(database, events.NewNopPublisher(), nil)
	baseDir := t.TempDir()
	manager := worktree.NewManager(baseDir, gitx.New(noopRunner{}, "git"), nil, nil)
	return &env{runner: New(st, manager, nil), store: st, baseDir: baseDir}
}

func (e *env) addJob(t *testing.T, status job.Status, mutate ...func(*job.Job)) *job.Job {
	t.Helper()
	j := &job.Job{
		RepoURL:     "/tmp/repo",
		WorkerType:  "codex",
		UseWorktree: false,
		Spec:        job.Spec{Prompt: "work"},
	}
	for _, m := range mutate {
		m(j)
	}
	require.NoError(t, e.store.CreateJob(context.Background(), j))

	if status == job.StatusPending {
		return j
	}
	claimed, err := e.store.ClaimOldest(context.Background(), j.WorkerType)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	if status == job.StatusRunning {
		return claimed
	}
	updated, err := e.store.UpdateStatus(context.Background(), j.ID, status, store.StatusUpdate{})
	require.NoError(t, err)
	return updated
}

func (e *env) addWorktreeDir(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(e.baseDir, name)
	require.NoError(t, os.MkdirAll(path, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(path, ".git"),
		[]byte("gitdir: /gone/.git/worktrees/"+name+"\n"), 0644))
	return path
}

func TestPlanJobsSelectsTerminal(t *testing.T) {
	e := newEnv(t)
	done := e.addJob(t, job.StatusDone)
	e.addJob(t, job.StatusPending)

	plan, err := e.runner.Plan(context.Background(), Options{Jobs: true})
	require.NoError(t, err)
	require.Len(t, plan.Jobs, 1)
	assert.Equal(t, done.ID, plan.Jobs[0].ID)
}

func TestPlanJobsSkipsDependedOn(t *testing.T) {
	e := newEnv(t)
	upstream := e.addJob(t, job.StatusDone)
	e.addJob(t, job.StatusPending, func(j *job.Job) { j.DependsOn = []string{upstream.ID} })

	plan, err := e.runner.Plan(context.Background(), Options{Jobs: true})
	require.NoError(t, err)
	assert.Empty(t, plan.Jobs)
	require.Len(t, plan.SkippedJobs, 1)
	assert.Equal(t, upstream.ID, plan.SkippedJobs[0].Path)
}

func TestPlanRejectsProtectedStatuses(t *testing.T) {
	e := newEnv(t)
	_, err := e.runner.Plan(context.Background(), Options{
		Jobs:     true,
		Statuses: []job.Status{job.StatusRunning},
	})
	assert.Error(t, err)
}

func TestPlanWorktreesSplitsReferenced(t *testing.T) {
	e := newEnv(t)
	orphan := e.addWorktreeDir(t, "orphan")
	used := e.addWorktreeDir(t, "used")
	e.addJob(t, job.StatusPending, func(j *job.Job) {
		j.UseWorktree = true
		j.BranchName = "codex/x"
		j.WorktreePath = used
	})

	plan, err := e.runner.Plan(context.Background(), Options{Worktrees: true})
	require.NoError(t, err)
	assert.Equal(t, []string{orphan}, plan.Worktrees)
	require.Len(t, plan.SkippedWorktrees, 1)
	assert.Equal(t, used, plan.SkippedWorktrees[0].Path)
	assert.Contains(t, plan.SkippedWorktrees[0].Reason, "referenced by")
}

func TestPlanWorktreesSkipsGitLocked(t *testing.T) {
	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	st := store.New(database, events.NewNopPublisher(), nil)

	repo := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(repo, ".git", "worktrees", "wt"), 0755))

	baseDir := t.TempDir()
	path := filepath.Join(baseDir, "wt")
	require.NoError(t, os.MkdirAll(path, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(path, ".git"),
		[]byte("gitdir: "+filepath.Join(repo, ".git", "worktrees", "wt")+"\n"), 0644))

	manager := worktree.NewManager(baseDir, gitx.New(porcelainFor(repo, path), "git"), nil, nil)
	r := New(st, manager, nil)

	plan, err := r.Plan(context.Background(), Options{Worktrees: true})
	require.NoError(t, err)
	assert.Empty(t, plan.Worktrees)
	require.Len(t, plan.SkippedWorktrees, 1)
	assert.Equal(t, path, plan.SkippedWorktrees[0].Path)
	assert.Contains(t, plan.SkippedWorktrees[0].Reason, "locked by git")
	assert.Contains(t, plan.SkippedWorktrees[0].Reason, "keep")
}

// porcelainFor returns a runner whose worktree listing marks path locked.
func porcelainFor(repo, path string) gitx.CommandRunner {
	return runnerFunc(func(_ context.Context, workDir, _ string, args ...string) (string, error) {
		if workDir == repo && strings.Join(args, " ") == "worktree list --porcelain" {
			return "worktree " + path + "\nHEAD abc\nbranch refs/heads/x\nlocked keep\n", nil
		}
		return "", nil
	})
}

type runnerFunc func(ctx context.Context, workDir, name string, args ...string) (string, error)

func (f runnerFunc) Run(ctx context.Context, workDir, name string, args ...string) (string, error) {
	return f(ctx, workDir, name, args...)
}

func TestPlanRepoCaches(t *testing.T) {
	e := newEnv(t)
	cacheDir := filepath.Join(e.baseDir, "_repos")

	liveName := job.RepoCacheName("/tmp/repo")
	require.NoError(t, os.MkdirAll(filepath.Join(cacheDir, liveName), 0755))
	stale := filepath.Join(cacheDir, "old-project-abc123def456")
	require.NoError(t, os.MkdirAll(stale, 0755))

	e.addJob(t, job.StatusPending)

	plan, err := e.runner.Plan(context.Background(), Options{RepoCaches: true})
	require.NoError(t, err)
	assert.Equal(t, []string{stale}, plan.RepoCaches)
}

func TestRunDryRunDeletesNothing(t *testing.T) {
	e := newEnv(t)
	done := e.addJob(t, job.StatusDone)
	orphan := e.addWorktreeDir(t, "orphan")

	var out bytes.Buffer
	report, err := e.runner.Run(context.Background(), Options{
		Jobs: true, Worktrees: true, DryRun: true, Out: &out,
	})
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Empty(t, report.DeletedJobs)

	_, err = e.store.GetJob(context.Background(), done.ID)
	assert.NoError(t, err, "dry run must not delete jobs")
	_, statErr := os.Stat(orphan)
	assert.NoError(t, statErr, "dry run must not delete worktrees")
	assert.Contains(t, out.String(), "Would delete")
}

func TestRunConfirmationDeclined(t *testing.T) {
	e := newEnv(t)
	done := e.addJob(t, job.StatusDone)

	var out bytes.Buffer
	report, err := e.runner.Run(context.Background(), Options{
		Jobs: true,
		Out:  &out,
		In:   strings.NewReader("n\n"),
	})
	require.NoError(t, err)
	assert.Empty(t, report.DeletedJobs)
	assert.Contains(t, out.String(), "Aborted")

	_, err = e.store.GetJob(context.Background(), done.ID)
	assert.NoError(t, err)
}

func TestRunExecutesWithConfirmation(t *testing.T) {
	e := newEnv(t)
	done := e.addJob(t, job.StatusDone)
	orphan := e.addWorktreeDir(t, "orphan")
	stale := filepath.Join(e.baseDir, "_repos", "stale-cache-abcdef012345")
	require.NoError(t, os.MkdirAll(stale, 0755))

	var out bytes.Buffer
	report, err := e.runner.Run(context.Background(), Options{
		Jobs: true, Worktrees: true, RepoCaches: true,
		Out: &out,
		In:  strings.NewReader("y\n"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{done.ID}, report.DeletedJobs)
	assert.Equal(t, []string{orphan}, report.RemovedWorktrees)
	assert.Equal(t, []string{stale}, report.RemovedCaches)

	_, err = e.store.GetJob(context.Background(), done.ID)
	assert.Error(t, err)
	_, statErr := os.Stat(orphan)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(stale)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunAssumeYesSkipsPrompt(t *testing.T) {
	e := newEnv(t)
	done := e.addJob(t, job.StatusDone)

	var out bytes.Buffer
	report, err := e.runner.Run(context.Background(), Options{
		Jobs: true, AssumeYes: true, Out: &out,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{done.ID}, report.DeletedJobs)
	assert.NotContains(t, out.String(), "Proceed?")
}
