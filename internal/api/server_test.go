package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/codexd/internal/db"
	"github.com/randalmurphal/codexd/internal/events"
	"github.com/randalmurphal/codexd/internal/gitx"
	"github.com/randalmurphal/codexd/internal/job"
	"github.com/randalmurphal/codexd/internal/store"
	"github.com/randalmurphal/codexd/internal/worktree"
)

type stubRunner struct {
	mu        sync.Mutex
	calls     []string
	responses map[string]string
}

func (r *stubRunner) Run(_ context.Context, _ string, name string, args ...string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd := strings.Join(append([]string{name}, args...), " ")
	r.calls = append(r.calls, cmd)
	return r.responses[cmd], nil
}

type testEnv struct {
	ts      *httptest.Server
	store   *store.Store
	manager *worktree.Manager
	baseDir string
	pub     *events.MemoryPublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	pub := events.NewMemoryPublisher()
	t.Cleanup(pub.Close)

	st := store.New(database, pub, nil)
	baseDir := t.TempDir()
	manager := worktree.NewManager(baseDir, gitx.New(&stubRunner{responses: map[string]string{}}, "git"), pub, nil)

	srv := New(Config{Addr: ":0"}, st, manager, pub)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, store: st, manager: manager, baseDir: baseDir, pub: pub}
}

// do sends a JSON request and decodes the response body into out (when
// out is non-nil), returning the status code.
func (e *testEnv) do(t *testing.T, method, path string, body, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.ts.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func minimalCreate() map[string]any {
	return map[string]any{
		"repo_url":    "https://example.com/team/widget.git",
		"worker_type": "codex",
		"spec":        map[string]any{"prompt": "add a widget"},
	}
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t)
	var out map[string]string
	require.Equal(t, http.StatusOK, e.do(t, "GET", "/healthz", nil, &out))
	assert.Equal(t, "ok", out["status"])
}

func TestCreateJobDerivesBranchAndPath(t *testing.T) {
	e := newTestEnv(t)
	var created job.Job
	require.Equal(t, http.StatusCreated, e.do(t, "POST", "/jobs", minimalCreate(), &created))

	assert.NotEmpty(t, created.ID)
	assert.Equal(t, job.StatusPending, created.Status)
	assert.True(t, strings.HasPrefix(created.BranchName, "codex/add-a-widget"), created.BranchName)
	assert.True(t, strings.HasPrefix(created.WorktreePath, e.baseDir), created.WorktreePath)
	assert.Equal(t, "origin/main", created.BaseRef)
	assert.Equal(t, job.PushAlways, created.PushMode)
}

func TestCreateJobFeatureBranch(t *testing.T) {
	e := newTestEnv(t)
	body := minimalCreate()
	body["feature_id"] = "Checkout Flow"

	var created job.Job
	require.Equal(t, http.StatusCreated, e.do(t, "POST", "/jobs", body, &created))
	assert.Equal(t, "feature/checkout-flow", created.BranchName)
}

func TestCreateJobValidation(t *testing.T) {
	e := newTestEnv(t)
	var apiErr APIError
	status := e.do(t, "POST", "/jobs", map[string]any{"worker_type": "codex"}, &apiErr)
	require.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, apiErr.Error, "repo_url")
}

func TestGetJobNotFound(t *testing.T) {
	e := newTestEnv(t)
	var apiErr APIError
	assert.Equal(t, http.StatusNotFound, e.do(t, "GET", "/jobs/nope", nil, &apiErr))
}

func TestListJobsFilter(t *testing.T) {
	e := newTestEnv(t)
	var a, b job.Job
	require.Equal(t, http.StatusCreated, e.do(t, "POST", "/jobs", minimalCreate(), &a))

	other := minimalCreate()
	other["worker_type"] = "review"
	require.Equal(t, http.StatusCreated, e.do(t, "POST", "/jobs", other, &b))

	var all []job.Job
	require.Equal(t, http.StatusOK, e.do(t, "GET", "/jobs", nil, &all))
	assert.Len(t, all, 2)

	var filtered []job.Job
	require.Equal(t, http.StatusOK, e.do(t, "GET", "/jobs?worker_type=review", nil, &filtered))
	require.Len(t, filtered, 1)
	assert.Equal(t, b.ID, filtered[0].ID)

	assert.Equal(t, http.StatusBadRequest, e.do(t, "GET", "/jobs?status=bogus", nil, nil))
}

func TestClaimAndComplete(t *testing.T) {
	e := newTestEnv(t)
	var created job.Job
	require.Equal(t, http.StatusCreated, e.do(t, "POST", "/jobs", minimalCreate(), &created))

	assert.Equal(t, http.StatusBadRequest, e.do(t, "POST", "/jobs/claim", nil, nil))

	var claimed job.Job
	require.Equal(t, http.StatusOK, e.do(t, "POST", "/jobs/claim?worker_type=codex", nil, &claimed))
	assert.Equal(t, created.ID, claimed.ID)
	assert.Equal(t, job.StatusRunning, claimed.Status)

	// Queue drained.
	assert.Equal(t, http.StatusNotFound, e.do(t, "POST", "/jobs/claim?worker_type=codex", nil, nil))

	var done job.Job
	status := e.do(t, "POST", "/jobs/"+created.ID+"/complete", map[string]any{
		"status":         "done",
		"session_id":     "sess-99",
		"result_summary": map[string]any{"commit_hash": "abc123", "pushed": true},
	}, &done)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, job.StatusDone, done.Status)
	assert.Equal(t, "sess-99", done.SessionID)
	require.NotNil(t, done.ResultSummary)
	assert.Equal(t, "abc123", done.ResultSummary.CommitHash)
}

func TestCompleteStaleState(t *testing.T) {
	e := newTestEnv(t)
	var created job.Job
	require.Equal(t, http.StatusCreated, e.do(t, "POST", "/jobs", minimalCreate(), &created))

	// Still pending: the default expected guard (running/awaiting) fails.
	var apiErr APIError
	status := e.do(t, "POST", "/jobs/"+created.ID+"/complete",
		map[string]any{"status": "done"}, &apiErr)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestContinueAwaitingJob(t *testing.T) {
	e := newTestEnv(t)
	var created job.Job
	require.Equal(t, http.StatusCreated, e.do(t, "POST", "/jobs", minimalCreate(), &created))
	require.Equal(t, http.StatusOK, e.do(t, "POST", "/jobs/claim?worker_type=codex", nil, nil))
	require.Equal(t, http.StatusOK, e.do(t, "POST", "/jobs/"+created.ID+"/complete",
		map[string]any{"status": "awaiting_input", "session_id": "sess-1"}, nil))

	assert.Equal(t, http.StatusBadRequest, e.do(t, "POST", "/jobs/"+created.ID+"/complete",
		map[string]any{"action": "continue"}, nil), "prompt required")

	var updated job.Job
	status := e.do(t, "POST", "/jobs/"+created.ID+"/complete",
		map[string]any{"action": "continue", "prompt": "also add tests"}, &updated)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, job.StatusPending, updated.Status)
	require.NotNil(t, updated.ResultSummary)
	assert.Equal(t, "also add tests", updated.ResultSummary.ContinuePrompt)
}

func TestResumeFailedJobCreatesFollowUp(t *testing.T) {
	e := newTestEnv(t)
	var created job.Job
	require.Equal(t, http.StatusCreated, e.do(t, "POST", "/jobs", minimalCreate(), &created))
	require.Equal(t, http.StatusOK, e.do(t, "POST", "/jobs/claim?worker_type=codex", nil, nil))
	require.Equal(t, http.StatusOK, e.do(t, "POST", "/jobs/"+created.ID+"/complete",
		map[string]any{"status": "failed", "session_id": "sess-f"}, nil))

	var follow job.Job
	status := e.do(t, "POST", "/jobs/"+created.ID+"/complete",
		map[string]any{"action": "resume"}, &follow)
	require.Equal(t, http.StatusCreated, status)
	assert.NotEqual(t, created.ID, follow.ID)
	assert.Equal(t, job.StatusPending, follow.Status)
	assert.True(t, follow.ResumeRequested)
	assert.Equal(t, "sess-f", follow.SessionID)
	assert.Equal(t, created.BranchName, follow.BranchName)
}

func TestContinueTimedOutJobRejected(t *testing.T) {
	e := newTestEnv(t)
	var created job.Job
	require.Equal(t, http.StatusCreated, e.do(t, "POST", "/jobs", minimalCreate(), &created))
	require.Equal(t, http.StatusOK, e.do(t, "POST", "/jobs/claim?worker_type=codex", nil, nil))
	require.Equal(t, http.StatusOK, e.do(t, "POST", "/jobs/"+created.ID+"/complete", map[string]any{
		"status":         "failed",
		"session_id":     "sess-t",
		"result_summary": map[string]any{"codex": map[string]any{"timed_out": true}},
	}, nil))

	var apiErr APIError
	status := e.do(t, "POST", "/jobs/"+created.ID+"/complete",
		map[string]any{"action": "continue", "prompt": "go on"}, &apiErr)
	require.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, apiErr.Error, "resume")
}

func TestJobLogsRoundTrip(t *testing.T) {
	e := newTestEnv(t)
	var created job.Job
	require.Equal(t, http.StatusCreated, e.do(t, "POST", "/jobs", minimalCreate(), &created))

	var seq map[string]int64
	require.Equal(t, http.StatusCreated, e.do(t, "POST", "/jobs/"+created.ID+"/logs",
		map[string]any{"text": "first"}, &seq))
	assert.Equal(t, int64(1), seq["seq"])
	require.Equal(t, http.StatusCreated, e.do(t, "POST", "/jobs/"+created.ID+"/logs",
		map[string]any{"stream": "stderr", "text": "second"}, nil))

	var logs []job.LogEntry
	require.Equal(t, http.StatusOK, e.do(t, "GET", "/jobs/"+created.ID+"/logs", nil, &logs))
	require.Len(t, logs, 2)
	assert.Equal(t, "first", logs[0].Text)
	assert.Equal(t, job.StreamStderr, logs[1].Stream)

	var tail []job.LogEntry
	require.Equal(t, http.StatusOK, e.do(t, "GET", "/jobs/"+created.ID+"/logs?after_seq=1", nil, &tail))
	require.Len(t, tail, 1)
	assert.Equal(t, "second", tail[0].Text)

	assert.Equal(t, http.StatusNotFound, e.do(t, "GET", "/jobs/nope/logs", nil, nil))
}

func TestDependenciesEndpoint(t *testing.T) {
	e := newTestEnv(t)
	var a, b job.Job
	require.Equal(t, http.StatusCreated, e.do(t, "POST", "/jobs", minimalCreate(), &a))

	body := minimalCreate()
	body["depends_on"] = []string{a.ID}
	require.Equal(t, http.StatusCreated, e.do(t, "POST", "/jobs", body, &b))

	var deps map[string][]string
	require.Equal(t, http.StatusOK, e.do(t, "GET", "/jobs/"+b.ID+"/dependencies", nil, &deps))
	assert.Equal(t, []string{a.ID}, deps["depends_on"])
	assert.Empty(t, deps["depended_by"])

	require.Equal(t, http.StatusOK, e.do(t, "GET", "/jobs/"+a.ID+"/dependencies", nil, &deps))
	assert.Equal(t, []string{b.ID}, deps["depended_by"])
}

func TestDeleteJobProtections(t *testing.T) {
	e := newTestEnv(t)
	var created job.Job
	require.Equal(t, http.StatusCreated, e.do(t, "POST", "/jobs", minimalCreate(), &created))
	require.Equal(t, http.StatusOK, e.do(t, "POST", "/jobs/claim?worker_type=codex", nil, nil))

	assert.Equal(t, http.StatusBadRequest, e.do(t, "DELETE", "/jobs/"+created.ID, nil, nil))

	require.Equal(t, http.StatusOK, e.do(t, "POST", "/jobs/"+created.ID+"/complete",
		map[string]any{"status": "done"}, nil))
	assert.Equal(t, http.StatusOK, e.do(t, "DELETE", "/jobs/"+created.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, e.do(t, "GET", "/jobs/"+created.ID, nil, nil))
}

func TestCleanupJobs(t *testing.T) {
	e := newTestEnv(t)
	var a, b job.Job
	require.Equal(t, http.StatusCreated, e.do(t, "POST", "/jobs", minimalCreate(), &a))
	require.Equal(t, http.StatusCreated, e.do(t, "POST", "/jobs", minimalCreate(), &b))

	require.Equal(t, http.StatusOK, e.do(t, "POST", "/jobs/claim?worker_type=codex", nil, nil))
	require.Equal(t, http.StatusOK, e.do(t, "POST", "/jobs/"+a.ID+"/complete",
		map[string]any{"status": "failed"}, nil))

	var out map[string]any
	require.Equal(t, http.StatusOK, e.do(t, "POST", "/jobs/cleanup", nil, &out))
	assert.EqualValues(t, 1, out["count"])

	var remaining []job.Job
	require.Equal(t, http.StatusOK, e.do(t, "GET", "/jobs", nil, &remaining))
	require.Len(t, remaining, 1)
	assert.Equal(t, b.ID, remaining[0].ID)
}

// fakeWorktreeDir creates a directory under the base dir that passes the
// worktree validity check.
func fakeWorktreeDir(t *testing.T, baseDir, name string) string {
	t.Helper()
	path := filepath.Join(baseDir, name)
	require.NoError(t, os.MkdirAll(path, 0755))
	gitFile := "gitdir: /nonexistent/.git/worktrees/" + name + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(path, ".git"), []byte(gitFile), 0644))
	return path
}

func TestWorktreeListAndCleanup(t *testing.T) {
	e := newTestEnv(t)

	orphan := fakeWorktreeDir(t, e.baseDir, "orphan-dir")
	used := fakeWorktreeDir(t, e.baseDir, "used-dir")

	body := minimalCreate()
	body["branch_name"] = "codex/used"
	body["worktree_path"] = used
	var created job.Job
	require.Equal(t, http.StatusCreated, e.do(t, "POST", "/jobs", body, &created))

	var views []WorktreeView
	require.Equal(t, http.StatusOK, e.do(t, "GET", "/worktrees", nil, &views))
	states := map[string]string{}
	for _, v := range views {
		states[v.Path] = v.State
	}
	assert.Equal(t, WorktreeOrphaned, states[orphan])
	assert.Equal(t, WorktreeInUse, states[used])

	var out map[string]any
	require.Equal(t, http.StatusOK, e.do(t, "DELETE", "/worktrees/cleanup", nil, &out))
	removed := out["removed"].([]any)
	require.Len(t, removed, 1)
	assert.Equal(t, orphan, removed[0])
	assert.Len(t, out["skipped"].([]any), 1)

	_, err := os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(used)
	assert.NoError(t, err)
}

func TestClassifyLockedWorktree(t *testing.T) {
	s := &Server{}

	view := s.classify(worktree.Info{
		Path:       "/w/wt",
		Valid:      true,
		Locked:     true,
		LockReason: "agent running",
	}, nil)
	assert.Equal(t, WorktreeLocked, view.State)
	require.Len(t, view.BlockedReasons, 1)
	assert.Contains(t, view.BlockedReasons[0], "agent running")

	// The git lock outranks job references.
	running := &job.Job{ID: "j1", Status: job.StatusRunning}
	view = s.classify(worktree.Info{Path: "/w/wt", Valid: true, Locked: true}, []*job.Job{running})
	assert.Equal(t, WorktreeLocked, view.State)
	assert.Len(t, view.BlockedReasons, 2)

	// An invalid directory stays unmanaged even when locked metadata leaks in.
	view = s.classify(worktree.Info{Path: "/w/bad", Locked: true}, nil)
	assert.Equal(t, WorktreeUnmanaged, view.State)
}

func TestDeleteWorktreeRefusedWhileReferenced(t *testing.T) {
	e := newTestEnv(t)
	used := fakeWorktreeDir(t, e.baseDir, "busy-dir")

	body := minimalCreate()
	body["branch_name"] = "codex/busy"
	body["worktree_path"] = used
	var created job.Job
	require.Equal(t, http.StatusCreated, e.do(t, "POST", "/jobs", body, &created))
	require.Equal(t, http.StatusOK, e.do(t, "POST", "/jobs/claim?worker_type=codex", nil, nil))

	assert.Equal(t, http.StatusBadRequest, e.do(t, "DELETE", "/worktrees/busy-dir", nil, nil))

	require.Equal(t, http.StatusOK, e.do(t, "POST", "/jobs/"+created.ID+"/complete",
		map[string]any{"status": "done"}, nil))
	require.Equal(t, http.StatusOK, e.do(t, "DELETE", "/worktrees/busy-dir", nil, nil))
	_, err := os.Stat(used)
	assert.True(t, os.IsNotExist(err))
}

func TestEventStreamDeliversAfterCommit(t *testing.T) {
	e := newTestEnv(t)
	var created job.Job
	require.Equal(t, http.StatusCreated, e.do(t, "POST", "/jobs", minimalCreate(), &created))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", e.ts.URL+"/events?job_id="+created.ID, nil)
	require.NoError(t, err)
	resp, err := e.ts.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, ":"), "initial comment frame")

	_, err = e.store.AppendLog(context.Background(), created.ID, job.StreamStdout, "hello")
	require.NoError(t, err)

	for {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "event: ") {
			assert.Equal(t, "event: log_appended", strings.TrimSpace(line))
			data, err := reader.ReadString('\n')
			require.NoError(t, err)
			assert.Contains(t, data, "hello")
			return
		}
	}
}
