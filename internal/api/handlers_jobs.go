package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	codexderrors "github.com/randalmurphal/codexd/internal/errors"
	"github.com/randalmurphal/codexd/internal/job"
	"github.com/randalmurphal/codexd/internal/store"
)

// CreateJobRequest is the POST /jobs body.
type CreateJobRequest struct {
	RepoURL      string   `json:"repo_url"`
	BaseRef      string   `json:"base_ref"`
	BranchName   string   `json:"branch_name"`
	WorktreePath string   `json:"worktree_path"`
	WorkerType   string   `json:"worker_type"`
	FeatureID    string   `json:"feature_id"`
	FeaturePart  string   `json:"feature_part"`
	PushMode     string   `json:"push_mode"`
	UseWorktree  *bool    `json:"use_worktree"`
	Spec         job.Spec `json:"spec"`
	DependsOn    []string `json:"depends_on"`
}

// handleCreateJob handles POST /jobs.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	j := &job.Job{
		RepoURL:      req.RepoURL,
		BaseRef:      req.BaseRef,
		BranchName:   req.BranchName,
		WorktreePath: req.WorktreePath,
		WorkerType:   req.WorkerType,
		FeatureID:    req.FeatureID,
		FeaturePart:  req.FeaturePart,
		PushMode:     job.PushMode(req.PushMode),
		UseWorktree:  true,
		Spec:         req.Spec,
		DependsOn:    req.DependsOn,
	}
	if req.UseWorktree != nil {
		j.UseWorktree = *req.UseWorktree
	}
	s.deriveWorkspace(j)

	if err := s.store.CreateJob(r.Context(), j); err != nil {
		s.handleError(w, err)
		return
	}
	s.jsonResponseStatus(w, j, http.StatusCreated)
}

// deriveWorkspace fills in branch and worktree path for worktree jobs.
// Branch precedence: explicit branch_name, then feature/<feature_id>, then
// a generated codex/<slug>-<ts>-<rand> from the prompt.
func (s *Server) deriveWorkspace(j *job.Job) {
	if !j.UseWorktree {
		return
	}
	if j.BranchName == "" {
		if branch := job.FeatureBranchName(j.FeatureID); branch != "" {
			j.BranchName = branch
		} else {
			j.BranchName = job.GenerateBranchName(j.Spec.Prompt)
		}
	}
	if j.WorktreePath == "" && s.worktrees != nil {
		j.WorktreePath = s.worktrees.PathFor(j.RepoURL, j.BranchName)
	}
}

// handleListJobs handles GET /jobs with status, worker_type, and
// feature_id query filters.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f store.ListFilter

	if v := q.Get("status"); v != "" {
		status, ok := job.ParseStatus(v)
		if !ok {
			s.jsonError(w, "invalid status filter", http.StatusBadRequest)
			return
		}
		f.Status = status
	}
	f.WorkerType = q.Get("worker_type")
	f.FeatureID = q.Get("feature_id")

	jobs, err := s.store.ListJobs(r.Context(), f)
	if err != nil {
		s.handleError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	s.jsonResponse(w, jobs)
}

// handleGetJob handles GET /jobs/{id}.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.store.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.jsonResponse(w, j)
}

// handleDeleteJob handles DELETE /jobs/{id}. The job's worktree is
// removed afterwards when no other job still references it.
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	j, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.handleError(w, err)
		return
	}
	if err := s.store.DeleteJob(r.Context(), id); err != nil {
		s.handleError(w, err)
		return
	}

	if j.UseWorktree && j.WorktreePath != "" && s.worktrees != nil {
		inUse, err := s.store.IsWorktreeInUse(r.Context(), j.WorktreePath)
		if err == nil && !inUse {
			if err := s.worktrees.Remove(r.Context(), j.WorktreePath); err != nil {
				s.logger.Warn("worktree removal after delete failed",
					"path", j.WorktreePath, "error", err)
			}
		}
	}

	s.jsonResponse(w, map[string]string{"status": "deleted", "id": id})
}

// handleGetLogs handles GET /jobs/{id}/logs with after_seq and limit
// query parameters.
func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetJob(r.Context(), id); err != nil {
		s.handleError(w, err)
		return
	}

	var afterSeq int64
	if v := r.URL.Query().Get("after_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.jsonError(w, "invalid after_seq parameter", http.StatusBadRequest)
			return
		}
		afterSeq = n
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.jsonError(w, "invalid limit parameter", http.StatusBadRequest)
			return
		}
		limit = n
	}

	logs, err := s.store.ReadLogs(r.Context(), id, afterSeq, limit)
	if err != nil {
		s.handleError(w, err)
		return
	}
	if logs == nil {
		logs = []job.LogEntry{}
	}
	s.jsonResponse(w, logs)
}

// AppendLogRequest is the POST /jobs/{id}/logs body.
type AppendLogRequest struct {
	Stream string `json:"stream"`
	Text   string `json:"text"`
}

// handleAppendLog handles POST /jobs/{id}/logs.
func (s *Server) handleAppendLog(w http.ResponseWriter, r *http.Request) {
	var req AppendLogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	stream := job.StreamStdout
	if req.Stream != "" {
		parsed, ok := job.ParseLogStream(req.Stream)
		if !ok {
			s.jsonError(w, "stream must be 'stdout' or 'stderr'", http.StatusBadRequest)
			return
		}
		stream = parsed
	}

	seq, err := s.store.AppendLog(r.Context(), r.PathValue("id"), stream, req.Text)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.jsonResponseStatus(w, map[string]int64{"seq": seq}, http.StatusCreated)
}

// handleGetDependencies handles GET /jobs/{id}/dependencies.
func (s *Server) handleGetDependencies(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetJob(r.Context(), id); err != nil {
		s.handleError(w, err)
		return
	}

	dependsOn, dependedBy, err := s.store.Dependencies(r.Context(), id)
	if err != nil {
		s.handleError(w, err)
		return
	}
	if dependsOn == nil {
		dependsOn = []string{}
	}
	if dependedBy == nil {
		dependedBy = []string{}
	}
	s.jsonResponse(w, map[string][]string{
		"depends_on":  dependsOn,
		"depended_by": dependedBy,
	})
}

// handleClaimJob handles POST /jobs/claim?worker_type=. Returns 404 when
// no job is claimable so pollers can distinguish "empty queue" cheaply.
func (s *Server) handleClaimJob(w http.ResponseWriter, r *http.Request) {
	workerType := r.URL.Query().Get("worker_type")
	if workerType == "" {
		s.jsonError(w, "worker_type query parameter is required", http.StatusBadRequest)
		return
	}

	j, err := s.store.ClaimOldest(r.Context(), workerType)
	if err != nil {
		s.handleError(w, err)
		return
	}
	if j == nil {
		s.jsonError(w, "no claimable job", http.StatusNotFound)
		return
	}
	s.jsonResponse(w, j)
}

// CleanupJobsRequest is the POST /jobs/cleanup body.
type CleanupJobsRequest struct {
	Statuses   []string `json:"statuses"`
	MaxAgeDays int      `json:"max_age_days"`
	IDs        []string `json:"ids"`
}

// handleCleanupJobs handles POST /jobs/cleanup: bulk delete by filter.
// Jobs another job depends on are skipped silently.
func (s *Server) handleCleanupJobs(w http.ResponseWriter, r *http.Request) {
	var req CleanupJobsRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.jsonError(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
	}

	f := store.DeleteFilter{MaxAgeDays: req.MaxAgeDays, IDs: req.IDs}
	for _, v := range req.Statuses {
		status, ok := job.ParseStatus(v)
		if !ok {
			s.jsonError(w, "invalid status in filter: "+v, http.StatusBadRequest)
			return
		}
		f.Statuses = append(f.Statuses, status)
	}

	deleted, err := s.store.DeleteJobs(r.Context(), f)
	if err != nil {
		s.handleError(w, err)
		return
	}

	ids := make([]string, 0, len(deleted))
	for _, j := range deleted {
		ids = append(ids, j.ID)
	}
	s.jsonResponse(w, map[string]any{"deleted": ids, "count": len(ids)})
}

// CompleteJobRequest is the POST /jobs/{id}/complete body. Either a
// status transition (worker reporting a result) or an action
// (continue, resume, cancel) on an existing result.
type CompleteJobRequest struct {
	Status        string             `json:"status"`
	Expected      []string           `json:"expected"`
	ResultSummary *job.ResultSummary `json:"result_summary"`
	SessionID     string             `json:"session_id"`

	Action string `json:"action"`
	Prompt string `json:"prompt"`
}

// handleCompleteJob handles POST /jobs/{id}/complete.
func (s *Server) handleCompleteJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req CompleteJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	switch req.Action {
	case "":
		s.completeWithStatus(w, r, id, req)
	case "cancel":
		j, err := s.store.UpdateStatus(r.Context(), id, job.StatusCancelled, store.StatusUpdate{})
		if err != nil {
			s.handleError(w, err)
			return
		}
		s.jsonResponse(w, j)
	case "continue":
		s.continueJob(w, r, id, req.Prompt)
	case "resume":
		s.resumeJob(w, r, id)
	default:
		s.jsonError(w, "action must be 'continue', 'resume', or 'cancel'", http.StatusBadRequest)
	}
}

// completeWithStatus applies a direct status transition, optimistically
// guarded by the expected statuses (default: the protected pair).
func (s *Server) completeWithStatus(w http.ResponseWriter, r *http.Request, id string, req CompleteJobRequest) {
	to, ok := job.ParseStatus(req.Status)
	if !ok {
		s.jsonError(w, "invalid status", http.StatusBadRequest)
		return
	}

	upd := store.StatusUpdate{
		Summary:   req.ResultSummary,
		SessionID: req.SessionID,
	}
	if len(req.Expected) > 0 {
		for _, v := range req.Expected {
			status, ok := job.ParseStatus(v)
			if !ok {
				s.jsonError(w, "invalid expected status: "+v, http.StatusBadRequest)
				return
			}
			upd.Expected = append(upd.Expected, status)
		}
	} else if to.IsTerminal() || to == job.StatusAwaitingInput {
		upd.Expected = []job.Status{job.StatusRunning, job.StatusAwaitingInput}
	}

	j, err := s.store.UpdateStatus(r.Context(), id, to, upd)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.jsonResponse(w, j)
}

// continueJob feeds a follow-up prompt into a paused or failed job.
// An awaiting_input job goes back to pending on the same record; a
// failed job gets a fresh record carrying the session forward. Timed-out
// jobs must use resume instead, since their transcript ends mid-turn.
func (s *Server) continueJob(w http.ResponseWriter, r *http.Request, id, prompt string) {
	if prompt == "" {
		s.jsonError(w, "prompt is required for continue", http.StatusBadRequest)
		return
	}

	j, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.handleError(w, err)
		return
	}
	if j.SessionID == "" {
		s.handleError(w, codexderrors.ErrValidation("job has no session to continue"))
		return
	}

	switch j.Status {
	case job.StatusAwaitingInput:
		summary := j.ResultSummary
		if summary == nil {
			summary = &job.ResultSummary{}
		}
		summary.ContinuePrompt = prompt
		updated, err := s.store.UpdateStatus(r.Context(), id, job.StatusPending, store.StatusUpdate{
			Expected: []job.Status{job.StatusAwaitingInput},
			Summary:  summary,
		})
		if err != nil {
			s.handleError(w, err)
			return
		}
		s.jsonResponse(w, updated)

	case job.StatusFailed:
		if j.ResultSummary != nil && j.ResultSummary.Codex != nil && j.ResultSummary.Codex.TimedOut {
			s.handleError(w, codexderrors.ErrValidation("job timed out; use resume instead of continue"))
			return
		}
		follow := s.followUpJob(j)
		follow.ResultSummary = &job.ResultSummary{ContinuePrompt: prompt}
		if err := s.store.CreateJob(r.Context(), follow); err != nil {
			s.handleError(w, err)
			return
		}
		// CreateJob does not persist the summary column; park the prompt
		// where the worker will find it.
		updated, err := s.store.UpdateStatus(r.Context(), follow.ID, job.StatusPending, store.StatusUpdate{
			Summary: follow.ResultSummary,
		})
		if err != nil {
			s.handleError(w, err)
			return
		}
		s.jsonResponseStatus(w, updated, http.StatusCreated)

	default:
		s.handleError(w, codexderrors.ErrValidationf(
			"cannot continue a job in status %s", j.Status))
	}
}

// resumeJob requeues a job to pick up its agent session where it
// stopped. Like continue, a failed job gets a fresh record.
func (s *Server) resumeJob(w http.ResponseWriter, r *http.Request, id string) {
	j, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.handleError(w, err)
		return
	}
	if j.SessionID == "" {
		s.handleError(w, codexderrors.ErrValidation("job has no session to resume"))
		return
	}

	switch j.Status {
	case job.StatusAwaitingInput:
		resume := true
		updated, err := s.store.UpdateStatus(r.Context(), id, job.StatusPending, store.StatusUpdate{
			Expected:        []job.Status{job.StatusAwaitingInput},
			ResumeRequested: &resume,
		})
		if err != nil {
			s.handleError(w, err)
			return
		}
		s.jsonResponse(w, updated)

	case job.StatusFailed:
		follow := s.followUpJob(j)
		follow.ResumeRequested = true
		if err := s.store.CreateJob(r.Context(), follow); err != nil {
			s.handleError(w, err)
			return
		}
		s.jsonResponseStatus(w, follow, http.StatusCreated)

	default:
		s.handleError(w, codexderrors.ErrValidationf(
			"cannot resume a job in status %s", j.Status))
	}
}

// followUpJob builds a new pending job that reuses the original's
// workspace and agent session.
func (s *Server) followUpJob(j *job.Job) *job.Job {
	return &job.Job{
		RepoURL:      j.RepoURL,
		BaseRef:      j.BaseRef,
		BranchName:   j.BranchName,
		WorktreePath: j.WorktreePath,
		WorkerType:   j.WorkerType,
		FeatureID:    j.FeatureID,
		FeaturePart:  j.FeaturePart,
		PushMode:     j.PushMode,
		UseWorktree:  j.UseWorktree,
		Spec:         j.Spec,
		SessionID:    j.SessionID,
	}
}
