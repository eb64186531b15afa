package api

import (
	"net/http"
	"path/filepath"
	"strings"

	"github.com/randalmurphal/codexd/internal/job"
	"github.com/randalmurphal/codexd/internal/store"
	"github.com/randalmurphal/codexd/internal/worktree"
)

// Worktree states as reported by GET /worktrees.
const (
	WorktreeOrphaned  = "orphaned"  // managed, no live job references it
	WorktreeInUse     = "in_use"    // referenced by a pending job
	WorktreeProtected = "protected" // referenced by a running/awaiting job
	WorktreeLocked    = "locked"    // git-level lock, left alone by cleanup
	WorktreeUnmanaged = "unmanaged" // directory is not a valid worktree
)

// WorktreeView is one entry in the GET /worktrees response.
type WorktreeView struct {
	worktree.Info
	State          string   `json:"state"`
	Jobs           []string `json:"jobs,omitempty"`
	BlockedReasons []string `json:"blocked_reasons,omitempty"`
}

// handleListWorktrees handles GET /worktrees: every managed directory
// joined against the jobs that reference it.
func (s *Server) handleListWorktrees(w http.ResponseWriter, r *http.Request) {
	infos, err := s.worktrees.List(r.Context())
	if err != nil {
		s.handleError(w, err)
		return
	}

	refs, err := s.worktreeRefs(r)
	if err != nil {
		s.handleError(w, err)
		return
	}

	views := make([]WorktreeView, 0, len(infos))
	for _, info := range infos {
		views = append(views, s.classify(info, refs[info.Path]))
	}
	s.jsonResponse(w, views)
}

// worktreeRefs indexes non-deleted jobs by worktree path.
func (s *Server) worktreeRefs(r *http.Request) (map[string][]*job.Job, error) {
	jobs, err := s.store.ListJobs(r.Context(), store.ListFilter{})
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

// classify derives the worktree state from its validity, its git-level
// lock, and the jobs pointing at it. A git lock wins over job references;
// protected wins over in-use; any reference at all blocks the orphaned
// state, even a terminal one, until the job rows themselves are cleaned.
func (s *Server) classify(info worktree.Info, jobs []*job.Job) WorktreeView {
	view := WorktreeView{Info: info}
	for _, j := range jobs {
		view.Jobs = append(view.Jobs, j.ID)
		if j.Status.IsProtected() {
			view.BlockedReasons = append(view.BlockedReasons, "job "+j.ID+" is "+string(j.Status))
		}
	}
	if info.Locked {
		reason := "locked by git"
		if info.LockReason != "" {
			reason = "locked by git: " + info.LockReason
		}
		view.BlockedReasons = append(view.BlockedReasons, reason)
	}

	switch {
	case !info.Valid:
		view.State = WorktreeUnmanaged
	case info.Locked:
		view.State = WorktreeLocked
	case hasStatus(jobs, func(st job.Status) bool { return st.IsProtected() }):
		view.State = WorktreeProtected
	case len(jobs) > 0:
		view.State = WorktreeInUse
	default:
		view.State = WorktreeOrphaned
	}
	return view
}

func hasStatus(jobs []*job.Job, match func(job.Status) bool) bool {
	for _, j := range jobs {
		if match(j.Status) {
			return true
		}
	}
	return false
}

// handleDeleteWorktree handles DELETE /worktrees/{path...}. A relative
// path is resolved under the managed base dir.
func (s *Server) handleDeleteWorktree(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	if path == "" {
		s.jsonError(w, "worktree path is required", http.StatusBadRequest)
		return
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.worktrees.BaseDir(), path)
	}

	refs, err := s.worktreeRefs(r)
	if err != nil {
		s.handleError(w, err)
		return
	}
	for _, j := range refs[path] {
		if j.Status.IsProtected() {
			s.jsonError(w, "worktree belongs to a job in status "+string(j.Status), http.StatusBadRequest)
			return
		}
		if !j.Status.IsTerminal() {
			s.jsonError(w, "worktree is referenced by pending job "+j.ID, http.StatusBadRequest)
			return
		}
	}

	if err := s.worktrees.Remove(r.Context(), path); err != nil {
		s.handleError(w, err)
		return
	}
	s.jsonResponse(w, map[string]string{"status": "removed", "path": path})
}

// SkippedWorktree explains why cleanup left a directory alone.
type SkippedWorktree struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// handleCleanupWorktrees handles DELETE /worktrees/cleanup: remove every
// orphaned managed worktree, reporting what was kept and why.
func (s *Server) handleCleanupWorktrees(w http.ResponseWriter, r *http.Request) {
	infos, err := s.worktrees.List(r.Context())
	if err != nil {
		s.handleError(w, err)
		return
	}
	refs, err := s.worktreeRefs(r)
	if err != nil {
		s.handleError(w, err)
		return
	}

	removed := []string{}
	skipped := []SkippedWorktree{}
	for _, info := range infos {
		view := s.classify(info, refs[info.Path])
		switch view.State {
		case WorktreeOrphaned, WorktreeUnmanaged:
			if err := s.worktrees.Remove(r.Context(), info.Path); err != nil {
				skipped = append(skipped, SkippedWorktree{Path: info.Path, Reason: err.Error()})
				continue
			}
			removed = append(removed, info.Path)
		case WorktreeLocked:
			reason := "locked by git"
			if info.LockReason != "" {
				reason = "locked by git: " + info.LockReason
			}
			skipped = append(skipped, SkippedWorktree{Path: info.Path, Reason: reason})
		case WorktreeProtected:
			skipped = append(skipped, SkippedWorktree{Path: info.Path, Reason: "job in protected status"})
		case WorktreeInUse:
			skipped = append(skipped, SkippedWorktree{Path: info.Path, Reason: "referenced by " + strings.Join(view.Jobs, ", ")})
		}
	}

	s.jsonResponse(w, map[string]any{"removed": removed, "skipped": skipped})
}
