package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/randalmurphal/codexd/internal/db"
	"github.com/randalmurphal/codexd/internal/db/driver"
	codexderrors "github.com/randalmurphal/codexd/internal/errors"
	"github.com/randalmurphal/codexd/internal/events"
	"github.com/randalmurphal/codexd/internal/job"
)

// CreateJob validates and persists a job with its dependency edges in one
// transaction. Missing fields get defaults first: ID, status, base ref.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	if j.ID == "" {
		j.ID = job.NewID()
	}
	if j.BaseRef == "" {
		j.BaseRef = "origin/main"
	}
	if j.PushMode == "" {
		j.PushMode = job.PushAlways
	}
	j.Status = job.StatusPending

	if err := j.ValidateCreate(); err != nil {
		return err
	}

	specText, err := job.MarshalSpec(&j.Spec)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Every dependency must exist and be claimable-from: unknown IDs are a
	// validation error, terminated upstreams poison the new job immediately.
	seen := make(map[string]bool, len(j.DependsOn))
	for _, depID := range j.DependsOn {
		if seen[depID] {
			return codexderrors.ErrValidationf("duplicate dependency %s", depID)
		}
		seen[depID] = true

		var status string
		err := tx.QueryRow(ctx, "SELECT status FROM jobs WHERE id = "+s.db.Placeholder(1), depID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return codexderrors.ErrValidationf("dependency %s does not exist", depID)
		}
		if err != nil {
			return fmt.Errorf("check dependency %s: %w", depID, err)
		}
		if status == string(job.StatusFailed) || status == string(job.StatusCancelled) {
			return codexderrors.ErrDependencyTerminated(depID, status)
		}
	}

	if err := s.detectCycle(ctx, tx, j.ID, j.DependsOn); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, repo_url, base_ref, branch_name, worktree_path, use_worktree,
			push_mode, worker_type, feature_id, feature_part, status, spec, result_summary,
			session_id, resume_requested, created_at, updated_at)
		VALUES (`+placeholders(s.db, 17)+`)`,
		j.ID, j.RepoURL, j.BaseRef, j.BranchName, j.WorktreePath, j.UseWorktree,
		string(j.PushMode), j.WorkerType, j.FeatureID, j.FeaturePart, string(j.Status), specText, "",
		j.SessionID, j.ResumeRequested, formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	for _, depID := range j.DependsOn {
		_, err = tx.Exec(ctx,
			"INSERT INTO job_dependencies (job_id, depends_on_id) VALUES ("+placeholders(s.db, 2)+")",
			j.ID, depID)
		if err != nil {
			return fmt.Errorf("insert dependency edge %s: %w", depID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create: %w", err)
	}

	s.bus.Publish(events.NewEvent(events.EventJobCreated, j.ID, events.JobUpdate{Job: j}))
	return nil
}

// detectCycle walks the existing dependency graph from each declared
// dependency and rejects any path that reaches the new job's ID. With
// server-minted UUIDs only a self-edge can cycle, but client-supplied IDs
// make the full check necessary.
func (s *Store) detectCycle(ctx context.Context, tx driver.Tx, newID string, deps []string) error {
	visited := make(map[string]bool)
	stack := append([]string(nil), deps...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == newID {
			return codexderrors.ErrCircularDependency(newID)
		}
		if visited[id] {
			continue
		}
		visited[id] = true

		rows, err := tx.Query(ctx,
			"SELECT depends_on_id FROM job_dependencies WHERE job_id = "+s.db.Placeholder(1), id)
		if err != nil {
			return fmt.Errorf("walk dependencies of %s: %w", id, err)
		}
		for rows.Next() {
			var dep string
			if err := rows.Scan(&dep); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan dependency edge: %w", err)
			}
			stack = append(stack, dep)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return fmt.Errorf("iterate dependency edges: %w", err)
		}
		_ = rows.Close()
	}
	return nil
}

// GetJob loads a job by ID, including its dependency list.
func (s *Store) GetJob(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE id = "+s.db.Placeholder(1), id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, codexderrors.ErrJobNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}

	deps, _, err := s.Dependencies(ctx, id)
	if err != nil {
		return nil, err
	}
	j.DependsOn = deps
	return j, nil
}

// ListFilter narrows ListJobs results. Zero values match everything.
type ListFilter struct {
	Status     job.Status
	WorkerType string
	FeatureID  string
}

// ListJobs returns jobs newest-first, optionally filtered.
func (s *Store) ListJobs(ctx context.Context, f ListFilter) ([]*job.Job, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, "status = "+s.db.Placeholder(len(args)))
	}
	if f.WorkerType != "" {
		args = append(args, f.WorkerType)
		where = append(where, "worker_type = "+s.db.Placeholder(len(args)))
	}
	if f.FeatureID != "" {
		args = append(args, f.FeatureID)
		where = append(where, "feature_id = "+s.db.Placeholder(len(args)))
	}

	query := "SELECT " + jobColumns + " FROM jobs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}

	if err := s.attachDependencies(ctx, jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// attachDependencies batch-loads depends_on lists to avoid N+1 queries.
func (s *Store) attachDependencies(ctx context.Context, jobs []*job.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	rows, err := s.db.QueryContext(ctx, "SELECT job_id, depends_on_id FROM job_dependencies")
	if err != nil {
		return fmt.Errorf("load dependency edges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	deps := make(map[string][]string)
	for rows.Next() {
		var jobID, depID string
		if err := rows.Scan(&jobID, &depID); err != nil {
			return fmt.Errorf("scan dependency edge: %w", err)
		}
		deps[jobID] = append(deps[jobID], depID)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate dependency edges: %w", err)
	}

	for _, j := range jobs {
		j.DependsOn = deps[j.ID]
	}
	return nil
}

// Dependencies returns both directions of a job's dependency edges.
func (s *Store) Dependencies(ctx context.Context, id string) (dependsOn, dependedBy []string, err error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT depends_on_id FROM job_dependencies WHERE job_id = "+s.db.Placeholder(1)+" ORDER BY depends_on_id", id)
	if err != nil {
		return nil, nil, fmt.Errorf("load dependencies: %w", err)
	}
	dependsOn, err = collectStrings(rows)
	if err != nil {
		return nil, nil, err
	}

	rows, err = s.db.QueryContext(ctx,
		"SELECT job_id FROM job_dependencies WHERE depends_on_id = "+s.db.Placeholder(1)+" ORDER BY job_id", id)
	if err != nil {
		return nil, nil, fmt.Errorf("load dependents: %w", err)
	}
	dependedBy, err = collectStrings(rows)
	if err != nil {
		return nil, nil, err
	}
	return dependsOn, dependedBy, nil
}

func collectStrings(rows *sql.Rows) ([]string, error) {
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}
	return out, nil
}

// DeleteJob removes a single job. Protected statuses and jobs that others
// depend on refuse deletion.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRow(ctx, "SELECT status FROM jobs WHERE id = "+s.db.Placeholder(1), id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return codexderrors.ErrJobNotFound(id)
	}
	if err != nil {
		return fmt.Errorf("check job %s: %w", id, err)
	}
	if job.Status(status).IsProtected() {
		return codexderrors.ErrProtectedState(id, status)
	}

	var dependents int
	err = tx.QueryRow(ctx,
		"SELECT COUNT(*) FROM job_dependencies WHERE depends_on_id = "+s.db.Placeholder(1), id).Scan(&dependents)
	if err != nil {
		return fmt.Errorf("count dependents of %s: %w", id, err)
	}
	if dependents > 0 {
		return codexderrors.ErrDependentExists(id)
	}

	if _, err := tx.Exec(ctx, "DELETE FROM jobs WHERE id = "+s.db.Placeholder(1), id); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}

	s.bus.Publish(events.NewEvent(events.EventJobDeleted, id, nil))
	return nil
}

// DeleteFilter narrows a bulk delete.
type DeleteFilter struct {
	// Statuses to remove. Empty means every non-protected terminal status.
	Statuses []job.Status
	// MaxAgeDays keeps jobs updated within the window. Zero means no window.
	MaxAgeDays int
	// IDs restricts the sweep to specific jobs.
	IDs []string
}

// DeleteJobs bulk-removes jobs matching the filter. Protected jobs are
// always excluded, and jobs that still have dependents are skipped silently
// so a partial sweep never breaks the graph. Returns the removed jobs.
func (s *Store) DeleteJobs(ctx context.Context, f DeleteFilter) ([]*job.Job, error) {
	statuses := f.Statuses
	if len(statuses) == 0 {
		statuses = []job.Status{job.StatusDone, job.StatusFailed, job.StatusCancelled}
	}
	for _, st := range statuses {
		if st.IsProtected() {
			return nil, codexderrors.ErrValidationf("cannot bulk-delete %s jobs", st)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin bulk delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		where []string
		args  []any
	)
	in := make([]string, len(statuses))
	for i, st := range statuses {
		args = append(args, string(st))
		in[i] = s.db.Placeholder(len(args))
	}
	where = append(where, "status IN ("+strings.Join(in, ", ")+")")

	if f.MaxAgeDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -f.MaxAgeDays)
		args = append(args, formatTime(cutoff))
		where = append(where, "updated_at < "+s.db.Placeholder(len(args)))
	}
	if len(f.IDs) > 0 {
		ids := make([]string, len(f.IDs))
		for i, id := range f.IDs {
			args = append(args, id)
			ids[i] = s.db.Placeholder(len(args))
		}
		where = append(where, "id IN ("+strings.Join(ids, ", ")+")")
	}

	// Jobs something still depends on stay, silently.
	where = append(where,
		"NOT EXISTS (SELECT 1 FROM job_dependencies d WHERE d.depends_on_id = jobs.id)")

	rows, err := tx.Query(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE "+strings.Join(where, " AND "), args...)
	if err != nil {
		return nil, fmt.Errorf("select jobs to delete: %w", err)
	}
	victims, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}

	for _, v := range victims {
		if _, err := tx.Exec(ctx, "DELETE FROM jobs WHERE id = "+s.db.Placeholder(1), v.ID); err != nil {
			return nil, fmt.Errorf("delete job %s: %w", v.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit bulk delete: %w", err)
	}

	for _, v := range victims {
		s.bus.Publish(events.NewEvent(events.EventJobDeleted, v.ID, nil))
	}
	return victims, nil
}

// IsWorktreeInUse reports whether any job other than the excluded IDs still
// references the worktree path.
func (s *Store) IsWorktreeInUse(ctx context.Context, path string, excludeIDs ...string) (bool, error) {
	args := []any{path}
	query := "SELECT COUNT(*) FROM jobs WHERE worktree_path = " + s.db.Placeholder(1)
	for _, id := range excludeIDs {
		args = append(args, id)
		query += " AND id != " + s.db.Placeholder(len(args))
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return false, fmt.Errorf("check worktree references: %w", err)
	}
	return count > 0, nil
}

// RepoURLs returns the distinct repo URLs referenced by any job.
func (s *Store) RepoURLs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT repo_url FROM jobs")
	if err != nil {
		return nil, fmt.Errorf("list repo urls: %w", err)
	}
	return collectStrings(rows)
}

// placeholders builds a comma-separated placeholder list of length n.
func placeholders(d *db.DB, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = d.Placeholder(i + 1)
	}
	return strings.Join(parts, ", ")
}
