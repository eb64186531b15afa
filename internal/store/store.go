// Package store implements job persistence on top of the database layer.
//
// All multi-step mutations (create with dependency edges, status changes
// with cascading cancellation, claims) run inside a single transaction, and
// events publish only after the transaction commits.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/codexd/internal/db"
	"github.com/randalmurphal/codexd/internal/events"
	"github.com/randalmurphal/codexd/internal/job"
)

// Store provides job queue operations.
type Store struct {
	db     *db.DB
	bus    events.Publisher
	logger *slog.Logger
}

// New creates a Store. A nil bus disables event publication.
func New(database *db.DB, bus events.Publisher, logger *slog.Logger) *Store {
	if bus == nil {
		bus = events.NewNopPublisher()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: database, bus: bus, logger: logger}
}

// jobColumns is the column list used by every job SELECT.
const jobColumns = `id, repo_url, base_ref, branch_name, worktree_path, use_worktree,
	push_mode, worker_type, feature_id, feature_part, status, spec, result_summary,
	session_id, resume_requested, created_at, updated_at`

// timeText scans a timestamp column that may arrive as a string, []byte,
// or time.Time depending on dialect.
type timeText struct {
	t time.Time
}

func (s *timeText) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		s.t = time.Time{}
		return nil
	case time.Time:
		s.t = v.UTC()
		return nil
	case string:
		return s.parse(v)
	case []byte:
		return s.parse(string(v))
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
}

func (s *timeText) parse(v string) error {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			s.t = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("unparseable timestamp %q", v)
}

// formatTime renders a timestamp for storage. RFC 3339 with nanoseconds
// keeps lexicographic order equal to chronological order in SQLite.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanJob reads one job row in jobColumns order.
func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j          job.Job
		specText   string
		summary    string
		createdAt  timeText
		updatedAt  timeText
		useWktree  bool
		resumeReq  bool
		statusText string
	)
	err := row.Scan(
		&j.ID, &j.RepoURL, &j.BaseRef, &j.BranchName, &j.WorktreePath, &useWktree,
		&j.PushMode, &j.WorkerType, &j.FeatureID, &j.FeaturePart, &statusText, &specText, &summary,
		&j.SessionID, &resumeReq, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.UseWorktree = useWktree
	j.ResumeRequested = resumeReq
	j.CreatedAt = createdAt.t
	j.UpdatedAt = updatedAt.t

	status, ok := job.ParseStatus(statusText)
	if !ok {
		return nil, fmt.Errorf("job %s: invalid status %q", j.ID, statusText)
	}
	j.Status = status

	if err := job.UnmarshalSpec(specText, &j.Spec); err != nil {
		return nil, fmt.Errorf("job %s: %w", j.ID, err)
	}

	sum, err := job.UnmarshalSummary(summary)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", j.ID, err)
	}
	j.ResultSummary = sum

	return &j, nil
}

// collectJobs drains rows into a slice.
func collectJobs(rows *sql.Rows) ([]*job.Job, error) {
	defer func() { _ = rows.Close() }()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// publishAll emits queued events; called only after a successful commit.
func (s *Store) publishAll(evs []events.Event) {
	for _, ev := range evs {
		s.bus.Publish(ev)
	}
}
