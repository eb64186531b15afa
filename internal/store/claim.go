package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/randalmurphal/codexd/internal/events"
	"github.com/randalmurphal/codexd/internal/job"
)

// ClaimOldest atomically claims the oldest eligible pending job for a
// worker type and moves it to running. Eligible means: every dependency is
// done, and no other job in a protected status holds the same
// (repo_url, branch_name) pair. Returns nil when nothing is claimable.
//
// Selection and the guarded update run in one transaction, so two workers
// polling concurrently can never claim the same job.
func (s *Store) ClaimOldest(ctx context.Context, workerType string) (*job.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	p := s.db.Placeholder
	query := `
		SELECT ` + jobColumns + ` FROM jobs j
		WHERE j.status = ` + p(1) + `
		  AND j.worker_type = ` + p(2) + `
		  AND NOT EXISTS (
			SELECT 1 FROM job_dependencies d
			JOIN jobs dep ON dep.id = d.depends_on_id
			WHERE d.job_id = j.id AND dep.status != ` + p(3) + `
		  )
		  AND (j.branch_name = '' OR NOT EXISTS (
			SELECT 1 FROM jobs o
			WHERE o.id != j.id
			  AND o.repo_url = j.repo_url
			  AND o.branch_name = j.branch_name
			  AND o.status IN (` + p(4) + `, ` + p(5) + `)
		  ))
		ORDER BY j.created_at ASC, j.id ASC
		LIMIT 1`

	row := tx.QueryRow(ctx, query,
		string(job.StatusPending), workerType, string(job.StatusDone),
		string(job.StatusRunning), string(job.StatusAwaitingInput))
	claimed, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select claimable job: %w", err)
	}

	now := time.Now().UTC()
	res, err := tx.Exec(ctx, `
		UPDATE jobs SET status = `+p(1)+`, updated_at = `+p(2)+`
		WHERE id = `+p(3)+` AND status = `+p(4),
		string(job.StatusRunning), formatTime(now),
		claimed.ID, string(job.StatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("claim job %s: %w", claimed.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim job %s: %w", claimed.ID, err)
	}
	if affected == 0 {
		// Another claimant won between select and update.
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	claimed.Status = job.StatusRunning
	claimed.UpdatedAt = now
	s.bus.Publish(events.NewEvent(events.EventJobUpdated, claimed.ID, events.StatusChange{
		From: job.StatusPending,
		To:   job.StatusRunning,
	}))
	return claimed, nil
}
