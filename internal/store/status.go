package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/randalmurphal/codexd/internal/db/driver"
	codexderrors "github.com/randalmurphal/codexd/internal/errors"
	"github.com/randalmurphal/codexd/internal/events"
	"github.com/randalmurphal/codexd/internal/job"
)

// StatusUpdate carries the optional side effects of a status change.
type StatusUpdate struct {
	// Expected, when non-empty, makes the update optimistic: the job must
	// currently hold one of these statuses or the call fails with a stale
	// state error.
	Expected []job.Status

	// Summary replaces the stored result summary when non-nil.
	Summary *job.ResultSummary

	// SessionID is persisted when non-empty.
	SessionID string

	// ResumeRequested overwrites the flag when non-nil.
	ResumeRequested *bool
}

// UpdateStatus transitions a job to a new status inside one transaction.
// When the new status is failed or cancelled, every pending transitive
// dependent is cancelled in the same transaction with a summary naming the
// job whose termination cascaded. Events publish after commit.
func (s *Store) UpdateStatus(ctx context.Context, id string, to job.Status, upd StatusUpdate) (*job.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin status update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRow(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = "+s.db.Placeholder(1), id)
	current, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, codexderrors.ErrJobNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}

	if len(upd.Expected) > 0 {
		matched := false
		for _, exp := range upd.Expected {
			if current.Status == exp {
				matched = true
				break
			}
		}
		if !matched {
			return nil, codexderrors.ErrStaleState(id, string(current.Status))
		}
	}

	if current.Status != to && !job.CanTransition(current.Status, to) {
		return nil, codexderrors.ErrValidationf(
			"job %s cannot move from %s to %s", id, current.Status, to)
	}

	now := time.Now().UTC()
	if err := s.applyUpdate(ctx, tx, current, to, upd, now); err != nil {
		return nil, err
	}

	pending := []events.Event{events.NewEvent(events.EventJobUpdated, id, events.StatusChange{
		From: current.Status,
		To:   to,
	})}

	if to == job.StatusFailed || to == job.StatusCancelled {
		cancelled, err := s.cascadeCancel(ctx, tx, id, now)
		if err != nil {
			return nil, err
		}
		for _, depID := range cancelled {
			pending = append(pending, events.NewEvent(events.EventJobUpdated, depID, events.StatusChange{
				From: job.StatusPending,
				To:   job.StatusCancelled,
			}))
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit status update: %w", err)
	}
	s.publishAll(pending)

	return s.GetJob(ctx, id)
}

// applyUpdate writes the status row change.
func (s *Store) applyUpdate(ctx context.Context, tx driver.Tx, current *job.Job, to job.Status, upd StatusUpdate, now time.Time) error {
	summaryText := ""
	if upd.Summary != nil {
		text, err := job.MarshalSummary(upd.Summary)
		if err != nil {
			return err
		}
		summaryText = text
	} else if current.ResultSummary != nil {
		text, err := job.MarshalSummary(current.ResultSummary)
		if err != nil {
			return err
		}
		summaryText = text
	}

	sessionID := current.SessionID
	if upd.SessionID != "" {
		sessionID = upd.SessionID
	}
	resume := current.ResumeRequested
	if upd.ResumeRequested != nil {
		resume = *upd.ResumeRequested
	}

	res, err := tx.Exec(ctx, `
		UPDATE jobs SET status = `+s.db.Placeholder(1)+`,
			result_summary = `+s.db.Placeholder(2)+`,
			session_id = `+s.db.Placeholder(3)+`,
			resume_requested = `+s.db.Placeholder(4)+`,
			updated_at = `+s.db.Placeholder(5)+`
		WHERE id = `+s.db.Placeholder(6)+` AND status = `+s.db.Placeholder(7),
		string(to), summaryText, sessionID, resume, formatTime(now),
		current.ID, string(current.Status),
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", current.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job %s: %w", current.ID, err)
	}
	if affected == 0 {
		// Lost a race inside the transaction window.
		return codexderrors.ErrStaleState(current.ID, string(current.Status))
	}
	return nil
}

// cascadeCancel cancels every pending transitive dependent of rootID and
// returns the IDs it cancelled, in discovery order.
func (s *Store) cascadeCancel(ctx context.Context, tx driver.Tx, rootID string, now time.Time) ([]string, error) {
	var cancelled []string
	visited := map[string]bool{rootID: true}
	frontier := []string{rootID}

	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]

		rows, err := tx.Query(ctx,
			"SELECT job_id FROM job_dependencies WHERE depends_on_id = "+s.db.Placeholder(1), id)
		if err != nil {
			return nil, fmt.Errorf("load dependents of %s: %w", id, err)
		}
		var dependents []string
		for rows.Next() {
			var dep string
			if err := rows.Scan(&dep); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("scan dependent: %w", err)
			}
			dependents = append(dependents, dep)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("iterate dependents: %w", err)
		}
		_ = rows.Close()

		for _, depID := range dependents {
			if visited[depID] {
				continue
			}
			visited[depID] = true
			frontier = append(frontier, depID)

			// Each cancelled dependent names its immediate upstream, so a
			// long chain reads A failed, B cancelled by A, C cancelled by B.
			summary, err := job.MarshalSummary(&job.ResultSummary{
				Error:       fmt.Sprintf("cancelled: upstream job %s terminated", id),
				CancelledBy: id,
			})
			if err != nil {
				return nil, err
			}
			res, err := tx.Exec(ctx, `
				UPDATE jobs SET status = `+s.db.Placeholder(1)+`,
					result_summary = `+s.db.Placeholder(2)+`,
					updated_at = `+s.db.Placeholder(3)+`
				WHERE id = `+s.db.Placeholder(4)+` AND status = `+s.db.Placeholder(5),
				string(job.StatusCancelled), summary, formatTime(now),
				depID, string(job.StatusPending),
			)
			if err != nil {
				return nil, fmt.Errorf("cascade cancel %s: %w", depID, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return nil, fmt.Errorf("cascade cancel %s: %w", depID, err)
			}
			if affected > 0 {
				cancelled = append(cancelled, depID)
			}
		}
	}
	return cancelled, nil
}

// RecoverOrphans moves jobs stuck in running back to pending. Called once
// at startup: a running row with no live worker means the previous process
// died mid-job.
func (s *Store) RecoverOrphans(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = `+s.db.Placeholder(1)+`, updated_at = `+s.db.Placeholder(2)+`
		WHERE status = `+s.db.Placeholder(3),
		string(job.StatusPending), formatTime(time.Now().UTC()), string(job.StatusRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("recover orphaned jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover orphaned jobs: %w", err)
	}
	if n > 0 {
		s.logger.Warn("requeued jobs left running by a previous process", "count", n)
	}
	return int(n), nil
}
