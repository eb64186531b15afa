package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	codexderrors "github.com/randalmurphal/codexd/internal/errors"
	"github.com/randalmurphal/codexd/internal/events"
	"github.com/randalmurphal/codexd/internal/job"
)

// AppendLog appends one log line to a job's log with the next sequence
// number. Sequence allocation and the insert share a transaction, which
// keeps seq dense and strictly increasing per job.
func (s *Store) AppendLog(ctx context.Context, jobID string, stream job.LogStream, text string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin log append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRow(ctx, "SELECT 1 FROM jobs WHERE id = "+s.db.Placeholder(1), jobID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, codexderrors.ErrJobNotFound(jobID)
	}
	if err != nil {
		return 0, fmt.Errorf("check job %s: %w", jobID, err)
	}

	var seq int64
	err = tx.QueryRow(ctx,
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM job_logs WHERE job_id = "+s.db.Placeholder(1), jobID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("allocate log seq: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO job_logs (job_id, seq, stream, text, created_at)
		VALUES (`+placeholders(s.db, 5)+`)`,
		jobID, seq, string(stream), text, formatTime(time.Now().UTC()),
	)
	if err != nil {
		return 0, fmt.Errorf("insert log line: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit log append: %w", err)
	}

	s.bus.Publish(events.NewEvent(events.EventLogAppended, jobID, events.LogLine{
		Seq:    seq,
		Stream: stream,
		Text:   text,
	}))
	return seq, nil
}

// ReadLogs returns log lines with seq greater than afterSeq, oldest first.
// A limit of 0 means no limit.
func (s *Store) ReadLogs(ctx context.Context, jobID string, afterSeq int64, limit int) ([]job.LogEntry, error) {
	query := `
		SELECT job_id, seq, stream, text, created_at FROM job_logs
		WHERE job_id = ` + s.db.Placeholder(1) + ` AND seq > ` + s.db.Placeholder(2) + `
		ORDER BY seq ASC`
	args := []any{jobID, afterSeq}
	if limit > 0 {
		args = append(args, limit)
		query += " LIMIT " + s.db.Placeholder(3)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read logs for %s: %w", jobID, err)
	}
	defer func() { _ = rows.Close() }()

	var entries []job.LogEntry
	for rows.Next() {
		var (
			e       job.LogEntry
			stream  string
			created timeText
		)
		if err := rows.Scan(&e.JobID, &e.Seq, &stream, &e.Text, &created); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		st, ok := job.ParseLogStream(stream)
		if !ok {
			st = job.StreamStdout
		}
		e.Stream = st
		e.CreatedAt = created.t
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log lines: %w", err)
	}
	return entries, nil
}
