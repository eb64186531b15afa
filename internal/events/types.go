// Package events provides event types and publishing infrastructure for codexd.
package events

import (
	"time"

	"github.com/randalmurphal/codexd/internal/job"
)

// EventType defines the type of event.
type EventType string

const (
	// EventJobCreated indicates a job was created.
	EventJobCreated EventType = "job_created"
	// EventJobUpdated indicates a job's status or fields changed.
	EventJobUpdated EventType = "job_updated"
	// EventJobDeleted indicates a job was removed.
	EventJobDeleted EventType = "job_deleted"
	// EventLogAppended indicates a new log line for a job.
	EventLogAppended EventType = "log_appended"
	// EventWorktreeChanged indicates a worktree was created or removed.
	EventWorktreeChanged EventType = "worktree_changed"
)

// Event represents a published event.
type Event struct {
	Type  EventType `json:"type"`
	JobID string    `json:"job_id"`
	Data  any       `json:"data,omitempty"`
	Time  time.Time `json:"time"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType EventType, jobID string, data any) Event {
	return Event{
		Type:  eventType,
		JobID: jobID,
		Data:  data,
		Time:  time.Now().UTC(),
	}
}

// JobUpdate carries the job state after a change.
type JobUpdate struct {
	Job *job.Job `json:"job"`
}

// StatusChange carries an old/new status pair for a job transition.
type StatusChange struct {
	From job.Status `json:"from"`
	To   job.Status `json:"to"`
}

// LogLine carries one appended log entry.
type LogLine struct {
	Seq    int64         `json:"seq"`
	Stream job.LogStream `json:"stream"`
	Text   string        `json:"text"`
}

// WorktreeChange carries a worktree lifecycle notification.
type WorktreeChange struct {
	Path   string `json:"path"`
	Action string `json:"action"` // created, removed
}
