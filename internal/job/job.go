// Package job defines the job model for codexd.
//
// A job describes one invocation of the Codex CLI against an isolated git
// worktree: where to fork from, which branch to work on, what to ask the
// agent, and what happened when it ran.
package job

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	StatusPending       Status = "pending"
	StatusRunning       Status = "running"
	StatusAwaitingInput Status = "awaiting_input"
	StatusDone          Status = "done"
	StatusFailed        Status = "failed"
	StatusCancelled     Status = "cancelled"
)

// AllStatuses lists every valid status.
var AllStatuses = []Status{
	StatusPending,
	StatusRunning,
	StatusAwaitingInput,
	StatusDone,
	StatusFailed,
	StatusCancelled,
}

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, bool) {
	st := Status(s)
	for _, v := range AllStatuses {
		if st == v {
			return st, true
		}
	}
	return "", false
}

// IsTerminal reports whether the status is a terminal state.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

// IsProtected reports whether a job in this status must not be deleted and
// blocks claims on the same (repo, branch).
func (s Status) IsProtected() bool {
	return s == StatusRunning || s == StatusAwaitingInput
}

// transitions is the allowed status transition table.
var transitions = map[Status][]Status{
	StatusPending:       {StatusRunning, StatusCancelled},
	StatusRunning:       {StatusDone, StatusFailed, StatusCancelled, StatusAwaitingInput},
	StatusAwaitingInput: {StatusPending, StatusCancelled},
}

// CanTransition reports whether a job may move from one status to another.
// Terminal states have no outgoing edges.
func CanTransition(from, to Status) bool {
	for _, v := range transitions[from] {
		if v == to {
			return true
		}
	}
	return false
}

// PushMode controls whether a worker pushes the job branch after committing.
type PushMode string

const (
	PushAlways PushMode = "always"
	PushNever  PushMode = "never"
)

// ParsePushMode validates a push mode string. Empty defaults to always.
func ParsePushMode(s string) (PushMode, bool) {
	switch PushMode(s) {
	case PushAlways, "":
		return PushAlways, true
	case PushNever:
		return PushNever, true
	}
	return "", false
}

// Spec is the task specification supplied by the submitter. It is stored
// opaquely as JSON; the worker only interprets the fields below.
type Spec struct {
	Prompt       string   `json:"prompt"`
	ContextFiles []string `json:"context_files,omitempty"`
}

// Job is the primary entity: one agent invocation and its outcome.
type Job struct {
	ID           string   `json:"id"`
	RepoURL      string   `json:"repo_url"`
	BaseRef      string   `json:"base_ref"`
	BranchName   string   `json:"branch_name"`
	WorktreePath string   `json:"worktree_path"`
	WorkerType   string   `json:"worker_type"`
	FeatureID    string   `json:"feature_id,omitempty"`
	FeaturePart  string   `json:"feature_part,omitempty"`
	PushMode     PushMode `json:"push_mode"`
	UseWorktree  bool     `json:"use_worktree"`
	Status       Status   `json:"status"`
	Spec         Spec     `json:"spec"`

	ResultSummary *ResultSummary `json:"result_summary,omitempty"`

	// SessionID identifies a resumable agent conversation. Serialised as
	// conversation_id for compatibility with earlier releases.
	SessionID       string `json:"conversation_id,omitempty"`
	ResumeRequested bool   `json:"resume_requested,omitempty"`

	DependsOn []string `json:"depends_on,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewID mints a globally unique job identifier.
func NewID() string {
	return uuid.New().String()
}

// Protected reports whether the job currently holds a protected status.
func (j *Job) Protected() bool {
	return j.Status.IsProtected()
}

// LogStream identifies which standard stream a log line came from.
type LogStream string

const (
	StreamStdout LogStream = "stdout"
	StreamStderr LogStream = "stderr"
)

// ParseLogStream validates a log stream name.
func ParseLogStream(s string) (LogStream, bool) {
	switch LogStream(s) {
	case StreamStdout:
		return StreamStdout, true
	case StreamStderr:
		return StreamStderr, true
	}
	return "", false
}

// LogEntry is one appended log line for a job.
type LogEntry struct {
	JobID     string    `json:"job_id"`
	Seq       int64     `json:"seq"`
	Stream    LogStream `json:"stream"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// ValidateCreate checks submitter input before a job is persisted.
// BranchName is assumed to be derived already (see naming.go).
func (j *Job) ValidateCreate() error {
	if strings.TrimSpace(j.RepoURL) == "" {
		return errRequired("repo_url")
	}
	if strings.TrimSpace(j.Spec.Prompt) == "" {
		return errRequired("spec.prompt")
	}
	if strings.TrimSpace(j.WorkerType) == "" {
		return errRequired("worker_type")
	}
	if j.UseWorktree {
		if strings.TrimSpace(j.BranchName) == "" {
			return errRequired("branch_name")
		}
		if strings.TrimSpace(j.WorktreePath) == "" {
			return errRequired("worktree_path")
		}
	} else if j.WorktreePath != "" {
		return errInvalid("worktree_path must be empty when use_worktree is false")
	}
	if _, ok := ParsePushMode(string(j.PushMode)); !ok {
		return errInvalid("push_mode must be 'always' or 'never'")
	}
	return nil
}
