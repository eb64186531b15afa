package job

import (
	"encoding/json"
	"fmt"
)

// Continuation records one follow-up prompt sent to a resumed session.
type Continuation struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id,omitempty"`
	At        string `json:"at"` // RFC 3339 UTC
}

// CodexOutcome carries the agent-level outcome fields of a run.
type CodexOutcome struct {
	ExitCode   *int   `json:"exit_code,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	TimedOut   bool   `json:"timed_out,omitempty"`
}

// ResultSummary is written when a job reaches a terminal or paused state.
// Known fields are explicit; anything else a writer wants to record goes in
// Extra. The whole record persists as JSON text.
type ResultSummary struct {
	Error      string        `json:"error,omitempty"`
	CommitHash string        `json:"commit_hash,omitempty"`
	Pushed     bool          `json:"pushed,omitempty"`
	TestsRun   bool          `json:"tests_run,omitempty"`
	TestsPass  bool          `json:"tests_pass,omitempty"`
	Codex      *CodexOutcome `json:"codex,omitempty"`

	// CancelledBy names the upstream job whose failure cascaded here.
	CancelledBy string `json:"cancelled_by,omitempty"`

	// ContinuePrompt is a pending follow-up for the next run of this job.
	ContinuePrompt string `json:"continue_prompt,omitempty"`

	Continuations    []Continuation `json:"continuations,omitempty"`
	LastContinuation *Continuation  `json:"last_continuation,omitempty"`

	Extra map[string]any `json:"extra,omitempty"`
}

// AddContinuation appends to the continuation history and mirrors the entry
// into LastContinuation.
func (r *ResultSummary) AddContinuation(c Continuation) {
	r.Continuations = append(r.Continuations, c)
	last := c
	r.LastContinuation = &last
}

// MarshalSpec encodes a spec as JSON text for storage.
func MarshalSpec(s *Spec) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal spec: %w", err)
	}
	return string(data), nil
}

// UnmarshalSpec decodes stored spec JSON. Empty text leaves spec zeroed.
func UnmarshalSpec(text string, s *Spec) error {
	if text == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(text), s); err != nil {
		return fmt.Errorf("parse spec: %w", err)
	}
	return nil
}

// MarshalSummary encodes a summary as JSON text for storage. Nil encodes as
// the empty string.
func MarshalSummary(r *ResultSummary) (string, error) {
	if r == nil {
		return "", nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal result summary: %w", err)
	}
	return string(data), nil
}

// UnmarshalSummary decodes stored JSON text. Empty text yields nil.
func UnmarshalSummary(text string) (*ResultSummary, error) {
	if text == "" {
		return nil, nil
	}
	var r ResultSummary
	if err := json.Unmarshal([]byte(text), &r); err != nil {
		return nil, fmt.Errorf("parse result summary: %w", err)
	}
	return &r, nil
}
