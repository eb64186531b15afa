package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionIDFromOutput(t *testing.T) {
	out := `plain text line
{"type":"turn_started"}
{"type":"session.created","session_id":"11111111-2222-3333-4444-555555555555"}
{"more":"after"}`
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", sessionIDFromOutput(out))

	assert.Equal(t, "camel", sessionIDFromOutput(`{"sessionId":"camel"}`))
	assert.Equal(t, "nested", sessionIDFromOutput(`{"msg":{"session_id":"nested"}}`))
	assert.Empty(t, sessionIDFromOutput("no json here"))
	assert.Empty(t, sessionIDFromOutput(`{"session_id":""}`))
}

func TestSessionIDFromRollouts(t *testing.T) {
	sessions := t.TempDir()
	start := time.Now().UTC()
	day := filepath.Join(sessions, start.Format("2006"), start.Format("01"), start.Format("02"))
	require.NoError(t, os.MkdirAll(day, 0755))

	id := "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"
	rollout := filepath.Join(day, "rollout-2026-08-24T10-30-00-"+id+".jsonl")
	require.NoError(t, os.WriteFile(rollout, []byte("{}\n"), 0644))

	r := NewRunner(Options{CLIPath: "codex", SessionsDir: sessions}, nil)
	got := r.sessionIDFromRollouts(start.Add(-time.Minute))
	assert.Equal(t, id, got)
}

func TestSessionIDFromRolloutsIgnoresOldFiles(t *testing.T) {
	sessions := t.TempDir()
	now := time.Now().UTC()
	day := filepath.Join(sessions, now.Format("2006"), now.Format("01"), now.Format("02"))
	require.NoError(t, os.MkdirAll(day, 0755))

	id := "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"
	rollout := filepath.Join(day, "rollout-old-"+id+".jsonl")
	require.NoError(t, os.WriteFile(rollout, []byte("{}\n"), 0644))
	old := now.Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(rollout, old, old))

	r := NewRunner(Options{CLIPath: "codex", SessionsDir: sessions}, nil)
	// Run started an hour ago; the rollout predates it.
	assert.Empty(t, r.sessionIDFromRollouts(now.Add(-time.Hour)))
}

func TestSessionIDFromRolloutName(t *testing.T) {
	assert.Equal(t, "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee",
		sessionIDFromRolloutName("rollout-2026-08-24T10-30-00-aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee.jsonl"))
	assert.Empty(t, sessionIDFromRolloutName("rollout-short.jsonl"))
	assert.Empty(t, sessionIDFromRolloutName("rollout-a-b-c-d-e.jsonl"))
}
