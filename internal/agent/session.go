package agent

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// sessionIDPaths are the JSON fields the CLI has used for the session
// identifier across releases.
var sessionIDPaths = []string{
	"session_id",
	"sessionId",
	"msg.session_id",
	"configured.session_id",
}

// findSessionID recovers the conversation ID of a run: first from the JSON
// event lines on stdout, then from the rollout files the CLI writes under
// the sessions directory.
func (r *Runner) findSessionID(stdout string, start time.Time) string {
	if id := sessionIDFromOutput(stdout); id != "" {
		return id
	}
	return r.sessionIDFromRollouts(start)
}

// sessionIDFromOutput scans JSONL output for a session identifier.
func sessionIDFromOutput(stdout string) string {
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") || !gjson.Valid(line) {
			continue
		}
		for _, path := range sessionIDPaths {
			if v := gjson.Get(line, path); v.Exists() && v.String() != "" {
				return v.String()
			}
		}
	}
	return ""
}

// sessionIDFromRollouts finds the rollout file the run produced. The CLI
// writes sessions/YYYY/MM/DD/rollout-<ts>-<uuid>.jsonl in UTC; a run that
// crosses midnight lands in the next day's directory, so both days are
// scanned and the newest file modified after the run started wins.
func (r *Runner) sessionIDFromRollouts(start time.Time) string {
	if r.sessionsDir == "" {
		return ""
	}

	var (
		bestID    string
		bestMtime time.Time
	)
	for _, day := range []time.Time{start.UTC(), start.UTC().AddDate(0, 0, 1)} {
		dir := filepath.Join(r.sessionsDir, day.Format("2006"), day.Format("01"), day.Format("02"))
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasPrefix(name, "rollout-") || !strings.HasSuffix(name, ".jsonl") {
				continue
			}
			info, err := e.Info()
			if err != nil || info.ModTime().Before(start.Add(-time.Second)) {
				continue
			}
			if info.ModTime().After(bestMtime) {
				if id := sessionIDFromRolloutName(name); id != "" {
					bestID = id
					bestMtime = info.ModTime()
				}
			}
		}
	}
	return bestID
}

// sessionIDFromRolloutName extracts the UUID suffix from a rollout filename:
// rollout-2026-08-24T10-30-00-<uuid>.jsonl.
func sessionIDFromRolloutName(name string) string {
	base := strings.TrimSuffix(strings.TrimPrefix(name, "rollout-"), ".jsonl")
	// The UUID is the last five hyphen-separated groups.
	parts := strings.Split(base, "-")
	if len(parts) < 5 {
		return ""
	}
	id := strings.Join(parts[len(parts)-5:], "-")
	if len(id) != 36 {
		return ""
	}
	return id
}
