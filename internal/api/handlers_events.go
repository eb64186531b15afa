package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/randalmurphal/codexd/internal/events"
)

// handleEvents handles GET /events: an SSE feed of every job and
// worktree event. A job_id query parameter narrows the feed to one job.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		jobID = events.GlobalJobID
	}

	ch := s.publisher.Subscribe(jobID)
	defer s.publisher.Unsubscribe(jobID, ch)

	// Initial comment frame flushes the headers to the client.
	_, _ = fmt.Fprint(w, ": connected\n\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				s.logger.Warn("event marshal failed", "type", event.Type, "error", err)
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}
}
