package api

import (
	"encoding/json"
	"net/http"

	codexderrors "github.com/randalmurphal/codexd/internal/errors"
)

// APIError is the standard error response format.
type APIError struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// jsonResponse writes a successful JSON response.
func (s *Server) jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

// jsonResponseStatus writes a JSON response with a specific status code.
func (s *Server) jsonResponseStatus(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// jsonError writes a simple error response.
func (s *Server) jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIError{Error: message})
}

// handleError inspects the error type and writes the appropriate response.
// Structured errors carry their own status; everything else is a 500 with
// the full error logged server-side.
func (s *Server) handleError(w http.ResponseWriter, err error) {
	if cerr := codexderrors.AsError(err); cerr != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(cerr.HTTPStatus())
		_ = json.NewEncoder(w).Encode(APIError{
			Error: cerr.What,
			Code:  string(cerr.Code),
		})
		return
	}
	s.logger.Error("internal error", "error", err)
	s.jsonError(w, "internal error", http.StatusInternalServerError)
}
