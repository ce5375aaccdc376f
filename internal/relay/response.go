package relay

import (
	"encoding/json"
	"net/http"
)

// envelope wraps every JSON response body: { "data": ..., "error": ... }.
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

// writeJSON sends data wrapped in the response envelope. An encode failure
// after the status line is written can only be logged.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		s.logger.Error("encoding response failed", "error", err)
	}
}

// writeError sends an error message in the response envelope.
func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: msg}); err != nil {
		s.logger.Error("encoding error response failed", "error", err)
	}
}
