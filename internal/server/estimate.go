package server

import (
	"net/http"

	gateway "github.com/arbiterai/arbiter/internal"
)

// handleEstimate projects the cost of a request without executing it.
func (s *server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var req gateway.ChatRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}

	est, err := s.deps.Orchestrator.EstimateCost(r.Context(), &req, s.selectorOptions(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}
