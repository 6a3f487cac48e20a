package server

import (
	"net/http"
	"time"
)

// handleListModels returns the catalog deduplicated by model id in the
// OpenAI list shape, with per-model capability aggregates.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.deps.Orchestrator.AggregatedModels(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	now := time.Now().Unix()
	data := make([]modelEntry, len(models))
	for i, m := range models {
		data[i] = modelEntry{
			ID:                m.ModelID,
			Object:            "model",
			Created:           now,
			OwnedBy:           "system",
			ContextWindow:     m.ContextWindow,
			SupportsToolCalls: m.SupportsToolCalls,
			SupportsVision:    m.SupportsVision,
			SupportsCache:     m.SupportsCache,
			Providers:         m.Providers,
		}
	}

	writeJSON(w, http.StatusOK, modelListResponse{
		Object: "list",
		Data:   data,
	})
}

type modelEntry struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	OwnedBy           string   `json:"owned_by"`
	ContextWindow     *int     `json:"context_window,omitempty"`
	SupportsToolCalls bool     `json:"supports_tool_calling"`
	SupportsVision    bool     `json:"supports_vision"`
	SupportsCache     bool     `json:"supports_input_cache"`
	Providers         []string `json:"providers"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}
