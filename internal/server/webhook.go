package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"time"

	gateway "github.com/arbiterai/arbiter/internal"
	"github.com/arbiterai/arbiter/internal/accounting"
)

const webhookSecretHeader = "X-Webhook-Secret"

// handleCalculateTokens triggers one accounting run. Protected by the
// shared webhook secret; a run already in progress answers 409.
func (s *server) handleCalculateTokens(w http.ResponseWriter, r *http.Request) {
	secret := r.Header.Get(webhookSecretHeader)
	if s.deps.WebhookSecret == "" ||
		subtle.ConstantTimeCompare([]byte(secret), []byte(s.deps.WebhookSecret)) != 1 {
		writeJSON(w, http.StatusUnauthorized, errorBody("invalid webhook secret", typeAuth))
		return
	}

	batchSize := accounting.DefaultBatchSize
	if v := r.URL.Query().Get("batch_size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			batchSize = n
		}
	}
	timeLimit := accounting.DefaultTimeLimit
	if v := r.URL.Query().Get("time_limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			timeLimit = time.Duration(n) * time.Millisecond
		}
	}

	stats, err := s.deps.Processor.ProcessReady(r.Context(), batchSize, timeLimit)
	if err != nil {
		if errors.Is(err, gateway.ErrConflict) {
			writeJSON(w, http.StatusConflict, errorBody("accounting already in progress", typeConflict))
			return
		}
		writeError(w, r, err)
		return
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.AccountingProcessed.Add(float64(stats.Processed))
		s.deps.Metrics.AccountingErrors.Add(float64(stats.Errors))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"processed":   stats.Processed,
		"errors":      stats.Errors,
		"duration_ms": stats.Duration.Milliseconds(),
	})
}

// handleWebhookStatus is the unauthenticated liveness + counters probe.
func (s *server) handleWebhookStatus(w http.ResponseWriter, _ *http.Request) {
	processed, errs, lastRun := s.deps.Processor.Totals()
	body := map[string]any{
		"status":          "ok",
		"in_progress":     s.deps.Processor.Running(),
		"total_processed": processed,
		"total_errors":    errs,
	}
	if !lastRun.IsZero() {
		body["last_run"] = lastRun.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, body)
}
