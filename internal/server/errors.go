package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	gateway "github.com/arbiterai/arbiter/internal"
	"github.com/arbiterai/arbiter/internal/adapter"
	"github.com/arbiterai/arbiter/internal/selector"
)

// Error type strings in the response body.
const (
	typeInvalidRequest = "invalid_request_error"
	typeAuth           = "authentication_error"
	typeFunds          = "insufficient_funds"
	typeUpstream       = "upstream_error"
	typeInternal       = "internal_error"
	typeConflict       = "conflict"
)

// apiError is the wire shape of every error response:
// {"error":{"message","type","code?","provider?","details?"}}.
type apiError struct {
	Error apiErrorDetail `json:"error"`
}

type apiErrorDetail struct {
	Message  string `json:"message"`
	Type     string `json:"type"`
	Code     string `json:"code,omitempty"`
	Provider string `json:"provider,omitempty"`
	Details  any    `json:"details,omitempty"`
}

func errorBody(msg, typ string) apiError {
	return apiError{Error: apiErrorDetail{Message: msg, Type: typ}}
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// avoids the []string{v} alloc that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(data)
}

// writeError maps a domain error to its HTTP shape. Business upstream
// errors pass through with the upstream status and provider; transient
// exhaustion and unknown failures surface as 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var noCand *selector.NoCandidatesError
	if errors.As(err, &noCand) {
		writeJSON(w, http.StatusBadRequest, apiError{Error: apiErrorDetail{
			Message: "no providers can serve this request",
			Type:    typeInvalidRequest,
			Code:    "no_candidates",
			Details: noCand.Reasons,
		}})
		return
	}

	var apiErr *adapter.APIError
	if errors.As(err, &apiErr) && adapter.Classify(err) == adapter.ErrorBusiness {
		writeJSON(w, apiErr.StatusCode, apiError{Error: apiErrorDetail{
			Message:  apiErr.Body,
			Type:     typeUpstream,
			Provider: apiErr.Provider,
		}})
		return
	}

	switch {
	case errors.Is(err, gateway.ErrBadRequest), errors.Is(err, gateway.ErrNoCandidates),
		errors.Is(err, gateway.ErrFamilyDisabled):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error(), typeInvalidRequest))
	case errors.Is(err, gateway.ErrUnauthorized), errors.Is(err, gateway.ErrKeyBlocked):
		writeJSON(w, http.StatusUnauthorized, errorBody("invalid api key", typeAuth))
	case errors.Is(err, gateway.ErrInsufficientFunds):
		writeJSON(w, http.StatusPaymentRequired, errorBody("insufficient funds", typeFunds))
	case errors.Is(err, gateway.ErrConflict):
		writeJSON(w, http.StatusConflict, errorBody(err.Error(), typeConflict))
	case errors.Is(err, gateway.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody(err.Error(), typeInvalidRequest))
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "request failed",
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal server error", typeInternal))
	}
}
