package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	gateway "github.com/arbiterai/arbiter/internal"
	"github.com/arbiterai/arbiter/internal/selector"
)

// maxRequestBody is the maximum allowed request body size (4 MB).
const maxRequestBody = 4 << 20

// keepAliveInterval paces SSE comments on idle streams.
const keepAliveInterval = 15 * time.Second

// Routing override headers.
const (
	hdrRatio    = "X-Price-Performance-Ratio"
	hdrProvider = "X-Provider"
)

// decodeRequestBody unmarshals the request body into v, answering a 400 on
// failure. Parse errors are logged server-side; clients receive a static
// message to avoid leaking internals.
func decodeRequestBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		slog.LogAttrs(r.Context(), slog.LevelWarn, "request decode error",
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body", typeInvalidRequest))
		return false
	}
	return true
}

// selectorOptions builds selection options from server defaults and the
// per-request override headers.
func (s *server) selectorOptions(r *http.Request) selector.Options {
	opts := selector.Options{
		RatioSP:       s.deps.DefaultRatio,
		MetricsWindow: s.deps.DefaultWindow,
	}
	if v := r.Header.Get(hdrRatio); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 && n <= 100 {
			opts.RatioSP = n
		}
	}
	if v := r.Header.Get(hdrProvider); v != "" {
		if strings.HasPrefix(v, "[") {
			var list []string
			if json.Unmarshal([]byte(v), &list) == nil {
				opts.Providers = list
			}
		} else {
			opts.Providers = []string{v}
		}
	}
	return opts
}

func (s *server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var req gateway.ChatRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}

	opts := s.selectorOptions(r)
	if req.Stream {
		s.handleChatCompletionStream(w, r, &req, opts)
		return
	}

	resp, err := s.deps.Orchestrator.ChatCompletion(r.Context(), &req, opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleChatCompletionStream drains the orchestrator's chunk channel into an
// SSE response, interleaving keep-alive comments on idle streams.
func (s *server) handleChatCompletionStream(w http.ResponseWriter, r *http.Request, req *gateway.ChatRequest, opts selector.Options) {
	ch, err := s.deps.Orchestrator.ChatCompletionStream(r.Context(), req, opts)
	if err != nil {
		writeError(w, r, err)
		return
	}

	stream, ok := startSSE(w)
	if !ok {
		slog.Error("response writer cannot stream")
		writeJSON(w, http.StatusInternalServerError, errorBody("streaming unsupported", typeInternal))
		return
	}

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case chunk, open := <-ch:
			if !open {
				stream.done()
				return
			}
			if chunk.Err != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "stream error",
					slog.String("error", chunk.Err.Error()),
				)
				stream.errorFrame("upstream stream error")
				stream.done()
				return
			}
			if chunk.Done {
				stream.done()
				return
			}
			stream.data(chunk.Data)
		case <-ticker.C:
			stream.keepAlive()
		case <-r.Context().Done():
			return
		}
	}
}
