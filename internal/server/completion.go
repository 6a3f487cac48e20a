package server

import (
	"encoding/json"
	"net/http"

	gateway "github.com/arbiterai/arbiter/internal"
)

// handleCompletion serves the legacy text completion endpoint. Each prompt
// is decomposed into one chat completion call. Only a single-prompt request
// streams; with several prompts the stream flag is ignored and one JSON
// response is returned.
func (s *server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	var req gateway.CompletionRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}

	prompts := req.Prompts()
	if len(prompts) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("prompt must not be empty", typeInvalidRequest))
		return
	}

	opts := s.selectorOptions(r)

	// Streaming is only meaningful for a single prompt.
	if req.Stream && len(prompts) == 1 {
		chatReq := completionToChat(&req, prompts[0])
		chatReq.Stream = true
		s.handleChatCompletionStream(w, r, chatReq, opts)
		return
	}

	responses := make([]*gateway.ChatResponse, 0, len(prompts))
	for _, prompt := range prompts {
		resp, err := s.deps.Orchestrator.ChatCompletion(r.Context(), completionToChat(&req, prompt), opts)
		if err != nil {
			writeError(w, r, err)
			return
		}
		responses = append(responses, resp)
	}

	writeJSON(w, http.StatusOK, completionResponse(responses))
}

// completionToChat lifts a legacy prompt into a single-message chat request.
func completionToChat(req *gateway.CompletionRequest, prompt string) *gateway.ChatRequest {
	content, _ := json.Marshal(prompt)
	return &gateway.ChatRequest{
		Model:       req.Model,
		Messages:    []gateway.Message{{Role: "user", Content: content}},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		User:        req.User,
		Provider:    req.Provider,
	}
}

// completionResponse folds chat responses back into the legacy shape.
func completionResponse(responses []*gateway.ChatResponse) map[string]any {
	choices := make([]map[string]any, 0, len(responses))
	var usage gateway.Usage
	for i, resp := range responses {
		text := ""
		if len(resp.Choices) > 0 {
			var s string
			if json.Unmarshal(resp.Choices[0].Message.Content, &s) == nil {
				text = s
			}
			choices = append(choices, map[string]any{
				"index":         i,
				"text":          text,
				"finish_reason": resp.Choices[0].FinishReason,
			})
		}
		if resp.Usage != nil {
			usage.PromptTokens += resp.Usage.PromptTokens
			usage.CompletionTokens += resp.Usage.CompletionTokens
			usage.TotalTokens += resp.Usage.TotalTokens
		}
	}
	first := responses[0]
	return map[string]any{
		"id":       first.ID,
		"object":   "text_completion",
		"created":  first.Created,
		"model":    first.Model,
		"provider": first.Provider,
		"choices":  choices,
		"usage":    usage,
	}
}
