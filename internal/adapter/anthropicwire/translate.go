package anthropicwire

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/arbiterai/arbiter/internal"
)

// anthropicRequest is the Anthropic Messages API request body.
type anthropicRequest struct {
	Model            string          `json:"model,omitempty"`
	MaxTokens        int             `json:"max_tokens"`
	Messages         []anthropicMsg  `json:"messages"`
	System           json.RawMessage `json:"system,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	Tools            json.RawMessage `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
	StopSeqs         json.RawMessage `json:"stop_sequences,omitempty"`
	AnthropicVersion string          `json:"anthropic_version,omitempty"`
}

type anthropicMsg struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// TranslateRequest converts an OpenAI-format ChatRequest to an Anthropic
// Messages API request for the given variant.
func TranslateRequest(req *gateway.ChatRequest, v *gateway.ModelVariant, streaming bool) (*anthropicRequest, error) {
	out := &anthropicRequest{
		Model:       v.ProviderModelID,
		MaxTokens:   4096, // Anthropic requires max_tokens
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      streaming,
		Tools:       translateTools(req.Tools),
		StopSeqs:    req.Stop,
	}
	if out.Tools != nil {
		out.ToolChoice = translateToolChoice(req.ToolChoice)
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			out.System = m.Content
		case "user", "assistant":
			out.Messages = append(out.Messages, anthropicMsg{
				Role:    m.Role,
				Content: translateContent(m.Content),
			})
		case "tool":
			// Tool results map to user role in Anthropic's format.
			toolResult := fmt.Sprintf(`[{"type":"tool_result","tool_use_id":%q,"content":%s}]`,
				m.ToolCallID, string(m.Content))
			out.Messages = append(out.Messages, anthropicMsg{
				Role:    "user",
				Content: json.RawMessage(toolResult),
			})
		}
	}

	return out, nil
}

// translateContent converts OpenAI content (string or part array) into
// Anthropic content blocks. Plain strings pass through; image_url parts
// become url-source image blocks.
func translateContent(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || raw[0] == '"' {
		return raw
	}
	parts := gateway.DecodeContent(raw)
	if len(parts) == 0 {
		return raw
	}
	blocks := make([]map[string]any, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "text":
			blocks = append(blocks, map[string]any{"type": "text", "text": p.Text})
		case "image_url":
			blocks = append(blocks, map[string]any{
				"type":   "image",
				"source": map[string]any{"type": "url", "url": p.ImageURL},
			})
		}
	}
	data, _ := json.Marshal(blocks)
	return data
}

// translateTools converts OpenAI tool definitions to Anthropic's shape:
// {name, description, input_schema} instead of the nested function object.
func translateTools(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var tools []map[string]any
	result := gjson.ParseBytes(raw)
	result.ForEach(func(_, t gjson.Result) bool {
		fn := t.Get("function")
		if !fn.Exists() {
			return true
		}
		tool := map[string]any{
			"name":        fn.Get("name").String(),
			"description": fn.Get("description").String(),
		}
		if params := fn.Get("parameters"); params.Exists() {
			tool["input_schema"] = json.RawMessage(params.Raw)
		}
		tools = append(tools, tool)
		return true
	})
	if len(tools) == 0 {
		return nil
	}
	data, _ := json.Marshal(tools)
	return data
}

// translateToolChoice maps an OpenAI tool_choice to Anthropic's shape.
// Auto is the upstream default and is omitted.
func translateToolChoice(raw json.RawMessage) json.RawMessage {
	switch kind, name := gateway.DecodeToolChoice(raw); kind {
	case gateway.ToolChoiceNone:
		return json.RawMessage(`{"type":"none"}`)
	case gateway.ToolChoiceNamed:
		data, _ := json.Marshal(map[string]string{"type": "tool", "name": name})
		return data
	default:
		return nil
	}
}

// TranslateResponse converts an Anthropic Messages API JSON response to an
// OpenAI-format ChatResponse.
func TranslateResponse(data []byte) (*gateway.ChatResponse, error) {
	result := gjson.ParseBytes(data)

	id := result.Get("id").String()
	model := result.Get("model").String()
	stopReason := mapStopReason(result.Get("stop_reason").String())

	// Build message content from content blocks.
	var contentText strings.Builder
	var toolCalls []json.RawMessage
	result.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			contentText.WriteString(block.Get("text").String())
		case "tool_use":
			args, _ := json.Marshal(block.Get("input").Raw)
			tc, _ := json.Marshal(map[string]any{
				"id":   block.Get("id").String(),
				"type": "function",
				"function": map[string]any{
					"name":      block.Get("name").String(),
					"arguments": json.RawMessage(args),
				},
			})
			toolCalls = append(toolCalls, tc)
		}
		return true
	})

	msg := gateway.Message{Role: "assistant"}
	if contentText.Len() > 0 {
		ct, _ := json.Marshal(contentText.String())
		msg.Content = ct
	}
	if len(toolCalls) > 0 {
		tc, _ := json.Marshal(toolCalls)
		msg.ToolCalls = tc
		if stopReason == "" {
			stopReason = "tool_calls"
		}
	}

	var usage *gateway.Usage
	if u := result.Get("usage"); u.Exists() {
		usage = translateUsage(u)
	}

	return &gateway.ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Model:   model,
		Choices: []gateway.Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: stopReason,
		}},
		Usage: usage,
	}, nil
}

// translateUsage maps Anthropic usage counters, carrying the prompt-cache
// read count into the OpenAI-shaped breakdown.
func translateUsage(u gjson.Result) *gateway.Usage {
	in := int(u.Get("input_tokens").Int())
	out := int(u.Get("output_tokens").Int())
	usage := &gateway.Usage{
		PromptTokens:     in,
		CompletionTokens: out,
		TotalTokens:      in + out,
	}
	if cached := u.Get("cache_read_input_tokens"); cached.Exists() {
		usage.PromptTokensDetails = &gateway.PromptTokensDetails{CachedTokens: int(cached.Int())}
	}
	return usage
}

// mapStopReason converts an Anthropic stop reason to an OpenAI finish reason.
func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}
