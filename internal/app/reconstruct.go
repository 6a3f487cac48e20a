package app

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/arbiterai/arbiter/internal"
)

// accumulator folds streamed deltas back into a canonical ChatCompletion.
// Chunk order is preserved: the concatenation of content deltas equals the
// reconstructed message content.
type accumulator struct {
	id           string
	created      int64
	role         string
	content      strings.Builder
	finishReason string
	toolCalls    []*toolCallAcc
	usage        *gateway.Usage
}

type toolCallAcc struct {
	id   string
	name string
	args strings.Builder
}

func newAccumulator() *accumulator {
	return &accumulator{}
}

// add folds one streamed chunk into the accumulator.
func (a *accumulator) add(chunk gateway.StreamChunk) {
	if chunk.Usage != nil {
		a.usage = chunk.Usage
	}
	if len(chunk.Data) == 0 {
		return
	}

	r := gjson.ParseBytes(chunk.Data)
	if a.id == "" {
		a.id = r.Get("id").String()
	}
	if a.created == 0 {
		a.created = r.Get("created").Int()
	}

	choice := r.Get("choices.0")
	if !choice.Exists() {
		return
	}
	delta := choice.Get("delta")
	if role := delta.Get("role").String(); role != "" {
		a.role = role
	}
	if content := delta.Get("content"); content.Exists() && content.Type == gjson.String {
		a.content.WriteString(content.String())
	}
	delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		idx := int(tc.Get("index").Int())
		for len(a.toolCalls) <= idx {
			a.toolCalls = append(a.toolCalls, &toolCallAcc{})
		}
		acc := a.toolCalls[idx]
		if id := tc.Get("id").String(); id != "" {
			acc.id = id
		}
		if name := tc.Get("function.name").String(); name != "" {
			acc.name = name
		}
		acc.args.WriteString(tc.Get("function.arguments").String())
		return true
	})
	if fr := choice.Get("finish_reason"); fr.Exists() && fr.Type == gjson.String {
		a.finishReason = fr.String()
	}
}

// response builds the canonical ChatCompletion for persistence.
func (a *accumulator) response(model, provider string) *gateway.ChatResponse {
	msg := gateway.Message{Role: a.role}
	if msg.Role == "" {
		msg.Role = "assistant"
	}
	if a.content.Len() > 0 {
		data, _ := json.Marshal(a.content.String())
		msg.Content = data
	}
	if len(a.toolCalls) > 0 {
		calls := make([]map[string]any, 0, len(a.toolCalls))
		for _, tc := range a.toolCalls {
			calls = append(calls, map[string]any{
				"id":   tc.id,
				"type": "function",
				"function": map[string]any{
					"name":      tc.name,
					"arguments": tc.args.String(),
				},
			})
		}
		data, _ := json.Marshal(calls)
		msg.ToolCalls = data
	}

	created := a.created
	if created == 0 {
		created = time.Now().Unix()
	}
	finish := a.finishReason
	if finish == "" {
		finish = "stop"
	}
	return &gateway.ChatResponse{
		ID:       a.id,
		Object:   "chat.completion",
		Created:  created,
		Model:    model,
		Provider: provider,
		Choices: []gateway.Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: finish,
		}},
		Usage: a.usage,
	}
}
