package anthropicwire

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	gateway "github.com/arbiterai/arbiter/internal"
	"github.com/arbiterai/arbiter/internal/adapter/sseutil"
)

// oaiChunk is the OpenAI chat.completion.chunk wire shape the gateway
// forwards downstream.
type oaiChunk struct {
	ID      string      `json:"id"`
	Object  string      `json:"object"`
	Model   string      `json:"model"`
	Choices []oaiChoice `json:"choices"`
	Usage   any         `json:"usage,omitempty"`
}

type oaiChoice struct {
	Index        int            `json:"index"`
	Delta        map[string]any `json:"delta"`
	FinishReason any            `json:"finish_reason"`
}

// translator folds Anthropic streaming events into OpenAI-format chunks.
// Anthropic reports input tokens on message_start and output tokens on
// message_delta, so usage is only complete at message_stop.
type translator struct {
	id           string
	model        string
	inputTokens  int
	cachedTokens int
	outputTokens int
	stopReason   string
}

// readStream reads Anthropic SSE events and emits OpenAI-format StreamChunks.
func readStream(ctx context.Context, body io.ReadCloser, ch chan<- gateway.StreamChunk) {
	defer close(ch)
	defer body.Close()

	var tr translator
	var event string

	sc := sseutil.Lines(body)
	for sc.Scan() {
		name, value, ok := sseutil.Field(sc.Text())
		if !ok {
			continue
		}
		switch name {
		case "event":
			event = value
			continue
		case "data":
		default:
			continue
		}
		if value == "" {
			continue
		}

		for _, c := range tr.apply(event, value) {
			select {
			case ch <- c:
			case <-ctx.Done():
				ch <- gateway.StreamChunk{Err: ctx.Err()}
				return
			}
		}
		event = ""
	}
	if err := sc.Err(); err != nil {
		ch <- gateway.StreamChunk{Err: fmt.Errorf("anthropic: read stream: %w", err)}
	}
}

// apply folds one event into the translator state and returns the chunks to
// forward. Ping and block start/stop events produce nothing.
func (tr *translator) apply(event, data string) []gateway.StreamChunk {
	r := gjson.Parse(data)

	switch event {
	case "message_start":
		tr.id = r.Get("message.id").String()
		tr.model = r.Get("message.model").String()
		tr.inputTokens = int(r.Get("message.usage.input_tokens").Int())
		tr.cachedTokens = int(r.Get("message.usage.cache_read_input_tokens").Int())
		return tr.emit(map[string]any{"role": "assistant"}, nil)

	case "content_block_delta":
		switch r.Get("delta.type").String() {
		case "text_delta":
			return tr.emit(map[string]any{"content": r.Get("delta.text").String()}, nil)
		case "input_json_delta":
			delta := map[string]any{
				"tool_calls": []map[string]any{{
					"index": int(r.Get("index").Int()),
					"function": map[string]any{
						"arguments": r.Get("delta.partial_json").String(),
					},
				}},
			}
			return tr.emit(delta, nil)
		}
		return nil

	case "message_delta":
		tr.outputTokens = int(r.Get("usage.output_tokens").Int())
		tr.stopReason = r.Get("delta.stop_reason").String()
		return nil

	case "message_stop":
		return tr.finish()
	}
	return nil
}

// emit wraps a delta (or a bare finish reason) into one forwarded chunk.
func (tr *translator) emit(delta map[string]any, finishReason any) []gateway.StreamChunk {
	if delta == nil {
		delta = map[string]any{}
	}
	data, _ := json.Marshal(oaiChunk{
		ID:      tr.id,
		Object:  "chat.completion.chunk",
		Model:   tr.model,
		Choices: []oaiChoice{{Delta: delta, FinishReason: finishReason}},
	})
	return []gateway.StreamChunk{{Data: data}}
}

// finish emits the terminal sequence: a finish_reason chunk, a synthesized
// usage chunk (the upstream never sends an OpenAI-shaped usage frame), and
// the Done sentinel.
func (tr *translator) finish() []gateway.StreamChunk {
	out := tr.emit(nil, mapStopReason(tr.stopReason))

	usage := &gateway.Usage{
		PromptTokens:     tr.inputTokens,
		CompletionTokens: tr.outputTokens,
		TotalTokens:      tr.inputTokens + tr.outputTokens,
	}
	if tr.cachedTokens > 0 {
		usage.PromptTokensDetails = &gateway.PromptTokensDetails{CachedTokens: tr.cachedTokens}
	}
	data, _ := json.Marshal(oaiChunk{
		ID:      tr.id,
		Object:  "chat.completion.chunk",
		Model:   tr.model,
		Choices: []oaiChoice{},
		Usage:   usage,
	})

	out = append(out,
		gateway.StreamChunk{Data: data, Usage: usage},
		gateway.StreamChunk{Done: true},
	)
	return out
}
