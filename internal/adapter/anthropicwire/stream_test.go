package anthropicwire

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	gateway "github.com/arbiterai/arbiter/internal"
)

const anthropicSSE = `event: message_start
data: {"type":"message_start","message":{"id":"msg_1","model":"claude-sonnet-4-5","usage":{"input_tokens":12,"cache_read_input_tokens":4}}}

event: content_block_start
data: {"type":"content_block_start","index":0}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":6}}

event: message_stop
data: {"type":"message_stop"}
`

func TestReadStreamTranslatesEvents(t *testing.T) {
	ch := make(chan gateway.StreamChunk, 16)
	go readStream(context.Background(), io.NopCloser(strings.NewReader(anthropicSSE)), ch)

	var chunks []gateway.StreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}

	if !chunks[len(chunks)-1].Done {
		t.Fatalf("last chunk = %+v, want Done", chunks[len(chunks)-1])
	}

	// Concatenated deltas equal the full text, in order.
	var text strings.Builder
	var usage *gateway.Usage
	for _, c := range chunks {
		if c.Usage != nil {
			usage = c.Usage
		}
		if len(c.Data) == 0 {
			continue
		}
		if d := gjson.GetBytes(c.Data, "choices.0.delta.content"); d.Exists() {
			text.WriteString(d.String())
		}
	}
	if text.String() != "Hello" {
		t.Errorf("text = %q, want Hello", text.String())
	}
	if usage == nil || usage.PromptTokens != 12 || usage.CompletionTokens != 6 {
		t.Errorf("usage = %+v", usage)
	}
	if usage.CachedTokens() != 4 {
		t.Errorf("cached tokens = %d, want 4", usage.CachedTokens())
	}

	// A finish chunk with the mapped stop reason precedes the usage chunk.
	var sawStop bool
	for _, c := range chunks {
		if gjson.GetBytes(c.Data, "choices.0.finish_reason").String() == "stop" {
			sawStop = true
		}
	}
	if !sawStop {
		t.Error("no finish_reason=stop chunk emitted")
	}
}

func TestReadStreamToolCallDeltas(t *testing.T) {
	sse := `event: message_start
data: {"type":"message_start","message":{"id":"msg_2","model":"m","usage":{"input_tokens":3}}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"Paris\"}"}}

event: message_stop
data: {"type":"message_stop"}
`
	ch := make(chan gateway.StreamChunk, 16)
	go readStream(context.Background(), io.NopCloser(strings.NewReader(sse)), ch)

	var args strings.Builder
	for c := range ch {
		if d := gjson.GetBytes(c.Data, "choices.0.delta.tool_calls.0.function.arguments"); d.Exists() {
			args.WriteString(d.String())
		}
	}
	if args.String() != `{"city":"Paris"}` {
		t.Errorf("arguments = %q", args.String())
	}
}
