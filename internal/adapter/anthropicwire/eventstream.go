package anthropicwire

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/tidwall/gjson"

	gateway "github.com/arbiterai/arbiter/internal"
)

// Bedrock wraps each Anthropic event in a binary event-stream frame whose
// JSON payload is {"bytes":"<base64 anthropic event>"}. readBedrockStream
// unwraps the framing and feeds the events through the shared translator.
func readBedrockStream(ctx context.Context, body io.ReadCloser, ch chan<- gateway.StreamChunk) {
	defer close(ch)
	defer body.Close()

	var tr translator
	dec := eventstream.NewDecoder()

	for {
		msg, err := dec.Decode(body, nil)
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			ch <- gateway.StreamChunk{Err: fmt.Errorf("anthropic: decode event stream: %w", err)}
			return
		}

		switch stringHeader(msg.Headers, ":message-type") {
		case "exception":
			ch <- gateway.StreamChunk{Err: bedrockException(msg)}
			return
		case "event":
		default:
			continue
		}

		raw, err := unwrapFrame(msg.Payload)
		if err != nil {
			ch <- gateway.StreamChunk{Err: fmt.Errorf("anthropic: unwrap bedrock frame: %w", err)}
			return
		}
		event := gjson.GetBytes(raw, "type").String()
		if event == "" {
			continue
		}

		for _, c := range tr.apply(event, string(raw)) {
			select {
			case ch <- c:
			case <-ctx.Done():
				ch <- gateway.StreamChunk{Err: ctx.Err()}
				return
			}
		}
	}
}

// bedrockException formats an exception frame, truncating the payload so a
// hostile upstream cannot flood logs or error bodies.
func bedrockException(msg eventstream.Message) error {
	kind := stringHeader(msg.Headers, ":exception-type")
	if len(kind) > 64 {
		kind = kind[:64]
	}
	payload := msg.Payload
	if len(payload) > 512 {
		payload = payload[:512]
	}
	return fmt.Errorf("anthropic: bedrock exception: %s: %s", kind, payload)
}

func stringHeader(headers eventstream.Headers, name string) string {
	if v, ok := headers.Get(name).(eventstream.StringValue); ok {
		return string(v)
	}
	return ""
}

// unwrapFrame base64-decodes the "bytes" field of one frame payload.
func unwrapFrame(payload []byte) ([]byte, error) {
	b64 := gjson.GetBytes(payload, "bytes").String()
	if b64 == "" {
		return nil, errors.New("missing bytes field")
	}
	return base64.StdEncoding.DecodeString(b64)
}
