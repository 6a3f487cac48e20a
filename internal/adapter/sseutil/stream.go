package sseutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	gateway "github.com/arbiterai/arbiter/internal"
)

// ReadSSEStream drains an OpenAI-format SSE response into ch, closing it on
// completion. Data payloads are forwarded untouched; the "[DONE]" sentinel
// becomes a Done chunk, and any payload carrying a usage object with a
// non-zero total_tokens gets the decoded Usage (including the prompt-cache
// breakdown) attached so the
// orchestrator can account without re-parsing.
func ReadSSEStream(ctx context.Context, dialect string, resp *http.Response, ch chan<- gateway.StreamChunk) {
	defer close(ch)
	defer resp.Body.Close()

	sc := Lines(resp.Body)
	for sc.Scan() {
		name, data, ok := Field(sc.Text())
		if !ok || name != "data" {
			continue
		}
		switch {
		case data == "[DONE]":
			ch <- gateway.StreamChunk{Done: true}
			return
		case data == "":
			continue
		}

		chunk := gateway.StreamChunk{Data: []byte(data)}
		if u := gjson.GetBytes(chunk.Data, "usage"); u.Exists() && u.Type == gjson.JSON {
			var usage gateway.Usage
			if json.Unmarshal([]byte(u.Raw), &usage) == nil && usage.TotalTokens > 0 {
				chunk.Usage = &usage
			}
		}

		select {
		case ch <- chunk:
		case <-ctx.Done():
			ch <- gateway.StreamChunk{Err: ctx.Err()}
			return
		}
	}
	if err := sc.Err(); err != nil {
		ch <- gateway.StreamChunk{Err: fmt.Errorf("%s: read stream: %w", dialect, err)}
	}
}
