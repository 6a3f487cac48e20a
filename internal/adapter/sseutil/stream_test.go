package sseutil

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	gateway "github.com/arbiterai/arbiter/internal"
)

func sseResponse(body string) *http.Response {
	return &http.Response{Body: io.NopCloser(strings.NewReader(body))}
}

func collect(ch <-chan gateway.StreamChunk) []gateway.StreamChunk {
	var out []gateway.StreamChunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func TestReadSSEStream(t *testing.T) {
	body := "data: {\"id\":\"c1\",\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n" +
		"\n" +
		": comment\n" +
		"data: {\"id\":\"c1\",\"choices\":[],\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":3,\"total_tokens\":8}}\n" +
		"data: [DONE]\n"

	ch := make(chan gateway.StreamChunk, 8)
	go ReadSSEStream(context.Background(), "openai", sseResponse(body), ch)
	chunks := collect(ch)

	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	if !strings.Contains(string(chunks[0].Data), "hi") {
		t.Errorf("first chunk = %s", chunks[0].Data)
	}
	if chunks[1].Usage == nil || chunks[1].Usage.TotalTokens != 8 {
		t.Errorf("usage chunk = %+v", chunks[1])
	}
	if !chunks[2].Done {
		t.Error("missing Done sentinel")
	}
}

func TestReadSSEStreamExtractsCachedTokens(t *testing.T) {
	body := "data: {\"usage\":{\"prompt_tokens\":100,\"completion_tokens\":10,\"total_tokens\":110," +
		"\"prompt_tokens_details\":{\"cached_tokens\":60}}}\n" +
		"data: [DONE]\n"

	ch := make(chan gateway.StreamChunk, 8)
	go ReadSSEStream(context.Background(), "openai", sseResponse(body), ch)
	chunks := collect(ch)

	if chunks[0].Usage == nil || chunks[0].Usage.CachedTokens() != 60 {
		t.Errorf("cached tokens = %+v, want 60", chunks[0].Usage)
	}
}

func TestReadSSEStreamEndWithoutDone(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n"
	ch := make(chan gateway.StreamChunk, 8)
	go ReadSSEStream(context.Background(), "openai", sseResponse(body), ch)
	chunks := collect(ch)
	if len(chunks) != 1 || chunks[0].Err != nil {
		t.Errorf("chunks = %v, want single data chunk and clean close", chunks)
	}
}
