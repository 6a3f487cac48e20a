package testutil

import (
	"context"

	gateway "github.com/arbiterai/arbiter/internal"
)

// FakeAdapter is a scriptable adapter.Adapter for tests. Responses and
// errors are consumed per call in order; the last entry repeats.
type FakeAdapter struct {
	Dialect gateway.AdapterKind

	Responses []*gateway.ChatResponse
	Errors    []error
	Streams   [][]gateway.StreamChunk
	StreamErr []error

	Calls       int
	StreamCalls int
	LastRequest *gateway.ChatRequest
	Unconfig    bool
	Invalid     bool
}

func (f *FakeAdapter) Kind() gateway.AdapterKind {
	if f.Dialect == "" {
		return gateway.AdapterOpenAI
	}
	return f.Dialect
}

func (f *FakeAdapter) IsConfigured(*gateway.ModelVariant) bool { return !f.Unconfig }

func (f *FakeAdapter) ValidateRequest(*gateway.ChatRequest, *gateway.ModelVariant) bool {
	return !f.Invalid
}

func (f *FakeAdapter) Endpoint(*gateway.ModelVariant) string { return "fake://" }

func (f *FakeAdapter) ChatCompletion(_ context.Context, req *gateway.ChatRequest, _ *gateway.ModelVariant) (*gateway.ChatResponse, error) {
	i := f.Calls
	f.Calls++
	f.LastRequest = req
	if err := pick(f.Errors, i); err != nil {
		return nil, err
	}
	if resp := pick(f.Responses, i); resp != nil {
		return resp, nil
	}
	return &gateway.ChatResponse{
		ID:      "chatcmpl-fake",
		Object:  "chat.completion",
		Model:   req.Model,
		Choices: []gateway.Choice{{Message: gateway.Message{Role: "assistant", Content: []byte(`"ok"`)}, FinishReason: "stop"}},
	}, nil
}

func (f *FakeAdapter) ChatCompletionStream(_ context.Context, req *gateway.ChatRequest, _ *gateway.ModelVariant) (<-chan gateway.StreamChunk, error) {
	i := f.StreamCalls
	f.StreamCalls++
	f.LastRequest = req
	if err := pick(f.StreamErr, i); err != nil {
		return nil, err
	}
	var chunks []gateway.StreamChunk
	if len(f.Streams) > 0 {
		if i >= len(f.Streams) {
			i = len(f.Streams) - 1
		}
		chunks = f.Streams[i]
	}
	ch := make(chan gateway.StreamChunk, len(chunks)+1)
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func pick[T any](list []T, i int) T {
	var zero T
	if len(list) == 0 {
		return zero
	}
	if i >= len(list) {
		i = len(list) - 1
	}
	return list[i]
}
