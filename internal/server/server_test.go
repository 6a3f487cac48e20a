package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gateway "github.com/arbiterai/arbiter/internal"
	"github.com/arbiterai/arbiter/internal/accounting"
	"github.com/arbiterai/arbiter/internal/adapter"
	"github.com/arbiterai/arbiter/internal/app"
	"github.com/arbiterai/arbiter/internal/catalog"
	"github.com/arbiterai/arbiter/internal/family"
	"github.com/arbiterai/arbiter/internal/selector"
	"github.com/arbiterai/arbiter/internal/testutil"
)

// fakeAuth always authenticates successfully.
type fakeAuth struct{}

func (fakeAuth) Authenticate(context.Context, *http.Request) (*gateway.Identity, error) {
	return &gateway.Identity{UserID: "u1", KeyID: "k1", APIKeyName: "default"}, nil
}

// denyAuth rejects with a fixed error.
type denyAuth struct{ err error }

func (d denyAuth) Authenticate(context.Context, *http.Request) (*gateway.Identity, error) {
	return nil, d.err
}

type counter struct{}

func (counter) Count(_, text string) int { return (len(text) + 3) / 4 }

func newTestHandler(authn Authenticator, fake *testutil.FakeAdapter, store *testutil.FakeStore) http.Handler {
	reg := adapter.NewRegistry()
	reg.Register(fake)
	cat := catalog.New(store, 0)
	orch := app.New(cat, selector.New(cat, store), family.NewRouter(cat, reg), reg, store, nil, nil)

	return New(Deps{
		Auth:          authn,
		Orchestrator:  orch,
		Processor:     accounting.NewProcessor(store, counter{}),
		WebhookSecret: "hunter2",
		DefaultRatio:  50,
		DefaultWindow: 10,
	})
}

func seedServerStore() *testutil.FakeStore {
	store := testutil.NewFakeStore()
	store.Variants = []gateway.ModelVariant{
		{ModelID: "gpt-4o", Provider: "openai", ProviderModelID: "gpt-4o", Adapter: gateway.AdapterOpenAI,
			PriceInput: 0.005, PriceOutput: 0.015, PricingMethod: gateway.PricingStandard, SupportsToolCalls: true},
		{ModelID: "gpt-4o", Provider: "deepinfra", ProviderModelID: "gpt-4o", Adapter: gateway.AdapterOpenAI,
			PriceInput: 0.003, PriceOutput: 0.009, PricingMethod: gateway.PricingStandard},
	}
	return store
}

const chatBody = `{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`

func TestChatCompletionsEndpoint(t *testing.T) {
	fake := &testutil.FakeAdapter{Dialect: gateway.AdapterOpenAI}
	h := newTestHandler(fakeAuth{}, fake, seedServerStore())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(chatBody)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %s", ct)
	}
	if !strings.Contains(rec.Body.String(), `"provider":"deepinfra"`) {
		t.Errorf("body = %s, want cheapest provider", rec.Body)
	}
}

func TestChatCompletionsValidation(t *testing.T) {
	fake := &testutil.FakeAdapter{Dialect: gateway.AdapterOpenAI}
	h := newTestHandler(fakeAuth{}, fake, seedServerStore())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","messages":[]}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "invalid_request_error") {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestChatCompletionsAuthFailures(t *testing.T) {
	fake := &testutil.FakeAdapter{Dialect: gateway.AdapterOpenAI}
	store := seedServerStore()

	h := newTestHandler(denyAuth{gateway.ErrUnauthorized}, fake, store)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(chatBody)))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}

	h = newTestHandler(denyAuth{gateway.ErrInsufficientFunds}, fake, store)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(chatBody)))
	if rec.Code != http.StatusPaymentRequired {
		t.Errorf("status = %d, want 402", rec.Code)
	}
}

func TestChatCompletionsStreamingSSE(t *testing.T) {
	fake := &testutil.FakeAdapter{Dialect: gateway.AdapterOpenAI}
	fake.Streams = [][]gateway.StreamChunk{{
		{Data: []byte(`{"id":"c1","choices":[{"index":0,"delta":{"content":"hi"},"finish_reason":null}]}`)},
		{Done: true},
	}}
	h := newTestHandler(fakeAuth{}, fake, seedServerStore())

	rec := httptest.NewRecorder()
	body := `{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hello"}]}`
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %s", ct)
	}
	if got := rec.Header().Get("X-Accel-Buffering"); got != "no" {
		t.Errorf("buffering hint = %q", got)
	}
	out := rec.Body.String()
	if !strings.Contains(out, "data: {\"id\":\"c1\"") {
		t.Errorf("body = %s, want data frame", out)
	}
	if !strings.HasSuffix(out, "data: [DONE]\n\n") {
		t.Errorf("body = %q, want terminal [DONE]", out)
	}
}

func TestProviderHeaderOverride(t *testing.T) {
	fake := &testutil.FakeAdapter{Dialect: gateway.AdapterOpenAI}
	h := newTestHandler(fakeAuth{}, fake, seedServerStore())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(chatBody))
	req.Header.Set("X-Provider", "openai")
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"provider":"openai"`) {
		t.Errorf("body = %s, want pinned openai", rec.Body)
	}
}

func TestEstimateEndpoint(t *testing.T) {
	fake := &testutil.FakeAdapter{Dialect: gateway.AdapterOpenAI}
	h := newTestHandler(fakeAuth{}, fake, seedServerStore())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/estimate", strings.NewReader(chatBody)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	out := rec.Body.String()
	if !strings.Contains(out, `"currency":"USD"`) || !strings.Contains(out, `"alternatives"`) {
		t.Errorf("body = %s", out)
	}
	if fake.Calls != 0 {
		t.Error("estimate executed an upstream call")
	}
}

func TestModelsEndpoint(t *testing.T) {
	fake := &testutil.FakeAdapter{Dialect: gateway.AdapterOpenAI}
	h := newTestHandler(fakeAuth{}, fake, seedServerStore())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	out := rec.Body.String()
	// Two variants fold into one entry with both providers and OR'd capabilities.
	if strings.Count(out, `"id":"gpt-4o"`) != 1 {
		t.Errorf("body = %s, want deduplicated model list", out)
	}
	if !strings.Contains(out, `"providers":["deepinfra","openai"]`) {
		t.Errorf("body = %s, want provider list", out)
	}
	if !strings.Contains(out, `"supports_tool_calling":true`) {
		t.Errorf("body = %s, want OR of capabilities", out)
	}
}

func TestWebhookSecret(t *testing.T) {
	fake := &testutil.FakeAdapter{Dialect: gateway.AdapterOpenAI}
	h := newTestHandler(fakeAuth{}, fake, seedServerStore())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/calculate-tokens", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no secret status = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook/calculate-tokens?batch_size=5", nil)
	req.Header.Set("X-Webhook-Secret", "hunter2")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, body %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), `"processed":0`) {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestWebhookStatusOpen(t *testing.T) {
	fake := &testutil.FakeAdapter{Dialect: gateway.AdapterOpenAI}
	h := newTestHandler(fakeAuth{}, fake, seedServerStore())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"in_progress":false`) {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestCompletionEndpoint(t *testing.T) {
	fake := &testutil.FakeAdapter{Dialect: gateway.AdapterOpenAI}
	h := newTestHandler(fakeAuth{}, fake, seedServerStore())

	rec := httptest.NewRecorder()
	body := `{"model":"gpt-4o","prompt":["first","second"],"max_tokens":16}`
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/completion", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if fake.Calls != 2 {
		t.Errorf("adapter calls = %d, want one per prompt", fake.Calls)
	}
	if !strings.Contains(rec.Body.String(), `"object":"text_completion"`) {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestHealthz(t *testing.T) {
	fake := &testutil.FakeAdapter{Dialect: gateway.AdapterOpenAI}
	h := newTestHandler(fakeAuth{}, fake, seedServerStore())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}
