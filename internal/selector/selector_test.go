package selector

import (
	"context"
	"errors"
	"strings"
	"testing"

	gateway "github.com/arbiterai/arbiter/internal"
	"github.com/arbiterai/arbiter/internal/catalog"
	"github.com/arbiterai/arbiter/internal/testutil"
)

func variant(provider string, priceIn, priceOut float64, opts ...func(*gateway.ModelVariant)) gateway.ModelVariant {
	v := gateway.ModelVariant{
		ModelID:         "gpt-4o",
		Provider:        provider,
		ProviderModelID: "gpt-4o",
		Adapter:         gateway.AdapterOpenAI,
		PriceInput:      priceIn,
		PriceOutput:     priceOut,
		PricingMethod:   gateway.PricingStandard,
	}
	for _, o := range opts {
		o(&v)
	}
	return v
}

func withCache(v *gateway.ModelVariant) { v.SupportsInputCache = true }
func withTools(v *gateway.ModelVariant) { v.SupportsToolCalls = true }
func withWindow(n int) func(*gateway.ModelVariant) {
	return func(v *gateway.ModelVariant) { v.ContextWindow = &n }
}

func newSelector(store *testutil.FakeStore) *Selector {
	return New(catalog.New(store, 0), store)
}

func chatReq(model string) *gateway.ChatRequest {
	return &gateway.ChatRequest{
		Model:    model,
		Messages: []gateway.Message{{Role: "user", Content: []byte(`"hello"`)}},
	}
}

func TestSelectEconomyPicksCheapest(t *testing.T) {
	store := testutil.NewFakeStore()
	store.Variants = []gateway.ModelVariant{
		variant("openai", 0.005, 0.015),
		variant("azure-eastus", 0.005, 0.015),
		variant("deepinfra", 0.003, 0.009),
	}

	got, err := newSelector(store).Select(context.Background(), chatReq("gpt-4o"), "u1", Options{RatioSP: 0, MetricsWindow: 10})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("candidates = %d, want 3", len(got))
	}
	if got[0].Variant.Provider != "deepinfra" {
		t.Errorf("head = %s, want deepinfra", got[0].Variant.Provider)
	}
}

func TestSelectCacheAffinityFirst(t *testing.T) {
	store := testutil.NewFakeStore()
	store.Variants = []gateway.ModelVariant{
		variant("openai", 0.005, 0.015, withCache),
		variant("azure-eastus", 0.005, 0.015, withCache),
		variant("deepinfra", 0.003, 0.009),
	}
	store.CacheHistory[gateway.VariantKey{Provider: "azure-eastus", ModelID: "gpt-4o"}] = true

	got, err := newSelector(store).Select(context.Background(), chatReq("gpt-4o"), "u1", Options{RatioSP: 50})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got[0].Variant.Provider != "azure-eastus" {
		t.Errorf("head = %s, want azure-eastus (cache affinity)", got[0].Variant.Provider)
	}
	if !got[0].CacheAffinity {
		t.Error("head lost its cache affinity flag")
	}
	// Every cache-affinity candidate sorts strictly before every other.
	seenPlain := false
	for _, c := range got {
		if !c.CacheAffinity {
			seenPlain = true
		} else if seenPlain {
			t.Fatalf("cache-affinity candidate after plain one: %v", got)
		}
	}
}

func TestSelectNoHistoryTreatsCacheCapableAsCacheable(t *testing.T) {
	store := testutil.NewFakeStore()
	store.Variants = []gateway.ModelVariant{
		variant("openai", 0.005, 0.015, withCache),
		variant("deepinfra", 0.003, 0.009),
	}

	got, err := newSelector(store).Select(context.Background(), chatReq("gpt-4o"), "u1", Options{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got[0].Variant.Provider != "openai" || !got[0].CacheAffinity {
		t.Errorf("head = %+v, want cache-capable openai first", got[0])
	}
}

func TestSelectToolFilter(t *testing.T) {
	store := testutil.NewFakeStore()
	a := variant("provider-A", 0.001, 0.002)
	a.ModelID, a.ProviderModelID = "mistral/small", "mistral-small"
	b := variant("provider-B", 0.001, 0.002, withTools)
	b.ModelID, b.ProviderModelID = "mistral/small", "mistral-small"
	store.Variants = []gateway.ModelVariant{a, b}

	req := chatReq("mistral/small")
	req.Tools = []byte(`[{"type":"function","function":{"name":"f"}}]`)

	got, err := newSelector(store).Select(context.Background(), req, "u1", Options{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(got) != 1 || got[0].Variant.Provider != "provider-B" {
		t.Fatalf("candidates = %v, want only provider-B", got)
	}

	// With the surviving variant gone, the diagnostic names the filter.
	store2 := testutil.NewFakeStore()
	store2.Variants = []gateway.ModelVariant{a}
	_, err = newSelector(store2).Select(context.Background(), req, "u1", Options{})
	var noCand *NoCandidatesError
	if !errors.As(err, &noCand) {
		t.Fatalf("err = %v, want NoCandidatesError", err)
	}
	if !errors.Is(err, gateway.ErrNoCandidates) {
		t.Error("NoCandidatesError does not match ErrNoCandidates")
	}
	if !strings.Contains(noCand.Error(), "provider-A: no tool calling") {
		t.Errorf("diagnostic = %q, want mention of provider-A tool calling", noCand.Error())
	}
}

func TestSelectContextWindowFilter(t *testing.T) {
	store := testutil.NewFakeStore()
	store.Variants = []gateway.ModelVariant{
		variant("small", 0.001, 0.002, withWindow(100)),
		variant("large", 0.01, 0.02, withWindow(200_000)),
	}

	req := chatReq("gpt-4o")
	req.Messages[0].Content = []byte(`"` + strings.Repeat("word ", 200) + `"`)
	maxTok := 500
	req.MaxTokens = &maxTok

	got, err := newSelector(store).Select(context.Background(), req, "u1", Options{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	for _, c := range got {
		if c.Variant.Provider == "small" {
			t.Error("context-window filter let an undersized variant through")
		}
	}
}

func TestSelectProviderWhitelist(t *testing.T) {
	store := testutil.NewFakeStore()
	store.Variants = []gateway.ModelVariant{
		variant("openai", 0.005, 0.015),
		variant("deepinfra", 0.003, 0.009),
	}

	got, err := newSelector(store).Select(context.Background(), chatReq("gpt-4o"), "u1", Options{Providers: []string{"openai"}})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(got) != 1 || got[0].Variant.Provider != "openai" {
		t.Fatalf("candidates = %v, want only openai", got)
	}
}

func TestSelectDeterministicOrdering(t *testing.T) {
	store := testutil.NewFakeStore()
	tp, lat := 50.0, 800.0
	store.Variants = []gateway.ModelVariant{
		variant("openai", 0.005, 0.015),
		variant("azure-eastus", 0.005, 0.015),
		variant("deepinfra", 0.003, 0.009),
	}
	store.ProviderMetrics[gateway.VariantKey{Provider: "openai", ModelID: "gpt-4o"}] =
		gateway.ProviderMetric{ThroughputMedian: &tp, LatencyMedian: &lat, SampleCount: 5}

	sel := newSelector(store)
	first, err := sel.Select(context.Background(), chatReq("gpt-4o"), "u1", Options{RatioSP: 70})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := sel.Select(context.Background(), chatReq("gpt-4o"), "u1", Options{RatioSP: 70})
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		for j := range first {
			if first[j].Variant.Provider != again[j].Variant.Provider {
				t.Fatalf("ordering changed between runs: %v vs %v", first, again)
			}
		}
	}
}

func TestSelectMissingModel(t *testing.T) {
	store := testutil.NewFakeStore()
	_, err := newSelector(store).Select(context.Background(), chatReq("nope"), "u1", Options{})
	if !errors.Is(err, gateway.ErrNoCandidates) {
		t.Errorf("err = %v, want ErrNoCandidates", err)
	}
	_, err = newSelector(store).Select(context.Background(), chatReq(""), "u1", Options{})
	if !errors.Is(err, gateway.ErrBadRequest) {
		t.Errorf("err = %v, want ErrBadRequest for empty model", err)
	}
}

func TestEstimateTokens(t *testing.T) {
	req := &gateway.ChatRequest{
		Messages: []gateway.Message{
			{Role: "user", Content: []byte(`"abcdefgh"`)}, // 8 chars -> 2 tokens
			{Role: "user", Content: []byte(`[{"type":"image_url","image_url":{"url":"http://x/y.png"}}]`)},
		},
	}
	maxTok := 100
	req.MaxTokens = &maxTok
	if got := EstimateTokens(req); got != 2+1000+100 {
		t.Errorf("EstimateTokens = %d, want 1102", got)
	}
}
