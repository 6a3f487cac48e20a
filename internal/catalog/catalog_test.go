package catalog

import (
	"context"
	"errors"
	"testing"

	gateway "github.com/arbiterai/arbiter/internal"
	"github.com/arbiterai/arbiter/internal/testutil"
)

func seedStore() *testutil.FakeStore {
	store := testutil.NewFakeStore()
	w := 128_000
	store.Variants = []gateway.ModelVariant{
		{ModelID: "gpt-4o", Provider: "openai", ProviderModelID: "gpt-4o-2024", Adapter: gateway.AdapterOpenAI, ContextWindow: &w},
		{ModelID: "gpt-4o", Provider: "azure", ProviderModelID: "gpt4o-deploy", Adapter: gateway.AdapterOpenAI},
		{ModelID: "claude-sonnet", Provider: "anthropic", ProviderModelID: "claude-sonnet-4-5", Adapter: gateway.AdapterAnthropic},
	}
	store.Families = []gateway.FamilyConfig{{
		FamilyID: "F1", Enabled: true,
		EvaluationModelID: "gpt-4o", EvaluationProvider: "openai",
		ScoreRanges:   []gateway.ScoreRange{{MinScore: 1, MaxScore: 100, TargetModel: "gpt-4o"}},
		FallbackModel: "gpt-4o", FallbackProvider: "openai",
	}}
	return store
}

func TestLookupByEitherID(t *testing.T) {
	cat := New(seedStore(), 0)
	ctx := context.Background()

	byModel, err := cat.VariantsForModelID(ctx, "gpt-4o")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(byModel) != 2 {
		t.Errorf("gpt-4o variants = %d, want 2", len(byModel))
	}

	// The upstream's own id resolves too.
	byUpstream, err := cat.VariantsForModelID(ctx, "claude-sonnet-4-5")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(byUpstream) != 1 || byUpstream[0].Provider != "anthropic" {
		t.Errorf("provider_model_id lookup = %v", byUpstream)
	}
}

func TestVariantsByProvider(t *testing.T) {
	cat := New(seedStore(), 0)
	got, err := cat.VariantsByProvider(context.Background(), "openai")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(got) != 1 || got[0].ModelID != "gpt-4o" {
		t.Errorf("openai variants = %v", got)
	}
}

func TestFamilyLookup(t *testing.T) {
	cat := New(seedStore(), 0)
	ctx := context.Background()

	if !cat.IsFamily(ctx, "F1") {
		t.Error("F1 not recognized as family")
	}
	if cat.IsFamily(ctx, "gpt-4o") {
		t.Error("plain model recognized as family")
	}
	if _, err := cat.Family(ctx, "F2"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("missing family err = %v, want ErrNotFound", err)
	}
}

func TestOverlappingRangesRejectFamily(t *testing.T) {
	store := seedStore()
	store.Families = []gateway.FamilyConfig{{
		FamilyID: "broken", Enabled: true,
		EvaluationModelID: "gpt-4o", EvaluationProvider: "openai",
		ScoreRanges: []gateway.ScoreRange{
			{MinScore: 1, MaxScore: 60, TargetModel: "a"},
			{MinScore: 50, MaxScore: 100, TargetModel: "b"},
		},
		FallbackModel: "a", FallbackProvider: "openai",
	}}
	cat := New(store, 0)
	if cat.IsFamily(context.Background(), "broken") {
		t.Error("family with overlapping ranges accepted")
	}
}

func TestGapsAreTolerated(t *testing.T) {
	store := seedStore()
	store.Families[0].ScoreRanges = []gateway.ScoreRange{
		{MinScore: 1, MaxScore: 30, TargetModel: "a"},
		{MinScore: 60, MaxScore: 100, TargetModel: "b"},
	}
	cat := New(store, 0)
	if !cat.IsFamily(context.Background(), "F1") {
		t.Error("family with gap rejected; gaps route to fallback")
	}
}

func TestInvalidateReloads(t *testing.T) {
	store := seedStore()
	cat := New(store, 0)
	ctx := context.Background()

	if _, err := cat.AllVariants(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	store.Variants = append(store.Variants, gateway.ModelVariant{
		ModelID: "new-model", Provider: "openai", ProviderModelID: "new-model", Adapter: gateway.AdapterOpenAI,
	})

	// Cached snapshot does not see the addition until invalidated.
	got, _ := cat.VariantsForModelID(ctx, "new-model")
	if len(got) != 0 {
		t.Error("snapshot picked up store change without invalidation")
	}
	cat.Invalidate()
	got, _ = cat.VariantsForModelID(ctx, "new-model")
	if len(got) != 1 {
		t.Error("invalidate did not trigger reload")
	}
}

func TestVariantUnique(t *testing.T) {
	cat := New(seedStore(), 0)
	v, err := cat.Variant(context.Background(), "azure", "gpt-4o")
	if err != nil {
		t.Fatalf("variant: %v", err)
	}
	if v.ProviderModelID != "gpt4o-deploy" {
		t.Errorf("variant = %+v", v)
	}
}
