package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	gateway "github.com/arbiterai/arbiter/internal"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func intp(n int) *int { return &n }

func seedVariant(t *testing.T, s *Store, provider string) {
	t.Helper()
	w := 128_000
	err := s.UpsertVariants(context.Background(), []gateway.ModelVariant{{
		ModelID:            "gpt-4o",
		Provider:           provider,
		ProviderModelID:    "gpt-4o-2024",
		Adapter:            gateway.AdapterOpenAI,
		BaseURL:            "https://example.test/v1",
		APIKeyRef:          "TEST_KEY",
		ExtraParams:        map[string]any{"region": "us-east-1"},
		ContextWindow:      &w,
		SupportsToolCalls:  true,
		SupportsInputCache: true,
		PriceInput:         0.005,
		PriceOutput:        0.015,
		PricingMethod:      gateway.PricingOpenAICache50,
		TokenizerName:      "cl100k_base",
	}})
	if err != nil {
		t.Fatalf("upsert variant: %v", err)
	}
}

func seedRequest(t *testing.T, s *Store, id, provider string, status gateway.RequestStatus, in, out, cached *int) {
	t.Helper()
	rec := &gateway.RequestRecord{
		RequestID:    id,
		UserID:       "u1",
		APIKeyName:   "k1",
		Provider:     provider,
		ModelID:      "gpt-4o",
		CreatedAt:    time.Now().UTC(),
		Streaming:    true,
		Status:       status,
		InputTokens:  in,
		OutputTokens: out,
		CachedTokens: cached,
	}
	if err := s.InsertRequest(context.Background(), rec); err != nil {
		t.Fatalf("insert request %s: %v", id, err)
	}
}

func TestVariantRoundTrip(t *testing.T) {
	s := newTestStore(t)
	seedVariant(t, s, "openai")

	variants, err := s.ListVariants(context.Background())
	if err != nil {
		t.Fatalf("list variants: %v", err)
	}
	if len(variants) != 1 {
		t.Fatalf("variants = %d, want 1", len(variants))
	}
	v := variants[0]
	if v.ProviderModelID != "gpt-4o-2024" || !v.SupportsToolCalls || !v.SupportsInputCache {
		t.Errorf("variant round trip lost fields: %+v", v)
	}
	if v.ContextWindow == nil || *v.ContextWindow != 128_000 {
		t.Errorf("context window = %v, want 128000", v.ContextWindow)
	}
	if v.ExtraParams["region"] != "us-east-1" {
		t.Errorf("extra params = %v", v.ExtraParams)
	}
	if v.PricingMethod != gateway.PricingOpenAICache50 {
		t.Errorf("pricing method = %s", v.PricingMethod)
	}
}

func TestFamilyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	err := s.UpsertFamilies(context.Background(), []gateway.FamilyConfig{{
		FamilyID:           "F1",
		Enabled:            true,
		EvaluationModelID:  "mini",
		EvaluationProvider: "openai",
		ScoreRanges: []gateway.ScoreRange{
			{MinScore: 1, MaxScore: 50, TargetModel: "a"},
			{MinScore: 51, MaxScore: 100, TargetModel: "b"},
		},
		FallbackModel:        "a",
		FallbackProvider:     "openai",
		CacheDurationMinutes: 10,
		EvaluationTimeoutMs:  8000,
	}})
	if err != nil {
		t.Fatalf("upsert families: %v", err)
	}

	families, err := s.ListFamilies(context.Background())
	if err != nil {
		t.Fatalf("list families: %v", err)
	}
	if len(families) != 1 || len(families[0].ScoreRanges) != 2 {
		t.Fatalf("families = %+v", families)
	}
	if families[0].ScoreRanges[1].TargetModel != "b" {
		t.Errorf("ranges = %+v", families[0].ScoreRanges)
	}
}

func TestRequestLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedVariant(t, s, "openai")
	seedRequest(t, s, "r1", "openai", gateway.StatusReadyToCompute, nil, nil, intp(600))

	if err := s.InsertContent(ctx, &gateway.RequestContent{
		RequestID:    "r1",
		RequestBody:  []byte(`{"model":"gpt-4o"}`),
		ResponseBody: []byte(`{"choices":[]}`),
	}); err != nil {
		t.Fatalf("insert content: %v", err)
	}

	batch, err := s.SelectReadyBatch(ctx, 10)
	if err != nil {
		t.Fatalf("select ready: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("batch = %d, want 1", len(batch))
	}
	item := batch[0]
	if item.PricingMethod != gateway.PricingOpenAICache50 || item.PriceInput != 0.005 {
		t.Errorf("pricing join lost: %+v", item)
	}
	if item.TokenizerName != "cl100k_base" {
		t.Errorf("tokenizer = %s", item.TokenizerName)
	}
	if item.Record.CachedTokens == nil || *item.Record.CachedTokens != 600 {
		t.Errorf("cached tokens = %v", item.Record.CachedTokens)
	}
	if string(item.RequestBody) != `{"model":"gpt-4o"}` {
		t.Errorf("request body = %s", item.RequestBody)
	}

	if err := s.SetRequestTokens(ctx, "r1", 1000, 200); err != nil {
		t.Fatalf("set tokens: %v", err)
	}

	tx := &gateway.Transaction{
		ID: "t1", UserID: "u1", Amount: 6.9, Type: gateway.TransactionDebit,
		RequestID: "r1", CreatedAt: time.Now().UTC(),
	}
	if err := s.InsertTransaction(ctx, tx); err != nil {
		t.Fatalf("insert transaction: %v", err)
	}
	if err := s.CompleteRequest(ctx, "r1", "t1"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	rec, err := s.GetRequest(ctx, "r1")
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if rec.Status != gateway.StatusCompleted || rec.TransactionID == nil || *rec.TransactionID != "t1" {
		t.Errorf("record = %+v, want completed with t1", rec)
	}
	if rec.InputTokens == nil || *rec.InputTokens != 1000 {
		t.Errorf("input tokens = %v", rec.InputTokens)
	}

	// Completed rows leave the ready pool and re-completion conflicts.
	batch, _ = s.SelectReadyBatch(ctx, 10)
	if len(batch) != 0 {
		t.Errorf("ready batch after completion = %d, want 0", len(batch))
	}
	if err := s.CompleteRequest(ctx, "r1", "t2"); !errors.Is(err, gateway.ErrConflict) {
		t.Errorf("re-complete err = %v, want ErrConflict", err)
	}
}

func TestFailRequestIsTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRequest(t, s, "r1", "openai", gateway.StatusReadyToCompute, nil, nil, nil)

	if err := s.FailRequest(ctx, "r1", "tokenizer exploded"); err != nil {
		t.Fatalf("fail request: %v", err)
	}
	rec, _ := s.GetRequest(ctx, "r1")
	if rec.Status != gateway.StatusError || rec.ErrorMessage == nil {
		t.Errorf("record = %+v, want error status", rec)
	}

	// Errored rows never re-enter the ready pool.
	batch, _ := s.SelectReadyBatch(ctx, 10)
	if len(batch) != 0 {
		t.Errorf("ready batch = %d, want 0", len(batch))
	}
}

func TestProviderMetricsBatchMedians(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Three completed streaming requests on openai with throughputs 10, 20, 30.
	for i, tput := range []float64{10, 20, 30} {
		id := string(rune('a' + i))
		seedRequest(t, s, id, "openai", gateway.StatusCompleted, intp(100), intp(50), nil)
		ttfc := int64(100 * (i + 1))
		total := int64(1000)
		dt := int64(500)
		if err := s.InsertMetrics(ctx, &gateway.MetricsRecord{
			RequestID:            id,
			TotalDurationMs:      &total,
			TimeToFirstChunkMs:   &ttfc,
			DtFirstLastChunkMs:   &dt,
			ThroughputTokensPerS: &tput,
			IsCalculated:         true,
		}); err != nil {
			t.Fatalf("insert metrics: %v", err)
		}
	}

	got, err := s.ProviderMetricsBatch(ctx, "gpt-4o", []string{"openai", "quiet"}, 10)
	if err != nil {
		t.Fatalf("metrics batch: %v", err)
	}

	active := got[gateway.VariantKey{Provider: "openai", ModelID: "gpt-4o"}]
	if active.ThroughputMedian == nil || *active.ThroughputMedian != 20 {
		t.Errorf("throughput median = %v, want 20", active.ThroughputMedian)
	}
	if active.LatencyMedian == nil || *active.LatencyMedian != 200 {
		t.Errorf("latency median = %v, want 200", active.LatencyMedian)
	}
	if active.SampleCount != 3 {
		t.Errorf("sample count = %d, want 3", active.SampleCount)
	}

	// Absent provider present with nil medians.
	quiet, ok := got[gateway.VariantKey{Provider: "quiet", ModelID: "gpt-4o"}]
	if !ok {
		t.Fatal("quiet provider missing from result")
	}
	if quiet.ThroughputMedian != nil || quiet.SampleCount != 0 {
		t.Errorf("quiet = %+v, want empty metric", quiet)
	}
}

func TestUserCacheHistoryBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRequest(t, s, "r1", "azure", gateway.StatusCompleted, intp(100), intp(10), intp(40))
	seedRequest(t, s, "r2", "openai", gateway.StatusCompleted, intp(100), intp(10), intp(0))

	got, err := s.UserCacheHistoryBatch(ctx, "u1", "gpt-4o", []string{"azure", "openai"})
	if err != nil {
		t.Fatalf("cache history: %v", err)
	}
	if !got[gateway.VariantKey{Provider: "azure", ModelID: "gpt-4o"}] {
		t.Error("azure history = false, want true (cached_tokens > 0)")
	}
	if got[gateway.VariantKey{Provider: "openai", ModelID: "gpt-4o"}] {
		t.Error("openai history = true, want false (cached_tokens = 0)")
	}
}

func TestWalletLedger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetWallet(ctx, "u1"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("missing wallet err = %v, want ErrNotFound", err)
	}
	if err := s.CreditWallet(ctx, "u1", 25); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := s.DebitWallet(ctx, "u1", 6.5); err != nil {
		t.Fatalf("debit: %v", err)
	}
	w, err := s.GetWallet(ctx, "u1")
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if w.Balance != 18.5 {
		t.Errorf("balance = %v, want 18.5", w.Balance)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	hash := gateway.HashKey("arb_secret")
	if err := s.CreateKey(ctx, &gateway.APIKey{
		ID: "k1", Name: "default", KeyHash: hash, UserID: "u1", CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("create key: %v", err)
	}

	key, err := s.GetKeyByHash(ctx, hash)
	if err != nil {
		t.Fatalf("get key: %v", err)
	}
	if key.UserID != "u1" || key.LastUsedAt != nil {
		t.Errorf("key = %+v", key)
	}

	if err := s.TouchKeyUsed(ctx, "k1"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	key, _ = s.GetKeyByHash(ctx, hash)
	if key.LastUsedAt == nil {
		t.Error("last_used_at not set after touch")
	}

	if _, err := s.GetKeyByHash(ctx, "bogus"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("bogus hash err = %v, want ErrNotFound", err)
	}
}
