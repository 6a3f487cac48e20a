// Package family routes synthetic "family" model ids to concrete models by
// scoring request complexity with a cheap evaluator model.
package family

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/tidwall/gjson"

	gateway "github.com/arbiterai/arbiter/internal"
	"github.com/arbiterai/arbiter/internal/adapter"
	"github.com/arbiterai/arbiter/internal/catalog"
)

const (
	routeCacheSize = 4096

	evalMaxTokens   = 10
	evalTemperature = 0.0

	// Evaluation prompts are truncated to at most this many tokens total,
	// and to a per-message budget below it.
	evalTokenCeiling      = 128_000
	evalTokensPerMessage  = 2000
	evalFallbackFixedCost = 0.0001
	defaultEvalTimeout    = 10 * time.Second
	compressionKeepTail   = 3
)

// evalSystemPrompt asks the evaluator for a bare complexity score.
const evalSystemPrompt = `You are a request complexity evaluator. Read the conversation JSON and rate how complex the assistant's next action will be on a scale from 1 to 100, where 1 is a trivial reply and 100 requires deep multi-step reasoning. Respond with a single integer and nothing else.`

// compressSystemPrompt asks the compressor which messages can be dropped.
const compressSystemPrompt = `You compact conversations. Given a JSON array of chat messages, reply with a JSON array of the zero-based indices of messages that are redundant and can be removed (acknowledgements, repeated content). Never include the first message or the last three. Reply with the JSON array only.`

// memoEntry wraps a cached routing result with its expiry.
type memoEntry struct {
	result    gateway.RoutingResult
	expiresAt time.Time
}

// Router resolves family model ids through evaluator scoring.
// Results are memoized in-process per family TTL.
type Router struct {
	catalog  *catalog.Catalog
	adapters *adapter.Registry
	memo     *otter.Cache[string, memoEntry]
}

// NewRouter returns a Router using cat for family/evaluator lookup and reg
// for driving the evaluator call.
func NewRouter(cat *catalog.Catalog, reg *adapter.Registry) *Router {
	memo := otter.Must(&otter.Options[string, memoEntry]{
		MaximumSize: routeCacheSize,
	})
	return &Router{catalog: cat, adapters: reg, memo: memo}
}

// EvaluateAndRoute scores the request and returns the concrete model to
// substitute for the family id.
func (r *Router) EvaluateAndRoute(ctx context.Context, familyID string, req *gateway.ChatRequest) (*gateway.RoutingResult, error) {
	fam, err := r.catalog.Family(ctx, familyID)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown model family %q", gateway.ErrBadRequest, familyID)
	}
	if !fam.Enabled {
		return nil, fmt.Errorf("%w: %s", gateway.ErrFamilyDisabled, familyID)
	}

	key := familyID + ":" + requestHash(req)
	if e, ok := r.memo.GetIfPresent(key); ok {
		if time.Now().Before(e.expiresAt) {
			result := e.result
			result.FromCache = true
			return &result, nil
		}
		r.memo.Invalidate(key)
	}

	result, err := r.evaluate(ctx, fam, req)
	if err != nil {
		return nil, err
	}

	ttl := time.Duration(fam.CacheDurationMinutes) * time.Minute
	if ttl > 0 {
		r.memo.Set(key, memoEntry{result: *result, expiresAt: time.Now().Add(ttl)})
	}
	return result, nil
}

func (r *Router) evaluate(ctx context.Context, fam *gateway.FamilyConfig, req *gateway.ChatRequest) (*gateway.RoutingResult, error) {
	variant, err := r.catalog.Variant(ctx, fam.EvaluationProvider, fam.EvaluationModelID)
	if err != nil {
		return nil, fmt.Errorf("evaluator variant %s/%s: %w", fam.EvaluationProvider, fam.EvaluationModelID, err)
	}
	ad, err := r.adapters.Get(variant.Adapter)
	if err != nil {
		return nil, err
	}

	messages := req.Messages
	if req.Compression {
		messages = r.compress(ctx, ad, variant, messages)
	}
	messages = truncateMessages(messages)

	conversation, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("encode conversation: %w", err)
	}

	timeout := defaultEvalTimeout
	if fam.EvaluationTimeoutMs > 0 {
		timeout = time.Duration(fam.EvaluationTimeoutMs) * time.Millisecond
	}
	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	temp := evalTemperature
	maxTok := evalMaxTokens
	evalReq := &gateway.ChatRequest{
		Model: fam.EvaluationModelID,
		Messages: []gateway.Message{
			{Role: "system", Content: jsonString(evalSystemPrompt)},
			{Role: "user", Content: jsonString(string(conversation))},
		},
		Temperature: &temp,
		MaxTokens:   &maxTok,
	}

	resp, err := ad.ChatCompletion(evalCtx, evalReq, variant)
	if err != nil {
		return nil, fmt.Errorf("evaluate family %s: %w", fam.FamilyID, err)
	}

	score := parseScore(resp)
	result := &gateway.RoutingResult{
		ComplexityScore:  score,
		SelectedProvider: "",
	}

	matched := false
	for _, band := range fam.ScoreRanges {
		if band.Contains(score) {
			result.SelectedModel = band.TargetModel
			result.Reasoning = band.Reason
			if result.Reasoning == "" {
				result.Reasoning = fmt.Sprintf("score %d in range %d-%d", score, band.MinScore, band.MaxScore)
			}
			matched = true
			break
		}
	}
	if !matched {
		result.SelectedModel = fam.FallbackModel
		result.SelectedProvider = fam.FallbackProvider
		result.Reasoning = "no matching range"
	}

	result.EvaluationCost, result.EvaluationTokens = evaluationCost(resp.Usage, variant)
	return result, nil
}

// compress asks the evaluator model which messages are removable. Failures
// leave the conversation untouched.
func (r *Router) compress(ctx context.Context, ad adapter.Adapter, variant *gateway.ModelVariant, messages []gateway.Message) []gateway.Message {
	if len(messages) <= compressionKeepTail+1 {
		return messages
	}

	encoded, err := json.Marshal(messages)
	if err != nil {
		return messages
	}
	maxTok := 256
	temp := 0.0
	resp, err := ad.ChatCompletion(ctx, &gateway.ChatRequest{
		Model: variant.ModelID,
		Messages: []gateway.Message{
			{Role: "system", Content: jsonString(compressSystemPrompt)},
			{Role: "user", Content: jsonString(string(encoded))},
		},
		Temperature: &temp,
		MaxTokens:   &maxTok,
	}, variant)
	if err != nil {
		slog.Warn("conversation compression failed, keeping all messages", "error", err)
		return messages
	}

	removable := parseIndexList(responseText(resp))
	if len(removable) == 0 {
		return messages
	}

	keep := make([]gateway.Message, 0, len(messages))
	for i, m := range messages {
		// The first message and the tail always survive.
		if i == 0 || i >= len(messages)-compressionKeepTail || !removable[i] {
			keep = append(keep, m)
		}
	}
	return keep
}

// truncateMessages bounds each message's text content to the per-message
// token budget, keeping 60% of the head and 40% of the tail.
func truncateMessages(messages []gateway.Message) []gateway.Message {
	if len(messages) == 0 {
		return messages
	}
	budget := min(evalTokenCeiling, evalTokensPerMessage*len(messages))
	perMessage := budget / len(messages)
	maxChars := perMessage * 4

	out := make([]gateway.Message, len(messages))
	for i, m := range messages {
		out[i] = m
		parts := gateway.DecodeContent(m.Content)
		changed := false
		for j, p := range parts {
			if p.Type == "text" && len(p.Text) > maxChars {
				head := maxChars * 6 / 10
				tail := maxChars * 4 / 10
				parts[j].Text = p.Text[:head] + "\n...\n" + p.Text[len(p.Text)-tail:]
				changed = true
			}
		}
		if changed {
			out[i].Content = gateway.EncodeContent(parts)
		}
	}
	return out
}

// parseScore extracts the integer complexity score from the evaluator
// response, clamping to [1,100]. Unparseable responses score 50.
func parseScore(resp *gateway.ChatResponse) int {
	text := strings.TrimSpace(responseText(resp))
	// Take the first integer token in case the model added prose.
	for _, field := range strings.Fields(text) {
		if n, err := strconv.Atoi(strings.Trim(field, ".,")); err == nil {
			return min(100, max(1, n))
		}
	}
	return 50
}

func responseText(resp *gateway.ChatResponse) string {
	if resp == nil || len(resp.Choices) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(resp.Choices[0].Message.Content, &s) == nil {
		return s
	}
	return string(resp.Choices[0].Message.Content)
}

// evaluationCost derives the evaluator call's cost: the upstream-reported
// cost when present, otherwise catalog pricing, otherwise a small fixed cost.
func evaluationCost(usage *gateway.Usage, variant *gateway.ModelVariant) (float64, int) {
	if usage == nil {
		return evalFallbackFixedCost, 0
	}
	if usage.Cost != nil {
		return *usage.Cost, usage.TotalTokens
	}
	if variant.PriceInput > 0 || variant.PriceOutput > 0 {
		cost := (float64(usage.PromptTokens)*variant.PriceInput +
			float64(usage.CompletionTokens)*variant.PriceOutput) / 1000
		return cost, usage.TotalTokens
	}
	return evalFallbackFixedCost, usage.TotalTokens
}

// parseIndexList decodes a JSON array of indices into a membership set.
func parseIndexList(text string) map[int]bool {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, "["); idx >= 0 {
		if end := strings.LastIndex(text, "]"); end > idx {
			text = text[idx : end+1]
		}
	}
	var indices []int
	if json.Unmarshal([]byte(text), &indices) != nil {
		// Tolerate responses wrapped in a JSON object.
		if arr := gjson.Get(text, "remove"); arr.Exists() {
			arr.ForEach(func(_, v gjson.Result) bool {
				indices = append(indices, int(v.Int()))
				return true
			})
		}
	}
	if len(indices) == 0 {
		return nil
	}
	out := make(map[int]bool, len(indices))
	for _, i := range indices {
		out[i] = true
	}
	return out
}

// requestHash keys the memoization cache on the routing-relevant request
// fields.
func requestHash(req *gateway.ChatRequest) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	enc.Encode(req.Messages)
	enc.Encode(req.Tools)
	enc.Encode(req.Temperature)
	enc.Encode(req.MaxTokens)
	return hex.EncodeToString(h.Sum(nil))
}

func jsonString(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}
