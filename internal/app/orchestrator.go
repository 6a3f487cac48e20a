// Package app implements the request orchestration layer: validation,
// family substitution, candidate fallback, the streaming pump, and
// background persistence of request records.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/arbiterai/arbiter/internal"
	"github.com/arbiterai/arbiter/internal/adapter"
	"github.com/arbiterai/arbiter/internal/catalog"
	"github.com/arbiterai/arbiter/internal/family"
	"github.com/arbiterai/arbiter/internal/notify"
	"github.com/arbiterai/arbiter/internal/selector"
)

// persistTimeout bounds the background writes that follow a response.
const persistTimeout = 15 * time.Second

// upstreamTimeout bounds one non-streaming upstream attempt. Streaming
// attempts are open-ended and bounded by the caller's context.
const upstreamTimeout = 60 * time.Second

// Store is the persistence surface the orchestrator writes to.
type Store interface {
	InsertRequest(ctx context.Context, rec *gateway.RequestRecord) error
	InsertContent(ctx context.Context, content *gateway.RequestContent) error
	InsertMetrics(ctx context.Context, m *gateway.MetricsRecord) error
	TouchKeyUsed(ctx context.Context, id string) error
	InsertTransaction(ctx context.Context, t *gateway.Transaction) error
	DebitWallet(ctx context.Context, userID string, amount float64) error
}

// Notifier receives fire-and-forget upstream failure events.
type Notifier interface {
	Notify(notify.Event)
}

// Orchestrator drives one chat completion from validation through
// persistence.
type Orchestrator struct {
	catalog  *catalog.Catalog
	selector *selector.Selector
	families *family.Router
	adapters *adapter.Registry
	store    Store
	notifier Notifier
	tracer   trace.Tracer // nil disables tracing
}

// New wires an Orchestrator. notifier and tracer may be nil.
func New(cat *catalog.Catalog, sel *selector.Selector, fam *family.Router, reg *adapter.Registry, store Store, notifier Notifier, tracer trace.Tracer) *Orchestrator {
	return &Orchestrator{
		catalog:  cat,
		selector: sel,
		families: fam,
		adapters: reg,
		store:    store,
		notifier: notifier,
		tracer:   tracer,
	}
}

// ValidateRequest enforces the request schema ahead of selection.
func ValidateRequest(req *gateway.ChatRequest) error {
	if len(req.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", gateway.ErrBadRequest)
	}
	for i, m := range req.Messages {
		switch m.Role {
		case "system", "user", "assistant", "tool":
		default:
			return fmt.Errorf("%w: message %d has invalid role %q", gateway.ErrBadRequest, i, m.Role)
		}
		hasContent := len(m.Content) > 0
		hasToolCalls := len(m.ToolCalls) > 0
		if hasContent == hasToolCalls {
			return fmt.Errorf("%w: message %d must carry content or tool_calls", gateway.ErrBadRequest, i)
		}
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return fmt.Errorf("%w: temperature must be in [0,2]", gateway.ErrBadRequest)
	}
	if req.TopP != nil && (*req.TopP < 0 || *req.TopP > 1) {
		return fmt.Errorf("%w: top_p must be in [0,1]", gateway.ErrBadRequest)
	}
	if req.MaxTokens != nil && *req.MaxTokens <= 0 {
		return fmt.Errorf("%w: max_tokens must be positive", gateway.ErrBadRequest)
	}
	return nil
}

// prepared is the per-request state shared by both execution paths.
type prepared struct {
	requestID  string
	start      time.Time
	identity   *gateway.Identity
	routing    *gateway.RoutingResult
	candidates []selector.Candidate
	reqBody    json.RawMessage
	next       int // index of the next candidate after the committed one
}

// prepare validates, resolves families, and selects candidates.
func (o *Orchestrator) prepare(ctx context.Context, req *gateway.ChatRequest, opts selector.Options) (*prepared, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}

	p := &prepared{
		requestID: uuid.Must(uuid.NewV7()).String(),
		start:     time.Now(),
		identity:  gateway.IdentityFromContext(ctx),
	}
	if body, err := json.Marshal(req); err == nil {
		p.reqBody = body
	}

	if o.families != nil && o.catalog.IsFamily(ctx, req.Model) {
		routing, err := o.families.EvaluateAndRoute(ctx, req.Model, req)
		if err != nil {
			return nil, err
		}
		slog.LogAttrs(ctx, slog.LevelInfo, "family routed",
			slog.String("family", req.Model),
			slog.String("model", routing.SelectedModel),
			slog.Int("score", routing.ComplexityScore),
			slog.Bool("from_cache", routing.FromCache),
		)
		req.Model = routing.SelectedModel
		if routing.SelectedProvider != "" && len(req.Provider) == 0 {
			req.Provider = gateway.ProviderFilter{routing.SelectedProvider}
		}
		p.routing = routing
	}

	userID := ""
	if p.identity != nil {
		userID = p.identity.UserID
	}
	candidates, err := o.selector.Select(ctx, req, userID, opts)
	if err != nil {
		return nil, err
	}
	p.candidates = candidates
	return p, nil
}

// ChatCompletion executes a non-streaming request with candidate fallback.
func (o *Orchestrator) ChatCompletion(ctx context.Context, req *gateway.ChatRequest, opts selector.Options) (*gateway.ChatResponse, error) {
	p, err := o.prepare(ctx, req, opts)
	if err != nil {
		return nil, err
	}

	var lastErr error
	var lastProvider string
	for _, c := range p.candidates {
		v := c.Variant
		ad, err := o.adapters.Get(v.Adapter)
		if err != nil {
			lastErr = err
			continue
		}
		if !ad.IsConfigured(v) || !ad.ValidateRequest(req, v) {
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, upstreamTimeout)
		var span trace.Span
		if o.tracer != nil {
			callCtx, span = o.tracer.Start(callCtx, "adapter.ChatCompletion",
				trace.WithAttributes(
					attribute.String("provider", v.Provider),
					attribute.String("model", v.ModelID),
				),
			)
		}
		resp, err := ad.ChatCompletion(callCtx, req, v)
		if span != nil {
			span.End()
		}
		cancel()

		if err != nil {
			lastErr, lastProvider = err, v.Provider
			if adapter.Classify(err) == adapter.ErrorBusiness {
				o.persistFailure(p, req, v.Provider, err)
				return nil, err
			}
			o.notifyFailure(p.requestID, v, err)
			continue
		}

		resp.Model = v.ModelID
		resp.Provider = v.Provider
		o.persistSuccess(p, req, v, resp, nil)
		return resp, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no configured candidate accepted the request", gateway.ErrNoCandidates)
	}
	o.persistFailure(p, req, lastProvider, lastErr)
	return nil, fmt.Errorf("%w: all candidates failed: %w", gateway.ErrProviderError, lastErr)
}

// ChatCompletionStream executes a streaming request. Candidates are tried
// in order until one stream opens; errors after the first forwarded chunk
// terminate the stream rather than restart it.
func (o *Orchestrator) ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest, opts selector.Options) (<-chan gateway.StreamChunk, error) {
	p, err := o.prepare(ctx, req, opts)
	if err != nil {
		return nil, err
	}

	upstream, v, err := o.openStream(ctx, p, req, 0)
	if err != nil {
		return nil, err
	}

	out := make(chan gateway.StreamChunk, 8)
	go o.pump(ctx, p, req, v, upstream, out)
	return out, nil
}

// openStream walks candidates from index `from` until one upstream stream
// opens. Business errors propagate; transient ones fall through with a
// notification.
func (o *Orchestrator) openStream(ctx context.Context, p *prepared, req *gateway.ChatRequest, from int) (<-chan gateway.StreamChunk, *gateway.ModelVariant, error) {
	var lastErr error
	var lastProvider string
	for _, c := range p.candidates[from:] {
		v := c.Variant
		ad, err := o.adapters.Get(v.Adapter)
		if err != nil {
			lastErr = err
			continue
		}
		if !ad.IsConfigured(v) || !ad.ValidateRequest(req, v) {
			continue
		}

		ch, err := ad.ChatCompletionStream(ctx, req, v)
		if err != nil {
			lastErr, lastProvider = err, v.Provider
			if adapter.Classify(err) == adapter.ErrorBusiness {
				o.persistFailure(p, req, v.Provider, err)
				return nil, nil, err
			}
			o.notifyFailure(p.requestID, v, err)
			continue
		}
		p.candidateIndexed(v)
		return ch, v, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no configured candidate accepted the request", gateway.ErrNoCandidates)
	}
	o.persistFailure(p, req, lastProvider, lastErr)
	return nil, nil, fmt.Errorf("%w: all candidates failed: %w", gateway.ErrProviderError, lastErr)
}

// candidateIndexed records which candidate the stream committed to, so a
// pre-first-chunk retry resumes after it.
func (p *prepared) candidateIndexed(v *gateway.ModelVariant) {
	for i, c := range p.candidates {
		if c.Variant == v {
			p.next = i + 1
			return
		}
	}
}

// pump forwards upstream chunks to out, teeing them into a reconstruction
// accumulator and capturing latency metrics. The upstream may still be
// swapped for the next candidate until the first data chunk is forwarded.
func (o *Orchestrator) pump(ctx context.Context, p *prepared, req *gateway.ChatRequest, v *gateway.ModelVariant, upstream <-chan gateway.StreamChunk, out chan<- gateway.StreamChunk) {
	defer close(out)

	acc := newAccumulator()
	committed := false
	var firstChunk, lastChunk time.Time

	for {
		chunk, open := <-upstream
		if !open {
			// Upstream closed without a Done sentinel; finish normally.
			o.finishStream(p, req, v, acc, firstChunk, lastChunk, "")
			return
		}

		if chunk.Err != nil {
			if !committed {
				// Nothing forwarded yet: fall back like a failed open.
				o.notifyFailure(p.requestID, v, chunk.Err)
				next, nv, err := o.openStream(ctx, p, req, p.next)
				if err != nil {
					out <- gateway.StreamChunk{Err: err}
					return
				}
				upstream, v = next, nv
				acc = newAccumulator()
				continue
			}
			// Committed: terminate the caller's stream, keep the partial output.
			slog.LogAttrs(ctx, slog.LevelError, "stream failed after first chunk",
				slog.String("request_id", p.requestID),
				slog.String("provider", v.Provider),
				slog.String("error", chunk.Err.Error()),
			)
			o.notifyFailure(p.requestID, v, chunk.Err)
			out <- chunk
			o.finishStream(p, req, v, acc, firstChunk, lastChunk, "")
			return
		}

		if chunk.Done {
			out <- chunk
			o.finishStream(p, req, v, acc, firstChunk, lastChunk, "")
			return
		}

		now := time.Now()
		if firstChunk.IsZero() {
			firstChunk = now
		}
		lastChunk = now
		acc.add(chunk)

		select {
		case out <- chunk:
			committed = true
		case <-ctx.Done():
			o.finishStream(p, req, v, acc, firstChunk, lastChunk, "client disconnected")
			return
		}
	}
}

// finishStream reconstructs the canonical response and persists the record
// in the background.
func (o *Orchestrator) finishStream(p *prepared, req *gateway.ChatRequest, v *gateway.ModelVariant, acc *accumulator, firstChunk, lastChunk time.Time, note string) {
	resp := acc.response(req.Model, v.Provider)

	m := &gateway.MetricsRecord{RequestID: p.requestID}
	total := time.Since(p.start).Milliseconds()
	m.TotalDurationMs = &total
	if !firstChunk.IsZero() {
		ttfc := firstChunk.Sub(p.start).Milliseconds()
		m.TimeToFirstChunkMs = &ttfc
		dt := lastChunk.Sub(firstChunk).Milliseconds()
		m.DtFirstLastChunkMs = &dt
		if acc.usage != nil && acc.usage.CompletionTokens > 0 && dt > 0 {
			tps := float64(acc.usage.CompletionTokens) / (float64(dt) / 1000)
			m.ThroughputTokensPerS = &tps
			m.IsCalculated = true
		}
	}

	if note != "" {
		slog.Info("stream closed early", "request_id", p.requestID, "reason", note)
	}
	o.persistSuccess(p, req, v, resp, m)
}

// persistSuccess writes the request record, content, and metrics without
// blocking the response path. Write order per request is fixed: record,
// content, then metrics.
func (o *Orchestrator) persistSuccess(p *prepared, req *gateway.ChatRequest, v *gateway.ModelVariant, resp *gateway.ChatResponse, m *gateway.MetricsRecord) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		rec := &gateway.RequestRecord{
			RequestID:  p.requestID,
			Provider:   v.Provider,
			ModelID:    v.ModelID,
			CreatedAt:  p.start.UTC(),
			Streaming:  m != nil,
			Status:     gateway.StatusReadyToCompute,
		}
		if p.identity != nil {
			rec.UserID = p.identity.UserID
			rec.APIKeyName = p.identity.APIKeyName
		}
		if resp.Usage != nil {
			in, out := resp.Usage.PromptTokens, resp.Usage.CompletionTokens
			rec.InputTokens = &in
			rec.OutputTokens = &out
			if cached := resp.Usage.CachedTokens(); cached >= 0 {
				rec.CachedTokens = &cached
			}
		}

		if err := o.store.InsertRequest(ctx, rec); err != nil {
			slog.Error("persist request failed", "request_id", p.requestID, "error", err)
			return
		}

		respBody, _ := json.Marshal(resp)
		content := &gateway.RequestContent{
			RequestID:    p.requestID,
			RequestBody:  p.reqBody,
			ResponseBody: respBody,
		}
		if err := o.store.InsertContent(ctx, content); err != nil {
			slog.Error("persist content failed", "request_id", p.requestID, "error", err)
		}

		if m != nil {
			if err := o.store.InsertMetrics(ctx, m); err != nil {
				slog.Error("persist metrics failed", "request_id", p.requestID, "error", err)
			}
		}

		o.settleEvaluation(ctx, p)
		o.touchKey(ctx, p)
	}()
}

// persistFailure writes a terminal error record in the background.
func (o *Orchestrator) persistFailure(p *prepared, req *gateway.ChatRequest, provider string, cause error) {
	msg := cause.Error()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		rec := &gateway.RequestRecord{
			RequestID:    p.requestID,
			Provider:     provider,
			ModelID:      req.Model,
			CreatedAt:    p.start.UTC(),
			Status:       gateway.StatusError,
			ErrorMessage: &msg,
		}
		if p.identity != nil {
			rec.UserID = p.identity.UserID
			rec.APIKeyName = p.identity.APIKeyName
		}
		if err := o.store.InsertRequest(ctx, rec); err != nil {
			slog.Error("persist failure record failed", "request_id", p.requestID, "error", err)
			return
		}
		if err := o.store.InsertContent(ctx, &gateway.RequestContent{
			RequestID:   p.requestID,
			RequestBody: p.reqBody,
		}); err != nil {
			slog.Error("persist content failed", "request_id", p.requestID, "error", err)
		}
		o.settleEvaluation(ctx, p)
		o.touchKey(ctx, p)
	}()
}

// settleEvaluation debits the family evaluator's cost against the same
// request so wallet math stays per-request.
func (o *Orchestrator) settleEvaluation(ctx context.Context, p *prepared) {
	if p.routing == nil || p.routing.FromCache || p.routing.EvaluationCost <= 0 || p.identity == nil {
		return
	}
	tx := &gateway.Transaction{
		ID:        uuid.Must(uuid.NewV7()).String(),
		UserID:    p.identity.UserID,
		Amount:    p.routing.EvaluationCost,
		Type:      gateway.TransactionDebit,
		RequestID: p.requestID,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.store.InsertTransaction(ctx, tx); err != nil {
		slog.Error("persist evaluation debit failed", "request_id", p.requestID, "error", err)
		return
	}
	if err := o.store.DebitWallet(ctx, p.identity.UserID, p.routing.EvaluationCost); err != nil {
		slog.Error("debit evaluation cost failed", "request_id", p.requestID, "error", err)
	}
}

func (o *Orchestrator) touchKey(ctx context.Context, p *prepared) {
	if p.identity == nil || p.identity.KeyID == "" {
		return
	}
	if err := o.store.TouchKeyUsed(ctx, p.identity.KeyID); err != nil {
		slog.Warn("touch api key failed", "key_id", p.identity.KeyID, "error", err)
	}
}

// notifyFailure fires an asynchronous error notification.
func (o *Orchestrator) notifyFailure(requestID string, v *gateway.ModelVariant, err error) {
	if o.notifier == nil {
		return
	}
	o.notifier.Notify(notify.Event{
		Provider:  v.Provider,
		ModelID:   v.ModelID,
		RequestID: requestID,
		Error:     err.Error(),
	})
}
