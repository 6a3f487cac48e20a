package accounting

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	gateway "github.com/arbiterai/arbiter/internal"
	"github.com/arbiterai/arbiter/internal/storage"
)

// Defaults for one processing invocation.
const (
	DefaultBatchSize = 100
	DefaultTimeLimit = 30 * time.Second
)

// Stats summarizes one processing run.
type Stats struct {
	Processed int           `json:"processed"`
	Errors    int           `json:"errors"`
	Duration  time.Duration `json:"duration"`
}

// Store is the persistence surface the processor needs.
type Store interface {
	storage.RequestStore
	storage.TransactionStore
	storage.WalletStore
}

// TokenCounter counts tokens for serialized payloads.
type TokenCounter interface {
	Count(tokenizer, text string) int
}

// Processor drains ready_to_compute requests into wallet debits. A
// process-wide TryLock serializes invocations: a concurrent caller gets
// gateway.ErrConflict instead of a second run.
type Processor struct {
	store   Store
	counter TokenCounter

	mu sync.Mutex // held for the duration of one run

	running        atomic.Bool
	totalProcessed atomic.Int64
	totalErrors    atomic.Int64
	lastRunUnix    atomic.Int64
}

// NewProcessor returns a Processor over store using counter for token counts.
func NewProcessor(store Store, counter TokenCounter) *Processor {
	return &Processor{store: store, counter: counter}
}

// Running reports whether a run is in progress.
func (p *Processor) Running() bool { return p.running.Load() }

// Totals returns cumulative processed/error counts and the last run time.
func (p *Processor) Totals() (processed, errors int64, lastRun time.Time) {
	if unix := p.lastRunUnix.Load(); unix > 0 {
		lastRun = time.Unix(unix, 0).UTC()
	}
	return p.totalProcessed.Load(), p.totalErrors.Load(), lastRun
}

// ProcessReady settles up to batchSize ready records, stopping early when
// timeLimit lapses between records. It returns gateway.ErrConflict when a
// run is already in progress.
func (p *Processor) ProcessReady(ctx context.Context, batchSize int, timeLimit time.Duration) (Stats, error) {
	if !p.mu.TryLock() {
		return Stats{}, fmt.Errorf("accounting already in progress: %w", gateway.ErrConflict)
	}
	defer p.mu.Unlock()

	p.running.Store(true)
	defer p.running.Store(false)

	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if timeLimit <= 0 {
		timeLimit = DefaultTimeLimit
	}

	start := time.Now()
	deadline := start.Add(timeLimit)

	batch, err := p.store.SelectReadyBatch(ctx, batchSize)
	if err != nil {
		return Stats{}, fmt.Errorf("select ready batch: %w", err)
	}

	var stats Stats
	for _, item := range batch {
		if err := ctx.Err(); err != nil {
			break
		}
		// Soft deadline: finish the current record, never start past it.
		if time.Now().After(deadline) {
			slog.Info("accounting time limit reached",
				"processed", stats.Processed, "remaining", len(batch)-stats.Processed-stats.Errors)
			break
		}

		if err := p.settle(ctx, item); err != nil {
			stats.Errors++
			p.totalErrors.Add(1)
			slog.LogAttrs(ctx, slog.LevelError, "request settlement failed",
				slog.String("request_id", item.Record.RequestID),
				slog.String("error", err.Error()),
			)
			if ferr := p.store.FailRequest(ctx, item.Record.RequestID, err.Error()); ferr != nil {
				slog.Error("mark request failed", "request_id", item.Record.RequestID, "error", ferr)
			}
			continue
		}
		stats.Processed++
		p.totalProcessed.Add(1)
	}

	stats.Duration = time.Since(start)
	p.lastRunUnix.Store(time.Now().Unix())
	slog.Info("accounting run finished",
		"processed", stats.Processed, "errors", stats.Errors, "duration", stats.Duration)
	return stats, nil
}

// settle prices one record, writes its debit, and completes it.
func (p *Processor) settle(ctx context.Context, item *storage.ReadyRequest) error {
	rec := item.Record

	inTokens, outTokens, err := p.resolveTokens(ctx, item)
	if err != nil {
		return err
	}

	cost, err := CalculateCost(inTokens, outTokens, rec.CachedTokens, item.PricingMethod, item.PriceInput, item.PriceOutput)
	if err != nil {
		// Unknown method: fall back to standard before giving up.
		cost, err = CalculateCost(inTokens, outTokens, rec.CachedTokens, gateway.PricingStandard, item.PriceInput, item.PriceOutput)
		if err != nil {
			return fmt.Errorf("price request: %w", err)
		}
	}

	tx := &gateway.Transaction{
		ID:        uuid.Must(uuid.NewV7()).String(),
		UserID:    rec.UserID,
		Amount:    cost,
		Type:      gateway.TransactionDebit,
		RequestID: rec.RequestID,
		CreatedAt: time.Now().UTC(),
	}
	if err := p.store.InsertTransaction(ctx, tx); err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	if err := p.store.DebitWallet(ctx, rec.UserID, cost); err != nil {
		return fmt.Errorf("debit wallet: %w", err)
	}
	if err := p.store.CompleteRequest(ctx, rec.RequestID, tx.ID); err != nil {
		return fmt.Errorf("complete request: %w", err)
	}
	return nil
}

// resolveTokens returns the record's token counts, tokenizing the stored
// payloads when the orchestrator could not observe usage.
func (p *Processor) resolveTokens(ctx context.Context, item *storage.ReadyRequest) (int, int, error) {
	rec := item.Record
	if rec.InputTokens != nil && rec.OutputTokens != nil {
		return *rec.InputTokens, *rec.OutputTokens, nil
	}

	inTokens := p.counter.Count(item.TokenizerName, payloadText(item.RequestBody))
	outTokens := p.counter.Count(item.TokenizerName, responseText(item.ResponseBody))
	if rec.InputTokens != nil {
		inTokens = *rec.InputTokens
	}
	if rec.OutputTokens != nil {
		outTokens = *rec.OutputTokens
	}

	if err := p.store.SetRequestTokens(ctx, rec.RequestID, inTokens, outTokens); err != nil {
		return 0, 0, fmt.Errorf("write token counts: %w", err)
	}
	return inTokens, outTokens, nil
}

// payloadText serializes a request body for tokenization.
func payloadText(body json.RawMessage) string {
	return string(body)
}

// responseText extracts the assistant content from a stored response, or
// the whole payload when the shape is unexpected.
func responseText(body json.RawMessage) string {
	if len(body) == 0 {
		return ""
	}
	var resp gateway.ChatResponse
	if json.Unmarshal(body, &resp) == nil && len(resp.Choices) > 0 {
		var s string
		if json.Unmarshal(resp.Choices[0].Message.Content, &s) == nil {
			return s
		}
	}
	return string(body)
}
