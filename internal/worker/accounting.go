package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	gateway "github.com/arbiterai/arbiter/internal"
	"github.com/arbiterai/arbiter/internal/accounting"
)

// DefaultAccountingInterval is how often ready records are settled when no
// webhook drives the worker.
const DefaultAccountingInterval = time.Minute

// AccountingWorker periodically runs the accounting processor. The webhook
// endpoint can trigger additional runs; the processor's own lock keeps the
// two from overlapping.
type AccountingWorker struct {
	processor *accounting.Processor
	interval  time.Duration
	batchSize int
	timeLimit time.Duration
}

// NewAccountingWorker creates the periodic accounting trigger.
// Non-positive parameters use the package defaults.
func NewAccountingWorker(p *accounting.Processor, interval time.Duration, batchSize int, timeLimit time.Duration) *AccountingWorker {
	if interval <= 0 {
		interval = DefaultAccountingInterval
	}
	return &AccountingWorker{
		processor: p,
		interval:  interval,
		batchSize: batchSize,
		timeLimit: timeLimit,
	}
}

// Name returns the worker identifier.
func (w *AccountingWorker) Name() string { return "accounting" }

// Run settles ready records on a fixed schedule until ctx is cancelled.
func (w *AccountingWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, err := w.processor.ProcessReady(ctx, w.batchSize, w.timeLimit)
			if err != nil && !errors.Is(err, gateway.ErrConflict) {
				slog.LogAttrs(ctx, slog.LevelError, "scheduled accounting run failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
