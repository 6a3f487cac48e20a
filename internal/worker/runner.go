// Package worker supervises the gateway's background tasks.
package worker

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Worker is a long-running background task. Run blocks until ctx is
// cancelled or the task fails for good.
type Worker interface {
	Name() string
	Run(ctx context.Context) error
}

// Runner supervises a set of workers under one errgroup: the first failure
// cancels the rest, and Run returns that error once all have stopped.
type Runner struct {
	workers []Worker
}

// NewRunner creates a Runner over the given workers.
func NewRunner(workers ...Worker) *Runner {
	return &Runner{workers: workers}
}

// Run starts every worker and blocks until all have returned.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range r.workers {
		slog.Info("starting background worker", "worker", w.Name())
		g.Go(func() error { return w.Run(ctx) })
	}
	return g.Wait()
}
