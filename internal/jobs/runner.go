package jobs

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/fortdesk/knoxcore/pkg/queue"
)

// HandlerFunc processes one claimed job. It is responsible for calling
// Store.FinishJob(JobSucceeded, resultRef, ...) itself on success — the
// Runner only knows success/failure, not the result to persist.
type HandlerFunc func(ctx context.Context, job queue.DequeueResult) error

// KindConfig is one job kind's worker-pool shape.
type KindConfig struct {
	Concurrency int
	Handler     HandlerFunc
}

// Pool runs one queue.Runner per job kind, each bounded to its own
// Concurrency, wired through an errgroup so a fatal error in either kind's
// runner tears down the other and is surfaced to the caller.
type Pool struct {
	sq *StoreQueue
}

func NewPool(sq *StoreQueue) *Pool {
	return &Pool{sq: sq}
}

// Run blocks until ctx is canceled or a runner returns a non-context error.
func (p *Pool) Run(ctx context.Context, kinds map[queue.QueueName]KindConfig) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(kinds))
	for q, cfg := range kinds {
		q, cfg := q, cfg
		runner, err := queue.NewRunner(p.sq, func(hctx context.Context, msg queue.DequeueResult) error {
			return cfg.Handler(hctx, msg)
		}, queue.RunnerOptions{
			Queue:          q,
			Concurrency:    cfg.Concurrency,
			HandlerTimeout: Deadline,
			Retry:          SingleAttemptRetryPolicy{},
		})
		if err != nil {
			return fmt.Errorf("jobs: new runner for queue %q: %w", q, err)
		}
		g.Go(func() error { return runner.Run(gctx) })
	}
	return g.Wait()
}
