package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openfolio/posengine/internal/domain"
)

// consumedQueues are the queues this process runs a loop for. The
// dead-letter queue is intentionally absent: it is drained by operators,
// not by the engine.
var consumedQueues = []string{
	domain.QueueStream,
	domain.QueueDCA,
	domain.QueueTakeProfit,
	domain.QueueStopOrder,
	domain.QueueReduceOrder,
	domain.QueueAccounting,
	domain.QueueAccountingPost,
	domain.QueueEntryTTL,
	domain.QueueLiquidation,
}

// Orchestrator runs all worker goroutines: one loop per consumed queue,
// the scanner and the lock sweeper.
type Orchestrator struct {
	loops   []*Loop
	scanner *Scanner
	sweeper *Sweeper
	logger  *slog.Logger
}

// NewOrchestrator builds the loops for every consumed queue and
// combines them with the scanner and sweeper.
func NewOrchestrator(
	queue domain.Queue,
	handlers *Handlers,
	scanner *Scanner,
	sweeper *Sweeper,
	policy domain.RetryPolicy,
	dequeueWait time.Duration,
	logger *slog.Logger,
) *Orchestrator {
	o := &Orchestrator{
		scanner: scanner,
		sweeper: sweeper,
		logger:  logger.With(slog.String("component", "orchestrator")),
	}
	for _, name := range consumedQueues {
		handler := handlers.ForQueue(name)
		if handler == nil {
			continue
		}
		o.loops = append(o.loops, NewLoop(queue, name, handler, policy, dequeueWait, logger))
	}
	return o
}

// Run starts every worker goroutine under one errgroup. Each goroutine
// respects ctx cancellation; any non-context error cancels the shared
// context and Run returns it.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.InfoContext(ctx, "worker orchestrator starting",
		slog.Int("queue_loops", len(o.loops)))

	g, ctx := errgroup.WithContext(ctx)

	for _, loop := range o.loops {
		loop := loop
		g.Go(func() error {
			err := loop.Run(ctx)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("queue %s: %w", loop.name, err)
		})
	}

	if o.scanner != nil {
		g.Go(func() error {
			err := o.scanner.Run(ctx)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("scanner: %w", err)
		})
	}

	if o.sweeper != nil {
		g.Go(func() error {
			err := o.sweeper.Run(ctx)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("sweeper: %w", err)
		})
	}

	err := g.Wait()
	if err != nil {
		o.logger.Error("worker orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}

	o.logger.Info("worker orchestrator stopped cleanly")
	return nil
}
