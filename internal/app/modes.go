package app

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/openfolio/posengine/internal/accounting"
	"github.com/openfolio/posengine/internal/domain"
	"github.com/openfolio/posengine/internal/feed"
	"github.com/openfolio/posengine/internal/reconcile"
	"github.com/openfolio/posengine/internal/server"
	"github.com/openfolio/posengine/internal/targets"
	"github.com/openfolio/posengine/internal/worker"
)

// holder resolves the lock-holder identity for this process. A fixed
// worker_id keeps lock ownership stable across restarts; without one
// every start gets a fresh identity.
func (a *App) holder() string {
	if a.cfg.Engine.WorkerID != "" {
		return a.cfg.Engine.WorkerID
	}
	return "worker-" + uuid.New().String()
}

// retryPolicy builds the queue retry policy from configuration: linear
// backoff per attempt plus up to one second of jitter.
func (a *App) retryPolicy() domain.RetryPolicy {
	backoff := a.cfg.Engine.RetryBackoff.Duration
	return domain.RetryPolicy{
		MaxAttempts: a.cfg.Engine.RetryMaxAttempts,
		Backoff: func(attempt int) time.Duration {
			return time.Duration(attempt)*backoff + time.Duration(rand.Int63n(int64(time.Second)))
		},
	}
}

// buildOrchestrator assembles the full worker side: reconciler, target
// evaluators, accounting engine, queue handlers, scanner and sweeper.
func (a *App) buildOrchestrator(deps *Dependencies) *worker.Orchestrator {
	holder := a.holder()
	lockTTL := a.cfg.Engine.LockTTL.Duration

	reconciler := reconcile.New(
		deps.Store, deps.Gateway, deps.Queue, deps.Events,
		deps.Notifier, holder, lockTTL, a.logger,
	)

	targetDeps := targets.Deps{
		Store:   deps.Store,
		Gateway: deps.Gateway,
		Queue:   deps.Queue,
		Events:  deps.Events,
		Alerter: deps.Notifier,
		Logger:  a.logger,
	}

	engine := accounting.NewEngine(
		deps.Store, deps.Prices, deps.Gateway, deps.Queue, deps.Events,
		deps.Archiver, deps.Notifier,
		accounting.Config{
			DelayBase:      a.cfg.Engine.AccountingDelayBase.Duration,
			AlertThreshold: a.cfg.Engine.AccountingAlertThreshold,
			LockTTL:        lockTTL,
		},
		holder, a.logger,
	)

	handlers := worker.NewHandlers(
		deps.Store, deps.Queue, deps.Gateway, reconciler,
		targets.NewDCA(targetDeps),
		targets.NewTakeProfit(targetDeps),
		targets.NewReduce(targetDeps),
		targets.NewStop(targetDeps),
		engine, deps.Notifier, holder, lockTTL,
		a.cfg.Engine.LiquidationWarnPct, a.logger,
	)

	scanner := worker.NewScanner(
		deps.Store, deps.Queue, deps.SoftLocker,
		a.cfg.Engine.ScanInterval.Duration, a.logger,
	)
	sweeper := a.buildSweeper(deps)

	return worker.NewOrchestrator(
		deps.Queue, handlers, scanner, sweeper,
		a.retryPolicy(), a.cfg.Engine.DequeueWait.Duration, a.logger,
	)
}

func (a *App) buildSweeper(deps *Dependencies) *worker.Sweeper {
	return worker.NewSweeper(
		deps.Store, deps.Notifier,
		a.cfg.Engine.SweepInterval.Duration,
		a.cfg.Engine.LockGrace.Duration,
		a.logger,
	)
}

// startHTTPServer registers the API server on the errgroup together
// with a goroutine that shuts it down when the context ends.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	srv := server.New(server.Config{Port: a.cfg.Server.Port}, deps.Store, a.logger)
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// WorkerMode consumes every work queue: reconciliation, target
// evaluation, accounting, TTL and liquidation handling, plus the
// scanner and the lock sweeper.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting worker mode")
	return a.buildOrchestrator(deps).Run(ctx)
}

// StreamMode runs only the exchange user-data stream, feeding execution
// events into the stream queue for workers to reconcile.
func (a *App) StreamMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting stream mode")
	stream := feed.NewUserStream(
		deps.Gateway, deps.Queue, deps.Prices,
		a.cfg.Exchange.UseTestnet, a.logger,
	)
	return stream.Run(ctx)
}

// ServerMode serves only the read-mostly HTTP API.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// SweeperMode runs only the expired-lock sweeper. Useful as a sidecar
// next to a fleet of worker processes.
func (a *App) SweeperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting sweeper mode")
	return a.buildSweeper(deps).Run(ctx)
}

// FullMode runs everything in one process: workers, the user-data
// stream, and the HTTP server when enabled.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	orch := a.buildOrchestrator(deps)
	g.Go(func() error {
		return orch.Run(ctx)
	})

	stream := feed.NewUserStream(
		deps.Gateway, deps.Queue, deps.Prices,
		a.cfg.Exchange.UseTestnet, a.logger,
	)
	g.Go(func() error {
		return stream.Run(ctx)
	})

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}

	return g.Wait()
}
