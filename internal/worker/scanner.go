package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/openfolio/posengine/internal/domain"
)

// Scanner periodically walks every open position and feeds the work
// queues. It is the safety net behind the event-driven paths: a missed
// stream event or a crashed worker only delays processing until the
// next sweep. Per-position soft locks keep concurrent scanner instances
// from producing the same work twice in one cycle; the queues' own
// dedupe handles the rest.
type Scanner struct {
	store    domain.PositionStore
	queue    domain.Queue
	locks    domain.SoftLocker
	interval time.Duration
	lockTTL  time.Duration
	logger   *slog.Logger
}

// NewScanner creates the periodic position scanner.
func NewScanner(store domain.PositionStore, queue domain.Queue, locks domain.SoftLocker, interval time.Duration, logger *slog.Logger) *Scanner {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scanner{
		store:    store,
		queue:    queue,
		locks:    locks,
		interval: interval,
		lockTTL:  interval,
		logger:   logger.With(slog.String("component", "scanner")),
	}
}

// Run scans on a fixed interval until ctx is cancelled. Transient
// failures wait for the next tick; a systemic failure (store gone,
// credentials revoked) stops the scanner for supervised restart.
func (s *Scanner) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "scanner started", slog.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.scanOnce(ctx); err != nil {
				if domain.IsSystemic(err) {
					return err
				}
				s.logger.ErrorContext(ctx, "scan failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (s *Scanner) scanOnce(ctx context.Context) error {
	positions, err := s.store.ListOpenForScan(ctx)
	if err != nil {
		return err
	}

	var queued int
	for i := range positions {
		pos := &positions[i]

		release, err := s.locks.TryLock(ctx, pos.ID, "scan", s.lockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				continue
			}
			return err
		}

		n, err := s.enqueueWork(ctx, pos)
		release()
		if err != nil {
			return err
		}
		queued += n
	}

	n, err := s.sweepUnaccounted(ctx)
	if err != nil {
		return err
	}
	queued += n

	if queued > 0 {
		s.logger.InfoContext(ctx, "scan cycle complete",
			slog.Int("positions", len(positions)),
			slog.Int("queued", queued))
	}
	return nil
}

// sweepUnaccounted re-queues accounting work for terminal positions
// whose snapshot never landed. A crash between the closing write and
// the accounting enqueue would otherwise lose the run for good; the
// queue's dedupe makes re-offering it every cycle free.
func (s *Scanner) sweepUnaccounted(ctx context.Context) (int, error) {
	positions, err := s.store.ListByStatus(ctx,
		domain.StatusClosed, domain.StatusLiquidated, domain.StatusClosedError)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	var queued int
	for i := range positions {
		pos := &positions[i]

		var queue string
		switch {
		case !pos.Accounted:
			queue = domain.QueueAccounting
		case !pos.AccountingPost:
			queue = domain.QueueAccountingPost
		default:
			continue
		}
		if err := s.queue.Enqueue(ctx, queue, domain.Message{PositionID: pos.ID}, now, true); err != nil {
			return queued, err
		}
		queued++
	}
	return queued, nil
}

// enqueueWork derives the due work items for one position. Everything is
// enqueued with dedupe so repeated scans of an unchanged position are
// free.
func (s *Scanner) enqueueWork(ctx context.Context, pos *domain.Position) (int, error) {
	now := time.Now().UTC()
	var queues []string

	switch {
	case pos.Status == domain.StatusEntryPending:
		if expired(pos.BuyTTL, now) {
			queues = append(queues, domain.QueueEntryTTL)
		}

	case pos.Status == domain.StatusOpen:
		if pos.HasPendingRebuy() {
			queues = append(queues, domain.QueueDCA)
		}
		if hasPendingTakeProfit(pos) {
			queues = append(queues, domain.QueueTakeProfit)
		}
		if stopConfigured(pos) {
			queues = append(queues, domain.QueueStopOrder)
		}
		if hasPendingReduce(pos) {
			queues = append(queues, domain.QueueReduceOrder)
		}
		if pos.Leverage > 1 {
			queues = append(queues, domain.QueueLiquidation)
		}
		if expired(pos.SellTTL, now) {
			queues = append(queues, domain.QueueEntryTTL)
		}

	case pos.Status == domain.StatusClosingLiquidation:
		queues = append(queues, domain.QueueLiquidation)
	}

	for _, q := range queues {
		if err := s.queue.Enqueue(ctx, q, domain.Message{PositionID: pos.ID}, now, true); err != nil {
			return 0, err
		}
	}
	return len(queues), nil
}

func hasPendingTakeProfit(pos *domain.Position) bool {
	for _, t := range pos.TakeProfitTargets {
		if t.State == domain.TargetPending {
			return true
		}
	}
	return false
}

func hasPendingReduce(pos *domain.Position) bool {
	for _, t := range pos.ReduceOrders {
		if t.State == domain.TargetPending {
			return true
		}
	}
	return false
}

func stopConfigured(pos *domain.Position) bool {
	return pos.StopLossPercentage > 0 || pos.StopLossPrice > 0 || pos.TrailingStopTrigger > 0
}
