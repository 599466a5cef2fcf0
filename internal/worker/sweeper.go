package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/openfolio/posengine/internal/domain"
)

// Sweeper force-releases hard locks held past their grace period. Locks
// that old belong to workers that crashed mid-operation; clearing them
// lets the scanner pick the position back up on its next cycle.
type Sweeper struct {
	store    domain.PositionStore
	alerter  Alerter
	interval time.Duration
	grace    time.Duration
	logger   *slog.Logger
}

// NewSweeper creates the stuck-lock sweeper. alerter may be nil.
func NewSweeper(store domain.PositionStore, alerter Alerter, interval, grace time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if grace <= 0 {
		grace = 5 * time.Minute
	}
	return &Sweeper{
		store:    store,
		alerter:  alerter,
		interval: interval,
		grace:    grace,
		logger:   logger.With(slog.String("component", "sweeper")),
	}
}

// Run sweeps on a fixed interval until ctx is cancelled. Transient
// failures wait for the next tick; a systemic failure stops the sweeper
// for supervised restart.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "sweeper started",
		slog.Duration("interval", s.interval),
		slog.Duration("grace", s.grace))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.sweepOnce(ctx); err != nil {
				if domain.IsSystemic(err) {
					return err
				}
				s.logger.ErrorContext(ctx, "sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) error {
	stuck, err := s.store.ListExpiredLocks(ctx, s.grace)
	if err != nil {
		return err
	}

	for i := range stuck {
		pos := &stuck[i]
		if err := s.store.ForceUnlock(ctx, pos.ID); err != nil {
			return err
		}
		s.logger.WarnContext(ctx, "stuck hard lock released",
			slog.String("position_id", pos.ID),
			slog.String("holder", pos.LockedBy),
			slog.String("purpose", pos.LockedPurpose))
		if s.alerter != nil {
			s.alerter.PositionCommand(ctx, pos.ID, "lock_recovered", map[string]any{
				"holder":  pos.LockedBy,
				"purpose": pos.LockedPurpose,
			})
		}
	}
	return nil
}
