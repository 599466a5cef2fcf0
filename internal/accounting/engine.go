// Package accounting computes the immutable financial snapshot of a
// closed position: per-side weighted averages, fee normalisation across
// settlement assets, funding fees and realized profit. It never writes
// partial or estimated numbers as final: missing conversion prices defer
// the whole reconciliation.
package accounting

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/openfolio/posengine/internal/domain"
)

// Alerter delivers user-visible notifications; failures never block
// accounting.
type Alerter interface {
	PositionCommand(ctx context.Context, positionID, command string, payload map[string]any)
}

// Config tunes deferral behaviour.
type Config struct {
	// DelayBase spaces out re-scheduled accounting runs; the actual
	// delay grows linearly with the deferral counter.
	DelayBase time.Duration
	// AlertThreshold is the deferral count after which the operator is
	// alerted about repeatedly missing price data.
	AlertThreshold int
	// LockTTL bounds the hard lock taken for the computation.
	LockTTL time.Duration
}

// Engine runs the accounting and accounting-post-processing stages.
type Engine struct {
	store    domain.PositionStore
	prices   domain.SettlementPriceSource
	gateway  domain.ExchangeGateway
	queue    domain.Queue
	events   domain.EventBus
	archiver domain.Archiver
	alerter  Alerter
	cfg      Config
	holder   string
	logger   *slog.Logger
}

// NewEngine creates the accounting engine. archiver and alerter may be
// nil.
func NewEngine(
	store domain.PositionStore,
	prices domain.SettlementPriceSource,
	gateway domain.ExchangeGateway,
	queue domain.Queue,
	events domain.EventBus,
	archiver domain.Archiver,
	alerter Alerter,
	cfg Config,
	holder string,
	logger *slog.Logger,
) *Engine {
	if cfg.DelayBase <= 0 {
		cfg.DelayBase = 30 * time.Second
	}
	if cfg.AlertThreshold <= 0 {
		cfg.AlertThreshold = 10
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	return &Engine{
		store:    store,
		prices:   prices,
		gateway:  gateway,
		queue:    queue,
		events:   events,
		archiver: archiver,
		alerter:  alerter,
		cfg:      cfg,
		holder:   holder,
		logger:   logger.With(slog.String("component", "accounting")),
	}
}

// Process computes the accounting snapshot for one closed position. A
// position whose snapshot is already done is a no-op; missing price data
// defers the whole run.
func (e *Engine) Process(ctx context.Context, msg domain.Message) error {
	pos, err := e.store.AcquireHardLock(ctx, msg.PositionID, e.holder, "accounting", e.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return domain.ErrRetryLater
		}
		if errors.Is(err, domain.ErrNotFound) {
			e.logger.WarnContext(ctx, "accounting for unknown position dropped",
				slog.String("position_id", msg.PositionID))
			return nil
		}
		return err
	}
	defer func() {
		if relErr := e.store.ReleaseHardLock(ctx, msg.PositionID, e.holder, "accounting"); relErr != nil {
			e.logger.ErrorContext(ctx, "release hard lock failed",
				slog.String("position_id", msg.PositionID),
				slog.String("error", relErr.Error()))
		}
	}()

	if !pos.Closed {
		e.logger.WarnContext(ctx, "accounting requested for open position, skipping",
			slog.String("position_id", pos.ID))
		return nil
	}
	if pos.Accounted || (pos.Accounting != nil && pos.Accounting.Done) {
		return nil
	}

	snapshot, err := e.ComputeSnapshot(ctx, &pos)
	if err != nil {
		if errors.Is(err, domain.ErrPriceUnavailable) {
			return e.deferRun(ctx, &pos)
		}
		return err
	}

	diff := (&domain.FieldDiff{}).
		Set(domain.FieldAccounting, snapshot).
		Set(domain.FieldAccounted, true)
	if err := e.store.Apply(ctx, pos.ID, diff); err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := e.queue.Enqueue(ctx, domain.QueueAccountingPost,
		domain.Message{PositionID: pos.ID}, now, true); err != nil {
		return err
	}
	if err := e.events.Publish(ctx, domain.PositionEvent{
		PositionID: pos.ID,
		Type:       "accounted",
		Time:       now,
	}); err != nil {
		e.logger.WarnContext(ctx, "event publish failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()))
	}

	e.logger.InfoContext(ctx, "accounting snapshot written",
		slog.String("position_id", pos.ID),
		slog.Float64("gross_profit", snapshot.GrossProfit),
		slog.Float64("net_profit", snapshot.NetProfit))
	return nil
}

// deferRun re-schedules the run with a growing delay and alerts after
// the configured threshold of repeated deferrals.
func (e *Engine) deferRun(ctx context.Context, pos *domain.Position) error {
	count := pos.AccountingDelayedCount + 1

	diff := (&domain.FieldDiff{}).Set(domain.FieldAccountingDelayedCount, count)
	if err := e.store.Apply(ctx, pos.ID, diff); err != nil {
		return err
	}

	delay := time.Duration(count) * e.cfg.DelayBase
	if err := e.queue.Enqueue(ctx, domain.QueueAccounting,
		domain.Message{PositionID: pos.ID}, time.Now().UTC().Add(delay), true); err != nil {
		return err
	}

	e.logger.WarnContext(ctx, "accounting deferred, conversion price unavailable",
		slog.String("position_id", pos.ID),
		slog.Int("delayed_count", count),
		slog.Duration("delay", delay))

	if count >= e.cfg.AlertThreshold && e.alerter != nil {
		e.alerter.PositionCommand(ctx, pos.ID, "accounting_delayed", map[string]any{
			"delayedCount": count,
		})
	}
	return nil
}

// ComputeSnapshot derives the full snapshot from the position's trade
// history. It returns domain.ErrPriceUnavailable when any fee
// conversion price is missing.
func (e *Engine) ComputeSnapshot(ctx context.Context, pos *domain.Position) (domain.AccountingSnapshot, error) {
	trades := domain.DedupeTrades(pos.Trades)

	var buys, sells []domain.Trade
	for _, t := range trades {
		if t.IsBuyer {
			buys = append(buys, t)
		} else {
			sells = append(sells, t)
		}
	}

	avgBuy, buyQty := domain.WeightedAveragePrice(buys)
	avgSell, sellQty := domain.WeightedAveragePrice(sells)

	totalFees, err := e.normalizeFees(ctx, pos, trades)
	if err != nil {
		return domain.AccountingSnapshot{}, err
	}

	openedAt, closedAt := tradeSpan(pos, trades)

	var funding float64
	if e.gateway != nil {
		payments, err := e.gateway.FundingPayments(ctx, pos.Symbol, openedAt, closedAt)
		if err != nil {
			return domain.AccountingSnapshot{}, err
		}
		for _, p := range payments {
			funding += p.Amount
		}
	}

	// Splitting by buy/sell keeps the profit formula side-agnostic:
	// for a short the entries are the sells, and profit still is
	// (avg sell - avg buy) * matched quantity.
	matched := math.Min(buyQty, sellQty)
	gross := (avgSell - avgBuy) * matched
	net := gross - totalFees + funding

	snapshot := domain.AccountingSnapshot{
		Done:         true,
		OpenedAt:     openedAt,
		ClosedAt:     closedAt,
		AvgBuyPrice:  avgBuy,
		BuyQuantity:  buyQty,
		AvgSellPrice: avgSell,
		SellQuantity: sellQty,
		TotalFees:    totalFees,
		FundingFees:  funding,
		GrossProfit:  gross,
		NetProfit:    net,
		ComputedAt:   time.Now().UTC(),
	}
	if pos.AllocatedBalance > 0 {
		snapshot.AllocationPct = net / pos.AllocatedBalance * 100
	}
	return snapshot, nil
}

// normalizeFees converts every trade fee into the settlement asset.
// Fees already in the settlement asset pass through; fees in the base
// asset convert through the trade's own price; anything else (rebate
// assets like BNB) converts at the settlement price observed at the
// trade's time, backfilled from venue history on a cache miss. A price
// available nowhere aborts with domain.ErrPriceUnavailable.
func (e *Engine) normalizeFees(ctx context.Context, pos *domain.Position, trades []domain.Trade) (float64, error) {
	baseAsset := strings.TrimSuffix(pos.Symbol, pos.Settlement)

	var total float64
	for _, t := range trades {
		switch {
		case t.Fee == 0:
			// nothing to convert
		case t.FeeAsset == pos.Settlement:
			total += t.Fee
		case t.FeeAsset == baseAsset && baseAsset != pos.Symbol:
			total += t.Fee * t.Price
		default:
			rate, err := e.resolveRate(ctx, t.FeeAsset+pos.Settlement, t.Time)
			if err != nil {
				return 0, err
			}
			total += t.Fee * rate
		}
	}
	return total, nil
}

// resolveRate looks a conversion price up in the cache and, on a miss,
// backfills it from the venue's own history. The live feed only records
// symbols the account trades, so a rebate-asset fee would otherwise
// defer forever. A venue failure still defers rather than estimating.
func (e *Engine) resolveRate(ctx context.Context, symbol string, at time.Time) (float64, error) {
	rate, err := e.prices.PriceAt(ctx, symbol, at)
	if err == nil {
		return rate, nil
	}
	if !errors.Is(err, domain.ErrPriceUnavailable) || e.gateway == nil {
		return 0, err
	}

	rate, gerr := e.gateway.HistoricalPrice(ctx, symbol, at)
	if gerr != nil {
		if !errors.Is(gerr, domain.ErrPriceUnavailable) {
			e.logger.WarnContext(ctx, "historical price backfill failed",
				slog.String("symbol", symbol),
				slog.String("error", gerr.Error()))
		}
		return 0, domain.ErrPriceUnavailable
	}

	if recErr := e.prices.Record(ctx, symbol, rate, at); recErr != nil {
		e.logger.WarnContext(ctx, "price record failed",
			slog.String("symbol", symbol),
			slog.String("error", recErr.Error()))
	}
	return rate, nil
}

// tradeSpan returns the accounting window: first fill to last fill,
// falling back to the position's own lifecycle timestamps.
func tradeSpan(pos *domain.Position, trades []domain.Trade) (openedAt, closedAt time.Time) {
	openedAt = pos.OpenedAt
	if pos.ClosedAt != nil {
		closedAt = *pos.ClosedAt
	} else {
		closedAt = time.Now().UTC()
	}

	for _, t := range trades {
		if !t.Time.IsZero() && t.Time.Before(openedAt) {
			openedAt = t.Time
		}
		if t.Time.After(closedAt) {
			closedAt = t.Time
		}
	}
	return openedAt, closedAt
}

// PostProcess runs the accounting post-processing stage: notification,
// archive to cold storage and the events feed. It is idempotent on the
// accountingPost flag.
func (e *Engine) PostProcess(ctx context.Context, msg domain.Message) error {
	pos, err := e.store.AcquireHardLock(ctx, msg.PositionID, e.holder, "accounting-post", e.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return domain.ErrRetryLater
		}
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}
	defer func() {
		if relErr := e.store.ReleaseHardLock(ctx, msg.PositionID, e.holder, "accounting-post"); relErr != nil {
			e.logger.ErrorContext(ctx, "release hard lock failed",
				slog.String("position_id", msg.PositionID),
				slog.String("error", relErr.Error()))
		}
	}()

	if !pos.Accounted || pos.Accounting == nil || pos.AccountingPost {
		return nil
	}

	if e.archiver != nil {
		location, err := e.archiver.ArchivePosition(ctx, pos)
		if err != nil {
			// The archive is best-effort cold storage; accounting
			// numbers are already durable in the store.
			e.logger.ErrorContext(ctx, "position archive failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()))
		} else {
			e.logger.InfoContext(ctx, "position archived",
				slog.String("position_id", pos.ID),
				slog.String("location", location))
		}
	}

	if e.alerter != nil {
		e.alerter.PositionCommand(ctx, pos.ID, "position_accounted", map[string]any{
			"netProfit":   pos.Accounting.NetProfit,
			"grossProfit": pos.Accounting.GrossProfit,
			"totalFees":   pos.Accounting.TotalFees,
		})
	}

	now := time.Now().UTC()
	if err := e.events.Publish(ctx, domain.PositionEvent{
		PositionID: pos.ID,
		Type:       "accounting_post",
		Time:       now,
	}); err != nil {
		e.logger.WarnContext(ctx, "event publish failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()))
	}

	diff := (&domain.FieldDiff{}).Set(domain.FieldAccountingPost, true)
	return e.store.Apply(ctx, pos.ID, diff)
}
