package targets

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/openfolio/posengine/internal/domain"
)

// Stop maintains the single authoritative stop order of a position,
// including the trailing variant. The stop price is derived from a
// percentage-of-entry or an absolute price (percentage wins unless
// explicitly overridden) and a trailing stop only ever advances.
type Stop struct {
	deps Deps
	log  *slog.Logger
}

// NewStop creates the stop evaluator.
func NewStop(deps Deps) *Stop {
	return &Stop{deps: deps, log: deps.Logger.With(slog.String("component", "stop"))}
}

// BaseStopPrice resolves the non-trailing stop price for the position,
// or 0 when no stop is configured.
func BaseStopPrice(pos *domain.Position) float64 {
	if pos.StopPricePriority == domain.PriorityPrice && pos.StopLossPrice > 0 {
		return pos.StopLossPrice
	}
	if pos.StopLossPercentage > 0 {
		if pos.IsLong() {
			return pos.AvgEntryPrice * pos.StopLossPercentage
		}
		return pos.AvgEntryPrice * (2 - pos.StopLossPercentage)
	}
	return pos.StopLossPrice
}

// TrailingStopPrice computes the trailing candidate for the current mark
// price, returning the greater (long) or lower (short) of the candidate
// and the previously armed trailing price so the stop never retreats. It
// returns 0 while the trailing trigger has not been reached.
func TrailingStopPrice(pos *domain.Position, mark float64) float64 {
	if pos.TrailingStopTrigger <= 0 || pos.TrailingStopDistance <= 0 {
		return pos.TrailingStopPrice
	}

	if pos.IsLong() {
		armAt := pos.AvgEntryPrice * pos.TrailingStopTrigger
		if mark < armAt && pos.TrailingStopPrice == 0 {
			return 0
		}
		candidate := mark * (1 - pos.TrailingStopDistance)
		return math.Max(candidate, pos.TrailingStopPrice)
	}

	armAt := pos.AvgEntryPrice * (2 - pos.TrailingStopTrigger)
	if mark > armAt && pos.TrailingStopPrice == 0 {
		return 0
	}
	candidate := mark * (1 + pos.TrailingStopDistance)
	if pos.TrailingStopPrice == 0 {
		return candidate
	}
	return math.Min(candidate, pos.TrailingStopPrice)
}

// StopBlockedByRebuy reports whether a pending pre-fill DCA target
// forbids placing this stop: a stop on the wrong side of the entry
// contradicts the directional logic while a scale-in is still waiting.
// The guard runs before every stop (re)placement.
func StopBlockedByRebuy(pos *domain.Position, stopPrice float64) bool {
	if !pos.HasPendingRebuy() {
		return false
	}
	if pos.IsLong() {
		return stopPrice >= pos.AvgEntryPrice
	}
	return stopPrice <= pos.AvgEntryPrice
}

// Process recomputes the stop price and (re)places the stop order of a
// hard-locked position when it moved by at least one price step.
func (s *Stop) Process(ctx context.Context, pos *domain.Position) error {
	if pos.Closed || pos.Status.Terminal() || pos.RemainingAmount <= residualEpsilon {
		return nil
	}

	mark, err := s.deps.Gateway.MarkPrice(ctx, pos.Symbol)
	if err != nil {
		return err
	}
	filters, err := s.deps.Gateway.SymbolFilters(ctx, pos.Symbol)
	if err != nil {
		return err
	}

	stopPrice := BaseStopPrice(pos)
	diff := &domain.FieldDiff{}

	if trailing := TrailingStopPrice(pos, mark); trailing > 0 {
		better := pos.IsLong() && trailing > stopPrice ||
			!pos.IsLong() && (stopPrice == 0 || trailing < stopPrice)
		if better {
			stopPrice = trailing
		}
		if trailing != pos.TrailingStopPrice {
			pos.TrailingStopPrice = trailing
			diff.Set(domain.FieldTrailingStopPrice, trailing)
		}
	}

	if stopPrice <= 0 {
		// No stop is configured. Normally that just means nothing to
		// place, but after the profit ladder ran out a residual with no
		// stop behind it would dangle forever: market-close it instead.
		if takeProfitLadderSpent(pos) {
			return s.exitResidual(ctx, pos, diff)
		}
		return s.applyIfNeeded(ctx, pos, diff)
	}
	stopPrice = roundToStep(stopPrice, filters.PriceStep)

	if StopBlockedByRebuy(pos, stopPrice) {
		s.log.InfoContext(ctx, "stop placement blocked by pending rebuy",
			slog.String("position_id", pos.ID),
			slog.Float64("stop_price", stopPrice))
		return s.applyIfNeeded(ctx, pos, diff)
	}

	current, hasCurrent := activeStopOrder(pos)
	if hasCurrent && math.Abs(current.Price-stopPrice) < filters.PriceStep {
		return s.applyIfNeeded(ctx, pos, diff)
	}

	if hasCurrent {
		if err := s.deps.Gateway.CancelOrder(ctx, pos.Symbol, current.ID); err != nil {
			return err
		}
		current.Status = domain.OrderStatusCancelled
		pos.Orders[current.ID] = current
		diff.SetPath(domain.CollectionOrders, []string{current.ID}, current)
	}

	res, err := s.deps.Gateway.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:        pos.Symbol,
		Side:          pos.ExitSide(),
		Type:          domain.OrderTypeStopMarket,
		StopPrice:     stopPrice,
		Quantity:      pos.RemainingAmount,
		ReduceOnly:    true,
		ClientOrderID: newClientOrderID(),
	})
	if err != nil {
		return err
	}
	if res.Business != nil {
		return s.handleBusinessFailure(ctx, pos, diff, res.Business)
	}

	recordPlacedOrder(pos, diff, domain.Order{
		ID:            res.OrderID,
		ClientOrderID: res.ClientOrderID,
		Role:          domain.RoleStop,
		Side:          pos.ExitSide(),
		Type:          domain.OrderTypeStopMarket,
		Status:        domain.OrderStatusPlaced,
		Price:         stopPrice,
		Amount:        pos.RemainingAmount,
		Cost:          stopPrice * pos.RemainingAmount,
		PlacedAt:      nowUTC(),
	})

	if err := s.deps.Store.Apply(ctx, pos.ID, diff); err != nil {
		return err
	}

	s.log.InfoContext(ctx, "stop order placed",
		slog.String("position_id", pos.ID),
		slog.Float64("stop_price", stopPrice),
		slog.Float64("quantity", pos.RemainingAmount))
	return nil
}

// takeProfitLadderSpent reports whether the profit ladder ran to the
// end: at least one target filled and none still active. This is the
// escalation state the reconciler routes here when a residual remains.
func takeProfitLadderSpent(pos *domain.Position) bool {
	var filled bool
	for _, t := range pos.TakeProfitTargets {
		if t.State.Active() {
			return false
		}
		if t.State == domain.TargetDone {
			filled = true
		}
	}
	return filled
}

// exitResidual market-closes the remainder left behind by the last
// take-profit fill when no stop exists to catch it. Idempotent: an
// outstanding exit order means the close is already in flight.
func (s *Stop) exitResidual(ctx context.Context, pos *domain.Position, diff *domain.FieldDiff) error {
	for _, ord := range pos.Orders {
		if ord.Role == domain.RoleExit && !ord.Done &&
			ord.Status != domain.OrderStatusCancelled && ord.Status != domain.OrderStatusError {
			return s.applyIfNeeded(ctx, pos, diff)
		}
	}

	res, err := s.deps.Gateway.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:        pos.Symbol,
		Side:          pos.ExitSide(),
		Type:          domain.OrderTypeMarket,
		Quantity:      pos.RemainingAmount,
		ReduceOnly:    true,
		ClientOrderID: newClientOrderID(),
	})
	if err != nil {
		return err
	}
	if res.Business != nil {
		return s.handleBusinessFailure(ctx, pos, diff, res.Business)
	}

	pos.Status = domain.StatusClosing
	diff.Set(domain.FieldStatus, int(domain.StatusClosing))
	recordPlacedOrder(pos, diff, domain.Order{
		ID:            res.OrderID,
		ClientOrderID: res.ClientOrderID,
		Role:          domain.RoleExit,
		Side:          pos.ExitSide(),
		Type:          domain.OrderTypeMarket,
		Status:        domain.OrderStatusPlaced,
		Amount:        pos.RemainingAmount,
		PlacedAt:      nowUTC(),
	})

	if err := s.deps.Store.Apply(ctx, pos.ID, diff); err != nil {
		return err
	}

	s.log.InfoContext(ctx, "residual exit placed, no stop configured",
		slog.String("position_id", pos.ID),
		slog.Float64("quantity", pos.RemainingAmount))
	return nil
}

func (s *Stop) applyIfNeeded(ctx context.Context, pos *domain.Position, diff *domain.FieldDiff) error {
	if diff.Empty() {
		return nil
	}
	return s.deps.Store.Apply(ctx, pos.ID, diff)
}

// handleBusinessFailure deals with a venue rejection of the stop. A
// reduced contract size means the stop can no longer protect the
// position: it is force-closed with a distinguishing status and the user
// is told why. Everything else is recorded and alerted without failing
// the position.
func (s *Stop) handleBusinessFailure(ctx context.Context, pos *domain.Position, diff *domain.FieldDiff, berr *domain.BusinessError) error {
	if berr.Code == domain.BusinessContractReduced {
		now := time.Now().UTC()
		pos.Closed = true
		pos.Status = domain.StatusClosedError
		diff.Set(domain.FieldClosed, true).
			Set(domain.FieldStatus, int(domain.StatusClosedError)).
			Set(domain.FieldClosedAt, now)

		if err := s.deps.Store.Apply(ctx, pos.ID, diff); err != nil {
			return err
		}
		if s.deps.Alerter != nil {
			s.deps.Alerter.PositionCommand(ctx, pos.ID, "position_force_closed", map[string]any{
				"code":    berr.Code,
				"message": berr.Message,
			})
		}
		if err := s.deps.Queue.Enqueue(ctx, domain.QueueAccounting,
			domain.Message{PositionID: pos.ID}, now, true); err != nil {
			return err
		}
		return nil
	}

	s.log.WarnContext(ctx, "stop placement rejected",
		slog.String("position_id", pos.ID),
		slog.String("code", berr.Code),
		slog.String("message", berr.Message))
	if s.deps.Alerter != nil {
		s.deps.Alerter.PositionCommand(ctx, pos.ID, "stop_failed", map[string]any{
			"code":    berr.Code,
			"message": berr.Message,
		})
	}
	return s.applyIfNeeded(ctx, pos, diff)
}

// activeStopOrder returns the live stop order of the position, if any.
func activeStopOrder(pos *domain.Position) (domain.Order, bool) {
	for _, ord := range pos.Orders {
		if ord.Role == domain.RoleStop && !ord.Done &&
			ord.Status != domain.OrderStatusCancelled && ord.Status != domain.OrderStatusError {
			return ord, true
		}
	}
	return domain.Order{}, false
}
