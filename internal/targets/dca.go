package targets

import (
	"context"
	"log/slog"
	"sort"
	"strconv"

	"github.com/openfolio/posengine/internal/domain"
)

// DCA evaluates rebuy (scale-in) targets: when price moves against the
// entry past a target's trigger, it places the scale-in order after
// validating venue minimums and, for copy-traded positions, the
// allocated-balance ceiling.
type DCA struct {
	deps Deps
	log  *slog.Logger
}

// NewDCA creates the DCA evaluator.
func NewDCA(deps Deps) *DCA {
	return &DCA{deps: deps, log: deps.Logger.With(slog.String("component", "dca"))}
}

// OrderAmount resolves the scale-in quantity for a target from exactly
// one of its sizing rules, before step rounding.
func OrderAmount(t domain.RebuyTarget, remaining, price float64) float64 {
	switch {
	case t.Quantity > 0:
		return t.Quantity
	case t.QuantityPercentage > 0:
		return remaining * t.QuantityPercentage
	case t.NewInvestment > 0 && price > 0:
		return t.NewInvestment / price
	default:
		return 0
	}
}

// rebuyTrigger resolves a target's trigger price from entry. Trigger
// percentages are written long-style (0.95 means 5% against entry);
// for a short the adverse move is upward, so the percentage mirrors
// around the entry price.
func rebuyTrigger(pos *domain.Position, t domain.RebuyTarget) float64 {
	pct := t.TriggerPercentage
	if pct > 0 && !pos.IsLong() {
		pct = 2 - pct
	}
	return triggerPrice(pos.AvgEntryPrice, pct, t.TriggerPrice, t.PricePriority)
}

// Triggered reports whether the market has crossed a rebuy trigger.
// Scale-in fires when price moves against the position: at or below the
// trigger for longs, at or above for shorts.
func Triggered(pos *domain.Position, trigger, mark float64) bool {
	if trigger <= 0 {
		return false
	}
	if pos.IsLong() {
		return mark <= trigger
	}
	return mark >= trigger
}

// Process evaluates every pending rebuy target of a hard-locked
// position. Each placement is persisted immediately so a crash between
// targets never loses an already-sent order.
func (d *DCA) Process(ctx context.Context, pos *domain.Position) error {
	if pos.Closed || pos.Status.Terminal() {
		return nil
	}

	var pending []int
	for id, t := range pos.RebuyTargets {
		if t.State == domain.TargetPending {
			pending = append(pending, id)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	sort.Ints(pending)

	mark, err := d.deps.Gateway.MarkPrice(ctx, pos.Symbol)
	if err != nil {
		return err
	}
	filters, err := d.deps.Gateway.SymbolFilters(ctx, pos.Symbol)
	if err != nil {
		return err
	}

	for _, id := range pending {
		t := pos.RebuyTargets[id]
		trigger := rebuyTrigger(pos, t)
		if !Triggered(pos, trigger, mark) {
			continue
		}

		qty := roundToStep(OrderAmount(t, pos.RemainingAmount, trigger), filters.QuantityStep)
		price := roundToStep(trigger, filters.PriceStep)

		if berr := d.validate(pos, filters, qty, price); berr != nil {
			d.failTarget(ctx, pos, id, berr)
			continue
		}

		res, err := d.deps.Gateway.PlaceOrder(ctx, domain.OrderRequest{
			Symbol:        pos.Symbol,
			Side:          pos.EntrySide(),
			Type:          t.OrderType,
			Price:         price,
			Quantity:      qty,
			ClientOrderID: newClientOrderID(),
		})
		if err != nil {
			return err
		}
		if res.Business != nil {
			d.failTarget(ctx, pos, id, res.Business)
			continue
		}

		diff := &domain.FieldDiff{}
		t.State = domain.TargetOrderPlaced
		t.OrderID = res.OrderID
		pos.RebuyTargets[id] = t
		diff.SetPath(domain.CollectionRebuyTargets, []string{strconv.Itoa(id)}, t)

		recordPlacedOrder(pos, diff, domain.Order{
			ID:            res.OrderID,
			ClientOrderID: res.ClientOrderID,
			Role:          domain.RoleRebuy,
			Side:          pos.EntrySide(),
			Type:          t.OrderType,
			Status:        domain.OrderStatusPlaced,
			Price:         price,
			Amount:        qty,
			Cost:          price * qty,
			TargetID:      id,
			PlacedAt:      nowUTC(),
		})

		if err := d.deps.Store.Apply(ctx, pos.ID, diff); err != nil {
			return err
		}

		d.log.InfoContext(ctx, "rebuy order placed",
			slog.String("position_id", pos.ID),
			slog.Int("target_id", id),
			slog.Float64("price", price),
			slog.Float64("quantity", qty))
	}
	return nil
}

// validate applies venue minimums and the copy-trading allocation
// ceiling.
func (d *DCA) validate(pos *domain.Position, filters domain.SymbolFilters, qty, price float64) *domain.BusinessError {
	if berr := validateAgainstFilters(filters, qty, price); berr != nil {
		return berr
	}
	if pos.AllocatedBalance > 0 {
		addedInvestment := qty * price
		if pos.Leverage > 1 {
			addedInvestment /= float64(pos.Leverage)
		}
		if pos.RealInvestment+addedInvestment > pos.AllocatedBalance {
			return &domain.BusinessError{
				Code:    domain.BusinessAllocationExceeded,
				Message: "scale-in exceeds allocated balance",
			}
		}
	}
	return nil
}

// failTarget marks one target errored, persists it and notifies. The
// position as a whole keeps going.
func (d *DCA) failTarget(ctx context.Context, pos *domain.Position, id int, berr *domain.BusinessError) {
	t := pos.RebuyTargets[id]
	if !t.State.CanTransition(domain.TargetError) {
		return
	}
	t.State = domain.TargetError
	t.Error = berr.Message
	pos.RebuyTargets[id] = t

	diff := (&domain.FieldDiff{}).SetPath(
		domain.CollectionRebuyTargets, []string{strconv.Itoa(id)}, t)
	if err := d.deps.Store.Apply(ctx, pos.ID, diff); err != nil {
		d.log.ErrorContext(ctx, "persist failed rebuy target",
			slog.String("position_id", pos.ID),
			slog.Int("target_id", id),
			slog.String("error", err.Error()))
	}

	if d.deps.Alerter != nil {
		d.deps.Alerter.PositionCommand(ctx, pos.ID, "rebuy_failed", map[string]any{
			"targetId": id,
			"code":     berr.Code,
			"message":  berr.Message,
		})
	}
}
