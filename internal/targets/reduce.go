package targets

import (
	"context"
	"log/slog"
	"sort"
	"strconv"

	"github.com/openfolio/posengine/internal/domain"
)

// Reduce places explicit risk-reduction orders, independent of the
// take-profit ladder. Recurring reduce orders re-arm with a fresh target
// id after each fill (handled by the reconciler); here only pending
// targets are dispatched.
type Reduce struct {
	deps Deps
	log  *slog.Logger
}

// NewReduce creates the reduce-order evaluator.
func NewReduce(deps Deps) *Reduce {
	return &Reduce{deps: deps, log: deps.Logger.With(slog.String("component", "reduce"))}
}

// ReduceQuantity resolves the exit quantity for a reduce target: an
// explicit amount when set, otherwise a fraction of the remaining
// position.
func ReduceQuantity(t domain.ReduceOrder, remaining float64) float64 {
	if t.Amount > 0 {
		return t.Amount
	}
	if t.TargetPercentage > 0 {
		return remaining * t.TargetPercentage
	}
	return 0
}

// Process dispatches all pending reduce orders of a hard-locked, open
// position as reduce-only market orders.
func (rd *Reduce) Process(ctx context.Context, pos *domain.Position) error {
	if pos.Closed || pos.Status != domain.StatusOpen || pos.RemainingAmount <= residualEpsilon {
		return nil
	}

	var pending []int
	for id, t := range pos.ReduceOrders {
		if t.State == domain.TargetPending {
			pending = append(pending, id)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	sort.Ints(pending)

	mark, err := rd.deps.Gateway.MarkPrice(ctx, pos.Symbol)
	if err != nil {
		return err
	}
	filters, err := rd.deps.Gateway.SymbolFilters(ctx, pos.Symbol)
	if err != nil {
		return err
	}

	for _, id := range pending {
		t := pos.ReduceOrders[id]
		qty := roundToStep(ReduceQuantity(t, pos.RemainingAmount), filters.QuantityStep)
		if qty > pos.RemainingAmount {
			qty = pos.RemainingAmount
		}

		if berr := validateAgainstFilters(filters, qty, mark); berr != nil {
			rd.failTarget(ctx, pos, id, berr)
			continue
		}

		res, err := rd.deps.Gateway.PlaceOrder(ctx, domain.OrderRequest{
			Symbol:        pos.Symbol,
			Side:          pos.ExitSide(),
			Type:          domain.OrderTypeMarket,
			Quantity:      qty,
			ReduceOnly:    true,
			ClientOrderID: newClientOrderID(),
		})
		if err != nil {
			return err
		}
		if res.Business != nil {
			rd.failTarget(ctx, pos, id, res.Business)
			continue
		}

		diff := &domain.FieldDiff{}
		t.State = domain.TargetOrderPlaced
		t.OrderID = res.OrderID
		pos.ReduceOrders[id] = t
		diff.SetPath(domain.CollectionReduceOrders, []string{strconv.Itoa(id)}, t)

		recordPlacedOrder(pos, diff, domain.Order{
			ID:            res.OrderID,
			ClientOrderID: res.ClientOrderID,
			Role:          domain.RoleReduce,
			Side:          pos.ExitSide(),
			Type:          domain.OrderTypeMarket,
			Status:        domain.OrderStatusPlaced,
			Price:         mark,
			Amount:        qty,
			Cost:          mark * qty,
			TargetID:      id,
			PlacedAt:      nowUTC(),
		})

		if err := rd.deps.Store.Apply(ctx, pos.ID, diff); err != nil {
			return err
		}

		rd.log.InfoContext(ctx, "reduce order placed",
			slog.String("position_id", pos.ID),
			slog.Int("target_id", id),
			slog.Float64("quantity", qty),
			slog.Bool("recurring", t.Recurring))
	}
	return nil
}

func (rd *Reduce) failTarget(ctx context.Context, pos *domain.Position, id int, berr *domain.BusinessError) {
	t := pos.ReduceOrders[id]
	if !t.State.CanTransition(domain.TargetError) {
		return
	}
	t.State = domain.TargetError
	t.Error = berr.Message
	pos.ReduceOrders[id] = t

	diff := (&domain.FieldDiff{}).SetPath(
		domain.CollectionReduceOrders, []string{strconv.Itoa(id)}, t)
	if err := rd.deps.Store.Apply(ctx, pos.ID, diff); err != nil {
		rd.log.ErrorContext(ctx, "persist failed reduce target",
			slog.String("position_id", pos.ID),
			slog.Int("target_id", id),
			slog.String("error", err.Error()))
	}

	if rd.deps.Alerter != nil {
		rd.deps.Alerter.PositionCommand(ctx, pos.ID, "reduce_failed", map[string]any{
			"targetId": id,
			"code":     berr.Code,
			"message":  berr.Message,
		})
	}
}
