package targets

import (
	"context"
	"log/slog"
	"sort"
	"strconv"

	"github.com/openfolio/posengine/internal/domain"
)

// TakeProfit places the profit ladder: one exit order per pending
// target, sized as a fraction of the remaining (not original) position.
type TakeProfit struct {
	deps Deps
	log  *slog.Logger
}

// NewTakeProfit creates the take-profit evaluator.
func NewTakeProfit(deps Deps) *TakeProfit {
	return &TakeProfit{deps: deps, log: deps.Logger.With(slog.String("component", "take-profit"))}
}

// exitTrigger resolves the profit price for a target. The percentage is
// a multiplier on the average entry (1.05 means +5% for a long); shorts
// profit downwards so the same target uses the inverse distance.
func exitTrigger(pos *domain.Position, t domain.TakeProfitTarget) float64 {
	if t.PricePriority == domain.PriorityPrice && t.TriggerPrice > 0 {
		return t.TriggerPrice
	}
	if t.TriggerPercentage > 0 {
		if pos.IsLong() {
			return pos.AvgEntryPrice * t.TriggerPercentage
		}
		return pos.AvgEntryPrice * (2 - t.TriggerPercentage)
	}
	return t.TriggerPrice
}

// Process places orders for all pending take-profit targets of a
// hard-locked, open position.
func (tp *TakeProfit) Process(ctx context.Context, pos *domain.Position) error {
	if pos.Closed || pos.Status != domain.StatusOpen || pos.RemainingAmount <= residualEpsilon {
		return nil
	}

	filters, err := tp.deps.Gateway.SymbolFilters(ctx, pos.Symbol)
	if err != nil {
		return err
	}

	for _, id := range tp.pendingTargets(pos) {
		t := pos.TakeProfitTargets[id]
		price := roundToStep(exitTrigger(pos, t), filters.PriceStep)
		qty := roundToStep(pos.RemainingAmount*t.AmountPercentage, filters.QuantityStep)

		if berr := validateAgainstFilters(filters, qty, price); berr != nil {
			tp.failTarget(ctx, pos, id, berr)
			continue
		}

		res, err := tp.deps.Gateway.PlaceOrder(ctx, domain.OrderRequest{
			Symbol:        pos.Symbol,
			Side:          pos.ExitSide(),
			Type:          domain.OrderTypeLimit,
			Price:         price,
			Quantity:      qty,
			ReduceOnly:    true,
			ClientOrderID: newClientOrderID(),
		})
		if err != nil {
			return err
		}
		if res.Business != nil {
			tp.failTarget(ctx, pos, id, res.Business)
			continue
		}

		diff := &domain.FieldDiff{}
		t.State = domain.TargetOrderPlaced
		t.OrderID = res.OrderID
		pos.TakeProfitTargets[id] = t
		diff.SetPath(domain.CollectionTakeProfitTargets, []string{strconv.Itoa(id)}, t)

		recordPlacedOrder(pos, diff, domain.Order{
			ID:            res.OrderID,
			ClientOrderID: res.ClientOrderID,
			Role:          domain.RoleTakeProfit,
			Side:          pos.ExitSide(),
			Type:          domain.OrderTypeLimit,
			Status:        domain.OrderStatusPlaced,
			Price:         price,
			Amount:        qty,
			Cost:          price * qty,
			TargetID:      id,
			PlacedAt:      nowUTC(),
		})

		if err := tp.deps.Store.Apply(ctx, pos.ID, diff); err != nil {
			return err
		}

		tp.log.InfoContext(ctx, "take-profit order placed",
			slog.String("position_id", pos.ID),
			slog.Int("target_id", id),
			slog.Float64("price", price),
			slog.Float64("quantity", qty))
	}
	return nil
}

func (tp *TakeProfit) pendingTargets(pos *domain.Position) []int {
	var ids []int
	for id, t := range pos.TakeProfitTargets {
		if t.State == domain.TargetPending {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

func (tp *TakeProfit) failTarget(ctx context.Context, pos *domain.Position, id int, berr *domain.BusinessError) {
	t := pos.TakeProfitTargets[id]
	if !t.State.CanTransition(domain.TargetError) {
		return
	}
	t.State = domain.TargetError
	t.Error = berr.Message
	pos.TakeProfitTargets[id] = t

	diff := (&domain.FieldDiff{}).SetPath(
		domain.CollectionTakeProfitTargets, []string{strconv.Itoa(id)}, t)
	if err := tp.deps.Store.Apply(ctx, pos.ID, diff); err != nil {
		tp.log.ErrorContext(ctx, "persist failed take-profit target",
			slog.String("position_id", pos.ID),
			slog.Int("target_id", id),
			slog.String("error", err.Error()))
	}

	if tp.deps.Alerter != nil {
		tp.deps.Alerter.PositionCommand(ctx, pos.ID, "take_profit_failed", map[string]any{
			"targetId": id,
			"code":     berr.Code,
			"message":  berr.Message,
		})
	}
}
