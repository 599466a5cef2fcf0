// Package reconcile matches inbound execution events from the user-data
// stream to the position's known order records, merges fills into the
// trade list and advances the owning target's state. All of it is
// idempotent: fill events can arrive more than once and out of order.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/openfolio/posengine/internal/domain"
)

// residualEpsilon is the quantity below which a remainder counts as zero.
const residualEpsilon = 1e-9

// Alerter delivers user-visible notifications. Failures are logged and
// never block reconciliation.
type Alerter interface {
	PositionCommand(ctx context.Context, positionID, command string, payload map[string]any)
}

// Reconciler applies execution events to positions under a hard lock.
type Reconciler struct {
	store   domain.PositionStore
	gateway domain.ExchangeGateway
	queue   domain.Queue
	events  domain.EventBus
	alerter Alerter
	logger  *slog.Logger
	holder  string
	lockTTL time.Duration
}

// New creates a Reconciler. holder identifies this worker as a lock
// owner.
func New(
	store domain.PositionStore,
	gateway domain.ExchangeGateway,
	queue domain.Queue,
	events domain.EventBus,
	alerter Alerter,
	holder string,
	lockTTL time.Duration,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		store:   store,
		gateway: gateway,
		queue:   queue,
		events:  events,
		alerter: alerter,
		holder:  holder,
		lockTTL: lockTTL,
		logger:  logger.With(slog.String("component", "reconciler")),
	}
}

// HandleExecution processes one execution event carried by a stream
// queue message. It returns domain.ErrRetryLater for transient
// conditions (position write not yet visible, lock contention) so the
// worker loop requeues the event under the bounded retry policy.
func (r *Reconciler) HandleExecution(ctx context.Context, msg domain.Message) error {
	var ev domain.ExecutionEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		r.logger.ErrorContext(ctx, "malformed execution event dropped",
			slog.String("error", err.Error()))
		return nil
	}
	if ev.OrderID == "" || ev.Symbol == "" {
		return nil
	}

	pos, err := r.store.FindByOrderID(ctx, ev.OrderID, ev.Symbol)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Events can arrive before the position write is
			// visible. Our own orders are recognisable by the
			// client-order-id prefix and worth retrying; anything
			// else is another client's order on a shared account.
			if strings.HasPrefix(ev.ClientOrderID, domain.ClientOrderPrefix) {
				return domain.ErrRetryLater
			}
			r.logger.DebugContext(ctx, "execution event not ours",
				slog.String("order_id", ev.OrderID),
				slog.String("symbol", ev.Symbol))
			return nil
		}
		return err
	}

	// Cheap pre-lock idempotency check: a done order is done forever.
	if ord, ok := pos.Orders[ev.OrderID]; ok && ord.Done {
		return nil
	}

	locked, err := r.store.AcquireHardLock(ctx, pos.ID, r.holder, "reconcile", r.lockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return domain.ErrRetryLater
		}
		return err
	}
	defer func() {
		if relErr := r.store.ReleaseHardLock(ctx, pos.ID, r.holder, "reconcile"); relErr != nil {
			r.logger.ErrorContext(ctx, "release hard lock failed",
				slog.String("position_id", pos.ID),
				slog.String("error", relErr.Error()))
		}
	}()

	// Re-check under the lock; another worker may have finished this
	// order between the scan read and lock acquisition.
	ord, ok := locked.Orders[ev.OrderID]
	if !ok {
		r.logger.WarnContext(ctx, "order vanished from position",
			slog.String("position_id", locked.ID),
			slog.String("order_id", ev.OrderID))
		return nil
	}
	if ord.Done {
		return nil
	}

	newTrades, err := r.composeTrades(ctx, &locked, ord, ev)
	if err != nil {
		return err
	}

	diff := &domain.FieldDiff{}
	diff.AppendTrades(newTrades)
	locked.Trades = append(locked.Trades, newTrades...)

	orderTrades := locked.TradesForOrder(ord.ID)
	avgPrice, filledQty := domain.WeightedAveragePrice(orderTrades)

	ord.Filled = filledQty
	ord.Price = avgPrice
	ord.Cost = avgPrice * filledQty
	if ev.Filled() {
		now := ev.Time
		ord.Status = domain.OrderStatusFilled
		ord.Done = true
		ord.DoneAt = &now
	} else {
		ord.Status = domain.OrderStatusPartiallyFilled
	}
	locked.Orders[ord.ID] = ord
	diff.SetPath(domain.CollectionOrders, []string{ord.ID}, ord)

	downstream, err := r.dispatch(ctx, &locked, ord, ev, diff)
	if err != nil {
		return err
	}

	if err := r.store.Apply(ctx, locked.ID, diff); err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, q := range downstream {
		if err := r.queue.Enqueue(ctx, q, domain.Message{PositionID: locked.ID}, now, true); err != nil {
			r.logger.ErrorContext(ctx, "downstream enqueue failed",
				slog.String("queue", q),
				slog.String("position_id", locked.ID),
				slog.String("error", err.Error()))
		}
	}

	if err := r.events.Publish(ctx, domain.PositionEvent{
		PositionID: locked.ID,
		Type:       "filled",
		Detail:     string(ord.Role),
		Time:       now,
	}); err != nil {
		r.logger.WarnContext(ctx, "event publish failed",
			slog.String("position_id", locked.ID),
			slog.String("error", err.Error()))
	}

	r.logger.InfoContext(ctx, "execution reconciled",
		slog.String("position_id", locked.ID),
		slog.String("order_id", ord.ID),
		slog.String("role", string(ord.Role)),
		slog.Float64("filled", filledQty),
		slog.Bool("done", ord.Done))
	return nil
}

// composeTrades produces the trade records for this event. When the
// venue reports authoritative per-trade fills those are used; otherwise
// one temporary trade is synthesised from the aggregate fill and flagged
// for later replacement.
func (r *Reconciler) composeTrades(ctx context.Context, pos *domain.Position, ord domain.Order, ev domain.ExecutionEvent) ([]domain.Trade, error) {
	known := make(map[[2]string]bool)
	for _, t := range pos.TradesForOrder(ord.ID) {
		known[[2]string{t.TradeID, t.OrderID}] = true
	}

	isBuyer := ord.Side == domain.OrderSideBuy

	venueTrades, err := r.gateway.OrderTrades(ctx, pos.Symbol, ord.ID)
	if err != nil {
		r.logger.WarnContext(ctx, "order trade lookup failed, synthesising from aggregate fill",
			slog.String("order_id", ord.ID),
			slog.String("error", err.Error()))
	}

	var out []domain.Trade
	for _, t := range venueTrades {
		t.OrderID = ord.ID
		t.IsBuyer = isBuyer
		if known[[2]string{t.TradeID, t.OrderID}] {
			continue
		}
		out = append(out, t)
	}
	if len(out) > 0 {
		return out, nil
	}

	// Aggregate-only venue report: synthesise a single temporary trade
	// for the unrecorded portion of the cumulative fill.
	delta := ev.CumFilledQty - ord.Filled
	if delta <= residualEpsilon {
		if ev.LastFilledQty > residualEpsilon {
			delta = ev.LastFilledQty
		} else {
			return nil, nil
		}
	}

	tradeID := ev.TradeID
	if tradeID == "" {
		tradeID = "agg-" + ord.ID + "-" + strconv.FormatFloat(ev.CumFilledQty, 'f', -1, 64)
	}
	if known[[2]string{tradeID, ord.ID}] {
		return nil, nil
	}

	return []domain.Trade{{
		TradeID:   tradeID,
		OrderID:   ord.ID,
		Price:     ev.AvgFillPrice,
		Quantity:  delta,
		Fee:       ev.FeeAmount,
		FeeAsset:  ev.FeeAsset,
		IsBuyer:   isBuyer,
		IsMaker:   ev.IsMaker,
		Temporary: true,
		Time:      ev.Time,
	}}, nil
}

// dispatch branches on the order's declared role, records the follow-on
// field updates in diff and returns the downstream queues to notify.
func (r *Reconciler) dispatch(ctx context.Context, pos *domain.Position, ord domain.Order, ev domain.ExecutionEvent, diff *domain.FieldDiff) ([]string, error) {
	switch ord.Role {
	case domain.RoleEntry:
		return r.applyEntryFill(pos, ord, ev, diff), nil
	case domain.RoleRebuy:
		return r.applyRebuyFill(pos, ord, ev, diff), nil
	case domain.RoleTakeProfit:
		return r.applyTakeProfitFill(ctx, pos, ord, ev, diff), nil
	case domain.RoleReduce:
		return r.applyReduceFill(pos, ord, ev, diff), nil
	case domain.RoleStop, domain.RoleExit:
		return r.applyExitFill(pos, ord, ev, diff), nil
	default:
		return nil, fmt.Errorf("reconcile: order %s has unknown role %q", ord.ID, ord.Role)
	}
}

// recomputeSizing recalculates the aggregate sizing fields from the full
// trade history and records them in diff. Weighted averages make the
// result invariant to the order fills arrive in.
func (r *Reconciler) recomputeSizing(pos *domain.Position, diff *domain.FieldDiff) (remaining float64) {
	entryAvg, entryQty := domain.WeightedAveragePrice(pos.EntryTrades())
	_, exitQty := domain.WeightedAveragePrice(pos.ExitTrades())
	remaining = entryQty - exitQty
	if remaining < residualEpsilon {
		remaining = 0
	}

	size := entryAvg * entryQty
	investment := size
	if pos.Leverage > 1 {
		investment = size / float64(pos.Leverage)
	}

	pos.AvgEntryPrice = entryAvg
	pos.RealAmount = entryQty
	pos.RemainingAmount = remaining
	pos.RealPositionSize = size
	pos.RealInvestment = investment

	diff.Set(domain.FieldAvgEntryPrice, entryAvg).
		Set(domain.FieldRealAmount, entryQty).
		Set(domain.FieldRemainingAmount, remaining).
		Set(domain.FieldRealPositionSize, size).
		Set(domain.FieldRealInvestment, investment)
	return remaining
}

func (r *Reconciler) applyEntryFill(pos *domain.Position, ord domain.Order, ev domain.ExecutionEvent, diff *domain.FieldDiff) []string {
	r.recomputeSizing(pos, diff)

	if ev.Filled() {
		diff.Set(domain.FieldStatus, int(domain.StatusOpen))
		return []string{domain.QueueTakeProfit, domain.QueueStopOrder, domain.QueueDCA}
	}
	return nil
}

func (r *Reconciler) applyRebuyFill(pos *domain.Position, ord domain.Order, ev domain.ExecutionEvent, diff *domain.FieldDiff) []string {
	if !ev.Filled() {
		r.recomputeSizing(pos, diff)
		return nil
	}

	if t, ok := pos.RebuyTargets[ord.TargetID]; ok && t.State.CanTransition(domain.TargetDone) {
		t.State = domain.TargetDone
		t.OrderID = ord.ID
		pos.RebuyTargets[ord.TargetID] = t
		diff.SetPath(domain.CollectionRebuyTargets,
			[]string{strconv.Itoa(ord.TargetID)}, t)
	}

	// Scale-in moves the average entry, so profit and stop targets are
	// re-evaluated downstream.
	r.recomputeSizing(pos, diff)
	return []string{domain.QueueTakeProfit, domain.QueueStopOrder}
}

func (r *Reconciler) applyTakeProfitFill(ctx context.Context, pos *domain.Position, ord domain.Order, ev domain.ExecutionEvent, diff *domain.FieldDiff) []string {
	if !ev.Filled() {
		r.recomputeSizing(pos, diff)
		return nil
	}

	if t, ok := pos.TakeProfitTargets[ord.TargetID]; ok && t.State.CanTransition(domain.TargetDone) {
		t.State = domain.TargetDone
		t.OrderID = ord.ID
		pos.TakeProfitTargets[ord.TargetID] = t
		diff.SetPath(domain.CollectionTakeProfitTargets,
			[]string{strconv.Itoa(ord.TargetID)}, t)
	}

	remaining := r.recomputeSizing(pos, diff)
	if remaining == 0 {
		r.markClosed(pos, domain.StatusClosed, ev.Time, diff)
		return []string{domain.QueueAccounting}
	}

	if len(pos.ActiveTakeProfitTargets()) == 0 {
		// Last profit target filled but a residual remains: escalate
		// to a full-exit stop instead of leaving a dangling remainder.
		r.logger.InfoContext(ctx, "residual after last take-profit, escalating to full exit",
			slog.String("position_id", pos.ID),
			slog.Float64("remaining", remaining))
		return []string{domain.QueueStopOrder}
	}
	return nil
}

func (r *Reconciler) applyReduceFill(pos *domain.Position, ord domain.Order, ev domain.ExecutionEvent, diff *domain.FieldDiff) []string {
	if !ev.Filled() {
		r.recomputeSizing(pos, diff)
		return nil
	}

	if t, ok := pos.ReduceOrders[ord.TargetID]; ok && t.State.CanTransition(domain.TargetDone) {
		t.State = domain.TargetDone
		t.OrderID = ord.ID
		pos.ReduceOrders[ord.TargetID] = t
		diff.SetPath(domain.CollectionReduceOrders,
			[]string{strconv.Itoa(ord.TargetID)}, t)

		// Recurring reduce orders re-arm under a fresh target id
		// referencing the same rule.
		if t.Recurring {
			next := domain.ReduceOrder{
				ID:               pos.AllocateTargetID(),
				TargetPercentage: t.TargetPercentage,
				Amount:           t.Amount,
				Recurring:        true,
				Persistent:       t.Persistent,
				State:            domain.TargetPending,
			}
			pos.ReduceOrders[next.ID] = next
			diff.SetPath(domain.CollectionReduceOrders,
				[]string{strconv.Itoa(next.ID)}, next)
			diff.Set(domain.FieldNextTargetID, pos.NextTargetID)
		}
	}

	remaining := r.recomputeSizing(pos, diff)
	if remaining == 0 {
		r.markClosed(pos, domain.StatusClosed, ev.Time, diff)
		return []string{domain.QueueAccounting}
	}
	return []string{domain.QueueStopOrder}
}

func (r *Reconciler) applyExitFill(pos *domain.Position, ord domain.Order, ev domain.ExecutionEvent, diff *domain.FieldDiff) []string {
	remaining := r.recomputeSizing(pos, diff)
	if !ev.Filled() && remaining > 0 {
		return nil
	}

	status := domain.StatusClosed
	if pos.Status == domain.StatusClosingLiquidation {
		status = domain.StatusLiquidated
	}
	r.markClosed(pos, status, ev.Time, diff)
	return []string{domain.QueueAccounting}
}

// markClosed flips the monotonic closed flag and records the terminal
// status. Nothing reopens a closed position except the audited recovery
// path in the store.
func (r *Reconciler) markClosed(pos *domain.Position, status domain.Status, at time.Time, diff *domain.FieldDiff) {
	if pos.Closed {
		return
	}
	pos.Closed = true
	pos.Status = status
	closedAt := at.UTC()
	pos.ClosedAt = &closedAt

	diff.Set(domain.FieldClosed, true).
		Set(domain.FieldStatus, int(status)).
		Set(domain.FieldClosedAt, closedAt)

	if r.alerter != nil {
		r.alerter.PositionCommand(context.Background(), pos.ID, "position_closed", map[string]any{
			"status": int(status),
		})
	}
}
