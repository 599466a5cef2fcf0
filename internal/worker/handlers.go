package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/openfolio/posengine/internal/accounting"
	"github.com/openfolio/posengine/internal/domain"
	"github.com/openfolio/posengine/internal/reconcile"
	"github.com/openfolio/posengine/internal/targets"
)

const residualEpsilon = 1e-9

// Alerter delivers user-visible notifications.
type Alerter interface {
	PositionCommand(ctx context.Context, positionID, command string, payload map[string]any)
}

// Handlers binds every named queue to its processing logic. All
// position mutation happens under the hard lock; a lock held elsewhere
// converts into a bounded retry instead of an error.
type Handlers struct {
	store      domain.PositionStore
	queue      domain.Queue
	gateway    domain.ExchangeGateway
	reconciler *reconcile.Reconciler
	dca        *targets.DCA
	takeProfit *targets.TakeProfit
	reduce     *targets.Reduce
	stop       *targets.Stop
	engine     *accounting.Engine
	alerter    Alerter

	holder  string
	lockTTL time.Duration
	// liquidationWarnPct is the mark-to-liquidation distance, as a
	// fraction of mark, below which the user is warned.
	liquidationWarnPct float64
	logger             *slog.Logger
}

// NewHandlers wires the queue handlers. alerter may be nil.
func NewHandlers(
	store domain.PositionStore,
	queue domain.Queue,
	gateway domain.ExchangeGateway,
	reconciler *reconcile.Reconciler,
	dca *targets.DCA,
	takeProfit *targets.TakeProfit,
	reduce *targets.Reduce,
	stop *targets.Stop,
	engine *accounting.Engine,
	alerter Alerter,
	holder string,
	lockTTL time.Duration,
	liquidationWarnPct float64,
	logger *slog.Logger,
) *Handlers {
	if holder == "" {
		holder = "worker-" + uuid.New().String()
	}
	if lockTTL <= 0 {
		lockTTL = time.Minute
	}
	if liquidationWarnPct <= 0 {
		liquidationWarnPct = 0.05
	}
	return &Handlers{
		store:              store,
		queue:              queue,
		gateway:            gateway,
		reconciler:         reconciler,
		dca:                dca,
		takeProfit:         takeProfit,
		reduce:             reduce,
		stop:               stop,
		engine:             engine,
		alerter:            alerter,
		holder:             holder,
		lockTTL:            lockTTL,
		liquidationWarnPct: liquidationWarnPct,
		logger:             logger.With(slog.String("component", "handlers")),
	}
}

// ForQueue returns the handler bound to a queue name, or nil for queues
// this process does not consume.
func (h *Handlers) ForQueue(name string) Handler {
	switch name {
	case domain.QueueStream:
		return h.reconciler.HandleExecution
	case domain.QueueDCA:
		return h.HandleDCA
	case domain.QueueTakeProfit:
		return h.HandleTakeProfit
	case domain.QueueStopOrder:
		return h.HandleStop
	case domain.QueueReduceOrder:
		return h.HandleReduce
	case domain.QueueAccounting:
		return h.engine.Process
	case domain.QueueAccountingPost:
		return h.engine.PostProcess
	case domain.QueueEntryTTL:
		return h.HandleTTL
	case domain.QueueLiquidation:
		return h.HandleLiquidation
	default:
		return nil
	}
}

// withLock runs fn against the freshly locked position. The pre-lock
// state of the world is never trusted: fn only ever sees the state
// returned by the lock acquisition itself.
func (h *Handlers) withLock(ctx context.Context, positionID, purpose string, fn func(pos *domain.Position) error) error {
	pos, err := h.store.AcquireHardLock(ctx, positionID, h.holder, purpose, h.lockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return domain.ErrRetryLater
		}
		if errors.Is(err, domain.ErrNotFound) {
			h.logger.WarnContext(ctx, "message for unknown position dropped",
				slog.String("position_id", positionID),
				slog.String("purpose", purpose))
			return nil
		}
		return err
	}
	defer func() {
		if relErr := h.store.ReleaseHardLock(ctx, positionID, h.holder, purpose); relErr != nil {
			h.logger.ErrorContext(ctx, "release hard lock failed",
				slog.String("position_id", positionID),
				slog.String("error", relErr.Error()))
		}
	}()
	return fn(&pos)
}

// HandleDCA evaluates the pending rebuy targets of one position.
func (h *Handlers) HandleDCA(ctx context.Context, msg domain.Message) error {
	return h.withLock(ctx, msg.PositionID, "dca", func(pos *domain.Position) error {
		return h.dca.Process(ctx, pos)
	})
}

// HandleTakeProfit places the pending take-profit ladder of one position.
func (h *Handlers) HandleTakeProfit(ctx context.Context, msg domain.Message) error {
	return h.withLock(ctx, msg.PositionID, "take-profit", func(pos *domain.Position) error {
		return h.takeProfit.Process(ctx, pos)
	})
}

// HandleStop recomputes and (re)places the stop order of one position.
func (h *Handlers) HandleStop(ctx context.Context, msg domain.Message) error {
	return h.withLock(ctx, msg.PositionID, "stop", func(pos *domain.Position) error {
		return h.stop.Process(ctx, pos)
	})
}

// HandleReduce dispatches the pending reduce orders of one position.
func (h *Handlers) HandleReduce(ctx context.Context, msg domain.Message) error {
	return h.withLock(ctx, msg.PositionID, "reduce", func(pos *domain.Position) error {
		return h.reduce.Process(ctx, pos)
	})
}

// HandleTTL enforces the entry and exit deadlines of a position. An
// expired entry deadline cancels the outstanding entry order: a position
// with no fills closes outright, a partially filled one keeps trading
// with what it got. An expired exit deadline market-closes the rest.
func (h *Handlers) HandleTTL(ctx context.Context, msg domain.Message) error {
	return h.withLock(ctx, msg.PositionID, "ttl", func(pos *domain.Position) error {
		now := time.Now().UTC()
		switch {
		case pos.Status == domain.StatusEntryPending && expired(pos.BuyTTL, now):
			return h.expireEntry(ctx, pos, now)
		case pos.Status == domain.StatusOpen && expired(pos.SellTTL, now):
			return h.expireExit(ctx, pos)
		default:
			return nil
		}
	})
}

func expired(deadline *time.Time, now time.Time) bool {
	return deadline != nil && !deadline.IsZero() && now.After(*deadline)
}

func (h *Handlers) expireEntry(ctx context.Context, pos *domain.Position, now time.Time) error {
	diff := &domain.FieldDiff{}
	for id, ord := range pos.Orders {
		if ord.Role != domain.RoleEntry || ord.Done || ord.Status == domain.OrderStatusCancelled {
			continue
		}
		if err := h.gateway.CancelOrder(ctx, pos.Symbol, id); err != nil {
			return err
		}
		ord.Status = domain.OrderStatusCancelled
		pos.Orders[id] = ord
		diff.SetPath(domain.CollectionOrders, []string{id}, ord)
	}

	if pos.RealAmount <= residualEpsilon {
		diff.Set(domain.FieldStatus, int(domain.StatusClosed)).
			Set(domain.FieldClosed, true).
			Set(domain.FieldClosedAt, now)
		if err := h.store.Apply(ctx, pos.ID, diff); err != nil {
			return err
		}
		if h.alerter != nil {
			h.alerter.PositionCommand(ctx, pos.ID, "entry_expired", map[string]any{
				"filled": false,
			})
		}
		return h.queue.Enqueue(ctx, domain.QueueAccounting,
			domain.Message{PositionID: pos.ID}, now, true)
	}

	// A partial entry behaves like a smaller position from here on.
	diff.Set(domain.FieldStatus, int(domain.StatusOpen)).
		Set(domain.FieldBuyTTL, nil)
	if err := h.store.Apply(ctx, pos.ID, diff); err != nil {
		return err
	}
	if h.alerter != nil {
		h.alerter.PositionCommand(ctx, pos.ID, "entry_expired", map[string]any{
			"filled":     true,
			"realAmount": pos.RealAmount,
		})
	}
	for _, q := range []string{domain.QueueTakeProfit, domain.QueueStopOrder} {
		if err := h.queue.Enqueue(ctx, q, domain.Message{PositionID: pos.ID}, now, true); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handlers) expireExit(ctx context.Context, pos *domain.Position) error {
	if pos.RemainingAmount <= residualEpsilon {
		return nil
	}

	res, err := h.gateway.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:        pos.Symbol,
		Side:          pos.ExitSide(),
		Type:          domain.OrderTypeMarket,
		Quantity:      pos.RemainingAmount,
		ReduceOnly:    true,
		ClientOrderID: domain.ClientOrderPrefix + uuid.New().String(),
	})
	if err != nil {
		return err
	}
	if res.Business != nil {
		if h.alerter != nil {
			h.alerter.PositionCommand(ctx, pos.ID, "exit_expired_failed", map[string]any{
				"code":    res.Business.Code,
				"message": res.Business.Message,
			})
		}
		return nil
	}

	now := time.Now().UTC()
	diff := (&domain.FieldDiff{}).
		Set(domain.FieldStatus, int(domain.StatusClosing)).
		Set(domain.FieldSellTTL, nil)
	diff.SetPath(domain.CollectionOrders, []string{res.OrderID}, domain.Order{
		ID:            res.OrderID,
		ClientOrderID: res.ClientOrderID,
		Role:          domain.RoleExit,
		Side:          pos.ExitSide(),
		Type:          domain.OrderTypeMarket,
		Status:        domain.OrderStatusPlaced,
		Amount:        pos.RemainingAmount,
		PlacedAt:      now,
	})
	if err := h.store.Apply(ctx, pos.ID, diff); err != nil {
		return err
	}
	if h.alerter != nil {
		h.alerter.PositionCommand(ctx, pos.ID, "exit_expired", map[string]any{
			"quantity": pos.RemainingAmount,
		})
	}
	return nil
}

// HandleLiquidation watches the distance between the mark price and the
// venue's liquidation price. Crossing it flags the position as closing
// by liquidation; the actual exit arrives through the execution stream.
func (h *Handlers) HandleLiquidation(ctx context.Context, msg domain.Message) error {
	return h.withLock(ctx, msg.PositionID, "liquidation", func(pos *domain.Position) error {
		if pos.Closed || pos.Status.Terminal() || pos.RemainingAmount <= residualEpsilon {
			return nil
		}

		liq, err := h.gateway.LiquidationPrice(ctx, pos.Symbol)
		if err != nil {
			return err
		}
		if liq <= 0 {
			return nil
		}
		mark, err := h.gateway.MarkPrice(ctx, pos.Symbol)
		if err != nil {
			return err
		}

		crossed := pos.IsLong() && mark <= liq || !pos.IsLong() && mark >= liq
		if crossed {
			if pos.Status == domain.StatusClosingLiquidation {
				return nil
			}
			diff := (&domain.FieldDiff{}).
				Set(domain.FieldStatus, int(domain.StatusClosingLiquidation))
			if err := h.store.Apply(ctx, pos.ID, diff); err != nil {
				return err
			}
			h.logger.WarnContext(ctx, "position entered liquidation",
				slog.String("position_id", pos.ID),
				slog.Float64("mark", mark),
				slog.Float64("liquidation_price", liq))
			if h.alerter != nil {
				h.alerter.PositionCommand(ctx, pos.ID, "position_liquidating", map[string]any{
					"mark":             mark,
					"liquidationPrice": liq,
				})
			}
			return nil
		}

		distance := (mark - liq) / mark
		if !pos.IsLong() {
			distance = (liq - mark) / mark
		}
		if distance < h.liquidationWarnPct && h.alerter != nil {
			h.alerter.PositionCommand(ctx, pos.ID, "liquidation_warning", map[string]any{
				"mark":             mark,
				"liquidationPrice": liq,
				"distance":         distance,
			})
		}
		return nil
	})
}
