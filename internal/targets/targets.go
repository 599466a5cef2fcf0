// Package targets implements the four target families that drive a
// position while it is open: DCA scale-ins, take-profit ladder, reduce
// orders and the stop-loss/trailing-stop. All evaluators operate on a
// hard-locked position and emit targeted field diffs.
package targets

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/openfolio/posengine/internal/domain"
)

// residualEpsilon is the quantity below which a remainder counts as zero.
const residualEpsilon = 1e-9

// Alerter delivers user-visible notifications; failures never block
// target processing.
type Alerter interface {
	PositionCommand(ctx context.Context, positionID, command string, payload map[string]any)
}

// Deps bundles what every target evaluator needs.
type Deps struct {
	Store   domain.PositionStore
	Gateway domain.ExchangeGateway
	Queue   domain.Queue
	Events  domain.EventBus
	Alerter Alerter
	Logger  *slog.Logger
}

// newClientOrderID mints a correlation id carrying the engine prefix so
// the reconciler can recognise our fills.
func newClientOrderID() string {
	return domain.ClientOrderPrefix + uuid.New().String()
}

// roundToStep floors a value onto the venue step grid. A zero step
// passes the value through.
func roundToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	return math.Floor(v/step+1e-9) * step
}

// triggerPrice resolves the authoritative trigger from a
// percentage-of-entry and an absolute price. The percentage wins unless
// the absolute price is explicitly prioritised or the percentage is
// unset.
func triggerPrice(entryPrice, percentage, absolute float64, priority domain.PricePriority) float64 {
	if priority == domain.PriorityPrice && absolute > 0 {
		return absolute
	}
	if percentage > 0 {
		return entryPrice * percentage
	}
	return absolute
}

// validateAgainstFilters checks an order against venue minimums and
// returns the business outcome when it cannot be sent.
func validateAgainstFilters(f domain.SymbolFilters, quantity, price float64) *domain.BusinessError {
	if f.MinQuantity > 0 && quantity < f.MinQuantity {
		return &domain.BusinessError{
			Code:    domain.BusinessBelowMinQuantity,
			Message: "order quantity below venue minimum",
		}
	}
	if f.MinNotional > 0 && quantity*price < f.MinNotional {
		return &domain.BusinessError{
			Code:    domain.BusinessBelowMinNotional,
			Message: "order notional below venue minimum",
		}
	}
	return nil
}

// recordPlacedOrder registers a freshly placed order on the aggregate
// and in the diff.
func recordPlacedOrder(pos *domain.Position, diff *domain.FieldDiff, ord domain.Order) {
	pos.Orders[ord.ID] = ord
	diff.SetPath(domain.CollectionOrders, []string{ord.ID}, ord)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
