package targets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfolio/posengine/internal/domain"
)

func TestOrderAmount(t *testing.T) {
	tests := []struct {
		name      string
		target    domain.RebuyTarget
		remaining float64
		price     float64
		want      float64
	}{
		{"fixed quantity", domain.RebuyTarget{Quantity: 3}, 10, 95, 3},
		{"fraction of remaining", domain.RebuyTarget{QuantityPercentage: 0.5}, 10, 95, 5},
		{"notional investment", domain.RebuyTarget{NewInvestment: 190}, 10, 95, 2},
		{"nothing configured", domain.RebuyTarget{}, 10, 95, 0},
		{"fixed wins over fraction", domain.RebuyTarget{Quantity: 3, QuantityPercentage: 0.5}, 10, 95, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := OrderAmount(tt.target, tt.remaining, tt.price)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestTriggered(t *testing.T) {
	long := &domain.Position{Side: domain.SideLong}
	short := &domain.Position{Side: domain.SideShort}

	assert.True(t, Triggered(long, 95, 94))
	assert.True(t, Triggered(long, 95, 95))
	assert.False(t, Triggered(long, 95, 96))

	assert.True(t, Triggered(short, 105, 106))
	assert.True(t, Triggered(short, 105, 105))
	assert.False(t, Triggered(short, 105, 104))

	assert.False(t, Triggered(long, 0, 94), "unset trigger never fires")
}

func dcaPosition() *domain.Position {
	return &domain.Position{
		ID:              "pos-1",
		Symbol:          "BTCUSDT",
		Side:            domain.SideLong,
		Settlement:      "USDT",
		Status:          domain.StatusOpen,
		AvgEntryPrice:   100,
		RemainingAmount: 10,
		RealAmount:      10,
		Orders:          map[string]domain.Order{},
		RebuyTargets: map[int]domain.RebuyTarget{
			1: {
				ID:                 1,
				TriggerPercentage:  0.95,
				QuantityPercentage: 0.5,
				OrderType:          domain.OrderTypeLimit,
				State:              domain.TargetPending,
			},
		},
		NextTargetID: 2,
	}
}

func TestDCAPlacesScaleInAtTrigger(t *testing.T) {
	store := &fakeStore{}
	gateway := &fakeGateway{mark: 94, filters: domain.SymbolFilters{PriceStep: 0.1, QuantityStep: 0.001}}
	dca := NewDCA(testDeps(store, gateway, &fakeQueue{}, nil))

	pos := dcaPosition()
	require.NoError(t, dca.Process(context.Background(), pos))

	require.Len(t, gateway.placed, 1)
	req := gateway.placed[0]
	assert.Equal(t, domain.OrderSideBuy, req.Side)
	assert.Equal(t, domain.OrderTypeLimit, req.Type)
	assert.InDelta(t, 95.0, req.Price, 1e-9, "order rests at the trigger, not the mark")
	assert.InDelta(t, 5.0, req.Quantity, 1e-9, "half the remaining amount")
	assert.Contains(t, req.ClientOrderID, domain.ClientOrderPrefix)

	assert.Equal(t, domain.TargetOrderPlaced, pos.RebuyTargets[1].State)
	require.Len(t, store.applied, 1, "placement persisted immediately")
	require.Len(t, pos.Orders, 1)
	for _, ord := range pos.Orders {
		assert.Equal(t, domain.RoleRebuy, ord.Role)
		assert.Equal(t, 1, ord.TargetID)
	}
}

func TestDCAShortTriggerMirrorsPercentage(t *testing.T) {
	store := &fakeStore{}
	gateway := &fakeGateway{mark: 106, filters: domain.SymbolFilters{PriceStep: 0.1, QuantityStep: 0.001}}
	dca := NewDCA(testDeps(store, gateway, &fakeQueue{}, nil))

	pos := dcaPosition()
	pos.Side = domain.SideShort
	// 0.95 means 5% against entry; for a short that is 105, not 95.

	require.NoError(t, dca.Process(context.Background(), pos))

	require.Len(t, gateway.placed, 1)
	req := gateway.placed[0]
	assert.Equal(t, domain.OrderSideSell, req.Side)
	assert.InDelta(t, 105.0, req.Price, 1e-9, "trigger mirrors around entry for shorts")
}

func TestDCAShortNotTriggeredBelowMirroredTrigger(t *testing.T) {
	gateway := &fakeGateway{mark: 103}
	dca := NewDCA(testDeps(&fakeStore{}, gateway, &fakeQueue{}, nil))

	pos := dcaPosition()
	pos.Side = domain.SideShort
	require.NoError(t, dca.Process(context.Background(), pos))
	assert.Empty(t, gateway.placed)
}

func TestDCANotTriggeredAboveTrigger(t *testing.T) {
	store := &fakeStore{}
	gateway := &fakeGateway{mark: 97}
	dca := NewDCA(testDeps(store, gateway, &fakeQueue{}, nil))

	pos := dcaPosition()
	require.NoError(t, dca.Process(context.Background(), pos))

	assert.Empty(t, gateway.placed)
	assert.Empty(t, store.applied)
	assert.Equal(t, domain.TargetPending, pos.RebuyTargets[1].State)
}

func TestDCASkipsClosedPosition(t *testing.T) {
	gateway := &fakeGateway{mark: 94}
	dca := NewDCA(testDeps(&fakeStore{}, gateway, &fakeQueue{}, nil))

	pos := dcaPosition()
	pos.Closed = true
	require.NoError(t, dca.Process(context.Background(), pos))
	assert.Empty(t, gateway.placed)
}

func TestDCAAllocationCeiling(t *testing.T) {
	store := &fakeStore{}
	gateway := &fakeGateway{mark: 94}
	alerter := &fakeAlerter{}
	dca := NewDCA(testDeps(store, gateway, &fakeQueue{}, alerter))

	pos := dcaPosition()
	pos.AllocatedBalance = 1000
	pos.RealInvestment = 900
	// The scale-in would add 5 * 95 = 475 of investment at 1x.

	require.NoError(t, dca.Process(context.Background(), pos))

	assert.Empty(t, gateway.placed, "order must not reach the venue")
	assert.Equal(t, domain.TargetError, pos.RebuyTargets[1].State)
	require.Len(t, alerter.alerts, 1)
	assert.Equal(t, "rebuy_failed", alerter.alerts[0].command)
	assert.Equal(t, domain.BusinessAllocationExceeded, alerter.alerts[0].payload["code"])
	require.Len(t, store.applied, 1, "errored target persisted")
}

func TestDCALeverageScalesAllocationCheck(t *testing.T) {
	store := &fakeStore{}
	gateway := &fakeGateway{mark: 94}
	dca := NewDCA(testDeps(store, gateway, &fakeQueue{}, nil))

	pos := dcaPosition()
	pos.Leverage = 5
	pos.AllocatedBalance = 1000
	pos.RealInvestment = 900
	// At 5x the added investment is 475/5 = 95, inside the allocation.

	require.NoError(t, dca.Process(context.Background(), pos))
	assert.Len(t, gateway.placed, 1)
}

func TestDCABusinessRejectionFromVenue(t *testing.T) {
	store := &fakeStore{}
	gateway := &fakeGateway{
		mark: 94,
		nextResult: domain.OrderResult{
			Status:   domain.OrderStatusError,
			Business: &domain.BusinessError{Code: domain.BusinessInsufficientBalance, Message: "no funds"},
		},
	}
	alerter := &fakeAlerter{}
	dca := NewDCA(testDeps(store, gateway, &fakeQueue{}, alerter))

	pos := dcaPosition()
	require.NoError(t, dca.Process(context.Background(), pos), "business outcome is not a Go error")

	assert.Equal(t, domain.TargetError, pos.RebuyTargets[1].State)
	require.Len(t, alerter.alerts, 1)
	assert.Equal(t, domain.BusinessInsufficientBalance, alerter.alerts[0].payload["code"])
}
