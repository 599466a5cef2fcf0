package targets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfolio/posengine/internal/domain"
)

func stopPosition() *domain.Position {
	return &domain.Position{
		ID:                 "pos-1",
		Symbol:             "BTCUSDT",
		Side:               domain.SideLong,
		Settlement:         "USDT",
		Status:             domain.StatusOpen,
		AvgEntryPrice:      100,
		RemainingAmount:    2,
		RealAmount:         2,
		StopLossPercentage: 0.9,
		Orders:             map[string]domain.Order{},
		RebuyTargets:       map[int]domain.RebuyTarget{},
	}
}

func TestBaseStopPrice(t *testing.T) {
	tests := []struct {
		name string
		pos  domain.Position
		want float64
	}{
		{
			"long percentage",
			domain.Position{Side: domain.SideLong, AvgEntryPrice: 100, StopLossPercentage: 0.9},
			90,
		},
		{
			"short percentage mirrors above entry",
			domain.Position{Side: domain.SideShort, AvgEntryPrice: 100, StopLossPercentage: 0.9},
			110,
		},
		{
			"absolute price wins when prioritised",
			domain.Position{Side: domain.SideLong, AvgEntryPrice: 100, StopLossPercentage: 0.9,
				StopLossPrice: 85, StopPricePriority: domain.PriorityPrice},
			85,
		},
		{
			"absolute price alone",
			domain.Position{Side: domain.SideLong, AvgEntryPrice: 100, StopLossPrice: 85},
			85,
		},
		{
			"nothing configured",
			domain.Position{Side: domain.SideLong, AvgEntryPrice: 100},
			0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, BaseStopPrice(&tt.pos), 1e-9)
		})
	}
}

func TestTrailingStopNeverRetreatsLong(t *testing.T) {
	pos := &domain.Position{
		Side:                 domain.SideLong,
		AvgEntryPrice:        100,
		TrailingStopTrigger:  1.05,
		TrailingStopDistance: 0.02,
	}

	// Below the arming threshold nothing happens.
	assert.Zero(t, TrailingStopPrice(pos, 104))

	// Arms at 105: candidate 105 * 0.98.
	got := TrailingStopPrice(pos, 105)
	assert.InDelta(t, 102.9, got, 1e-9)
	pos.TrailingStopPrice = got

	// Price advances, stop follows.
	got = TrailingStopPrice(pos, 110)
	assert.InDelta(t, 107.8, got, 1e-9)
	pos.TrailingStopPrice = got

	// Price falls back: the stop holds its ground.
	got = TrailingStopPrice(pos, 106)
	assert.InDelta(t, 107.8, got, 1e-9)
}

func TestTrailingStopNeverRetreatsShort(t *testing.T) {
	pos := &domain.Position{
		Side:                 domain.SideShort,
		AvgEntryPrice:        100,
		TrailingStopTrigger:  1.05, // arms once mark falls to 95
		TrailingStopDistance: 0.02,
	}

	assert.Zero(t, TrailingStopPrice(pos, 96))

	got := TrailingStopPrice(pos, 95)
	assert.InDelta(t, 96.9, got, 1e-9)
	pos.TrailingStopPrice = got

	got = TrailingStopPrice(pos, 90)
	assert.InDelta(t, 91.8, got, 1e-9)
	pos.TrailingStopPrice = got

	// Bounce: the short stop only ever moves down.
	got = TrailingStopPrice(pos, 93)
	assert.InDelta(t, 91.8, got, 1e-9)
}

func TestStopBlockedByRebuy(t *testing.T) {
	pos := &domain.Position{
		Side:          domain.SideLong,
		AvgEntryPrice: 100,
		RebuyTargets: map[int]domain.RebuyTarget{
			1: {State: domain.TargetPending},
		},
	}

	assert.True(t, StopBlockedByRebuy(pos, 100), "stop at entry contradicts a pending scale-in")
	assert.True(t, StopBlockedByRebuy(pos, 105))
	assert.False(t, StopBlockedByRebuy(pos, 90))

	pos.RebuyTargets[1] = domain.RebuyTarget{State: domain.TargetDone}
	assert.False(t, StopBlockedByRebuy(pos, 105), "no pending rebuy, no restriction")
}

func TestStopPlacesReduceOnlyStopMarket(t *testing.T) {
	store := &fakeStore{}
	gateway := &fakeGateway{mark: 98, filters: domain.SymbolFilters{PriceStep: 0.1}}
	stop := NewStop(testDeps(store, gateway, &fakeQueue{}, nil))

	pos := stopPosition()
	require.NoError(t, stop.Process(context.Background(), pos))

	require.Len(t, gateway.placed, 1)
	req := gateway.placed[0]
	assert.Equal(t, domain.OrderSideSell, req.Side)
	assert.Equal(t, domain.OrderTypeStopMarket, req.Type)
	assert.True(t, req.ReduceOnly)
	assert.InDelta(t, 90.0, req.StopPrice, 0.2)
	assert.InDelta(t, 2.0, req.Quantity, 1e-9)
	require.Len(t, store.applied, 1)
}

func TestStopNotReplacedWithinOneStep(t *testing.T) {
	store := &fakeStore{}
	gateway := &fakeGateway{mark: 98, filters: domain.SymbolFilters{PriceStep: 0.1}}
	stop := NewStop(testDeps(store, gateway, &fakeQueue{}, nil))

	pos := stopPosition()
	pos.Orders["stop-1"] = domain.Order{
		ID: "stop-1", Role: domain.RoleStop, Price: 90, Status: domain.OrderStatusPlaced,
	}

	require.NoError(t, stop.Process(context.Background(), pos))
	assert.Empty(t, gateway.placed)
	assert.Empty(t, gateway.cancelled)
}

func TestStopReplacesStaleOrder(t *testing.T) {
	store := &fakeStore{}
	gateway := &fakeGateway{mark: 120, filters: domain.SymbolFilters{PriceStep: 0.1}}
	stop := NewStop(testDeps(store, gateway, &fakeQueue{}, nil))

	pos := stopPosition()
	pos.TrailingStopTrigger = 1.05
	pos.TrailingStopDistance = 0.02
	pos.Orders["stop-1"] = domain.Order{
		ID: "stop-1", Role: domain.RoleStop, Price: 90, Status: domain.OrderStatusPlaced,
	}

	require.NoError(t, stop.Process(context.Background(), pos))

	assert.Equal(t, []string{"stop-1"}, gateway.cancelled)
	require.Len(t, gateway.placed, 1)
	assert.InDelta(t, 117.6, gateway.placed[0].StopPrice, 0.2, "trailing stop moved up with the mark")
	assert.Equal(t, domain.OrderStatusCancelled, pos.Orders["stop-1"].Status)
	assert.InDelta(t, 117.6, pos.TrailingStopPrice, 0.2)
}

func TestStopBlockedLeavesOrderAlone(t *testing.T) {
	store := &fakeStore{}
	gateway := &fakeGateway{mark: 98, filters: domain.SymbolFilters{PriceStep: 0.1}}
	stop := NewStop(testDeps(store, gateway, &fakeQueue{}, nil))

	pos := stopPosition()
	pos.StopLossPercentage = 1.02 // stop above entry
	pos.RebuyTargets[1] = domain.RebuyTarget{State: domain.TargetPending}

	require.NoError(t, stop.Process(context.Background(), pos))
	assert.Empty(t, gateway.placed)
}

func TestStopExitsResidualAfterSpentLadder(t *testing.T) {
	store := &fakeStore{}
	gateway := &fakeGateway{mark: 108, filters: domain.SymbolFilters{PriceStep: 0.1}}
	stop := NewStop(testDeps(store, gateway, &fakeQueue{}, nil))

	pos := stopPosition()
	pos.StopLossPercentage = 0
	pos.RemainingAmount = 0.4
	pos.TakeProfitTargets = map[int]domain.TakeProfitTarget{
		1: {ID: 1, State: domain.TargetDone, OrderID: "tp-1"},
	}

	require.NoError(t, stop.Process(context.Background(), pos))

	require.Len(t, gateway.placed, 1, "the remainder must not dangle without a stop behind it")
	req := gateway.placed[0]
	assert.Equal(t, domain.OrderSideSell, req.Side)
	assert.Equal(t, domain.OrderTypeMarket, req.Type)
	assert.True(t, req.ReduceOnly)
	assert.InDelta(t, 0.4, req.Quantity, 1e-9)

	assert.Equal(t, domain.StatusClosing, pos.Status)
	require.Len(t, store.applied, 1)
	require.Len(t, pos.Orders, 1)
	for _, ord := range pos.Orders {
		assert.Equal(t, domain.RoleExit, ord.Role)
	}
}

func TestStopResidualExitNotDoubled(t *testing.T) {
	store := &fakeStore{}
	gateway := &fakeGateway{mark: 108, filters: domain.SymbolFilters{PriceStep: 0.1}}
	stop := NewStop(testDeps(store, gateway, &fakeQueue{}, nil))

	pos := stopPosition()
	pos.StopLossPercentage = 0
	pos.RemainingAmount = 0.4
	pos.TakeProfitTargets = map[int]domain.TakeProfitTarget{
		1: {ID: 1, State: domain.TargetDone, OrderID: "tp-1"},
	}
	pos.Orders["exit-1"] = domain.Order{
		ID: "exit-1", Role: domain.RoleExit, Status: domain.OrderStatusPlaced,
	}

	require.NoError(t, stop.Process(context.Background(), pos))
	assert.Empty(t, gateway.placed, "close already in flight")
}

func TestStopNoConfigNoLadderIsNoOp(t *testing.T) {
	store := &fakeStore{}
	gateway := &fakeGateway{mark: 98, filters: domain.SymbolFilters{PriceStep: 0.1}}
	stop := NewStop(testDeps(store, gateway, &fakeQueue{}, nil))

	pos := stopPosition()
	pos.StopLossPercentage = 0
	pos.TakeProfitTargets = map[int]domain.TakeProfitTarget{
		1: {ID: 1, State: domain.TargetPending},
	}

	require.NoError(t, stop.Process(context.Background(), pos))
	assert.Empty(t, gateway.placed)
	assert.Empty(t, store.applied)
}

func TestStopContractReducedForceCloses(t *testing.T) {
	store := &fakeStore{}
	queue := &fakeQueue{}
	gateway := &fakeGateway{
		mark:    98,
		filters: domain.SymbolFilters{PriceStep: 0.1},
		nextResult: domain.OrderResult{
			Status:   domain.OrderStatusError,
			Business: &domain.BusinessError{Code: domain.BusinessContractReduced, Message: "reduce-only rejected"},
		},
	}
	alerter := &fakeAlerter{}
	stop := NewStop(testDeps(store, gateway, queue, alerter))

	pos := stopPosition()
	require.NoError(t, stop.Process(context.Background(), pos))

	assert.True(t, pos.Closed)
	assert.Equal(t, domain.StatusClosedError, pos.Status)
	require.Len(t, store.applied, 1)
	require.Len(t, queue.items, 1)
	assert.Equal(t, domain.QueueAccounting, queue.items[0].queue)
	require.Len(t, alerter.alerts, 1)
	assert.Equal(t, "position_force_closed", alerter.alerts[0].command)
}

func TestStopOtherBusinessFailureAlertsOnly(t *testing.T) {
	store := &fakeStore{}
	queue := &fakeQueue{}
	gateway := &fakeGateway{
		mark:    98,
		filters: domain.SymbolFilters{PriceStep: 0.1},
		nextResult: domain.OrderResult{
			Status:   domain.OrderStatusError,
			Business: &domain.BusinessError{Code: domain.BusinessInvalidPrice, Message: "bad trigger"},
		},
	}
	alerter := &fakeAlerter{}
	stop := NewStop(testDeps(store, gateway, queue, alerter))

	pos := stopPosition()
	require.NoError(t, stop.Process(context.Background(), pos))

	assert.False(t, pos.Closed)
	assert.Empty(t, queue.items)
	require.Len(t, alerter.alerts, 1)
	assert.Equal(t, "stop_failed", alerter.alerts[0].command)
}
