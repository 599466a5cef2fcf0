package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		name     string
		status   Status
		terminal bool
	}{
		{"new", StatusNew, false},
		{"entry pending", StatusEntryPending, false},
		{"open", StatusOpen, false},
		{"closing", StatusClosing, false},
		{"closing take-profit", StatusClosingTakeProfit, false},
		{"closing liquidation", StatusClosingLiquidation, false},
		{"closed", StatusClosed, true},
		{"liquidated", StatusLiquidated, true},
		{"closed error", StatusClosedError, true},
		{"error", StatusError, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.Terminal())
		})
	}
}

func TestTargetStateTransitions(t *testing.T) {
	tests := []struct {
		from    TargetState
		to      TargetState
		allowed bool
	}{
		{TargetPending, TargetOrderPlaced, true},
		{TargetPending, TargetCancelled, true},
		{TargetPending, TargetSkipped, true},
		{TargetPending, TargetError, true},
		{TargetPending, TargetDone, false},
		{TargetOrderPlaced, TargetDone, true},
		{TargetOrderPlaced, TargetCancelled, true},
		{TargetOrderPlaced, TargetError, true},
		{TargetOrderPlaced, TargetPending, false},
		{TargetError, TargetPending, true},
		{TargetError, TargetCancelled, true},
		{TargetError, TargetDone, false},
		{TargetDone, TargetPending, false},
		{TargetCancelled, TargetPending, false},
		{TargetSkipped, TargetPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to))
		})
	}
}

func TestTargetStateTerminalAndActive(t *testing.T) {
	for _, s := range []TargetState{TargetDone, TargetCancelled, TargetSkipped} {
		assert.True(t, s.Terminal(), string(s))
		assert.False(t, s.Active(), string(s))
	}
	for _, s := range []TargetState{TargetPending, TargetOrderPlaced} {
		assert.False(t, s.Terminal(), string(s))
		assert.True(t, s.Active(), string(s))
	}
	// Error is neither terminal nor active: it waits for a reset or
	// cancellation.
	assert.False(t, TargetError.Terminal())
	assert.False(t, TargetError.Active())
}

func TestWeightedAveragePrice(t *testing.T) {
	trades := []Trade{
		{TradeID: "1", Price: 100, Quantity: 1},
		{TradeID: "2", Price: 110, Quantity: 2},
		{TradeID: "3", Price: 95, Quantity: 1},
	}

	avg, total := WeightedAveragePrice(trades)
	assert.InDelta(t, 103.75, avg, 1e-9)
	assert.InDelta(t, 4.0, total, 1e-9)

	// Invariant to input order.
	reversed := []Trade{trades[2], trades[0], trades[1]}
	avg2, total2 := WeightedAveragePrice(reversed)
	assert.InDelta(t, avg, avg2, 1e-12)
	assert.InDelta(t, total, total2, 1e-12)
}

func TestWeightedAveragePriceEmpty(t *testing.T) {
	avg, total := WeightedAveragePrice(nil)
	assert.Zero(t, avg)
	assert.Zero(t, total)
}

func TestDedupeTrades(t *testing.T) {
	trades := []Trade{
		{TradeID: "t1", OrderID: "o1", Quantity: 1},
		{TradeID: "t1", OrderID: "o1", Quantity: 99}, // duplicate, dropped
		{TradeID: "t1", OrderID: "o2", Quantity: 2},  // same trade id, different order
		{TradeID: "t2", OrderID: "o1", Quantity: 3},
	}

	out := DedupeTrades(trades)
	require.Len(t, out, 3)
	assert.Equal(t, 1.0, out[0].Quantity, "first occurrence wins")
	assert.Equal(t, "o2", out[1].OrderID)
	assert.Equal(t, "t2", out[2].TradeID)
}

func TestEntryAndExitTradesForShort(t *testing.T) {
	pos := Position{
		Side: SideShort,
		Trades: []Trade{
			{TradeID: "t1", OrderID: "o1", IsBuyer: false, Quantity: 2}, // entry
			{TradeID: "t2", OrderID: "o2", IsBuyer: true, Quantity: 1},  // exit
		},
	}

	entries := pos.EntryTrades()
	require.Len(t, entries, 1)
	assert.Equal(t, "t1", entries[0].TradeID)

	exits := pos.ExitTrades()
	require.Len(t, exits, 1)
	assert.Equal(t, "t2", exits[0].TradeID)

	assert.Equal(t, OrderSideSell, pos.EntrySide())
	assert.Equal(t, OrderSideBuy, pos.ExitSide())
}

func TestAllocateTargetID(t *testing.T) {
	var pos Position
	assert.Equal(t, 1, pos.AllocateTargetID())
	assert.Equal(t, 2, pos.AllocateTargetID())
	assert.Equal(t, 3, pos.NextTargetID)
}

func TestActiveTakeProfitTargets(t *testing.T) {
	pos := Position{
		TakeProfitTargets: map[int]TakeProfitTarget{
			3: {ID: 3, State: TargetPending},
			1: {ID: 1, State: TargetDone},
			2: {ID: 2, State: TargetOrderPlaced},
			4: {ID: 4, State: TargetCancelled},
		},
	}
	assert.Equal(t, []int{2, 3}, pos.ActiveTakeProfitTargets())
}

func TestRetryPolicyNextScore(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts: 3,
		Backoff: func(attempt int) time.Duration {
			return time.Duration(attempt) * time.Second
		},
	}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	score, ok := policy.NextScore(now, 1)
	require.True(t, ok)
	assert.Equal(t, now.Add(time.Second), score)

	score, ok = policy.NextScore(now, 2)
	require.True(t, ok)
	assert.Equal(t, now.Add(2*time.Second), score)

	_, ok = policy.NextScore(now, 3)
	assert.False(t, ok, "policy exhausts at max attempts")
}

func TestExecutionEventFilled(t *testing.T) {
	assert.True(t, ExecutionEvent{Status: "FILLED"}.Filled())
	assert.True(t, ExecutionEvent{Status: "filled"}.Filled())
	assert.False(t, ExecutionEvent{Status: "PARTIALLY_FILLED"}.Filled())
	assert.False(t, ExecutionEvent{Status: "NEW"}.Filled())
}

func TestFieldDiffAppendTradesSkipsEmpty(t *testing.T) {
	var diff FieldDiff
	diff.AppendTrades(nil)
	assert.True(t, diff.Empty())

	diff.AppendTrades([]Trade{{TradeID: "t1"}})
	require.Len(t, diff.Ops(), 1)
	assert.Equal(t, DiffAppendTrades, diff.Ops()[0].Kind)
}
