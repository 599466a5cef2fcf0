package domain

import (
	"sort"
	"time"
)

// Status is the position lifecycle code. Codes are grouped in bands so
// range checks stay cheap: 30-39 are the closing variants, 40-49 the
// terminal ones.
type Status int

const (
	StatusNew                Status = 0
	StatusEntryPending       Status = 10
	StatusOpen               Status = 20
	StatusClosing            Status = 30
	StatusClosingTakeProfit  Status = 31
	StatusClosingStop        Status = 32
	StatusClosingLiquidation Status = 33
	StatusClosed             Status = 40
	StatusLiquidated         Status = 41
	StatusClosedError        Status = 42
	StatusError              Status = 50
)

// Terminal reports whether the status admits no further trading activity.
func (s Status) Terminal() bool {
	return (s >= StatusClosed && s < StatusError) || s == StatusError
}

// Side is the position direction.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Position is the central aggregate: one leveraged or spot position and
// its full order, target and trade history. All mutation goes through
// targeted FieldDiff updates under a hard lock; whole-aggregate writes
// happen only at creation.
type Position struct {
	ID         string `json:"id"`
	UserID     string `json:"userId"`
	AccountID  string `json:"accountId"`
	ProviderID string `json:"providerId,omitempty"` // copy-trading origin
	Symbol     string `json:"symbol"`
	Side       Side   `json:"side"`
	Settlement string `json:"settlement"` // settlement/quote asset, e.g. USDT
	Leverage   int    `json:"leverage"`

	Status         Status `json:"status"`
	Closed         bool   `json:"closed"`
	Updating       bool   `json:"updating"` // soft-lock hint for read paths
	Accounted      bool   `json:"accounted"`
	AccountingPost bool   `json:"accountingPost"`

	LockedBy      string     `json:"lockedBy,omitempty"`
	LockedPurpose string     `json:"lockedPurpose,omitempty"`
	LockedAt      *time.Time `json:"lockedAt,omitempty"`

	RealAmount       float64 `json:"realAmount"`
	RemainingAmount  float64 `json:"remainingAmount"`
	AvgEntryPrice    float64 `json:"avgEntryPrice"`
	RealPositionSize float64 `json:"realPositionSize"`
	RealInvestment   float64 `json:"realInvestment"`
	AllocatedBalance float64 `json:"allocatedBalance,omitempty"`

	Orders            map[string]Order         `json:"orders"`
	RebuyTargets      map[int]RebuyTarget      `json:"reBuyTargets"`
	TakeProfitTargets map[int]TakeProfitTarget `json:"takeProfitTargets"`
	ReduceOrders      map[int]ReduceOrder      `json:"reduceOrders"`
	Trades            []Trade                  `json:"trades"`
	NextTargetID      int                      `json:"nextTargetId"`

	StopLossPercentage   float64       `json:"stopLossPercentage,omitempty"`
	StopLossPrice        float64       `json:"stopLossPrice,omitempty"`
	StopPricePriority    PricePriority `json:"stopPricePriority,omitempty"`
	TrailingStopTrigger  float64       `json:"trailingStopTrigger,omitempty"`
	TrailingStopDistance float64       `json:"trailingStopDistance,omitempty"`
	TrailingStopPrice    float64       `json:"trailingStopPrice,omitempty"`
	BuyTTL               *time.Time    `json:"buyTTL,omitempty"`
	SellTTL              *time.Time    `json:"sellTTL,omitempty"`

	AccountingDelayedCount int                 `json:"accountingDelayedCount"`
	Accounting             *AccountingSnapshot `json:"accounting,omitempty"`

	OpenedAt  time.Time  `json:"openedAt"`
	ClosedAt  *time.Time `json:"closedAt,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// IsLong reports whether the position profits when price rises.
func (p *Position) IsLong() bool {
	return p.Side == SideLong
}

// EntrySide returns the order side that increases the position.
func (p *Position) EntrySide() OrderSide {
	if p.IsLong() {
		return OrderSideBuy
	}
	return OrderSideSell
}

// ExitSide returns the order side that reduces the position.
func (p *Position) ExitSide() OrderSide {
	if p.IsLong() {
		return OrderSideSell
	}
	return OrderSideBuy
}

// EntryTrades returns all fills on the entry side of the position,
// deduplicated by (TradeID, OrderID).
func (p *Position) EntryTrades() []Trade {
	return p.tradesBySide(true)
}

// ExitTrades returns all fills on the exit side of the position,
// deduplicated by (TradeID, OrderID).
func (p *Position) ExitTrades() []Trade {
	return p.tradesBySide(false)
}

func (p *Position) tradesBySide(entry bool) []Trade {
	entryIsBuy := p.IsLong()
	var out []Trade
	for _, t := range DedupeTrades(p.Trades) {
		if (t.IsBuyer == entryIsBuy) == entry {
			out = append(out, t)
		}
	}
	return out
}

// TradesForOrder returns the deduplicated fills tied to one order.
func (p *Position) TradesForOrder(orderID string) []Trade {
	var out []Trade
	for _, t := range DedupeTrades(p.Trades) {
		if t.OrderID == orderID {
			out = append(out, t)
		}
	}
	return out
}

// AllocateTargetID hands out the next target id and advances the
// per-position counter. Ids are monotone and never reused while active.
func (p *Position) AllocateTargetID() int {
	if p.NextTargetID == 0 {
		p.NextTargetID = 1
	}
	id := p.NextTargetID
	p.NextTargetID++
	return id
}

// HasPendingRebuy reports whether any DCA target is still pending
// (pre-fill). Pending DCA can block stop placement when the stop would
// contradict the directional logic.
func (p *Position) HasPendingRebuy() bool {
	for _, t := range p.RebuyTargets {
		if t.State == TargetPending {
			return true
		}
	}
	return false
}

// ActiveTakeProfitTargets returns the ids of take-profit targets that are
// still pending or placed, in ascending id order.
func (p *Position) ActiveTakeProfitTargets() []int {
	var ids []int
	for id, t := range p.TakeProfitTargets {
		if t.State.Active() {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}
