package domain

import (
	"context"
	"time"
)

// AccountingSnapshot is the once-computed financial summary of a closed
// position. It is immutable after Done is set; re-running the accounting
// engine against a snapshot with Done=true is a no-op.
type AccountingSnapshot struct {
	Done           bool      `json:"done"`
	OpenedAt       time.Time `json:"openedAt"`
	ClosedAt       time.Time `json:"closedAt"`
	AvgBuyPrice    float64   `json:"avgBuyPrice"`
	BuyQuantity    float64   `json:"buyQuantity"`
	AvgSellPrice   float64   `json:"avgSellPrice"`
	SellQuantity   float64   `json:"sellQuantity"`
	TotalFees      float64   `json:"totalFees"`   // normalised to the settlement asset
	FundingFees    float64   `json:"fundingFees"` // signed; payments received are positive
	GrossProfit    float64   `json:"grossProfit"`
	NetProfit      float64   `json:"netProfit"`
	AllocationPct  float64   `json:"allocationPct,omitempty"` // net profit / allocated balance * 100
	ComputedAt     time.Time `json:"computedAt"`
}

// SettlementPriceSource resolves the settlement-asset price of another
// asset as observed near a point in time. Fee normalisation depends on
// it; ErrPriceUnavailable defers accounting instead of writing estimates.
// Record stores an observation obtained elsewhere (the live feed, a
// venue backfill) so later lookups hit the cache.
type SettlementPriceSource interface {
	PriceAt(ctx context.Context, symbol string, at time.Time) (float64, error)
	Record(ctx context.Context, symbol string, price float64, at time.Time) error
}
