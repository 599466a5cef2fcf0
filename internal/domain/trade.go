package domain

import "time"

// Trade is one executed fill, the source of truth for accounting. Trades
// are append-only and deduplicated by (TradeID, OrderID). A Temporary
// trade was synthesised from an aggregate fill report and may later be
// replaced by the venue's authoritative per-trade records.
type Trade struct {
	TradeID   string    `json:"tradeId"`
	OrderID   string    `json:"orderId"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Fee       float64   `json:"fee"`
	FeeAsset  string    `json:"feeAsset"`
	IsBuyer   bool      `json:"isBuyer"`
	IsMaker   bool      `json:"isMaker"`
	Temporary bool      `json:"temporary,omitempty"`
	Time      time.Time `json:"time"`
}

// WeightedAveragePrice returns the quantity-weighted average price of the
// given trades and their total quantity. The result is invariant to the
// order trades are supplied in.
func WeightedAveragePrice(trades []Trade) (avg, total float64) {
	var notional float64
	for _, t := range trades {
		notional += t.Price * t.Quantity
		total += t.Quantity
	}
	if total == 0 {
		return 0, 0
	}
	return notional / total, total
}

// DedupeTrades removes duplicate (TradeID, OrderID) pairs, keeping the
// first occurrence. Duplicates appear when reconciliation of the same
// fill is retried.
func DedupeTrades(trades []Trade) []Trade {
	seen := make(map[[2]string]bool, len(trades))
	out := make([]Trade, 0, len(trades))
	for _, t := range trades {
		key := [2]string{t.TradeID, t.OrderID}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}

// ExecutionEvent is the stable execution/fill shape pushed by the
// exchange user-data stream. Consumers treat it as a hint: position state
// is always re-validated under a hard lock before acting.
type ExecutionEvent struct {
	EventType     string    `json:"eventType"`
	OrderID       string    `json:"orderId"`
	ClientOrderID string    `json:"clientOrderId,omitempty"`
	TradeID       string    `json:"tradeId,omitempty"`
	Symbol        string    `json:"symbol"`
	Side          OrderSide `json:"side"`
	Status        string    `json:"status"`
	CumFilledQty  float64   `json:"cumulativeFilledQty"`
	AvgFillPrice  float64   `json:"avgFillPrice"`
	LastFilledQty float64   `json:"lastFilledQty,omitempty"`
	FeeAmount     float64   `json:"feeAmount"`
	FeeAsset      string    `json:"feeAsset"`
	IsMaker       bool      `json:"isMaker"`
	Time          time.Time `json:"time"`
}

// Filled reports whether the event marks the order completely filled.
func (e ExecutionEvent) Filled() bool {
	return e.Status == "FILLED" || e.Status == "filled"
}

// FundingPayment is one venue-reported funding transfer on a perpetual
// contract.
type FundingPayment struct {
	Amount float64   `json:"amount"`
	Asset  string    `json:"asset"`
	Time   time.Time `json:"time"`
}
