package domain

import (
	"context"
	"time"
)

// SymbolFilters are the venue's minimums and step sizes for one symbol.
// Orders are validated against them before being sent.
type SymbolFilters struct {
	MinQuantity  float64
	MinNotional  float64
	PriceStep    float64
	QuantityStep float64
}

// ExchangeGateway is the thin venue collaborator. The engine depends
// only on synchronous call contracts; all session state is carried by
// the gateway value itself, never ambient.
type ExchangeGateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error

	MarkPrice(ctx context.Context, symbol string) (float64, error)
	SymbolFilters(ctx context.Context, symbol string) (SymbolFilters, error)
	LiquidationPrice(ctx context.Context, symbol string) (float64, error)

	// HistoricalPrice returns the traded price of symbol nearest to at.
	// It backfills settlement-price lookups the live feed never
	// observed; ErrPriceUnavailable when the venue has no data there.
	HistoricalPrice(ctx context.Context, symbol string, at time.Time) (float64, error)

	// OrderTrades returns the venue's authoritative per-trade fills
	// for an order, when available. An empty slice is not an error;
	// the reconciler then synthesises a temporary trade from the
	// aggregate fill.
	OrderTrades(ctx context.Context, symbol, orderID string) ([]Trade, error)

	// FundingPayments lists funding transfers on the symbol between
	// from and to, for derivatives accounting.
	FundingPayments(ctx context.Context, symbol string, from, to time.Time) ([]FundingPayment, error)
}
