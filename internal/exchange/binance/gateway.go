// Package binance adapts the Binance USD-M futures API to the engine's
// gateway contract. Expected venue rejections (insufficient margin,
// below-minimum orders) come back as typed business results, never as
// Go errors; revoked credentials surface as a systemic error.
package binance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"

	"github.com/openfolio/posengine/internal/domain"
)

const (
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"

	// filtersTTL bounds how long cached exchange-info filters are
	// served before a refresh.
	filtersTTL = time.Hour
)

// Config holds the Binance gateway settings.
type Config struct {
	APIKey     string
	SecretKey  string
	UseTestnet bool
}

// Gateway implements domain.ExchangeGateway against Binance futures.
type Gateway struct {
	client *futures.Client
	logger *slog.Logger

	mu        sync.Mutex
	filters   map[string]domain.SymbolFilters
	filtersAt time.Time
}

var _ domain.ExchangeGateway = (*Gateway)(nil)

// New creates the gateway.
func New(cfg Config, logger *slog.Logger) *Gateway {
	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
	} else {
		client.BaseURL = baseURLProduction
	}
	return &Gateway{
		client:  client,
		logger:  logger.With(slog.String("component", "binance")),
		filters: make(map[string]domain.SymbolFilters),
	}
}

// PlaceOrder sends one order. A venue rejection that is an expected
// business outcome is returned inside the result; transport and
// credential failures are returned as errors.
func (g *Gateway) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	svc := g.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(toSide(req.Side)).
		NewClientOrderID(req.ClientOrderID)

	switch req.Type {
	case domain.OrderTypeLimit:
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(formatFloat(req.Price)).
			Quantity(formatFloat(req.Quantity))
	case domain.OrderTypeMarket:
		svc = svc.Type(futures.OrderTypeMarket).
			Quantity(formatFloat(req.Quantity))
	case domain.OrderTypeStopMarket:
		svc = svc.Type(futures.OrderTypeStopMarket).
			StopPrice(formatFloat(req.StopPrice))
		if req.ClosePosition {
			svc = svc.ClosePosition(true)
		} else {
			svc = svc.Quantity(formatFloat(req.Quantity))
		}
	default:
		return domain.OrderResult{}, fmt.Errorf("binance: unsupported order type %q", req.Type)
	}

	if req.ReduceOnly && !req.ClosePosition {
		svc = svc.ReduceOnly(true)
	}

	order, err := svc.Do(ctx)
	if err != nil {
		if berr := businessError(err); berr != nil {
			g.logger.WarnContext(ctx, "order rejected by venue",
				slog.String("symbol", req.Symbol),
				slog.String("client_order_id", req.ClientOrderID),
				slog.String("code", berr.Code),
				slog.String("message", berr.Message))
			return domain.OrderResult{
				ClientOrderID: req.ClientOrderID,
				Status:        domain.OrderStatusError,
				Business:      berr,
			}, nil
		}
		return domain.OrderResult{}, g.wrapErr("place order", err)
	}

	return domain.OrderResult{
		OrderID:       strconv.FormatInt(order.OrderID, 10),
		ClientOrderID: order.ClientOrderID,
		Status:        toStatus(order.Status),
	}, nil
}

// CancelOrder cancels one order. An order already gone (filled or
// cancelled) is a success: the desired end state holds.
func (g *Gateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("binance: invalid order id %q: %w", orderID, err)
	}

	_, err = g.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && (apiErr.Code == -2011 || apiErr.Code == -2013) {
			g.logger.InfoContext(ctx, "cancel skipped, order already gone",
				slog.String("symbol", symbol),
				slog.String("order_id", orderID))
			return nil
		}
		return g.wrapErr("cancel order", err)
	}
	return nil
}

// MarkPrice returns the current mark price for a symbol.
func (g *Gateway) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	tickers, err := g.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, g.wrapErr("mark price", err)
	}
	if len(tickers) == 0 {
		return 0, fmt.Errorf("binance: no mark price for %s", symbol)
	}
	price, err := strconv.ParseFloat(tickers[0].MarkPrice, 64)
	if err != nil {
		return 0, fmt.Errorf("binance: parse mark price %q: %w", tickers[0].MarkPrice, err)
	}
	return price, nil
}

// SymbolFilters returns the venue minimums and steps for a symbol. The
// full exchange info is fetched once and cached.
func (g *Gateway) SymbolFilters(ctx context.Context, symbol string) (domain.SymbolFilters, error) {
	g.mu.Lock()
	fresh := time.Since(g.filtersAt) < filtersTTL
	f, ok := g.filters[symbol]
	g.mu.Unlock()
	if ok && fresh {
		return f, nil
	}

	info, err := g.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return domain.SymbolFilters{}, g.wrapErr("exchange info", err)
	}

	filters := make(map[string]domain.SymbolFilters, len(info.Symbols))
	for _, s := range info.Symbols {
		var sf domain.SymbolFilters
		if lot := s.LotSizeFilter(); lot != nil {
			sf.MinQuantity = parseFloat(lot.MinQuantity)
			sf.QuantityStep = parseFloat(lot.StepSize)
		}
		if pf := s.PriceFilter(); pf != nil {
			sf.PriceStep = parseFloat(pf.TickSize)
		}
		if mn := s.MinNotionalFilter(); mn != nil {
			sf.MinNotional = parseFloat(mn.Notional)
		}
		filters[s.Symbol] = sf
	}

	g.mu.Lock()
	g.filters = filters
	g.filtersAt = time.Now()
	f, ok = g.filters[symbol]
	g.mu.Unlock()

	if !ok {
		return domain.SymbolFilters{}, fmt.Errorf("binance: unknown symbol %s", symbol)
	}
	return f, nil
}

// LiquidationPrice returns the venue's liquidation price for the open
// position on a symbol, or 0 when no position is open.
func (g *Gateway) LiquidationPrice(ctx context.Context, symbol string) (float64, error) {
	positions, err := g.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, g.wrapErr("position risk", err)
	}
	for _, p := range positions {
		if parseFloat(p.PositionAmt) == 0 {
			continue
		}
		return parseFloat(p.LiquidationPrice), nil
	}
	return 0, nil
}

// HistoricalPrice returns the close of the one-minute kline nearest to
// at. The accounting engine uses it to backfill settlement-price
// observations the live feed never saw (rebate assets the account does
// not itself trade).
func (g *Gateway) HistoricalPrice(ctx context.Context, symbol string, at time.Time) (float64, error) {
	klines, err := g.client.NewKlinesService().
		Symbol(symbol).
		Interval("1m").
		StartTime(at.Add(-time.Minute).UnixMilli()).
		EndTime(at.Add(time.Minute).UnixMilli()).
		Limit(3).
		Do(ctx)
	if err != nil {
		return 0, g.wrapErr("klines", err)
	}
	if len(klines) == 0 {
		return 0, domain.ErrPriceUnavailable
	}

	ms := at.UnixMilli()
	best := klines[0]
	for _, k := range klines[1:] {
		if absInt64(k.OpenTime-ms) < absInt64(best.OpenTime-ms) {
			best = k
		}
	}
	price := parseFloat(best.Close)
	if price <= 0 {
		return 0, domain.ErrPriceUnavailable
	}
	return price, nil
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// OrderTrades returns the authoritative per-trade fills of one order.
// The futures trade list is not addressable by order id, so recent
// account trades on the symbol are filtered client-side.
func (g *Gateway) OrderTrades(ctx context.Context, symbol, orderID string) ([]domain.Trade, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("binance: invalid order id %q: %w", orderID, err)
	}

	raw, err := g.client.NewListAccountTradeService().Symbol(symbol).Limit(1000).Do(ctx)
	if err != nil {
		return nil, g.wrapErr("account trades", err)
	}

	var out []domain.Trade
	for _, t := range raw {
		if t.OrderID != id {
			continue
		}
		out = append(out, domain.Trade{
			TradeID:  strconv.FormatInt(t.ID, 10),
			OrderID:  orderID,
			Price:    parseFloat(t.Price),
			Quantity: parseFloat(t.Quantity),
			Fee:      parseFloat(t.Commission),
			FeeAsset: t.CommissionAsset,
			IsBuyer:  t.Buyer,
			IsMaker:  t.Maker,
			Time:     time.UnixMilli(t.Time).UTC(),
		})
	}
	return out, nil
}

// FundingPayments lists funding transfers on the symbol in [from, to].
func (g *Gateway) FundingPayments(ctx context.Context, symbol string, from, to time.Time) ([]domain.FundingPayment, error) {
	raw, err := g.client.NewGetIncomeHistoryService().
		Symbol(symbol).
		IncomeType("FUNDING_FEE").
		StartTime(from.UnixMilli()).
		EndTime(to.UnixMilli()).
		Limit(1000).
		Do(ctx)
	if err != nil {
		return nil, g.wrapErr("income history", err)
	}

	out := make([]domain.FundingPayment, 0, len(raw))
	for _, inc := range raw {
		out = append(out, domain.FundingPayment{
			Amount: parseFloat(inc.Income),
			Asset:  inc.Asset,
			Time:   time.UnixMilli(inc.Time).UTC(),
		})
	}
	return out, nil
}

// ListenKey starts (or refreshes) the user-data stream session and
// returns its key.
func (g *Gateway) ListenKey(ctx context.Context) (string, error) {
	key, err := g.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return "", g.wrapErr("start user stream", err)
	}
	return key, nil
}

// KeepAliveListenKey extends the user-data stream session.
func (g *Gateway) KeepAliveListenKey(ctx context.Context, key string) error {
	if err := g.client.NewKeepaliveUserStreamService().ListenKey(key).Do(ctx); err != nil {
		return g.wrapErr("keepalive user stream", err)
	}
	return nil
}

// wrapErr classifies transport failures. Credential rejections are
// joined with the systemic sentinel so the worker loops back off
// instead of burning retries.
func (g *Gateway) wrapErr(op string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1022, -2014, -2015:
			return fmt.Errorf("binance: %s: %w", op, errors.Join(domain.ErrUnauthorized, err))
		}
	}
	return fmt.Errorf("binance: %s: %w", op, err)
}

// businessError maps expected venue rejections onto typed business
// results. Anything unmapped stays a transport error.
func businessError(err error) *domain.BusinessError {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return nil
	}
	switch apiErr.Code {
	case -2019, -3005, -3041, -4047:
		return &domain.BusinessError{Code: domain.BusinessInsufficientBalance, Message: apiErr.Message}
	case -4003, -1013:
		return &domain.BusinessError{Code: domain.BusinessBelowMinQuantity, Message: apiErr.Message}
	case -4164:
		return &domain.BusinessError{Code: domain.BusinessBelowMinNotional, Message: apiErr.Message}
	case -1111, -4014:
		return &domain.BusinessError{Code: domain.BusinessInvalidPrice, Message: apiErr.Message}
	case -2022:
		// ReduceOnly rejected: the venue position is smaller than the
		// order, i.e. the contract was reduced out from under us.
		return &domain.BusinessError{Code: domain.BusinessContractReduced, Message: apiErr.Message}
	}
	return nil
}

func toSide(side domain.OrderSide) futures.SideType {
	if side == domain.OrderSideBuy {
		return futures.SideTypeBuy
	}
	return futures.SideTypeSell
}

func toStatus(status futures.OrderStatusType) domain.OrderStatus {
	switch status {
	case futures.OrderStatusTypeNew:
		return domain.OrderStatusPlaced
	case futures.OrderStatusTypePartiallyFilled:
		return domain.OrderStatusPartiallyFilled
	case futures.OrderStatusTypeFilled:
		return domain.OrderStatusFilled
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired:
		return domain.OrderStatusCancelled
	default:
		return domain.OrderStatusError
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
