// Package feed consumes the exchange user-data stream and converts raw
// execution reports into the engine's stable event shape. The feed only
// ever enqueues hints; all state changes happen in the workers under a
// lock.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openfolio/posengine/internal/domain"
)

const (
	wsBaseProduction = "wss://fstream.binance.com/ws/"
	wsBaseTestnet    = "wss://stream.binancefuture.com/ws/"

	// listen keys expire after 60 minutes without a keepalive.
	keepAliveInterval = 25 * time.Minute
	reconnectDelay    = 2 * time.Second
	readTimeout       = 3 * time.Minute
)

// StreamSession manages the exchange-side user-data stream session.
type StreamSession interface {
	ListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, key string) error
}

// PriceRecorder observes traded prices for later settlement-price
// lookups.
type PriceRecorder interface {
	Record(ctx context.Context, symbol string, price float64, at time.Time) error
}

// UserStream connects to the Binance futures user-data stream and
// pushes every order execution onto the stream queue. It reconnects
// with backoff on disconnect.
type UserStream struct {
	session StreamSession
	queue   domain.Queue
	prices  PriceRecorder
	wsBase  string
	logger  *slog.Logger
}

// NewUserStream creates the feed. prices may be nil.
func NewUserStream(session StreamSession, queue domain.Queue, prices PriceRecorder, useTestnet bool, logger *slog.Logger) *UserStream {
	base := wsBaseProduction
	if useTestnet {
		base = wsBaseTestnet
	}
	return &UserStream{
		session: session,
		queue:   queue,
		prices:  prices,
		wsBase:  base,
		logger:  logger.With(slog.String("component", "user_stream")),
	}
}

// Run connects and consumes until ctx is cancelled, reconnecting with
// backoff on any disconnect.
func (u *UserStream) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := u.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		u.logger.Warn("user stream disconnected, reconnecting", slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (u *UserStream) runConnection(ctx context.Context) error {
	key, err := u.session.ListenKey(ctx)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.wsBase+key, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	u.logger.InfoContext(ctx, "user stream connected")

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go u.keepAlive(connCtx, key)
	go func() {
		// Unblocks ReadMessage on shutdown.
		<-connCtx.Done()
		conn.Close()
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return err
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		u.handleMessage(ctx, payload)
	}
}

func (u *UserStream) keepAlive(ctx context.Context, key string) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := u.session.KeepAliveListenKey(ctx, key); err != nil {
				u.logger.ErrorContext(ctx, "listen key keepalive failed", slog.String("error", err.Error()))
			}
		}
	}
}

// orderTradeUpdate is the raw ORDER_TRADE_UPDATE payload, single-letter
// keys as sent by the venue.
type orderTradeUpdate struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		Side          string `json:"S"`
		Status        string `json:"X"`
		OrderID       int64  `json:"i"`
		LastFilledQty string `json:"l"`
		CumFilledQty  string `json:"z"`
		LastPrice     string `json:"L"`
		AvgPrice      string `json:"ap"`
		Fee           string `json:"n"`
		FeeAsset      string `json:"N"`
		TradeTime     int64  `json:"T"`
		TradeID       int64  `json:"t"`
		IsMaker       bool   `json:"m"`
	} `json:"o"`
}

func (u *UserStream) handleMessage(ctx context.Context, payload []byte) {
	var raw orderTradeUpdate
	if err := json.Unmarshal(payload, &raw); err != nil {
		u.logger.WarnContext(ctx, "unparseable stream message dropped", slog.String("error", err.Error()))
		return
	}
	if raw.EventType != "ORDER_TRADE_UPDATE" {
		return
	}

	o := raw.Order
	ev := domain.ExecutionEvent{
		EventType:     raw.EventType,
		OrderID:       strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          toOrderSide(o.Side),
		Status:        o.Status,
		CumFilledQty:  parseFloat(o.CumFilledQty),
		AvgFillPrice:  parseFloat(o.AvgPrice),
		LastFilledQty: parseFloat(o.LastFilledQty),
		FeeAmount:     parseFloat(o.Fee),
		FeeAsset:      o.FeeAsset,
		IsMaker:       o.IsMaker,
		Time:          time.UnixMilli(o.TradeTime).UTC(),
	}
	if o.TradeID > 0 {
		ev.TradeID = strconv.FormatInt(o.TradeID, 10)
	}

	body, err := json.Marshal(ev)
	if err != nil {
		u.logger.ErrorContext(ctx, "marshal execution event", slog.String("error", err.Error()))
		return
	}

	if err := u.queue.Enqueue(ctx, domain.QueueStream,
		domain.Message{Payload: body}, ev.Time, true); err != nil {
		u.logger.ErrorContext(ctx, "enqueue execution event failed",
			slog.String("order_id", ev.OrderID),
			slog.String("error", err.Error()))
		return
	}

	// Fill prices double as settlement-price observations for the
	// accounting engine's fee conversion.
	if u.prices != nil && ev.LastFilledQty > 0 {
		price := parseFloat(o.LastPrice)
		if price > 0 {
			if err := u.prices.Record(ctx, ev.Symbol, price, ev.Time); err != nil {
				u.logger.WarnContext(ctx, "price record failed",
					slog.String("symbol", ev.Symbol),
					slog.String("error", err.Error()))
			}
		}
	}

	u.logger.DebugContext(ctx, "execution event queued",
		slog.String("order_id", ev.OrderID),
		slog.String("symbol", ev.Symbol),
		slog.String("status", ev.Status))
}

func toOrderSide(s string) domain.OrderSide {
	if s == "BUY" {
		return domain.OrderSideBuy
	}
	return domain.OrderSideSell
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
