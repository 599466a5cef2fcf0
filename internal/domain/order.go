package domain

import "time"

// OrderRole declares why an order exists within a position's lifecycle.
// The reconciler dispatches fill handling on this role.
type OrderRole string

const (
	RoleEntry      OrderRole = "entry"
	RoleExit       OrderRole = "exit"
	RoleStop       OrderRole = "stop"
	RoleTakeProfit OrderRole = "takeProfit"
	RoleRebuy      OrderRole = "reBuy"
	RoleReduce     OrderRole = "reduce"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType indicates the venue order type.
type OrderType string

const (
	OrderTypeLimit      OrderType = "limit"
	OrderTypeMarket     OrderType = "market"
	OrderTypeStopMarket OrderType = "stop_market"
)

// OrderStatus tracks the venue-side order lifecycle.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusPlaced          OrderStatus = "placed"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusError           OrderStatus = "error"
)

// ClientOrderPrefix tags every order this engine sends. The reconciler
// uses it to recognise fill events that belong to us even before the
// position write is visible.
const ClientOrderPrefix = "pe-"

// Order is one entry in a position's append-only order map, keyed by the
// exchange order id. An order flips Done exactly once; everything after
// that is an idempotent no-op.
type Order struct {
	ID            string      `json:"id"`
	ClientOrderID string      `json:"clientOrderId"`
	Role          OrderRole   `json:"role"`
	Side          OrderSide   `json:"side"`
	Type          OrderType   `json:"type"`
	Status        OrderStatus `json:"status"`
	Price         float64     `json:"price"`
	Amount        float64     `json:"amount"`
	Cost          float64     `json:"cost"`
	Filled        float64     `json:"filled"`
	Done          bool        `json:"done"`
	TargetID      int         `json:"targetId,omitempty"`
	Error         string      `json:"error,omitempty"`
	PlacedAt      time.Time   `json:"placedAt"`
	DoneAt        *time.Time  `json:"doneAt,omitempty"`
}

// OrderRequest is the gateway order-placement contract.
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Price         float64
	StopPrice     float64
	Quantity      float64
	ReduceOnly    bool
	ClosePosition bool
	ClientOrderID string
}

// OrderResult is the synchronous outcome of an order placement. Business
// carries an expected venue rejection (below minimum, insufficient
// balance); true transport faults are returned as errors alongside.
type OrderResult struct {
	OrderID       string
	ClientOrderID string
	Status        OrderStatus
	Business      *BusinessError
}
