package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type OrderType string

type OrderStatus string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

const (
	MarketOrder OrderType = "market"
	LimitOrder  OrderType = "limit"
)

const (
	OrderPending         OrderStatus = "pending"
	OrderOpen            OrderStatus = "open"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCancelled       OrderStatus = "cancelled"
	OrderRejected        OrderStatus = "rejected"
	OrderExpired         OrderStatus = "expired"
)

// DefaultPrecision is the amount precision assumed when a venue does not report one.
const DefaultPrecision = 8

func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

func (t OrderType) Valid() bool {
	return t == MarketOrder || t == LimitOrder
}

// Terminal reports whether no further transition is expected for the status.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

type Balance struct {
	Currency string          `json:"currency"`
	Free     decimal.Decimal `json:"free"`
	Used     decimal.Decimal `json:"used"`
	Total    decimal.Decimal `json:"total"`
}

// Position is rebuilt from the venue on every query. Quantity is never
// negative; Side carries the direction (Buy long, Sell short).
type Position struct {
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Side          Side            `json:"side"`
	Connector     string          `json:"connector_name"`
}

// Order is a snapshot of venue state. OrderID is unique per venue only.
// Raw carries the venue payload for debugging and is never interpreted.
type Order struct {
	OrderID        string           `json:"order_id"`
	Symbol         string           `json:"symbol"`
	Side           Side             `json:"side"`
	Type           OrderType        `json:"type"`
	Quantity       decimal.Decimal  `json:"quantity"`
	Price          *decimal.Decimal `json:"price"`
	FilledQuantity decimal.Decimal  `json:"filled_quantity"`
	Status         OrderStatus      `json:"status"`
	Connector      string           `json:"connector_name"`
	CreatedAt      time.Time        `json:"created_at"`
	Raw            map[string]any   `json:"raw_data,omitempty"`
}

// OrderRequest is the venue-neutral order shape accepted by every connector.
type OrderRequest struct {
	Symbol   string
	Side     Side
	Type     OrderType
	Quantity decimal.Decimal
	Price    *decimal.Decimal
}

type Market struct {
	Symbol        string          `json:"symbol"`
	BaseCurrency  string          `json:"base_currency"`
	QuoteCurrency string          `json:"quote_currency"`
	MinOrderSize  decimal.Decimal `json:"min_order_size"`
	Precision     int             `json:"precision"`
	Active        bool            `json:"active"`
}

type Ticker struct {
	Symbol    string           `json:"symbol"`
	Bid       *decimal.Decimal `json:"bid"`
	Ask       *decimal.Decimal `json:"ask"`
	Last      *decimal.Decimal `json:"last"`
	Volume24h *decimal.Decimal `json:"volume_24h"`
	Timestamp time.Time        `json:"timestamp"`
}

type OrderBookEntry struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBook levels keep the venue's order; the core does not re-sort them.
type OrderBook struct {
	Symbol    string           `json:"symbol"`
	Bids      []OrderBookEntry `json:"bids"`
	Asks      []OrderBookEntry `json:"asks"`
	Timestamp time.Time        `json:"timestamp"`
}

// DecimalPtr returns a pointer to a copy of d.
func DecimalPtr(d decimal.Decimal) *decimal.Decimal {
	return &d
}
