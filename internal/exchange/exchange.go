package exchange

import (
	"context"

	"tradingbot/internal/core"
)

// Connector is the uniform capability set every venue adapter implements.
// Initialize must succeed before any other call; other calls fail with a
// ConnectorError wrapping core.ErrNotInitialized until it does. Close is
// idempotent and safe without a prior Initialize.
type Connector interface {
	Name() string
	Initialize(ctx context.Context) error
	GetBalance(ctx context.Context) ([]core.Balance, error)
	GetPositions(ctx context.Context) ([]core.Position, error)
	GetMarkets(ctx context.Context) ([]core.Market, error)
	GetTicker(ctx context.Context, symbol string) (core.Ticker, error)
	GetOrderBook(ctx context.Context, symbol string) (core.OrderBook, error)
	PlaceOrder(ctx context.Context, req core.OrderRequest) (core.Order, error)
	// CancelOrder returns true only on confirmed cancellation. symbol may be
	// empty for venues with globally addressable order ids.
	CancelOrder(ctx context.Context, orderID, symbol string) (bool, error)
	GetOrder(ctx context.Context, orderID, symbol string) (core.Order, error)
	GetOrderHistory(ctx context.Context, symbol string) ([]core.Order, error)
	Close(ctx context.Context) error
}

// Names of the built-in connectors.
const (
	Crypto     = "crypto"
	Alpaca     = "alpaca"
	Polymarket = "polymarket"
)

// Known reports whether name is a built-in connector.
func Known(name string) bool {
	switch name {
	case Crypto, Alpaca, Polymarket:
		return true
	}
	return false
}
