package crypto

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrNotSupported is returned by an Exchange for capabilities it lacks, such
// as positions on a spot venue.
var ErrNotSupported = errors.New("not supported by exchange")

// Unified order status strings, as reported by ccxt-style exchanges.
const (
	StatusOpen     = "open"
	StatusClosed   = "closed"
	StatusCanceled = "canceled"
	StatusExpired  = "expired"
	StatusRejected = "rejected"
)

// Exchange is the ccxt-style unified API a crypto venue exposes. Symbols use
// the unified BASE/QUOTE form.
type Exchange interface {
	ID() string
	LoadMarkets(ctx context.Context) (map[string]MarketInfo, error)
	FetchBalance(ctx context.Context) (BalanceSheet, error)
	FetchPositions(ctx context.Context) ([]PositionInfo, error)
	FetchTicker(ctx context.Context, symbol string) (TickerInfo, error)
	FetchOrderBook(ctx context.Context, symbol string) (BookInfo, error)
	CreateOrder(ctx context.Context, symbol, typ, side string, amount decimal.Decimal, price *decimal.Decimal) (OrderInfo, error)
	CancelOrder(ctx context.Context, id, symbol string) (OrderInfo, error)
	FetchOrder(ctx context.Context, id, symbol string) (OrderInfo, error)
	FetchOrders(ctx context.Context, symbol string) ([]OrderInfo, error)
	Close() error
}

// Options configure an Exchange at construction.
type Options struct {
	APIKey         string
	APISecret      string
	Sandbox        bool
	RestBaseURL    string
	RecvWindowMs   int64
	HTTPTimeoutSec int64
}

// Factory builds an Exchange for one exchange id.
type Factory func(opts Options) (Exchange, error)

// Registry maps exchange ids to factories.
type Registry map[string]Factory

type MarketInfo struct {
	Symbol    string
	Base      string
	Quote     string
	MinAmount decimal.Decimal
	// AmountPrecision is in decimal places; zero means unknown.
	AmountPrecision int
	Active          bool
}

type BalanceSheet struct {
	Free  map[string]decimal.Decimal
	Used  map[string]decimal.Decimal
	Total map[string]decimal.Decimal
}

type PositionInfo struct {
	Symbol        string
	Side          string
	Contracts     decimal.Decimal
	EntryPrice    decimal.Decimal
	MarkPrice     decimal.Decimal
	UnrealizedPnl decimal.Decimal
}

type TickerInfo struct {
	Symbol      string
	Bid         *decimal.Decimal
	Ask         *decimal.Decimal
	Last        *decimal.Decimal
	QuoteVolume *decimal.Decimal
	Timestamp   int64
}

type BookInfo struct {
	Symbol    string
	Bids      [][2]decimal.Decimal
	Asks      [][2]decimal.Decimal
	Timestamp int64
}

type OrderInfo struct {
	ID        string
	ClientID  string
	Symbol    string
	Type      string
	Side      string
	Status    string
	Amount    decimal.Decimal
	Filled    decimal.Decimal
	Price     *decimal.Decimal
	Timestamp int64
	Info      map[string]any
}
