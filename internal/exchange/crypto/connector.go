package crypto

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"tradingbot/internal/core"
	"tradingbot/internal/exchange"
)

var _ exchange.Connector = (*Connector)(nil)

// Connector adapts a natively context-aware unified Exchange. Calls run on the
// caller's goroutine; no worker pool is involved.
type Connector struct {
	exchangeID string
	opts       Options
	registry   Registry
	log        *slog.Logger

	mu      sync.RWMutex
	ex      Exchange
	markets map[string]MarketInfo
}

func NewConnector(exchangeID string, opts Options, registry Registry) *Connector {
	return &Connector{
		exchangeID: strings.ToLower(strings.TrimSpace(exchangeID)),
		opts:       opts,
		registry:   registry,
		log:        slog.Default().With("venue", exchange.Crypto),
	}
}

func (c *Connector) Name() string { return exchange.Crypto }

// ExchangeID returns the configured unified exchange id.
func (c *Connector) ExchangeID() string { return c.exchangeID }

// Initialize opens a fresh exchange session. Calling it again replaces the
// current session and closes the old one.
func (c *Connector) Initialize(ctx context.Context) error {
	factory, ok := c.registry[c.exchangeID]
	if !ok {
		return core.NewConnectorError(c.Name(), "unknown exchange: "+c.exchangeID, nil)
	}
	ex, err := factory(c.opts)
	if err != nil {
		return core.NewConnectorError(c.Name(), "failed to create exchange "+c.exchangeID, err)
	}
	markets, err := ex.LoadMarkets(ctx)
	if err != nil {
		_ = ex.Close()
		return core.NewConnectorError(c.Name(), "failed to load markets", err)
	}
	c.mu.Lock()
	prev := c.ex
	c.ex = ex
	c.markets = markets
	c.mu.Unlock()
	if prev != nil && prev != ex {
		if err := prev.Close(); err != nil {
			c.log.Warn("previous session close failed", "event", "connector_close_failed", "exchange", c.exchangeID, "err", err)
		}
	}
	c.log.Info("connector initialized", "event", "connector_initialized", "exchange", c.exchangeID, "testnet", c.opts.Sandbox, "markets", len(markets))
	return nil
}

func (c *Connector) session() (Exchange, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ex == nil {
		return nil, core.NewConnectorError(c.Name(), "connector not initialized, call Initialize first", core.ErrNotInitialized)
	}
	return c.ex, nil
}

func (c *Connector) GetBalance(ctx context.Context) ([]core.Balance, error) {
	ex, err := c.session()
	if err != nil {
		return nil, err
	}
	sheet, err := ex.FetchBalance(ctx)
	if err != nil {
		return nil, core.NewConnectorError(c.Name(), "failed to fetch balance", err)
	}
	return mapBalances(sheet), nil
}

// GetPositions returns an empty list for exchanges without a position concept.
func (c *Connector) GetPositions(ctx context.Context) ([]core.Position, error) {
	ex, err := c.session()
	if err != nil {
		return nil, err
	}
	positions, err := ex.FetchPositions(ctx)
	if errors.Is(err, ErrNotSupported) {
		return []core.Position{}, nil
	}
	if err != nil {
		return nil, core.NewConnectorError(c.Name(), "failed to fetch positions", err)
	}
	return mapPositions(c.Name(), positions), nil
}

// GetMarkets serves the markets loaded during Initialize.
func (c *Connector) GetMarkets(ctx context.Context) ([]core.Market, error) {
	if _, err := c.session(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return mapMarkets(c.markets), nil
}

func (c *Connector) GetTicker(ctx context.Context, symbol string) (core.Ticker, error) {
	ex, err := c.session()
	if err != nil {
		return core.Ticker{}, err
	}
	t, err := ex.FetchTicker(ctx, symbol)
	if err != nil {
		return core.Ticker{}, core.NewConnectorError(c.Name(), "failed to fetch ticker for "+symbol, err)
	}
	return mapTicker(symbol, t), nil
}

func (c *Connector) GetOrderBook(ctx context.Context, symbol string) (core.OrderBook, error) {
	ex, err := c.session()
	if err != nil {
		return core.OrderBook{}, err
	}
	book, err := ex.FetchOrderBook(ctx, symbol)
	if err != nil {
		return core.OrderBook{}, core.NewConnectorError(c.Name(), "failed to fetch order book for "+symbol, err)
	}
	return mapBook(symbol, book), nil
}

func (c *Connector) PlaceOrder(ctx context.Context, req core.OrderRequest) (core.Order, error) {
	if err := core.ValidateOrderRequest(req); err != nil {
		return core.Order{}, err
	}
	ex, err := c.session()
	if err != nil {
		return core.Order{}, err
	}
	price := req.Price
	if req.Type == core.MarketOrder {
		price = nil
	}
	res, err := ex.CreateOrder(ctx, req.Symbol, string(req.Type), string(req.Side), req.Quantity, price)
	if err != nil {
		return core.Order{}, core.NewOrderError(fmt.Sprintf("failed to place order on %s", c.Name()), "", err)
	}
	return MapOrder(c.Name(), res), nil
}

func (c *Connector) CancelOrder(ctx context.Context, orderID, symbol string) (bool, error) {
	ex, err := c.session()
	if err != nil {
		return false, err
	}
	if _, err := ex.CancelOrder(ctx, orderID, symbol); err != nil {
		return false, core.NewOrderError("failed to cancel order", orderID, err)
	}
	return true, nil
}

func (c *Connector) GetOrder(ctx context.Context, orderID, symbol string) (core.Order, error) {
	ex, err := c.session()
	if err != nil {
		return core.Order{}, err
	}
	res, err := ex.FetchOrder(ctx, orderID, symbol)
	if err != nil {
		return core.Order{}, core.NewOrderError("failed to fetch order", orderID, err)
	}
	return MapOrder(c.Name(), res), nil
}

func (c *Connector) GetOrderHistory(ctx context.Context, symbol string) ([]core.Order, error) {
	ex, err := c.session()
	if err != nil {
		return nil, err
	}
	res, err := ex.FetchOrders(ctx, symbol)
	if err != nil {
		return nil, core.NewConnectorError(c.Name(), "failed to fetch order history", err)
	}
	orders := make([]core.Order, 0, len(res))
	for _, o := range res {
		orders = append(orders, MapOrder(c.Name(), o))
	}
	return orders, nil
}

func (c *Connector) Close(ctx context.Context) error {
	c.mu.Lock()
	ex := c.ex
	c.ex = nil
	c.markets = nil
	c.mu.Unlock()
	if ex == nil {
		return nil
	}
	c.log.Info("connector closed", "event", "connector_closed")
	return ex.Close()
}
