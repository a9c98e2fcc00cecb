package alpaca

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradingbot/internal/core"
	"tradingbot/internal/exchange"
	"tradingbot/internal/workerpool"
)

var _ exchange.Connector = (*Connector)(nil)

var statusMap = map[string]core.OrderStatus{
	"new":              core.OrderOpen,
	"accepted":         core.OrderOpen,
	"pending_new":      core.OrderPending,
	"partially_filled": core.OrderPartiallyFilled,
	"filled":           core.OrderFilled,
	"done_for_day":     core.OrderFilled,
	"canceled":         core.OrderCancelled,
	"expired":          core.OrderExpired,
	"rejected":         core.OrderRejected,
	"replaced":         core.OrderCancelled,
}

// MapStatus maps a brokerage order status; unknown statuses are treated as open.
func MapStatus(status string) core.OrderStatus {
	if mapped, ok := statusMap[strings.ToLower(strings.TrimSpace(status))]; ok {
		return mapped
	}
	return core.OrderOpen
}

// Connector wraps a synchronous TradingClient. Every client call is
// dispatched to the shared worker pool and awaited.
type Connector struct {
	opts   Options
	pool   *workerpool.Pool
	dial   func(Options) (TradingClient, error)
	log    *slog.Logger
	mu     sync.RWMutex
	client TradingClient
}

// NewConnector builds a connector backed by the REST client.
func NewConnector(opts Options, pool *workerpool.Pool) *Connector {
	return NewConnectorWithClient(opts, pool, func(o Options) (TradingClient, error) {
		return NewRESTClient(o), nil
	})
}

// NewConnectorWithClient builds a connector with a custom client constructor.
func NewConnectorWithClient(opts Options, pool *workerpool.Pool, dial func(Options) (TradingClient, error)) *Connector {
	return &Connector{
		opts: opts,
		pool: pool,
		dial: dial,
		log:  slog.Default().With("venue", exchange.Alpaca),
	}
}

func (c *Connector) Name() string { return exchange.Alpaca }

// Initialize constructs the client and verifies credentials with an account read.
func (c *Connector) Initialize(ctx context.Context) error {
	client, err := workerpool.Do(ctx, c.pool, func() (TradingClient, error) {
		return c.dial(c.opts)
	})
	if err != nil {
		return core.NewConnectorError(c.Name(), "failed to initialize", err)
	}
	account, err := workerpool.Do(ctx, c.pool, client.GetAccount)
	if err != nil {
		return core.NewConnectorError(c.Name(), "failed to initialize", err)
	}
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
	c.log.Info("connector initialized", "event", "connector_initialized", "paper", c.opts.Paper, "account_status", account.Status)
	return nil
}

func (c *Connector) session() (TradingClient, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, core.NewConnectorError(c.Name(), "connector not initialized, call Initialize first", core.ErrNotInitialized)
	}
	return c.client, nil
}

// GetBalance reports one synthetic USD balance: cash is free, the rest of
// portfolio value is used.
func (c *Connector) GetBalance(ctx context.Context) ([]core.Balance, error) {
	client, err := c.session()
	if err != nil {
		return nil, err
	}
	account, err := workerpool.Do(ctx, c.pool, client.GetAccount)
	if err != nil {
		return nil, core.NewConnectorError(c.Name(), "failed to fetch account", err)
	}
	return []core.Balance{{
		Currency: "USD",
		Free:     account.Cash,
		Used:     account.PortfolioValue.Sub(account.Cash),
		Total:    account.PortfolioValue,
	}}, nil
}

func (c *Connector) GetPositions(ctx context.Context) ([]core.Position, error) {
	client, err := c.session()
	if err != nil {
		return nil, err
	}
	positions, err := workerpool.Do(ctx, c.pool, client.GetAllPositions)
	if err != nil {
		return nil, core.NewConnectorError(c.Name(), "failed to fetch positions", err)
	}
	out := make([]core.Position, 0, len(positions))
	for _, p := range positions {
		side := core.Sell
		if strings.EqualFold(p.Side, "long") {
			side = core.Buy
		}
		out = append(out, core.Position{
			Symbol:        p.Symbol,
			Quantity:      p.Qty.Abs(),
			EntryPrice:    p.AvgEntryPrice,
			CurrentPrice:  p.CurrentPrice,
			UnrealizedPnL: p.UnrealizedPL,
			Side:          side,
			Connector:     c.Name(),
		})
	}
	return out, nil
}

// GetMarkets lists active equities from the assets API.
func (c *Connector) GetMarkets(ctx context.Context) ([]core.Market, error) {
	client, err := c.session()
	if err != nil {
		return nil, err
	}
	assets, err := workerpool.Do(ctx, c.pool, client.GetAssets)
	if err != nil {
		return nil, core.NewConnectorError(c.Name(), "failed to fetch markets", err)
	}
	out := make([]core.Market, 0, len(assets))
	for _, a := range assets {
		minSize := decimal.NewFromInt(1)
		precision := 0
		if a.Fractionable {
			precision = 9
			if a.MinOrderSize != nil {
				minSize = *a.MinOrderSize
			}
			if a.MinTradeIncrement != nil {
				precision = core.PrecisionFromStep(*a.MinTradeIncrement)
			}
		}
		out = append(out, core.Market{
			Symbol:        a.Symbol,
			BaseCurrency:  a.Symbol,
			QuoteCurrency: "USD",
			MinOrderSize:  minSize,
			Precision:     precision,
			Active:        a.Tradable && strings.EqualFold(a.Status, "active"),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// GetTicker combines the latest quote and trade from the market data API.
func (c *Connector) GetTicker(ctx context.Context, symbol string) (core.Ticker, error) {
	client, err := c.session()
	if err != nil {
		return core.Ticker{}, err
	}
	quote, err := workerpool.Do(ctx, c.pool, func() (Quote, error) { return client.GetLatestQuote(symbol) })
	if err != nil {
		return core.Ticker{}, core.NewConnectorError(c.Name(), "failed to fetch ticker for "+symbol, err)
	}
	trade, err := workerpool.Do(ctx, c.pool, func() (Trade, error) { return client.GetLatestTrade(symbol) })
	if err != nil {
		return core.Ticker{}, core.NewConnectorError(c.Name(), "failed to fetch ticker for "+symbol, err)
	}
	ticker := core.Ticker{
		Symbol:    symbol,
		Bid:       positive(quote.BidPrice),
		Ask:       positive(quote.AskPrice),
		Last:      positive(trade.Price),
		Timestamp: quote.Time,
	}
	if ticker.Timestamp.IsZero() {
		ticker.Timestamp = time.Now().UTC()
	}
	return ticker, nil
}

// GetOrderBook returns the top of book from the latest quote.
func (c *Connector) GetOrderBook(ctx context.Context, symbol string) (core.OrderBook, error) {
	client, err := c.session()
	if err != nil {
		return core.OrderBook{}, err
	}
	quote, err := workerpool.Do(ctx, c.pool, func() (Quote, error) { return client.GetLatestQuote(symbol) })
	if err != nil {
		return core.OrderBook{}, core.NewConnectorError(c.Name(), "failed to fetch order book for "+symbol, err)
	}
	book := core.OrderBook{
		Symbol:    symbol,
		Bids:      []core.OrderBookEntry{},
		Asks:      []core.OrderBookEntry{},
		Timestamp: quote.Time,
	}
	if quote.BidPrice.Sign() > 0 {
		book.Bids = append(book.Bids, core.OrderBookEntry{Price: quote.BidPrice, Quantity: quote.BidSize})
	}
	if quote.AskPrice.Sign() > 0 {
		book.Asks = append(book.Asks, core.OrderBookEntry{Price: quote.AskPrice, Quantity: quote.AskSize})
	}
	return book, nil
}

// PlaceOrder sends limit orders good-til-cancelled and market orders for the day.
func (c *Connector) PlaceOrder(ctx context.Context, req core.OrderRequest) (core.Order, error) {
	if err := core.ValidateOrderRequest(req); err != nil {
		return core.Order{}, err
	}
	client, err := c.session()
	if err != nil {
		return core.Order{}, err
	}
	body := OrderRequest{
		Symbol:      req.Symbol,
		Qty:         req.Quantity,
		Side:        string(req.Side),
		Type:        string(req.Type),
		TimeInForce: "day",
	}
	if req.Type == core.LimitOrder {
		body.TimeInForce = "gtc"
		body.LimitPrice = req.Price
	}
	res, err := workerpool.Do(ctx, c.pool, func() (Order, error) { return client.SubmitOrder(body) })
	if err != nil {
		return core.Order{}, core.NewOrderError("failed to place order on "+c.Name(), "", err)
	}
	return c.mapOrder(res), nil
}

func (c *Connector) CancelOrder(ctx context.Context, orderID, symbol string) (bool, error) {
	client, err := c.session()
	if err != nil {
		return false, err
	}
	if err := workerpool.Run(ctx, c.pool, func() error { return client.CancelOrderByID(orderID) }); err != nil {
		return false, core.NewOrderError("failed to cancel order", orderID, err)
	}
	return true, nil
}

func (c *Connector) GetOrder(ctx context.Context, orderID, symbol string) (core.Order, error) {
	client, err := c.session()
	if err != nil {
		return core.Order{}, err
	}
	res, err := workerpool.Do(ctx, c.pool, func() (Order, error) { return client.GetOrderByID(orderID) })
	if err != nil {
		return core.Order{}, core.NewOrderError("failed to fetch order", orderID, err)
	}
	return c.mapOrder(res), nil
}

func (c *Connector) GetOrderHistory(ctx context.Context, symbol string) ([]core.Order, error) {
	client, err := c.session()
	if err != nil {
		return nil, err
	}
	res, err := workerpool.Do(ctx, c.pool, func() ([]Order, error) { return client.GetOrders(symbol) })
	if err != nil {
		return nil, core.NewConnectorError(c.Name(), "failed to fetch order history", err)
	}
	out := make([]core.Order, 0, len(res))
	for _, o := range res {
		out = append(out, c.mapOrder(o))
	}
	return out, nil
}

func (c *Connector) Close(ctx context.Context) error {
	c.mu.Lock()
	had := c.client != nil
	c.client = nil
	c.mu.Unlock()
	if had {
		c.log.Info("connector closed", "event", "connector_closed")
	}
	return nil
}

func (c *Connector) mapOrder(o Order) core.Order {
	side := core.Sell
	if strings.EqualFold(o.Side, "buy") {
		side = core.Buy
	}
	typ := core.MarketOrder
	if strings.EqualFold(o.Type, "limit") {
		typ = core.LimitOrder
	}
	var price *decimal.Decimal
	if o.LimitPrice != nil && o.LimitPrice.Sign() != 0 {
		price = core.DecimalPtr(*o.LimitPrice)
	}
	created := o.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return core.Order{
		OrderID:        o.ID,
		Symbol:         o.Symbol,
		Side:           side,
		Type:           typ,
		Quantity:       o.Qty,
		Price:          price,
		FilledQuantity: o.FilledQty,
		Status:         MapStatus(o.Status),
		Connector:      c.Name(),
		CreatedAt:      created,
		Raw:            o.Raw,
	}
}

func positive(v decimal.Decimal) *decimal.Decimal {
	if v.Sign() <= 0 {
		return nil
	}
	return core.DecimalPtr(v)
}
