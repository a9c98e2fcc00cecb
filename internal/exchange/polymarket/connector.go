package polymarket

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradingbot/internal/core"
	"tradingbot/internal/exchange"
	"tradingbot/internal/workerpool"
)

var _ exchange.Connector = (*Connector)(nil)

const (
	collateral      = "USDC"
	liveOrderStatus = "live"
)

// Connector exposes the prediction-market CLOB through the common connector
// surface. Symbols are outcome token ids for trading and condition ids for
// market listings.
type Connector struct {
	opts   Options
	pool   *workerpool.Pool
	dial   func(Options) (CLOBClient, error)
	log    *slog.Logger
	mu     sync.RWMutex
	client CLOBClient
}

func NewConnector(opts Options, pool *workerpool.Pool) *Connector {
	return NewConnectorWithClient(opts, pool, func(o Options) (CLOBClient, error) {
		return NewRESTClient(o)
	})
}

func NewConnectorWithClient(opts Options, pool *workerpool.Pool, dial func(Options) (CLOBClient, error)) *Connector {
	return &Connector{
		opts: opts,
		pool: pool,
		dial: dial,
		log:  slog.Default().With("venue", exchange.Polymarket),
	}
}

func (c *Connector) Name() string { return exchange.Polymarket }

// Initialize builds the client and derives L2 API credentials from the wallet key.
func (c *Connector) Initialize(ctx context.Context) error {
	client, err := workerpool.Do(ctx, c.pool, func() (CLOBClient, error) {
		return c.dial(c.opts)
	})
	if err != nil {
		return core.NewConnectorError(c.Name(), "failed to initialize", err)
	}
	creds, err := workerpool.Do(ctx, c.pool, client.CreateOrDeriveAPICreds)
	if err != nil {
		return core.NewConnectorError(c.Name(), "failed to initialize", err)
	}
	client.SetAPICreds(creds)
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
	c.log.Info("connector initialized", "event", "connector_initialized", "chain_id", c.opts.ChainID)
	return nil
}

func (c *Connector) session() (CLOBClient, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, core.NewConnectorError(c.Name(), "connector not initialized, call Initialize first", core.ErrNotInitialized)
	}
	return c.client, nil
}

// GetBalance reports collateral in whole USDC; the CLOB answers in 6-decimal base units.
func (c *Connector) GetBalance(ctx context.Context) ([]core.Balance, error) {
	client, err := c.session()
	if err != nil {
		return nil, err
	}
	res, err := workerpool.Do(ctx, c.pool, client.GetBalanceAllowance)
	if err != nil {
		return nil, core.NewConnectorError(c.Name(), "failed to fetch balance", err)
	}
	balance := res.Balance.Shift(-tokenDecimals)
	return []core.Balance{{
		Currency: collateral,
		Free:     balance,
		Used:     decimal.Zero,
		Total:    balance,
	}}, nil
}

// GetPositions is always empty: outcome token holdings are not tracked.
func (c *Connector) GetPositions(ctx context.Context) ([]core.Position, error) {
	if _, err := c.session(); err != nil {
		return nil, err
	}
	return []core.Position{}, nil
}

func (c *Connector) GetMarkets(ctx context.Context) ([]core.Market, error) {
	client, err := c.session()
	if err != nil {
		return nil, err
	}
	markets, err := workerpool.Do(ctx, c.pool, client.GetMarkets)
	if err != nil {
		return nil, core.NewConnectorError(c.Name(), "failed to fetch markets", err)
	}
	out := make([]core.Market, 0, len(markets))
	for _, m := range markets {
		question := m.Question
		if question == "" {
			question = m.ConditionID
		}
		active := true
		if m.Active != nil {
			active = *m.Active
		}
		out = append(out, core.Market{
			Symbol:        m.ConditionID,
			BaseCurrency:  question,
			QuoteCurrency: collateral,
			MinOrderSize:  decimal.NewFromInt(1),
			Precision:     2,
			Active:        active,
		})
	}
	return out, nil
}

// GetTicker derives bid and ask from the first book levels. The CLOB has no
// last trade price, so last mirrors the bid.
func (c *Connector) GetTicker(ctx context.Context, symbol string) (core.Ticker, error) {
	book, err := c.book(ctx, symbol)
	if err != nil {
		return core.Ticker{}, core.NewConnectorError(c.Name(), "failed to fetch ticker for "+symbol, err)
	}
	ticker := core.Ticker{Symbol: symbol, Timestamp: bookTime(book.Timestamp)}
	if len(book.Bids) > 0 {
		ticker.Bid = core.DecimalPtr(book.Bids[0].Price)
		ticker.Last = core.DecimalPtr(book.Bids[0].Price)
	}
	if len(book.Asks) > 0 {
		ticker.Ask = core.DecimalPtr(book.Asks[0].Price)
	}
	return ticker, nil
}

func (c *Connector) GetOrderBook(ctx context.Context, symbol string) (core.OrderBook, error) {
	book, err := c.book(ctx, symbol)
	if err != nil {
		return core.OrderBook{}, core.NewConnectorError(c.Name(), "failed to fetch order book for "+symbol, err)
	}
	return core.OrderBook{
		Symbol:    symbol,
		Bids:      levels(book.Bids),
		Asks:      levels(book.Asks),
		Timestamp: bookTime(book.Timestamp),
	}, nil
}

func (c *Connector) book(ctx context.Context, tokenID string) (Book, error) {
	client, err := c.session()
	if err != nil {
		return Book{}, err
	}
	return workerpool.Do(ctx, c.pool, func() (Book, error) { return client.GetOrderBook(tokenID) })
}

// PlaceOrder requires a price for every order. Limit orders rest as GTC,
// market orders are sent fill-or-kill.
func (c *Connector) PlaceOrder(ctx context.Context, req core.OrderRequest) (core.Order, error) {
	if req.Price == nil {
		return core.Order{}, core.NewOrderError("polymarket requires a price for all orders", "", core.ErrPriceRequired)
	}
	if err := core.ValidateOrderRequest(req); err != nil {
		return core.Order{}, err
	}
	client, err := c.session()
	if err != nil {
		return core.Order{}, err
	}
	args := OrderArgs{
		TokenID: req.Symbol,
		Price:   *req.Price,
		Size:    req.Quantity,
		Side:    strings.ToUpper(string(req.Side)),
	}
	typ := FOK
	if req.Type == core.LimitOrder {
		typ = GTC
	}
	res, err := workerpool.Do(ctx, c.pool, func() (PostOrderResponse, error) {
		signed, err := client.CreateOrder(args)
		if err != nil {
			return PostOrderResponse{}, err
		}
		return client.PostOrder(signed, typ)
	})
	if err != nil {
		return core.Order{}, core.NewOrderError("failed to place order on "+c.Name(), "", err)
	}
	orderID := res.OrderID
	if orderID == "" {
		orderID = res.ID
	}
	if !res.Success || res.ErrorMsg != "" {
		msg := res.ErrorMsg
		if msg == "" {
			msg = "order not accepted"
		}
		return core.Order{}, core.NewOrderError("polymarket rejected order: "+msg, orderID, core.ErrOrderRejected)
	}
	if orderID == "" {
		orderID = "unknown"
	}
	return core.Order{
		OrderID:   orderID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Quantity:  req.Quantity,
		Price:     core.DecimalPtr(*req.Price),
		Status:    core.OrderOpen,
		Connector: c.Name(),
		CreatedAt: time.Now().UTC(),
		Raw:       res.Raw,
	}, nil
}

// CancelOrder reports true only when the CLOB lists the id as canceled; any
// other outcome is an OrderError wrapping ErrOrderRejected.
func (c *Connector) CancelOrder(ctx context.Context, orderID, symbol string) (bool, error) {
	client, err := c.session()
	if err != nil {
		return false, err
	}
	res, err := workerpool.Do(ctx, c.pool, func() (CancelResponse, error) { return client.Cancel(orderID) })
	if err != nil {
		return false, core.NewOrderError("failed to cancel order", orderID, err)
	}
	for _, id := range res.Canceled {
		if id == orderID {
			return true, nil
		}
	}
	reason, ok := res.NotCanceled[orderID]
	if !ok {
		reason = "not listed as canceled"
	}
	c.log.Warn("order not canceled", "event", "cancel_refused", "order_id", orderID, "reason", reason)
	return false, core.NewOrderError("order not canceled: "+reason, orderID, core.ErrOrderRejected)
}

func (c *Connector) GetOrder(ctx context.Context, orderID, symbol string) (core.Order, error) {
	client, err := c.session()
	if err != nil {
		return core.Order{}, err
	}
	res, err := workerpool.Do(ctx, c.pool, func() (OpenOrder, error) { return client.GetOrder(orderID) })
	if err != nil {
		return core.Order{}, core.NewOrderError("failed to fetch order", orderID, err)
	}
	if res.ID == "" {
		res.ID = orderID
	}
	if res.AssetID == "" {
		res.AssetID = symbol
	}
	return c.mapOrder(res), nil
}

func (c *Connector) GetOrderHistory(ctx context.Context, symbol string) ([]core.Order, error) {
	client, err := c.session()
	if err != nil {
		return nil, err
	}
	res, err := workerpool.Do(ctx, c.pool, func() ([]OpenOrder, error) { return client.GetOrders(symbol) })
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

// mapOrder treats every non-live order as filled; the CLOB order endpoint
// does not distinguish cancellations.
func (c *Connector) mapOrder(o OpenOrder) core.Order {
	side := core.Sell
	if strings.EqualFold(o.Side, "BUY") {
		side = core.Buy
	}
	status := core.OrderFilled
	if strings.EqualFold(o.Status, liveOrderStatus) {
		status = core.OrderOpen
	}
	created := time.Now().UTC()
	if o.CreatedAt > 0 {
		created = time.Unix(o.CreatedAt, 0).UTC()
	}
	return core.Order{
		OrderID:        o.ID,
		Symbol:         o.AssetID,
		Side:           side,
		Type:           core.LimitOrder,
		Quantity:       o.OriginalSize,
		Price:          core.DecimalPtr(o.Price),
		FilledQuantity: o.SizeMatched,
		Status:         status,
		Connector:      c.Name(),
		CreatedAt:      created,
		Raw:            o.Raw,
	}
}

func levels(in []BookLevel) []core.OrderBookEntry {
	out := make([]core.OrderBookEntry, 0, len(in))
	for _, l := range in {
		out = append(out, core.OrderBookEntry{Price: l.Price, Quantity: l.Size})
	}
	return out
}

// bookTime parses the millisecond timestamp the CLOB attaches to books.
func bookTime(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}
