package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"tradingbot/internal/core"
	"tradingbot/internal/exchange/crypto"
)

const (
	// ExchangeID is the unified id this client registers under.
	ExchangeID = "binance"

	liveRestURL    = "https://api.binance.com"
	testnetRestURL = "https://testnet.binance.vision"
)

var _ crypto.Exchange = (*Client)(nil)

type AuthType int

const (
	AuthNone AuthType = iota
	AuthAPIKey
	AuthSigned
)

// Client is a Binance spot REST client speaking the unified Exchange API.
type Client struct {
	apiKey            string
	apiSecret         string
	baseURL           string
	clientOrderPrefix string
	recvWindow        time.Duration
	httpClient        *http.Client

	mu      sync.RWMutex
	markets map[string]symbolInfo // keyed by unified symbol
	byID    map[string]string     // exchange symbol -> unified symbol
}

type Options struct {
	APIKey            string
	APISecret         string
	RestBaseURL       string
	Testnet           bool
	ClientOrderPrefix string
	RecvWindowMs      int64
	HTTPTimeoutSec    int64
}

// New is the crypto.Factory for Binance.
func New(opts crypto.Options) (crypto.Exchange, error) {
	return NewClientWithOptions(Options{
		APIKey:         opts.APIKey,
		APISecret:      opts.APISecret,
		RestBaseURL:    opts.RestBaseURL,
		Testnet:        opts.Sandbox,
		RecvWindowMs:   opts.RecvWindowMs,
		HTTPTimeoutSec: opts.HTTPTimeoutSec,
	}), nil
}

func NewClientWithOptions(opts Options) *Client {
	timeout := 15 * time.Second
	if opts.HTTPTimeoutSec > 0 {
		timeout = time.Duration(opts.HTTPTimeoutSec) * time.Second
	}
	baseURL := strings.TrimRight(opts.RestBaseURL, "/")
	if baseURL == "" {
		baseURL = liveRestURL
		if opts.Testnet {
			baseURL = testnetRestURL
		}
	}
	return &Client{
		apiKey:            opts.APIKey,
		apiSecret:         opts.APISecret,
		baseURL:           baseURL,
		clientOrderPrefix: normalizeClientOrderPrefix(opts.ClientOrderPrefix),
		recvWindow:        time.Duration(opts.RecvWindowMs) * time.Millisecond,
		httpClient:        &http.Client{Timeout: timeout},
		markets:           make(map[string]symbolInfo),
		byID:              make(map[string]string),
	}
}

func normalizeClientOrderPrefix(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "tb"
	}
	b := strings.Builder{}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "" {
		return "tb"
	}
	if len(out) > 15 {
		out = out[:15]
	}
	return out
}

// newClientOrderID stays within Binance's 36 character limit.
func (c *Client) newClientOrderID() string {
	return c.clientOrderPrefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}

func (c *Client) ID() string { return ExchangeID }

func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) LoadMarkets(ctx context.Context) (map[string]crypto.MarketInfo, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/exchangeInfo", url.Values{}, AuthNone)
	if err != nil {
		return nil, err
	}
	var resp exchangeInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrap(err, "decode exchange info")
	}
	markets := make(map[string]symbolInfo, len(resp.Symbols))
	byID := make(map[string]string, len(resp.Symbols))
	out := make(map[string]crypto.MarketInfo, len(resp.Symbols))
	for _, src := range resp.Symbols {
		info := parseSymbolInfo(src)
		markets[info.unified] = info
		byID[info.id] = info.unified
		out[info.unified] = crypto.MarketInfo{
			Symbol:          info.unified,
			Base:            info.baseAsset,
			Quote:           info.quoteAsset,
			MinAmount:       info.rules.MinQty,
			AmountPrecision: core.PrecisionFromStep(info.rules.QtyStep),
			Active:          info.active,
		}
	}
	c.mu.Lock()
	c.markets = markets
	c.byID = byID
	c.mu.Unlock()
	return out, nil
}

// marketID resolves a unified symbol to the exchange symbol. Unknown symbols
// are passed through with the separator removed.
func (c *Client) marketID(symbol string) string {
	c.mu.RLock()
	info, ok := c.markets[symbol]
	c.mu.RUnlock()
	if ok {
		return info.id
	}
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

func (c *Client) unifiedSymbol(id string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if unified, ok := c.byID[id]; ok {
		return unified
	}
	return id
}

func (c *Client) rules(symbol string) (core.Rules, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.markets[symbol]
	return info.rules, ok
}

func (c *Client) FetchBalance(ctx context.Context) (crypto.BalanceSheet, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/account", url.Values{}, AuthSigned)
	if err != nil {
		return crypto.BalanceSheet{}, err
	}
	var resp accountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return crypto.BalanceSheet{}, errors.Wrap(err, "decode account")
	}
	sheet := crypto.BalanceSheet{
		Free:  make(map[string]decimal.Decimal, len(resp.Balances)),
		Used:  make(map[string]decimal.Decimal, len(resp.Balances)),
		Total: make(map[string]decimal.Decimal, len(resp.Balances)),
	}
	for _, b := range resp.Balances {
		free, _ := decimal.NewFromString(b.Free)
		locked, _ := decimal.NewFromString(b.Locked)
		sheet.Free[b.Asset] = free
		sheet.Used[b.Asset] = locked
		sheet.Total[b.Asset] = free.Add(locked)
	}
	return sheet, nil
}

// FetchPositions is unsupported on spot.
func (c *Client) FetchPositions(ctx context.Context) ([]crypto.PositionInfo, error) {
	return nil, crypto.ErrNotSupported
}

func (c *Client) FetchTicker(ctx context.Context, symbol string) (crypto.TickerInfo, error) {
	params := url.Values{}
	params.Set("symbol", c.marketID(symbol))
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/ticker/24hr", params, AuthNone)
	if err != nil {
		return crypto.TickerInfo{}, err
	}
	var resp ticker24hrResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return crypto.TickerInfo{}, errors.Wrap(err, "decode ticker")
	}
	return crypto.TickerInfo{
		Symbol:      symbol,
		Bid:         parseOptional(resp.BidPrice),
		Ask:         parseOptional(resp.AskPrice),
		Last:        parseOptional(resp.LastPrice),
		QuoteVolume: parseOptional(resp.QuoteVolume),
		Timestamp:   resp.CloseTime,
	}, nil
}

func (c *Client) FetchOrderBook(ctx context.Context, symbol string) (crypto.BookInfo, error) {
	params := url.Values{}
	params.Set("symbol", c.marketID(symbol))
	params.Set("limit", "100")
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/depth", params, AuthNone)
	if err != nil {
		return crypto.BookInfo{}, err
	}
	var resp depthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return crypto.BookInfo{}, errors.Wrap(err, "decode depth")
	}
	return crypto.BookInfo{
		Symbol: symbol,
		Bids:   parseLevels(resp.Bids),
		Asks:   parseLevels(resp.Asks),
	}, nil
}

// CreateOrder normalizes quantity and price to the symbol filters when they
// are known, then submits over REST.
func (c *Client) CreateOrder(ctx context.Context, symbol, typ, side string, amount decimal.Decimal, price *decimal.Decimal) (crypto.OrderInfo, error) {
	req := core.OrderRequest{
		Symbol:   symbol,
		Side:     core.Side(strings.ToLower(side)),
		Type:     core.OrderType(strings.ToLower(typ)),
		Quantity: amount,
		Price:    price,
	}
	if rules, ok := c.rules(symbol); ok {
		normalized, err := core.NormalizeRequest(req, rules)
		if err != nil {
			return crypto.OrderInfo{}, err
		}
		req = normalized
	}
	params := url.Values{}
	params.Set("symbol", c.marketID(symbol))
	params.Set("side", strings.ToUpper(side))
	params.Set("type", strings.ToUpper(typ))
	params.Set("quantity", req.Quantity.String())
	if req.Type == core.LimitOrder {
		params.Set("timeInForce", "GTC")
		params.Set("price", req.Price.String())
	}
	params.Set("newClientOrderId", c.newClientOrderID())
	params.Set("newOrderRespType", "FULL")

	body, err := c.doRequest(ctx, http.MethodPost, "/api/v3/order", params, AuthSigned)
	if err != nil {
		return crypto.OrderInfo{}, err
	}
	return c.decodeOrder(body)
}

func (c *Client) CancelOrder(ctx context.Context, id, symbol string) (crypto.OrderInfo, error) {
	if symbol == "" {
		return crypto.OrderInfo{}, errors.New("symbol required to cancel a binance order")
	}
	params := url.Values{}
	params.Set("symbol", c.marketID(symbol))
	params.Set("orderId", id)
	body, err := c.doRequest(ctx, http.MethodDelete, "/api/v3/order", params, AuthSigned)
	if err != nil {
		return crypto.OrderInfo{}, err
	}
	return c.decodeOrder(body)
}

func (c *Client) FetchOrder(ctx context.Context, id, symbol string) (crypto.OrderInfo, error) {
	if symbol == "" {
		return crypto.OrderInfo{}, errors.New("symbol required to query a binance order")
	}
	params := url.Values{}
	params.Set("symbol", c.marketID(symbol))
	params.Set("orderId", id)
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/order", params, AuthSigned)
	if err != nil {
		return crypto.OrderInfo{}, err
	}
	return c.decodeOrder(body)
}

func (c *Client) FetchOrders(ctx context.Context, symbol string) ([]crypto.OrderInfo, error) {
	if symbol == "" {
		return nil, errors.New("symbol required to fetch binance orders")
	}
	params := url.Values{}
	params.Set("symbol", c.marketID(symbol))
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/allOrders", params, AuthSigned)
	if err != nil {
		return nil, err
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, errors.Wrap(err, "decode orders")
	}
	out := make([]crypto.OrderInfo, 0, len(raws))
	for _, raw := range raws {
		order, err := c.decodeOrder(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	return out, nil
}

func (c *Client) decodeOrder(body []byte) (crypto.OrderInfo, error) {
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return crypto.OrderInfo{}, errors.Wrap(err, "decode order")
	}
	var info map[string]any
	_ = json.Unmarshal(body, &info)

	amount, _ := decimal.NewFromString(resp.OrigQty)
	filled, _ := decimal.NewFromString(resp.ExecutedQty)
	ts := resp.Time
	if ts == 0 {
		ts = resp.TransactTime
	}
	return crypto.OrderInfo{
		ID:        strconv.FormatInt(resp.OrderID, 10),
		ClientID:  resp.ClientOrderID,
		Symbol:    c.unifiedSymbol(resp.Symbol),
		Type:      strings.ToLower(resp.Type),
		Side:      strings.ToLower(resp.Side),
		Status:    unifiedStatus(resp.Status),
		Amount:    amount,
		Filled:    filled,
		Price:     parseOptional(resp.Price),
		Timestamp: ts,
		Info:      info,
	}, nil
}

// unifiedStatus maps Binance order statuses onto the unified vocabulary.
// PARTIALLY_FILLED stays "open"; the connector derives partial fills.
func unifiedStatus(status string) string {
	switch strings.ToUpper(status) {
	case "NEW", "PARTIALLY_FILLED", "PENDING_NEW":
		return crypto.StatusOpen
	case "FILLED":
		return crypto.StatusClosed
	case "CANCELED", "PENDING_CANCEL":
		return crypto.StatusCanceled
	case "REJECTED":
		return crypto.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return crypto.StatusExpired
	}
	return strings.ToLower(status)
}

func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, auth AuthType) ([]byte, error) {
	if auth == AuthSigned {
		if c.apiKey == "" || c.apiSecret == "" {
			return nil, fmt.Errorf("%w: api_key/api_secret required for %s", core.ErrAuthFailed, path)
		}
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		if c.recvWindow > 0 {
			params.Set("recvWindow", strconv.FormatInt(c.recvWindow.Milliseconds(), 10))
		}
		signature := sign(c.apiSecret, params.Encode())
		params.Set("signature", signature)
	}
	var (
		req *http.Request
		err error
	)
	urlStr := c.baseURL + path
	if method == http.MethodGet || method == http.MethodDelete {
		if encoded := params.Encode(); encoded != "" {
			urlStr += "?" + encoded
		}
		req, err = http.NewRequestWithContext(ctx, method, urlStr, nil)
	} else {
		body := params.Encode()
		req, err = http.NewRequestWithContext(ctx, method, urlStr, strings.NewReader(body))
	}
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	if method != http.MethodGet && method != http.MethodDelete {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if auth == AuthAPIKey || auth == AuthSigned {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, method+" "+path)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	if resp.StatusCode/100 != 2 {
		return nil, parseAPIError(resp.StatusCode, body)
	}
	return body, nil
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func parseOptional(raw string) *decimal.Decimal {
	if raw == "" {
		return nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return nil
	}
	return &v
}

func parseLevels(levels [][]string) [][2]decimal.Decimal {
	out := make([][2]decimal.Decimal, 0, len(levels))
	for _, lvl := range levels {
		if len(lvl) < 2 {
			continue
		}
		price, err := decimal.NewFromString(lvl[0])
		if err != nil {
			continue
		}
		qty, err := decimal.NewFromString(lvl[1])
		if err != nil {
			continue
		}
		out = append(out, [2]decimal.Decimal{price, qty})
	}
	return out
}
