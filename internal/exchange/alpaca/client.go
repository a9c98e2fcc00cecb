package alpaca

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
)

const (
	PaperTradingURL = "https://paper-api.alpaca.markets"
	LiveTradingURL  = "https://api.alpaca.markets"
	MarketDataURL   = "https://data.alpaca.markets"
)

// TradingClient is the synchronous brokerage surface the connector consumes.
// Every call blocks until the venue answers.
type TradingClient interface {
	GetAccount() (Account, error)
	GetAllPositions() ([]Position, error)
	GetAssets() ([]Asset, error)
	GetLatestQuote(symbol string) (Quote, error)
	GetLatestTrade(symbol string) (Trade, error)
	SubmitOrder(req OrderRequest) (Order, error)
	CancelOrderByID(id string) error
	GetOrderByID(id string) (Order, error)
	GetOrders(symbol string) ([]Order, error)
}

type Account struct {
	ID             string          `json:"id"`
	Status         string          `json:"status"`
	Currency       string          `json:"currency"`
	Cash           decimal.Decimal `json:"cash"`
	PortfolioValue decimal.Decimal `json:"portfolio_value"`
}

type Position struct {
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	UnrealizedPL  decimal.Decimal `json:"unrealized_pl"`
	Side          string          `json:"side"`
}

type Asset struct {
	Symbol            string           `json:"symbol"`
	Exchange          string           `json:"exchange"`
	Class             string           `json:"class"`
	Status            string           `json:"status"`
	Tradable          bool             `json:"tradable"`
	Fractionable      bool             `json:"fractionable"`
	MinOrderSize      *decimal.Decimal `json:"min_order_size"`
	MinTradeIncrement *decimal.Decimal `json:"min_trade_increment"`
}

type Quote struct {
	BidPrice decimal.Decimal `json:"bp"`
	BidSize  decimal.Decimal `json:"bs"`
	AskPrice decimal.Decimal `json:"ap"`
	AskSize  decimal.Decimal `json:"as"`
	Time     time.Time       `json:"t"`
}

type Trade struct {
	Price decimal.Decimal `json:"p"`
	Size  decimal.Decimal `json:"s"`
	Time  time.Time       `json:"t"`
}

type OrderRequest struct {
	Symbol      string           `json:"symbol"`
	Qty         decimal.Decimal  `json:"qty"`
	Side        string           `json:"side"`
	Type        string           `json:"type"`
	TimeInForce string           `json:"time_in_force"`
	LimitPrice  *decimal.Decimal `json:"limit_price,omitempty"`
}

type Order struct {
	ID          string           `json:"id"`
	ClientID    string           `json:"client_order_id"`
	Symbol      string           `json:"symbol"`
	Qty         decimal.Decimal  `json:"qty"`
	FilledQty   decimal.Decimal  `json:"filled_qty"`
	Side        string           `json:"side"`
	Type        string           `json:"type"`
	TimeInForce string           `json:"time_in_force"`
	LimitPrice  *decimal.Decimal `json:"limit_price"`
	Status      string           `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	Raw         map[string]any   `json:"-"`
}

// APIError is a non-2xx answer from the brokerage.
type APIError struct {
	Status  int
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("alpaca api error %d: %s", e.Status, e.Message)
}

type Options struct {
	APIKey         string
	APISecret      string
	Paper          bool
	BaseURL        string
	DataURL        string
	HTTPTimeoutSec int64
}

// RESTClient implements TradingClient over the Alpaca REST API.
type RESTClient struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	dataURL    string
	httpClient *http.Client
}

var _ TradingClient = (*RESTClient)(nil)

func NewRESTClient(opts Options) *RESTClient {
	timeout := 15 * time.Second
	if opts.HTTPTimeoutSec > 0 {
		timeout = time.Duration(opts.HTTPTimeoutSec) * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = LiveTradingURL
		if opts.Paper {
			baseURL = PaperTradingURL
		}
	}
	dataURL := strings.TrimRight(opts.DataURL, "/")
	if dataURL == "" {
		dataURL = MarketDataURL
	}
	return &RESTClient{
		apiKey:     opts.APIKey,
		apiSecret:  opts.APISecret,
		baseURL:    baseURL,
		dataURL:    dataURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *RESTClient) GetAccount() (Account, error) {
	var out Account
	err := c.do(http.MethodGet, c.baseURL+"/v2/account", nil, &out)
	return out, err
}

func (c *RESTClient) GetAllPositions() ([]Position, error) {
	var out []Position
	err := c.do(http.MethodGet, c.baseURL+"/v2/positions", nil, &out)
	return out, err
}

func (c *RESTClient) GetAssets() ([]Asset, error) {
	q := url.Values{}
	q.Set("status", "active")
	q.Set("asset_class", "us_equity")
	var out []Asset
	err := c.do(http.MethodGet, c.baseURL+"/v2/assets?"+q.Encode(), nil, &out)
	return out, err
}

func (c *RESTClient) GetLatestQuote(symbol string) (Quote, error) {
	var out struct {
		Quote Quote `json:"quote"`
	}
	err := c.do(http.MethodGet, c.dataURL+"/v2/stocks/"+url.PathEscape(symbol)+"/quotes/latest", nil, &out)
	return out.Quote, err
}

func (c *RESTClient) GetLatestTrade(symbol string) (Trade, error) {
	var out struct {
		Trade Trade `json:"trade"`
	}
	err := c.do(http.MethodGet, c.dataURL+"/v2/stocks/"+url.PathEscape(symbol)+"/trades/latest", nil, &out)
	return out.Trade, err
}

func (c *RESTClient) SubmitOrder(req OrderRequest) (Order, error) {
	return c.doOrder(http.MethodPost, c.baseURL+"/v2/orders", req)
}

func (c *RESTClient) CancelOrderByID(id string) error {
	return c.do(http.MethodDelete, c.baseURL+"/v2/orders/"+url.PathEscape(id), nil, nil)
}

func (c *RESTClient) GetOrderByID(id string) (Order, error) {
	return c.doOrder(http.MethodGet, c.baseURL+"/v2/orders/"+url.PathEscape(id), nil)
}

func (c *RESTClient) GetOrders(symbol string) ([]Order, error) {
	q := url.Values{}
	q.Set("status", "all")
	q.Set("limit", "500")
	if symbol != "" {
		q.Set("symbols", symbol)
	}
	var raws []json.RawMessage
	if err := c.do(http.MethodGet, c.baseURL+"/v2/orders?"+q.Encode(), nil, &raws); err != nil {
		return nil, err
	}
	out := make([]Order, 0, len(raws))
	for _, raw := range raws {
		order, err := decodeOrder(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	return out, nil
}

func (c *RESTClient) doOrder(method, endpoint string, body any) (Order, error) {
	var raw json.RawMessage
	if err := c.do(method, endpoint, body, &raw); err != nil {
		return Order{}, err
	}
	return decodeOrder(raw)
}

func decodeOrder(raw []byte) (Order, error) {
	var order Order
	if err := json.Unmarshal(raw, &order); err != nil {
		return Order{}, errors.Wrap(err, "decode order")
	}
	_ = json.Unmarshal(raw, &order.Raw)
	return order, nil
}

func (c *RESTClient) do(method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, endpoint, reader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("APCA-API-KEY-ID", c.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", c.apiSecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, method+" "+endpoint)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if resp.StatusCode/100 != 2 {
		return parseAPIError(resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}
