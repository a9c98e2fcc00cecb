package polymarket

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"tradingbot/internal/core"
)

const (
	DefaultHost    = "https://clob.polymarket.com"
	DefaultChainID = 137

	endCursor       = "LTE="
	maxPages        = 200
	tokenDecimals   = 6
	zeroAddress     = "0x0000000000000000000000000000000000000000"
	eoaSignatureTyp = 0
)

// OrderType is the CLOB order lifetime.
type OrderType string

const (
	GTC OrderType = "GTC"
	FOK OrderType = "FOK"
)

// CLOBClient is the synchronous prediction-market surface the connector consumes.
type CLOBClient interface {
	CreateOrDeriveAPICreds() (Credentials, error)
	SetAPICreds(creds Credentials)
	GetBalanceAllowance() (BalanceAllowance, error)
	GetMarkets() ([]MarketInfo, error)
	GetOrderBook(tokenID string) (Book, error)
	CreateOrder(args OrderArgs) (SignedOrder, error)
	PostOrder(order SignedOrder, orderType OrderType) (PostOrderResponse, error)
	Cancel(orderID string) (CancelResponse, error)
	GetOrder(orderID string) (OpenOrder, error)
	GetOrders(assetID string) ([]OpenOrder, error)
}

type Credentials struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

type BalanceAllowance struct {
	Balance   decimal.Decimal `json:"balance"`
	Allowance decimal.Decimal `json:"allowance"`
}

type MarketInfo struct {
	ConditionID string `json:"condition_id"`
	Question    string `json:"question"`
	Active      *bool  `json:"active"`
	Closed      bool   `json:"closed"`
}

type BookLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

type Book struct {
	Market    string      `json:"market"`
	AssetID   string      `json:"asset_id"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Timestamp string      `json:"timestamp"`
}

type OrderArgs struct {
	TokenID string
	Price   decimal.Decimal
	Size    decimal.Decimal
	Side    string
}

// OrderPayload is the signed order body posted to the CLOB.
type OrderPayload struct {
	Salt          int64  `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

type SignedOrder struct {
	Order OrderPayload
}

type PostOrderResponse struct {
	Success  bool           `json:"success"`
	ErrorMsg string         `json:"errorMsg"`
	OrderID  string         `json:"orderID"`
	ID       string         `json:"id"`
	Status   string         `json:"status"`
	Raw      map[string]any `json:"-"`
}

type CancelResponse struct {
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled"`
}

type OpenOrder struct {
	ID           string          `json:"id"`
	Status       string          `json:"status"`
	AssetID      string          `json:"asset_id"`
	Side         string          `json:"side"`
	OriginalSize decimal.Decimal `json:"original_size"`
	SizeMatched  decimal.Decimal `json:"size_matched"`
	Price        decimal.Decimal `json:"price"`
	CreatedAt    int64           `json:"created_at"`
	Raw          map[string]any  `json:"-"`
}

// APIError is a non-2xx answer from the CLOB.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	return fmt.Sprintf("polymarket api error %d: %s", e.Status, e.Message)
}

type Options struct {
	PrivateKey     string
	ChainID        int64
	Host           string
	TickSize       decimal.Decimal
	HTTPTimeoutSec int64
}

// RESTClient implements CLOBClient over the CLOB REST API.
type RESTClient struct {
	host       string
	signer     *Signer
	tickSize   decimal.Decimal
	httpClient *http.Client

	mu    sync.RWMutex
	creds *Credentials
}

var _ CLOBClient = (*RESTClient)(nil)

func NewRESTClient(opts Options) (*RESTClient, error) {
	chainID := opts.ChainID
	if chainID == 0 {
		chainID = DefaultChainID
	}
	signer, err := NewSigner(opts.PrivateKey, chainID)
	if err != nil {
		return nil, err
	}
	host := strings.TrimRight(opts.Host, "/")
	if host == "" {
		host = DefaultHost
	}
	tick := opts.TickSize
	if tick.Sign() <= 0 {
		tick = decimal.RequireFromString("0.01")
	}
	timeout := 15 * time.Second
	if opts.HTTPTimeoutSec > 0 {
		timeout = time.Duration(opts.HTTPTimeoutSec) * time.Second
	}
	return &RESTClient{
		host:       host,
		signer:     signer,
		tickSize:   tick,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// CreateOrDeriveAPICreds creates API credentials for the wallet, deriving the
// existing ones when creation is refused.
func (c *RESTClient) CreateOrDeriveAPICreds() (Credentials, error) {
	var creds Credentials
	createErr := c.do(http.MethodPost, "/auth/api-key", nil, nil, authL1, &creds)
	if createErr == nil && creds.APIKey != "" {
		return creds, nil
	}
	creds = Credentials{}
	if err := c.do(http.MethodGet, "/auth/derive-api-key", nil, nil, authL1, &creds); err != nil {
		if createErr != nil {
			return Credentials{}, fmt.Errorf("create api key: %v; derive api key: %w", createErr, err)
		}
		return Credentials{}, err
	}
	if creds.APIKey == "" {
		return Credentials{}, errors.New("derive api key returned empty credentials")
	}
	return creds, nil
}

func (c *RESTClient) SetAPICreds(creds Credentials) {
	c.mu.Lock()
	c.creds = &creds
	c.mu.Unlock()
}

func (c *RESTClient) GetBalanceAllowance() (BalanceAllowance, error) {
	q := url.Values{}
	q.Set("asset_type", "COLLATERAL")
	q.Set("signature_type", strconv.Itoa(eoaSignatureTyp))
	var out BalanceAllowance
	err := c.do(http.MethodGet, "/balance-allowance", q, nil, authL2, &out)
	return out, err
}

func (c *RESTClient) GetMarkets() ([]MarketInfo, error) {
	var (
		out    []MarketInfo
		cursor string
	)
	for page := 0; page < maxPages; page++ {
		q := url.Values{}
		if cursor != "" {
			q.Set("next_cursor", cursor)
		}
		var resp struct {
			Data       []MarketInfo `json:"data"`
			NextCursor string       `json:"next_cursor"`
		}
		if err := c.do(http.MethodGet, "/markets", q, nil, authNone, &resp); err != nil {
			return nil, err
		}
		out = append(out, resp.Data...)
		if resp.NextCursor == "" || resp.NextCursor == endCursor {
			break
		}
		cursor = resp.NextCursor
	}
	return out, nil
}

func (c *RESTClient) GetOrderBook(tokenID string) (Book, error) {
	q := url.Values{}
	q.Set("token_id", tokenID)
	var out Book
	err := c.do(http.MethodGet, "/book", q, nil, authNone, &out)
	return out, err
}

// CreateOrder builds and signs an order. Price is rounded to the tick, size to
// two decimals, and amounts are expressed in 6-decimal token units.
func (c *RESTClient) CreateOrder(args OrderArgs) (SignedOrder, error) {
	if _, ok := new(big.Int).SetString(args.TokenID, 10); !ok {
		return SignedOrder{}, fmt.Errorf("token id %q is not numeric", args.TokenID)
	}
	price := core.RoundDown(args.Price, c.tickSize)
	size := core.RoundDown(args.Size, decimal.New(1, -2))
	if price.Sign() <= 0 || size.Sign() <= 0 {
		return SignedOrder{}, fmt.Errorf("%w: price %s size %s after rounding", core.ErrInvalidOrder, args.Price, args.Size)
	}
	notional := core.RoundDown(size.Mul(price), decimal.New(1, -4))
	side := strings.ToUpper(args.Side)
	maker, taker := notional, size
	if side == "SELL" {
		maker, taker = size, notional
	}
	salt, err := newSalt()
	if err != nil {
		return SignedOrder{}, err
	}
	payload := OrderPayload{
		Salt:          salt,
		Maker:         c.signer.Address().Hex(),
		Signer:        c.signer.Address().Hex(),
		Taker:         zeroAddress,
		TokenID:       args.TokenID,
		MakerAmount:   toTokenUnits(maker),
		TakerAmount:   toTokenUnits(taker),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          side,
		SignatureType: eoaSignatureTyp,
	}
	digest, err := c.signer.OrderDigest(payload)
	if err != nil {
		return SignedOrder{}, err
	}
	payload.Signature, err = c.signer.Sign(digest)
	if err != nil {
		return SignedOrder{}, errors.Wrap(err, "sign order")
	}
	return SignedOrder{Order: payload}, nil
}

func (c *RESTClient) PostOrder(order SignedOrder, orderType OrderType) (PostOrderResponse, error) {
	creds, err := c.credentials()
	if err != nil {
		return PostOrderResponse{}, err
	}
	body := map[string]any{
		"order":     order.Order,
		"owner":     creds.APIKey,
		"orderType": string(orderType),
	}
	var raw json.RawMessage
	if err := c.do(http.MethodPost, "/order", nil, body, authL2, &raw); err != nil {
		return PostOrderResponse{}, err
	}
	var out PostOrderResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return PostOrderResponse{}, errors.Wrap(err, "decode post order")
	}
	_ = json.Unmarshal(raw, &out.Raw)
	return out, nil
}

func (c *RESTClient) Cancel(orderID string) (CancelResponse, error) {
	var out CancelResponse
	err := c.do(http.MethodDelete, "/order", nil, map[string]string{"orderID": orderID}, authL2, &out)
	return out, err
}

func (c *RESTClient) GetOrder(orderID string) (OpenOrder, error) {
	var raw json.RawMessage
	if err := c.do(http.MethodGet, "/data/order/"+url.PathEscape(orderID), nil, nil, authL2, &raw); err != nil {
		return OpenOrder{}, err
	}
	return decodeOpenOrder(raw)
}

func (c *RESTClient) GetOrders(assetID string) ([]OpenOrder, error) {
	var (
		out    []OpenOrder
		cursor string
	)
	for page := 0; page < maxPages; page++ {
		q := url.Values{}
		if assetID != "" {
			q.Set("asset_id", assetID)
		}
		if cursor != "" {
			q.Set("next_cursor", cursor)
		}
		var resp struct {
			Data       []json.RawMessage `json:"data"`
			NextCursor string            `json:"next_cursor"`
		}
		if err := c.do(http.MethodGet, "/data/orders", q, nil, authL2, &resp); err != nil {
			return nil, err
		}
		for _, raw := range resp.Data {
			order, err := decodeOpenOrder(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, order)
		}
		if resp.NextCursor == "" || resp.NextCursor == endCursor {
			break
		}
		cursor = resp.NextCursor
	}
	return out, nil
}

func decodeOpenOrder(raw []byte) (OpenOrder, error) {
	var order OpenOrder
	if err := json.Unmarshal(raw, &order); err != nil {
		return OpenOrder{}, errors.Wrap(err, "decode order")
	}
	_ = json.Unmarshal(raw, &order.Raw)
	return order, nil
}

type authLevel int

const (
	authNone authLevel = iota
	authL1
	authL2
)

func (c *RESTClient) credentials() (Credentials, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.creds == nil {
		return Credentials{}, fmt.Errorf("%w: api credentials not set", core.ErrAuthFailed)
	}
	return *c.creds, nil
}

func (c *RESTClient) do(method, path string, query url.Values, body any, auth authLevel, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
	}
	endpoint := c.host + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequest(method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.authorize(req, auth, method, path, string(payload)); err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, method+" "+path)
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

func (c *RESTClient) authorize(req *http.Request, auth authLevel, method, path, body string) error {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	address := c.signer.Address().Hex()
	switch auth {
	case authL1:
		sig, err := c.signer.Sign(c.signer.ClobAuthDigest(timestamp, 0))
		if err != nil {
			return errors.Wrap(err, "sign clob auth")
		}
		req.Header.Set("POLY_ADDRESS", address)
		req.Header.Set("POLY_SIGNATURE", sig)
		req.Header.Set("POLY_TIMESTAMP", timestamp)
		req.Header.Set("POLY_NONCE", "0")
	case authL2:
		creds, err := c.credentials()
		if err != nil {
			return err
		}
		sig, err := l2Signature(creds.Secret, timestamp, method, path, body)
		if err != nil {
			return err
		}
		req.Header.Set("POLY_ADDRESS", address)
		req.Header.Set("POLY_SIGNATURE", sig)
		req.Header.Set("POLY_TIMESTAMP", timestamp)
		req.Header.Set("POLY_API_KEY", creds.APIKey)
		req.Header.Set("POLY_PASSPHRASE", creds.Passphrase)
	}
	return nil
}

func toTokenUnits(v decimal.Decimal) string {
	return v.Shift(tokenDecimals).Truncate(0).String()
}

func newSalt() (int64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 0, errors.Wrap(err, "generate salt")
	}
	return n.Int64(), nil
}
