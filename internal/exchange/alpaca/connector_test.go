package alpaca

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradingbot/internal/core"
	"tradingbot/internal/workerpool"
)

type fakeClient struct {
	account   Account
	accErr    error
	positions []Position
	submitted []OrderRequest
	order     Order
	calls     int32
}

func (f *fakeClient) GetAccount() (Account, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.account, f.accErr
}

func (f *fakeClient) GetAllPositions() ([]Position, error) { return f.positions, nil }
func (f *fakeClient) GetAssets() ([]Asset, error) { return nil, nil }
func (f *fakeClient) GetLatestQuote(string) (Quote, error) { return Quote{}, nil }
func (f *fakeClient) GetLatestTrade(string) (Trade, error) { return Trade{}, nil }

func (f *fakeClient) SubmitOrder(req OrderRequest) (Order, error) {
	f.submitted = append(f.submitted, req)
	return f.order, nil
}

func (f *fakeClient) CancelOrderByID(string) error { return errors.New("order not cancelable") }
func (f *fakeClient) GetOrderByID(string) (Order, error) { return f.order, nil }
func (f *fakeClient) GetOrders(string) ([]Order, error) { return []Order{f.order}, nil }

func newConnector(t *testing.T, fc *fakeClient) *Connector {
	t.Helper()
	pool := workerpool.New(2)
	t.Cleanup(pool.Close)
	c := NewConnectorWithClient(Options{Paper: true}, pool, func(Options) (TradingClient, error) { return fc, nil })
	require.NoError(t, c.Initialize(context.Background()))
	return c
}

func TestMapStatus(t *testing.T) {
	cases := map[string]core.OrderStatus{
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
		"held":             core.OrderOpen,
	}
	for in, want := range cases {
		assert.Equal(t, want, MapStatus(in), in)
	}
}

func TestInitializeFailsOnAuth(t *testing.T) {
	pool := workerpool.New(1)
	defer pool.Close()
	fc := &fakeClient{accErr: errors.New("unauthorized")}
	c := NewConnectorWithClient(Options{}, pool, func(Options) (TradingClient, error) { return fc, nil })
	err := c.Initialize(context.Background())
	var cerr *core.ConnectorError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "alpaca", cerr.Venue)

	_, err = c.GetBalance(context.Background())
	assert.ErrorIs(t, err, core.ErrNotInitialized)
}

func TestGetBalanceSyntheticUSD(t *testing.T) {
	fc := &fakeClient{account: Account{
		Cash:           decimal.RequireFromString("1000.25"),
		PortfolioValue: decimal.RequireFromString("2500.75"),
	}}
	c := newConnector(t, fc)
	balances, err := c.GetBalance(context.Background())
	require.NoError(t, err)
	require.Len(t, balances, 1)
	b := balances[0]
	assert.Equal(t, "USD", b.Currency)
	assert.Equal(t, "1000.25", b.Free.String())
	assert.Equal(t, "1500.5", b.Used.String())
	assert.Equal(t, "2500.75", b.Total.String())
}

func TestGetPositionsAbsoluteQuantity(t *testing.T) {
	fc := &fakeClient{positions: []Position{
		{Symbol: "AAPL", Qty: decimal.RequireFromString("10"), Side: "long"},
		{Symbol: "TSLA", Qty: decimal.RequireFromString("-4"), Side: "short"},
	}}
	c := newConnector(t, fc)
	positions, err := c.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, core.Buy, positions[0].Side)
	assert.Equal(t, core.Sell, positions[1].Side)
	assert.Equal(t, "4", positions[1].Quantity.String())
	assert.Equal(t, "alpaca", positions[1].Connector)
}

func TestPlaceOrderTimeInForce(t *testing.T) {
	limit := decimal.RequireFromString("187.5")
	fc := &fakeClient{order: Order{ID: "abc", Symbol: "AAPL", Side: "buy", Type: "limit", Qty: decimal.NewFromInt(3), LimitPrice: &limit, Status: "accepted"}}
	c := newConnector(t, fc)

	order, err := c.PlaceOrder(context.Background(), core.OrderRequest{
		Symbol: "AAPL", Side: core.Buy, Type: core.LimitOrder, Quantity: decimal.NewFromInt(3), Price: &limit,
	})
	require.NoError(t, err)
	assert.Equal(t, core.OrderOpen, order.Status)
	assert.Equal(t, "abc", order.OrderID)
	require.NotNil(t, order.Price)
	assert.Equal(t, "187.5", order.Price.String())

	_, err = c.PlaceOrder(context.Background(), core.OrderRequest{
		Symbol: "AAPL", Side: core.Sell, Type: core.MarketOrder, Quantity: decimal.NewFromInt(1),
	})
	require.NoError(t, err)

	require.Len(t, fc.submitted, 2)
	assert.Equal(t, "gtc", fc.submitted[0].TimeInForce)
	assert.Equal(t, "day", fc.submitted[1].TimeInForce)
	assert.Nil(t, fc.submitted[1].LimitPrice)
}

func TestPlaceLimitWithoutPriceNeverSubmits(t *testing.T) {
	fc := &fakeClient{}
	c := newConnector(t, fc)
	_, err := c.PlaceOrder(context.Background(), core.OrderRequest{
		Symbol: "AAPL", Side: core.Buy, Type: core.LimitOrder, Quantity: decimal.NewFromInt(1),
	})
	require.ErrorIs(t, err, core.ErrPriceRequired)
	assert.True(t, core.IsOrderError(err))
	assert.Empty(t, fc.submitted)
}

func TestCancelFailureCarriesOrderID(t *testing.T) {
	c := newConnector(t, &fakeClient{})
	ok, err := c.CancelOrder(context.Background(), "ord-1", "")
	assert.False(t, ok)
	var oerr *core.OrderError
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, "ord-1", oerr.OrderID)
}

func TestRESTClientHeadersAndOrderDecode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("APCA-API-KEY-ID") != "key" || r.Header.Get("APCA-API-SECRET-KEY") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":40110000,"message":"request is not authorized"}`))
			return
		}
		switch r.URL.Path {
		case "/v2/orders":
			var req map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "gtc", req["time_in_force"])
			assert.Equal(t, "10.5", req["limit_price"])
			_, _ = w.Write([]byte(`{"id":"o-1","symbol":"AAPL","qty":"2","filled_qty":"1","side":"buy","type":"limit","limit_price":"10.5","status":"partially_filled","created_at":"2024-05-01T14:30:00Z"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewRESTClient(Options{APIKey: "key", APISecret: "secret", BaseURL: srv.URL})
	price := decimal.RequireFromString("10.5")
	order, err := client.SubmitOrder(OrderRequest{Symbol: "AAPL", Qty: decimal.NewFromInt(2), Side: "buy", Type: "limit", TimeInForce: "gtc", LimitPrice: &price})
	require.NoError(t, err)
	assert.Equal(t, "o-1", order.ID)
	assert.Equal(t, "1", order.FilledQty.String())
	assert.Equal(t, "partially_filled", order.Raw["status"])

	bad := NewRESTClient(Options{APIKey: "nope", BaseURL: srv.URL})
	_, err = bad.GetAccount()
	assert.ErrorIs(t, err, core.ErrAuthFailed)
	var apiErr APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
}

func TestRESTClientPaperURL(t *testing.T) {
	assert.Equal(t, PaperTradingURL, NewRESTClient(Options{Paper: true}).baseURL)
	assert.Equal(t, LiveTradingURL, NewRESTClient(Options{}).baseURL)
}
