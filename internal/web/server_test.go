package web

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradingbot/internal/core"
	"tradingbot/internal/engine"
)

type fakeSource struct {
	balanceCalls atomic.Int64
}

func (f *fakeSource) Status() engine.Status {
	return engine.Status{
		State:              engine.StateRunning,
		Running:            true,
		DryRun:             true,
		ConnectedExchanges: []string{"alpaca", "crypto"},
		FailedExchanges:    map[string]string{"polymarket": "auth failed"},
		Strategies:         []string{"grid"},
	}
}

func (f *fakeSource) Activity() []engine.Activity {
	return []engine.Activity{
		{SignalID: "a", Status: engine.ActivityDryRun},
		{SignalID: "b", Status: engine.ActivityDryRun},
		{SignalID: "c", Status: engine.ActivityPlaced},
	}
}

func (f *fakeSource) GetAllBalances(context.Context) map[string][]core.Balance {
	f.balanceCalls.Add(1)
	return map[string][]core.Balance{
		"crypto": {{Currency: "USDT", Free: decimal.RequireFromString("100.10"), Used: decimal.Zero, Total: decimal.RequireFromString("100.10")}},
		"alpaca": {},
	}
}

func (f *fakeSource) GetAllPositions(context.Context) map[string][]core.Position {
	return map[string][]core.Position{
		"alpaca": {{Symbol: "AAPL", Quantity: decimal.RequireFromString("3"), Side: core.Buy, Connector: "alpaca"}},
	}
}

func newTestServer(t *testing.T, src Source, push time.Duration) *httptest.Server {
	t.Helper()
	srv := New(src, Options{PushInterval: push, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestStatusEndpoint(t *testing.T) {
	ts := newTestServer(t, &fakeSource{}, time.Second)
	var body map[string]any
	getJSON(t, ts.URL+"/api/status", &body)
	assert.Equal(t, true, body["running"])
	assert.Equal(t, true, body["dry_run"])
	assert.Equal(t, []any{"alpaca", "crypto"}, body["connected_exchanges"])
	assert.Equal(t, []any{"grid"}, body["strategies"])
}

func TestBalancesSerializeDecimalsAsStrings(t *testing.T) {
	ts := newTestServer(t, &fakeSource{}, time.Second)
	resp, err := http.Get(ts.URL + "/api/balances")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(raw), `"free":"100.1"`)
	var body map[string][]map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Len(t, body["crypto"], 1)
	assert.NotNil(t, body["alpaca"])
	assert.Empty(t, body["alpaca"])
}

func TestPositionsEndpoint(t *testing.T) {
	ts := newTestServer(t, &fakeSource{}, time.Second)
	var body map[string][]map[string]any
	getJSON(t, ts.URL+"/api/positions", &body)
	require.Len(t, body["alpaca"], 1)
	assert.Equal(t, "3", body["alpaca"][0]["quantity"])
	assert.Equal(t, "buy", body["alpaca"][0]["side"])
}

func TestActivityLimit(t *testing.T) {
	ts := newTestServer(t, &fakeSource{}, time.Second)
	var body []map[string]any
	getJSON(t, ts.URL+"/api/activity?limit=2", &body)
	require.Len(t, body, 2)
	assert.Equal(t, "b", body[0]["signal_id"])
	assert.Equal(t, "c", body[1]["signal_id"])

	resp, err := http.Get(ts.URL + "/api/activity?limit=x")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIndexAndHealth(t *testing.T) {
	ts := newTestServer(t, &fakeSource{}, time.Second)
	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "/ws")

	var body map[string]any
	getJSON(t, ts.URL+"/healthz", &body)
	assert.Equal(t, true, body["ok"])
}

func TestWebsocketPushesUpdates(t *testing.T) {
	src := &fakeSource{}
	ts := newTestServer(t, src, 20*time.Millisecond)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 2; i++ {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, "update", msg["type"])
		assert.Contains(t, msg, "balances")
		assert.Contains(t, msg, "positions")
		status, ok := msg["status"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, true, status["running"])
	}
	assert.GreaterOrEqual(t, src.balanceCalls.Load(), int64(2))

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
}
