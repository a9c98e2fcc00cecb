package core

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestBalanceKeepsExactPrecision(t *testing.T) {
	b := Balance{
		Currency: "BTC",
		Free:     decimal.RequireFromString("0.00000001"),
		Used:     decimal.RequireFromString("0.2"),
		Total:    decimal.RequireFromString("0.20000001"),
	}
	if b.Free.String() != "0.00000001" {
		t.Fatalf("free = %s, want 0.00000001", b.Free)
	}
	if !b.Free.Add(b.Used).Equal(b.Total) {
		t.Fatalf("free+used = %s, want %s", b.Free.Add(b.Used), b.Total)
	}

	raw, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"free":"0.00000001"`) {
		t.Fatalf("decimal not serialized as string: %s", raw)
	}
	var back Balance
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Free.String() != "0.00000001" {
		t.Fatalf("round-trip free = %s", back.Free)
	}
}

func TestOrderJSONRoundTrip(t *testing.T) {
	price := decimal.RequireFromString("27123.45")
	order := Order{
		OrderID:        "12345",
		Symbol:         "BTC/USDT",
		Side:           Buy,
		Type:           LimitOrder,
		Quantity:       decimal.RequireFromString("0.123456789"),
		Price:          &price,
		FilledQuantity: decimal.RequireFromString("0.1"),
		Status:         OrderPartiallyFilled,
		Connector:      "crypto",
		CreatedAt:      time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Raw:            map[string]any{"status": "open"},
	}
	raw, err := json.Marshal(order)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Order
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.OrderID != order.OrderID {
		t.Fatalf("order_id = %q, want %q", back.OrderID, order.OrderID)
	}
	if !back.Quantity.Equal(order.Quantity) {
		t.Fatalf("quantity = %s, want %s", back.Quantity, order.Quantity)
	}
	if back.Price == nil || !back.Price.Equal(price) {
		t.Fatalf("price = %v, want %s", back.Price, price)
	}
	if back.Status != OrderPartiallyFilled {
		t.Fatalf("status = %q", back.Status)
	}
}

func TestOrderWithoutPriceSerializesNull(t *testing.T) {
	raw, err := json.Marshal(Order{OrderID: "1", Quantity: decimal.NewFromInt(1)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"price":null`) {
		t.Fatalf("expected null price: %s", raw)
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	for _, s := range []OrderStatus{OrderFilled, OrderCancelled, OrderRejected, OrderExpired} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []OrderStatus{OrderPending, OrderOpen, OrderPartiallyFilled} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}

func TestOrderTypeValid(t *testing.T) {
	for _, ot := range []OrderType{MarketOrder, LimitOrder} {
		if !ot.Valid() {
			t.Fatalf("%q should be valid", ot)
		}
	}
	if OrderType("stop").Valid() {
		t.Fatal("stop should not be valid")
	}
	var m Market
	m.Symbol = "BTC/USDT"
	if m.Symbol != "BTC/USDT" {
		t.Fatalf("market symbol = %q", m.Symbol)
	}
}
