package core

import (
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

func TestNewSignalConfidenceBounds(t *testing.T) {
	qty := decimal.RequireFromString("1")
	for _, c := range []float64{1.5, -0.1, math.NaN()} {
		_, err := NewSignal("momentum", "BTC/USDT", Buy, qty, MarketOrder, nil, "", c)
		if !errors.Is(err, ErrInvalidSignal) {
			t.Fatalf("confidence %v: error = %v, want %v", c, err, ErrInvalidSignal)
		}
	}
	for _, c := range []float64{0.0, 1.0, 0.5} {
		s, err := NewSignal("momentum", "BTC/USDT", Buy, qty, MarketOrder, nil, "edge", c)
		if err != nil {
			t.Fatalf("confidence %v: unexpected error %v", c, err)
		}
		if s.ID == "" {
			t.Fatalf("signal id not assigned")
		}
	}
}

func TestSignalValidateRejectsBadShape(t *testing.T) {
	base := Signal{
		StrategyName: "s",
		Symbol:       "AAPL",
		Side:         Buy,
		Type:         MarketOrder,
		Quantity:     decimal.RequireFromString("2"),
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	noQty := base
	noQty.Quantity = decimal.Zero
	if err := noQty.Validate(); !errors.Is(err, ErrInvalidSignal) {
		t.Fatalf("zero quantity error = %v", err)
	}

	badSide := base
	badSide.Side = "hold"
	if err := badSide.Validate(); !errors.Is(err, ErrInvalidSignal) {
		t.Fatalf("bad side error = %v", err)
	}
}

func TestSignalRequest(t *testing.T) {
	price := decimal.RequireFromString("0.42")
	s := Signal{Symbol: "tok", Side: Sell, Type: LimitOrder, Quantity: decimal.NewFromInt(10), Price: &price}
	req := s.Request()
	if req.Symbol != "tok" || req.Side != Sell || req.Type != LimitOrder {
		t.Fatalf("unexpected request: %+v", req)
	}
	if req.Price == nil || !req.Price.Equal(price) {
		t.Fatalf("price not carried: %v", req.Price)
	}
}
