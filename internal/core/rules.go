package core

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidOrder     = errors.New("invalid order")
	ErrBelowMinQty      = errors.New("qty below min")
	ErrBelowMinNotional = errors.New("notional below min")
)

// Rules are venue trading filters for one symbol. Zero values disable a check.
type Rules struct {
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
	PriceTick   decimal.Decimal
	QtyStep     decimal.Decimal
}

// ValidateOrderRequest applies the venue-independent checks every connector
// runs before touching the network. Failures are OrderErrors.
func ValidateOrderRequest(req OrderRequest) error {
	if !req.Side.Valid() {
		return NewOrderError("unknown order side "+string(req.Side), "", ErrInvalidOrder)
	}
	if !req.Type.Valid() {
		return NewOrderError("unknown order type "+string(req.Type), "", ErrInvalidOrder)
	}
	if req.Quantity.Cmp(decimal.Zero) <= 0 {
		return NewOrderError("quantity must be positive", "", ErrInvalidOrder)
	}
	if req.Type == LimitOrder && req.Price == nil {
		return NewOrderError("limit orders require a price", "", ErrPriceRequired)
	}
	if req.Price != nil && req.Price.Cmp(decimal.Zero) <= 0 {
		return NewOrderError("price must be positive", "", ErrInvalidOrder)
	}
	return nil
}

// NormalizeRequest rounds quantity and price down to the venue steps and
// checks minimums. Market orders without a price skip the notional check.
func NormalizeRequest(req OrderRequest, rules Rules) (OrderRequest, error) {
	if req.Quantity.Cmp(decimal.Zero) <= 0 {
		return req, ErrInvalidOrder
	}
	if rules.QtyStep.Cmp(decimal.Zero) > 0 {
		req.Quantity = RoundDown(req.Quantity, rules.QtyStep)
	}
	if req.Quantity.Cmp(decimal.Zero) <= 0 {
		return req, ErrInvalidOrder
	}
	if rules.MinQty.Cmp(decimal.Zero) > 0 && req.Quantity.Cmp(rules.MinQty) < 0 {
		return req, ErrBelowMinQty
	}
	if req.Price == nil {
		if req.Type == LimitOrder {
			return req, ErrPriceRequired
		}
		return req, nil
	}
	price := *req.Price
	if req.Type == LimitOrder && rules.PriceTick.Cmp(decimal.Zero) > 0 {
		price = RoundDown(price, rules.PriceTick)
	}
	if price.Cmp(decimal.Zero) <= 0 {
		return req, ErrInvalidOrder
	}
	req.Price = &price
	if rules.MinNotional.Cmp(decimal.Zero) > 0 {
		notional := price.Mul(req.Quantity)
		if notional.Cmp(rules.MinNotional) < 0 {
			return req, ErrBelowMinNotional
		}
	}
	return req, nil
}

func RoundDown(value, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

// PrecisionFromStep returns the number of decimal places a step size allows,
// e.g. 0.00100000 -> 3. Non-positive steps yield DefaultPrecision.
func PrecisionFromStep(step decimal.Decimal) int {
	if step.Cmp(decimal.Zero) <= 0 {
		return DefaultPrecision
	}
	for places := int32(0); places <= 18; places++ {
		shifted := step.Shift(places)
		if shifted.Equal(shifted.Truncate(0)) {
			return int(places)
		}
	}
	return DefaultPrecision
}
