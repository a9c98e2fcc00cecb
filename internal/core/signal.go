package core

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Signal is a strategy's proposed trade. Venue, when set, names the target
// connector; otherwise the engine resolves one from its routes.
type Signal struct {
	ID           string           `json:"id"`
	StrategyName string           `json:"strategy_name"`
	Venue        string           `json:"venue,omitempty"`
	Symbol       string           `json:"symbol"`
	Side         Side             `json:"side"`
	Quantity     decimal.Decimal  `json:"quantity"`
	Type         OrderType        `json:"order_type"`
	Price        *decimal.Decimal `json:"price"`
	Reason       string           `json:"reason"`
	Confidence   float64          `json:"confidence"`
	CreatedAt    time.Time        `json:"created_at"`
}

// NewSignal builds a validated signal with a fresh id.
func NewSignal(strategyName, symbol string, side Side, qty decimal.Decimal, typ OrderType, price *decimal.Decimal, reason string, confidence float64) (Signal, error) {
	s := Signal{
		ID:           uuid.NewString(),
		StrategyName: strategyName,
		Symbol:       symbol,
		Side:         side,
		Quantity:     qty,
		Type:         typ,
		Price:        price,
		Reason:       reason,
		Confidence:   confidence,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.Validate(); err != nil {
		return Signal{}, err
	}
	return s, nil
}

// Validate checks the signal invariants. Confidence is inclusive on both ends.
func (s Signal) Validate() error {
	if math.IsNaN(s.Confidence) || s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0, 1]", ErrInvalidSignal, s.Confidence)
	}
	if s.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidSignal)
	}
	if !s.Side.Valid() {
		return fmt.Errorf("%w: unknown side %q", ErrInvalidSignal, s.Side)
	}
	if !s.Type.Valid() {
		return fmt.Errorf("%w: unknown order type %q", ErrInvalidSignal, s.Type)
	}
	if s.Quantity.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidSignal)
	}
	return nil
}

// Request converts the signal into a connector order request.
func (s Signal) Request() OrderRequest {
	return OrderRequest{
		Symbol:   s.Symbol,
		Side:     s.Side,
		Type:     s.Type,
		Quantity: s.Quantity,
		Price:    s.Price,
	}
}
