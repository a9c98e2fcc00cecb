package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized indicates a connector was used before Initialize succeeded.
	ErrNotInitialized = errors.New("connector not initialized")
	// ErrPriceRequired indicates a limit order (or a venue that prices every order) was submitted without a price.
	ErrPriceRequired = errors.New("price required")
	// ErrInvalidSignal indicates a strategy produced a signal that fails validation.
	ErrInvalidSignal = errors.New("invalid signal")

	// ErrInsufficientBalance indicates the venue rejected the action due to insufficient funds.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrDuplicateOrder indicates the client order id has already been accepted before.
	ErrDuplicateOrder = errors.New("duplicate order")
	// ErrOrderNotFound indicates the order does not exist on the venue.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderRejected indicates the order was rejected by the venue.
	ErrOrderRejected = errors.New("order rejected")
	// ErrOrderExpired indicates the order has expired on the venue.
	ErrOrderExpired = errors.New("order expired")
	// ErrRateLimited indicates the venue throttled the request.
	ErrRateLimited = errors.New("rate limited")
	// ErrAuthFailed indicates the venue refused the credentials.
	ErrAuthFailed = errors.New("authentication failed")
)

// ConnectorError attributes a read, initialize or transport failure to a venue.
type ConnectorError struct {
	Venue  string
	Detail string
	Err    error
}

func (e *ConnectorError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("[%s] %s", e.Venue, e.Detail)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Venue, e.Detail, e.Err)
}

func (e *ConnectorError) Unwrap() error { return e.Err }

func NewConnectorError(venue, detail string, err error) *ConnectorError {
	return &ConnectorError{Venue: venue, Detail: detail, Err: err}
}

// OrderError reports an order placement, cancellation or lookup failure.
// OrderID is empty when no venue id exists yet.
type OrderError struct {
	Detail  string
	OrderID string
	Err     error
}

func (e *OrderError) Error() string {
	msg := e.Detail
	if e.OrderID != "" {
		msg = fmt.Sprintf("%s (order_id=%s)", msg, e.OrderID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *OrderError) Unwrap() error { return e.Err }

func NewOrderError(detail, orderID string, err error) *OrderError {
	return &OrderError{Detail: detail, OrderID: orderID, Err: err}
}

// ConfigError reports invalid or missing settings.
type ConfigError struct {
	Field  string
	Detail string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Detail
	}
	return fmt.Sprintf("config: %s %s", e.Field, e.Detail)
}

func NewConfigError(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Detail: fmt.Sprintf(format, args...)}
}

func IsConnectorError(err error) bool {
	var target *ConnectorError
	return errors.As(err, &target)
}

func IsOrderError(err error) bool {
	var target *OrderError
	return errors.As(err, &target)
}

func IsConfigError(err error) bool {
	var target *ConfigError
	return errors.As(err, &target)
}
