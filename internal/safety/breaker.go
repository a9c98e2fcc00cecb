// Package safety holds the per-venue circuit breaker that stops order
// traffic to a venue after repeated failures.
package safety

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"tradingbot/internal/alert"
	"tradingbot/internal/core"
	"tradingbot/internal/exchange"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

type circuitState string

const (
	circuitClosed   circuitState = "closed"
	circuitOpen     circuitState = "open"
	circuitHalfOpen circuitState = "half_open"
)

const (
	actionPlace  = "place order"
	actionCancel = "cancel order"

	defaultCooldown = 60 * time.Second
)

type circuit struct {
	maxFailures int
	failures    int
	state       circuitState
	openedAt    time.Time
	openErr     error
}

// Breaker counts consecutive place and cancel failures for one venue. After
// maxFailures the circuit opens and calls are refused until cooldown passes;
// the next call is then let through as a half-open probe.
type Breaker struct {
	venue    string
	enabled  bool
	cooldown time.Duration

	mu     sync.Mutex
	place  circuit
	cancel circuit

	alerter alert.Alerter
	log     *slog.Logger
}

func NewBreaker(venue string, enabled bool, maxFailures int, cooldown time.Duration) *Breaker {
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &Breaker{
		venue:    venue,
		enabled:  enabled,
		cooldown: cooldown,
		place:    circuit{maxFailures: maxFailures, state: circuitClosed},
		cancel:   circuit{maxFailures: maxFailures, state: circuitClosed},
		log:      slog.Default().With("venue", venue),
	}
}

func (b *Breaker) SetAlerter(alerter alert.Alerter) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerter = alerter
}

func (b *Breaker) AllowPlace() error {
	if b == nil {
		return nil
	}
	return b.allow(actionPlace, &b.place)
}

func (b *Breaker) AllowCancel() error {
	if b == nil {
		return nil
	}
	return b.allow(actionCancel, &b.cancel)
}

func (b *Breaker) RecordPlace(err error) error {
	if b == nil {
		return nil
	}
	return b.record(actionPlace, &b.place, err)
}

func (b *Breaker) RecordCancel(err error) error {
	if b == nil {
		return nil
	}
	return b.record(actionCancel, &b.cancel, err)
}

// States reports the place and cancel circuit states.
func (b *Breaker) States() (place, cancel string) {
	if b == nil {
		return string(circuitClosed), string(circuitClosed)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.place.state), string(b.cancel.state)
}

func (b *Breaker) allow(name string, c *circuit) error {
	if !b.enabled {
		return nil
	}
	b.mu.Lock()
	if c.state != circuitOpen {
		b.mu.Unlock()
		return nil
	}
	if time.Since(c.openedAt) < b.cooldown {
		err := c.openErr
		if err == nil {
			err = fmt.Errorf("%w: %s circuit is open", ErrCircuitOpen, name)
		}
		b.mu.Unlock()
		return err
	}
	c.state = circuitHalfOpen
	c.failures = 0
	c.openErr = nil
	alerter := b.alerter
	b.mu.Unlock()
	b.log.Info("circuit half open", "event", "circuit_breaker_half_open", "action", name, "cooldown_sec", int64(b.cooldown/time.Second))
	if alerter != nil {
		alerter.Important("circuit_breaker_half_open", map[string]string{
			"venue":        b.venue,
			"action":       name,
			"cooldown_sec": strconv.FormatInt(int64(b.cooldown/time.Second), 10),
		})
	}
	return nil
}

func (b *Breaker) record(name string, c *circuit, err error) error {
	if !b.enabled {
		return nil
	}

	b.mu.Lock()
	if c.maxFailures < 1 {
		b.mu.Unlock()
		return nil
	}

	if err == nil {
		prevFailures := c.failures
		prevState := c.state
		recovered := false
		switch c.state {
		case circuitHalfOpen:
			recovered = true
			c.state = circuitClosed
			c.failures = 0
			c.openErr = nil
			c.openedAt = time.Time{}
		case circuitOpen:
			// only a half-open probe may close an open circuit
		case circuitClosed:
			if c.failures > 0 {
				recovered = true
				c.failures = 0
			}
		}
		alerter := b.alerter
		b.mu.Unlock()
		if recovered {
			b.log.Info("circuit recovered",
				"event", "circuit_breaker_recovered",
				"action", name,
				"previous_consecutive_failures", prevFailures,
				"from_state", string(prevState),
			)
			if alerter != nil && prevState == circuitHalfOpen {
				alerter.Important("circuit_breaker_recovered", map[string]string{
					"venue":      b.venue,
					"action":     name,
					"from_state": string(prevState),
				})
			}
		}
		return nil
	}

	if c.state == circuitOpen {
		openErr := c.openErr
		if openErr == nil {
			openErr = fmt.Errorf("%w: %s circuit is open", ErrCircuitOpen, name)
			c.openErr = openErr
		}
		b.mu.Unlock()
		return openErr
	}

	phase := "closed"
	failures := c.failures + 1
	if c.state == circuitHalfOpen {
		phase = "half_open"
		failures = c.maxFailures
	}
	c.failures = failures
	limit := c.maxFailures
	alerter := b.alerter
	if failures < limit {
		nearTrip := limit > 1 && failures == limit-1
		b.mu.Unlock()
		if nearTrip {
			b.log.Warn("circuit near trip",
				"event", "circuit_breaker_near_trip",
				"action", name,
				"consecutive_failures", failures,
				"threshold", limit,
				"last_error", err.Error(),
			)
		}
		return nil
	}

	openErr := b.tripLocked(name, c, err, failures, phase)
	b.mu.Unlock()
	b.log.Error("circuit open",
		"event", "circuit_open",
		"action", name,
		"phase", phase,
		"consecutive_failures", failures,
		"threshold", limit,
		"last_error", err.Error(),
	)
	if alerter != nil {
		alerter.Important("circuit_open", map[string]string{
			"venue":                b.venue,
			"action":               name,
			"phase":                phase,
			"consecutive_failures": strconv.Itoa(failures),
			"threshold":            strconv.Itoa(limit),
			"last_error":           err.Error(),
		})
	}
	return openErr
}

func (b *Breaker) tripLocked(name string, c *circuit, err error, failures int, phase string) error {
	c.state = circuitOpen
	c.openedAt = time.Now()
	c.failures = failures
	c.openErr = fmt.Errorf("%w: %s on %s failed %d consecutive times, phase=%s, cooldown=%s, last error: %v",
		ErrCircuitOpen, name, b.venue, failures, phase, b.cooldown, err)
	return c.openErr
}

// counted reports whether err reflects venue health. Local validation and
// lifecycle errors never reach the venue and do not move the breaker.
func counted(err error) bool {
	if err == nil {
		return true
	}
	for _, skip := range []error{
		core.ErrInvalidOrder,
		core.ErrPriceRequired,
		core.ErrBelowMinQty,
		core.ErrBelowMinNotional,
		core.ErrNotInitialized,
		context.Canceled,
	} {
		if errors.Is(err, skip) {
			return false
		}
	}
	return true
}

// GuardedConnector puts a Breaker in front of a connector's order calls.
// Reads pass straight through.
type GuardedConnector struct {
	exchange.Connector
	breaker *Breaker
}

var _ exchange.Connector = (*GuardedConnector)(nil)

func NewGuardedConnector(inner exchange.Connector, breaker *Breaker) *GuardedConnector {
	return &GuardedConnector{Connector: inner, breaker: breaker}
}

func (g *GuardedConnector) Breaker() *Breaker { return g.breaker }

func (g *GuardedConnector) PlaceOrder(ctx context.Context, req core.OrderRequest) (core.Order, error) {
	if err := g.breaker.AllowPlace(); err != nil {
		return core.Order{}, core.NewOrderError("order refused for "+g.Name(), "", err)
	}
	placed, err := g.Connector.PlaceOrder(ctx, req)
	if !counted(err) {
		return placed, err
	}
	if trip := g.breaker.RecordPlace(err); trip != nil {
		return placed, errors.Join(err, trip)
	}
	return placed, err
}

func (g *GuardedConnector) CancelOrder(ctx context.Context, orderID, symbol string) (bool, error) {
	if err := g.breaker.AllowCancel(); err != nil {
		return false, core.NewOrderError("cancel refused for "+g.Name(), orderID, err)
	}
	ok, err := g.Connector.CancelOrder(ctx, orderID, symbol)
	if !counted(err) {
		return ok, err
	}
	if trip := g.breaker.RecordCancel(err); trip != nil {
		return ok, errors.Join(err, trip)
	}
	return ok, err
}
