// Package engine owns the connectors and strategies of one trading process.
// It initializes venues with partial-failure semantics, runs one evaluation
// loop per strategy, routes signals to connectors and aggregates account
// state across venues.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"tradingbot/internal/alert"
	"tradingbot/internal/config"
	"tradingbot/internal/core"
	"tradingbot/internal/exchange"
	"tradingbot/internal/safety"
	"tradingbot/internal/strategy"
	"tradingbot/internal/workerpool"
)

type State string

const (
	StateCreated     State = "created"
	StateInitialized State = "initialized"
	StateRunning     State = "running"
	StateStopped     State = "stopped"
)

var ErrInvalidState = errors.New("invalid engine state")

const (
	defaultLoopInterval = time.Second
	defaultActivitySize = 200
)

// ConnectorFactory builds the not yet initialized connectors for cfg.
type ConnectorFactory func(cfg config.Config, pool *workerpool.Pool, log *slog.Logger) []exchange.Connector

type Option func(*Engine)

func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

func WithConnectorFactory(factory ConnectorFactory) Option {
	return func(e *Engine) {
		if factory != nil {
			e.factory = factory
		}
	}
}

func WithAlerter(alerter alert.Alerter) Option {
	return func(e *Engine) {
		if alerter != nil {
			e.alerts = alerter
		}
	}
}

type Engine struct {
	cfg      config.Config
	log      *slog.Logger
	pool     *workerpool.Pool
	factory  ConnectorFactory
	alerts   alert.Alerter
	interval time.Duration
	dryRun   bool
	activity *activityLog

	mu         sync.RWMutex
	state      State
	connectors map[string]exchange.Connector
	failed     map[string]string
	strategies []strategy.Strategy
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func New(cfg config.Config, opts ...Option) *Engine {
	interval := time.Duration(cfg.Engine.LoopIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = defaultLoopInterval
	}
	size := cfg.Engine.ActivitySize
	if size <= 0 {
		size = defaultActivitySize
	}
	e := &Engine{
		cfg:        cfg,
		log:        slog.Default(),
		factory:    DefaultConnectorFactory,
		alerts:     alert.Nop{},
		interval:   interval,
		dryRun:     cfg.IsDryRun(),
		activity:   newActivityLog(size),
		state:      StateCreated,
		connectors: map[string]exchange.Connector{},
		failed:     map[string]string{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.pool = workerpool.New(cfg.WorkerPoolSize)
	return e
}

// Initialize builds and initializes every configured connector. A venue that
// fails is logged and left out; it never fails the engine.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateCreated {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("%w: initialize in state %s", ErrInvalidState, state)
	}
	e.mu.Unlock()

	connectors := map[string]exchange.Connector{}
	failed := map[string]string{}
	for _, conn := range e.factory(e.cfg, e.pool, e.log) {
		name := conn.Name()
		if err := conn.Initialize(ctx); err != nil {
			failed[name] = err.Error()
			e.log.Error("connector init failed", "event", "connector_init_failed", "venue", name, "err", err)
			e.alerts.Important("connector_init_failed", map[string]string{"venue": name, "err": err.Error()})
			if cerr := conn.Close(ctx); cerr != nil {
				e.log.Warn("connector close failed", "event", "connector_close_failed", "venue", name, "err", cerr)
			}
			continue
		}
		if e.cfg.CircuitBreaker.Enabled {
			breaker := safety.NewBreaker(name, true, e.cfg.CircuitBreaker.MaxFailures, time.Duration(e.cfg.CircuitBreaker.CooldownSec)*time.Second)
			breaker.SetAlerter(e.alerts)
			conn = safety.NewGuardedConnector(conn, breaker)
		}
		connectors[name] = conn
	}

	e.mu.Lock()
	if e.state != StateCreated {
		// stopped while venues were initializing
		state := e.state
		e.mu.Unlock()
		for _, conn := range connectors {
			_ = conn.Close(ctx)
		}
		return fmt.Errorf("%w: initialize in state %s", ErrInvalidState, state)
	}
	e.connectors = connectors
	e.failed = failed
	e.state = StateInitialized
	e.mu.Unlock()
	e.log.Info("engine initialized",
		"event", "engine_initialized",
		"connectors", strings.Join(sortedNames(connectors), ","),
		"failed", len(failed),
		"dry_run", e.dryRun,
	)
	return nil
}

// RegisterStrategy adds s to the strategies started by Start. Registering
// after Start has no effect on running loops.
func (e *Engine) RegisterStrategy(s strategy.Strategy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.strategies = append(e.strategies, s)
}

// Start initializes every strategy with the connector map, then launches one
// loop per strategy. If any strategy fails to initialize no loop is started
// and the engine stays Initialized.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateInitialized {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("%w: start in state %s", ErrInvalidState, state)
	}
	strategies := append([]strategy.Strategy(nil), e.strategies...)
	e.mu.Unlock()

	for _, s := range strategies {
		if err := s.Init(ctx, e.Connectors()); err != nil {
			e.log.Error("strategy init failed", "event", "strategy_init_failed", "strategy", s.Name(), "err", err)
			return fmt.Errorf("init strategy %s: %w", s.Name(), err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateInitialized {
		return fmt.Errorf("%w: start in state %s", ErrInvalidState, e.state)
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	for _, s := range strategies {
		e.wg.Add(1)
		go e.loop(loopCtx, s)
	}
	e.state = StateRunning
	e.log.Info("engine started", "event", "engine_started", "strategies", len(strategies), "loop_interval", e.interval.String())
	return nil
}

// Stop cancels the loops, stops strategies, closes connectors and releases
// the worker pool. Failures are logged and never returned; a second call is
// a no-op. ctx bounds how long Stop waits for loops to drain.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.state == StateStopped {
		e.mu.Unlock()
		return nil
	}
	e.state = StateStopped
	cancel := e.cancel
	e.cancel = nil
	strategies := append([]strategy.Strategy(nil), e.strategies...)
	connectors := e.connectors
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	drained := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		e.log.Warn("strategy loops still draining", "event", "engine_stop_timeout", "err", ctx.Err())
	}

	for _, s := range strategies {
		if err := s.Stop(ctx); err != nil {
			e.log.Error("strategy stop failed", "event", "strategy_stop_failed", "strategy", s.Name(), "err", err)
		}
	}
	for _, name := range sortedNames(connectors) {
		if err := connectors[name].Close(ctx); err != nil {
			e.log.Error("connector close failed", "event", "connector_close_failed", "venue", name, "err", err)
		}
	}
	e.pool.Close()
	e.log.Info("engine stopped", "event", "engine_stopped")
	return nil
}

func (e *Engine) loop(ctx context.Context, s strategy.Strategy) {
	defer e.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		e.iterate(ctx, s)
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.interval):
		}
	}
}

// iterate runs one evaluation. Nothing that happens inside may end the loop,
// panics included.
func (e *Engine) iterate(ctx context.Context, s strategy.Strategy) {
	defer func() {
		if rec := recover(); rec != nil {
			e.log.Error("strategy iteration panicked",
				"event", "strategy_panic",
				"strategy", s.Name(),
				"panic", fmt.Sprint(rec),
				"stack", string(debug.Stack()),
			)
		}
	}()
	if ticker, ok := s.(strategy.TickAware); ok {
		if err := ticker.OnTick(ctx); err != nil {
			e.log.Warn("strategy tick failed", "event", "strategy_tick_failed", "strategy", s.Name(), "err", err)
		}
	}
	signals, err := s.Evaluate(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.log.Error("strategy evaluate failed", "event", "strategy_evaluate_failed", "strategy", s.Name(), "err", err)
		}
		return
	}
	for _, sig := range signals {
		if ctx.Err() != nil {
			return
		}
		e.dispatch(ctx, s, sig)
	}
}

func (e *Engine) dispatch(ctx context.Context, s strategy.Strategy, sig core.Signal) {
	if sig.StrategyName == "" {
		sig.StrategyName = s.Name()
	}
	venue, conn, routed := e.resolve(sig)
	entry := Activity{
		Time:     time.Now().UTC(),
		SignalID: sig.ID,
		Strategy: sig.StrategyName,
		Venue:    venue,
		Symbol:   sig.Symbol,
		Side:     sig.Side,
		Type:     sig.Type,
		Quantity: sig.Quantity,
		Price:    sig.Price,
		Reason:   sig.Reason,
		DryRun:   e.dryRun,
	}
	logger := e.log.With("strategy", sig.StrategyName, "venue", venue, "symbol", sig.Symbol, "side", string(sig.Side), "qty", sig.Quantity.String())

	if err := sig.Validate(); err != nil {
		entry.Status = ActivityInvalid
		entry.Error = err.Error()
		e.activity.add(entry)
		logger.Warn("signal rejected", "event", "signal_invalid", "err", err)
		return
	}
	if e.dryRun {
		entry.Status = ActivityDryRun
		e.activity.add(entry)
		logger.Info("dry run signal", "event", "dry_run_signal", "type", string(sig.Type), "price", priceString(sig), "routed", routed)
		return
	}
	if !routed {
		entry.Status = ActivityUnrouted
		e.activity.add(entry)
		logger.Warn("no connector for signal", "event", "signal_unrouted")
		return
	}

	order, err := conn.PlaceOrder(ctx, sig.Request())
	if err != nil {
		entry.Status = ActivityFailed
		entry.Error = err.Error()
		e.activity.add(entry)
		logger.Error("order failed", "event", "order_failed", "err", err)
		e.alerts.Important("order_failed", map[string]string{
			"venue":    venue,
			"strategy": sig.StrategyName,
			"symbol":   sig.Symbol,
			"side":     string(sig.Side),
			"qty":      sig.Quantity.String(),
			"err":      err.Error(),
		})
		return
	}
	entry.Status = ActivityPlaced
	entry.OrderID = order.OrderID
	entry.OrderStatus = order.Status
	e.activity.add(entry)
	logger.Info("order placed", "event", "order_placed", "order_id", order.OrderID, "status", string(order.Status))

	if order.Status == core.OrderFilled || order.Status == core.OrderPartiallyFilled {
		if fa, ok := s.(strategy.FillAware); ok {
			if err := fa.OnOrderFill(ctx, order); err != nil {
				logger.Warn("strategy fill hook failed", "event", "strategy_fill_hook_failed", "order_id", order.OrderID, "err", err)
			}
		}
	}
}

// resolve picks the destination connector. An explicit venue on the signal
// wins, then the configured route for the strategy, then a connector whose
// name equals the strategy name.
func (e *Engine) resolve(sig core.Signal) (string, exchange.Connector, bool) {
	name := sig.Venue
	if name == "" {
		name = e.cfg.Routes[sig.StrategyName]
	}
	if name == "" {
		name = sig.StrategyName
	}
	e.mu.RLock()
	conn, ok := e.connectors[name]
	e.mu.RUnlock()
	if !ok {
		if sig.Venue == "" && e.cfg.Routes[sig.StrategyName] == "" {
			return "", nil, false
		}
		return name, nil, false
	}
	return name, conn, true
}

// GetAllBalances returns one entry per connected venue. A venue that fails
// contributes an empty list.
func (e *Engine) GetAllBalances(ctx context.Context) map[string][]core.Balance {
	return fanOut(ctx, e, "balance", func(ctx context.Context, c exchange.Connector) ([]core.Balance, error) {
		return c.GetBalance(ctx)
	})
}

// GetAllPositions returns one entry per connected venue. A venue that fails
// contributes an empty list.
func (e *Engine) GetAllPositions(ctx context.Context) map[string][]core.Position {
	return fanOut(ctx, e, "positions", func(ctx context.Context, c exchange.Connector) ([]core.Position, error) {
		return c.GetPositions(ctx)
	})
}

func fanOut[T any](ctx context.Context, e *Engine, what string, fetch func(context.Context, exchange.Connector) ([]T, error)) map[string][]T {
	connectors := e.Connectors()
	out := make(map[string][]T, len(connectors))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, conn := range connectors {
		wg.Add(1)
		go func(name string, conn exchange.Connector) {
			defer wg.Done()
			items, err := fetch(ctx, conn)
			if err != nil {
				e.log.Error("aggregate fetch failed", "event", what+"_fetch_failed", "venue", name, "err", err)
				items = []T{}
			}
			if items == nil {
				items = []T{}
			}
			mu.Lock()
			out[name] = items
			mu.Unlock()
		}(name, conn)
	}
	wg.Wait()
	return out
}

// Connectors returns a copy of the connected venues.
func (e *Engine) Connectors() map[string]exchange.Connector {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]exchange.Connector, len(e.connectors))
	for k, v := range e.connectors {
		out[k] = v
	}
	return out
}

func (e *Engine) Connector(name string) (exchange.Connector, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.connectors[name]
	return c, ok
}

// ConnectedExchanges lists connected venue names, sorted.
func (e *Engine) ConnectedExchanges() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return sortedNames(e.connectors)
}

// FailedExchanges maps each venue that failed to initialize to the reason.
func (e *Engine) FailedExchanges() map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]string, len(e.failed))
	for k, v := range e.failed {
		out[k] = v
	}
	return out
}

func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) IsRunning() bool { return e.State() == StateRunning }

func (e *Engine) DryRun() bool { return e.dryRun }

func (e *Engine) Activity() []Activity { return e.activity.list() }

type Status struct {
	State              State                    `json:"state"`
	Running            bool                     `json:"running"`
	DryRun             bool                     `json:"dry_run"`
	ConnectedExchanges []string                 `json:"connected_exchanges"`
	FailedExchanges    map[string]string        `json:"failed_exchanges"`
	Strategies         []string                 `json:"strategies"`
	Routes             map[string]string        `json:"routes"`
	Breakers           map[string]BreakerStatus `json:"breakers,omitempty"`
	Activity           []Activity               `json:"activity"`
}

type BreakerStatus struct {
	Place  string `json:"place"`
	Cancel string `json:"cancel"`
}

func (e *Engine) Status() Status {
	e.mu.RLock()
	names := make([]string, 0, len(e.strategies))
	for _, s := range e.strategies {
		names = append(names, s.Name())
	}
	var breakers map[string]BreakerStatus
	for name, conn := range e.connectors {
		if g, ok := conn.(*safety.GuardedConnector); ok {
			if breakers == nil {
				breakers = map[string]BreakerStatus{}
			}
			place, cancel := g.Breaker().States()
			breakers[name] = BreakerStatus{Place: place, Cancel: cancel}
		}
	}
	state := e.state
	e.mu.RUnlock()

	routes := make(map[string]string, len(e.cfg.Routes))
	for k, v := range e.cfg.Routes {
		routes[k] = v
	}
	return Status{
		State:              state,
		Running:            state == StateRunning,
		DryRun:             e.dryRun,
		ConnectedExchanges: e.ConnectedExchanges(),
		FailedExchanges:    e.FailedExchanges(),
		Strategies:         names,
		Routes:             routes,
		Breakers:           breakers,
		Activity:           e.activity.list(),
	}
}

func sortedNames[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func priceString(sig core.Signal) string {
	if sig.Price == nil {
		return "market"
	}
	return sig.Price.String()
}
