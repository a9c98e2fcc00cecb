// Package strategy defines the contract the engine drives. Signal generation
// itself lives in user code; the engine only calls these methods.
package strategy

import (
	"context"

	"tradingbot/internal/core"
	"tradingbot/internal/exchange"
)

type Strategy interface {
	Name() string
	// Init receives the connectors that initialized successfully. The map
	// must be treated as read-only.
	Init(ctx context.Context, connectors map[string]exchange.Connector) error
	Evaluate(ctx context.Context) ([]core.Signal, error)
	Stop(ctx context.Context) error
}

// TickAware strategies are notified at the start of every loop iteration.
type TickAware interface {
	OnTick(ctx context.Context) error
}

// FillAware strategies are told about orders the engine placed for them that
// came back filled or partially filled.
type FillAware interface {
	OnOrderFill(ctx context.Context, order core.Order) error
}

// Func adapts a plain evaluate function into a Strategy with no-op lifecycle hooks.
type Func struct {
	ID string
	Fn func(ctx context.Context) ([]core.Signal, error)
}

func (f Func) Name() string { return f.ID }

func (f Func) Init(context.Context, map[string]exchange.Connector) error { return nil }

func (f Func) Evaluate(ctx context.Context) ([]core.Signal, error) {
	if f.Fn == nil {
		return nil, nil
	}
	return f.Fn(ctx)
}

func (f Func) Stop(context.Context) error { return nil }
