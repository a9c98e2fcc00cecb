package engine

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradingbot/internal/core"
)

type ActivityStatus string

const (
	ActivityDryRun   ActivityStatus = "dry_run"
	ActivityPlaced   ActivityStatus = "placed"
	ActivityFailed   ActivityStatus = "failed"
	ActivityUnrouted ActivityStatus = "unrouted"
	ActivityInvalid  ActivityStatus = "invalid"
)

// Activity records what happened to one signal.
type Activity struct {
	Time        time.Time        `json:"time"`
	SignalID    string           `json:"signal_id"`
	Strategy    string           `json:"strategy"`
	Venue       string           `json:"venue,omitempty"`
	Symbol      string           `json:"symbol"`
	Side        core.Side        `json:"side"`
	Type        core.OrderType   `json:"type"`
	Quantity    decimal.Decimal  `json:"quantity"`
	Price       *decimal.Decimal `json:"price"`
	Reason      string           `json:"reason,omitempty"`
	DryRun      bool             `json:"dry_run"`
	Status      ActivityStatus   `json:"status"`
	OrderID     string           `json:"order_id,omitempty"`
	OrderStatus core.OrderStatus `json:"order_status,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// activityLog keeps the newest entries up to a fixed capacity.
type activityLog struct {
	mu      sync.Mutex
	entries []Activity
	next    int
	full    bool
}

func newActivityLog(size int) *activityLog {
	return &activityLog{entries: make([]Activity, size)}
}

func (l *activityLog) add(a Activity) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[l.next] = a
	l.next++
	if l.next == len(l.entries) {
		l.next = 0
		l.full = true
	}
}

// list returns entries oldest first.
func (l *activityLog) list() []Activity {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		return append([]Activity{}, l.entries[:l.next]...)
	}
	out := make([]Activity, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	return append(out, l.entries[:l.next]...)
}
