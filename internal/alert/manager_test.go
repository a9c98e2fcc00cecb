package alert

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

type notifierSpy struct {
	block   <-chan struct{}
	entered chan struct{}
	once    sync.Once

	mu   sync.Mutex
	msgs []string
}

func (n *notifierSpy) Notify(ctx context.Context, msg string) error {
	if n.entered != nil {
		n.once.Do(func() {
			close(n.entered)
		})
	}
	if n.block != nil {
		select {
		case <-n.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	n.mu.Lock()
	n.msgs = append(n.msgs, msg)
	n.mu.Unlock()
	return nil
}

type failingNotifier struct{ calls int }

func (f *failingNotifier) Notify(context.Context, string) error {
	f.calls++
	return errors.New("webhook 502")
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (n *notifierSpy) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.msgs)
}

func (n *notifierSpy) first() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.msgs) == 0 {
		return ""
	}
	return n.msgs[0]
}

func TestManagerCloseFlushesQueuedEvents(t *testing.T) {
	spy := &notifierSpy{}
	m := NewManager("live", spy)
	if m == nil {
		t.Fatalf("NewManager() returned nil")
	}

	m.Important("connector_init_failed", map[string]string{"venue": "polymarket", "err": "bad key"})
	m.Important("order_failed", map[string]string{"venue": "crypto", "err": "insufficient balance"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if spy.count() != 2 {
		t.Fatalf("notified count = %d, want 2", spy.count())
	}
	msg := spy.first()
	if !strings.Contains(msg, "event: connector_init_failed") {
		t.Fatalf("first message missing event, got %q", msg)
	}
}

func TestManagerImportantNonBlockingWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	spy := &notifierSpy{
		block:   block,
		entered: make(chan struct{}),
	}
	m := NewManager("live", spy)
	if m == nil {
		t.Fatalf("NewManager() returned nil")
	}
	m.Important("seed", nil)
	select {
	case <-spy.entered:
	case <-time.After(300 * time.Millisecond):
		t.Fatalf("notifier did not enter blocked state")
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			m.Important("spam", map[string]string{"i": "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(300 * time.Millisecond):
		t.Fatalf("Important() appears blocked when queue is full")
	}

	close(block)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestManagerTracksDroppedCountAndPendingWindow(t *testing.T) {
	block := make(chan struct{})
	spy := &notifierSpy{
		block:   block,
		entered: make(chan struct{}),
	}
	m := NewManagerWithOptions("live", spy, ManagerOptions{
		QueueSize:          1,
		DropReportInterval: 0,
	})
	if m == nil {
		t.Fatalf("NewManagerWithOptions() returned nil")
	}

	m.Important("seed", nil)
	select {
	case <-spy.entered:
	case <-time.After(time.Second):
		t.Fatalf("notifier did not enter blocked state")
	}

	// fill the queue while the notifier is blocked, then overflow it
	m.Important("queue_fill", nil)
	for i := 0; i < 10; i++ {
		m.Important("spam", map[string]string{"i": "x"})
	}

	total, pending := m.droppedStats()
	if total != 10 {
		t.Fatalf("dropped total = %d, want 10", total)
	}
	if pending != 10 {
		t.Fatalf("dropped pending window = %d, want 10", pending)
	}

	close(block)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestManagerPeriodicDroppedReportEmitsAndResetsWindow(t *testing.T) {
	logs := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, nil))

	block := make(chan struct{})
	spy := &notifierSpy{
		block:   block,
		entered: make(chan struct{}),
	}
	m := NewManagerWithOptions("live", spy, ManagerOptions{
		QueueSize:          1,
		DropReportInterval: 40 * time.Millisecond,
		Logger:             logger,
	})
	if m == nil {
		t.Fatalf("NewManagerWithOptions() returned nil")
	}

	m.Important("seed", nil)
	select {
	case <-spy.entered:
	case <-time.After(time.Second):
		t.Fatalf("notifier did not enter blocked state")
	}

	m.Important("queue_fill", nil)
	for i := 0; i < 3; i++ {
		m.Important("spam", nil)
	}

	deadline := time.Now().Add(800 * time.Millisecond)
	for {
		if strings.Contains(logs.String(), "event=alert_queue_dropped_report") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("missing dropped report log, got logs: %s", logs.String())
		}
		time.Sleep(10 * time.Millisecond)
	}

	_, pending := m.droppedStats()
	if pending != 0 {
		t.Fatalf("dropped pending window = %d, want 0 after periodic report", pending)
	}

	close(block)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestManagerMessageFormat(t *testing.T) {
	spy := &notifierSpy{}
	m := NewManager("dry_run", spy)
	m.Important("order_failed", map[string]string{"venue": "alpaca", "err": "rejected"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	msg := spy.first()
	for _, want := range []string{"[tradingbot] important", "mode: dry_run", "event: order_failed", "err: rejected\nvenue: alpaca"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message missing %q, got %q", want, msg)
		}
	}
	m.Important("after_close", nil)
	if spy.count() != 1 {
		t.Fatalf("notified count = %d, want 1 after close", spy.count())
	}
}

func TestNilManagerIsNoop(t *testing.T) {
	var m *Manager
	m.Important("ignored", nil)
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if NewManager("live", nil) != nil {
		t.Fatalf("NewManager(nil notifier) should return nil")
	}
}

func TestManagerOrderFailedCarriesSortedFields(t *testing.T) {
	spy := &notifierSpy{}
	m := NewManager("live", spy)
	fields := map[string]string{
		"venue":    "alpaca",
		"strategy": "momentum",
		"symbol":   "AAPL",
		"side":     "buy",
		"qty":      "1.5",
		"err":      "order rejected",
	}
	m.Important("order_failed", fields)
	// the queued alert keeps its own copy of the fields
	fields["venue"] = "mutated"

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	msg := spy.first()
	want := "event: order_failed\nerr: order rejected\nqty: 1.5\nside: buy\nstrategy: momentum\nsymbol: AAPL\nvenue: alpaca"
	if !strings.HasSuffix(msg, want) {
		t.Fatalf("message = %q, want suffix %q", msg, want)
	}
}

func TestManagerLogsDeliveryFailure(t *testing.T) {
	logs := &syncBuffer{}
	notifier := &failingNotifier{}
	m := NewManagerWithOptions("live", notifier, ManagerOptions{
		Logger: slog.New(slog.NewTextHandler(logs, nil)),
	})
	m.Important("connector_init_failed", map[string]string{"venue": "crypto"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if notifier.calls != 1 {
		t.Fatalf("notify calls = %d, want 1", notifier.calls)
	}
	out := logs.String()
	for _, want := range []string{"event=alert_notify_failed", "target_event=connector_init_failed", "webhook 502"} {
		if !strings.Contains(out, want) {
			t.Fatalf("logs missing %q, got %s", want, out)
		}
	}
}
