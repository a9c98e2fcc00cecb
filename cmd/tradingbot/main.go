package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"tradingbot/internal/alert"
	"tradingbot/internal/config"
	"tradingbot/internal/core"
	"tradingbot/internal/engine"
	"tradingbot/internal/exchange"
	"tradingbot/internal/instance"
	"tradingbot/internal/web"
)

const (
	defaultConfigPath = "config/config.yaml"
	stopTimeout       = 10 * time.Second
)

const usage = `usage: tradingbot [-config path[,path...]] [-log-level level] <command> [args]

commands:
  start [-web=true]                          run the engine until interrupted
  balance                                    balances across connected venues
  positions                                  open positions across connected venues
  status                                     configuration and venue report
  trade <symbol> <buy|sell> <qty> [-price p] [-exchange name]
  markets [-exchange name]
  ticker <symbol> [-exchange name]
  book <symbol> [-exchange name]
  orders [symbol] [-exchange name]
`

type app struct {
	stdout  io.Writer
	stderr  io.Writer
	factory engine.ConnectorFactory
	cfg     config.Config
	log     *slog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a := &app{stdout: os.Stdout, stderr: os.Stderr}
	if err := a.run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fatal(err.Error())
	}
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

var errUsage = errors.New("invalid usage")

func (a *app) run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("tradingbot", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	fs.Usage = func() { fmt.Fprint(a.stderr, usage) }
	configPaths := fs.String("config", defaultConfigPath, "comma separated yaml files, later files override earlier ones")
	logLevel := fs.String("log-level", "", "debug, info, warn or error (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errUsage
	}

	cfg, err := config.LoadFiles(splitPaths(*configPaths)...)
	if err != nil {
		return err
	}
	if *logLevel != "" {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(*logLevel))
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	a.cfg = cfg
	a.log = newLogger(a.stderr, cfg.LogLevel)
	slog.SetDefault(a.log)

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "start":
		return a.start(ctx, rest)
	case "balance":
		return a.balance(ctx)
	case "positions":
		return a.positions(ctx)
	case "status":
		return a.status(ctx)
	case "trade":
		return a.trade(ctx, rest)
	case "markets":
		return a.markets(ctx, rest)
	case "ticker":
		return a.ticker(ctx, rest)
	case "book":
		return a.book(ctx, rest)
	case "orders":
		return a.orders(ctx, rest)
	default:
		fmt.Fprintf(a.stderr, "unknown command %q\n", cmd)
		fs.Usage()
		return errUsage
	}
}

func splitPaths(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func buildAlertManager(cfg config.Config, log *slog.Logger) *alert.Manager {
	tg := cfg.Observability.Telegram
	if !tg.Enabled {
		return nil
	}
	notifier := alert.NewTelegramNotifier(alert.TelegramOptions{
		BotToken:   tg.BotToken,
		ChatID:     tg.ChatID,
		APIBaseURL: tg.APIBaseURL,
		Timeout:    time.Duration(tg.TimeoutSec) * time.Second,
	})
	mode := "live"
	if cfg.IsDryRun() {
		mode = "dry_run"
	}
	return alert.NewManagerWithOptions(mode, notifier, alert.ManagerOptions{
		QueueSize: tg.QueueSize,
		Logger:    log,
	})
}

// newEngine builds and initializes an engine. The returned cleanup stops it
// and flushes pending alerts.
func (a *app) newEngine(ctx context.Context) (*engine.Engine, func(), error) {
	opts := []engine.Option{engine.WithLogger(a.log)}
	if a.factory != nil {
		opts = append(opts, engine.WithConnectorFactory(a.factory))
	}
	alerts := buildAlertManager(a.cfg, a.log)
	if alerts != nil {
		opts = append(opts, engine.WithAlerter(alerts))
	}
	eng := engine.New(a.cfg, opts...)
	cleanup := func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
		defer cancel()
		if err := eng.Stop(stopCtx); err != nil {
			fmt.Fprintf(a.stderr, "stop engine failed: %v\n", err)
		}
		if err := alerts.Close(stopCtx); err != nil {
			fmt.Fprintf(a.stderr, "close alert manager failed: %v\n", err)
		}
	}
	if err := eng.Initialize(ctx); err != nil {
		cleanup()
		return nil, nil, err
	}
	return eng, cleanup, nil
}

func (a *app) start(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	withWeb := fs.Bool("web", true, "serve the dashboard")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if a.cfg.Engine.LockFile != "" {
		lock, err := instance.Acquire(a.cfg.Engine.LockFile, instance.Options{
			Takeover:   a.cfg.LockTakeover(),
			StaleAfter: time.Duration(a.cfg.Engine.LockStaleSec) * time.Second,
			Logger:     a.log,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := lock.Release(); err != nil {
				fmt.Fprintf(a.stderr, "release instance lock failed: %v\n", err)
			}
		}()
	}
	eng, cleanup, err := a.newEngine(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	if err := eng.Start(ctx); err != nil {
		return err
	}
	if !*withWeb {
		fmt.Fprintln(a.stdout, "Engine running. Press Ctrl+C to stop.")
		<-ctx.Done()
		return nil
	}
	srv := web.New(eng, web.Options{
		PushInterval: time.Duration(a.cfg.Web.PushIntervalSec) * time.Second,
		Logger:       a.log,
	})
	addr := net.JoinHostPort(a.cfg.Web.Host, strconv.Itoa(a.cfg.Web.Port))
	if err := srv.Run(ctx, addr); err != nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

func (a *app) balance(ctx context.Context) error {
	eng, cleanup, err := a.newEngine(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	if len(eng.ConnectedExchanges()) == 0 {
		fmt.Fprintln(a.stdout, "No connectors available. Check your credentials.")
		return nil
	}
	all := eng.GetAllBalances(ctx)
	for _, venue := range sortedKeys(all) {
		a.header(venue, 40)
		items := all[venue]
		if len(items) == 0 {
			fmt.Fprintln(a.stdout, "  No balances")
			continue
		}
		tw := tabwriter.NewWriter(a.stdout, 0, 2, 2, ' ', 0)
		for _, b := range items {
			fmt.Fprintf(tw, "  %s\tfree=%s\tused=%s\ttotal=%s\n", b.Currency, b.Free, b.Used, b.Total)
		}
		tw.Flush()
	}
	return nil
}

func (a *app) positions(ctx context.Context) error {
	eng, cleanup, err := a.newEngine(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	if len(eng.ConnectedExchanges()) == 0 {
		fmt.Fprintln(a.stdout, "No connectors available. Check your credentials.")
		return nil
	}
	all := eng.GetAllPositions(ctx)
	for _, venue := range sortedKeys(all) {
		a.header(venue, 50)
		items := all[venue]
		if len(items) == 0 {
			fmt.Fprintln(a.stdout, "  No open positions")
			continue
		}
		tw := tabwriter.NewWriter(a.stdout, 0, 2, 2, ' ', 0)
		for _, p := range items {
			fmt.Fprintf(tw, "  %s\t%s\tqty=%s\tentry=%s\tpnl=%s\n", p.Symbol, p.Side, p.Quantity, p.EntryPrice, p.UnrealizedPnL)
		}
		tw.Flush()
	}
	return nil
}

func (a *app) status(ctx context.Context) error {
	cfg := a.cfg
	fmt.Fprintln(a.stdout, strings.Repeat("=", 40))
	fmt.Fprintln(a.stdout, "  Trading Bot Status")
	fmt.Fprintln(a.stdout, strings.Repeat("=", 40))
	fmt.Fprintf(a.stdout, "  Enabled connectors: %s\n", strings.Join(cfg.EnabledConnectors, ", "))
	fmt.Fprintf(a.stdout, "  Dry run:            %t\n", cfg.IsDryRun())
	fmt.Fprintf(a.stdout, "  Log level:          %s\n", cfg.LogLevel)
	fmt.Fprintf(a.stdout, "  Web dashboard:      %s\n", net.JoinHostPort(cfg.Web.Host, strconv.Itoa(cfg.Web.Port)))
	fmt.Fprintln(a.stdout)

	eng, cleanup, err := a.newEngine(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	st := eng.Status()
	connected := map[string]bool{}
	for _, name := range st.ConnectedExchanges {
		connected[name] = true
	}
	for _, name := range cfg.EnabledConnectors {
		info := venueInfo(cfg, name)
		switch {
		case connected[name]:
			fmt.Fprintf(a.stdout, "  [+] %s: %s\n", name, info)
		case st.FailedExchanges[name] != "":
			fmt.Fprintf(a.stdout, "  [!] %s: %s (init failed: %s)\n", name, info, st.FailedExchanges[name])
		default:
			fmt.Fprintf(a.stdout, "  [-] %s: not configured\n", name)
		}
	}
	return nil
}

func venueInfo(cfg config.Config, name string) string {
	switch name {
	case config.VenueCrypto:
		return fmt.Sprintf("%s (testnet=%t)", cfg.Crypto.ExchangeID, cfg.CryptoTestnet())
	case config.VenueAlpaca:
		return fmt.Sprintf("paper=%t", cfg.AlpacaPaper())
	case config.VenuePolymarket:
		return fmt.Sprintf("chain_id=%d", cfg.Polymarket.ChainID)
	default:
		return "unknown"
	}
}

func (a *app) trade(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("trade", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	priceRaw := fs.String("price", "", "limit price (omit for a market order)")
	target := fs.String("exchange", "", "connector name (defaults to the first connected venue)")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return err
	}
	if len(positional) != 3 {
		return fmt.Errorf("%w: trade <symbol> <buy|sell> <qty> [-price p] [-exchange name]", errUsage)
	}
	symbol := positional[0]
	side := core.Side(strings.ToLower(positional[1]))
	if !side.Valid() {
		return fmt.Errorf("%w: side must be buy or sell, got %q", errUsage, positional[1])
	}
	qty, err := decimal.NewFromString(positional[2])
	if err != nil {
		return fmt.Errorf("%w: qty: %v", errUsage, err)
	}
	req := core.OrderRequest{Symbol: symbol, Side: side, Type: core.MarketOrder, Quantity: qty}
	if *priceRaw != "" {
		price, err := decimal.NewFromString(*priceRaw)
		if err != nil {
			return fmt.Errorf("%w: price: %v", errUsage, err)
		}
		req.Type = core.LimitOrder
		req.Price = &price
	}
	if err := core.ValidateOrderRequest(req); err != nil {
		return err
	}

	eng, cleanup, err := a.newEngine(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	conn, name, err := a.pick(eng, *target)
	if err != nil || conn == nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Placing %s %s order: %s %s on %s\n", req.Type, side, qty, symbol, name)
	if eng.DryRun() {
		fmt.Fprintln(a.stdout, "[DRY RUN] Order not submitted. Set dry_run: false in config to execute.")
		return nil
	}
	order, err := conn.PlaceOrder(ctx, req)
	if err != nil {
		return fmt.Errorf("order failed: %w", err)
	}
	fmt.Fprintf(a.stdout, "Order placed: id=%s status=%s\n", order.OrderID, order.Status)
	return nil
}

func (a *app) markets(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("markets", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	target := fs.String("exchange", "", "connector name")
	if _, err := parseInterspersed(fs, args); err != nil {
		return err
	}
	eng, cleanup, err := a.newEngine(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	conn, _, err := a.pick(eng, *target)
	if err != nil || conn == nil {
		return err
	}
	markets, err := conn.GetMarkets(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(a.stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "SYMBOL\tBASE\tQUOTE\tMIN SIZE\tPRECISION\tACTIVE")
	for _, m := range markets {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%t\n", m.Symbol, m.BaseCurrency, m.QuoteCurrency, m.MinOrderSize, m.Precision, m.Active)
	}
	return tw.Flush()
}

func (a *app) ticker(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ticker", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	target := fs.String("exchange", "", "connector name")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return err
	}
	if len(positional) != 1 {
		return fmt.Errorf("%w: ticker <symbol> [-exchange name]", errUsage)
	}
	eng, cleanup, err := a.newEngine(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	conn, _, err := a.pick(eng, *target)
	if err != nil || conn == nil {
		return err
	}
	t, err := conn.GetTicker(ctx, positional[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "%s bid=%s ask=%s last=%s volume_24h=%s\n", t.Symbol, optional(t.Bid), optional(t.Ask), optional(t.Last), optional(t.Volume24h))
	return nil
}

func (a *app) book(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("book", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	target := fs.String("exchange", "", "connector name")
	depth := fs.Int("depth", 10, "levels per side")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return err
	}
	if len(positional) != 1 {
		return fmt.Errorf("%w: book <symbol> [-exchange name]", errUsage)
	}
	eng, cleanup, err := a.newEngine(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	conn, _, err := a.pick(eng, *target)
	if err != nil || conn == nil {
		return err
	}
	ob, err := conn.GetOrderBook(ctx, positional[0])
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(a.stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "BID QTY\tBID\tASK\tASK QTY")
	for i := 0; i < *depth && (i < len(ob.Bids) || i < len(ob.Asks)); i++ {
		var bq, bp, ap, aq string
		if i < len(ob.Bids) {
			bq, bp = ob.Bids[i].Quantity.String(), ob.Bids[i].Price.String()
		}
		if i < len(ob.Asks) {
			ap, aq = ob.Asks[i].Price.String(), ob.Asks[i].Quantity.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", bq, bp, ap, aq)
	}
	return tw.Flush()
}

func (a *app) orders(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("orders", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	target := fs.String("exchange", "", "connector name")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return err
	}
	symbol := ""
	if len(positional) > 0 {
		symbol = positional[0]
	}
	eng, cleanup, err := a.newEngine(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	conn, _, err := a.pick(eng, *target)
	if err != nil || conn == nil {
		return err
	}
	orders, err := conn.GetOrderHistory(ctx, symbol)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(a.stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSYMBOL\tSIDE\tTYPE\tQTY\tPRICE\tFILLED\tSTATUS")
	for _, o := range orders {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", o.OrderID, o.Symbol, o.Side, o.Type, o.Quantity, optional(o.Price), o.FilledQuantity, o.Status)
	}
	return tw.Flush()
}

// pick returns the named connector, or the first connected one when name is
// empty. A nil connector with a nil error means a message was printed.
func (a *app) pick(eng *engine.Engine, name string) (exchange.Connector, string, error) {
	names := eng.ConnectedExchanges()
	if len(names) == 0 {
		fmt.Fprintln(a.stdout, "No connectors available. Check your credentials.")
		return nil, "", nil
	}
	if name == "" {
		name = names[0]
	}
	conn, ok := eng.Connector(name)
	if !ok {
		return nil, "", fmt.Errorf("connector %q not found, available: %s", name, strings.Join(names, ", "))
	}
	return conn, name, nil
}

// parseInterspersed lets flags follow positional arguments.
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

func (a *app) header(title string, width int) {
	fmt.Fprintf(a.stdout, "\n%s\n  %s\n%s\n", strings.Repeat("-", width), strings.ToUpper(title), strings.Repeat("-", width))
}

func optional(d *decimal.Decimal) string {
	if d == nil {
		return "-"
	}
	return d.String()
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
