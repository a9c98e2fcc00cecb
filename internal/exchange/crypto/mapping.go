package crypto

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradingbot/internal/core"
)

var statusMap = map[string]core.OrderStatus{
	StatusOpen:     core.OrderOpen,
	StatusClosed:   core.OrderFilled,
	StatusCanceled: core.OrderCancelled,
	"cancelled":    core.OrderCancelled,
	StatusExpired:  core.OrderExpired,
	StatusRejected: core.OrderRejected,
}

// MapStatus maps a unified status. An open order with 0 < filled < amount is
// partially filled; unknown statuses are treated as open.
func MapStatus(status string, filled, amount decimal.Decimal) core.OrderStatus {
	status = strings.ToLower(strings.TrimSpace(status))
	if status == "" {
		status = StatusOpen
	}
	if status == StatusOpen && filled.Sign() > 0 && filled.Cmp(amount) < 0 {
		return core.OrderPartiallyFilled
	}
	if mapped, ok := statusMap[status]; ok {
		return mapped
	}
	return core.OrderOpen
}

// MapOrder converts a unified order into the domain model.
func MapOrder(venue string, o OrderInfo) core.Order {
	typ := core.OrderType(strings.ToLower(o.Type))
	if !typ.Valid() {
		typ = core.MarketOrder
	}
	side := core.Side(strings.ToLower(o.Side))
	if side != core.Sell {
		side = core.Buy
	}
	var price *decimal.Decimal
	if o.Price != nil && o.Price.Sign() != 0 {
		price = core.DecimalPtr(*o.Price)
	}
	order := core.Order{
		OrderID:        o.ID,
		Symbol:         o.Symbol,
		Side:           side,
		Type:           typ,
		Quantity:       o.Amount,
		Price:          price,
		FilledQuantity: o.Filled,
		Status:         MapStatus(o.Status, o.Filled, o.Amount),
		Connector:      venue,
		CreatedAt:      time.Now().UTC(),
		Raw:            o.Info,
	}
	if o.Timestamp > 0 {
		order.CreatedAt = time.UnixMilli(o.Timestamp).UTC()
	}
	return order
}

// mapBalances keeps currencies with a positive total, sorted by currency.
func mapBalances(sheet BalanceSheet) []core.Balance {
	out := make([]core.Balance, 0, len(sheet.Total))
	for currency, total := range sheet.Total {
		if total.Sign() <= 0 {
			continue
		}
		out = append(out, core.Balance{
			Currency: currency,
			Free:     sheet.Free[currency],
			Used:     sheet.Used[currency],
			Total:    total,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out
}

func mapPositions(venue string, positions []PositionInfo) []core.Position {
	out := make([]core.Position, 0, len(positions))
	for _, p := range positions {
		if p.Contracts.Sign() == 0 {
			continue
		}
		side := core.Sell
		if strings.EqualFold(p.Side, "long") {
			side = core.Buy
		}
		out = append(out, core.Position{
			Symbol:        p.Symbol,
			Quantity:      p.Contracts.Abs(),
			EntryPrice:    p.EntryPrice,
			CurrentPrice:  p.MarkPrice,
			UnrealizedPnL: p.UnrealizedPnl,
			Side:          side,
			Connector:     venue,
		})
	}
	return out
}

func mapMarkets(markets map[string]MarketInfo) []core.Market {
	out := make([]core.Market, 0, len(markets))
	for symbol, m := range markets {
		precision := m.AmountPrecision
		if precision <= 0 {
			precision = core.DefaultPrecision
		}
		out = append(out, core.Market{
			Symbol:        symbol,
			BaseCurrency:  m.Base,
			QuoteCurrency: m.Quote,
			MinOrderSize:  m.MinAmount,
			Precision:     precision,
			Active:        m.Active,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func mapTicker(symbol string, t TickerInfo) core.Ticker {
	out := core.Ticker{
		Symbol:    symbol,
		Bid:       nonZero(t.Bid),
		Ask:       nonZero(t.Ask),
		Last:      nonZero(t.Last),
		Volume24h: nonZero(t.QuoteVolume),
		Timestamp: time.Now().UTC(),
	}
	if t.Timestamp > 0 {
		out.Timestamp = time.UnixMilli(t.Timestamp).UTC()
	}
	return out
}

func mapBook(symbol string, b BookInfo) core.OrderBook {
	book := core.OrderBook{
		Symbol:    symbol,
		Bids:      make([]core.OrderBookEntry, 0, len(b.Bids)),
		Asks:      make([]core.OrderBookEntry, 0, len(b.Asks)),
		Timestamp: time.Now().UTC(),
	}
	for _, lvl := range b.Bids {
		book.Bids = append(book.Bids, core.OrderBookEntry{Price: lvl[0], Quantity: lvl[1]})
	}
	for _, lvl := range b.Asks {
		book.Asks = append(book.Asks, core.OrderBookEntry{Price: lvl[0], Quantity: lvl[1]})
	}
	if b.Timestamp > 0 {
		book.Timestamp = time.UnixMilli(b.Timestamp).UTC()
	}
	return book
}

func nonZero(v *decimal.Decimal) *decimal.Decimal {
	if v == nil || v.Sign() == 0 {
		return nil
	}
	return core.DecimalPtr(*v)
}
