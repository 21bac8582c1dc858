package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pivot-backtest/strategies"
)

// FillMode selects the price a paper market order executes at.
type FillMode int

const (
	// FillSignalClose fills immediately at the close of the submitting bar.
	FillSignalClose FillMode = iota
	// FillNextOpen queues the order and fills it at the next bar's open.
	FillNextOpen
)

func (m FillMode) String() string {
	if m == FillNextOpen {
		return "next-open"
	}
	return "signal-close"
}

func (m FillMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *FillMode) UnmarshalText(b []byte) error {
	v, err := ParseFillMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

func ParseFillMode(s string) (FillMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "signal-close", "close":
		return FillSignalClose, nil
	case "next-open", "open":
		return FillNextOpen, nil
	}
	return FillSignalClose, fmt.Errorf("unknown fill mode %q", s)
}

type PaperConfig struct {
	Symbol      string
	FillMode    FillMode
	Rules       ExchangeRules
	Slippage    SlippageMode
	InitialCash decimal.Decimal
	// Notional, when positive, sizes buys as Notional/price instead of the requested size.
	Notional decimal.Decimal
}

type queuedOrder struct {
	id          string
	side        strategies.OrderSide
	size        decimal.Decimal
	submitIndex uint64
}

// PaperGateway is a simulated broker. It sees every bar before the strategy
// does, which is how queued next-open orders get settled.
type PaperGateway struct {
	cfg      PaperConfig
	last     strategies.Bar
	seen     bool
	queued   *queuedOrder
	position AccountPosition
	cash     decimal.Decimal
	ledger   *Ledger
	events   *EventLog
	logger   *zap.Logger
	newID    func() string
}

func NewPaperGateway(cfg PaperConfig, logger *zap.Logger) *PaperGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Slippage == "" {
		cfg.Slippage = SlippageNone
	}
	return &PaperGateway{
		cfg:    cfg,
		cash:   cfg.InitialCash,
		ledger: NewLedger(cfg.Symbol, cfg.InitialCash),
		events: &EventLog{},
		logger: logger.With(zap.String("symbol", cfg.Symbol)),
		newID:  uuid.NewString,
	}
}

func (g *PaperGateway) ObserveBar(_ context.Context, bar strategies.Bar) (strategies.FillEvent, bool) {
	g.last, g.seen = bar, true

	var (
		ev      strategies.FillEvent
		settled bool
	)
	if q := g.queued; q != nil {
		g.queued = nil
		ev, settled = g.execute(q, bar.Open, bar), true
	}
	g.ledger.Mark(bar.Timestamp, g.Equity(bar.Close))
	return ev, settled
}

func (g *PaperGateway) SubmitBuy(ctx context.Context, size float64) strategies.FillEvent {
	return g.submit(ctx, strategies.SideBuy, decimal.NewFromFloat(size))
}

func (g *PaperGateway) SubmitClose(ctx context.Context) strategies.FillEvent {
	if g.position.Flat() {
		return g.reject(&queuedOrder{id: g.newID(), side: strategies.SideSell, submitIndex: g.last.Index}, g.last, "no open position")
	}
	return g.submit(ctx, strategies.SideSell, g.position.Quantity)
}

func (g *PaperGateway) submit(ctx context.Context, side strategies.OrderSide, size decimal.Decimal) strategies.FillEvent {
	q := &queuedOrder{id: g.newID(), side: side, size: size, submitIndex: g.last.Index}
	if err := ctx.Err(); err != nil {
		return g.reject(q, g.last, err.Error())
	}
	if !g.seen {
		return g.reject(q, g.last, "no market data")
	}
	g.events.Append(Event{
		Ts: g.last.Timestamp, Index: g.last.Index, Type: EventOrderSubmit, Symbol: g.cfg.Symbol,
		Details: map[string]string{"order_id": q.id, "side": side.String(), "size": size.String(), "fill_mode": g.cfg.FillMode.String()},
	})

	if g.cfg.FillMode == FillNextOpen {
		g.queued = q
		return strategies.FillEvent{OrderID: q.id, Side: side, Status: strategies.FillPending, Size: size.InexactFloat64(), Index: g.last.Index}
	}
	return g.execute(q, g.last.Close, g.last)
}

func (g *PaperGateway) execute(q *queuedOrder, ref float64, bar strategies.Bar) strategies.FillEvent {
	price := g.cfg.Slippage.Apply(q.side, decimal.NewFromFloat(ref))

	var qty, fee decimal.Decimal
	if q.side == strategies.SideBuy {
		qty = q.size
		if g.cfg.Notional.Sign() > 0 && price.Sign() > 0 {
			qty = g.cfg.Notional.Div(price)
		}
		var ok bool
		price, qty, ok = g.cfg.Rules.Filter(price, qty)
		if !ok {
			return g.reject(q, bar, "order below exchange minimums")
		}
		cost := price.Mul(qty)
		fee = g.cfg.Rules.Fee(cost, false)
		if g.cfg.InitialCash.Sign() > 0 && cost.Add(fee).GreaterThan(g.cash) {
			return g.reject(q, bar, "insufficient cash")
		}
		g.cash = g.cash.Sub(cost).Sub(fee)
		g.position.ApplyFill(q.side, price, qty)
		g.ledger.Open(bar, price, qty, fee)
	} else {
		if g.position.Flat() {
			return g.reject(q, bar, "no open position")
		}
		price = roundStep(price, g.cfg.Rules.TickSize)
		qty = g.position.Quantity
		proceeds := price.Mul(qty)
		fee = g.cfg.Rules.Fee(proceeds, false)
		g.cash = g.cash.Add(proceeds).Sub(fee)
		g.position.ApplyFill(q.side, price, qty)
		if t, ok := g.ledger.Close(bar, q.submitIndex, price, fee); ok {
			g.logger.Info("trade closed",
				zap.Uint64("entry_index", t.EntryIndex),
				zap.Uint64("exit_index", t.ExitIndex),
				zap.String("pnl_usd", t.PnlUsd.StringFixed(2)))
		}
	}

	g.events.Append(Event{
		Ts: bar.Timestamp, Index: bar.Index, Type: EventOrderFill, Symbol: g.cfg.Symbol,
		Details: map[string]string{"order_id": q.id, "side": q.side.String(), "price": price.String(), "qty": qty.String(), "fee": fee.String()},
	})
	g.events.Append(Event{
		Ts: bar.Timestamp, Index: bar.Index, Type: EventPositionUpdate, Symbol: g.cfg.Symbol,
		Details: map[string]string{"qty": g.position.Quantity.String(), "avg_price": g.position.AvgPrice.String(), "cash": g.cash.String()},
	})
	return strategies.FillEvent{
		OrderID: q.id,
		Side:    q.side,
		Status:  strategies.FillFilled,
		Price:   price.InexactFloat64(),
		Size:    qty.InexactFloat64(),
		Index:   bar.Index,
	}
}

func (g *PaperGateway) reject(q *queuedOrder, bar strategies.Bar, reason string) strategies.FillEvent {
	g.logger.Warn("paper order rejected",
		zap.String("order_id", q.id),
		zap.String("side", q.side.String()),
		zap.String("reason", reason))
	g.events.Append(Event{
		Ts: bar.Timestamp, Index: bar.Index, Type: EventOrderReject, Symbol: g.cfg.Symbol,
		Details: map[string]string{"order_id": q.id, "side": q.side.String(), "reason": reason},
	})
	return strategies.FillEvent{OrderID: q.id, Side: q.side, Status: strategies.FillRejected, Index: bar.Index, Reason: reason}
}

// Finish marks the final equity after the last bar has been processed.
func (g *PaperGateway) Finish() {
	if g.seen {
		g.ledger.Mark(g.last.Timestamp, g.Equity(g.last.Close))
	}
}

// Equity is cash plus the position marked at price.
func (g *PaperGateway) Equity(mark float64) decimal.Decimal {
	return g.cash.Add(g.position.MarketValue(decimal.NewFromFloat(mark)))
}

func (g *PaperGateway) Position() AccountPosition { return g.position }
func (g *PaperGateway) Cash() decimal.Decimal      { return g.cash }
func (g *PaperGateway) Ledger() *Ledger            { return g.ledger }
func (g *PaperGateway) Events() *EventLog          { return g.events }
