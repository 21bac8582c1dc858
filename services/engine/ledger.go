package engine

import (
	"github.com/shopspring/decimal"

	"pivot-backtest/strategies"
)

// Trade is a completed long round trip.
type Trade struct {
	Symbol     string          `json:"symbol"`
	EntryIndex uint64          `json:"entry_index"`
	ExitIndex  uint64          `json:"exit_index"`
	EntryTime  int64           `json:"entry_time"`
	ExitTime   int64           `json:"exit_time"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	Qty        decimal.Decimal `json:"qty"`
	FeesUsd    decimal.Decimal `json:"fees_usd"`
	PnlUsd     decimal.Decimal `json:"pnl_usd"`
	PnlPct     decimal.Decimal `json:"pnl_pct"`
	ExitReason string          `json:"exit_reason"`
	BarsHeld   int             `json:"bars_held"`

	// bar the close order was submitted on; differs from ExitIndex for next-open fills
	exitSignalIndex uint64
}

// TradeSummary contains aggregated statistics
type TradeSummary struct {
	TotalTrades  int             `json:"total_trades"`
	Wins         int             `json:"wins"`
	Losses       int             `json:"losses"`
	WinRate      decimal.Decimal `json:"win_rate"`
	NetPnlUsd    decimal.Decimal `json:"net_pnl_usd"`
	AvgWinUsd    decimal.Decimal `json:"avg_win_usd"`
	AvgLossUsd   decimal.Decimal `json:"avg_loss_usd"`
	Expectancy   decimal.Decimal `json:"expectancy"`
	ProfitFactor decimal.Decimal `json:"profit_factor"`
	MaxDrawdown  decimal.Decimal `json:"max_drawdown"`
	TotalFees    decimal.Decimal `json:"total_fees"`
}

type EquityPoint struct {
	Timestamp int64           `json:"timestamp"`
	Equity    decimal.Decimal `json:"equity"`
	Drawdown  decimal.Decimal `json:"drawdown"`
}

// Ledger records round trips and the marked equity curve of one symbol.
type Ledger struct {
	symbol  string
	initial decimal.Decimal
	open    *Trade
	trades  []Trade
	equity  []EquityPoint
	peak    decimal.Decimal
	maxDD   decimal.Decimal
}

func NewLedger(symbol string, initialEquity decimal.Decimal) *Ledger {
	return &Ledger{symbol: symbol, initial: initialEquity, peak: initialEquity}
}

func (l *Ledger) Open(bar strategies.Bar, price, qty, fee decimal.Decimal) {
	l.open = &Trade{
		Symbol:     l.symbol,
		EntryIndex: bar.Index,
		EntryTime:  bar.Timestamp,
		EntryPrice: price,
		Qty:        qty,
		FeesUsd:    fee,
	}
}

// Close completes the open trade. signalIndex is the bar the exit was decided on.
func (l *Ledger) Close(bar strategies.Bar, signalIndex uint64, price, fee decimal.Decimal) (Trade, bool) {
	if l.open == nil {
		return Trade{}, false
	}
	t := *l.open
	l.open = nil

	t.ExitIndex = bar.Index
	t.ExitTime = bar.Timestamp
	t.ExitPrice = price
	t.FeesUsd = t.FeesUsd.Add(fee)
	t.PnlUsd = price.Sub(t.EntryPrice).Mul(t.Qty).Sub(t.FeesUsd)
	if cost := t.EntryPrice.Mul(t.Qty); cost.Sign() > 0 {
		t.PnlPct = t.PnlUsd.Div(cost).Mul(decimal.NewFromInt(100))
	}
	t.BarsHeld = int(bar.Index - t.EntryIndex)
	t.exitSignalIndex = signalIndex
	l.trades = append(l.trades, t)
	return t, true
}

// Mark records an equity point and tracks the running peak-to-trough drawdown.
func (l *Ledger) Mark(ts int64, equity decimal.Decimal) {
	if equity.GreaterThan(l.peak) {
		l.peak = equity
	}
	dd := decimal.Zero
	if l.peak.Sign() > 0 {
		dd = l.peak.Sub(equity).Div(l.peak)
	}
	if dd.GreaterThan(l.maxDD) {
		l.maxDD = dd
	}
	p := EquityPoint{Timestamp: ts, Equity: equity, Drawdown: dd}
	// a second mark for the same bar replaces the first
	if n := len(l.equity); n > 0 && l.equity[n-1].Timestamp == ts {
		l.equity[n-1] = p
		return
	}
	l.equity = append(l.equity, p)
}

// AnnotateExits copies exit reasons from the signal stream onto the trades.
func (l *Ledger) AnnotateExits(signals []strategies.Signal) {
	reasons := make(map[uint64]string, len(signals))
	for _, s := range signals {
		if s.Type == strategies.SignalExitLong {
			reasons[s.Index] = s.Reason
		}
	}
	for i := range l.trades {
		if r, ok := reasons[l.trades[i].exitSignalIndex]; ok {
			l.trades[i].ExitReason = r
		}
	}
}

func (l *Ledger) Trades() []Trade {
	out := make([]Trade, len(l.trades))
	copy(out, l.trades)
	return out
}

func (l *Ledger) Equity() []EquityPoint {
	out := make([]EquityPoint, len(l.equity))
	copy(out, l.equity)
	return out
}

func (l *Ledger) HasOpen() bool { return l.open != nil }

// Summary calculates trade statistics. MaxDrawdown is in percent of peak equity.
func (l *Ledger) Summary() TradeSummary {
	s := TradeSummary{MaxDrawdown: l.maxDD.Mul(decimal.NewFromInt(100))}
	if len(l.trades) == 0 {
		return s
	}

	var grossProfit, grossLoss decimal.Decimal
	for _, t := range l.trades {
		s.NetPnlUsd = s.NetPnlUsd.Add(t.PnlUsd)
		s.TotalFees = s.TotalFees.Add(t.FeesUsd)
		if t.PnlUsd.GreaterThan(decimal.Zero) {
			s.Wins++
			grossProfit = grossProfit.Add(t.PnlUsd)
		} else {
			s.Losses++
			grossLoss = grossLoss.Add(t.PnlUsd.Abs())
		}
	}
	s.TotalTrades = len(l.trades)
	hundred := decimal.NewFromInt(100)
	s.WinRate = decimal.NewFromInt(int64(s.Wins)).Div(decimal.NewFromInt(int64(s.TotalTrades))).Mul(hundred)
	if s.Wins > 0 {
		s.AvgWinUsd = grossProfit.Div(decimal.NewFromInt(int64(s.Wins)))
	}
	if s.Losses > 0 {
		s.AvgLossUsd = grossLoss.Div(decimal.NewFromInt(int64(s.Losses)))
	}
	p := s.WinRate.Div(hundred)
	s.Expectancy = p.Mul(s.AvgWinUsd).Sub(decimal.NewFromInt(1).Sub(p).Mul(s.AvgLossUsd))
	if grossLoss.Sign() > 0 {
		s.ProfitFactor = grossProfit.Div(grossLoss)
	}
	return s
}
