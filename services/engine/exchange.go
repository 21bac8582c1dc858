package engine

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"pivot-backtest/strategies"
)

// Exchange filters, fees and slippage

// ExchangeRules defines the symbol constraints applied to every paper order.
type ExchangeRules struct {
	TickSize    decimal.Decimal // minimum price increment
	LotSize     decimal.Decimal // minimum quantity increment
	MinNotional decimal.Decimal // minimum order value, opening orders only
	MakerFee    decimal.Decimal // fraction, e.g. 0.001 = 0.1%
	TakerFee    decimal.Decimal
}

// NewExchangeRules builds rules from plain config values.
func NewExchangeRules(tick, lot, minNotional, makerFee, takerFee float64) ExchangeRules {
	return ExchangeRules{
		TickSize:    decimal.NewFromFloat(tick),
		LotSize:     decimal.NewFromFloat(lot),
		MinNotional: decimal.NewFromFloat(minNotional),
		MakerFee:    decimal.NewFromFloat(makerFee),
		TakerFee:    decimal.NewFromFloat(takerFee),
	}
}

// Filter quantizes price and quantity and reports whether the order clears the
// minimum notional.
func (r ExchangeRules) Filter(price, qty decimal.Decimal) (decimal.Decimal, decimal.Decimal, bool) {
	price = roundStep(price, r.TickSize)
	qty = roundStep(qty, r.LotSize)
	if qty.Sign() <= 0 {
		return price, qty, false
	}
	if r.MinNotional.Sign() > 0 && price.Mul(qty).LessThan(r.MinNotional) {
		return price, qty, false
	}
	return price, qty, true
}

// Fee is charged on notional; market orders pay the taker rate.
func (r ExchangeRules) Fee(notional decimal.Decimal, maker bool) decimal.Decimal {
	rate := r.TakerFee
	if maker {
		rate = r.MakerFee
	}
	return notional.Mul(rate)
}

func roundStep(v, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return v
	}
	return v.Div(step).Round(0).Mul(step)
}

// SlippageMode models the execution cost on top of the reference price.
type SlippageMode string

const (
	SlippageNone          SlippageMode = "NONE"
	SlippageTradeSweep    SlippageMode = "TRADE_SWEEP"
	SlippageSyntheticBook SlippageMode = "SYNTHETIC_BOOK"
)

func ParseSlippageMode(s string) (SlippageMode, error) {
	switch m := SlippageMode(strings.ToUpper(strings.TrimSpace(s))); m {
	case "":
		return SlippageNone, nil
	case SlippageNone, SlippageTradeSweep, SlippageSyntheticBook:
		return m, nil
	}
	return SlippageNone, fmt.Errorf("unknown slippage mode %q", s)
}

func (m SlippageMode) rate() decimal.Decimal {
	switch m {
	case SlippageTradeSweep:
		return decimal.NewFromFloat(0.0001)
	case SlippageSyntheticBook:
		return decimal.NewFromFloat(0.0005)
	}
	return decimal.Zero
}

// Apply moves price against the order: up for buys, down for sells.
func (m SlippageMode) Apply(side strategies.OrderSide, price decimal.Decimal) decimal.Decimal {
	adj := price.Mul(m.rate())
	if side == strategies.SideBuy {
		return price.Add(adj)
	}
	return price.Sub(adj)
}
