package engine

import (
	"github.com/shopspring/decimal"

	"pivot-backtest/strategies"
)

// AccountPosition is the long-only book of a paper account.
type AccountPosition struct {
	Quantity    decimal.Decimal
	AvgPrice    decimal.Decimal
	RealizedPnl decimal.Decimal
}

func (p AccountPosition) Flat() bool { return p.Quantity.Sign() <= 0 }

// ApplyFill updates the position with a new fill and returns the PnL realized
// by it. Sells are capped at the held quantity.
func (p *AccountPosition) ApplyFill(side strategies.OrderSide, price, qty decimal.Decimal) decimal.Decimal {
	if qty.Sign() <= 0 {
		return decimal.Zero
	}
	if side == strategies.SideBuy {
		total := p.Quantity.Add(qty)
		p.AvgPrice = p.AvgPrice.Mul(p.Quantity).Add(price.Mul(qty)).Div(total)
		p.Quantity = total
		return decimal.Zero
	}

	closed := decimal.Min(p.Quantity, qty)
	realized := price.Sub(p.AvgPrice).Mul(closed)
	p.RealizedPnl = p.RealizedPnl.Add(realized)
	p.Quantity = p.Quantity.Sub(closed)
	if p.Quantity.Sign() == 0 {
		p.AvgPrice = decimal.Zero
	}
	return realized
}

// MarketValue at the given mark price.
func (p *AccountPosition) MarketValue(mark decimal.Decimal) decimal.Decimal {
	return p.Quantity.Mul(mark)
}
