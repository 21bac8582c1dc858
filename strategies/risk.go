package strategies

// ExitDecision is the outcome of a per-bar risk check.
type ExitDecision struct {
	Exit         bool
	Reason       string
	TrailingStop float64
}

// PositionRiskManager owns the stop levels of an open long.
type PositionRiskManager struct {
	Mode            StopMode
	StopLossPct     float64
	TrailingStopPct float64
}

// OnBuyFill opens the position. In pivot mode the stop is the potential-entry
// low; without one it falls back to the percentage stop, then to the trailing
// distance from the fill.
func (r PositionRiskManager) OnBuyFill(st TradeState, fillPrice float64) TradeState {
	var stop float64
	switch {
	case r.Mode == StopModePivot && st.PotentialEntry != nil:
		stop = st.PotentialEntry.Price
	case r.StopLossPct > 0:
		stop = fillPrice * (1 - r.StopLossPct)
	default:
		stop = r.TrailingStop(fillPrice)
	}
	return TradeState{
		Position:              Long,
		EntryPrice:            fillPrice,
		StopPrice:             &stop,
		HighestPriceSincePeak: fillPrice,
	}
}

// OnCloseFill returns the state to flat with nothing armed.
func (r PositionRiskManager) OnCloseFill(TradeState) TradeState {
	return TradeState{Position: Flat}
}

func (r PositionRiskManager) TrailingStop(highest float64) float64 {
	return highest * (1 - r.TrailingStopPct)
}

// Check ratchets the running high and tests the trailing stop before the fixed stop.
func (r PositionRiskManager) Check(st TradeState, bar Bar) (TradeState, ExitDecision) {
	if st.Position != Long {
		return st, ExitDecision{}
	}
	if bar.Close > st.HighestPriceSincePeak {
		st.HighestPriceSincePeak = bar.Close
	}
	d := ExitDecision{TrailingStop: r.TrailingStop(st.HighestPriceSincePeak)}
	switch {
	case bar.Close < d.TrailingStop:
		d.Exit, d.Reason = true, ReasonTrailingStop
	case st.StopPrice != nil && bar.Close < *st.StopPrice:
		d.Exit, d.Reason = true, ReasonFixedStop
	}
	return st, d
}
