package strategies

// EntryTimer debounces an armed potential entry for WaitBars qualifying bars and
// then requires the close to bounce more than BounceThresh off the reference.
type EntryTimer struct {
	WaitBars     int
	BounceThresh float64
}

// Arm installs a new potential entry, overwriting any unconsumed one.
func (t EntryTimer) Arm(st TradeState, pe Pivot) TradeState {
	st.PotentialEntry = &pe
	st.WaitCounter = t.WaitBars
	return st
}

// Evaluate runs on bars after arming. A bar qualifies when its low is under the
// lower band and its close is above the reference price.
func (t EntryTimer) Evaluate(st TradeState, bar Bar, band Band) (TradeState, bool) {
	if st.Position != Flat || st.PotentialEntry == nil {
		return st, false
	}
	ref := st.PotentialEntry.Price
	if !(bar.Low < band.Lower && bar.Close > ref) {
		return st, false
	}
	if st.WaitCounter > 0 {
		st.WaitCounter--
		return st, false
	}
	return st, BounceRatio(bar.Close, ref) > t.BounceThresh
}

// BounceRatio is the fractional move of price above ref.
func BounceRatio(price, ref float64) float64 {
	if ref == 0 {
		return 0
	}
	return (price - ref) / ref
}
