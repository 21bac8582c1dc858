package strategies

// PatternValidator detects the ascending-low continuation: the latest confirmed
// low sits above the one before it while price has pulled back under the mean.
type PatternValidator struct {
	MinConfirmedHighs      int
	RequireHighBetweenLows bool
}

// Validate returns the last confirmed low as the potential entry when the
// pattern holds for this bar.
func (v PatternValidator) Validate(h *PivotHistory, bar Bar, band Band) (Pivot, bool) {
	if h.Len(PivotLow) < 2 || h.Len(PivotHigh) < v.MinConfirmedHighs {
		return Pivot{}, false
	}
	lastLow, _ := h.Recent(PivotLow, 0)
	prevLow, _ := h.Recent(PivotLow, 1)

	if v.RequireHighBetweenLows {
		lastHigh, ok := h.Recent(PivotHigh, 0)
		if !ok || lastHigh.Index < prevLow.Index {
			return Pivot{}, false
		}
	}

	if lastLow.Price > prevLow.Price && bar.Close > prevLow.Price && bar.Low < band.Mid {
		return lastLow, true
	}
	return Pivot{}, false
}
