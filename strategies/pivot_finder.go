package strategies

import (
	"cmp"
	"slices"
)

// FinderConfig parameterizes the offline pivot pass.
type FinderConfig struct {
	NPeriod          int     `yaml:"n_period" json:"n_period"`
	StdMultiplier    float64 `yaml:"std_multiplier" json:"std_multiplier"`
	MinGap           int     `yaml:"min_gap" json:"min_gap"`
	IncludeCandidate bool    `yaml:"include_candidate" json:"include_candidate"`
}

// FindPivots runs the band pivot state machine over a finished series and thins the
// result so consecutive pivots are at least MinGap bars apart. The first pivot is
// always kept. With IncludeCandidate the unconfirmed trailing extreme is appended
// before thinning. Bars must be in non-decreasing timestamp order.
func FindPivots(bars []Bar, cfg FinderConfig) ([]Pivot, error) {
	if cfg.MinGap < 0 {
		return nil, &ConfigError{Field: "min_gap", Value: cfg.MinGap, Reason: "must be >= 0"}
	}
	bands, err := NewBandCalculator(cfg.NPeriod, cfg.StdMultiplier)
	if err != nil {
		return nil, err
	}
	sm := NewPivotStateMachine()

	var raw []Pivot
	for i, b := range bars {
		if i > 0 && b.Timestamp < bars[i-1].Timestamp {
			return nil, &InputOrderError{Index: uint64(i), Timestamp: b.Timestamp, Previous: bars[i-1].Timestamp}
		}
		b.Index = uint64(i)
		band, ready := bands.Update(b.Close)
		if !ready {
			continue
		}
		if u := sm.Update(b, band); u.Confirmed != nil {
			raw = append(raw, *u.Confirmed)
		}
	}
	if cfg.IncludeCandidate {
		if c, ok := sm.Candidate(); ok {
			raw = append(raw, c)
		}
	}
	return ThinPivots(raw, cfg.MinGap), nil
}

// ThinPivots keeps the first pivot and every later one whose index is at least
// minGap past the last kept pivot.
func ThinPivots(pivots []Pivot, minGap int) []Pivot {
	if len(pivots) <= 1 {
		return pivots
	}
	out := []Pivot{pivots[0]}
	for _, p := range pivots[1:] {
		if p.Index-out[len(out)-1].Index >= uint64(minGap) {
			out = append(out, p)
		}
	}
	return out
}

// ThinPivotSet applies ThinPivots to the highs and lows merged in index order, so
// the gap is enforced across kinds, then splits the survivors back by kind.
func ThinPivotSet(highs, lows []Pivot, minGap int) ([]Pivot, []Pivot) {
	merged := make([]Pivot, 0, len(highs)+len(lows))
	merged = append(merged, highs...)
	merged = append(merged, lows...)
	slices.SortStableFunc(merged, func(a, b Pivot) int { return cmp.Compare(a.Index, b.Index) })

	var outHighs, outLows []Pivot
	for _, p := range ThinPivots(merged, minGap) {
		if p.Kind == PivotHigh {
			outHighs = append(outHighs, p)
		} else {
			outLows = append(outLows, p)
		}
	}
	return outHighs, outLows
}
