package strategies

import (
	"math"
	"testing"
)

func flatBar(price float64) Bar {
	return Bar{Open: price, High: price, Low: price, Close: price}
}

// runPivots feeds bars through fresh bands and a state machine.
func runPivots(t *testing.T, period int, mult float64, bars []Bar) (*PivotStateMachine, []PivotUpdate) {
	t.Helper()
	bc, err := NewBandCalculator(period, mult)
	if err != nil {
		t.Fatal(err)
	}
	sm := NewPivotStateMachine()
	var updates []PivotUpdate
	for i, b := range bars {
		b.Index = uint64(i)
		band, ok := bc.Update(b.Close)
		if !ok {
			continue
		}
		updates = append(updates, sm.Update(b, band))
	}
	return sm, updates
}

// highThenLowBars: a wick above the upper band at 11, then a wick below the
// lower band at 20.
func highThenLowBars() []Bar {
	var bars []Bar
	for i := 0; i < 11; i++ {
		bars = append(bars, flatBar(100))
	}
	bars = append(bars, Bar{Open: 100, High: 110, Low: 100, Close: 105})
	for i := 12; i < 20; i++ {
		bars = append(bars, flatBar(100))
	}
	bars = append(bars, Bar{Open: 100, High: 100, Low: 90, Close: 95})
	return bars
}

func TestPivotHighConfirmedOnLowerBreach(t *testing.T) {
	sm, _ := runPivots(t, 5, 2, highThenLowBars())

	highs := sm.History().Highs()
	if len(highs) != 1 {
		t.Fatalf("expected one confirmed high, got %v", highs)
	}
	if highs[0].Index != 11 || highs[0].Price != 110 {
		t.Fatalf("unexpected high %+v", highs[0])
	}
	if sm.Mode() != ModeSearchingLow {
		t.Fatalf("mode = %s", sm.Mode())
	}
	c, ok := sm.Candidate()
	if !ok || c.Index != 20 || c.Price != 90 || c.Kind != PivotLow {
		t.Fatalf("unexpected low candidate %+v", c)
	}
	if len(sm.History().Lows()) != 0 {
		t.Fatal("low must not be confirmed yet")
	}
}

func TestPivotCandidateExtendsOnStrictImprovement(t *testing.T) {
	bars := highThenLowBars()[:12]
	bars = append(bars, Bar{Open: 105, High: 112, Low: 104, Close: 108})
	bars = append(bars, Bar{Open: 108, High: 112, Low: 107, Close: 108})

	sm, updates := runPivots(t, 5, 2, bars)
	c, _ := sm.Candidate()
	if c.Index != 12 || c.Price != 112 {
		t.Fatalf("equal high must not move the candidate, got %+v", c)
	}
	if !updates[len(updates)-2].Extended || updates[len(updates)-1].Extended {
		t.Fatal("unexpected Extended flags")
	}
}

func TestPivotMonotonicRiseHasNoLow(t *testing.T) {
	var bars []Bar
	for i := 0; i < 200; i++ {
		p := 100 + float64(i)
		bars = append(bars, Bar{Open: p, High: p + 0.5, Low: p - 0.5, Close: p})
	}
	sm, _ := runPivots(t, 10, 2, bars)
	if n := len(sm.History().Lows()); n != 0 {
		t.Fatalf("monotonic rise produced %d lows", n)
	}
}

func TestPivotHistoryOrderedAndAlternating(t *testing.T) {
	var bars []Bar
	for i := 0; i < 600; i++ {
		// slow swing with occasional spikes either way
		p := 100 + 8*math.Sin(float64(i)/15)
		b := Bar{Open: p, High: p + 0.2, Low: p - 0.2, Close: p}
		if i%37 == 0 {
			b.High += 6
		}
		if i%53 == 0 {
			b.Low -= 6
		}
		bars = append(bars, b)
	}
	sm, updates := runPivots(t, 20, 2, bars)

	for _, seq := range [][]Pivot{sm.History().Highs(), sm.History().Lows()} {
		for i := 1; i < len(seq); i++ {
			if seq[i].Index <= seq[i-1].Index {
				t.Fatalf("indices not strictly increasing: %v", seq)
			}
		}
	}
	var last *Pivot
	for _, u := range updates {
		if u.Confirmed == nil {
			continue
		}
		if last != nil && last.Kind == u.Confirmed.Kind {
			t.Fatalf("two %s pivots confirmed in a row", u.Confirmed.Kind)
		}
		last = u.Confirmed
	}
	if len(sm.History().Highs()) == 0 || len(sm.History().Lows()) == 0 {
		t.Fatal("swinging series should confirm both kinds")
	}
}

func TestConfirmedHighIsExtremeOfLeg(t *testing.T) {
	bars := highThenLowBars()[:12]
	for _, h := range []float64{115, 111, 113} {
		bars = append(bars, Bar{Open: 105, High: h, Low: 104, Close: 106})
	}
	for i := 0; i < 6; i++ {
		bars = append(bars, flatBar(100))
	}
	bars = append(bars, Bar{Open: 100, High: 100, Low: 80, Close: 90})

	sm, _ := runPivots(t, 5, 2, bars)
	highs := sm.History().Highs()
	if len(highs) != 1 || highs[0].Price != 115 || highs[0].Index != 12 {
		t.Fatalf("confirmed high should be the leg maximum, got %v", highs)
	}
}

func TestPivotHistoryRecent(t *testing.T) {
	var h PivotHistory
	h.append(Pivot{Index: 3, Price: 1, Kind: PivotLow})
	h.append(Pivot{Index: 9, Price: 2, Kind: PivotLow})
	if p, _ := h.Recent(PivotLow, 0); p.Index != 9 {
		t.Fatalf("Recent(0) = %+v", p)
	}
	if p, _ := h.Recent(PivotLow, 1); p.Index != 3 {
		t.Fatalf("Recent(1) = %+v", p)
	}
	if _, ok := h.Recent(PivotLow, 2); ok {
		t.Fatal("Recent past history should fail")
	}

	defer func() {
		if recover() == nil {
			t.Fatal("out of order append should panic")
		}
	}()
	h.append(Pivot{Index: 9, Price: 3, Kind: PivotLow})
}
