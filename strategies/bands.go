package strategies

import "math"

// BandCalculator keeps the last NPeriod closes and derives a Bollinger-style
// envelope from them. The standard deviation is the population one (divisor N).
type BandCalculator struct {
	period     int
	multiplier float64
	closes     *ringBuffer[float64]
}

func NewBandCalculator(period int, multiplier float64) (*BandCalculator, error) {
	if period <= 0 {
		return nil, &ConfigError{Field: "n_period", Value: period, Reason: "must be > 0"}
	}
	if multiplier <= 0 {
		return nil, &ConfigError{Field: "std_multiplier", Value: multiplier, Reason: "must be > 0"}
	}
	return &BandCalculator{
		period:     period,
		multiplier: multiplier,
		closes:     newRingBuffer[float64](period),
	}, nil
}

// Update pushes the bar's close and returns the band for that bar.
// ok is false until the window holds NPeriod closes.
func (b *BandCalculator) Update(close float64) (Band, bool) {
	b.closes.Push(close)
	return b.Current()
}

// Current returns the band over the window as it stands.
func (b *BandCalculator) Current() (Band, bool) {
	if !b.closes.Full() {
		return Band{}, false
	}
	n := b.closes.Len()
	sum := 0.0
	lo, hi := math.Inf(1), math.Inf(-1)
	for i := 0; i < n; i++ {
		v, _ := b.closes.Get(i)
		sum += v
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	// flat window: pin everything to the price so no rounding leaks into sd
	if lo == hi {
		return Band{Mid: lo, Upper: lo, Lower: lo}, true
	}
	mean := sum / float64(n)
	variance := 0.0
	for i := 0; i < n; i++ {
		v, _ := b.closes.Get(i)
		variance += (v - mean) * (v - mean)
	}
	sd := math.Sqrt(variance / float64(n))
	return Band{
		Mid:   mean,
		Upper: mean + b.multiplier*sd,
		Lower: mean - b.multiplier*sd,
	}, true
}

func (b *BandCalculator) Period() int { return b.period }

// Window returns the closes currently held, oldest first.
func (b *BandCalculator) Window() []float64 { return b.closes.ToSlice() }
