package strategies

import (
	"fmt"
	"strings"
)

// StopMode selects how the initial stop is placed on a buy fill.
type StopMode int

const (
	StopModePivot   StopMode = iota // stop at the potential-entry pivot low
	StopModePercent                 // stop at fill * (1 - StopLossPct)
)

func (m StopMode) String() string {
	if m == StopModePercent {
		return "percent"
	}
	return "pivot"
}

func (m StopMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *StopMode) UnmarshalText(b []byte) error {
	v, err := ParseStopMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ParseStopMode accepts "pivot" or "percent".
func ParseStopMode(s string) (StopMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "pivot":
		return StopModePivot, nil
	case "percent", "pct", "percentage":
		return StopModePercent, nil
	}
	return StopModePivot, fmt.Errorf("unknown stop mode %q", s)
}

// HigherLowConfig parameterises the higher-low strategy.
type HigherLowConfig struct {
	NPeriod         int      `yaml:"n_period" json:"n_period"`
	StdMultiplier   float64  `yaml:"std_multiplier" json:"std_multiplier"`
	MinGap          int      `yaml:"min_gap" json:"min_gap"`
	WaitBars        int      `yaml:"wait_bars" json:"wait_bars"`
	BounceThresh    float64  `yaml:"bounce_thresh" json:"bounce_thresh"`
	StopMode        StopMode `yaml:"stop_mode" json:"stop_mode"`
	StopLossPct     float64  `yaml:"stop_loss_pct" json:"stop_loss_pct"`
	TrailingStopPct float64  `yaml:"trailing_stop_pct" json:"trailing_stop_pct"`

	// MinConfirmedHighs is how many confirmed highs the pattern needs besides two lows.
	MinConfirmedHighs int `yaml:"min_confirmed_highs" json:"min_confirmed_highs"`
	// RequireHighBetweenLows demands the last confirmed high be no older than the
	// previous low. A high confirmed after the latest low still passes.
	RequireHighBetweenLows bool `yaml:"require_high_between_lows" json:"require_high_between_lows"`

	OrderSize float64 `yaml:"order_size" json:"order_size"`
}

// DefaultHigherLowConfig returns the parameters the strategy was tuned with on 1m data.
func DefaultHigherLowConfig() HigherLowConfig {
	return HigherLowConfig{
		NPeriod:           40,
		StdMultiplier:     2.0,
		MinGap:            10,
		WaitBars:          3,
		BounceThresh:      0.005,
		StopMode:          StopModePivot,
		StopLossPct:       0.02,
		TrailingStopPct:   0.01,
		MinConfirmedHighs: 1,
		OrderSize:         1,
	}
}

// Validate checks every field and returns the first *ConfigError found.
func (c HigherLowConfig) Validate() error {
	switch {
	case c.NPeriod <= 0:
		return &ConfigError{Field: "n_period", Value: c.NPeriod, Reason: "must be > 0"}
	case c.StdMultiplier <= 0:
		return &ConfigError{Field: "std_multiplier", Value: c.StdMultiplier, Reason: "must be > 0"}
	case c.MinGap < 0:
		return &ConfigError{Field: "min_gap", Value: c.MinGap, Reason: "must be >= 0"}
	case c.WaitBars < 0:
		return &ConfigError{Field: "wait_bars", Value: c.WaitBars, Reason: "must be >= 0"}
	case c.BounceThresh <= 0:
		return &ConfigError{Field: "bounce_thresh", Value: c.BounceThresh, Reason: "must be > 0"}
	case c.StopMode != StopModePivot && c.StopMode != StopModePercent:
		return &ConfigError{Field: "stop_mode", Value: int(c.StopMode), Reason: "unknown mode"}
	case c.StopMode == StopModePercent && (c.StopLossPct <= 0 || c.StopLossPct >= 1):
		return &ConfigError{Field: "stop_loss_pct", Value: c.StopLossPct, Reason: "must be in (0,1) in percent mode"}
	case c.StopLossPct < 0 || c.StopLossPct >= 1:
		return &ConfigError{Field: "stop_loss_pct", Value: c.StopLossPct, Reason: "must be in [0,1)"}
	case c.TrailingStopPct <= 0 || c.TrailingStopPct >= 1:
		return &ConfigError{Field: "trailing_stop_pct", Value: c.TrailingStopPct, Reason: "must be in (0,1)"}
	case c.MinConfirmedHighs < 0:
		return &ConfigError{Field: "min_confirmed_highs", Value: c.MinConfirmedHighs, Reason: "must be >= 0"}
	case c.OrderSize <= 0:
		return &ConfigError{Field: "order_size", Value: c.OrderSize, Reason: "must be > 0"}
	}
	return nil
}
