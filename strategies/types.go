package strategies

import (
	"context"
	"fmt"
	"iter"
)

// Bar represents one OHLCV observation. Timestamp is unix milliseconds.
type Bar struct {
	Index     uint64
	Timestamp int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Band is the volatility envelope for a single bar.
type Band struct {
	Mid   float64
	Upper float64
	Lower float64
}

// PivotKind tags a pivot as a swing high or a swing low
type PivotKind int

const (
	PivotHigh PivotKind = iota
	PivotLow
)

func (k PivotKind) String() string {
	if k == PivotHigh {
		return "high"
	}
	return "low"
}

// Pivot is a swing extremum. While it is a candidate its price may only improve.
type Pivot struct {
	Index uint64    `json:"index"`
	Price float64   `json:"price"`
	Kind  PivotKind `json:"kind"`
}

// SignalType is the per-bar decision
type SignalType int

const (
	SignalNone SignalType = iota
	SignalEnterLong
	SignalExitLong
)

func (t SignalType) String() string {
	switch t {
	case SignalEnterLong:
		return "ENTER_LONG"
	case SignalExitLong:
		return "EXIT_LONG"
	default:
		return "NONE"
	}
}

func (t SignalType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *SignalType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "NONE":
		*t = SignalNone
	case "ENTER_LONG":
		*t = SignalEnterLong
	case "EXIT_LONG":
		*t = SignalExitLong
	default:
		return fmt.Errorf("unknown signal type %q", b)
	}
	return nil
}

// Signal reasons
const (
	ReasonHigherLowBounce = "higher-low-bounce"
	ReasonTrailingStop    = "trailing-stop"
	ReasonFixedStop       = "fixed-stop"
)

// Signal is emitted for a bar. Price is the close of the bar that produced it.
type Signal struct {
	Index     uint64     `json:"index"`
	Timestamp int64      `json:"timestamp"`
	Type      SignalType `json:"type"`
	Price     float64    `json:"price"`
	Reason    string     `json:"reason,omitempty"`
}

// PositionState is flat or long; shorting is not supported.
type PositionState int

const (
	Flat PositionState = iota
	Long
)

func (p PositionState) String() string {
	if p == Long {
		return "long"
	}
	return "flat"
}

// TradeState is the single mutable record of a run's trading lifecycle.
// StopPrice is non-nil iff Position is Long; PotentialEntry is only set while Flat.
type TradeState struct {
	Position              PositionState
	EntryPrice            float64
	StopPrice             *float64
	HighestPriceSincePeak float64
	PotentialEntry        *Pivot
	WaitCounter           int
}

// OrderSide of a submitted order
type OrderSide int

const (
	SideBuy OrderSide = iota
	SideSell
)

func (s OrderSide) String() string {
	if s == SideBuy {
		return "buy"
	}
	return "sell"
}

// FillStatus reports what happened to a submitted order.
type FillStatus int

const (
	FillFilled FillStatus = iota
	FillRejected
	// FillPending means the gateway will settle the order against the next bar.
	FillPending
)

func (s FillStatus) String() string {
	switch s {
	case FillFilled:
		return "filled"
	case FillRejected:
		return "rejected"
	default:
		return "pending"
	}
}

// FillEvent acknowledges an order.
type FillEvent struct {
	OrderID string
	Side    OrderSide
	Status  FillStatus
	Price   float64
	Size    float64
	Index   uint64
	Reason  string
}

// OrderGateway executes market orders on behalf of the strategy.
type OrderGateway interface {
	SubmitBuy(ctx context.Context, size float64) FillEvent
	SubmitClose(ctx context.Context) FillEvent
}

// MarketObserver is implemented by gateways that need to see every bar before
// the strategy does, either to mark prices or to settle a pending order.
type MarketObserver interface {
	ObserveBar(ctx context.Context, bar Bar) (FillEvent, bool)
}

// DataSource yields bars in timestamp order.
type DataSource interface {
	Bars(ctx context.Context) iter.Seq2[Bar, error]
}

// SliceSource serves bars held in memory.
type SliceSource []Bar

func (s SliceSource) Bars(ctx context.Context) iter.Seq2[Bar, error] {
	return func(yield func(Bar, error) bool) {
		for _, b := range s {
			if err := ctx.Err(); err != nil {
				yield(Bar{}, err)
				return
			}
			if !yield(b, nil) {
				return
			}
		}
	}
}
