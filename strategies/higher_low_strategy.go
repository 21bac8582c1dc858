//! Higher-Low Strategy
//!
//! Bollinger-band pivot tracking with an ascending-low entry, debounce/bounce
//! confirmation and a trailing + fixed stop. Bars are processed one at a time;
//! nothing looks ahead of the current bar.

package strategies

import (
	"context"
	"iter"

	"go.uber.org/zap"
)

// BarTrace is a per-bar snapshot used for exports and debugging.
type BarTrace struct {
	Bar       Bar
	Band      Band
	BandReady bool
	Mode      SearchMode
	Confirmed *Pivot
	Signal    Signal
	Position  PositionState
	Skipped   bool
}

type pendingOrder struct {
	side  OrderSide
	index uint64
}

// HigherLowStrategy is the per-bar orchestrator. One instance serves exactly one
// bar sequence; it is not safe for concurrent use.
type HigherLowStrategy struct {
	cfg     HigherLowConfig
	bands   *BandCalculator
	pivots  *PivotStateMachine
	pattern PatternValidator
	entry   EntryTimer
	risk    PositionRiskManager
	gateway OrderGateway

	state   TradeState
	pending *pendingOrder
	seen    uint64
	lastTs  int64

	logger *zap.Logger
	trace  func(BarTrace)
}

type Option func(*HigherLowStrategy)

func WithLogger(l *zap.Logger) Option {
	return func(s *HigherLowStrategy) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTrace registers a callback invoked once per processed bar.
func WithTrace(fn func(BarTrace)) Option {
	return func(s *HigherLowStrategy) { s.trace = fn }
}

func NewHigherLowStrategy(cfg HigherLowConfig, gateway OrderGateway, opts ...Option) (*HigherLowStrategy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if gateway == nil {
		return nil, &ConfigError{Field: "gateway", Value: nil, Reason: "order gateway is required"}
	}
	bands, err := NewBandCalculator(cfg.NPeriod, cfg.StdMultiplier)
	if err != nil {
		return nil, err
	}
	s := &HigherLowStrategy{
		cfg:    cfg,
		bands:  bands,
		pivots: NewPivotStateMachine(),
		pattern: PatternValidator{
			MinConfirmedHighs:      cfg.MinConfirmedHighs,
			RequireHighBetweenLows: cfg.RequireHighBetweenLows,
		},
		entry: EntryTimer{WaitBars: cfg.WaitBars, BounceThresh: cfg.BounceThresh},
		risk: PositionRiskManager{
			Mode:            cfg.StopMode,
			StopLossPct:     cfg.StopLossPct,
			TrailingStopPct: cfg.TrailingStopPct,
		},
		gateway: gateway,
		state:   TradeState{Position: Flat},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// OnBar processes the next bar and returns its signal, SignalNone included.
// The bar's Index is assigned from its position in the sequence.
func (s *HigherLowStrategy) OnBar(ctx context.Context, bar Bar) (sig Signal, err error) {
	if s.seen > 0 && bar.Timestamp < s.lastTs {
		return Signal{}, &InputOrderError{Index: s.seen, Timestamp: bar.Timestamp, Previous: s.lastTs}
	}
	bar.Index = s.seen
	s.seen++
	s.lastTs = bar.Timestamp

	if obs, ok := s.gateway.(MarketObserver); ok {
		if fill, settled := obs.ObserveBar(ctx, bar); settled {
			if err := s.OnFill(fill); err != nil {
				return Signal{}, err
			}
		}
	}

	sig = Signal{Index: bar.Index, Timestamp: bar.Timestamp, Type: SignalNone, Price: bar.Close}
	tr := BarTrace{Bar: bar, Mode: s.pivots.Mode()}
	if s.trace != nil {
		defer func() {
			tr.Signal = sig
			tr.Position = s.state.Position
			s.trace(tr)
		}()
	}

	// the close window is market data, it advances even when decisions are skipped
	band, ready := s.bands.Update(bar.Close)
	tr.Band, tr.BandReady = band, ready

	if s.pending != nil {
		s.logger.Debug("order pending, skipping bar",
			zap.Uint64("bar_index", bar.Index),
			zap.String("side", s.pending.side.String()),
			zap.Uint64("submitted_at", s.pending.index))
		tr.Skipped = true
		return sig, nil
	}

	if s.state.Position == Long {
		var d ExitDecision
		s.state, d = s.risk.Check(s.state, bar)
		if d.Exit {
			sig.Type, sig.Reason = SignalExitLong, d.Reason
			s.logger.Info("exit signal",
				zap.Uint64("bar_index", bar.Index),
				zap.String("reason", d.Reason),
				zap.Float64("close", bar.Close),
				zap.Float64("trailing_stop", d.TrailingStop),
				zap.Float64("highest", s.state.HighestPriceSincePeak))
			s.submit(ctx, SideSell, bar.Index)
			return sig, nil
		}
	}

	if !ready {
		s.logger.Debug("warmup", zap.Uint64("bar_index", bar.Index), zap.Int("n_period", s.cfg.NPeriod))
		return sig, nil
	}

	u := s.pivots.Update(bar, band)
	tr.Mode, tr.Confirmed = u.Mode, u.Confirmed
	if u.Confirmed != nil {
		s.logger.Info("pivot confirmed",
			zap.String("kind", u.Confirmed.Kind.String()),
			zap.Uint64("pivot_index", u.Confirmed.Index),
			zap.Float64("price", u.Confirmed.Price),
			zap.Uint64("bar_index", bar.Index))
	}

	if pe, ok := s.pattern.Validate(s.pivots.History(), bar, band); ok && s.state.Position == Flat {
		// arm once per confirmed low; evaluation starts on the following bar
		if cur := s.state.PotentialEntry; cur == nil || cur.Index != pe.Index {
			s.state = s.entry.Arm(s.state, pe)
			s.logger.Info("higher low armed",
				zap.Uint64("bar_index", bar.Index),
				zap.Uint64("pivot_index", pe.Index),
				zap.Float64("reference", pe.Price),
				zap.Int("wait_bars", s.state.WaitCounter))
			return sig, nil
		}
	}

	if s.state.Position == Flat && s.state.PotentialEntry != nil {
		var enter bool
		s.state, enter = s.entry.Evaluate(s.state, bar, band)
		if enter {
			sig.Type, sig.Reason = SignalEnterLong, ReasonHigherLowBounce
			s.logger.Info("entry signal",
				zap.Uint64("bar_index", bar.Index),
				zap.Float64("close", bar.Close),
				zap.Float64("reference", s.state.PotentialEntry.Price))
			s.submit(ctx, SideBuy, bar.Index)
		}
	}
	return sig, nil
}

func (s *HigherLowStrategy) submit(ctx context.Context, side OrderSide, index uint64) {
	if s.pending != nil {
		panic(ErrPendingOrder)
	}
	s.pending = &pendingOrder{side: side, index: index}

	var fill FillEvent
	if side == SideBuy {
		fill = s.gateway.SubmitBuy(ctx, s.cfg.OrderSize)
	} else {
		fill = s.gateway.SubmitClose(ctx)
	}
	if fill.Status == FillPending {
		s.logger.Debug("order pending settlement", zap.String("order_id", fill.OrderID), zap.String("side", side.String()))
		return
	}
	// pending is set, so OnFill cannot fail here
	_ = s.OnFill(fill)
}

// OnFill applies an order acknowledgement. A rejection clears the pending order
// and leaves the trade state untouched.
func (s *HigherLowStrategy) OnFill(fill FillEvent) error {
	if s.pending == nil {
		return ErrUnexpectedFill
	}
	if fill.Status == FillPending {
		return nil
	}
	side := s.pending.side
	s.pending = nil

	if fill.Status == FillRejected {
		s.logger.Warn("order rejected",
			zap.String("order_id", fill.OrderID),
			zap.String("side", side.String()),
			zap.String("reason", fill.Reason))
		return nil
	}
	if fill.Side != side {
		s.logger.Warn("fill side mismatch", zap.String("expected", side.String()), zap.String("got", fill.Side.String()))
	}

	if side == SideBuy {
		s.state = s.risk.OnBuyFill(s.state, fill.Price)
	} else {
		s.state = s.risk.OnCloseFill(s.state)
	}
	s.logger.Info("order filled",
		zap.String("order_id", fill.OrderID),
		zap.String("side", side.String()),
		zap.Float64("price", fill.Price),
		zap.Float64("size", fill.Size),
		zap.String("position", s.state.Position.String()))
	return nil
}

// Run lazily yields the non-NONE signals produced by replaying src from its first
// bar. Iteration stops at the first error.
func (s *HigherLowStrategy) Run(ctx context.Context, src DataSource) iter.Seq2[Signal, error] {
	return func(yield func(Signal, error) bool) {
		for bar, err := range src.Bars(ctx) {
			if err != nil {
				yield(Signal{}, err)
				return
			}
			sig, err := s.OnBar(ctx, bar)
			if err != nil {
				yield(Signal{}, err)
				return
			}
			if sig.Type == SignalNone {
				continue
			}
			if !yield(sig, nil) {
				return
			}
		}
	}
}

// State returns a copy of the trade state.
func (s *HigherLowStrategy) State() TradeState {
	st := s.state
	if st.StopPrice != nil {
		v := *st.StopPrice
		st.StopPrice = &v
	}
	if st.PotentialEntry != nil {
		p := *st.PotentialEntry
		st.PotentialEntry = &p
	}
	return st
}

func (s *HigherLowStrategy) Pivots() *PivotHistory    { return s.pivots.History() }
func (s *HigherLowStrategy) Mode() SearchMode         { return s.pivots.Mode() }
func (s *HigherLowStrategy) Candidate() (Pivot, bool) { return s.pivots.Candidate() }
func (s *HigherLowStrategy) Pending() bool            { return s.pending != nil }
func (s *HigherLowStrategy) BarsSeen() uint64         { return s.seen }
func (s *HigherLowStrategy) Config() HigherLowConfig  { return s.cfg }
