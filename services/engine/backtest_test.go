package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pivot-backtest/strategies"
)

// scenarioBars has two higher-low legs, an entry signal on bar 56 at 98 and a
// trailing-stop exit signal on bar 60 at 99.5.
func scenarioBars() []strategies.Bar {
	type ohlc [4]float64
	flat := func(n int) []ohlc {
		out := make([]ohlc, n)
		for i := range out {
			out[i] = ohlc{100, 100, 100, 100}
		}
		return out
	}
	var raw []ohlc
	raw = append(raw, flat(11)...)
	raw = append(raw, ohlc{100, 110, 100, 105})
	raw = append(raw, flat(8)...)
	raw = append(raw, ohlc{100, 100, 90, 95})
	raw = append(raw, flat(9)...)
	raw = append(raw, ohlc{100, 110, 100, 105})
	raw = append(raw, flat(9)...)
	raw = append(raw, ohlc{100, 100, 93, 96})
	raw = append(raw, flat(9)...)
	raw = append(raw, ohlc{100, 110, 100, 105})
	raw = append(raw, flat(4)...)
	raw = append(raw,
		ohlc{100, 100, 97, 99},
		ohlc{99, 99, 94, 98},
		ohlc{98, 99, 94, 98},
		ohlc{98, 101, 98, 100},
		ohlc{100, 103, 100, 102},
		ohlc{102, 102, 99, 99.5},
	)
	bars := make([]strategies.Bar, len(raw))
	for i, r := range raw {
		bars[i] = strategies.Bar{Timestamp: int64(i) * 60_000, Open: r[0], High: r[1], Low: r[2], Close: r[3], Volume: 1}
	}
	return bars
}

func testJob(symbols ...string) *BacktestJob {
	cfg := strategies.DefaultHigherLowConfig()
	cfg.NPeriod = 5
	cfg.WaitBars = 1
	return &BacktestJob{
		JobID:     "job-1",
		Symbols:   symbols,
		Timeframe: "1m",
		Strategy:  cfg,
		Paper:     PaperSettings{InitialCash: 10000},
	}
}

func staticSource(bars []strategies.Bar) SourceFactory {
	return func(context.Context, *BacktestJob, string) (strategies.DataSource, error) {
		return strategies.SliceSource(bars), nil
	}
}

func TestRunnerSignalCloseRoundTrip(t *testing.T) {
	r := NewRunner(staticSource(scenarioBars()), nil, WithWorkers(2))
	res, err := r.Run(context.Background(), testJob("BTCUSDT", "ETHUSDT"))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.SymbolResults) != 2 || res.SymbolResults[0].Symbol != "BTCUSDT" || res.SymbolResults[1].Symbol != "ETHUSDT" {
		t.Fatalf("results out of order: %+v", res.SymbolResults)
	}
	sr := res.SymbolResults[0]
	if sr.Bars != 61 || len(sr.Signals) != 2 || len(sr.Trades) != 1 {
		t.Fatalf("bars=%d signals=%d trades=%d", sr.Bars, len(sr.Signals), len(sr.Trades))
	}
	tr := sr.Trades[0]
	if tr.EntryIndex != 56 || tr.ExitIndex != 60 || tr.BarsHeld != 4 {
		t.Fatalf("unexpected trade %+v", tr)
	}
	if !tr.PnlUsd.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("pnl %s", tr.PnlUsd)
	}
	if tr.ExitReason != strategies.ReasonTrailingStop {
		t.Fatalf("exit reason %q", tr.ExitReason)
	}
	if sr.OpenPosition {
		t.Fatal("position should be flat")
	}
	if len(sr.EquityCurve) != 61 {
		t.Fatalf("expected one equity point per bar, got %d", len(sr.EquityCurve))
	}
	if last := sr.EquityCurve[60].Equity; !last.Equal(decimal.RequireFromString("10001.5")) {
		t.Fatalf("final equity %s", last)
	}
	if sr.Summary.TotalTrades != 1 || sr.Summary.Wins != 1 {
		t.Fatalf("summary %+v", sr.Summary)
	}
	// min_gap 10 drops the lows at 20 and 56
	if len(sr.Pivots.Highs) != 3 || len(sr.Pivots.Lows) != 1 || sr.Pivots.Lows[0].Index != 40 {
		t.Fatalf("unexpected pivots %+v", sr.Pivots)
	}
	if sr.Trace != nil {
		t.Fatal("trace recorded without being requested")
	}
}

func TestRunnerPivotsHonourMinGap(t *testing.T) {
	r := NewRunner(staticSource(scenarioBars()), nil)
	cases := []struct {
		minGap      int
		highs, lows int
		firstLowIdx uint64
	}{
		{0, 3, 3, 20},
		{10, 3, 1, 40},
		{1000, 1, 0, 0},
	}
	for _, tc := range cases {
		job := testJob("BTCUSDT")
		job.Strategy.MinGap = tc.minGap
		res, err := r.Run(context.Background(), job)
		if err != nil {
			t.Fatal(err)
		}
		sr := res.SymbolResults[0]
		if len(sr.Pivots.Highs) != tc.highs || len(sr.Pivots.Lows) != tc.lows {
			t.Fatalf("min_gap=%d: highs=%d lows=%d", tc.minGap, len(sr.Pivots.Highs), len(sr.Pivots.Lows))
		}
		if tc.lows > 0 && sr.Pivots.Lows[0].Index != tc.firstLowIdx {
			t.Fatalf("min_gap=%d: first low %+v", tc.minGap, sr.Pivots.Lows[0])
		}
		// thinning is reporting only; trading is unchanged
		if len(sr.Trades) != 1 || sr.Trades[0].EntryIndex != 56 {
			t.Fatalf("min_gap=%d changed trading: %+v", tc.minGap, sr.Trades)
		}
	}
}

func TestRunnerNextOpenFillsOnFollowingBar(t *testing.T) {
	bars := scenarioBars()
	bars = append(bars, strategies.Bar{Timestamp: 61 * 60_000, Open: 99, High: 99, Low: 98, Close: 98.5})
	job := testJob("BTCUSDT")
	job.Paper.FillMode = FillNextOpen
	job.Trace = true

	res, err := NewRunner(staticSource(bars), nil).Run(context.Background(), job)
	if err != nil {
		t.Fatal(err)
	}
	sr := res.SymbolResults[0]
	if len(sr.Trades) != 1 {
		t.Fatalf("expected one trade, got %+v", sr.Trades)
	}
	tr := sr.Trades[0]
	if tr.EntryIndex != 57 || tr.ExitIndex != 61 {
		t.Fatalf("unexpected fill bars %+v", tr)
	}
	if !tr.EntryPrice.Equal(decimal.NewFromInt(98)) || !tr.ExitPrice.Equal(decimal.NewFromInt(99)) {
		t.Fatalf("unexpected fill prices %s -> %s", tr.EntryPrice, tr.ExitPrice)
	}
	if tr.ExitReason != strategies.ReasonTrailingStop {
		t.Fatalf("exit reason lost across next-open fill: %q", tr.ExitReason)
	}
	if len(sr.Trace) != len(bars) {
		t.Fatalf("trace has %d entries for %d bars", len(sr.Trace), len(bars))
	}
	if sr.Trace[56].Signal.Type != strategies.SignalEnterLong || sr.Trace[56].Position != strategies.Flat {
		t.Fatalf("bar 56 trace %+v", sr.Trace[56])
	}
	if sr.Trace[57].Skipped || sr.Trace[57].Position != strategies.Long {
		t.Fatalf("bar 57 should see the settled buy: %+v", sr.Trace[57])
	}
}

func TestRunnerDeterministic(t *testing.T) {
	run := func() *BacktestResult {
		res, err := NewRunner(staticSource(scenarioBars()), nil).Run(context.Background(), testJob("BTCUSDT"))
		if err != nil {
			t.Fatal(err)
		}
		return res
	}
	a, b := run(), run()
	if a.Manifest.ConfigHash != b.Manifest.ConfigHash || !SameRun(a.Manifest, b.Manifest) {
		t.Fatal("config hash differs between identical runs")
	}
	ta, tb := a.SymbolResults[0].Trades, b.SymbolResults[0].Trades
	if len(ta) != len(tb) {
		t.Fatalf("trade count differs: %d vs %d", len(ta), len(tb))
	}
	for i := range ta {
		if ta[i].EntryIndex != tb[i].EntryIndex || !ta[i].PnlUsd.Equal(tb[i].PnlUsd) {
			t.Fatalf("trade %d differs: %+v vs %+v", i, ta[i], tb[i])
		}
	}

	other := testJob("BTCUSDT")
	other.Strategy.TrailingStopPct = 0.02
	if NewRunManifest(other).ConfigHash == a.Manifest.ConfigHash {
		t.Fatal("different parameters produced the same hash")
	}
}

func TestRunnerErrors(t *testing.T) {
	failing := func(context.Context, *BacktestJob, string) (strategies.DataSource, error) {
		return nil, errors.New("no such table")
	}
	_, err := NewRunner(failing, nil).Run(context.Background(), testJob("BTCUSDT"))
	if !errors.Is(err, ErrDataNotFound) {
		t.Fatalf("expected data not found, got %v", err)
	}

	_, err = NewRunner(staticSource(nil), nil).Run(context.Background(), testJob())
	if !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected invalid params, got %v", err)
	}

	bad := testJob("BTCUSDT")
	bad.Strategy.NPeriod = 0
	_, err = NewRunner(staticSource(nil), nil).Run(context.Background(), bad)
	if !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected invalid params, got %v", err)
	}

	bars := scenarioBars()
	bars[30].Timestamp = 0
	_, err = NewRunner(staticSource(bars), nil).Run(context.Background(), testJob("BTCUSDT"))
	var orderErr *strategies.InputOrderError
	if !errors.Is(err, ErrExecutionFailed) || !errors.As(err, &orderErr) {
		t.Fatalf("expected wrapped input order error, got %v", err)
	}
}

type countingRecorder struct {
	bars, signals, trades, runs int
}

func (c *countingRecorder) ObserveBars(_ string, n int)             { c.bars += n }
func (c *countingRecorder) ObserveSignal(string, strategies.Signal) { c.signals++ }
func (c *countingRecorder) ObserveTrade(string, Trade)              { c.trades++ }
func (c *countingRecorder) ObserveRun(string, time.Duration, error) { c.runs++ }

func TestRunnerRecorder(t *testing.T) {
	rec := &countingRecorder{}
	r := NewRunner(staticSource(scenarioBars()), nil, WithRecorder(rec), WithWorkers(1))
	if _, err := r.Run(context.Background(), testJob("BTCUSDT")); err != nil {
		t.Fatal(err)
	}
	if rec.bars != 61 || rec.signals != 2 || rec.trades != 1 || rec.runs != 1 {
		t.Fatalf("recorder saw %+v", rec)
	}
}

func TestRunRequestToJob(t *testing.T) {
	d := JobDefaults{Strategy: strategies.DefaultHigherLowConfig(), Timeframe: "1m", InitialCash: 10000}
	job, err := BacktestRunRequest{Symbols: []string{" btcusdt "}, FillMode: "next-open", Slippage: "trade_sweep"}.ToJob("j", d)
	if err != nil {
		t.Fatal(err)
	}
	if job.Symbols[0] != "BTCUSDT" || job.Paper.FillMode != FillNextOpen || job.Paper.Slippage != SlippageTradeSweep || job.Timeframe != "1m" {
		t.Fatalf("unexpected job %+v", job)
	}

	for name, req := range map[string]BacktestRunRequest{
		"no symbols": {},
		"bad window": {Symbols: []string{"X"}, StartTime: 10, EndTime: 5},
		"bad fill":   {Symbols: []string{"X"}, FillMode: "vwap"},
		"bad config": {Symbols: []string{"X"}, Strategy: &strategies.HigherLowConfig{}},
	} {
		_, err := req.ToJob("j", d)
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.HTTPStatus() != 400 {
			t.Errorf("%s: expected 400 api error, got %v", name, err)
		}
	}
}
