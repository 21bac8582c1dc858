package engine

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pivot-backtest/strategies"
)

const EngineVersion = "1.2.0"

// PaperSettings are the broker-side knobs of a job.
type PaperSettings struct {
	FillMode    FillMode      `json:"fill_mode"`
	Slippage    SlippageMode  `json:"slippage_mode"`
	Rules       ExchangeRules `json:"-"`
	InitialCash float64       `json:"initial_cash"`
	Notional    float64       `json:"notional"`
}

// BacktestJob is one reproducible run over one or more symbols. Every symbol gets
// its own strategy and paper account.
type BacktestJob struct {
	JobID     string                     `json:"job_id"`
	Symbols   []string                   `json:"symbols"`
	Timeframe string                     `json:"timeframe"`
	StartTime int64                      `json:"start_time"`
	EndTime   int64                      `json:"end_time"`
	Strategy  strategies.HigherLowConfig `json:"strategy"`
	Paper     PaperSettings              `json:"paper"`
	// Trace keeps the per-bar band and pivot snapshots in the result.
	Trace bool `json:"trace"`
}

// PivotSet is the confirmed pivots of a run, thinned by the job's min_gap.
type PivotSet struct {
	Highs []strategies.Pivot `json:"highs"`
	Lows  []strategies.Pivot `json:"lows"`
}

type SymbolResult struct {
	Symbol       string                `json:"symbol"`
	Bars         int                   `json:"bars"`
	Signals      []strategies.Signal   `json:"signals"`
	Trades       []Trade               `json:"trades"`
	Summary      TradeSummary          `json:"summary"`
	EquityCurve  []EquityPoint         `json:"equity_curve"`
	Pivots       PivotSet              `json:"pivots"`
	FinalState   strategies.TradeState `json:"final_state"`
	OpenPosition bool                  `json:"open_position"`
	Events       []Event               `json:"events,omitempty"`
	Trace        []strategies.BarTrace `json:"-"`
}

type BacktestResult struct {
	JobID           string          `json:"job_id"`
	ExecutionTimeMs int64           `json:"execution_time_ms"`
	SymbolResults   []*SymbolResult `json:"symbol_results"`
	Manifest        *RunManifest    `json:"manifest"`
}

// SourceFactory opens the bar stream of one symbol for a job.
type SourceFactory func(ctx context.Context, job *BacktestJob, symbol string) (strategies.DataSource, error)

// Recorder receives run telemetry. Implementations must be safe for concurrent use.
type Recorder interface {
	ObserveBars(symbol string, n int)
	ObserveSignal(symbol string, sig strategies.Signal)
	ObserveTrade(symbol string, t Trade)
	ObserveRun(symbol string, d time.Duration, err error)
}

type nopRecorder struct{}

func (nopRecorder) ObserveBars(string, int)                 {}
func (nopRecorder) ObserveSignal(string, strategies.Signal) {}
func (nopRecorder) ObserveTrade(string, Trade)              {}
func (nopRecorder) ObserveRun(string, time.Duration, error) {}

// Runner executes backtest jobs with a bounded pool of symbol workers.
type Runner struct {
	sources  SourceFactory
	logger   *zap.Logger
	recorder Recorder
	workers  int
}

type RunnerOption func(*Runner)

func WithRecorder(r Recorder) RunnerOption {
	return func(rn *Runner) {
		if r != nil {
			rn.recorder = r
		}
	}
}

func WithWorkers(n int) RunnerOption {
	return func(rn *Runner) {
		if n > 0 {
			rn.workers = n
		}
	}
}

func NewRunner(sources SourceFactory, logger *zap.Logger, opts ...RunnerOption) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{sources: sources, logger: logger, recorder: nopRecorder{}, workers: runtime.NumCPU()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes every symbol of the job. Results keep the job's symbol order; the
// first failing symbol cancels the rest.
func (r *Runner) Run(ctx context.Context, job *BacktestJob) (*BacktestResult, error) {
	if len(job.Symbols) == 0 {
		return nil, ErrInvalidParams.WithDetails("no symbols")
	}
	if err := job.Strategy.Validate(); err != nil {
		return nil, ErrInvalidParams.WithDetails(err.Error())
	}
	start := time.Now()
	r.logger.Info("starting backtest",
		zap.String("job_id", job.JobID),
		zap.Strings("symbols", job.Symbols),
		zap.Int("workers", r.workers))

	results := make([]*SymbolResult, len(job.Symbols))
	checksums := make([]string, len(job.Symbols))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i, symbol := range job.Symbols {
		g.Go(func() error {
			res, sum, err := r.RunSymbol(gctx, job, symbol)
			if err != nil {
				return fmt.Errorf("failed to process symbol %s: %w", symbol, err)
			}
			results[i], checksums[i] = res, sum
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.logger.Error("backtest failed", zap.String("job_id", job.JobID), zap.Error(err))
		return nil, err
	}

	manifest := NewRunManifest(job)
	for i, s := range job.Symbols {
		if checksums[i] != "" {
			manifest.DataChecksums[s] = checksums[i]
		}
	}
	elapsed := time.Since(start)
	r.logger.Info("backtest completed",
		zap.String("job_id", job.JobID),
		zap.Duration("execution_time", elapsed),
		zap.Int("symbol_count", len(results)))
	return &BacktestResult{
		JobID:           job.JobID,
		ExecutionTimeMs: elapsed.Milliseconds(),
		SymbolResults:   results,
		Manifest:        manifest,
	}, nil
}

// RunSymbol replays one symbol through a fresh strategy and paper account. The
// returned checksum is the source's dataset checksum when it exposes one.
func (r *Runner) RunSymbol(ctx context.Context, job *BacktestJob, symbol string) (*SymbolResult, string, error) {
	start := time.Now()
	res, sum, err := r.runSymbol(ctx, job, symbol)
	r.recorder.ObserveRun(symbol, time.Since(start), err)
	return res, sum, err
}

func (r *Runner) runSymbol(ctx context.Context, job *BacktestJob, symbol string) (*SymbolResult, string, error) {
	log := r.logger.With(zap.String("job_id", job.JobID), zap.String("symbol", symbol))

	src, err := r.sources(ctx, job, symbol)
	if err != nil {
		return nil, "", ErrDataNotFound.WithDetails(err.Error())
	}
	gw := NewPaperGateway(PaperConfig{
		Symbol:      symbol,
		FillMode:    job.Paper.FillMode,
		Rules:       job.Paper.Rules,
		Slippage:    job.Paper.Slippage,
		InitialCash: decimal.NewFromFloat(job.Paper.InitialCash),
		Notional:    decimal.NewFromFloat(job.Paper.Notional),
	}, log)

	var trace []strategies.BarTrace
	opts := []strategies.Option{strategies.WithLogger(log)}
	if job.Trace {
		opts = append(opts, strategies.WithTrace(func(t strategies.BarTrace) { trace = append(trace, t) }))
	}
	strat, err := strategies.NewHigherLowStrategy(job.Strategy, gw, opts...)
	if err != nil {
		return nil, "", ErrInvalidParams.WithDetails(err.Error())
	}

	var signals []strategies.Signal
	for sig, err := range strat.Run(ctx, src) {
		if err != nil {
			return nil, "", ErrExecutionFailed.WithDetails(err.Error()).Wrap(err)
		}
		signals = append(signals, sig)
		r.recorder.ObserveSignal(symbol, sig)
	}
	gw.Finish()

	ledger := gw.Ledger()
	ledger.AnnotateExits(signals)
	trades := ledger.Trades()
	for _, t := range trades {
		r.recorder.ObserveTrade(symbol, t)
	}
	bars := int(strat.BarsSeen())
	r.recorder.ObserveBars(symbol, bars)

	var pivots PivotSet
	pivots.Highs, pivots.Lows = strategies.ThinPivotSet(strat.Pivots().Highs(), strat.Pivots().Lows(), job.Strategy.MinGap)

	res := &SymbolResult{
		Symbol:       symbol,
		Bars:         bars,
		Signals:      signals,
		Trades:       trades,
		Summary:      ledger.Summary(),
		EquityCurve:  ledger.Equity(),
		Pivots:       pivots,
		FinalState:   strat.State(),
		OpenPosition: !gw.Position().Flat(),
		Events:       gw.Events().Events(),
		Trace:        trace,
	}
	log.Info("symbol completed",
		zap.Int("bars", bars),
		zap.Int("signals", len(signals)),
		zap.Int("trades", len(trades)),
		zap.String("net_pnl_usd", res.Summary.NetPnlUsd.StringFixed(2)))

	var sum string
	if c, ok := src.(interface{ Checksum() string }); ok {
		sum = c.Checksum()
	}
	return res, sum, nil
}
