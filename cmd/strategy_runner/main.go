// Strategy runner: replays CSV or ClickHouse bars through the higher-low strategy
// and writes trades, signals and optional Arrow traces.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"pivot-backtest/services/arrowpipeline"
	"pivot-backtest/services/clickhouse"
	"pivot-backtest/services/config"
	"pivot-backtest/services/engine"
	"pivot-backtest/services/logging"
	"pivot-backtest/strategies"
)

func main() {
	var (
		configFile   = flag.String("config", "", "YAML config file (defaults and env overrides apply without it)")
		csvFile      = flag.String("csv", "", "Single CSV file with OHLCV data; overrides the configured data source")
		symbols      = flag.String("symbols", "BTCUSDT", "Comma-separated symbols")
		timeframe    = flag.String("timeframe", "", "Bar interval, e.g. 1m or 5m")
		start        = flag.String("start", "", "Window start: YYYY-MM-DD or unix ms")
		end          = flag.String("end", "", "Window end (exclusive): YYYY-MM-DD or unix ms")
		fillMode     = flag.String("fill-mode", "", "Fill mode: 'signal-close' or 'next-open'")
		slippageMode = flag.String("slippage-mode", "", "Slippage mode: 'NONE', 'TRADE_SWEEP' or 'SYNTHETIC_BOOK'")
		notional     = flag.Float64("notional", 0, "If >0, size buys as notional/price")
		nPeriod      = flag.Int("n-period", 0, "Band lookback")
		stdMult      = flag.Float64("std-mult", 0, "Band width in standard deviations")
		minGap       = flag.Int("min-gap", -1, "Minimum bars between the two lows of a pattern")
		waitBars     = flag.Int("wait-bars", -1, "Bars to wait after arming before entering")
		bounce       = flag.Float64("bounce", 0, "Minimum bounce off the potential entry low, as a fraction")
		stopMode     = flag.String("stop-mode", "", "Initial stop: 'pivot' or 'percent'")
		stopLossPct  = flag.Float64("stop-loss-pct", 0, "Stop distance in percent mode, as a fraction")
		trailingPct  = flag.Float64("trailing-pct", 0, "Trailing stop distance, as a fraction")
		output       = flag.String("output", "trades.csv", "Output CSV file for trades")
		signalsOut   = flag.String("signals-out", "", "If set, write the full result as JSON to this file")
		traceDir     = flag.String("trace-dir", "", "If set, export per-bar traces as <dir>/<SYMBOL>.arrow")
		sink         = flag.Bool("sink", false, "Also write signals and trades to ClickHouse")
		logFile      = flag.String("log-file", "", "Log file, rotated by size")
		verbose      = flag.Bool("verbose", false, "Debug logging, one line per bar decision")
	)
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *logFile != "" {
		cfg.Logging.File = *logFile
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()
	defer logger.Sync()

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	s := &cfg.Strategy
	if set["n-period"] {
		s.NPeriod = *nPeriod
	}
	if set["std-mult"] {
		s.StdMultiplier = *stdMult
	}
	if set["min-gap"] {
		s.MinGap = *minGap
	}
	if set["wait-bars"] {
		s.WaitBars = *waitBars
	}
	if set["bounce"] {
		s.BounceThresh = *bounce
	}
	if set["stop-mode"] {
		m, err := strategies.ParseStopMode(*stopMode)
		if err != nil {
			logger.Fatal("invalid stop mode", zap.Error(err))
		}
		s.StopMode = m
	}
	if set["stop-loss-pct"] {
		s.StopLossPct = *stopLossPct
	}
	if set["trailing-pct"] {
		s.TrailingStopPct = *trailingPct
	}

	startMs, err := parseTime(*start)
	if err != nil {
		logger.Fatal("invalid -start", zap.Error(err))
	}
	endMs, err := parseTime(*end)
	if err != nil {
		logger.Fatal("invalid -end", zap.Error(err))
	}
	req := engine.BacktestRunRequest{
		Symbols:   strings.Split(*symbols, ","),
		StartTime: startMs,
		EndTime:   endMs,
		Timeframe: *timeframe,
		Strategy:  &cfg.Strategy,
		FillMode:  *fillMode,
		Slippage:  *slippageMode,
		Notional:  *notional,
		Trace:     *traceDir != "",
	}
	job, err := req.ToJob(fmt.Sprintf("cli-%d", time.Now().UnixMilli()), cfg.JobDefaults())
	if err != nil {
		logger.Fatal("invalid job", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var ch *clickhouse.Client
	if cfg.Data.Source == "clickhouse" && *csvFile == "" {
		ch, err = clickhouse.Open(ctx, cfg.ClickHouse, logger)
		if err != nil {
			logger.Fatal("failed to connect to ClickHouse", zap.Error(err))
		}
		defer ch.Close()
	}
	sources, err := cfg.Sources(ch, logger)
	if err != nil {
		logger.Fatal("no data source", zap.Error(err))
	}
	if *csvFile != "" {
		if len(job.Symbols) != 1 {
			logger.Fatal("-csv takes exactly one symbol")
		}
		loader := engine.NewLoader(engine.LoaderConfig{GapPolicy: cfg.LoaderConfig().GapPolicy, StartMs: startMs, EndMs: endMs}, logger)
		sources = func(context.Context, *engine.BacktestJob, string) (strategies.DataSource, error) {
			return &engine.CSVSource{Path: *csvFile, Loader: loader}, nil
		}
	}

	logger.Info("starting higher-low strategy",
		zap.Strings("symbols", job.Symbols),
		zap.String("timeframe", job.Timeframe),
		zap.Int("n_period", s.NPeriod),
		zap.Float64("std_multiplier", s.StdMultiplier),
		zap.Int("min_gap", s.MinGap),
		zap.Int("wait_bars", s.WaitBars),
		zap.Float64("bounce_thresh", s.BounceThresh),
		zap.Stringer("stop_mode", s.StopMode),
		zap.Float64("trailing_stop_pct", s.TrailingStopPct),
		zap.Stringer("fill_mode", job.Paper.FillMode),
		zap.String("slippage_mode", string(job.Paper.Slippage)))

	runner := engine.NewRunner(sources, logger, engine.WithWorkers(cfg.Engine.MaxWorkers))
	res, err := runner.Run(ctx, job)
	if err != nil {
		logger.Fatal("strategy execution failed", zap.Error(err))
	}

	var trades []engine.Trade
	for _, sr := range res.SymbolResults {
		trades = append(trades, sr.Trades...)
		printSummary(sr)
	}
	if err := exportTrades(*output, trades); err != nil {
		logger.Fatal("failed to export trades", zap.Error(err))
	}
	fmt.Printf("Trades exported to %s\n", *output)

	if *signalsOut != "" {
		if err := writeJSON(*signalsOut, res); err != nil {
			logger.Fatal("failed to export result", zap.Error(err))
		}
		fmt.Printf("Result exported to %s\n", *signalsOut)
	}

	if *traceDir != "" {
		pipeline, err := arrowpipeline.NewPipeline(cfg.Arrow, logger)
		if err != nil {
			logger.Fatal("invalid arrow config", zap.Error(err))
		}
		if err := os.MkdirAll(*traceDir, 0o755); err != nil {
			logger.Fatal("failed to create trace dir", zap.Error(err))
		}
		for _, sr := range res.SymbolResults {
			path := filepath.Join(*traceDir, sr.Symbol+".arrow")
			if err := writeTrace(pipeline, path, sr.Trace); err != nil {
				logger.Error("trace export failed", zap.String("symbol", sr.Symbol), zap.Error(err))
				continue
			}
			fmt.Printf("Trace exported to %s\n", path)
		}
	}

	if *sink {
		rs := clickhouse.NewResultSink(cfg.ClickHouse)
		for _, sr := range res.SymbolResults {
			if err := rs.Write(ctx, job.JobID, sr); err != nil {
				logger.Error("failed to write results to ClickHouse", zap.String("symbol", sr.Symbol), zap.Error(err))
			}
		}
		if err := rs.Close(ctx); err != nil {
			logger.Error("failed to flush ClickHouse batches", zap.Error(err))
		}
	}
}

// parseTime accepts an empty string, a date or unix milliseconds.
func parseTime(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}

func printSummary(sr *engine.SymbolResult) {
	sum := sr.Summary
	fmt.Printf("\n%s: %d bars, %d signals, %d trades\n", sr.Symbol, sr.Bars, len(sr.Signals), sum.TotalTrades)
	fmt.Printf("  wins %d / losses %d (win rate %s%%)\n", sum.Wins, sum.Losses, sum.WinRate.StringFixed(2))
	fmt.Printf("  net pnl %s, avg win %s, avg loss %s\n", sum.NetPnlUsd.StringFixed(2), sum.AvgWinUsd.StringFixed(2), sum.AvgLossUsd.StringFixed(2))
	fmt.Printf("  max drawdown %s%%, fees %s\n", sum.MaxDrawdown.StringFixed(2), sum.TotalFees.StringFixed(2))
	if sr.OpenPosition {
		fmt.Println("  position still open at end of data")
	}
	if len(sr.Trades) == 0 {
		return
	}
	fmt.Println("  Entry time          | Entry    | Exit     | PnL      | PnL%   | Reason")
	limit := min(len(sr.Trades), 5)
	for _, t := range sr.Trades[:limit] {
		fmt.Printf("  %-19s | %-8s | %-8s | %-8s | %-6s | %s\n",
			time.UnixMilli(t.EntryTime).UTC().Format("2006-01-02 15:04:05"),
			t.EntryPrice.StringFixed(2),
			t.ExitPrice.StringFixed(2),
			t.PnlUsd.StringFixed(2),
			t.PnlPct.StringFixed(2),
			t.ExitReason)
	}
	if len(sr.Trades) > limit {
		fmt.Printf("  ... and %d more\n", len(sr.Trades)-limit)
	}
}

func exportTrades(path string, trades []engine.Trade) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	w.Write([]string{"symbol", "entry_time", "exit_time", "entry_price", "exit_price", "qty", "fees_usd", "pnl_usd", "pnl_pct", "exit_reason", "bars_held"})
	for _, t := range trades {
		w.Write([]string{
			t.Symbol,
			time.UnixMilli(t.EntryTime).UTC().Format(time.RFC3339),
			time.UnixMilli(t.ExitTime).UTC().Format(time.RFC3339),
			t.EntryPrice.String(),
			t.ExitPrice.String(),
			t.Qty.String(),
			t.FeesUsd.StringFixed(4),
			t.PnlUsd.StringFixed(4),
			t.PnlPct.StringFixed(4),
			t.ExitReason,
			strconv.Itoa(t.BarsHeld),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func writeTrace(p *arrowpipeline.Pipeline, path string, trace []strategies.BarTrace) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := p.WriteTrace(f, trace); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
