// load_bars installs Binance spot monthly klines into ClickHouse (1m plus derived
// intervals) or into the CSV directory the csv data source reads from.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pivot-backtest/services/clickhouse"
	"pivot-backtest/services/config"
	"pivot-backtest/services/engine"
	"pivot-backtest/services/logging"
	"pivot-backtest/strategies"
)

func main() {
	var (
		configFile = flag.String("config", "", "YAML config file")
		symbols    = flag.String("symbols", "BTCUSDT", "Comma-separated symbols")
		startYM    = flag.String("start", "2024-01", "First month, YYYY-MM")
		endYM      = flag.String("end", "2024-01", "Last month, YYYY-MM")
		baseURL    = flag.String("base-url", "", "Archive mirror (default data.binance.vision)")
		target     = flag.String("to", "clickhouse", "Destination: 'clickhouse' or 'csv'")
		derive     = flag.String("derive", "5m:5,15m:15", "Intervals to derive from 1m in ClickHouse, name:minutes")
		onlyDerive = flag.Bool("only-derive", false, "Skip the download and only rebuild derived intervals")
		parallel   = flag.Int("parallel", 4, "Months fetched concurrently")
	)
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()
	defer logger.Sync()

	intervals, err := parseDerive(*derive)
	if err != nil {
		logger.Fatal("invalid -derive", zap.Error(err))
	}
	months, err := clickhouse.MonthRange(*startYM, *endYM)
	if err != nil {
		logger.Fatal("invalid month range", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var ch *clickhouse.Client
	switch *target {
	case "clickhouse":
		ch, err = clickhouse.Open(ctx, cfg.ClickHouse, logger)
		if err != nil {
			logger.Fatal("clickhouse connect", zap.Error(err), zap.String("hint", clickhouse.ExplainError(err)))
		}
		defer ch.Close()
		if err := ch.EnsureSchema(ctx); err != nil {
			logger.Fatal("ensure schema", zap.Error(err))
		}
	case "csv":
		if *onlyDerive {
			logger.Fatal("-only-derive needs the clickhouse target")
		}
		if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
			logger.Fatal("create data dir", zap.Error(err))
		}
	default:
		logger.Fatal("unknown target", zap.String("to", *target))
	}

	fetcher := clickhouse.NewArchiveFetcher(*baseURL, logger)
	if !*onlyDerive {
		for _, sym := range strings.Split(*symbols, ",") {
			sym = strings.ToUpper(strings.TrimSpace(sym))
			bars := fetchSymbol(ctx, fetcher, sym, months, *parallel, logger)
			if len(bars) == 0 {
				logger.Warn("no bars fetched", zap.String("symbol", sym))
				continue
			}
			if ch != nil {
				if _, err := ch.InsertBars(ctx, sym, "1m", bars); err != nil {
					logger.Error("insert failed", zap.String("symbol", sym), zap.Error(err))
				}
				continue
			}
			path := cfg.CSVPath(sym, "1m")
			if err := writeCSV(path, bars); err != nil {
				logger.Error("csv write failed", zap.String("path", path), zap.Error(err))
				continue
			}
			logger.Info("csv written", zap.String("path", path), zap.Int("rows", len(bars)))
		}
	}

	if ch == nil {
		return
	}
	for _, iv := range intervals {
		if err := ch.Derive(ctx, iv.name, iv.minutes); err != nil {
			logger.Fatal("derive failed", zap.String("interval", iv.name), zap.Error(err))
		}
	}
	logger.Info("done", zap.Int("months", len(months)), zap.Int("derived", len(intervals)))
}

// fetchSymbol downloads every month concurrently. A failed month is logged and
// skipped so one missing archive does not sink the whole range.
func fetchSymbol(ctx context.Context, f *clickhouse.ArchiveFetcher, symbol string, months []time.Time, parallel int, logger *zap.Logger) []strategies.Bar {
	var (
		mu  sync.Mutex
		out []strategies.Bar
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(parallel, 1))
	for _, m := range months {
		g.Go(func() error {
			bars, err := f.FetchMonth(gctx, symbol, "1m", m)
			if err != nil {
				logger.Warn("month skipped", zap.String("symbol", symbol), zap.String("month", m.Format("2006-01")), zap.Error(err))
				return nil
			}
			mu.Lock()
			out = append(out, bars...)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	slices.SortFunc(out, func(a, b strategies.Bar) int {
		switch {
		case a.Timestamp < b.Timestamp:
			return -1
		case a.Timestamp > b.Timestamp:
			return 1
		}
		return 0
	})
	return out
}

type derived struct {
	name    string
	minutes int
}

func parseDerive(s string) ([]derived, error) {
	var out []derived
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, mins, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("%q: want name:minutes", part)
		}
		n, err := strconv.Atoi(mins)
		if err != nil || n <= 1 {
			return nil, fmt.Errorf("%q: minutes must be an integer above 1", part)
		}
		out = append(out, derived{name: name, minutes: n})
	}
	return out, nil
}

func writeCSV(path string, bars []strategies.Bar) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := engine.WriteCSV(f, bars); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
