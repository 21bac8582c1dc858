package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"pivot-backtest/services/clickhouse"
	"pivot-backtest/services/engine"
	"pivot-backtest/strategies"
)

// CSVPath is where the csv source expects a symbol's bars.
func (c *Config) CSVPath(symbol, timeframe string) string {
	if timeframe == "" {
		timeframe = c.Data.Timeframe
	}
	return filepath.Join(c.Data.Dir, fmt.Sprintf("%s-%s.csv", strings.ToUpper(symbol), timeframe))
}

// Sources returns the factory for the configured data source. ch is only used,
// and then required, when the source is clickhouse.
func (c *Config) Sources(ch *clickhouse.Client, logger *zap.Logger) (engine.SourceFactory, error) {
	switch c.Data.Source {
	case "clickhouse":
		if ch == nil {
			return nil, errors.New("clickhouse data source needs a client")
		}
		return func(_ context.Context, job *engine.BacktestJob, symbol string) (strategies.DataSource, error) {
			return ch.Source(symbol, job.Timeframe, job.StartTime, job.EndTime), nil
		}, nil
	case "csv":
		base := c.LoaderConfig()
		return func(_ context.Context, job *engine.BacktestJob, symbol string) (strategies.DataSource, error) {
			path := c.CSVPath(symbol, job.Timeframe)
			if _, err := os.Stat(path); err != nil {
				return nil, fmt.Errorf("no bar file for %s: %w", symbol, err)
			}
			lc := base
			lc.StartMs, lc.EndMs = job.StartTime, job.EndTime
			return &engine.CSVSource{Path: path, Loader: engine.NewLoader(lc, logger)}, nil
		}, nil
	}
	return nil, fmt.Errorf("unknown data source %q", c.Data.Source)
}
