// resample_csv aggregates an OHLCV CSV into a coarser cadence, e.g. the 1m files
// written by load_bars into the 5m or 15m files the csv data source reads.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"pivot-backtest/services/engine"
)

func main() {
	var (
		in  = flag.String("in", "", "Input CSV (timestamp,open,high,low,close,volume)")
		out = flag.String("out", "", "Output CSV path")
		src = flag.String("src", "1m", "Source cadence (e.g., 1m)")
		dst = flag.String("dst", "5m", "Target cadence (e.g., 5m)")
	)
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	if *in == "" || *out == "" {
		logger.Fatal("-in and -out are required")
	}
	srcMs, err := engine.ParseInterval(*src)
	if err != nil {
		logger.Fatal("invalid -src", zap.Error(err))
	}
	dstMs, err := engine.ParseInterval(*dst)
	if err != nil {
		logger.Fatal("invalid -dst", zap.Error(err))
	}
	if dstMs%srcMs != 0 {
		logger.Fatal("dst must be a multiple of src", zap.String("src", *src), zap.String("dst", *dst))
	}

	bars, stats, err := engine.NewLoader(engine.LoaderConfig{GapPolicy: engine.GapFlag}, logger).LoadFile(*in)
	if err != nil {
		logger.Fatal("load failed", zap.Error(err))
	}
	if len(bars) == 0 {
		logger.Fatal("no input bars parsed", zap.Int("skipped", stats.Skipped))
	}
	if stats.CadenceMs != 0 && stats.CadenceMs != srcMs {
		logger.Warn("input cadence differs from -src", zap.Int64("cadence_ms", stats.CadenceMs), zap.Int64("src_ms", srcMs))
	}
	resampled := engine.Resample(bars, dstMs)

	f, err := os.Create(*out)
	if err != nil {
		logger.Fatal("create output", zap.Error(err))
	}
	if err := engine.WriteCSV(f, resampled); err != nil {
		f.Close()
		logger.Fatal("write output", zap.Error(err))
	}
	if err := f.Close(); err != nil {
		logger.Fatal("close output", zap.Error(err))
	}
	fmt.Printf("%d bars -> %d bars (%s -> %s) written to %s\n", len(bars), len(resampled), *src, *dst, *out)
}
