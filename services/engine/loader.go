package engine

// Historical loader with checksum and gap detection

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"pivot-backtest/strategies"
)

type GapPolicy int

const (
	GapSkip GapPolicy = iota
	GapFlag
	GapFail
)

func ParseGapPolicy(s string) (GapPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "skip":
		return GapSkip, nil
	case "flag", "warn":
		return GapFlag, nil
	case "fail", "error":
		return GapFail, nil
	}
	return GapSkip, fmt.Errorf("unknown gap policy %q", s)
}

var ErrGapsDetected = errors.New("gaps detected in bar series")

type LoaderConfig struct {
	GapPolicy GapPolicy
	// StartMs and EndMs bound the loaded window, [StartMs, EndMs). Zero disables a bound.
	StartMs int64
	EndMs   int64
}

// LoadStats describes what a load did to the raw rows.
type LoadStats struct {
	Rows       int     `json:"rows"`
	Skipped    int     `json:"skipped"`
	Duplicates int     `json:"duplicates"`
	CadenceMs  int64   `json:"cadence_ms"`
	Gaps       []int64 `json:"gaps,omitempty"`
	Checksum   string  `json:"checksum"`
}

type Loader struct {
	cfg    LoaderConfig
	logger *zap.Logger
}

func NewLoader(cfg LoaderConfig, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{cfg: cfg, logger: logger}
}

// Checksum is the hex SHA-256 of the raw dataset bytes.
func (l *Loader) Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DetectGaps returns the timestamps after which more than one expected step is missing.
func (l *Loader) DetectGaps(timestamps []int64, expectedStepMs int64) (gaps []int64) {
	if expectedStepMs <= 0 {
		return nil
	}
	for i := 1; i < len(timestamps); i++ {
		if timestamps[i]-timestamps[i-1] > expectedStepMs {
			gaps = append(gaps, timestamps[i-1])
		}
	}
	return gaps
}

// LoadFile reads an OHLCV CSV from disk.
func (l *Loader) LoadFile(path string) ([]strategies.Bar, LoadStats, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, LoadStats{}, fmt.Errorf("failed to open file: %w", err)
	}
	return l.Load(data)
}

// Load parses OHLCV rows. UTF-8 and BOM-marked UTF-16 input is accepted, a
// header row is optional, and timestamps may be epoch seconds, epoch
// milliseconds or a date-time string. Bars are sorted and duplicate timestamps
// keep the last row.
func (l *Loader) Load(data []byte) ([]strategies.Bar, LoadStats, error) {
	stats := LoadStats{Checksum: l.Checksum(data)}

	dec := transform.NewReader(bytes.NewReader(data), unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	r := csv.NewReader(dec)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	cols := columns{ts: 0, open: 1, high: 2, low: 3, close: 4, volume: 5}
	var bars []strategies.Bar
	first := true
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			stats.Skipped++
			continue
		}
		if first {
			first = false
			if h, ok := headerColumns(rec); ok {
				cols = h
				continue
			}
		}
		bar, ok := cols.parse(rec)
		if !ok {
			stats.Skipped++
			continue
		}
		if l.cfg.StartMs > 0 && bar.Timestamp < l.cfg.StartMs {
			continue
		}
		if l.cfg.EndMs > 0 && bar.Timestamp >= l.cfg.EndMs {
			continue
		}
		bars = append(bars, bar)
	}

	// sort and deduplicate identical timestamps, keeping the last row
	slices.SortStableFunc(bars, func(a, b strategies.Bar) int {
		switch {
		case a.Timestamp < b.Timestamp:
			return -1
		case a.Timestamp > b.Timestamp:
			return 1
		}
		return 0
	})
	uniq := bars[:0]
	for _, b := range bars {
		if n := len(uniq); n > 0 && uniq[n-1].Timestamp == b.Timestamp {
			uniq[n-1] = b
			stats.Duplicates++
			continue
		}
		uniq = append(uniq, b)
	}
	bars = uniq
	stats.Rows = len(bars)

	ts := make([]int64, len(bars))
	for i, b := range bars {
		ts[i] = b.Timestamp
	}
	stats.CadenceMs = detectCadence(ts)
	stats.Gaps = l.DetectGaps(ts, stats.CadenceMs)

	l.logger.Info("bars loaded",
		zap.Int("rows", stats.Rows),
		zap.Int("skipped", stats.Skipped),
		zap.Int("duplicates", stats.Duplicates),
		zap.Int64("cadence_ms", stats.CadenceMs),
		zap.Int("gaps", len(stats.Gaps)))

	if len(stats.Gaps) > 0 {
		switch l.cfg.GapPolicy {
		case GapFlag:
			l.logger.Warn("gaps in bar series", zap.Int64s("after_ts", stats.Gaps))
		case GapFail:
			return nil, stats, fmt.Errorf("%w: %d gaps, first after %d", ErrGapsDetected, len(stats.Gaps), stats.Gaps[0])
		}
	}
	return bars, stats, nil
}

// detectCadence returns the most common positive delta under one day.
func detectCadence(ts []int64) int64 {
	counts := make(map[int64]int)
	limit := min(len(ts), 2000)
	for i := 1; i < limit; i++ {
		if d := ts[i] - ts[i-1]; d > 0 && d < int64(24*time.Hour/time.Millisecond) {
			counts[d]++
		}
	}
	var best int64
	bestCount := 0
	for d, c := range counts {
		if c > bestCount || (c == bestCount && d < best) {
			best, bestCount = d, c
		}
	}
	return best
}

type columns struct {
	ts, open, high, low, close, volume int
}

func headerColumns(rec []string) (columns, bool) {
	c := columns{ts: -1, open: -1, high: -1, low: -1, close: -1, volume: -1}
	for i, raw := range rec {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(raw, "\ufeff"))) {
		case "timestamp", "timestamp_ms", "ts", "time", "datetime", "date", "open_time", "open_time_ms":
			c.ts = i
		case "open", "o":
			c.open = i
		case "high", "h":
			c.high = i
		case "low", "l":
			c.low = i
		case "close", "c":
			c.close = i
		case "volume", "vol", "v":
			c.volume = i
		}
	}
	if c.ts < 0 || c.open < 0 || c.high < 0 || c.low < 0 || c.close < 0 {
		return columns{}, false
	}
	return c, true
}

func (c columns) parse(rec []string) (strategies.Bar, bool) {
	need := max(c.ts, c.open, c.high, c.low, c.close)
	if len(rec) <= need {
		return strategies.Bar{}, false
	}
	ts, err := ParseTimestamp(rec[c.ts])
	if err != nil {
		return strategies.Bar{}, false
	}
	var b strategies.Bar
	b.Timestamp = ts
	for _, f := range []struct {
		dst *float64
		idx int
	}{{&b.Open, c.open}, {&b.High, c.high}, {&b.Low, c.low}, {&b.Close, c.close}} {
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[f.idx]), 64)
		if err != nil {
			return strategies.Bar{}, false
		}
		*f.dst = v
	}
	if c.volume >= 0 && c.volume < len(rec) {
		b.Volume, _ = strconv.ParseFloat(strings.TrimSpace(rec[c.volume]), 64)
	}
	return b, true
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTimestamp accepts epoch seconds, epoch milliseconds or a UTC date-time
// string and returns unix milliseconds.
func ParseTimestamp(s string) (int64, error) {
	s = strings.TrimSpace(strings.TrimPrefix(s, "\ufeff"))
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 100_000_000_000 {
			return n * 1000, nil
		}
		return n, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("unrecognised timestamp %q", s)
}

// CSVSource serves bars from a CSV file. Stats are filled once Bars has run.
type CSVSource struct {
	Path   string
	Loader *Loader
	Stats  LoadStats
}

func (s *CSVSource) Bars(ctx context.Context) iter.Seq2[strategies.Bar, error] {
	return func(yield func(strategies.Bar, error) bool) {
		loader := s.Loader
		if loader == nil {
			loader = NewLoader(LoaderConfig{}, nil)
		}
		bars, stats, err := loader.LoadFile(s.Path)
		s.Stats = stats
		if err != nil {
			yield(strategies.Bar{}, err)
			return
		}
		for b, err := range strategies.SliceSource(bars).Bars(ctx) {
			if !yield(b, err) || err != nil {
				return
			}
		}
	}
}

// Checksum of the file read by the last Bars call.
func (s *CSVSource) Checksum() string { return s.Stats.Checksum }

// WriteCSV writes bars with the header Load recognises.
func WriteCSV(w io.Writer, bars []strategies.Bar) error {
	cw := csv.NewWriter(w)
	cw.Write([]string{"timestamp", "open", "high", "low", "close", "volume"})
	for _, b := range bars {
		cw.Write([]string{
			strconv.FormatInt(b.Timestamp, 10),
			strconv.FormatFloat(b.Open, 'f', -1, 64),
			strconv.FormatFloat(b.High, 'f', -1, 64),
			strconv.FormatFloat(b.Low, 'f', -1, 64),
			strconv.FormatFloat(b.Close, 'f', -1, 64),
			strconv.FormatFloat(b.Volume, 'f', -1, 64),
		})
	}
	cw.Flush()
	return cw.Error()
}

// Resample aggregates sorted bars into epoch-aligned buckets of stepMs: first
// open, max high, min low, last close, summed volume. Indices are renumbered.
func Resample(bars []strategies.Bar, stepMs int64) []strategies.Bar {
	if stepMs <= 0 {
		return slices.Clone(bars)
	}
	var out []strategies.Bar
	for _, b := range bars {
		bucket := b.Timestamp / stepMs * stepMs
		if n := len(out); n > 0 && out[n-1].Timestamp == bucket {
			agg := &out[n-1]
			agg.High = max(agg.High, b.High)
			agg.Low = min(agg.Low, b.Low)
			agg.Close = b.Close
			agg.Volume += b.Volume
			continue
		}
		b.Timestamp = bucket
		b.Index = uint64(len(out))
		out = append(out, b)
	}
	return out
}

// ParseInterval converts "1m", "15min", "4h" or "1d" to milliseconds. A bare
// number is minutes.
func ParseInterval(interval string) (int64, error) {
	s := strings.ToLower(strings.TrimSpace(interval))
	unit := int64(time.Minute / time.Millisecond)
	switch {
	case strings.HasSuffix(s, "min"):
		s = strings.TrimSuffix(s, "min")
	case strings.HasSuffix(s, "m"):
		s = strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "h"):
		s, unit = strings.TrimSuffix(s, "h"), int64(time.Hour/time.Millisecond)
	case strings.HasSuffix(s, "d"):
		s, unit = strings.TrimSuffix(s, "d"), int64(24*time.Hour/time.Millisecond)
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("unsupported interval %q", interval)
	}
	return int64(n) * unit, nil
}
