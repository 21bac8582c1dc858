package clickhouse

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"pivot-backtest/strategies"
)

// ArchiveFetcher downloads monthly kline archives from data.binance.vision.
type ArchiveFetcher struct {
	BaseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewArchiveFetcher(baseURL string, logger *zap.Logger) *ArchiveFetcher {
	if baseURL == "" {
		baseURL = "https://data.binance.vision"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveFetcher{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 180 * time.Second},
		logger:     logger,
	}
}

// MonthRange lists the first day of every month from startYM to endYM inclusive.
func MonthRange(startYM, endYM string) ([]time.Time, error) {
	start, err := time.Parse("2006-01", startYM)
	if err != nil {
		return nil, fmt.Errorf("parse start month: %w", err)
	}
	end, err := time.Parse("2006-01", endYM)
	if err != nil {
		return nil, fmt.Errorf("parse end month: %w", err)
	}
	if end.Before(start) {
		return nil, errors.New("end month before start month")
	}
	var out []time.Time
	for cur := start; !cur.After(end); cur = cur.AddDate(0, 1, 0) {
		out = append(out, cur)
	}
	return out, nil
}

func (f *ArchiveFetcher) URL(symbol, interval string, month time.Time) string {
	return fmt.Sprintf("%s/data/spot/monthly/klines/%s/%s/%s-%s-%04d-%02d.zip",
		f.BaseURL, symbol, interval, symbol, interval, month.Year(), int(month.Month()))
}

// FetchMonth downloads and parses one monthly archive.
func (f *ArchiveFetcher) FetchMonth(ctx context.Context, symbol, interval string, month time.Time) ([]strategies.Bar, error) {
	u := f.URL(symbol, interval, month)
	f.logger.Info("fetching archive", zap.String("url", u))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "pivot-backtest/1.0")
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", u, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("zip open: %w", err)
	}
	for _, zf := range zr.File {
		if !strings.HasSuffix(strings.ToLower(zf.Name), ".csv") {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return nil, fmt.Errorf("zip entry open: %w", err)
		}
		defer rc.Close()
		return ParseKlines(rc)
	}
	return nil, errors.New("no csv in zip")
}

// ParseKlines reads the exchange's kline CSV: open time, open, high, low, close,
// volume, then columns this backtester ignores. Microsecond open times, used by
// the newer archives, are scaled to milliseconds. A header row is skipped.
func ParseKlines(r io.Reader) ([]strategies.Bar, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	var bars []strategies.Bar
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv read: %w", err)
		}
		if len(rec) < 6 {
			continue
		}
		openTime, err := strconv.ParseInt(strings.TrimSpace(rec[0]), 10, 64)
		if err != nil {
			continue
		}
		if openTime > 1_000_000_000_000_000 {
			openTime /= 1000
		}
		var b strategies.Bar
		b.Timestamp = openTime
		vals := []*float64{&b.Open, &b.High, &b.Low, &b.Close, &b.Volume}
		ok := true
		for i, dst := range vals {
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[i+1]), 64)
			if err != nil {
				ok = false
				break
			}
			*dst = v
		}
		if ok {
			bars = append(bars, b)
		}
	}
	return bars, nil
}
