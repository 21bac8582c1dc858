package clickhouse

import (
	"archive/zip"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pivot-backtest/services/engine"
	"pivot-backtest/strategies"
)

type fakeRows struct {
	data [][]any
	pos  int
	err  error
}

func (r *fakeRows) Next() bool {
	r.pos++
	return r.pos <= len(r.data)
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.data[r.pos-1]
	*dest[0].(*uint64) = row[0].(uint64)
	for i := 1; i < len(dest); i++ {
		*dest[i].(*float64) = row[i].(float64)
	}
	return nil
}

func (r *fakeRows) Err() error   { return r.err }
func (r *fakeRows) Close() error { return nil }

func TestBarsQuery(t *testing.T) {
	q, args := barsQuery("backtest.data", 0, 0)
	if !strings.Contains(q, "FROM backtest.data FINAL") || !strings.HasSuffix(q, "ORDER BY open_time_ms") || len(args) != 0 {
		t.Fatalf("unexpected query %q %v", q, args)
	}
	q, args = barsQuery("backtest.data", 10, 20)
	if !strings.Contains(q, "open_time_ms >= ?") || !strings.Contains(q, "open_time_ms < ?") || len(args) != 2 {
		t.Fatalf("unexpected bounded query %q %v", q, args)
	}
	if ddl := barsDDL("backtest.data"); !strings.Contains(ddl, "ReplacingMergeTree(version)") {
		t.Fatalf("unexpected ddl %s", ddl)
	}
	if dq := deriveQuery("backtest.data", "5m", 5); !strings.Contains(dq, "INTERVAL 5 MINUTE") || !strings.Contains(dq, "'5m' AS interval") {
		t.Fatalf("unexpected derive query %s", dq)
	}
}

func TestBarSourceStreamsRows(t *testing.T) {
	var gotArgs []any
	c := &Client{cfg: Config{Database: "backtest", Table: "data"}}
	c.query = func(_ context.Context, q string, args ...any) (Rows, error) {
		gotArgs = args
		return &fakeRows{data: [][]any{
			{uint64(60_000), 1.0, 2.0, 0.5, 1.5, 10.0},
			{uint64(120_000), 1.5, 2.5, 1.0, 2.0, 12.0},
		}}, nil
	}
	src := c.Source("BTCUSDT", "1m", 60_000, 0)
	var bars []strategies.Bar
	for b, err := range src.Bars(context.Background()) {
		if err != nil {
			t.Fatal(err)
		}
		bars = append(bars, b)
	}
	if len(bars) != 2 || bars[1].Timestamp != 120_000 || bars[1].Close != 2.0 || src.Rows != 2 {
		t.Fatalf("unexpected bars %+v", bars)
	}
	if len(gotArgs) != 3 || gotArgs[0] != "BTCUSDT" || gotArgs[1] != "1m" || gotArgs[2] != uint64(60_000) {
		t.Fatalf("unexpected args %v", gotArgs)
	}

	c.query = func(context.Context, string, ...any) (Rows, error) {
		return &fakeRows{err: errors.New("connection reset")}, nil
	}
	var lastErr error
	for _, err := range c.Source("BTCUSDT", "1m", 0, 0).Bars(context.Background()) {
		lastErr = err
	}
	if lastErr == nil {
		t.Fatal("expected the row error to surface")
	}
}

func TestBatchClientFlush(t *testing.T) {
	var (
		lines []map[string]any
		query string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u, p, ok := r.BasicAuth(); !ok || u != "backtest" || p != "secret" {
			http.Error(w, "auth", http.StatusUnauthorized)
			return
		}
		query = r.URL.Query().Get("query")
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sc := bufio.NewScanner(zr)
		for sc.Scan() {
			var m map[string]any
			if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			lines = append(lines, m)
		}
	}))
	defer srv.Close()

	cfg := Config{HTTPURL: srv.URL, Database: "backtest", Username: "backtest", Password: "secret"}
	sink := NewResultSink(cfg)
	res := &engine.SymbolResult{
		Symbol: "BTCUSDT",
		Signals: []strategies.Signal{
			{Index: 5, Type: strategies.SignalEnterLong, Price: 98, Reason: strategies.ReasonHigherLowBounce},
			{Index: 9, Type: strategies.SignalExitLong, Price: 99.5, Reason: strategies.ReasonTrailingStop},
		},
		Trades: []engine.Trade{{Symbol: "BTCUSDT", EntryIndex: 5, ExitIndex: 9, PnlUsd: decimal.RequireFromString("1.5")}},
	}
	ctx := context.Background()
	if err := sink.Write(ctx, "job-1", res); err != nil {
		t.Fatal(err)
	}
	if len(lines) != 0 {
		t.Fatal("rows flushed before the batch filled")
	}
	if err := sink.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if len(lines) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(lines))
	}
	if lines[0]["type"] != "ENTER_LONG" || lines[1]["reason"] != strategies.ReasonTrailingStop {
		t.Fatalf("unexpected signal rows %v", lines[:2])
	}
	if lines[2]["pnl_usd"] != "1.5" || query != "INSERT INTO backtest.trades FORMAT JSONEachRow" {
		t.Fatalf("unexpected trade row %v for %q", lines[2], query)
	}

	bad := NewBatchClient(Config{HTTPURL: srv.URL, Database: "backtest"}, "signals", 1)
	if err := bad.Add(ctx, SignalRow{}); err == nil {
		t.Fatal("expected auth failure")
	}
}

func TestParseKlines(t *testing.T) {
	csvData := "open_time,open,high,low,close,volume\n" +
		"1704067200000,42283.58,42298.62,42261.02,42298.61,35.92724\n" +
		"1735689600000000,93576.00,93610.93,93537.50,93610.93,8.21827\n" +
		"bad,row,x,y,z,w\n"
	bars, err := ParseKlines(strings.NewReader(csvData))
	if err != nil {
		t.Fatal(err)
	}
	if len(bars) != 2 {
		t.Fatalf("expected 2 bars, got %+v", bars)
	}
	if bars[0].Timestamp != 1704067200000 || bars[0].Close != 42298.61 {
		t.Fatalf("unexpected first bar %+v", bars[0])
	}
	if bars[1].Timestamp != 1735689600000 {
		t.Fatalf("microseconds not scaled: %d", bars[1].Timestamp)
	}
}

func TestMonthRange(t *testing.T) {
	months, err := MonthRange("2023-11", "2024-02")
	if err != nil {
		t.Fatal(err)
	}
	if len(months) != 4 || months[3] != time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC) {
		t.Fatalf("unexpected months %v", months)
	}
	if _, err := MonthRange("2024-02", "2023-11"); err == nil {
		t.Fatal("expected error for inverted range")
	}
}

func TestFetchMonth(t *testing.T) {
	var zipped bytes.Buffer
	zw := zip.NewWriter(&zipped)
	w, _ := zw.Create("BTCUSDT-1m-2024-01.csv")
	w.Write([]byte("1704067200000,1,2,0.5,1.5,10,1704067259999,0,0,0,0,0\n"))
	zw.Close()

	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Write(zipped.Bytes())
	}))
	defer srv.Close()

	f := NewArchiveFetcher(srv.URL, nil)
	bars, err := f.FetchMonth(context.Background(), "BTCUSDT", "1m", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if path != "/data/spot/monthly/klines/BTCUSDT/1m/BTCUSDT-1m-2024-01.zip" {
		t.Fatalf("unexpected path %s", path)
	}
	if len(bars) != 1 || bars[0].Open != 1 {
		t.Fatalf("unexpected bars %+v", bars)
	}
}
