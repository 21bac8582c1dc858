package clickhouse

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"pivot-backtest/services/engine"
	"pivot-backtest/strategies"
)

// BatchClient buffers result rows and posts them gzip-compressed over the HTTP
// interface as JSONEachRow.
type BatchClient struct {
	baseURL    string
	username   string
	password   string
	table      string
	httpClient *http.Client
	buffer     []any
	batchSize  int
}

func NewBatchClient(cfg Config, table string, batchSize int) *BatchClient {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &BatchClient{
		baseURL:   cfg.HTTPURL,
		username:  cfg.Username,
		password:  cfg.Password,
		table:     cfg.Database + "." + table,
		batchSize: batchSize,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		buffer: make([]any, 0, batchSize),
	}
}

type SignalRow struct {
	JobID    string  `json:"job_id"`
	Symbol   string  `json:"symbol"`
	BarIndex uint64  `json:"bar_index"`
	TsMs     int64   `json:"ts_ms"`
	Type     string  `json:"type"`
	Price    float64 `json:"price"`
	Reason   string  `json:"reason"`
}

type TradeRow struct {
	JobID       string `json:"job_id"`
	Symbol      string `json:"symbol"`
	EntryIndex  uint64 `json:"entry_index"`
	ExitIndex   uint64 `json:"exit_index"`
	EntryTimeMs int64  `json:"entry_time_ms"`
	ExitTimeMs  int64  `json:"exit_time_ms"`
	EntryPrice  string `json:"entry_price"`
	ExitPrice   string `json:"exit_price"`
	Qty         string `json:"qty"`
	FeesUsd     string `json:"fees_usd"`
	PnlUsd      string `json:"pnl_usd"`
	ExitReason  string `json:"exit_reason"`
}

func SignalRows(jobID, symbol string, sigs []strategies.Signal) []SignalRow {
	out := make([]SignalRow, len(sigs))
	for i, s := range sigs {
		out[i] = SignalRow{JobID: jobID, Symbol: symbol, BarIndex: s.Index, TsMs: s.Timestamp, Type: s.Type.String(), Price: s.Price, Reason: s.Reason}
	}
	return out
}

// TradeRows keeps decimals as strings so Decimal128 columns parse them exactly.
func TradeRows(jobID string, trades []engine.Trade) []TradeRow {
	out := make([]TradeRow, len(trades))
	for i, t := range trades {
		out[i] = TradeRow{
			JobID:       jobID,
			Symbol:      t.Symbol,
			EntryIndex:  t.EntryIndex,
			ExitIndex:   t.ExitIndex,
			EntryTimeMs: t.EntryTime,
			ExitTimeMs:  t.ExitTime,
			EntryPrice:  t.EntryPrice.String(),
			ExitPrice:   t.ExitPrice.String(),
			Qty:         t.Qty.String(),
			FeesUsd:     t.FeesUsd.String(),
			PnlUsd:      t.PnlUsd.String(),
			ExitReason:  t.ExitReason,
		}
	}
	return out
}

func (c *BatchClient) Add(ctx context.Context, row any) error {
	c.buffer = append(c.buffer, row)
	if len(c.buffer) >= c.batchSize {
		return c.Flush(ctx)
	}
	return nil
}

func (c *BatchClient) Flush(ctx context.Context) error {
	if len(c.buffer) == 0 {
		return nil
	}

	var buf bytes.Buffer
	gzWriter := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gzWriter)
	for _, row := range c.buffer {
		// Encode terminates every object with a newline, as JSONEachRow expects
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
	}
	if err := gzWriter.Close(); err != nil {
		return fmt.Errorf("gzip error: %w", err)
	}

	query := fmt.Sprintf("INSERT INTO %s FORMAT JSONEachRow", c.table)
	settings := "input_format_null_as_default=1&date_time_input_format=best_effort"
	u := fmt.Sprintf("%s/?query=%s&%s", c.baseURL, url.QueryEscape(query), settings)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &buf)
	if err != nil {
		return fmt.Errorf("request error: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Content-Encoding", "gzip")
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("X-ClickHouse-Settings", "input_format_allow_errors_num=0,insert_deduplicate=1")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("clickhouse error %d: %s", resp.StatusCode, string(body))
	}
	c.buffer = c.buffer[:0]
	return nil
}

func (c *BatchClient) Close(ctx context.Context) error {
	return c.Flush(ctx)
}

// ResultSink writes finished symbol results to the signals and trades tables.
type ResultSink struct {
	signals *BatchClient
	trades  *BatchClient
}

func NewResultSink(cfg Config) *ResultSink {
	return &ResultSink{
		signals: NewBatchClient(cfg, "signals", 5000),
		trades:  NewBatchClient(cfg, "trades", 1000),
	}
}

func (s *ResultSink) Write(ctx context.Context, jobID string, res *engine.SymbolResult) error {
	for _, row := range SignalRows(jobID, res.Symbol, res.Signals) {
		if err := s.signals.Add(ctx, row); err != nil {
			return fmt.Errorf("signals: %w", err)
		}
	}
	for _, row := range TradeRows(jobID, res.Trades) {
		if err := s.trades.Add(ctx, row); err != nil {
			return fmt.Errorf("trades: %w", err)
		}
	}
	return nil
}

func (s *ResultSink) Close(ctx context.Context) error {
	if err := s.signals.Close(ctx); err != nil {
		return fmt.Errorf("signals: %w", err)
	}
	if err := s.trades.Close(ctx); err != nil {
		return fmt.Errorf("trades: %w", err)
	}
	return nil
}
