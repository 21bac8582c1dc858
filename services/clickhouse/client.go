package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	clickhouse "github.com/ClickHouse/clickhouse-go/v2"
	chproto "github.com/ClickHouse/clickhouse-go/v2/lib/proto"
	"go.uber.org/zap"

	"pivot-backtest/strategies"
)

type Config struct {
	Addr        []string      `yaml:"addr"`
	HTTPURL     string        `yaml:"http_url"`
	Database    string        `yaml:"database"`
	Table       string        `yaml:"table"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Compress    bool          `yaml:"compress"`
}

// Rows is the part of driver.Rows the bar reader needs.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// Client reads and writes bars over the native protocol.
type Client struct {
	cfg    Config
	conn   clickhouse.Conn
	logger *zap.Logger
	query  func(ctx context.Context, q string, args ...any) (Rows, error)
}

func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := &clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": uint64(0),
		},
		DialTimeout: cfg.DialTimeout,
	}
	if cfg.Compress {
		opts.Compression = &clickhouse.Compression{Method: clickhouse.CompressionLZ4}
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse ping: %s", ExplainError(err))
	}
	c := &Client{cfg: cfg, conn: conn, logger: logger}
	c.query = func(ctx context.Context, q string, args ...any) (Rows, error) {
		return conn.Query(ctx, q, args...)
	}
	logger.Info("clickhouse connected", zap.Strings("addr", cfg.Addr), zap.String("database", cfg.Database))
	return c, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) table() string { return c.cfg.Database + "." + c.cfg.Table }

// EnsureSchema creates the database, the bar table and the result tables.
func (c *Client) EnsureSchema(ctx context.Context) error {
	if err := c.conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", c.cfg.Database)); err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	for _, ddl := range []string{barsDDL(c.table()), signalsDDL(c.cfg.Database), tradesDDL(c.cfg.Database)} {
		if err := c.conn.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %s", ExplainError(err))
		}
	}
	return nil
}

func barsDDL(table string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			symbol String,
			interval LowCardinality(String),
			open_time_ms UInt64,
			open Float64,
			high Float64,
			low Float64,
			close Float64,
			volume Float64,
			ingested_at DateTime64(3),
			version UInt64
		)
		ENGINE = ReplacingMergeTree(version)
		ORDER BY (symbol, interval, open_time_ms)
		SETTINGS index_granularity = 8192
	`, table)
}

func signalsDDL(db string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.signals (
			job_id String,
			symbol String,
			bar_index UInt64,
			ts_ms Int64,
			type LowCardinality(String),
			price Float64,
			reason String,
			ingested_at DateTime64(3) DEFAULT now64(3)
		)
		ENGINE = ReplacingMergeTree
		ORDER BY (job_id, symbol, bar_index)
	`, db)
}

func tradesDDL(db string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.trades (
			job_id String,
			symbol String,
			entry_index UInt64,
			exit_index UInt64,
			entry_time_ms Int64,
			exit_time_ms Int64,
			entry_price Decimal128(18),
			exit_price Decimal128(18),
			qty Decimal128(18),
			fees_usd Decimal128(18),
			pnl_usd Decimal128(18),
			exit_reason String,
			ingested_at DateTime64(3) DEFAULT now64(3)
		)
		ENGINE = ReplacingMergeTree
		ORDER BY (job_id, symbol, entry_index)
	`, db)
}

// InsertBars appends bars in one batch. Re-inserting a range is safe, the table
// keeps the newest version per open time.
func (c *Client) InsertBars(ctx context.Context, symbol, interval string, bars []strategies.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	batch, err := c.conn.PrepareBatch(ctx, fmt.Sprintf(`INSERT INTO %s SETTINGS insert_deduplicate=1`, c.table()))
	if err != nil {
		return 0, fmt.Errorf("prepare batch: %w", err)
	}
	now := time.Now().UTC()
	ver := uint64(now.UnixNano())
	for _, b := range bars {
		if err := batch.Append(symbol, interval, uint64(b.Timestamp), b.Open, b.High, b.Low, b.Close, b.Volume, now, ver); err != nil {
			return 0, fmt.Errorf("batch append: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return 0, fmt.Errorf("batch send: %s", ExplainError(err))
	}
	c.logger.Info("bars inserted", zap.String("symbol", symbol), zap.String("interval", interval), zap.Int("rows", len(bars)))
	return len(bars), nil
}

// Derive aggregates 1m bars of every symbol into a coarser interval.
func (c *Client) Derive(ctx context.Context, interval string, minutes int) error {
	c.logger.Info("deriving interval from 1m", zap.String("interval", interval), zap.Int("minutes", minutes))
	return c.conn.Exec(ctx, deriveQuery(c.table(), interval, minutes))
}

func deriveQuery(table, interval string, minutes int) string {
	return fmt.Sprintf(`
        INSERT INTO %[1]s SETTINGS insert_deduplicate=1
        SELECT
            symbol,
            '%[2]s' AS interval,
            toUInt64(toUnixTimestamp(start_ts) * 1000) AS open_time_ms,
            argMin(open, open_time_ms)  AS open,
            max(high)                   AS high,
            min(low)                    AS low,
            argMax(close, open_time_ms) AS close,
            sum(volume)                 AS volume,
            now64(3)                    AS ingested_at,
            toUInt64(toUnixTimestamp64Nano(now64(9))) AS version
        FROM (
            SELECT
                symbol, open_time_ms, open, high, low, close, volume,
                toStartOfInterval(toDateTime(open_time_ms / 1000), INTERVAL %[3]d MINUTE) AS start_ts
            FROM %[1]s FINAL
            WHERE interval = '1m'
        )
        GROUP BY symbol, start_ts
    `, table, interval, minutes)
}

func barsQuery(table string, startMs, endMs int64) (string, []any) {
	q := fmt.Sprintf(`SELECT open_time_ms, open, high, low, close, volume FROM %s FINAL WHERE symbol = ? AND interval = ?`, table)
	var args []any
	if startMs > 0 {
		q += ` AND open_time_ms >= ?`
		args = append(args, uint64(startMs))
	}
	if endMs > 0 {
		q += ` AND open_time_ms < ?`
		args = append(args, uint64(endMs))
	}
	return q + ` ORDER BY open_time_ms`, args
}

// Source streams one symbol's bars in open-time order.
func (c *Client) Source(symbol, interval string, startMs, endMs int64) *BarSource {
	return &BarSource{client: c, Symbol: symbol, Interval: interval, StartMs: startMs, EndMs: endMs}
}

type BarSource struct {
	client   *Client
	Symbol   string
	Interval string
	StartMs  int64
	EndMs    int64
	Rows     int
}

func (s *BarSource) Bars(ctx context.Context) iter.Seq2[strategies.Bar, error] {
	return func(yield func(strategies.Bar, error) bool) {
		q, extra := barsQuery(s.client.table(), s.StartMs, s.EndMs)
		args := append([]any{s.Symbol, s.Interval}, extra...)
		rows, err := s.client.query(ctx, q, args...)
		if err != nil {
			yield(strategies.Bar{}, fmt.Errorf("query bars %s %s: %s", s.Symbol, s.Interval, ExplainError(err)))
			return
		}
		defer rows.Close()

		s.Rows = 0
		for rows.Next() {
			var (
				openMs uint64
				b      strategies.Bar
			)
			if err := rows.Scan(&openMs, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
				yield(strategies.Bar{}, fmt.Errorf("scan bar: %w", err))
				return
			}
			b.Timestamp = int64(openMs)
			s.Rows++
			if !yield(b, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(strategies.Bar{}, fmt.Errorf("read bars: %w", err))
		}
	}
}

// ExplainError renders server exceptions with their code.
func ExplainError(err error) string {
	var ex *chproto.Exception
	if errors.As(err, &ex) {
		return fmt.Sprintf("ClickHouse [%d] %s (%s)", ex.Code, ex.Message, ex.Name)
	}
	return err.Error()
}
