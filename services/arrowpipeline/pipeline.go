// Package arrowpipeline encodes bars and per-bar strategy traces as Arrow IPC streams
package arrowpipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"go.uber.org/zap"

	"pivot-backtest/strategies"
)

// Config holds Arrow pipeline configuration
type Config struct {
	BatchSize   int    `yaml:"batch_size"`
	Compression string `yaml:"compression"` // "", "lz4" or "zstd"
}

var barSchema = arrow.NewSchema([]arrow.Field{
	{Name: "symbol", Type: arrow.BinaryTypes.String},
	{Name: "timestamp", Type: arrow.PrimitiveTypes.Int64},
	{Name: "open", Type: arrow.PrimitiveTypes.Float64},
	{Name: "high", Type: arrow.PrimitiveTypes.Float64},
	{Name: "low", Type: arrow.PrimitiveTypes.Float64},
	{Name: "close", Type: arrow.PrimitiveTypes.Float64},
	{Name: "volume", Type: arrow.PrimitiveTypes.Float64},
}, nil)

var traceMetadata = arrow.NewMetadata([]string{"producer"}, []string{"pivot-backtest"})

// Bands are null during warmup; the confirmed_* columns are null unless a pivot
// was confirmed on that bar.
var traceSchema = arrow.NewSchema([]arrow.Field{
	{Name: "index", Type: arrow.PrimitiveTypes.Uint64},
	{Name: "timestamp", Type: arrow.PrimitiveTypes.Int64},
	{Name: "high", Type: arrow.PrimitiveTypes.Float64},
	{Name: "low", Type: arrow.PrimitiveTypes.Float64},
	{Name: "close", Type: arrow.PrimitiveTypes.Float64},
	{Name: "mid", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "upper", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "lower", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "mode", Type: arrow.BinaryTypes.String},
	{Name: "confirmed_kind", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "confirmed_index", Type: arrow.PrimitiveTypes.Uint64, Nullable: true},
	{Name: "confirmed_price", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "signal", Type: arrow.BinaryTypes.String},
	{Name: "position", Type: arrow.BinaryTypes.String},
	{Name: "skipped", Type: arrow.FixedWidthTypes.Boolean},
}, &traceMetadata)

// Pipeline handles Arrow IPC encoding
type Pipeline struct {
	config     Config
	memoryPool memory.Allocator
	logger     *zap.Logger
}

func NewPipeline(config Config, logger *zap.Logger) (*Pipeline, error) {
	if config.BatchSize <= 0 {
		config.BatchSize = 8192
	}
	switch strings.ToLower(config.Compression) {
	case "", "none", "lz4", "zstd":
	default:
		return nil, fmt.Errorf("unknown arrow compression %q", config.Compression)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{config: config, memoryPool: memory.NewGoAllocator(), logger: logger}, nil
}

// WithAllocator swaps the allocator, mostly so tests can check for leaks.
func (p *Pipeline) WithAllocator(mem memory.Allocator) *Pipeline {
	p.memoryPool = mem
	return p
}

func (p *Pipeline) writerOptions(schema *arrow.Schema) []ipc.Option {
	opts := []ipc.Option{ipc.WithSchema(schema), ipc.WithAllocator(p.memoryPool)}
	switch strings.ToLower(p.config.Compression) {
	case "lz4":
		opts = append(opts, ipc.WithLZ4())
	case "zstd":
		opts = append(opts, ipc.WithZstd())
	}
	return opts
}

// EncodeBars serializes bars into one IPC stream of BatchSize-row records.
func (p *Pipeline) EncodeBars(symbol string, bars []strategies.Bar) ([]byte, error) {
	if len(bars) == 0 {
		return nil, fmt.Errorf("no bars to convert")
	}
	var buf bytes.Buffer
	writer := ipc.NewWriter(&buf, p.writerOptions(barSchema)...)
	for start := 0; start < len(bars); start += p.config.BatchSize {
		end := min(start+p.config.BatchSize, len(bars))
		if err := p.writeBars(writer, symbol, bars[start:end]); err != nil {
			writer.Close()
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close Arrow stream: %w", err)
	}
	return buf.Bytes(), nil
}

func (p *Pipeline) writeBars(writer *ipc.Writer, symbol string, bars []strategies.Bar) error {
	b := array.NewRecordBuilder(p.memoryPool, barSchema)
	defer b.Release()

	syms := b.Field(0).(*array.StringBuilder)
	ts := b.Field(1).(*array.Int64Builder)
	cols := []*array.Float64Builder{
		b.Field(2).(*array.Float64Builder),
		b.Field(3).(*array.Float64Builder),
		b.Field(4).(*array.Float64Builder),
		b.Field(5).(*array.Float64Builder),
		b.Field(6).(*array.Float64Builder),
	}
	for _, bar := range bars {
		syms.Append(symbol)
		ts.Append(bar.Timestamp)
		for i, v := range [...]float64{bar.Open, bar.High, bar.Low, bar.Close, bar.Volume} {
			cols[i].Append(v)
		}
	}
	record := b.NewRecord()
	defer record.Release()
	if err := writer.Write(record); err != nil {
		return fmt.Errorf("failed to write Arrow record: %w", err)
	}
	return nil
}

// StreamBars copies a bar source to w as an IPC stream, flushing a record every
// BatchSize bars. It returns the number of bars written.
func (p *Pipeline) StreamBars(ctx context.Context, symbol string, src strategies.DataSource, w io.Writer) (int, error) {
	writer := ipc.NewWriter(w, p.writerOptions(barSchema)...)
	batch := make([]strategies.Bar, 0, p.config.BatchSize)
	n := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.writeBars(writer, symbol, batch); err != nil {
			return err
		}
		n += len(batch)
		batch = batch[:0]
		return nil
	}
	for bar, err := range src.Bars(ctx) {
		if err != nil {
			writer.Close()
			return n, err
		}
		batch = append(batch, bar)
		if len(batch) == p.config.BatchSize {
			if err := flush(); err != nil {
				writer.Close()
				return n, err
			}
		}
	}
	if err := flush(); err != nil {
		writer.Close()
		return n, err
	}
	p.logger.Debug("arrow stream written", zap.String("symbol", symbol), zap.Int("bars", n))
	return n, writer.Close()
}

// DecodeBars reads a stream produced by EncodeBars or StreamBars.
func (p *Pipeline) DecodeBars(r io.Reader) (string, []strategies.Bar, error) {
	reader, err := ipc.NewReader(r, ipc.WithAllocator(p.memoryPool))
	if err != nil {
		return "", nil, fmt.Errorf("failed to open Arrow stream: %w", err)
	}
	defer reader.Release()
	if !reader.Schema().Equal(barSchema) {
		return "", nil, fmt.Errorf("unexpected schema %s", reader.Schema())
	}

	var (
		symbol string
		bars   []strategies.Bar
	)
	for reader.Next() {
		rec := reader.Record()
		syms := rec.Column(0).(*array.String)
		ts := rec.Column(1).(*array.Int64)
		f := func(i int) *array.Float64 { return rec.Column(i).(*array.Float64) }
		open, high, low, closes, vol := f(2), f(3), f(4), f(5), f(6)
		for i := 0; i < int(rec.NumRows()); i++ {
			if symbol == "" {
				symbol = syms.Value(i)
			}
			bars = append(bars, strategies.Bar{
				Timestamp: ts.Value(i),
				Open:      open.Value(i),
				High:      high.Value(i),
				Low:       low.Value(i),
				Close:     closes.Value(i),
				Volume:    vol.Value(i),
			})
		}
	}
	if err := reader.Err(); err != nil {
		return "", nil, fmt.Errorf("failed to read Arrow stream: %w", err)
	}
	return symbol, bars, nil
}

// EncodeTrace serializes the per-bar band, pivot and signal snapshots.
func (p *Pipeline) EncodeTrace(trace []strategies.BarTrace) ([]byte, error) {
	var buf bytes.Buffer
	if err := p.WriteTrace(&buf, trace); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p *Pipeline) WriteTrace(w io.Writer, trace []strategies.BarTrace) error {
	writer := ipc.NewWriter(w, p.writerOptions(traceSchema)...)
	for start := 0; start < len(trace); start += p.config.BatchSize {
		end := min(start+p.config.BatchSize, len(trace))
		if err := p.writeTrace(writer, trace[start:end]); err != nil {
			writer.Close()
			return err
		}
	}
	return writer.Close()
}

func (p *Pipeline) writeTrace(writer *ipc.Writer, trace []strategies.BarTrace) error {
	b := array.NewRecordBuilder(p.memoryPool, traceSchema)
	defer b.Release()

	var (
		idx       = b.Field(0).(*array.Uint64Builder)
		ts        = b.Field(1).(*array.Int64Builder)
		high      = b.Field(2).(*array.Float64Builder)
		low       = b.Field(3).(*array.Float64Builder)
		closes    = b.Field(4).(*array.Float64Builder)
		mid       = b.Field(5).(*array.Float64Builder)
		upper     = b.Field(6).(*array.Float64Builder)
		lower     = b.Field(7).(*array.Float64Builder)
		mode      = b.Field(8).(*array.StringBuilder)
		confKind  = b.Field(9).(*array.StringBuilder)
		confIndex = b.Field(10).(*array.Uint64Builder)
		confPrice = b.Field(11).(*array.Float64Builder)
		signal    = b.Field(12).(*array.StringBuilder)
		position  = b.Field(13).(*array.StringBuilder)
		skipped   = b.Field(14).(*array.BooleanBuilder)
	)
	for _, t := range trace {
		idx.Append(t.Bar.Index)
		ts.Append(t.Bar.Timestamp)
		high.Append(t.Bar.High)
		low.Append(t.Bar.Low)
		closes.Append(t.Bar.Close)
		if t.BandReady {
			mid.Append(t.Band.Mid)
			upper.Append(t.Band.Upper)
			lower.Append(t.Band.Lower)
		} else {
			mid.AppendNull()
			upper.AppendNull()
			lower.AppendNull()
		}
		mode.Append(t.Mode.String())
		if c := t.Confirmed; c != nil {
			confKind.Append(c.Kind.String())
			confIndex.Append(c.Index)
			confPrice.Append(c.Price)
		} else {
			confKind.AppendNull()
			confIndex.AppendNull()
			confPrice.AppendNull()
		}
		signal.Append(t.Signal.Type.String())
		position.Append(t.Position.String())
		skipped.Append(t.Skipped)
	}
	record := b.NewRecord()
	defer record.Release()
	if err := writer.Write(record); err != nil {
		return fmt.Errorf("failed to write Arrow record: %w", err)
	}
	return nil
}

// TraceSchema is the schema of EncodeTrace output.
func TraceSchema() *arrow.Schema { return traceSchema }
