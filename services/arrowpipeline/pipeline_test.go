package arrowpipeline

import (
	"bytes"
	"context"
	"testing"

	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"

	"pivot-backtest/strategies"
)

func sampleBars(n int) []strategies.Bar {
	bars := make([]strategies.Bar, n)
	for i := range bars {
		px := 100 + float64(i%7)
		bars[i] = strategies.Bar{Timestamp: int64(i) * 60_000, Open: px, High: px + 1, Low: px - 1, Close: px + 0.5, Volume: float64(i)}
	}
	return bars
}

func TestBarsRoundTrip(t *testing.T) {
	for _, compression := range []string{"", "lz4", "zstd"} {
		mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
		p, err := NewPipeline(Config{BatchSize: 4, Compression: compression}, nil)
		if err != nil {
			t.Fatal(err)
		}
		p.WithAllocator(mem)

		in := sampleBars(10)
		data, err := p.EncodeBars("BTCUSDT", in)
		if err != nil {
			t.Fatalf("%s: %v", compression, err)
		}
		symbol, out, err := p.DecodeBars(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("%s: %v", compression, err)
		}
		if symbol != "BTCUSDT" || len(out) != len(in) {
			t.Fatalf("%s: got %s with %d bars", compression, symbol, len(out))
		}
		for i := range in {
			if out[i] != in[i] {
				t.Fatalf("%s: bar %d differs: %+v vs %+v", compression, i, out[i], in[i])
			}
		}
		mem.AssertSize(t, 0)
	}

	if _, err := NewPipeline(Config{Compression: "snappy"}, nil); err == nil {
		t.Fatal("expected error for unknown compression")
	}
	p, _ := NewPipeline(Config{}, nil)
	if _, err := p.EncodeBars("X", nil); err == nil {
		t.Fatal("expected error for empty input")
	}
}

func TestStreamBars(t *testing.T) {
	p, _ := NewPipeline(Config{BatchSize: 3}, nil)
	var buf bytes.Buffer
	n, err := p.StreamBars(context.Background(), "ETHUSDT", strategies.SliceSource(sampleBars(7)), &buf)
	if err != nil || n != 7 {
		t.Fatalf("wrote %d bars, err %v", n, err)
	}

	r, err := ipc.NewReader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Release()
	records := 0
	for r.Next() {
		records++
	}
	if records != 3 {
		t.Fatalf("expected 3 records of at most 3 rows, got %d", records)
	}
}

func TestEncodeTrace(t *testing.T) {
	confirmed := strategies.Pivot{Index: 1, Price: 110, Kind: strategies.PivotHigh}
	trace := []strategies.BarTrace{
		{Bar: strategies.Bar{Index: 0, Close: 100}, Mode: strategies.ModeUninitialized},
		{
			Bar:       strategies.Bar{Index: 1, Close: 101},
			Band:      strategies.Band{Mid: 100, Upper: 102, Lower: 98},
			BandReady: true,
			Mode:      strategies.ModeSearchingLow,
			Confirmed: &confirmed,
			Signal:    strategies.Signal{Type: strategies.SignalEnterLong},
			Position:  strategies.Long,
		},
	}
	p, _ := NewPipeline(Config{}, nil)
	data, err := p.EncodeTrace(trace)
	if err != nil {
		t.Fatal(err)
	}

	r, err := ipc.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Release()
	if !r.Schema().Equal(TraceSchema()) {
		t.Fatalf("unexpected schema %s", r.Schema())
	}
	if md := r.Schema().Metadata(); md.FindKey("producer") < 0 || md.Values()[md.FindKey("producer")] != "pivot-backtest" {
		t.Fatalf("producer metadata missing: %v", md)
	}
	if !r.Next() {
		t.Fatal("no record")
	}
	rec := r.Record()
	mid := rec.Column(5).(*array.Float64)
	if !mid.IsNull(0) || mid.Value(1) != 100 {
		t.Fatal("warmup band should be null and ready band set")
	}
	kind := rec.Column(9).(*array.String)
	if !kind.IsNull(0) || kind.Value(1) != "high" {
		t.Fatal("unexpected confirmed kind column")
	}
	if sig := rec.Column(12).(*array.String); sig.Value(0) != "NONE" || sig.Value(1) != "ENTER_LONG" {
		t.Fatal("unexpected signal column")
	}
}
