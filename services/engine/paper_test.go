package engine

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"pivot-backtest/strategies"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPaperGatewayRejectsWithoutMarketData(t *testing.T) {
	gw := NewPaperGateway(PaperConfig{Symbol: "BTCUSDT", InitialCash: dec("1000")}, nil)
	if ev := gw.SubmitBuy(context.Background(), 1); ev.Status != strategies.FillRejected || ev.Reason != "no market data" {
		t.Fatalf("unexpected %+v", ev)
	}
	if ev := gw.SubmitClose(context.Background()); ev.Status != strategies.FillRejected || ev.Reason != "no open position" {
		t.Fatalf("unexpected %+v", ev)
	}
	if gw.Events().Count(EventOrderReject) != 2 {
		t.Fatal("rejections not journaled")
	}
}

func TestPaperGatewaySignalClose(t *testing.T) {
	ctx := context.Background()
	gw := NewPaperGateway(PaperConfig{
		Symbol:      "BTCUSDT",
		InitialCash: dec("1000"),
		Rules:       NewExchangeRules(0.01, 0.001, 10, 0.0002, 0.001),
	}, nil)

	gw.ObserveBar(ctx, strategies.Bar{Index: 0, Timestamp: 1, Open: 100, Close: 100})
	ev := gw.SubmitBuy(ctx, 2)
	if ev.Status != strategies.FillFilled || ev.Price != 100 || ev.Size != 2 {
		t.Fatalf("unexpected buy %+v", ev)
	}
	// 200 notional + 0.2 taker fee
	if !gw.Cash().Equal(dec("799.8")) {
		t.Fatalf("cash %s", gw.Cash())
	}

	gw.ObserveBar(ctx, strategies.Bar{Index: 1, Timestamp: 2, Open: 100, Close: 110})
	if !gw.Equity(110).Equal(dec("1019.8")) {
		t.Fatalf("equity %s", gw.Equity(110))
	}
	ev = gw.SubmitClose(ctx)
	if ev.Status != strategies.FillFilled || ev.Price != 110 || ev.Side != strategies.SideSell {
		t.Fatalf("unexpected close %+v", ev)
	}
	if !gw.Position().Flat() {
		t.Fatal("position should be flat")
	}
	trades := gw.Ledger().Trades()
	if len(trades) != 1 {
		t.Fatalf("expected one trade, got %d", len(trades))
	}
	// (110-100)*2 - 0.2 - 0.22
	if !trades[0].PnlUsd.Equal(dec("19.58")) || !trades[0].FeesUsd.Equal(dec("0.42")) {
		t.Fatalf("unexpected trade %+v", trades[0])
	}
	if !gw.Cash().Equal(dec("1019.58")) {
		t.Fatalf("cash %s", gw.Cash())
	}
}

func TestPaperGatewayNextOpen(t *testing.T) {
	ctx := context.Background()
	gw := NewPaperGateway(PaperConfig{Symbol: "ETHUSDT", FillMode: FillNextOpen, InitialCash: dec("1000")}, nil)

	gw.ObserveBar(ctx, strategies.Bar{Index: 0, Timestamp: 1, Open: 100, Close: 101})
	ev := gw.SubmitBuy(ctx, 1)
	if ev.Status != strategies.FillPending || ev.OrderID == "" {
		t.Fatalf("expected pending, got %+v", ev)
	}
	if !gw.Position().Flat() {
		t.Fatal("queued order filled early")
	}

	fill, settled := gw.ObserveBar(ctx, strategies.Bar{Index: 1, Timestamp: 2, Open: 102, Close: 103})
	if !settled || fill.Status != strategies.FillFilled || fill.Price != 102 || fill.Index != 1 || fill.OrderID != ev.OrderID {
		t.Fatalf("unexpected settlement %+v settled=%v", fill, settled)
	}
	if _, settled := gw.ObserveBar(ctx, strategies.Bar{Index: 2, Timestamp: 3, Open: 103, Close: 103}); settled {
		t.Fatal("order settled twice")
	}
}

func TestPaperGatewayNotionalSizingAndCash(t *testing.T) {
	ctx := context.Background()
	gw := NewPaperGateway(PaperConfig{Symbol: "BTCUSDT", InitialCash: dec("1000"), Notional: dec("500")}, nil)
	gw.ObserveBar(ctx, strategies.Bar{Timestamp: 1, Open: 50, Close: 50})
	if ev := gw.SubmitBuy(ctx, 1); ev.Status != strategies.FillFilled || ev.Size != 10 {
		t.Fatalf("expected notional sizing to 10 units, got %+v", ev)
	}

	poor := NewPaperGateway(PaperConfig{Symbol: "BTCUSDT", InitialCash: dec("50")}, nil)
	poor.ObserveBar(ctx, strategies.Bar{Timestamp: 1, Open: 100, Close: 100})
	if ev := poor.SubmitBuy(ctx, 1); ev.Status != strategies.FillRejected || ev.Reason != "insufficient cash" {
		t.Fatalf("expected cash rejection, got %+v", ev)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if ev := gw.SubmitClose(cancelled); ev.Status != strategies.FillRejected {
		t.Fatalf("expected rejection on cancelled context, got %+v", ev)
	}
}

func TestLedgerSummary(t *testing.T) {
	l := NewLedger("BTCUSDT", dec("1000"))
	for i, px := range [][2]string{{"100", "110"}, {"100", "95"}, {"100", "120"}} {
		in := strategies.Bar{Index: uint64(i * 10), Timestamp: int64(i * 10)}
		out := strategies.Bar{Index: uint64(i*10 + 5), Timestamp: int64(i*10 + 5)}
		l.Open(in, dec(px[0]), dec("1"), decimal.Zero)
		if _, ok := l.Close(out, out.Index, dec(px[1]), decimal.Zero); !ok {
			t.Fatal("close without open trade")
		}
	}
	if _, ok := l.Close(strategies.Bar{}, 0, dec("1"), decimal.Zero); ok {
		t.Fatal("closed a trade that was never opened")
	}
	s := l.Summary()
	if s.TotalTrades != 3 || s.Wins != 2 || s.Losses != 1 {
		t.Fatalf("unexpected counts %+v", s)
	}
	if !s.NetPnlUsd.Equal(dec("25")) || !s.AvgWinUsd.Equal(dec("15")) || !s.AvgLossUsd.Equal(dec("5")) || !s.ProfitFactor.Equal(dec("6")) {
		t.Fatalf("unexpected summary %+v", s)
	}

	l.Mark(1, dec("1000"))
	l.Mark(2, dec("1200"))
	l.Mark(3, dec("900"))
	l.Mark(3, dec("960"))
	if got := l.Equity(); len(got) != 3 || !got[2].Equity.Equal(dec("960")) {
		t.Fatalf("unexpected curve %+v", got)
	}
	// peak 1200, trough 900
	if !l.Summary().MaxDrawdown.Equal(dec("25")) {
		t.Fatalf("max drawdown %s", l.Summary().MaxDrawdown)
	}
}

func TestLedgerAnnotateExits(t *testing.T) {
	l := NewLedger("BTCUSDT", dec("1000"))
	l.Open(strategies.Bar{Index: 3}, dec("10"), dec("1"), decimal.Zero)
	l.Close(strategies.Bar{Index: 8}, 7, dec("9"), decimal.Zero)
	l.AnnotateExits([]strategies.Signal{
		{Index: 3, Type: strategies.SignalEnterLong, Reason: strategies.ReasonHigherLowBounce},
		{Index: 7, Type: strategies.SignalExitLong, Reason: strategies.ReasonFixedStop},
	})
	if got := l.Trades()[0]; got.ExitReason != strategies.ReasonFixedStop || got.BarsHeld != 5 {
		t.Fatalf("unexpected trade %+v", got)
	}
}

func TestExchangeRules(t *testing.T) {
	r := NewExchangeRules(0.01, 0.001, 10, 0.0002, 0.001)
	p, q, ok := r.Filter(dec("100.004"), dec("0.12345"))
	if !ok || !p.Equal(dec("100")) || !q.Equal(dec("0.123")) {
		t.Fatalf("filter gave %s %s %v", p, q, ok)
	}
	if _, _, ok := r.Filter(dec("100"), dec("0.05")); ok {
		t.Fatal("order below min notional accepted")
	}
	if _, _, ok := r.Filter(dec("100"), dec("0.0001")); ok {
		t.Fatal("zero lot accepted")
	}
	if !r.Fee(dec("1000"), false).Equal(dec("1")) || !r.Fee(dec("1000"), true).Equal(dec("0.2")) {
		t.Fatal("unexpected fees")
	}

	if got := SlippageTradeSweep.Apply(strategies.SideBuy, dec("100")); !got.Equal(dec("100.01")) {
		t.Fatalf("buy slippage %s", got)
	}
	if got := SlippageSyntheticBook.Apply(strategies.SideSell, dec("100")); !got.Equal(dec("99.95")) {
		t.Fatalf("sell slippage %s", got)
	}
	if m, err := ParseSlippageMode("trade_sweep"); err != nil || m != SlippageTradeSweep {
		t.Fatalf("parse gave %v %v", m, err)
	}
	if _, err := ParseSlippageMode("vwap"); err == nil {
		t.Fatal("expected error for unknown slippage mode")
	}
}
