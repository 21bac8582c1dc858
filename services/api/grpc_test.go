package api

import (
	"context"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	pb "pivot-backtest/proto"
)

func dialBufconn(t *testing.T, svc *Service) pb.BacktestServiceClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	pb.RegisterBacktestServiceServer(srv, NewGRPCServer(svc))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return pb.NewBacktestServiceClient(conn)
}

func TestGRPCExecuteAndGet(t *testing.T) {
	client := dialBufconn(t, newTestService(t))
	ctx := context.Background()

	resp, err := client.ExecuteBacktest(ctx, &pb.BacktestRequest{
		Symbols:  []string{"BTCUSDT"},
		Strategy: &pb.StrategyParams{NPeriod: 5, WaitBars: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != "completed" || len(resp.SymbolResults) != 1 || resp.Manifest == nil || resp.Manifest.ConfigHash == "" {
		t.Fatalf("unexpected response %+v", resp)
	}
	sr := resp.SymbolResults[0]
	if len(sr.Signals) != 2 || sr.Signals[0].Type != "ENTER_LONG" || sr.Signals[0].Price != "98" || sr.Signals[1].Price != "99.5" {
		t.Fatalf("unexpected signals %+v", sr.Signals)
	}
	if len(sr.Trades) != 1 || sr.Trades[0].PnlUsd != "1.5" || sr.Summary.Trades != 1 || sr.Summary.Wins != 1 {
		t.Fatalf("unexpected trades %+v %+v", sr.Trades, sr.Summary)
	}

	got, err := client.GetBacktest(ctx, &pb.GetBacktestRequest{JobId: resp.JobId})
	if err != nil {
		t.Fatal(err)
	}
	if got.JobId != resp.JobId || len(got.SymbolResults) != 1 {
		t.Fatalf("unexpected get %+v", got)
	}
}

func TestGRPCStatusCodes(t *testing.T) {
	client := dialBufconn(t, newTestService(t))
	ctx := context.Background()

	cases := []struct {
		name string
		req  *pb.BacktestRequest
		code codes.Code
	}{
		{"no symbols", &pb.BacktestRequest{}, codes.InvalidArgument},
		{"bad stop mode", &pb.BacktestRequest{Symbols: []string{"BTCUSDT"}, Strategy: &pb.StrategyParams{StopMode: "atr"}}, codes.InvalidArgument},
		{"bad fill mode", &pb.BacktestRequest{Symbols: []string{"BTCUSDT"}, FillMode: 7}, codes.InvalidArgument},
		{"missing data", &pb.BacktestRequest{Symbols: []string{"MISSING"}}, codes.NotFound},
	}
	for _, tc := range cases {
		_, err := client.ExecuteBacktest(ctx, tc.req)
		if status.Code(err) != tc.code {
			t.Fatalf("%s: code %v want %v (%v)", tc.name, status.Code(err), tc.code, err)
		}
	}
	if _, err := client.GetBacktest(ctx, &pb.GetBacktestRequest{JobId: "nope"}); status.Code(err) != codes.NotFound {
		t.Fatalf("unknown job: %v", err)
	}
}
