// Package proto defines the gRPC surface of the backtest service. Messages travel
// as JSON through a registered codec, so no generated code is needed.
package proto

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

// CodecName is the content subtype both ends negotiate: application/grpc+json.
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type SlippageMode int32

const (
	SlippageMode_NONE           SlippageMode = 0
	SlippageMode_TRADE_SWEEP    SlippageMode = 1
	SlippageMode_SYNTHETIC_BOOK SlippageMode = 2
)

type FillMode int32

const (
	FillMode_SIGNAL_CLOSE FillMode = 0
	FillMode_NEXT_OPEN    FillMode = 1
)

type TradeSide int32

const (
	TradeSide_BUY  TradeSide = 0
	TradeSide_SELL TradeSide = 1
)

// StrategyParams mirrors the higher-low configuration. Zero fields keep the
// server's defaults.
type StrategyParams struct {
	NPeriod                int     `json:"n_period,omitempty"`
	StdMultiplier          float64 `json:"std_multiplier,omitempty"`
	MinGap                 int     `json:"min_gap,omitempty"`
	WaitBars               int     `json:"wait_bars,omitempty"`
	BounceThresh           float64 `json:"bounce_thresh,omitempty"`
	StopMode               string  `json:"stop_mode,omitempty"`
	StopLossPct            float64 `json:"stop_loss_pct,omitempty"`
	TrailingStopPct        float64 `json:"trailing_stop_pct,omitempty"`
	MinConfirmedHighs      int     `json:"min_confirmed_highs,omitempty"`
	RequireHighBetweenLows bool    `json:"require_high_between_lows,omitempty"`
	OrderSize              float64 `json:"order_size,omitempty"`
}

type BacktestRequest struct {
	Symbols      []string        `json:"symbols"`
	Timeframe    string          `json:"timeframe"`
	StartTime    int64           `json:"start_time"`
	EndTime      int64           `json:"end_time"`
	FillMode     FillMode        `json:"fill_mode"`
	SlippageMode SlippageMode    `json:"slippage_mode"`
	Notional     float64         `json:"notional"`
	Strategy     *StrategyParams `json:"strategy,omitempty"`
}

type Signal struct {
	Index     uint64 `json:"index"`
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type"`
	Price     string `json:"price"`
	Reason    string `json:"reason,omitempty"`
}

type ExecutedTrade struct {
	EntryTimestamp int64     `json:"entry_timestamp"`
	ExitTimestamp  int64     `json:"exit_timestamp"`
	Symbol         string    `json:"symbol"`
	Side           TradeSide `json:"side"`
	Quantity       string    `json:"quantity"`
	EntryPrice     string    `json:"entry_price"`
	ExitPrice      string    `json:"exit_price"`
	Fee            string    `json:"fee"`
	PnlUsd         string    `json:"pnl_usd"`
	ReasonCode     string    `json:"reason_code"`
}

type EquityPoint struct {
	Timestamp int64  `json:"timestamp"`
	Equity    string `json:"equity"`
	Drawdown  string `json:"drawdown"`
}

type Summary struct {
	Trades         int    `json:"trades"`
	Wins           int    `json:"wins"`
	Losses         int    `json:"losses"`
	WinRate        string `json:"win_rate"`
	NetPnlUsd      string `json:"net_pnl_usd"`
	MaxDrawdownPct string `json:"max_drawdown_pct"`
}

type RunManifest struct {
	JobId         string            `json:"job_id"`
	EngineVersion string            `json:"engine_version"`
	ConfigHash    string            `json:"config_hash"`
	DataChecksums map[string]string `json:"data_checksums,omitempty"`
	Params        map[string]string `json:"params"`
	CreatedAt     int64             `json:"created_at"`
}

type SymbolResult struct {
	Symbol       string           `json:"symbol"`
	Bars         int              `json:"bars"`
	Signals      []*Signal        `json:"signals"`
	Trades       []*ExecutedTrade `json:"trades"`
	EquityCurve  []*EquityPoint   `json:"equity_curve"`
	Summary      *Summary         `json:"summary"`
	OpenPosition bool             `json:"open_position"`
}

type BacktestResponse struct {
	JobId         string          `json:"job_id"`
	Status        string          `json:"status"`
	ExecutionTime int64           `json:"execution_time"`
	SymbolResults []*SymbolResult `json:"symbol_results"`
	Manifest      *RunManifest    `json:"manifest,omitempty"`
}

type GetBacktestRequest struct {
	JobId string `json:"job_id"`
}

const (
	serviceName           = "pivotbacktest.v1.BacktestService"
	executeBacktestMethod = "/" + serviceName + "/ExecuteBacktest"
	getBacktestMethod     = "/" + serviceName + "/GetBacktest"
)

type BacktestServiceServer interface {
	ExecuteBacktest(context.Context, *BacktestRequest) (*BacktestResponse, error)
	GetBacktest(context.Context, *GetBacktestRequest) (*BacktestResponse, error)
}

// UnimplementedBacktestServiceServer can be embedded for forward compatibility.
type UnimplementedBacktestServiceServer struct{}

func (UnimplementedBacktestServiceServer) ExecuteBacktest(context.Context, *BacktestRequest) (*BacktestResponse, error) {
	return nil, errUnimplemented("ExecuteBacktest")
}

func (UnimplementedBacktestServiceServer) GetBacktest(context.Context, *GetBacktestRequest) (*BacktestResponse, error) {
	return nil, errUnimplemented("GetBacktest")
}

func errUnimplemented(method string) error {
	return status.Errorf(codes.Unimplemented, "method %s not implemented", method)
}

func RegisterBacktestServiceServer(s grpc.ServiceRegistrar, srv BacktestServiceServer) {
	s.RegisterService(&BacktestService_ServiceDesc, srv)
}

func executeBacktestHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(BacktestRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BacktestServiceServer).ExecuteBacktest(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: executeBacktestMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BacktestServiceServer).ExecuteBacktest(ctx, req.(*BacktestRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getBacktestHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetBacktestRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BacktestServiceServer).GetBacktest(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getBacktestMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BacktestServiceServer).GetBacktest(ctx, req.(*GetBacktestRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var BacktestService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*BacktestServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ExecuteBacktest", Handler: executeBacktestHandler},
		{MethodName: "GetBacktest", Handler: getBacktestHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pivotbacktest/v1/backtest.json",
}

type BacktestServiceClient interface {
	ExecuteBacktest(ctx context.Context, in *BacktestRequest, opts ...grpc.CallOption) (*BacktestResponse, error)
	GetBacktest(ctx context.Context, in *GetBacktestRequest, opts ...grpc.CallOption) (*BacktestResponse, error)
}

type backtestServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewBacktestServiceClient returns a client that always speaks the JSON codec.
func NewBacktestServiceClient(cc grpc.ClientConnInterface) BacktestServiceClient {
	return &backtestServiceClient{cc: cc}
}

func (c *backtestServiceClient) ExecuteBacktest(ctx context.Context, in *BacktestRequest, opts ...grpc.CallOption) (*BacktestResponse, error) {
	out := new(BacktestResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, executeBacktestMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *backtestServiceClient) GetBacktest(ctx context.Context, in *GetBacktestRequest, opts ...grpc.CallOption) (*BacktestResponse, error) {
	out := new(BacktestResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, getBacktestMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
