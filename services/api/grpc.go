package api

import (
	"context"
	"errors"
	"strconv"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pb "pivot-backtest/proto"
	"pivot-backtest/services/engine"
	"pivot-backtest/strategies"
)

// GRPCServer adapts Service to the gRPC BacktestService.
type GRPCServer struct {
	pb.UnimplementedBacktestServiceServer
	svc *Service
}

func NewGRPCServer(svc *Service) *GRPCServer {
	return &GRPCServer{svc: svc}
}

// ExecuteBacktest runs the job inline and returns its results.
func (g *GRPCServer) ExecuteBacktest(ctx context.Context, req *pb.BacktestRequest) (*pb.BacktestResponse, error) {
	runReq, err := g.toRunRequest(req)
	if err != nil {
		return nil, toStatus(err)
	}
	res, err := g.svc.Execute(ctx, runReq)
	if err != nil {
		g.svc.logger.Error("grpc backtest failed", zap.Strings("symbols", req.Symbols), zap.Error(err))
		return nil, toStatus(err)
	}
	return convertResult(engine.StatusCompleted, res), nil
}

func (g *GRPCServer) GetBacktest(_ context.Context, req *pb.GetBacktestRequest) (*pb.BacktestResponse, error) {
	resp, err := g.svc.Result(req.JobId)
	if err != nil {
		return nil, toStatus(err)
	}
	if resp.Error != nil {
		return nil, toStatus(resp.Error)
	}
	if resp.Results == nil {
		return &pb.BacktestResponse{JobId: resp.JobID, Status: resp.Status}, nil
	}
	return convertResult(resp.Status, resp.Results), nil
}

func (g *GRPCServer) toRunRequest(req *pb.BacktestRequest) (engine.BacktestRunRequest, error) {
	out := engine.BacktestRunRequest{
		Symbols:   req.Symbols,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		Timeframe: req.Timeframe,
		Notional:  req.Notional,
	}
	switch req.FillMode {
	case pb.FillMode_SIGNAL_CLOSE:
		out.FillMode = engine.FillSignalClose.String()
	case pb.FillMode_NEXT_OPEN:
		out.FillMode = engine.FillNextOpen.String()
	default:
		return out, engine.ErrInvalidParams.WithDetails("unknown fill mode " + strconv.Itoa(int(req.FillMode)))
	}
	switch req.SlippageMode {
	case pb.SlippageMode_NONE:
		out.Slippage = string(engine.SlippageNone)
	case pb.SlippageMode_TRADE_SWEEP:
		out.Slippage = string(engine.SlippageTradeSweep)
	case pb.SlippageMode_SYNTHETIC_BOOK:
		out.Slippage = string(engine.SlippageSyntheticBook)
	default:
		return out, engine.ErrInvalidParams.WithDetails("unknown slippage mode " + strconv.Itoa(int(req.SlippageMode)))
	}
	if p := req.Strategy; p != nil {
		cfg, err := mergeParams(g.svc.Defaults().Strategy, p)
		if err != nil {
			return out, err
		}
		out.Strategy = &cfg
	}
	return out, nil
}

// mergeParams overlays the non-zero params onto base.
func mergeParams(base strategies.HigherLowConfig, p *pb.StrategyParams) (strategies.HigherLowConfig, error) {
	cfg := base
	if p.NPeriod != 0 {
		cfg.NPeriod = p.NPeriod
	}
	if p.StdMultiplier != 0 {
		cfg.StdMultiplier = p.StdMultiplier
	}
	if p.MinGap != 0 {
		cfg.MinGap = p.MinGap
	}
	if p.WaitBars != 0 {
		cfg.WaitBars = p.WaitBars
	}
	if p.BounceThresh != 0 {
		cfg.BounceThresh = p.BounceThresh
	}
	if p.StopMode != "" {
		m, err := strategies.ParseStopMode(p.StopMode)
		if err != nil {
			return cfg, engine.ErrInvalidParams.WithDetails(err.Error())
		}
		cfg.StopMode = m
	}
	if p.StopLossPct != 0 {
		cfg.StopLossPct = p.StopLossPct
	}
	if p.TrailingStopPct != 0 {
		cfg.TrailingStopPct = p.TrailingStopPct
	}
	if p.MinConfirmedHighs != 0 {
		cfg.MinConfirmedHighs = p.MinConfirmedHighs
	}
	if p.RequireHighBetweenLows {
		cfg.RequireHighBetweenLows = true
	}
	if p.OrderSize != 0 {
		cfg.OrderSize = p.OrderSize
	}
	return cfg, nil
}

func convertResult(st string, res *engine.BacktestResult) *pb.BacktestResponse {
	out := &pb.BacktestResponse{
		JobId:         res.JobID,
		Status:        st,
		ExecutionTime: res.ExecutionTimeMs,
		SymbolResults: make([]*pb.SymbolResult, len(res.SymbolResults)),
	}
	if m := res.Manifest; m != nil {
		out.Manifest = &pb.RunManifest{
			JobId:         m.JobID,
			EngineVersion: m.EngineVersion,
			ConfigHash:    m.ConfigHash,
			DataChecksums: m.DataChecksums,
			Params:        m.Params,
			CreatedAt:     m.CreatedAt,
		}
	}
	for i, sr := range res.SymbolResults {
		out.SymbolResults[i] = convertSymbolResult(sr)
	}
	return out
}

func convertSymbolResult(sr *engine.SymbolResult) *pb.SymbolResult {
	out := &pb.SymbolResult{
		Symbol:       sr.Symbol,
		Bars:         sr.Bars,
		Signals:      make([]*pb.Signal, len(sr.Signals)),
		Trades:       make([]*pb.ExecutedTrade, len(sr.Trades)),
		EquityCurve:  make([]*pb.EquityPoint, len(sr.EquityCurve)),
		OpenPosition: sr.OpenPosition,
		Summary: &pb.Summary{
			Trades:         sr.Summary.TotalTrades,
			Wins:           sr.Summary.Wins,
			Losses:         sr.Summary.Losses,
			WinRate:        sr.Summary.WinRate.StringFixed(2),
			NetPnlUsd:      sr.Summary.NetPnlUsd.String(),
			MaxDrawdownPct: sr.Summary.MaxDrawdown.StringFixed(4),
		},
	}
	for i, s := range sr.Signals {
		out.Signals[i] = &pb.Signal{
			Index:     s.Index,
			Timestamp: s.Timestamp,
			Type:      s.Type.String(),
			Price:     strconv.FormatFloat(s.Price, 'f', -1, 64),
			Reason:    s.Reason,
		}
	}
	for i, t := range sr.Trades {
		out.Trades[i] = &pb.ExecutedTrade{
			EntryTimestamp: t.EntryTime,
			ExitTimestamp:  t.ExitTime,
			Symbol:         t.Symbol,
			Side:           pb.TradeSide_BUY,
			Quantity:       t.Qty.String(),
			EntryPrice:     t.EntryPrice.String(),
			ExitPrice:      t.ExitPrice.String(),
			Fee:            t.FeesUsd.String(),
			PnlUsd:         t.PnlUsd.String(),
			ReasonCode:     t.ExitReason,
		}
	}
	for i, p := range sr.EquityCurve {
		out.EquityCurve[i] = &pb.EquityPoint{Timestamp: p.Timestamp, Equity: p.Equity.String(), Drawdown: p.Drawdown.String()}
	}
	return out
}

// toStatus maps the APIError taxonomy onto gRPC codes.
func toStatus(err error) error {
	var apiErr *engine.APIError
	if !errors.As(err, &apiErr) {
		return status.Error(codes.Internal, err.Error())
	}
	code := codes.Internal
	switch apiErr.Code {
	case engine.ErrInvalidParams.Code:
		code = codes.InvalidArgument
	case engine.ErrDataNotFound.Code, engine.ErrJobNotFound.Code:
		code = codes.NotFound
	case engine.ErrUnauthorized.Code:
		code = codes.Unauthenticated
	case engine.ErrTimeout.Code:
		code = codes.DeadlineExceeded
	}
	return status.Error(code, apiErr.Error())
}
