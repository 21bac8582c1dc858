// Package main runs the backtest service: the REST and websocket API on gin and
// the BacktestService over gRPC.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	pb "pivot-backtest/proto"
	"pivot-backtest/services/api"
	"pivot-backtest/services/arrowpipeline"
	"pivot-backtest/services/clickhouse"
	"pivot-backtest/services/config"
	"pivot-backtest/services/engine"
	"pivot-backtest/services/logging"
	"pivot-backtest/services/monitoring"
)

const version = "1.0.0"

func main() {
	var (
		configFile = flag.String("config", "", "YAML config file")
		jobTimeout = flag.Duration("job-timeout", 10*time.Minute, "Upper bound on a single backtest job")
		issueToken = flag.String("issue-token", "", "Print a bearer token for this subject and exit")
		tokenTTL   = flag.Duration("token-ttl", 24*time.Hour, "Lifetime of tokens printed by -issue-token")
	)
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if *issueToken != "" {
		if cfg.Server.JWTSecret == "" {
			log.Fatal("-issue-token needs server.jwt_secret or JWT_SECRET")
		}
		tok, err := api.IssueToken(cfg.Server.JWTSecret, *issueToken, *tokenTTL)
		if err != nil {
			log.Fatalf("Failed to issue token: %v", err)
		}
		fmt.Println(tok)
		return
	}

	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer closer.Close()
	defer logger.Sync()

	logger.Info("Starting backtesting service",
		zap.String("version", version),
		zap.String("environment", cfg.Environment),
		zap.String("data_source", cfg.Data.Source),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var ch *clickhouse.Client
	if cfg.Data.Source == "clickhouse" {
		ch, err = clickhouse.Open(ctx, cfg.ClickHouse, logger)
		if err != nil {
			logger.Fatal("Failed to connect to ClickHouse", zap.Error(err), zap.String("hint", clickhouse.ExplainError(err)))
		}
		defer ch.Close()
		if err := ch.EnsureSchema(ctx); err != nil {
			logger.Fatal("Failed to create ClickHouse schema", zap.Error(err))
		}
	}
	sources, err := cfg.Sources(ch, logger)
	if err != nil {
		logger.Fatal("Failed to configure data source", zap.Error(err))
	}

	metrics := monitoring.NewMetrics(cfg.Monitoring)
	pipeline, err := arrowpipeline.NewPipeline(cfg.Arrow, logger)
	if err != nil {
		logger.Fatal("Failed to create Arrow pipeline", zap.Error(err))
	}
	runner := engine.NewRunner(sources, logger,
		engine.WithRecorder(metrics),
		engine.WithWorkers(cfg.Engine.MaxWorkers))

	opts := []api.ServiceOption{
		api.WithMetrics(metrics),
		api.WithPipeline(pipeline),
		api.WithJobTimeout(*jobTimeout),
	}
	var sink *clickhouse.ResultSink
	if cfg.ClickHouse.HTTPURL != "" {
		sink = clickhouse.NewResultSink(cfg.ClickHouse)
		opts = append(opts, api.WithSink(sink))
	}
	svc := api.NewService(runner, cfg.JobDefaults(), logger, opts...)

	grpcServer := grpc.NewServer()
	pb.RegisterBacktestServiceServer(grpcServer, api.NewGRPCServer(svc))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(pb.BacktestService_ServiceDesc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	if cfg.Environment != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           api.NewRouter(svc, api.RouterConfig{JWTSecret: cfg.Server.JWTSecret}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
		if err != nil {
			logger.Fatal("Failed to listen on gRPC port", zap.Error(err))
		}
		logger.Info("Starting gRPC server", zap.Int("port", cfg.Server.GRPCPort))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Fatal("Failed to serve gRPC", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("Starting HTTP server", zap.Int("port", cfg.Server.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to serve HTTP", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down servers...")
	healthServer.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Jobs still running at shutdown", zap.Error(err))
	}
	if sink != nil {
		if err := sink.Close(shutdownCtx); err != nil {
			logger.Warn("Failed to flush ClickHouse batches", zap.Error(err))
		}
	}
	logger.Info("Servers stopped")
}
