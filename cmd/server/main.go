// Command server runs backtests submitted over HTTP on a bounded worker pool
// and streams their events to websocket and Redis subscribers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"equity-backtest/services/clickhouse"
	"equity-backtest/services/config"
	"equity-backtest/services/engine"
	"equity-backtest/services/events"
	"equity-backtest/services/marketdata"
	"equity-backtest/services/monitoring"
	"equity-backtest/services/recorder"
	"equity-backtest/services/runner"
	"equity-backtest/services/stream"
)

const serviceName = "backtest.BacktestService"

// barSource picks the configured bar source. The ClickHouse client is
// returned as well so events can be written next to the bars.
func barSource(cfg *config.Config) (marketdata.Source, *clickhouse.Client, error) {
	switch cfg.MarketData.Source {
	case "clickhouse":
		ch, err := clickhouse.NewClient(cfg.ClickHouse)
		if err != nil {
			return nil, nil, err
		}
		return ch, ch, nil
	case "alpaca":
		return marketdata.NewAlpacaSource(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret), nil, nil
	default:
		return marketdata.CSVSource{Dir: cfg.MarketData.CSVDir}, nil, nil
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.IsDev() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if cfg.Server.JWTSecret == "" {
		if !cfg.IsDev() {
			logger.Fatal("JWT_SECRET is required outside development")
		}
		logger.Warn("JWT_SECRET not set, API authentication disabled")
	}
	logger.Info("Starting backtesting service",
		zap.String("environment", cfg.Environment),
		zap.String("bar_source", cfg.MarketData.Source),
		zap.Int("workers", cfg.Engine.MaxWorkers),
	)

	source, chClient, err := barSource(cfg)
	if err != nil {
		logger.Fatal("Failed to create bar source", zap.Error(err))
	}
	if chClient != nil {
		defer chClient.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := chClient.EnsureSchema(ctx); err != nil {
			logger.Fatal("Failed to create ClickHouse schema", zap.Error(err))
		}
		cancel()
	}

	var rec recorder.Recorder = recorder.NewNoopRecorder()
	if cfg.Recorder.SQLitePath != "" {
		sqlite, err := recorder.NewSQLiteRecorder(cfg.Recorder.SQLitePath, logger)
		if err != nil {
			logger.Fatal("Failed to open recorder", zap.Error(err))
		}
		rec = sqlite
	}
	defer rec.Close()

	var redis *stream.RedisPublisher
	if cfg.Stream.RedisAddr != "" {
		redis, err = stream.NewRedisPublisher(cfg.Stream.RedisAddr, cfg.Stream.ChannelPrefix, logger)
		if err != nil {
			logger.Warn("redis unavailable, continuing without it", zap.Error(err))
			redis = nil
		} else {
			defer redis.Close()
		}
	}

	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)
	hub := stream.NewHub(256, logger)

	sinks := func(runID string) []events.Listener {
		out := []events.Listener{
			metrics.EventCounter(),
			hub.ForRun(runID),
			events.Async(rec.ForRun(runID), logger),
		}
		if redis != nil {
			out = append(out, events.Async(redis.ForRun(runID), logger))
		}
		if chClient != nil {
			out = append(out, events.Async(chClient.NewEventSink(runID, cfg.ClickHouse.BatchSize, logger), logger))
		}
		return out
	}
	r := runner.New(source, sinks, logger)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	planner := engine.NewPlanner(cfg.Engine.MaxWorkers, cfg.Engine.QueueSize, logger, metrics)
	planner.Start(ctx)

	service := NewBacktestService(cfg, planner, r, hub, rec, logger)
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				service.limiter.reset()
			}
		}
	}()

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	if !cfg.IsDev() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	service.setupHTTPRoutes(router)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           router,
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

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down servers...")
	healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()
	planner.Stop()
	logger.Info("Servers stopped")
}
