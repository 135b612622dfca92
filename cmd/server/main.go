package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/rl1809/rigstock/internal/adapter/handler"
	"github.com/rl1809/rigstock/internal/adapter/messaging"
	"github.com/rl1809/rigstock/internal/adapter/storage"
	"github.com/rl1809/rigstock/internal/config"
	"github.com/rl1809/rigstock/internal/core/domain"
	"github.com/rl1809/rigstock/internal/core/service"
	"github.com/rl1809/rigstock/internal/obs"
	"github.com/rl1809/rigstock/internal/port"
)

// readSide is everything served from the cache: idempotency keys, stock
// snapshots with their subscriptions, and build drafts.
type readSide interface {
	port.CacheRepository
	port.DraftRepository
	port.StockFeed
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Load()
	logger, err := obs.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	shutdownTracing, err := obs.SetupTracing(ctx, cfg.OTelEndpoint)
	if err != nil {
		logger.Fatal("failed to set up tracing", zap.Error(err))
	}

	var closers []func() error

	// Initialize the transactional store
	var store port.Store
	memStore, err := storage.NewMemoryStore(cfg.DraftTTL)
	if err != nil {
		logger.Fatal("failed to create memory store", zap.Error(err))
	}
	switch cfg.StoreBackend {
	case "mysql":
		db, err := sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			logger.Fatal("failed to connect mysql", zap.Error(err))
		}
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("failed to ping mysql", zap.Error(err))
		}
		mysqlAdapter := storage.NewMySQLAdapter(db)
		if err := mysqlAdapter.Migrate(ctx); err != nil {
			logger.Fatal("failed to migrate mysql", zap.Error(err))
		}
		store = mysqlAdapter
		closers = append(closers, db.Close)
		logger.Info("connected to mysql")
	case "memory":
		store = memStore
		logger.Info("using in-memory store")
	default:
		logger.Fatal("unknown STORE_BACKEND", zap.String("backend", cfg.StoreBackend))
	}

	// Initialize Redis
	var cache readSide = memStore
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			PoolSize: 100,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to connect redis", zap.Error(err))
		}
		cache = storage.NewRedisAdapter(rdb, cfg.DraftTTL)
		closers = append(closers, rdb.Close)
		logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
	}

	// Initialize Kafka
	var events port.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher := messaging.NewKafkaPublisher(messaging.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic, logger))
		events = publisher
		closers = append(closers, publisher.Close)
		logger.Info("publishing order events", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	// Initialize services
	opts := service.Options{
		MaxAttempts:      cfg.TxMaxRetries,
		RetryBaseDelay:   cfg.TxRetryBaseDelay,
		UnitPolicy:       domain.UnitStockPolicy(cfg.UnitStockPolicy),
		DefaultMarginPct: cfg.DefaultMarginPct,
	}
	if !opts.UnitPolicy.Valid() {
		logger.Fatal("unknown UNIT_STOCK_POLICY", zap.String("policy", cfg.UnitStockPolicy))
	}
	if err := domain.ValidateMoney("DEFAULT_MARGIN_PCT", cfg.DefaultMarginPct); err != nil {
		logger.Fatal("invalid DEFAULT_MARGIN_PCT", zap.Error(err))
	}
	orderService := service.NewOrderService(store, cache, events, logger, opts)
	inventoryService := service.NewInventoryService(store, cache, logger, opts)
	buildService := service.NewBuildService(store, cache, logger, service.BuildOptions{
		DefaultMarginPct:    cfg.DefaultMarginPct,
		MinSlotsWhenEditing: cfg.MinSlotsEditing,
	})
	unitService := service.NewUnitService(store, buildService, cache, logger, opts)

	// Initialize gRPC server
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(handler.CompanyInterceptor))
	handler.RegisterOrderServiceServer(grpcServer, handler.NewGRPCHandler(orderService, logger))

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("failed to listen", zap.Error(err))
	}

	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	// Initialize HTTP server
	httpHandler := handler.NewHTTPHandler(orderService, inventoryService, buildService, unitService, cache, logger)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpHandler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown", zap.Error(err))
	}
	logger.Info("HTTP server stopped")

	grpcServer.GracefulStop()
	logger.Info("gRPC server stopped")

	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			logger.Error("close connection", zap.Error(err))
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracer shutdown", zap.Error(err))
	}
	logger.Info("connections closed")
}
