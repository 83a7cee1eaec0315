package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Aidin1998/birdtrade/api"
	"github.com/Aidin1998/birdtrade/internal/cache"
	"github.com/Aidin1998/birdtrade/internal/config"
	"github.com/Aidin1998/birdtrade/internal/database"
	"github.com/Aidin1998/birdtrade/internal/messaging"
	"github.com/Aidin1998/birdtrade/internal/scheduler"
	"github.com/Aidin1998/birdtrade/internal/telemetry"
	"github.com/Aidin1998/birdtrade/internal/trading"
	"github.com/Aidin1998/birdtrade/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Tracing, os.Stdout)
	if err != nil {
		zapLogger.Fatal("Failed to set up telemetry", zap.Error(err))
	}

	registry, err := database.NewRegistry(ctx, cfg.Database.Endpoints, cfg.Database.Pool, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create region pools", zap.Error(err))
	}
	if cfg.Database.StatsInterval > 0 {
		go registry.CollectStats(ctx, cfg.Database.StatsInterval)
	}

	executor := database.NewExecutor(registry, cfg.Database.Retry, zapLogger)

	var journal scheduler.Journal = scheduler.NopJournal{}
	if cfg.Scheduler.JournalPath != "" {
		bj, err := scheduler.OpenBadgerJournal(cfg.Scheduler.JournalPath)
		if err != nil {
			zapLogger.Fatal("Failed to open scheduler journal", zap.String("path", cfg.Scheduler.JournalPath), zap.Error(err))
		}
		journal = bj
	}

	var opts []trading.Option
	var publisher *messaging.KafkaPublisher
	if cfg.Kafka.Enabled {
		publisher = messaging.NewKafkaPublisher(cfg.Kafka, zapLogger)
		opts = append(opts, trading.WithEvents(publisher))
	}
	var quotes *cache.RedisCache
	if cfg.Redis.Enabled {
		quotes = cache.NewRedisCache(cfg.Redis, zapLogger)
		if err := quotes.Ping(ctx); err != nil {
			zapLogger.Warn("Redis not reachable, instrument cache will miss", zap.Error(err))
		}
		if cfg.Orders.CacheTTL == 0 {
			cfg.Orders.CacheTTL = cfg.Redis.TTL
		}
		opts = append(opts, trading.WithCache(quotes))
	} else {
		cfg.Orders.CacheTTL = 0
	}

	// The service and the scheduler refer to each other; the handler closure
	// breaks the cycle.
	var svc *trading.Service
	sched := scheduler.New(cfg.Scheduler, func(ctx context.Context, task scheduler.Task) error {
		return svc.HandleTask(ctx, task)
	}, zapLogger, scheduler.WithJournal(journal))
	svc = trading.NewService(cfg.Orders, executor, sched, zapLogger, opts...)

	if err := sched.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start scheduler", zap.Error(err))
	}

	gin.SetMode(gin.ReleaseMode)
	apiServer := api.NewServer(zapLogger, svc, registry, api.Options{
		ServiceName:    cfg.Tracing.ServiceName,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      apiServer.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		zapLogger.Info("Starting API server",
			zap.String("addr", httpServer.Addr),
			zap.Int("regions", registry.Len()),
			zap.String("retry", cfg.Database.Retry.String()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("Failed to start API server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zapLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Failed to stop API server", zap.Error(err))
	}
	// Pending deferred phases run now, while the pools are still open.
	if err := sched.Stop(shutdownCtx); err != nil {
		zapLogger.Error("Failed to drain scheduler", zap.Int("pending", sched.Pending()), zap.Error(err))
	}
	if err := journal.Close(); err != nil {
		zapLogger.Error("Failed to close scheduler journal", zap.Error(err))
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			zapLogger.Error("Failed to close event publisher", zap.Error(err))
		}
	}
	if quotes != nil {
		if err := quotes.Close(); err != nil {
			zapLogger.Error("Failed to close redis client", zap.Error(err))
		}
	}
	registry.Close()
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		zapLogger.Error("Failed to flush telemetry", zap.Error(err))
	}

	zapLogger.Info("Server exited properly")
}
