package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fieldsync/internal/api"
	"fieldsync/internal/config"
	"fieldsync/internal/connectivity"
	"fieldsync/internal/dispatch"
	"fieldsync/internal/metrics"
	"fieldsync/internal/model"
	"fieldsync/internal/queue"
	"fieldsync/internal/repository"
	"fieldsync/internal/resolver"
	"fieldsync/internal/service"
	"fieldsync/pkg/logger"

	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func main() {
	cfg := config.Load()

	logger.InitLogger(cfg.Server.Environment)
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.Error("daemon startup failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := initDB(cfg.Storage)
	if err != nil {
		return err
	}

	rdb, err := initRedis(cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	// Repositories
	logRepo := repository.NewActionLogRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	// Services
	observer := metrics.NewPrometheusObserver()
	session := service.NewSession()
	hub := service.NewHub(observer, cfg.Stream.HeartbeatInterval)
	projection := service.NewProjectionCache(rdb, cfg.Redis.StateTTL)

	q := queue.NewActionQueue(db, logRepo, auditRepo)
	if err := q.Rebuild(ctx); err != nil {
		return fmt.Errorf("failed to rebuild queue from log: %w", err)
	}

	dispatcher := dispatch.NewHTTPDispatcher(cfg.Backend.BaseURL, session.Token, cfg.Backend.DispatchTimeout)

	engine := service.NewReplayEngine(q, dispatcher, resolver.New(), session, projection, observer, service.ReplayConfig{
		Parallelism:        cfg.Replay.Parallelism,
		MaxAttempts:        cfg.Replay.MaxAttempts,
		UnknownRetryBudget: cfg.Replay.UnknownRetryBudget,
		BackoffBase:        cfg.Replay.BackoffBase,
		BackoffMax:         cfg.Replay.BackoffMax,
		DispatchTimeout:    cfg.Backend.DispatchTimeout,
	})

	probeURL := cfg.Probe.URL
	if probeURL == "" {
		probeURL = cfg.Backend.BaseURL + "/health"
	}
	monitor := connectivity.NewProbeMonitor(probeURL, cfg.Probe.Interval, cfg.Probe.Timeout)

	coordinator := service.NewCoordinator(q, engine, monitor, session, hub, observer, service.CoordinatorConfig{
		Interval: cfg.Sync.Interval,
		CronSpec: cfg.Sync.CronSpec,
	})

	// Background routines
	go func() {
		logger.Info("starting hub")
		hub.Run()
	}()
	go func() {
		logger.Info("starting connectivity monitor")
		monitor.Run(ctx)
	}()
	go func() {
		logger.Info("starting sync coordinator")
		coordinator.Run(ctx)
	}()

	// HTTP surface for the UI layer
	health := service.NewHealthService(auditRepo, rdb)
	r := api.RegisterRoutes(
		api.NewActionHandler(coordinator, projection),
		api.NewStatusHandler(coordinator, session, health),
		api.NewStreamHandler(coordinator, hub),
		cfg.DeviceAuth.Key,
	)

	srv := &http.Server{
		Addr:    cfg.Server.Port,
		Handler: r,
	}

	go func() {
		logger.Info("daemon listening",
			zap.String("addr", cfg.Server.Port),
			zap.String("env", cfg.Server.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server listen failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("daemon exited properly")
	return nil
}

// -- Infrastructure Initializers --

func initDB(cfg config.StorageConfig) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open action log db: %w", err)
	}

	if err := db.AutoMigrate(&model.Action{}, &model.ActionAudit{}); err != nil {
		return nil, fmt.Errorf("failed to migrate action log: %w", err)
	}

	return db, nil
}

func initRedis(cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}
