// Package main is the entrypoint for the GradeFlow task queue server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zkwaredao/gradeflow/internal/api"
	"github.com/zkwaredao/gradeflow/internal/api/handler"
	mw "github.com/zkwaredao/gradeflow/internal/api/middleware"
	"github.com/zkwaredao/gradeflow/internal/cache"
	"github.com/zkwaredao/gradeflow/internal/config"
	"github.com/zkwaredao/gradeflow/internal/grading"
	"github.com/zkwaredao/gradeflow/internal/llm"
	llmopenai "github.com/zkwaredao/gradeflow/internal/llm/openai"
	"github.com/zkwaredao/gradeflow/internal/monitor"
	"github.com/zkwaredao/gradeflow/internal/retry"
	"github.com/zkwaredao/gradeflow/internal/store"
	"github.com/zkwaredao/gradeflow/internal/tasks"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Local development convenience; a missing .env is not an error.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "max_workers", cfg.Queue.MaxWorkers, "strategy", cfg.LLM.Strategy)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Load the model registry and build the manager
	registry, fileStrategy, err := llm.LoadRegistry(cfg.LLM.RegistryFile)
	if err != nil {
		return fmt.Errorf("load model registry: %w", err)
	}
	strategy := llm.Strategy(cfg.LLM.Strategy)
	if fileStrategy != "" {
		strategy = fileStrategy
	}
	manager := llm.NewManager(strategy)
	for _, model := range registry {
		manager.Register(model)
	}
	go manager.Run(ctx, cfg.LLM.HealthCheckInterval)
	slog.Info("model registry loaded", "models", len(registry), "strategy", strategy)

	// 6. Retry manager and monitor
	retrier := retry.NewManager(cfg.LLM.MaxAttempts, cfg.LLM.RetryBudget)
	mon := monitor.New(monitor.Config{
		MaxRecords:            cfg.Monitor.MaxRecords,
		MaxAlerts:             cfg.Monitor.MaxAlerts,
		ResponseTimeThreshold: cfg.Monitor.ResponseTimeThreshold,
		ErrorRateThreshold:    cfg.Monitor.ErrorRateThreshold,
		HourlyCostThreshold:   cfg.Monitor.HourlyCostThreshold,
		SnapshotFile:          cfg.Monitor.SnapshotFile,
	})
	go mon.Run(ctx, cfg.Monitor.Interval)

	// 7. Task queue and service with crash recovery
	pgStore := store.NewPostgresStore(pool)
	queue := tasks.NewQueue(cfg.Queue.MaxWorkers, cfg.Queue.PollInterval, cfg.Queue.CleanupInterval)
	svc := tasks.NewService(pgStore, redisCache, queue)

	client := llmopenai.NewClient(cfg.LLM.RequestTimeout)
	handlers := grading.New(manager, retrier, mon, client, svc.CleanupExpiredTasks)
	handlers.RegisterAll(svc)

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start task service: %w", err)
	}
	defer svc.Stop()

	// 8. Build router with dependencies
	auth := mw.NewAuth(cfg.Ops.APIKeyHash)
	rateLimit := mw.NewRateLimit(redisCache, cfg.Ops.RequestsPerMinute)

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler: handler.NewHealthHandler(pgStore, redisCache),

		CreateTaskHandler:   handler.NewCreateTaskHandler(svc),
		GetTaskHandler:      handler.NewGetTaskHandler(svc),
		TaskProgressHandler: handler.NewTaskProgressHandler(svc),
		TaskHistoryHandler:  handler.NewTaskHistoryHandler(svc),
		ListTasksHandler:    handler.NewListTasksHandler(svc),
		PauseTaskHandler:    handler.NewLifecycleHandler("pause", svc.PauseTask),
		ResumeTaskHandler:   handler.NewLifecycleHandler("resume", svc.ResumeTask),
		CancelTaskHandler:   handler.NewLifecycleHandler("cancel", svc.CancelTask),
		RetryTaskHandler:    handler.NewLifecycleHandler("retry", svc.RetryTask),

		QueueStatusHandler:     handler.NewQueueStatusHandler(svc),
		StatsHandler:           handler.NewStatsHandler(svc),
		ModelMetricsHandler:    handler.NewModelMetricsHandler(manager, retrier),
		MonitorOverviewHandler: handler.NewMonitorOverviewHandler(mon),
		CostAnalysisHandler:    handler.NewCostAnalysisHandler(mon),
		AlertsHandler:          handler.NewAlertsHandler(mon),
		ResolveAlertHandler:    handler.NewResolveAlertHandler(mon),
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}
