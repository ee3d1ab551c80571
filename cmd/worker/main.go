// Package main is the entrypoint for the GridFlow background worker. It
// processes admission, submission, and poll tasks from the shared queue.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/martinseidl/gridflow/internal/cache"
	"github.com/martinseidl/gridflow/internal/config"
	"github.com/martinseidl/gridflow/internal/engine"
	"github.com/martinseidl/gridflow/internal/store"
	"github.com/martinseidl/gridflow/internal/tasks"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env,
		"workflow_limit", cfg.Jobs.WorkflowLimit, "concurrency", cfg.Jobs.WorkerConcurrency)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	queue, err := tasks.NewClient(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create task client: %w", err)
	}
	defer queue.Close()

	pgStore := store.NewPostgresStore(pool)
	engineClient := engine.NewHTTPClient(cfg.Engine.BaseURL, cfg.Engine.Namespace,
		cfg.Engine.Token, cfg.Engine.ExecutorImage,
		cfg.Engine.InsecureSkipVerify, cfg.Engine.Timeout)

	manager, err := tasks.NewManager(tasks.Config{
		RedisURL:           cfg.Redis.URL,
		Concurrency:        cfg.Jobs.WorkerConcurrency,
		WorkspaceRoot:      cfg.Jobs.WorkspaceRoot,
		WorkflowLimit:      cfg.Jobs.WorkflowLimit,
		LocalExecution:     cfg.Jobs.LocalExecution,
		AdmitRetryInterval: cfg.Jobs.AdmitRetryInterval,
		PollInterval:       cfg.Jobs.PollInterval,
		PollMaxInterval:    cfg.Jobs.PollMaxInterval,
		PollMaxDuration:    cfg.Jobs.PollMaxDuration,
	}, queue, pgStore, engineClient, redisCache)
	if err != nil {
		return fmt.Errorf("create task manager: %w", err)
	}

	// Sweep once on startup so jobs queued while no worker ran get admitted.
	if err := queue.EnqueueAdmit(ctx); err != nil {
		slog.Error("failed to enqueue startup admission sweep", "error", err)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("worker processing tasks")
		errCh <- manager.Run()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("worker error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping worker...")
	}

	manager.Shutdown()
	slog.Info("worker stopped gracefully")
	return nil
}
