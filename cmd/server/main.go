// Package main is the entrypoint for the GridFlow API server.
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

	"github.com/martinseidl/gridflow/internal/api"
	"github.com/martinseidl/gridflow/internal/api/handler"
	mw "github.com/martinseidl/gridflow/internal/api/middleware"
	"github.com/martinseidl/gridflow/internal/api/response"
	"github.com/martinseidl/gridflow/internal/cache"
	"github.com/martinseidl/gridflow/internal/config"
	"github.com/martinseidl/gridflow/internal/engine"
	"github.com/martinseidl/gridflow/internal/store"
	"github.com/martinseidl/gridflow/internal/tasks"
	"github.com/martinseidl/gridflow/internal/urlsign"
)

const shutdownTimeout = 30 * time.Second

func main() {
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
	slog.Info("config loaded", "env", cfg.Server.Env, "engine", cfg.Engine.BaseURL)

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

	// 5. Create task queue client
	queue, err := tasks.NewClient(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create task client: %w", err)
	}
	defer queue.Close()

	// 6. Create URL signer
	signer, err := urlsign.New(map[string]string{cfg.Signing.KeyName: cfg.Signing.Key})
	if err != nil {
		return fmt.Errorf("create url signer: %w", err)
	}

	// 7. Create store and engine client
	pgStore := store.NewPostgresStore(pool)
	engineClient := engine.NewHTTPClient(cfg.Engine.BaseURL, cfg.Engine.Namespace,
		cfg.Engine.Token, cfg.Engine.ExecutorImage,
		cfg.Engine.InsecureSkipVerify, cfg.Engine.Timeout)

	// 8. Build router with dependencies
	auth := mw.NewAuth(pgStore, signer)
	rateLimit := mw.NewRateLimit(redisCache, 0)

	jobHandler := handler.NewJobHandler(handler.Config{
		PublicURL:         cfg.Server.PublicURL,
		APIPrefix:         cfg.Server.APIPrefix,
		WorkspaceRoot:     cfg.Jobs.WorkspaceRoot,
		SignKeyName:       cfg.Signing.KeyName,
		SignTTL:           cfg.Signing.TTL,
		SyncCheckInterval: cfg.Jobs.SyncCheckInterval,
		SyncTimeout:       cfg.Jobs.SyncTimeout,
	}, pgStore, engineClient, queue, signer, redisCache)

	deps := api.Dependencies{
		APIPrefix: cfg.Server.APIPrefix,
		Auth:      auth,
		RateLimit: rateLimit,

		Jobs:          jobHandler,
		Files:         handler.NewFileHandler(cfg.Jobs.WorkspaceRoot),
		HealthHandler: healthHandler(pgStore, redisCache),
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // synchronous processing and large downloads outlive any fixed limit
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

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		if checks["database"] != "ok" || checks["cache"] != "ok" {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
