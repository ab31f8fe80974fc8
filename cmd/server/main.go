// Package main is the entrypoint for the webhook dispatch server.
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

	"github.com/bluefxvideo/bluefx-app-sub009/internal/api"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/api/handler"
	mw "github.com/bluefxvideo/bluefx-app-sub009/internal/api/middleware"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/api/response"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/cache"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/classify"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/config"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/dispatch"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/ledger"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/notify"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/provider"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/relay"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/store"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/submit"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/telemetry"
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
	// 1. Load config; fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"provider", cfg.Provider.Name,
		"storage", cfg.Storage.Driver,
		"notifier", cfg.Notifier.Driver,
		"env", cfg.Server.Env,
	)

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
	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
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

	// 5. Domain services
	pgStore := store.NewPostgresStore(pool)
	credits := ledger.NewPostgresLedger(pool)

	uploader, err := relay.NewUploader(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("create uploader: %w", err)
	}
	assetRelay := relay.New(uploader, cfg.Storage.PublicBaseURL, cfg.Relay)

	submitter, err := provider.NewSubmitter(cfg.Provider)
	if err != nil {
		return fmt.Errorf("create provider client: %w", err)
	}

	notifier, closeNotifier, err := notify.New(cfg.Notifier, redisCache)
	if err != nil {
		return fmt.Errorf("create notifier: %w", err)
	}
	defer closeNotifier()

	dispatcher := dispatch.New(dispatch.Config{
		WebhookURL:        cfg.Webhook.PublicURL,
		Models:            cfg.Provider.Models,
		Async:             cfg.Webhook.AsyncCompletion,
		CompletionTimeout: cfg.Webhook.CompletionTimeout,
		ResolveLookback:   cfg.Webhook.ResolveLookback,
	}, pgStore, classify.New(cfg.Provider.Models), assetRelay, credits, submitter, notifier,
		dispatch.WithStatusCache(redisCache),
		dispatch.WithQuarantine(redisCache),
	)
	jobService := submit.NewService(pgStore, credits, submitter, cfg.Provider.Models, cfg.Webhook.PublicURL, redisCache)

	go func() {
		if err := dispatch.NewReconciler(pgStore, credits, cfg.Reconcile).Run(ctx); err != nil &&
			!errors.Is(err, context.Canceled) {
			slog.Error("settlement reconciler stopped", "error", err)
		}
	}()

	// 6. Build router with dependencies
	jobs := handler.NewJobsHandler(jobService, pgStore, redisCache)
	keys := handler.NewKeysHandler(pgStore)

	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(redisCache, cfg.RateLimit),

		WebhookHandler: handler.NewWebhookHandler(dispatcher),
		HealthHandler:  healthHandler(pgStore, redisCache),
		MetricsHandler: telemetry.Handler(),

		CreateJob: jobs.Create,
		GetJob:    jobs.Get,
		JobStatus: jobs.Status,
		CancelJob: jobs.Cancel,
		GetBatch:  jobs.Batch,

		CreateKeyHandler: keys.Create,
		ListKeysHandler:  keys.List,
		RevokeKeyHandler: keys.Revoke,
		ListUnclassified: handler.NewUnclassifiedHandler(redisCache),
	}
	if cfg.Storage.Driver == "local" {
		deps.Assets = http.FileServer(http.Dir(cfg.Storage.LocalPath))
	}

	router := api.NewRouter(deps)

	// 7. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Webhook.CompletionTimeout + 30*time.Second,
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
	// Detached completions still hold claimed deliveries.
	if err := dispatcher.Wait(shutdownCtx); err != nil {
		slog.Warn("completions still running at shutdown", "error", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// Pinger is anything the health check can reach.
type Pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database and cache connectivity.
func healthHandler(db, c Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
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
