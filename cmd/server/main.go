// Package main is the entrypoint for the PromptFlow API server.
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

	"github.com/kiranshivaraju/promptflow/internal/ai"
	"github.com/kiranshivaraju/promptflow/internal/api"
	"github.com/kiranshivaraju/promptflow/internal/api/handler"
	mw "github.com/kiranshivaraju/promptflow/internal/api/middleware"
	"github.com/kiranshivaraju/promptflow/internal/apikey"
	"github.com/kiranshivaraju/promptflow/internal/cache"
	"github.com/kiranshivaraju/promptflow/internal/chain"
	"github.com/kiranshivaraju/promptflow/internal/config"
	"github.com/kiranshivaraju/promptflow/internal/jobs"
	"github.com/kiranshivaraju/promptflow/internal/metrics"
	"github.com/kiranshivaraju/promptflow/internal/queue"
	"github.com/kiranshivaraju/promptflow/internal/store"
	"github.com/kiranshivaraju/promptflow/pkg/models"
)

const (
	shutdownTimeout = 30 * time.Second
	abandonTimeout  = 5 * time.Second

	heartbeatsPerStaleWindow = 4
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, failing fast on invalid values
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, closeLog := config.SetupLogger(cfg.Log)
	defer closeLog()
	slog.SetDefault(logger)
	slog.Info("config loaded",
		"default_provider", cfg.AI.DefaultProvider,
		"execution_mode", cfg.Execution.Mode,
		"env", cfg.Server.Env)

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

	pgStore := store.NewPostgresStore(pool)

	// 5. Optional admin key for first use
	if err := bootstrapKey(ctx, pgStore, cfg.Auth.BootstrapAPIKey); err != nil {
		return fmt.Errorf("bootstrap api key: %w", err)
	}

	// 6. Model providers and the chain executor
	collector := metrics.NewCollector()
	registry := ai.NewRegistry(cfg.AI)
	slog.Info("AI providers initialized", "providers", registry.Names(), "default", registry.Default())
	runner := chain.NewExecutor(ai.NewAdapter(registry, cfg.AI.CallTimeout, collector))

	// 7. Executor for the configured mode
	health := map[string]handler.Pinger{
		"database": pgStore,
		"cache":    redisCache,
	}
	var (
		executor     jobs.Executor
		inProcess    *jobs.InProcessExecutor
		callbackAuth func(http.Handler) http.Handler
	)
	switch cfg.Execution.Mode {
	case config.ExecutionModeDelegated:
		q, err := queue.Dial(cfg.Rabbit.URL, cfg.Rabbit.Queue)
		if err != nil {
			return fmt.Errorf("connect rabbitmq: %w", err)
		}
		defer q.Close()
		slog.Info("rabbitmq connected", "queue", cfg.Rabbit.Queue)

		health["queue"] = q
		executor = jobs.NewDelegatingExecutor(pgStore, redisCache, q, cfg.Server.PublicURL, cfg.Execution.MaxConcurrency)
		callbackAuth = mw.CallbackToken(cfg.Execution.CallbackToken)
	default:
		orch := jobs.NewOrchestrator(pgStore, redisCache, runner, jobs.OrchestratorConfig{
			MaxConcurrency: cfg.Execution.MaxConcurrency,
			Recorder:       collector,
			Heartbeat:      cfg.Execution.StaleAfter / heartbeatsPerStaleWindow,
		})
		inProcess = jobs.NewInProcessExecutor(orch)
		executor = inProcess
		if cfg.Execution.CallbackToken != "" {
			callbackAuth = mw.CallbackToken(cfg.Execution.CallbackToken)
		}
	}

	svc := jobs.NewService(pgStore, redisCache, executor, registry, collector)

	// Jobs left open by a previous process, or by a worker that stopped
	// reporting, are failed here.
	reaper := jobs.NewReaper(pgStore, redisCache, cfg.Execution.StaleAfter, collector)
	go reaper.Run(ctx, cfg.Execution.SweepInterval)

	// 8. Build router with dependencies
	router := api.NewRouter(api.Dependencies{
		Auth:         mw.NewAuth(pgStore),
		RateLimit:    mw.NewRateLimit(redisCache, cfg.RateLimit.RequestsPerMinute),
		CallbackAuth: callbackAuth,

		HealthHandler:    handler.NewHealthHandler(health),
		CreateJobHandler: handler.NewCreateJobHandler(svc),
		ListJobsHandler:  handler.NewListJobsHandler(svc),
		GetJobHandler:    handler.NewGetJobHandler(svc),
		CancelJobHandler: handler.NewCancelJobHandler(svc),
		CallbackHandler:  handler.NewCallbackHandler(svc),
		StatsHandler:     handler.NewStatsHandler(collector),
		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	})

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

	// In-process jobs hold their results until they finish.
	if inProcess != nil {
		if err := inProcess.Wait(shutdownCtx); err != nil {
			abandonCtx, cancelAbandon := context.WithTimeout(context.Background(), abandonTimeout)
			n := inProcess.Abandon(abandonCtx, "server stopped before the job finished")
			cancelAbandon()
			slog.Warn("jobs still running at shutdown were marked failed", "jobs", n, "error", err)
		}
	}

	slog.Info("server stopped gracefully")
	return nil
}

// keyBootstrapper is the subset of store.Store used to create the bootstrap key.
type keyBootstrapper interface {
	GetDefaultUser(ctx context.Context) (*models.User, error)
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	apikey.Creator
}

// bootstrapKey registers raw as an admin key of the default user. It does
// nothing when raw is empty or the key is already registered.
func bootstrapKey(ctx context.Context, st keyBootstrapper, raw string) error {
	if raw == "" {
		return nil
	}
	if len(raw) < apikey.MinLen {
		return fmt.Errorf("BOOTSTRAP_API_KEY must be at least %d characters", apikey.MinLen)
	}

	existing, err := st.GetAPIKeyByPrefix(ctx, raw[:apikey.PrefixLen])
	if err != nil {
		return fmt.Errorf("look up api key: %w", err)
	}
	for _, k := range existing {
		if apikey.Verify(k, raw) {
			slog.Info("bootstrap api key already present", "key_id", k.ID)
			return nil
		}
	}

	user, err := st.GetDefaultUser(ctx)
	if err != nil {
		return fmt.Errorf("get default user: %w", err)
	}
	key, err := apikey.New(user.ID, "bootstrap", raw, apikey.ScopesAdmin)
	if err != nil {
		return err
	}
	if err := st.CreateAPIKey(ctx, key); err != nil {
		return err
	}
	slog.Info("bootstrap api key created", "key_id", key.ID, "key_prefix", key.KeyPrefix)
	return nil
}
