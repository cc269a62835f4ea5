// Package main is the entrypoint for the PromptFlow delegated execution worker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kiranshivaraju/promptflow/internal/ai"
	"github.com/kiranshivaraju/promptflow/internal/cache"
	"github.com/kiranshivaraju/promptflow/internal/chain"
	"github.com/kiranshivaraju/promptflow/internal/config"
	"github.com/kiranshivaraju/promptflow/internal/metrics"
	"github.com/kiranshivaraju/promptflow/internal/queue"
	"github.com/kiranshivaraju/promptflow/internal/worker"
	"github.com/kiranshivaraju/promptflow/pkg/client"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadWorker()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, closeLog := config.SetupLogger(cfg.Log)
	defer closeLog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wcfg := worker.Config{CallbackToken: cfg.CallbackToken}

	// The status mirror is optional: without it cancellation is only noticed
	// when the server rejects a callback.
	if cfg.Redis.URL != "" {
		redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("create redis cache: %w", err)
		}
		defer redisCache.Close()
		if err := redisCache.Ping(ctx); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		wcfg.Statuses = redisCache
		slog.Info("redis connected")
	}

	collector := metrics.NewCollector()
	wcfg.Recorder = collector
	registry := ai.NewRegistry(cfg.AI)
	slog.Info("AI providers initialized", "providers", registry.Names(), "default", registry.Default())
	runner := chain.NewExecutor(ai.NewAdapter(registry, cfg.AI.CallTimeout, collector))

	q, err := queue.Dial(cfg.Rabbit.URL, cfg.Rabbit.Queue)
	if err != nil {
		return fmt.Errorf("connect rabbitmq: %w", err)
	}
	defer q.Close()

	w := worker.New(runner, client.New(cfg.APIBaseURL, ""), wcfg)

	slog.Info("worker consuming", "queue", cfg.Rabbit.Queue, "concurrency", cfg.Rabbit.Concurrency)
	if err := q.Consume(ctx, cfg.Rabbit.Concurrency, w.Handle); err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	snap := collector.Snapshot()
	slog.Info("worker stopped", "llm_calls", len(snap.LLMCalls), "uptime_seconds", int(snap.UptimeSeconds))
	return nil
}
