// Command worker runs the dispatcher: it reserves queued jobs, drives the
// agent loop inside Docker sandboxes, and settles outcomes. It also hosts
// the queue maintenance loops (delay pump, lease janitor, stuck-job sweep).
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/forgestack/agentd/internal/adapter/events"
	"github.com/forgestack/agentd/internal/adapter/observability"
	"github.com/forgestack/agentd/internal/adapter/provider"
	"github.com/forgestack/agentd/internal/adapter/queue/redisq"
	"github.com/forgestack/agentd/internal/adapter/repo/postgres"
	sandboxdocker "github.com/forgestack/agentd/internal/adapter/sandbox/docker"
	"github.com/forgestack/agentd/internal/config"
	"github.com/forgestack/agentd/internal/domain"
	obscircuit "github.com/forgestack/agentd/internal/observability"
	"github.com/forgestack/agentd/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	// Dedicated metrics endpoint so Prometheus can scrape dispatcher and
	// sandbox instrumentation.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: ":9090", Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv),
		slog.Int("concurrency", cfg.WorkerConcurrency))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url invalid", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	dockerCli, err := sandboxdocker.NewClient()
	if err != nil {
		slog.Error("docker engine connect failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Clear leftovers from a previous crash before taking new work.
	if n, err := sandboxdocker.ReapOrphans(ctx, dockerCli); err != nil {
		slog.Warn("orphan sandbox reap failed", slog.Any("error", err))
	} else if n > 0 {
		slog.Info("orphan sandboxes removed", slog.Int("count", n))
	}

	jobRepo := postgres.NewJobRepo(pool)
	projectRepo := postgres.NewProjectRepo(pool)
	agentRepo := postgres.NewAgentRepo(pool)
	artifactRepo := postgres.NewArtifactRepo(pool)
	queue := redisq.NewQueue(rdb, "agentd")

	prices, err := config.LoadPriceTable(cfg.PricingFile)
	if err != nil {
		slog.Error("price table load failed", slog.Any("error", err))
		os.Exit(1)
	}

	var sink domain.EventSink = domain.NoopEventSink{}
	if cfg.EventsEnabled() {
		producer, err := events.NewProducer(cfg.KafkaBrokers, cfg.EventTopic)
		if err != nil {
			slog.Error("event producer connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := producer.Close(closeCtx); err != nil {
				slog.Error("event producer close failed", slog.Any("error", err))
			}
		}()
		sink = producer
	}

	breakers := obscircuit.NewCircuitRegistry(cfg.BreakerFailureThreshold, cfg.BreakerOpenTimeout, nil)
	gateway := provider.NewRegistry(cfg, breakers)
	loop := usecase.NewAgentLoop(gateway, jobRepo, prices, cfg.MaxIterations, cfg.MaxTokens)

	runner := sandboxdocker.NewRunner(dockerCli, sandboxdocker.Config{
		MemoryBytes: cfg.SandboxMemoryBytes,
		NanoCPUs:    cfg.SandboxNanoCPUs,
		PidsLimit:   cfg.SandboxPidsLimit,
		OutputLimit: cfg.ToolOutputLimit,
	})

	retry := domain.RetryPolicy{Base: cfg.RetryBaseDelay, Max: cfg.RetryMaxDelay}
	if cfg.RetryJitter {
		retry.Jitter = domain.DefaultRetryPolicy().Jitter
	}

	costSvc := usecase.NewCostService(jobRepo, projectRepo)
	defaults := usecase.ProviderDefaults{Provider: cfg.DefaultProvider, Model: cfg.DefaultModel}
	dispatcher := usecase.NewDispatcher(
		jobRepo, projectRepo, agentRepo, artifactRepo, queue, runner,
		breakers, loop, costSvc, retry, sandboxdocker.Scanner{}, sink,
		usecase.DispatcherConfig{
			ReserveLease:   cfg.ReserveLease,
			SandboxImage:   cfg.SandboxImage,
			WorkRoot:       cfg.SandboxWorkRoot,
			SandboxTimeout: cfg.SandboxTimeout,
			Defaults:       defaults,
		})

	maintainer := usecase.NewMaintainer(jobRepo, queue, retry,
		cfg.PumpInterval, cfg.JanitorInterval, cfg.SweepInterval, cfg.StuckJobMaxAge)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); maintainer.RunPump(ctx) }()
	go func() { defer wg.Done(); maintainer.RunJanitor(ctx) }()
	go func() { defer wg.Done(); maintainer.RunSweeper(ctx) }()

	for i := 0; i < cfg.WorkerConcurrency; i++ {
		wg.Add(1)
		go func() { defer wg.Done(); dispatcher.Worker(ctx) }()
	}

	<-ctx.Done()
	slog.Info("shutdown signal received, draining workers")
	wg.Wait()
	slog.Info("worker stopped")
}
