// Command server starts the agentd HTTP API.
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

	"github.com/redis/go-redis/v9"

	"github.com/forgestack/agentd/internal/adapter/events"
	httpserver "github.com/forgestack/agentd/internal/adapter/httpserver"
	"github.com/forgestack/agentd/internal/adapter/observability"
	"github.com/forgestack/agentd/internal/adapter/provider/tokencount"
	"github.com/forgestack/agentd/internal/adapter/queue/redisq"
	"github.com/forgestack/agentd/internal/adapter/repo/postgres"
	sandboxdocker "github.com/forgestack/agentd/internal/adapter/sandbox/docker"
	"github.com/forgestack/agentd/internal/app"
	"github.com/forgestack/agentd/internal/config"
	"github.com/forgestack/agentd/internal/domain"
	obscircuit "github.com/forgestack/agentd/internal/observability"
	"github.com/forgestack/agentd/internal/usecase"
)

// redisAdapter narrows *redis.Client to the readiness interface.
type redisAdapter struct{ c *redis.Client }

func (a redisAdapter) Ping(ctx context.Context) app.RedisPingResult { return a.c.Ping(ctx) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
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

	// The daemon probe is advisory on the API node; a missing engine only
	// degrades /readyz.
	dockerCli, err := sandboxdocker.NewClient()
	if err != nil {
		slog.Warn("docker engine unavailable", slog.Any("error", err))
	}

	jobRepo := postgres.NewJobRepo(pool)
	projectRepo := postgres.NewProjectRepo(pool)
	agentRepo := postgres.NewAgentRepo(pool)
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

	defaults := usecase.ProviderDefaults{Provider: cfg.DefaultProvider, Model: cfg.DefaultModel}
	enqueueSvc := usecase.NewEnqueueService(jobRepo, projectRepo, queue, prices,
		tokencount.NewCounter(), sink, defaults, cfg.DefaultMaxRetries)
	costSvc := usecase.NewCostService(jobRepo, projectRepo)
	provisionSvc := usecase.NewProvisionService(projectRepo, agentRepo)
	adminSvc := usecase.NewAdminService(jobRepo, queue)

	// Breaker state is process-local; this registry backs /admin/breakers
	// for provider calls made from this process only.
	breakers := obscircuit.NewCircuitRegistry(cfg.BreakerFailureThreshold, cfg.BreakerOpenTimeout, nil)

	var dockerPinger app.DockerPinger
	if dockerCli != nil {
		dockerPinger = dockerCli
	}
	dbCheck, redisCheck, dockerCheck := app.BuildReadinessChecks(pool, redisAdapter{rdb}, dockerPinger)

	srv := httpserver.NewServer(cfg, enqueueSvc, costSvc, provisionSvc, dbCheck, redisCheck, dockerCheck)
	admin := httpserver.NewAdmin(cfg, adminSvc, breakers)
	handler := app.BuildRouter(cfg, srv, admin)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
