// Command worker runs the durable job queue's reservation loop: it reserves
// pending jobs, dispatches each to a free browser-automation worker, and
// retries or fails according to the configured retry policy.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/dispatchkit/promptdispatch/internal/adapter/observability"
	"github.com/dispatchkit/promptdispatch/internal/adapter/persistence"
	"github.com/dispatchkit/promptdispatch/internal/adapter/workerclient"
	"github.com/dispatchkit/promptdispatch/internal/config"
	"github.com/dispatchkit/promptdispatch/internal/usecase/dispatcher"
	"github.com/dispatchkit/promptdispatch/internal/usecase/queue"
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
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
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

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	store := persistence.New(rdb)
	jobStore := persistence.NewJobStore(store)

	endpoints := cfg.WorkerEndpoints()
	timeouts := workerclient.Timeouts{
		Health: cfg.WorkerHealthTimeout, Search: cfg.WorkerSearchTimeout,
		WarmupTab: cfg.WorkerWarmupTimeout, RestartBrowser: cfg.WorkerRestartTimeout,
		RefreshSession: cfg.WorkerRefreshTimeout,
	}
	client := workerclient.New(timeouts, endpoints, 5, 30*time.Second)

	disp := dispatcher.New(endpoints, client, cfg.MaxAttempts)

	q := queue.New(jobStore, jobStore, disp, queue.Config{
		NumWorkers:         len(endpoints),
		JobResultsTTL:      cfg.JobResultsTTL,
		SearchJobTTL:       cfg.BullSearchJobTimeout,
		StalledInterval:    cfg.StalledInterval,
		MaxStalledCount:    cfg.MaxStalledCount,
		Retry:              cfg.RetryPolicy(),
		NumWorkerEndpoints: len(endpoints),
	})

	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	slog.Info("worker started successfully, waiting for shutdown signal",
		slog.Int("num_workers", len(endpoints)))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))

	cancel()
	q.Stop()
	slog.Info("worker stopped")
}
