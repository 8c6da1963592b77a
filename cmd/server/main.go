// Command server starts the prompt dispatch HTTP ingress: job admission,
// job/batch status, and health endpoints. Dispatch to workers runs in the
// separate worker process (cmd/worker).
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

	httpserver "github.com/dispatchkit/promptdispatch/internal/adapter/httpserver"
	"github.com/dispatchkit/promptdispatch/internal/adapter/observability"
	"github.com/dispatchkit/promptdispatch/internal/adapter/persistence"
	"github.com/dispatchkit/promptdispatch/internal/adapter/workerclient"
	"github.com/dispatchkit/promptdispatch/internal/app"
	"github.com/dispatchkit/promptdispatch/internal/config"
	"github.com/dispatchkit/promptdispatch/internal/usecase/admission"
	"github.com/dispatchkit/promptdispatch/internal/usecase/batch"
	"github.com/dispatchkit/promptdispatch/internal/usecase/health"
	"github.com/dispatchkit/promptdispatch/internal/usecase/queue"
)

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

	q := queue.New(jobStore, jobStore, nil, queue.Config{
		NumWorkers:         0, // the ingress process only enqueues; cmd/worker runs the dispatch loop
		JobResultsTTL:      cfg.JobResultsTTL,
		SearchJobTTL:       cfg.BullSearchJobTimeout,
		StalledInterval:    cfg.StalledInterval,
		MaxStalledCount:    cfg.MaxStalledCount,
		Retry:              cfg.RetryPolicy(),
		NumWorkerEndpoints: len(endpoints),
	})

	batchCoord := batch.New(q, jobStore, cfg.JobResultsTTL)
	adm := admission.New(jobStore, q, batchCoord, cfg.JobResultsTTL)
	healthAgg := health.New(store, client, endpoints)

	srv := httpserver.NewServer(cfg, adm, q, batchCoord, healthAgg)
	handler := app.BuildRouter(cfg, srv)

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
