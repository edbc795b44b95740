package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/knowledge-retrieval/internal/bootstrap"
	"github.com/kirillkom/knowledge-retrieval/internal/config"
	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
	"github.com/kirillkom/knowledge-retrieval/internal/observability/logging"
	"github.com/kirillkom/knowledge-retrieval/internal/observability/metrics"
	"github.com/kirillkom/knowledge-retrieval/internal/observability/telemetry"
)

const (
	service        = "worker"
	commandTimeout = 5 * time.Minute
)

func main() {
	cfg := config.Load()
	logger := logging.Setup(service, cfg.LogLevel, cfg.LogFormat)

	flush, err := telemetry.Init(telemetry.Config{
		DSN:         cfg.SentryDSN,
		Environment: cfg.SentryEnvironment,
		Service:     service,
	})
	if err != nil {
		log.Fatalf("sentry init error: %v", err)
	}
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerMetrics := metrics.NewWorkerMetrics(service)
	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{
		Service:    service,
		Queue:      true,
		Registerer: workerMetrics.Registerer(),
		Logger:     logger,
	})
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           workerMetrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("worker_metrics_listening", "port", cfg.WorkerMetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		slog.Info("worker_subscribed", "subject", cfg.NATSIndexSubject)
		return app.Queue.SubscribeIndex(gctx, func(handlerCtx context.Context, cmd domain.IndexCommand) error {
			return workerMetrics.Track("index", cmd.EnqueuedAt, func() error {
				processCtx, cancel := context.WithTimeout(handlerCtx, commandTimeout)
				defer cancel()
				return app.Indexer.HandleIndex(processCtx, cmd)
			})
		})
	})
	g.Go(func() error {
		slog.Info("worker_subscribed", "subject", cfg.NATSRemoveSubject)
		return app.Queue.SubscribeRemove(gctx, func(handlerCtx context.Context, cmd domain.RemoveCommand) error {
			return workerMetrics.Track("remove", cmd.EnqueuedAt, func() error {
				processCtx, cancel := context.WithTimeout(handlerCtx, commandTimeout)
				defer cancel()
				return app.Indexer.HandleRemove(processCtx, cmd)
			})
		})
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("worker error: %v", err)
	}
}
