package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/netutil"

	httpadapter "github.com/kirillkom/knowledge-retrieval/internal/adapters/http"
	"github.com/kirillkom/knowledge-retrieval/internal/bootstrap"
	"github.com/kirillkom/knowledge-retrieval/internal/config"
	"github.com/kirillkom/knowledge-retrieval/internal/observability/logging"
	"github.com/kirillkom/knowledge-retrieval/internal/observability/metrics"
	"github.com/kirillkom/knowledge-retrieval/internal/observability/telemetry"
)

const service = "api"

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

	httpMetrics := metrics.NewHTTPServerMetrics(service)
	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{
		Service:    service,
		Queue:      cfg.IndexAsync,
		Registerer: httpMetrics.Registerer(),
		Logger:     logger,
	})
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	if cfg.IndexAsync {
		go app.RefreshSparse(ctx, cfg.SparseRefreshInterval)
	}

	router := httpadapter.NewRouter(cfg, httpadapter.Dependencies{
		Searcher:   app.Hybrid,
		Classifier: app.Router,
		Retriever:  app.Retrieval,
		Maintainer: app.Indexer,
		Sources:    app.Dense,
		Rebuilder:  app.Rebuilder,
		Queue:      app.Queue,
		Metrics:    httpMetrics,
		Health:     app.Health,
	})
	server := &http.Server{
		Handler:      router.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", ":"+cfg.APIPort)
	if err != nil {
		log.Fatalf("api listen error: %v", err)
	}
	if cfg.APIMaxConns > 0 {
		listener = netutil.LimitListener(listener, cfg.APIMaxConns)
	}

	go func() {
		slog.Info("api_listening", "addr", listener.Addr().String(), "max_conns", cfg.APIMaxConns)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("api server error: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("api_shutdown_failed", "error", err)
	}
}
