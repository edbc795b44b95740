package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/knowledge-retrieval/internal/config"
	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
	"github.com/kirillkom/knowledge-retrieval/internal/core/ports"
	"github.com/kirillkom/knowledge-retrieval/internal/core/usecase"
	"github.com/kirillkom/knowledge-retrieval/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/knowledge-retrieval/internal/infrastructure/llm/openai"
	"github.com/kirillkom/knowledge-retrieval/internal/infrastructure/queue/nats"
	"github.com/kirillkom/knowledge-retrieval/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/knowledge-retrieval/internal/infrastructure/rerank/cohere"
	"github.com/kirillkom/knowledge-retrieval/internal/infrastructure/resilience"
	"github.com/kirillkom/knowledge-retrieval/internal/infrastructure/sparse/bm25"
	"github.com/kirillkom/knowledge-retrieval/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/knowledge-retrieval/internal/infrastructure/vector/qdrant"
	"github.com/kirillkom/knowledge-retrieval/internal/observability/metrics"
)

// Options select the optional parts of the graph a binary needs.
type Options struct {
	Service string
	// Queue connects to NATS. The worker always needs it; the API only for async indexing.
	Queue      bool
	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

type App struct {
	Config config.Config

	Dense     *usecase.DenseIndex
	Sparse    *bm25.Index
	Hybrid    *usecase.HybridRetriever
	Router    *usecase.QueryRouter
	Reranker  *usecase.Reranker
	Indexer   *usecase.IndexService
	Rebuilder *usecase.SparseRebuilder
	Retrieval *usecase.RetrievalService
	Queue     ports.MaintenanceQueue

	providerPolicy *resilience.Policy
	storePolicy    *resilience.Policy
	closeFn        func()
}

func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var observer ports.RetrievalObserver
	if opts.Registerer != nil {
		observer = metrics.NewRetrievalMetrics(opts.Service, opts.Registerer)
	}

	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	providerPolicy := resilience.NewPolicy(providerResilience(cfg))
	storePolicy := resilience.NewPolicy(storeResilience(cfg))

	embedder, chat, err := newProviders(cfg, providerPolicy)
	if err != nil {
		return nil, err
	}

	vectors := qdrant.New(cfg.QdrantURL, cfg.QdrantCollection, qdrant.Options{
		APIKey:  cfg.QdrantAPIKey,
		Timeout: cfg.ProviderTimeout,
		Policy:  storePolicy,
	})

	dense, err := usecase.NewDenseIndex(embedder, vectors, usecase.DenseOptions{
		EmbedTimeout:  cfg.EmbedTimeout,
		SearchTimeout: cfg.SearchTimeout,
	})
	if err != nil {
		return nil, err
	}

	snapshots, closeSnapshots, err := newSnapshotStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	closers = append(closers, closeSnapshots)

	sparse := bm25.New(snapshots, bm25.Options{Logger: logger})
	loaded, err := sparse.Load(ctx)
	if err != nil {
		// Hybrid search serves dense-only until the next rebuild.
		logger.Warn("sparse_snapshot_load_failed", "error", err)
	} else if loaded {
		logger.Info("sparse_snapshot_loaded", "chunks", sparse.Len(), "tenants", len(sparse.Tenants()))
	}

	hybrid := usecase.NewHybridRetriever(dense, sparse, usecase.HybridOptions{
		Enabled:       cfg.RAGHybridEnabled,
		RRFK:          cfg.RAGFusionRRFK,
		DenseWeight:   cfg.RAGSemanticWeight,
		SparseWeight:  cfg.RAGLexicalWeight,
		SearchTimeout: cfg.SearchTimeout,
		Observer:      observer,
	})

	var rerankProvider ports.RerankProvider
	if cfg.RAGRerankEnabled && cfg.CohereAPIKey != "" {
		client, err := cohere.New(cohere.Config{
			APIKey:  cfg.CohereAPIKey,
			BaseURL: cfg.CohereBaseURL,
			Model:   cfg.RerankModel,
			Timeout: cfg.RerankTimeout,
			Policy:  providerPolicy,
		})
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("init reranker: %w", err)
		}
		rerankProvider = client
	}
	reranker := usecase.NewReranker(rerankProvider, usecase.RerankOptions{
		Timeout:  cfg.RerankTimeout,
		Logger:   logger,
		Observer: observer,
	})

	router, err := usecase.NewQueryRouter(chat, usecase.RouterOptions{
		ClassifyTimeout:     cfg.ClassifyTimeout,
		RewriteHistoryTurns: cfg.RouterHistoryTurns,
		Logger:              logger,
		Observer:            observer,
	})
	if err != nil {
		closeAll()
		return nil, err
	}

	indexOpts := usecase.IndexServiceOptions{Logger: logger, Observer: observer}
	indexer := usecase.NewIndexService(dense, sparse, indexOpts)
	rebuilder := usecase.NewSparseRebuilder(dense, sparse, indexOpts)
	retrieval := usecase.NewRetrievalService(router, hybrid, dense, reranker, usecase.RetrieveOptions{
		DefaultTopK:      cfg.RAGTopK,
		DefaultThreshold: cfg.RAGSimilarityThreshold,
		RerankCandidates: cfg.RAGRerankCandidates,
		Logger:           logger,
	})

	app := &App{
		Config:    cfg,
		Dense:     dense,
		Sparse:    sparse,
		Hybrid:    hybrid,
		Router:    router,
		Reranker:  reranker,
		Indexer:   indexer,
		Rebuilder: rebuilder,
		Retrieval: retrieval,

		providerPolicy: providerPolicy,
		storePolicy:    storePolicy,
	}

	if opts.Queue {
		queue, err := nats.New(cfg.NATSURL, nats.Options{
			IndexSubject:  cfg.NATSIndexSubject,
			RemoveSubject: cfg.NATSRemoveSubject,
			Policy:        storePolicy,
			Logger:        logger,
		})
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("init maintenance queue: %w", err)
		}
		closers = append(closers, queue.Close)
		app.Queue = queue
	}

	app.closeFn = closeAll
	return app, nil
}

// Health reports index state for the health endpoint.
func (a *App) Health() map[string]any {
	return map[string]any{
		"sparse_chunks":  a.Sparse.Len(),
		"sparse_tenants": len(a.Sparse.Tenants()),
		"hybrid_enabled": a.Config.RAGHybridEnabled,
		"queue_enabled":  a.Queue != nil,
		"breakers":       mergeStates(a.providerPolicy.BreakerStates(), a.storePolicy.BreakerStates()),
	}
}

// RefreshSparse reloads the sparse snapshot every interval until ctx ends.
// The API runs it when a separate worker owns index writes.
func (a *App) RefreshSparse(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Sparse.Load(ctx); err != nil {
				slog.Warn("sparse_snapshot_refresh_failed", "error", err)
			}
		}
	}
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

func newProviders(cfg config.Config, policy *resilience.Policy) (ports.Embedder, ports.ChatProvider, error) {
	var (
		embedder ports.Embedder
		chat     ports.ChatProvider
	)

	needOpenAI := cfg.EmbedProvider == "openai" || cfg.ChatProvider == "openai"
	var openaiClient *openai.Client
	if needOpenAI {
		client, err := openai.New(openai.Config{
			APIKey:         cfg.OpenAIAPIKey,
			BaseURL:        cfg.OpenAIBaseURL,
			ChatModel:      cfg.OpenAIChatModel,
			EmbeddingModel: cfg.OpenAIEmbedModel,
			Timeout:        cfg.ProviderTimeout,
			Policy:         policy,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("init openai client: %w", err)
		}
		openaiClient = client
	}

	needOllama := cfg.EmbedProvider == "ollama" || cfg.ChatProvider == "ollama"
	var ollamaClient *ollama.Client
	if needOllama {
		client, err := ollama.New(cfg.OllamaURL, cfg.OllamaChatModel, cfg.OllamaEmbedModel, ollama.Options{
			Timeout: cfg.ProviderTimeout,
			Policy:  policy,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("init ollama client: %w", err)
		}
		ollamaClient = client
	}

	switch cfg.EmbedProvider {
	case "openai":
		embedder = openaiClient
	case "ollama":
		embedder = ollama.NewEmbedder(ollamaClient).WithPrefixes(cfg.OllamaDocPrefix, cfg.OllamaQueryPrefix)
	default:
		return nil, nil, domain.WrapError(domain.ErrConfiguration, "init embedder", fmt.Errorf("unknown embed provider %q", cfg.EmbedProvider))
	}

	switch cfg.ChatProvider {
	case "openai":
		chat = openaiClient
	case "ollama":
		chat = ollama.NewChatProvider(ollamaClient)
	case "", "none":
		// Routing falls back to KNOWLEDGE for everything the rules do not match.
	default:
		return nil, nil, domain.WrapError(domain.ErrConfiguration, "init chat provider", fmt.Errorf("unknown chat provider %q", cfg.ChatProvider))
	}

	return embedder, chat, nil
}

func newSnapshotStore(ctx context.Context, cfg config.Config) (ports.SnapshotStore, func(), error) {
	switch cfg.SparseSnapshotBackend {
	case "postgres":
		db, err := postgres.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		repo := postgres.NewSnapshotRepository(db, cfg.QdrantCollection)
		if err := repo.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("ensure snapshot schema: %w", err)
		}
		return repo, closeDB(db), nil
	case "file", "":
		store, err := localfs.New(cfg.SparseSnapshotPath)
		if err != nil {
			return nil, nil, fmt.Errorf("init snapshot file: %w", err)
		}
		slog.Info("sparse_snapshot_store", "backend", "file", "path", store.Path())
		return store, func() {}, nil
	case "none":
		return nil, func() {}, nil
	default:
		return nil, nil, domain.WrapError(domain.ErrConfiguration, "init snapshot store", fmt.Errorf("unknown backend %q", cfg.SparseSnapshotBackend))
	}
}

func mergeStates(sets ...map[string]string) map[string]string {
	out := map[string]string{}
	for _, set := range sets {
		for op, state := range set {
			out[op] = state
		}
	}
	return out
}

func closeDB(db *sql.DB) func() {
	return func() { _ = db.Close() }
}

func providerResilience(cfg config.Config) resilience.Config {
	rc := resilience.DefaultConfig()
	rc.RetryMaxAttempts = cfg.RetryMaxAttempts
	rc.RetryInitialBackoff = cfg.RetryInitialBackoff
	rc.RetryMaxBackoff = cfg.RetryMaxBackoff
	rc.BreakerEnabled = cfg.BreakerEnabled
	rc.BreakerOpenTimeout = cfg.BreakerOpenTimeout
	rc.RateLimitRPS = cfg.ProviderRPS
	rc.RateLimitBurst = cfg.ProviderBurst
	return rc
}

// storeResilience is the provider policy without the token bucket.
func storeResilience(cfg config.Config) resilience.Config {
	rc := providerResilience(cfg)
	rc.RateLimitRPS = 0
	return rc
}
