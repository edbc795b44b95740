package usecase

import (
	"context"
	"log/slog"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
	"github.com/kirillkom/knowledge-retrieval/internal/core/ports"
)

type RetrieveOptions struct {
	DefaultTopK      int
	DefaultThreshold float64
	// RerankCandidates multiplies top_k for the candidate pool handed to the reranker.
	RerankCandidates int
	Logger           *slog.Logger
}

// RetrievalService routes a query and runs the retrieval its intent asks for.
type RetrievalService struct {
	router   ports.QueryClassifier
	searcher ports.Searcher
	sources  ports.SourceBrowser
	reranker *Reranker
	opts     RetrieveOptions
	logger   *slog.Logger
}

func NewRetrievalService(router ports.QueryClassifier, searcher ports.Searcher, sources ports.SourceBrowser, reranker *Reranker, opts RetrieveOptions) *RetrievalService {
	if opts.DefaultTopK <= 0 {
		opts.DefaultTopK = 5
	}
	if opts.RerankCandidates <= 1 {
		opts.RerankCandidates = 3
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RetrievalService{
		router:   router,
		searcher: searcher,
		sources:  sources,
		reranker: reranker,
		opts:     opts,
		logger:   logger,
	}
}

// PlanFor maps an intent to retrieval parameters. Summaries and comparisons
// read twice as many chunks; only META lists sources.
func PlanFor(intent domain.Intent, topK int) domain.RetrievalPlan {
	switch intent {
	case domain.IntentKnowledge, domain.IntentFollowUp:
		return domain.RetrievalPlan{Search: true, TopK: topK, Rerank: true}
	case domain.IntentSummary:
		return domain.RetrievalPlan{Search: true, TopK: topK * 2}
	case domain.IntentComparison:
		return domain.RetrievalPlan{Search: true, TopK: topK * 2, Rerank: true}
	case domain.IntentMeta:
		return domain.RetrievalPlan{ListSources: true}
	default:
		return domain.RetrievalPlan{}
	}
}

func (s *RetrievalService) Retrieve(ctx context.Context, req domain.RetrieveRequest) (domain.RetrieveResult, error) {
	tenantID := domain.NormalizeTenant(req.TenantID)
	decision := s.router.Classify(ctx, req.Query, req.History)
	query := decision.QueryFor(req.Query)

	topK := req.TopK
	if topK <= 0 {
		topK = s.opts.DefaultTopK
	}
	threshold := s.opts.DefaultThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	plan := PlanFor(decision.Intent, topK)
	result := domain.RetrieveResult{Decision: decision, Query: query, Chunks: []domain.ScoredChunk{}}

	if plan.ListSources && s.sources != nil {
		sources, err := s.sources.ListSources(ctx, tenantID)
		if err != nil {
			return result, err
		}
		result.Sources = sources
	}
	if !plan.Search {
		return result, nil
	}

	rerank := plan.Rerank && s.reranker.IsAvailable()
	fetch := plan.TopK
	if rerank {
		fetch = plan.TopK * s.opts.RerankCandidates
	}
	chunks, err := s.searcher.Search(ctx, domain.SearchRequest{
		Query:     query,
		TenantID:  tenantID,
		TopK:      fetch,
		Threshold: threshold,
		Source:    req.Source,
	})
	if err != nil {
		return result, err
	}

	if rerank && len(chunks) > 0 {
		chunks = s.reranker.Rerank(ctx, query, chunks, plan.TopK)
		result.Reranked = len(chunks) > 0 && chunks[0].RerankScore != nil
	}
	result.Chunks = trimCandidates(chunks, plan.TopK)

	s.logger.Debug("retrieve_completed",
		"intent", decision.Intent,
		"path", decision.Path,
		"rewritten", decision.ResolvedQuery != nil,
		"chunks", len(result.Chunks),
		"reranked", result.Reranked,
	)
	return result, nil
}
