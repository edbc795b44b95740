package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
	"github.com/kirillkom/knowledge-retrieval/internal/core/ports"
)

type RerankOptions struct {
	Timeout  time.Duration
	Logger   *slog.Logger
	Observer ports.RetrievalObserver
}

// Reranker reorders fused candidates with a relevance provider. It is optional:
// without a provider, or on any provider failure, it returns the input head unchanged.
type Reranker struct {
	provider ports.RerankProvider
	timeout  time.Duration
	logger   *slog.Logger
	observer ports.RetrievalObserver
}

func NewReranker(provider ports.RerankProvider, opts RerankOptions) *Reranker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reranker{
		provider: provider,
		timeout:  opts.Timeout,
		logger:   logger,
		observer: observerOrNoop(opts.Observer),
	}
}

func (r *Reranker) IsAvailable() bool {
	return r != nil && r.provider != nil
}

// Rerank never fails. Fallback results are the first topK documents in input order without RerankScore.
func (r *Reranker) Rerank(ctx context.Context, query string, docs []domain.ScoredChunk, topK int) []domain.ScoredChunk {
	if topK <= 0 || topK > len(docs) {
		topK = len(docs)
	}
	if len(docs) == 0 {
		return []domain.ScoredChunk{}
	}
	if !r.IsAvailable() {
		r.observer.ObserveRerank(RerankSkipped)
		return fallbackHead(docs, topK)
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
	}

	callCtx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	results, err := r.provider.Rerank(callCtx, query, texts, topK)
	if err == nil {
		err = validateRerankResults(results, len(docs), topK)
	}
	if err != nil {
		r.logger.Warn("rerank_fallback", "error", err, "documents", len(docs), "top_k", topK)
		r.observer.ObserveRerank(RerankFallback)
		return fallbackHead(docs, topK)
	}

	out := make([]domain.ScoredChunk, 0, len(results))
	for _, res := range results {
		chunk := docs[res.Index]
		chunk.RerankScore = domain.Float(res.Score)
		out = append(out, chunk)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return *out[i].RerankScore > *out[j].RerankScore
	})
	r.observer.ObserveRerank(RerankApplied)
	return out
}

func validateRerankResults(results []ports.RerankResult, docs, topK int) error {
	if len(results) == 0 {
		return fmt.Errorf("empty rerank response for %d documents", docs)
	}
	if len(results) > topK {
		return fmt.Errorf("rerank returned %d results, asked for %d", len(results), topK)
	}
	seen := make(map[int]struct{}, len(results))
	for _, res := range results {
		if res.Index < 0 || res.Index >= docs {
			return fmt.Errorf("rerank index %d out of range [0,%d)", res.Index, docs)
		}
		if _, dup := seen[res.Index]; dup {
			return fmt.Errorf("rerank index %d returned twice", res.Index)
		}
		seen[res.Index] = struct{}{}
	}
	return nil
}

func fallbackHead(docs []domain.ScoredChunk, topK int) []domain.ScoredChunk {
	out := make([]domain.ScoredChunk, topK)
	copy(out, docs[:topK])
	for i := range out {
		out[i].RerankScore = nil
	}
	return out
}
