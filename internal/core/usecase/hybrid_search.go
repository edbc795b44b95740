package usecase

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
	"github.com/kirillkom/knowledge-retrieval/internal/core/ports"
)

const (
	SearchModeHybrid    = "hybrid"
	SearchModeDenseOnly = "dense_only"
)

type HybridOptions struct {
	Enabled       bool
	RRFK          int
	DenseWeight   float64
	SparseWeight  float64
	SearchTimeout time.Duration
	Observer      ports.RetrievalObserver
}

// HybridRetriever fuses dense and sparse rankings with RRF.
type HybridRetriever struct {
	dense    *DenseIndex
	sparse   ports.SparseIndex
	opts     HybridOptions
	observer ports.RetrievalObserver
}

// NewHybridRetriever searches dense only when sparse is nil, opts.Enabled is
// false or SparseWeight is zero. Two zero weights mean equal weighting; a
// negative weight is treated as zero.
func NewHybridRetriever(dense *DenseIndex, sparse ports.SparseIndex, opts HybridOptions) *HybridRetriever {
	opts.DenseWeight = max(opts.DenseWeight, 0)
	opts.SparseWeight = max(opts.SparseWeight, 0)
	if opts.DenseWeight == 0 && opts.SparseWeight == 0 {
		opts.DenseWeight, opts.SparseWeight = 1, 1
	}
	if opts.RRFK <= 0 {
		opts.RRFK = DefaultRRFK
	}
	return &HybridRetriever{
		dense:    dense,
		sparse:   sparse,
		opts:     opts,
		observer: observerOrNoop(opts.Observer),
	}
}

func (r *HybridRetriever) Search(ctx context.Context, req domain.SearchRequest) ([]domain.ScoredChunk, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	req.TenantID = domain.NormalizeTenant(req.TenantID)

	started := time.Now()
	mode := SearchModeHybrid
	if !r.opts.Enabled || r.sparse == nil || r.opts.SparseWeight == 0 || r.sparse.IsEmpty() {
		mode = SearchModeDenseOnly
	}

	results, err := r.search(ctx, req, mode)
	r.observer.ObserveSearch(mode, time.Since(started), len(results), err)
	return results, err
}

func (r *HybridRetriever) search(ctx context.Context, req domain.SearchRequest, mode string) ([]domain.ScoredChunk, error) {
	ctx, cancel := withTimeout(ctx, r.opts.SearchTimeout)
	defer cancel()

	if mode == SearchModeDenseOnly {
		return r.dense.Search(ctx, req.Query, req.TenantID, req.TopK, req.Threshold, req.Source)
	}

	candidates := req.TopK * 2

	var denseResults, sparseResults []domain.ScoredChunk
	g, gctx := errgroup.WithContext(ctx)
	if r.opts.DenseWeight > 0 {
		g.Go(func() error {
			var err error
			denseResults, err = r.dense.Search(gctx, req.Query, req.TenantID, candidates, req.Threshold, req.Source)
			return err
		})
	}
	g.Go(func() error {
		results, err := r.sparse.Search(gctx, req.Query, candidates, req.TenantID)
		if err != nil {
			return domain.WrapError(domain.ErrRetrieval, "sparse search", err)
		}
		sparseResults = filterSource(results, req.Source)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fused := FuseRRF([]RankedList{
		{Weight: r.opts.DenseWeight, Items: denseResults},
		{Weight: r.opts.SparseWeight, Items: sparseResults},
	}, r.opts.RRFK)
	return trimCandidates(fused, req.TopK), nil
}

// filterSource applies the optional source restriction the sparse index does not know about.
func filterSource(chunks []domain.ScoredChunk, source *string) []domain.ScoredChunk {
	if source == nil {
		return chunks
	}
	out := make([]domain.ScoredChunk, 0, len(chunks))
	for _, c := range chunks {
		if c.Source == *source {
			out = append(out, c)
		}
	}
	return out
}
