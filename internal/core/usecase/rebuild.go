package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
	"github.com/kirillkom/knowledge-retrieval/internal/core/ports"
)

// SparseRebuilder replaces the sparse index with the full content of the dense store.
type SparseRebuilder struct {
	dense    *DenseIndex
	sparse   ports.SparseIndex
	logger   *slog.Logger
	observer ports.RetrievalObserver
}

func NewSparseRebuilder(dense *DenseIndex, sparse ports.SparseIndex, opts IndexServiceOptions) *SparseRebuilder {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SparseRebuilder{dense: dense, sparse: sparse, logger: logger, observer: observerOrNoop(opts.Observer)}
}

// Rebuild returns the number of chunks indexed.
func (r *SparseRebuilder) Rebuild(ctx context.Context) (int, error) {
	if r.sparse == nil {
		return 0, domain.WrapError(domain.ErrConfiguration, "rebuild sparse", errors.New("sparse index is disabled"))
	}
	started := time.Now()

	var chunks []domain.Chunk
	err := r.dense.ScrollAll(ctx, func(page []domain.Chunk) error {
		for _, c := range page {
			chunks = append(chunks, c.Normalized())
		}
		return nil
	})
	if err != nil {
		err = fmt.Errorf("rebuild sparse: scroll dense store: %w", err)
		r.observer.ObserveIndex(IndexOpRebuild, 0, err)
		return 0, err
	}

	if err := r.sparse.Build(ctx, chunks); err != nil {
		err = fmt.Errorf("rebuild sparse: build: %w", err)
		r.observer.ObserveIndex(IndexOpRebuild, 0, err)
		return 0, err
	}
	if err := r.sparse.Save(ctx); err != nil {
		err = fmt.Errorf("rebuild sparse: save snapshot: %w", err)
		r.observer.ObserveIndex(IndexOpRebuild, len(chunks), err)
		return len(chunks), err
	}

	r.observer.ObserveIndex(IndexOpRebuild, len(chunks), nil)
	r.logger.Info("sparse_rebuilt", "chunks", len(chunks), "duration_ms", time.Since(started).Milliseconds())
	return len(chunks), nil
}
