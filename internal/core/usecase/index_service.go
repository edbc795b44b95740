package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
	"github.com/kirillkom/knowledge-retrieval/internal/core/ports"
)

const (
	IndexOpIndex        = "index"
	IndexOpRemove       = "remove"
	IndexOpRemoveTenant = "remove_tenant"
	IndexOpRebuild      = "rebuild"
)

type IndexServiceOptions struct {
	Logger   *slog.Logger
	Observer ports.RetrievalObserver
}

// IndexService keeps the dense and sparse indices in step. The two writes are
// not atomic: a dense failure leaves only the applied prefix in both indices.
type IndexService struct {
	dense    *DenseIndex
	sparse   ports.SparseIndex
	logger   *slog.Logger
	observer ports.RetrievalObserver
}

// NewIndexService accepts a nil sparse index for dense-only deployments.
func NewIndexService(dense *DenseIndex, sparse ports.SparseIndex, opts IndexServiceOptions) *IndexService {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &IndexService{
		dense:    dense,
		sparse:   sparse,
		logger:   logger,
		observer: observerOrNoop(opts.Observer),
	}
}

func (s *IndexService) Index(ctx context.Context, chunks []domain.Chunk) ([]string, error) {
	if len(chunks) == 0 {
		return []string{}, nil
	}
	prepared := prepareChunks(chunks)
	if err := domain.ValidateBatch(prepared); err != nil {
		s.observer.ObserveIndex(IndexOpIndex, 0, err)
		return nil, err
	}

	applied, denseErr := s.dense.Index(ctx, prepared)
	if len(applied) > 0 && s.sparse != nil {
		if err := s.sparse.Add(ctx, appliedChunks(prepared, applied)); err != nil {
			denseErr = errors.Join(denseErr, fmt.Errorf("sparse add: %w", err))
		} else {
			s.saveSparse(ctx)
		}
	}

	s.observer.ObserveIndex(IndexOpIndex, len(applied), denseErr)
	if denseErr != nil {
		s.logger.Error("index_failed", "chunks", len(prepared), "applied", len(applied), "error", denseErr)
		return applied, denseErr
	}
	s.logger.Info("index_completed", "chunks", len(applied))
	return applied, nil
}

// Remove deletes a tenant's source from both indices. The dense count is returned.
func (s *IndexService) Remove(ctx context.Context, source, tenantID string) (int, error) {
	tenantID = domain.NormalizeTenant(tenantID)
	removed, denseErr := s.dense.Remove(ctx, source, tenantID)
	sparseRemoved := 0
	if s.sparse != nil {
		sparseRemoved = s.sparse.Remove(ctx, source, tenantID)
		if sparseRemoved > 0 {
			s.saveSparse(ctx)
		}
	}

	s.observer.ObserveIndex(IndexOpRemove, removed, denseErr)
	if denseErr != nil {
		return removed, denseErr
	}
	s.logger.Info("source_removed", "source", source, "tenant_id", tenantID, "dense", removed, "sparse", sparseRemoved)
	return removed, nil
}

func (s *IndexService) RemoveTenant(ctx context.Context, tenantID string) (int, error) {
	tenantID = domain.NormalizeTenant(tenantID)
	removed, denseErr := s.dense.RemoveTenant(ctx, tenantID)
	sparseRemoved := 0
	if s.sparse != nil {
		sparseRemoved = s.sparse.RemoveTenant(ctx, tenantID)
		if sparseRemoved > 0 {
			s.saveSparse(ctx)
		}
	}

	s.observer.ObserveIndex(IndexOpRemoveTenant, removed, denseErr)
	if denseErr != nil {
		return removed, denseErr
	}
	s.logger.Info("tenant_removed", "tenant_id", tenantID, "dense", removed, "sparse", sparseRemoved)
	return removed, nil
}

// HandleIndex and HandleRemove consume queued maintenance commands.
func (s *IndexService) HandleIndex(ctx context.Context, cmd domain.IndexCommand) error {
	_, err := s.Index(ctx, cmd.Chunks)
	return err
}

func (s *IndexService) HandleRemove(ctx context.Context, cmd domain.RemoveCommand) error {
	if cmd.Source == "" {
		_, err := s.RemoveTenant(ctx, cmd.TenantID)
		return err
	}
	_, err := s.Remove(ctx, cmd.Source, cmd.TenantID)
	return err
}

// saveSparse logs snapshot failures; the in-memory index stays authoritative
// and can be rebuilt from the dense store.
func (s *IndexService) saveSparse(ctx context.Context) {
	if err := s.sparse.Save(ctx); err != nil {
		s.logger.Warn("sparse_snapshot_save_failed", "error", err)
	}
}

func appliedChunks(chunks []domain.Chunk, ids []string) []domain.Chunk {
	if len(ids) == len(chunks) {
		return chunks
	}
	keep := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		keep[id] = struct{}{}
	}
	out := make([]domain.Chunk, 0, len(ids))
	for _, c := range chunks {
		if _, ok := keep[c.ID]; ok {
			out = append(out, c)
		}
	}
	return out
}
