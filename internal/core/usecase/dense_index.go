package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
	"github.com/kirillkom/knowledge-retrieval/internal/core/ports"
)

type DenseOptions struct {
	EmbedBatchSize  int
	UpsertBatchSize int
	DeleteBatchSize int
	ScrollPageSize  int
	EmbedTimeout    time.Duration
	SearchTimeout   time.Duration
}

func (o DenseOptions) normalize() DenseOptions {
	if o.EmbedBatchSize <= 0 {
		o.EmbedBatchSize = 64
	}
	if o.UpsertBatchSize <= 0 {
		o.UpsertBatchSize = 100
	}
	if o.DeleteBatchSize <= 0 {
		o.DeleteBatchSize = 100
	}
	if o.ScrollPageSize <= 0 {
		o.ScrollPageSize = 256
	}
	return o
}

// DenseIndex is semantic search over the vector store, scoped by tenant.
type DenseIndex struct {
	embedder ports.Embedder
	store    ports.VectorStore
	opts     DenseOptions
}

func NewDenseIndex(embedder ports.Embedder, store ports.VectorStore, opts DenseOptions) (*DenseIndex, error) {
	if embedder == nil {
		return nil, domain.WrapError(domain.ErrConfiguration, "dense index", errors.New("embedder is not configured"))
	}
	if store == nil {
		return nil, domain.WrapError(domain.ErrConfiguration, "dense index", errors.New("vector store is not configured"))
	}
	return &DenseIndex{embedder: embedder, store: store, opts: opts.normalize()}, nil
}

// EmbedDocuments embeds texts in provider-sized batches.
func (d *DenseIndex) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += d.opts.EmbedBatchSize {
		end := min(start+d.opts.EmbedBatchSize, len(texts))

		callCtx, cancel := withTimeout(ctx, d.opts.EmbedTimeout)
		vectors, err := d.embedder.EmbedDocuments(callCtx, texts[start:end])
		cancel()
		if err != nil {
			return nil, fmt.Errorf("embed documents %d-%d: %w", start, end, err)
		}
		if len(vectors) != end-start {
			return nil, fmt.Errorf("embed documents %d-%d: got %d vectors", start, end, len(vectors))
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (d *DenseIndex) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	callCtx, cancel := withTimeout(ctx, d.opts.EmbedTimeout)
	defer cancel()
	return d.embedder.EmbedQuery(callCtx, text)
}

// Index embeds and upserts chunks batch by batch. A failing batch stops the
// call with a PartialBatchError that lists what was already written.
func (d *DenseIndex) Index(ctx context.Context, chunks []domain.Chunk) ([]string, error) {
	if len(chunks) == 0 {
		return []string{}, nil
	}
	prepared := prepareChunks(chunks)
	if err := domain.ValidateBatch(prepared); err != nil {
		return nil, err
	}

	applied := make([]string, 0, len(prepared))
	for start := 0; start < len(prepared); start += d.opts.UpsertBatchSize {
		end := min(start+d.opts.UpsertBatchSize, len(prepared))
		batch := prepared[start:end]

		if err := d.indexBatch(ctx, batch); err != nil {
			return applied, &domain.PartialBatchError{
				Operation:  "dense index",
				Applied:    len(applied),
				Total:      len(prepared),
				AppliedIDs: applied,
				Err:        err,
			}
		}
		for _, c := range batch {
			applied = append(applied, c.ID)
		}
	}
	return applied, nil
}

func (d *DenseIndex) indexBatch(ctx context.Context, batch []domain.Chunk) error {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}
	vectors, err := d.EmbedDocuments(ctx, texts)
	if err != nil {
		return err
	}

	points := make([]ports.VectorPoint, len(batch))
	for i, c := range batch {
		points[i] = ports.VectorPoint{Chunk: c, Vector: vectors[i]}
	}

	callCtx, cancel := withTimeout(ctx, d.opts.SearchTimeout)
	defer cancel()
	if err := d.store.Upsert(callCtx, points); err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}

// Search embeds the query and returns the tenant's chunks scoring at least threshold.
func (d *DenseIndex) Search(ctx context.Context, query, tenantID string, topK int, threshold float64, source *string) ([]domain.ScoredChunk, error) {
	if topK <= 0 || strings.TrimSpace(query) == "" {
		return []domain.ScoredChunk{}, nil
	}
	tenantID = domain.NormalizeTenant(tenantID)

	vector, err := d.EmbedQuery(ctx, query)
	if err != nil {
		return nil, domain.WrapError(domain.ErrRetrieval, "dense search: embed query", err)
	}

	callCtx, cancel := withTimeout(ctx, d.opts.SearchTimeout)
	defer cancel()
	hits, err := d.store.Query(callCtx, vector, ports.VectorFilter{TenantID: tenantID, Source: source}, topK, threshold)
	if err != nil {
		return nil, domain.WrapError(domain.ErrRetrieval, "dense search: query", err)
	}

	out := make([]domain.ScoredChunk, 0, len(hits))
	for _, hit := range hits {
		c := hit.Chunk.Normalized()
		if c.TenantID != tenantID || hit.Score < threshold {
			continue
		}
		if source != nil && c.Source != *source {
			continue
		}
		out = append(out, domain.ScoredChunk{Chunk: c, Similarity: domain.Float(hit.Score)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return *out[i].Similarity > *out[j].Similarity
	})
	return trimCandidates(out, topK), nil
}

// Remove deletes every chunk of source owned by tenantID and returns how many were deleted.
func (d *DenseIndex) Remove(ctx context.Context, source, tenantID string) (int, error) {
	return d.removeMatching(ctx, ports.VectorFilter{TenantID: domain.NormalizeTenant(tenantID), Source: &source}, "dense remove source")
}

func (d *DenseIndex) RemoveTenant(ctx context.Context, tenantID string) (int, error) {
	return d.removeMatching(ctx, ports.VectorFilter{TenantID: domain.NormalizeTenant(tenantID)}, "dense remove tenant")
}

// removeMatching lists ids first, since the store has no delete-by-filter, then deletes in batches.
func (d *DenseIndex) removeMatching(ctx context.Context, filter ports.VectorFilter, operation string) (int, error) {
	var ids []string
	err := d.scroll(ctx, filter, func(chunks []domain.Chunk) error {
		for _, c := range chunks {
			if domain.NormalizeTenant(c.TenantID) != filter.TenantID {
				continue
			}
			ids = append(ids, c.ID)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%s: list ids: %w", operation, err)
	}

	deleted := 0
	for start := 0; start < len(ids); start += d.opts.DeleteBatchSize {
		end := min(start+d.opts.DeleteBatchSize, len(ids))
		callCtx, cancel := withTimeout(ctx, d.opts.SearchTimeout)
		err := d.store.Delete(callCtx, ids[start:end])
		cancel()
		if err != nil {
			return deleted, &domain.PartialBatchError{
				Operation:  operation,
				Applied:    deleted,
				Total:      len(ids),
				AppliedIDs: ids[:deleted],
				Err:        err,
			}
		}
		deleted = end
	}
	return deleted, nil
}

// ListSources summarizes the tenant's sources, sorted by name.
func (d *DenseIndex) ListSources(ctx context.Context, tenantID string) ([]domain.SourceInfo, error) {
	tenantID = domain.NormalizeTenant(tenantID)
	bySource := make(map[string]*domain.SourceInfo)
	err := d.scroll(ctx, ports.VectorFilter{TenantID: tenantID}, func(chunks []domain.Chunk) error {
		for _, raw := range chunks {
			c := raw.Normalized()
			if c.TenantID != tenantID {
				continue
			}
			info, ok := bySource[c.Source]
			if !ok {
				info = &domain.SourceInfo{Source: c.Source, SourceType: c.SourceType}
				bySource[c.Source] = info
			}
			info.ChunkCount++
		}
		return nil
	})
	if err != nil {
		return nil, domain.WrapError(domain.ErrRetrieval, "list sources", err)
	}

	out := make([]domain.SourceInfo, 0, len(bySource))
	for _, info := range bySource {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out, nil
}

// ChunksBySource returns the tenant's chunks of one source ordered by ChunkIndex.
func (d *DenseIndex) ChunksBySource(ctx context.Context, source, tenantID string) ([]domain.ScoredChunk, error) {
	tenantID = domain.NormalizeTenant(tenantID)
	chunks, err := d.collect(ctx, ports.VectorFilter{TenantID: tenantID, Source: &source})
	if err != nil {
		return nil, domain.WrapError(domain.ErrRetrieval, "chunks by source", err)
	}
	return chunks, nil
}

// ChunkWithContext returns the chunk plus up to size neighbours on each side.
func (d *DenseIndex) ChunkWithContext(ctx context.Context, chunkID, tenantID string, size int) (domain.ChunkWindow, error) {
	tenantID = domain.NormalizeTenant(tenantID)
	if size < 0 {
		size = 0
	}

	callCtx, cancel := withTimeout(ctx, d.opts.SearchTimeout)
	found, err := d.store.Retrieve(callCtx, []string{chunkID})
	cancel()
	if err != nil {
		return domain.ChunkWindow{}, domain.WrapError(domain.ErrRetrieval, "chunk with context", err)
	}

	var target *domain.Chunk
	for i := range found {
		c := found[i].Normalized()
		if c.ID == chunkID && c.TenantID == tenantID {
			target = &c
			break
		}
	}
	if target == nil {
		return domain.ChunkWindow{}, domain.WrapError(domain.ErrNotFound, "chunk with context", fmt.Errorf("chunk %q", chunkID))
	}

	lo, hi := max(target.ChunkIndex-size, 0), target.ChunkIndex+size
	window, err := d.collect(ctx, ports.VectorFilter{
		TenantID:      tenantID,
		Source:        &target.Source,
		ChunkIndexMin: &lo,
		ChunkIndexMax: &hi,
	})
	if err != nil {
		return domain.ChunkWindow{}, domain.WrapError(domain.ErrRetrieval, "chunk with context", err)
	}
	if len(window) == 0 {
		window = []domain.ScoredChunk{{Chunk: *target}}
	}
	return domain.ChunkWindow{Target: domain.ScoredChunk{Chunk: *target}, Chunks: window}, nil
}

// ScrollAll visits every stored chunk of every tenant page by page.
func (d *DenseIndex) ScrollAll(ctx context.Context, fn func([]domain.Chunk) error) error {
	return d.scroll(ctx, ports.VectorFilter{}, fn)
}

func (d *DenseIndex) collect(ctx context.Context, filter ports.VectorFilter) ([]domain.ScoredChunk, error) {
	var out []domain.ScoredChunk
	err := d.scroll(ctx, filter, func(chunks []domain.Chunk) error {
		for _, raw := range chunks {
			c := raw.Normalized()
			if c.TenantID != filter.TenantID {
				continue
			}
			if filter.Source != nil && c.Source != *filter.Source {
				continue
			}
			out = append(out, domain.ScoredChunk{Chunk: c})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	if out == nil {
		out = []domain.ScoredChunk{}
	}
	return out, nil
}

func (d *DenseIndex) scroll(ctx context.Context, filter ports.VectorFilter, fn func([]domain.Chunk) error) error {
	offset := ""
	for {
		callCtx, cancel := withTimeout(ctx, d.opts.SearchTimeout)
		page, err := d.store.Scroll(callCtx, filter, d.opts.ScrollPageSize, offset)
		cancel()
		if err != nil {
			return err
		}
		if len(page.Chunks) > 0 {
			if err := fn(page.Chunks); err != nil {
				return err
			}
		}
		if page.Next == "" || page.Next == offset {
			return nil
		}
		offset = page.Next
	}
}

// prepareChunks normalizes chunks and assigns ids to those without one.
func prepareChunks(chunks []domain.Chunk) []domain.Chunk {
	out := make([]domain.Chunk, len(chunks))
	for i, c := range chunks {
		c = c.Normalized()
		if strings.TrimSpace(c.ID) == "" {
			c.ID = uuid.NewString()
		}
		out[i] = c
	}
	return out
}
