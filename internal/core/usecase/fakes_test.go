package usecase

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
	"github.com/kirillkom/knowledge-retrieval/internal/core/ports"
)

type embedderFake struct {
	mu         sync.Mutex
	queries    []string
	docBatches int
	err        error
}

func (f *embedderFake) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docBatches++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{float32(len(text)), 1}
	}
	return out, nil
}

func (f *embedderFake) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, text)
	if f.err != nil {
		return nil, f.err
	}
	return []float32{float32(len(text)), 1}, nil
}

// vectorStoreFake keeps points in insertion order. Query scores come from
// scores, defaulting to 0.5, and honour the filter unless leaky is set.
type vectorStoreFake struct {
	mu          sync.Mutex
	points      map[string]ports.VectorPoint
	order       []string
	scores      map[string]float64
	leaky       bool
	upserts     int
	failUpsert  int
	queryErr    error
	deleteErr   error
	deleteCalls int
}

func newVectorStoreFake() *vectorStoreFake {
	return &vectorStoreFake{points: map[string]ports.VectorPoint{}, scores: map[string]float64{}}
}

func (f *vectorStoreFake) Upsert(_ context.Context, points []ports.VectorPoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	if f.failUpsert > 0 && f.upserts == f.failUpsert {
		return errors.New("upsert failed")
	}
	for _, p := range points {
		if _, ok := f.points[p.Chunk.ID]; !ok {
			f.order = append(f.order, p.Chunk.ID)
		}
		f.points[p.Chunk.ID] = p
	}
	return nil
}

func (f *vectorStoreFake) Query(_ context.Context, _ []float32, filter ports.VectorFilter, limit int, threshold float64) ([]ports.VectorHit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	var hits []ports.VectorHit
	for _, id := range f.order {
		p, ok := f.points[id]
		if !ok || (!f.leaky && !matchesFilter(p.Chunk, filter)) {
			continue
		}
		score, ok := f.scores[id]
		if !ok {
			score = 0.5
		}
		if !f.leaky && score < threshold {
			continue
		}
		hits = append(hits, ports.VectorHit{Chunk: p.Chunk, Score: score})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (f *vectorStoreFake) Scroll(_ context.Context, filter ports.VectorFilter, limit int, offset string) (ports.ScrollPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	start := 0
	if offset != "" {
		start, _ = strconv.Atoi(offset)
	}
	var page ports.ScrollPage
	i := start
	for ; i < len(f.order) && len(page.Chunks) < limit; i++ {
		p, ok := f.points[f.order[i]]
		if ok && matchesFilter(p.Chunk, filter) {
			page.Chunks = append(page.Chunks, p.Chunk)
		}
	}
	if i < len(f.order) {
		page.Next = strconv.Itoa(i)
	}
	return page, nil
}

func (f *vectorStoreFake) Retrieve(_ context.Context, ids []string) ([]domain.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Chunk
	for _, id := range ids {
		if p, ok := f.points[id]; ok {
			out = append(out, p.Chunk)
		}
	}
	return out, nil
}

func (f *vectorStoreFake) Delete(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	if f.deleteErr != nil {
		return f.deleteErr
	}
	for _, id := range ids {
		delete(f.points, id)
	}
	return nil
}

func (f *vectorStoreFake) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.points)
}

func matchesFilter(c domain.Chunk, filter ports.VectorFilter) bool {
	c = c.Normalized()
	if filter.TenantID != "" && c.TenantID != filter.TenantID {
		return false
	}
	if filter.Source != nil && c.Source != *filter.Source {
		return false
	}
	if filter.ChunkIndexMin != nil && c.ChunkIndex < *filter.ChunkIndexMin {
		return false
	}
	if filter.ChunkIndexMax != nil && c.ChunkIndex > *filter.ChunkIndexMax {
		return false
	}
	return true
}

type sparseFake struct {
	mu       sync.Mutex
	results  []domain.ScoredChunk
	err      error
	added    []domain.Chunk
	built    []domain.Chunk
	removed  []string
	saves    int
	saveErr  error
	empty    bool
	searched bool
}

func (f *sparseFake) Build(_ context.Context, chunks []domain.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.built = append([]domain.Chunk(nil), chunks...)
	return nil
}

func (f *sparseFake) Add(_ context.Context, chunks []domain.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, chunks...)
	return nil
}

func (f *sparseFake) Search(_ context.Context, _ string, topK int, _ string) ([]domain.ScoredChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searched = true
	if f.err != nil {
		return nil, f.err
	}
	out := f.results
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (f *sparseFake) Remove(_ context.Context, source, tenantID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, tenantID+"/"+source)
	return 1
}

func (f *sparseFake) RemoveTenant(_ context.Context, tenantID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, tenantID+"/*")
	return 1
}

func (f *sparseFake) Save(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	return f.saveErr
}

func (f *sparseFake) IsEmpty() bool { return f.empty }
func (f *sparseFake) Len() int      { return len(f.built) + len(f.added) }

type rerankFake struct {
	results []ports.RerankResult
	err     error
	block   bool
	calls   int
}

func (f *rerankFake) Rerank(ctx context.Context, _ string, _ []string, _ int) ([]ports.RerankResult, error) {
	f.calls++
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.results, f.err
}

func testChunk(id, tenant, source string, index, total int, text string) domain.Chunk {
	return domain.Chunk{
		ID:          id,
		Text:        text,
		TenantID:    tenant,
		Source:      source,
		ChunkIndex:  index,
		TotalChunks: total,
	}
}

func newTestDenseIndex(t *testing.T, store *vectorStoreFake, opts DenseOptions) *DenseIndex {
	t.Helper()
	idx, err := NewDenseIndex(&embedderFake{}, store, opts)
	if err != nil {
		t.Fatalf("NewDenseIndex() error = %v", err)
	}
	return idx
}
