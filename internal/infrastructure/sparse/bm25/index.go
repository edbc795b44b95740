// Package bm25 is an in-process BM25Okapi index over chunk text with
// per-tenant statistics and copy-on-write publication.
package bm25

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
	"github.com/kirillkom/knowledge-retrieval/internal/core/ports"
)

const (
	DefaultK1      = 1.5
	DefaultB       = 0.75
	DefaultEpsilon = 0.25
)

type Options struct {
	K1      float64
	B       float64
	Epsilon float64
	Logger  *slog.Logger
}

type params struct {
	k1      float64
	b       float64
	epsilon float64
}

// generation is an immutable view of the whole index.
type generation struct {
	tenants map[string]*tenantCorpus
	size    int
}

func emptyGeneration() *generation {
	return &generation{tenants: map[string]*tenantCorpus{}}
}

type Index struct {
	store  ports.SnapshotStore
	params params
	logger *slog.Logger

	writeMu sync.Mutex
	current atomic.Pointer[generation]
}

// New returns an empty index. store may be nil, in which case Save and Load are no-ops.
func New(store ports.SnapshotStore, opts Options) *Index {
	p := params{k1: opts.K1, b: opts.B, epsilon: opts.Epsilon}
	if p.k1 <= 0 {
		p.k1 = DefaultK1
	}
	if p.b <= 0 || p.b > 1 {
		p.b = DefaultB
	}
	if p.epsilon <= 0 {
		p.epsilon = DefaultEpsilon
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	idx := &Index{store: store, params: p, logger: logger}
	idx.current.Store(emptyGeneration())
	return idx
}

// Build replaces the whole corpus.
func (x *Index) Build(_ context.Context, chunks []domain.Chunk) error {
	grouped := groupByTenant(chunks)

	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	next := emptyGeneration()
	for tenant, group := range grouped {
		next.tenants[tenant] = newTenantCorpus(group, tokenizeAll(group), x.params)
	}
	x.publish(next)
	return nil
}

// Add appends chunks and recomputes the statistics of every tenant it touches.
// A chunk whose id the tenant already holds replaces the stored copy in place.
func (x *Index) Add(_ context.Context, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	grouped := groupByTenant(chunks)

	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	prev := x.current.Load()
	next := prev.clone()
	for tenant, group := range grouped {
		old := prev.tenants[tenant]
		merged := make([]domain.Chunk, 0, old.len()+len(group))
		tokens := make([][]string, 0, old.len()+len(group))
		if old != nil {
			merged = append(merged, old.chunks...)
			tokens = append(tokens, old.tokens...)
		}
		positions := make(map[string]int, len(merged)+len(group))
		for i, c := range merged {
			positions[c.ID] = i
		}
		for _, c := range group {
			if i, ok := positions[c.ID]; ok {
				merged[i] = c
				tokens[i] = Tokenize(c.Text)
				continue
			}
			positions[c.ID] = len(merged)
			merged = append(merged, c)
			tokens = append(tokens, Tokenize(c.Text))
		}
		next.tenants[tenant] = newTenantCorpus(merged, tokens, x.params)
	}
	x.publish(next)
	return nil
}

// Search scores the tenant's documents only. Non-positive scores are dropped;
// ties keep corpus order.
func (x *Index) Search(ctx context.Context, query string, topK int, tenantID string) ([]domain.ScoredChunk, error) {
	if topK <= 0 {
		return []domain.ScoredChunk{}, nil
	}
	corpus := x.current.Load().tenants[domain.NormalizeTenant(tenantID)]
	if corpus.len() == 0 {
		return []domain.ScoredChunk{}, nil
	}
	terms := Tokenize(query)
	if len(terms) == 0 {
		return []domain.ScoredChunk{}, nil
	}

	type hit struct {
		doc   int
		score float64
	}
	hits := make([]hit, 0, 32)
	for i := range corpus.chunks {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, domain.WrapError(domain.ErrRetrieval, "bm25 search", err)
			}
		}
		if s := corpus.score(i, terms, x.params); s > 0 {
			hits = append(hits, hit{doc: i, score: s})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].score > hits[j].score
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}

	out := make([]domain.ScoredChunk, 0, len(hits))
	for _, h := range hits {
		out = append(out, domain.ScoredChunk{
			Chunk:        corpus.chunks[h.doc],
			LexicalScore: domain.Float(h.score),
		})
	}
	return out, nil
}

// Remove drops every chunk of source owned by tenantID and returns how many were removed.
func (x *Index) Remove(_ context.Context, source, tenantID string) int {
	tenantID = domain.NormalizeTenant(tenantID)

	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	prev := x.current.Load()
	old := prev.tenants[tenantID]
	if old.len() == 0 {
		return 0
	}

	kept := make([]domain.Chunk, 0, old.len())
	tokens := make([][]string, 0, old.len())
	for i, c := range old.chunks {
		if c.Source == source {
			continue
		}
		kept = append(kept, c)
		tokens = append(tokens, old.tokens[i])
	}
	removed := old.len() - len(kept)
	if removed == 0 {
		return 0
	}

	next := prev.clone()
	if len(kept) == 0 {
		delete(next.tenants, tenantID)
	} else {
		next.tenants[tenantID] = newTenantCorpus(kept, tokens, x.params)
	}
	x.publish(next)
	return removed
}

// RemoveTenant drops all of the tenant's chunks.
func (x *Index) RemoveTenant(_ context.Context, tenantID string) int {
	tenantID = domain.NormalizeTenant(tenantID)

	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	prev := x.current.Load()
	removed := prev.tenants[tenantID].len()
	if removed == 0 {
		return 0
	}
	next := prev.clone()
	delete(next.tenants, tenantID)
	x.publish(next)
	return removed
}

func (x *Index) Len() int {
	return x.current.Load().size
}

func (x *Index) IsEmpty() bool {
	return x.Len() == 0
}

// Tenants returns the tenant ids present in the index, sorted.
func (x *Index) Tenants() []string {
	gen := x.current.Load()
	out := make([]string, 0, len(gen.tenants))
	for tenant := range gen.tenants {
		out = append(out, tenant)
	}
	sort.Strings(out)
	return out
}

// publish must be called with writeMu held.
func (x *Index) publish(next *generation) {
	size := 0
	for _, corpus := range next.tenants {
		size += corpus.len()
	}
	next.size = size
	x.current.Store(next)
}

func (g *generation) clone() *generation {
	out := &generation{tenants: make(map[string]*tenantCorpus, len(g.tenants)+1)}
	for tenant, corpus := range g.tenants {
		out.tenants[tenant] = corpus
	}
	return out
}

func groupByTenant(chunks []domain.Chunk) map[string][]domain.Chunk {
	grouped := make(map[string][]domain.Chunk)
	for _, c := range chunks {
		c = c.Normalized()
		grouped[c.TenantID] = append(grouped[c.TenantID], c)
	}
	return grouped
}

func tokenizeAll(chunks []domain.Chunk) [][]string {
	out := make([][]string, len(chunks))
	for i, c := range chunks {
		out[i] = Tokenize(c.Text)
	}
	return out
}
