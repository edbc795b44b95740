package bm25

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sync"
	"testing"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
)

type memStore struct {
	mu   sync.Mutex
	data []byte
	err  error
}

func (s *memStore) Read(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.data == nil {
		return nil, domain.WrapError(domain.ErrNotFound, "read snapshot", errors.New("absent"))
	}
	return append([]byte(nil), s.data...), nil
}

func (s *memStore) Write(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append([]byte(nil), data...)
	return nil
}

func chunk(id, tenant, source, text string) domain.Chunk {
	return domain.Chunk{ID: id, TenantID: tenant, Source: source, Text: text, TotalChunks: 1}
}

func ids(results []domain.ScoredChunk) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.ID)
	}
	return out
}

func TestTokenize(t *testing.T) {
	got := Tokenize("Hello, World! a b2 Go-lang x_y 3 Über")
	want := []string{"hello", "world", "b2", "go", "lang", "x_y", "über"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Tokenize() = %v, want %v", got, want)
	}
	if got := Tokenize("  . , a "); len(got) != 0 {
		t.Fatalf("expected no tokens, got %v", got)
	}
}

func TestSearchScoresBM25Okapi(t *testing.T) {
	idx := New(nil, Options{})
	err := idx.Build(context.Background(), []domain.Chunk{
		chunk("a", "t1", "s1", "golang concurrency patterns"),
		chunk("b", "t1", "s1", "python data science"),
		chunk("c", "t1", "s2", "rust memory safety"),
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	results, err := idx.Search(context.Background(), "golang", 10, "t1")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 1 || results[0].ID != "a" {
		t.Fatalf("unexpected results %v", ids(results))
	}
	want := math.Log(2.5) - math.Log(1.5)
	if got := *results[0].LexicalScore; math.Abs(got-want) > 1e-9 {
		t.Fatalf("score = %v, want %v", got, want)
	}
	if results[0].Stage() != domain.StageLexical {
		t.Fatalf("expected lexical stage, got %q", results[0].Stage())
	}
}

func TestSearchExcludesNonPositiveAndHonoursTopK(t *testing.T) {
	idx := New(nil, Options{})
	_ = idx.Build(context.Background(), []domain.Chunk{
		chunk("a", "t1", "s", "retrieval fusion ranking"),
		chunk("b", "t1", "s", "retrieval fusion"),
		chunk("c", "t1", "s", "retrieval"),
		chunk("d", "t1", "s", "unrelated words here"),
		chunk("e", "t1", "s", "another unrelated note"),
	})

	results, _ := idx.Search(context.Background(), "fusion ranking", 10, "t1")
	if got := ids(results); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("unexpected ranking %v", got)
	}
	for _, r := range results {
		if *r.LexicalScore <= 0 {
			t.Fatalf("non-positive score returned for %s", r.ID)
		}
	}

	top, _ := idx.Search(context.Background(), "fusion ranking", 1, "t1")
	if len(top) != 1 || top[0].ID != "a" {
		t.Fatalf("top-1 = %v", ids(top))
	}

	none, err := idx.Search(context.Background(), "nothing matches", 5, "t1")
	if err != nil || len(none) != 0 {
		t.Fatalf("expected empty result without error, got %v %v", ids(none), err)
	}
}

func TestTenantIsolation(t *testing.T) {
	idx := New(nil, Options{})
	_ = idx.Build(context.Background(), []domain.Chunk{
		chunk("a1", "alice", "notes", "kubernetes operators explained"),
		chunk("a2", "alice", "notes", "baking sourdough bread"),
		chunk("a3", "alice", "notes", "garden planning"),
	})
	before, _ := idx.Search(context.Background(), "kubernetes", 5, "alice")

	_ = idx.Add(context.Background(), []domain.Chunk{
		chunk("b1", "bob", "ops", "kubernetes kubernetes kubernetes"),
		chunk("b2", "bob", "ops", "kubernetes networking"),
	})

	after, _ := idx.Search(context.Background(), "kubernetes", 5, "alice")
	if !reflect.DeepEqual(ids(after), []string{"a1"}) {
		t.Fatalf("alice sees %v", ids(after))
	}
	if *before[0].LexicalScore != *after[0].LexicalScore {
		t.Fatalf("another tenant changed alice's score: %v -> %v", *before[0].LexicalScore, *after[0].LexicalScore)
	}
	for _, r := range after {
		if r.TenantID != "alice" {
			t.Fatalf("leaked chunk %s of tenant %s", r.ID, r.TenantID)
		}
	}

	if got, _ := idx.Search(context.Background(), "kubernetes", 5, "carol"); len(got) != 0 {
		t.Fatalf("unknown tenant must see nothing, got %v", ids(got))
	}
}

func TestEmptyTenantMapsToDefault(t *testing.T) {
	idx := New(nil, Options{})
	_ = idx.Add(context.Background(), []domain.Chunk{
		chunk("a", "", "s", "vector database"),
		chunk("b", "", "s", "relational database"),
		chunk("c", "", "s", "message broker"),
	})
	got, _ := idx.Search(context.Background(), "vector", 5, domain.NoTenant)
	if !reflect.DeepEqual(ids(got), []string{"a"}) {
		t.Fatalf("unexpected %v", ids(got))
	}
	if got[0].TenantID != domain.NoTenant {
		t.Fatalf("tenant = %q", got[0].TenantID)
	}
}

func TestRemoveBySource(t *testing.T) {
	ctx := context.Background()
	idx := New(nil, Options{})
	_ = idx.Build(ctx, []domain.Chunk{
		chunk("d1-0", "t", "doc1", "alpha search engine"),
		chunk("d1-1", "t", "doc1", "alpha ranking"),
		chunk("d2-0", "t", "doc2", "alpha fusion"),
		chunk("d3-0", "t", "doc3", "beta gamma"),
		chunk("o1", "other", "doc1", "alpha other tenant"),
		chunk("o2", "other", "doc9", "delta"),
		chunk("o3", "other", "doc8", "epsilon"),
	})

	if removed := idx.Remove(ctx, "doc1", "t"); removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	if removed := idx.Remove(ctx, "doc1", "t"); removed != 0 {
		t.Fatalf("second removal = %d, want 0", removed)
	}

	got, _ := idx.Search(ctx, "alpha", 10, "t")
	for _, r := range got {
		if r.Source == "doc1" {
			t.Fatalf("removed source still searchable: %s", r.ID)
		}
	}
	other, _ := idx.Search(ctx, "alpha", 10, "other")
	if !reflect.DeepEqual(ids(other), []string{"o1"}) {
		t.Fatalf("other tenant affected: %v", ids(other))
	}
	if idx.Len() != 5 {
		t.Fatalf("Len() = %d, want 5", idx.Len())
	}

	if removed := idx.RemoveTenant(ctx, "other"); removed != 3 {
		t.Fatalf("RemoveTenant() = %d", removed)
	}
	if !reflect.DeepEqual(idx.Tenants(), []string{"t"}) {
		t.Fatalf("Tenants() = %v", idx.Tenants())
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	page := 3

	idx := New(store, Options{})
	c := chunk("a", "t", "book.pdf", "sparse lexical retrieval")
	c.Page = &page
	c.SourceType = "pdf"
	_ = idx.Build(ctx, []domain.Chunk{c, chunk("b", "t", "s", "dense vectors"), chunk("c", "t", "s", "hybrid fusion")})
	if err := idx.Save(ctx); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	restored := New(store, Options{})
	ok, err := restored.Load(ctx)
	if err != nil || !ok {
		t.Fatalf("Load() = %v, %v", ok, err)
	}
	want, _ := idx.Search(ctx, "lexical", 5, "t")
	got, _ := restored.Search(ctx, "lexical", 5, "t")
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("restored results differ: %+v vs %+v", got, want)
	}
	if got[0].Page == nil || *got[0].Page != 3 || got[0].SourceType != "pdf" {
		t.Fatalf("metadata lost: %+v", got[0].Chunk)
	}
}

func TestLoadMissingOrCorruptSnapshot(t *testing.T) {
	ctx := context.Background()

	idx := New(&memStore{}, Options{})
	ok, err := idx.Load(ctx)
	if ok || err != nil {
		t.Fatalf("missing snapshot: Load() = %v, %v", ok, err)
	}

	corrupt := &memStore{data: []byte("KRBM25\x01not zstd at all")}
	idx = New(corrupt, Options{})
	_ = idx.Add(ctx, []domain.Chunk{chunk("a", "t", "s", "stale data")})
	ok, err = idx.Load(ctx)
	if ok || err != nil {
		t.Fatalf("corrupt snapshot: Load() = %v, %v", ok, err)
	}
	if !idx.IsEmpty() {
		t.Fatalf("index must be empty after a corrupt load")
	}

	failing := &memStore{err: errors.New("disk on fire")}
	if _, err := New(failing, Options{}).Load(ctx); err == nil {
		t.Fatalf("expected store error to surface")
	}
}

func TestConcurrentReadsDuringWrites(t *testing.T) {
	ctx := context.Background()
	idx := New(nil, Options{})
	_ = idx.Build(ctx, []domain.Chunk{
		chunk("seed-1", "t", "seed", "concurrent search seed"),
		chunk("seed-2", "t", "seed", "other words"),
		chunk("seed-3", "t", "seed", "more filler"),
	})

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				results, err := idx.Search(ctx, "concurrent search", 5, "t")
				if err != nil {
					t.Errorf("Search() error = %v", err)
					return
				}
				for _, r := range results {
					if r.TenantID != "t" {
						t.Errorf("unexpected tenant %s", r.TenantID)
					}
				}
			}
		}()
	}
	for i := 0; i < 20; i++ {
		_ = idx.Add(ctx, []domain.Chunk{chunk(fmt.Sprintf("w-%d", i), "t", "batch", "concurrent writes")})
		if i%5 == 0 {
			idx.Remove(ctx, "batch", "t")
		}
	}
	wg.Wait()
}

func TestAddReplacesChunkWithSameID(t *testing.T) {
	idx := New(nil, Options{})
	_ = idx.Build(context.Background(), []domain.Chunk{
		chunk("b", "t1", "s", "python data science"),
		chunk("c", "t1", "s", "rust memory safety"),
		chunk("d", "t1", "s", "java enterprise beans"),
	})

	for range 2 {
		if err := idx.Add(context.Background(), []domain.Chunk{chunk("a", "t1", "s", "golang concurrency")}); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}
	if idx.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", idx.Len())
	}
	results, _ := idx.Search(context.Background(), "golang", 10, "t1")
	if got := ids(results); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("expected one copy of a, got %v", got)
	}

	_ = idx.Add(context.Background(), []domain.Chunk{chunk("a", "t1", "s", "erlang actors")})
	if stale, _ := idx.Search(context.Background(), "golang", 10, "t1"); len(stale) != 0 {
		t.Fatalf("replaced text still matches: %v", ids(stale))
	}
	fresh, _ := idx.Search(context.Background(), "erlang", 10, "t1")
	if got := ids(fresh); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("expected replacement to match, got %v", got)
	}
}

func TestBuildIsIdempotent(t *testing.T) {
	corpus := []domain.Chunk{
		chunk("a", "t1", "s1", "hybrid retrieval with reciprocal rank fusion"),
		chunk("b", "t1", "s1", "dense retrieval over embeddings"),
		chunk("c", "t1", "s2", "keyword retrieval with bm25"),
		chunk("d", "t2", "s3", "retrieval for another tenant"),
	}
	idx := New(nil, Options{})
	_ = idx.Build(context.Background(), corpus)
	first, _ := idx.Search(context.Background(), "fusion retrieval bm25", 10, "t1")

	_ = idx.Build(context.Background(), corpus)
	second, _ := idx.Search(context.Background(), "fusion retrieval bm25", 10, "t1")

	if idx.Len() != len(corpus) {
		t.Fatalf("Len() = %d after rebuild, want %d", idx.Len(), len(corpus))
	}
	if !reflect.DeepEqual(ids(first), ids(second)) {
		t.Fatalf("rebuild changed ranking: %v vs %v", ids(first), ids(second))
	}
	for i := range first {
		if *first[i].LexicalScore != *second[i].LexicalScore {
			t.Fatalf("rebuild changed score of %s", first[i].ID)
		}
	}
}
