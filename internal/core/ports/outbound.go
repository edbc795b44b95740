package ports

import (
	"context"
	"time"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
)

// Embedder builds vectors for documents and queries. Implementations may
// prefix texts differently for the two modes.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// VectorPoint is one chunk and its embedding.
type VectorPoint struct {
	Chunk  domain.Chunk
	Vector []float32
}

// VectorHit is a chunk returned by a similarity query.
type VectorHit struct {
	Chunk domain.Chunk
	Score float64
}

// VectorFilter narrows queries and scrolls. An empty TenantID matches every tenant.
type VectorFilter struct {
	TenantID      string
	Source        *string
	ChunkIndexMin *int
	ChunkIndexMax *int
}

type ScrollPage struct {
	Chunks []domain.Chunk
	Next   string
}

// VectorStore persists embedded chunks and performs filtered similarity search.
type VectorStore interface {
	Upsert(ctx context.Context, points []VectorPoint) error
	Query(ctx context.Context, vector []float32, filter VectorFilter, limit int, threshold float64) ([]VectorHit, error)
	Scroll(ctx context.Context, filter VectorFilter, limit int, offset string) (ScrollPage, error)
	Retrieve(ctx context.Context, chunkIDs []string) ([]domain.Chunk, error)
	Delete(ctx context.Context, chunkIDs []string) error
}

// SparseIndex is the lexical side of hybrid retrieval.
type SparseIndex interface {
	Build(ctx context.Context, chunks []domain.Chunk) error
	Add(ctx context.Context, chunks []domain.Chunk) error
	Search(ctx context.Context, query string, topK int, tenantID string) ([]domain.ScoredChunk, error)
	Remove(ctx context.Context, source, tenantID string) int
	RemoveTenant(ctx context.Context, tenantID string) int
	Save(ctx context.Context) error
	IsEmpty() bool
	Len() int
}

// SnapshotStore persists one opaque sparse index snapshot. Read returns an
// error of kind domain.ErrNotFound when no snapshot exists.
type SnapshotStore interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
}

type ChatOptions struct {
	Temperature float64
	MaxTokens   int
}

// ChatProvider runs one chat completion.
type ChatProvider interface {
	Complete(ctx context.Context, messages []domain.ChatMessage, opts ChatOptions) (string, error)
}

type RerankResult struct {
	Index int
	Score float64
}

// RerankProvider scores documents against a query.
type RerankProvider interface {
	Rerank(ctx context.Context, query string, documents []string, topN int) ([]RerankResult, error)
}

// MaintenanceQueue carries index and remove commands to the worker.
type MaintenanceQueue interface {
	PublishIndex(ctx context.Context, cmd domain.IndexCommand) error
	PublishRemove(ctx context.Context, cmd domain.RemoveCommand) error
	SubscribeIndex(ctx context.Context, handler func(context.Context, domain.IndexCommand) error) error
	SubscribeRemove(ctx context.Context, handler func(context.Context, domain.RemoveCommand) error) error
}

// RetrievalObserver receives retrieval telemetry. Implementations must be safe for concurrent use.
type RetrievalObserver interface {
	ObserveSearch(mode string, duration time.Duration, results int, err error)
	ObserveRoute(decision domain.RouteDecision)
	ObserveRerank(outcome string)
	ObserveIndex(operation string, chunks int, err error)
}
