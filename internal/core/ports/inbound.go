package ports

import (
	"context"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
)

// Searcher is the inbound contract for hybrid search.
type Searcher interface {
	Search(ctx context.Context, req domain.SearchRequest) ([]domain.ScoredChunk, error)
}

// QueryClassifier routes a query. It never fails; degraded paths fall back to KNOWLEDGE.
type QueryClassifier interface {
	Classify(ctx context.Context, query string, history []domain.ChatMessage) domain.RouteDecision
}

// IndexMaintainer writes to and removes from both indices.
type IndexMaintainer interface {
	Index(ctx context.Context, chunks []domain.Chunk) ([]string, error)
	Remove(ctx context.Context, source, tenantID string) (int, error)
	RemoveTenant(ctx context.Context, tenantID string) (int, error)
}

// SourceBrowser is the read model over indexed sources.
type SourceBrowser interface {
	ListSources(ctx context.Context, tenantID string) ([]domain.SourceInfo, error)
	ChunksBySource(ctx context.Context, source, tenantID string) ([]domain.ScoredChunk, error)
	ChunkWithContext(ctx context.Context, chunkID, tenantID string, size int) (domain.ChunkWindow, error)
}

// Retriever classifies a query and retrieves chunks according to the intent.
type Retriever interface {
	Retrieve(ctx context.Context, req domain.RetrieveRequest) (domain.RetrieveResult, error)
}

// SparseRebuilder rebuilds the sparse index from the dense store.
type SparseRebuilder interface {
	Rebuild(ctx context.Context) (int, error)
}
