package domain

import (
	"fmt"
	"strings"
	"time"
)

// SearchRequest is one hybrid search call. Source optionally restricts results to one source.
type SearchRequest struct {
	Query     string  `json:"query"`
	TenantID  string  `json:"tenant_id"`
	TopK      int     `json:"top_k"`
	Threshold float64 `json:"threshold"`
	Source    *string `json:"source,omitempty"`
}

func (r SearchRequest) Validate() error {
	if strings.TrimSpace(r.Query) == "" {
		return WrapError(ErrInvalidInput, "validate search", fmt.Errorf("query is empty"))
	}
	if r.TopK <= 0 {
		return WrapError(ErrInvalidInput, "validate search", fmt.Errorf("top_k must be positive, got %d", r.TopK))
	}
	if r.Threshold < 0 || r.Threshold > 1 {
		return WrapError(ErrInvalidInput, "validate search", fmt.Errorf("threshold must be within [0,1], got %v", r.Threshold))
	}
	return nil
}

// RetrievalPlan is the retrieval shape chosen for an intent.
type RetrievalPlan struct {
	Search      bool `json:"search"`
	ListSources bool `json:"list_sources"`
	TopK        int  `json:"top_k"`
	Rerank      bool `json:"rerank"`
}

type RetrieveRequest struct {
	Query     string        `json:"query"`
	TenantID  string        `json:"tenant_id"`
	History   []ChatMessage `json:"history,omitempty"`
	Source    *string       `json:"source,omitempty"`
	TopK      int           `json:"top_k,omitempty"`
	Threshold *float64      `json:"threshold,omitempty"`
}

type RetrieveResult struct {
	Decision RouteDecision `json:"decision"`
	Query    string        `json:"query"`
	Chunks   []ScoredChunk `json:"chunks"`
	Sources  []SourceInfo  `json:"sources,omitempty"`
	Reranked bool          `json:"reranked"`
}

// IndexCommand and RemoveCommand are maintenance requests delivered over the
// queue. EnqueuedAt is stamped by the publisher.
type IndexCommand struct {
	Chunks     []Chunk   `json:"chunks"`
	EnqueuedAt time.Time `json:"enqueued_at,omitzero"`
}

// RemoveCommand deletes a tenant's source, or the whole tenant when Source is empty.
type RemoveCommand struct {
	TenantID   string    `json:"tenant_id"`
	Source     string    `json:"source,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at,omitzero"`
}
