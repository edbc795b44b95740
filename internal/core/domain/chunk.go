package domain

import (
	"fmt"
	"strings"
	"time"
)

// NoTenant owns chunks of single-user deployments.
const NoTenant = "default"

const DefaultSourceType = "unknown"

// Chunk is the immutable unit of retrievable text shared by the sparse and dense indices.
type Chunk struct {
	ID          string     `json:"id"`
	Text        string     `json:"text"`
	TenantID    string     `json:"tenant_id"`
	Source      string     `json:"source"`
	SourceType  string     `json:"source_type"`
	ChunkIndex  int        `json:"chunk_index"`
	TotalChunks int        `json:"total_chunks"`
	Page        *int       `json:"page,omitempty"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
	TokenCount  *int       `json:"token_count,omitempty"`
}

// NormalizeTenant maps an empty tenant id to NoTenant.
func NormalizeTenant(tenantID string) string {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return NoTenant
	}
	return tenantID
}

// Normalized returns a copy with tenant and source type defaults applied.
func (c Chunk) Normalized() Chunk {
	c.TenantID = NormalizeTenant(c.TenantID)
	c.Source = strings.TrimSpace(c.Source)
	if strings.TrimSpace(c.SourceType) == "" {
		c.SourceType = DefaultSourceType
	}
	return c
}

func (c Chunk) Validate() error {
	switch {
	case strings.TrimSpace(c.Text) == "":
		return WrapError(ErrInvalidInput, "validate chunk", fmt.Errorf("chunk %q: text is empty", c.ID))
	case strings.TrimSpace(c.Source) == "":
		return WrapError(ErrInvalidInput, "validate chunk", fmt.Errorf("chunk %q: source is empty", c.ID))
	case c.ChunkIndex < 0:
		return WrapError(ErrInvalidInput, "validate chunk", fmt.Errorf("chunk %q: negative chunk_index %d", c.ID, c.ChunkIndex))
	case c.ChunkIndex >= c.TotalChunks:
		return WrapError(ErrInvalidInput, "validate chunk", fmt.Errorf("chunk %q: chunk_index %d out of range for total_chunks %d", c.ID, c.ChunkIndex, c.TotalChunks))
	}
	return nil
}

type sourceKey struct {
	tenant string
	source string
}

// ValidateBatch checks every chunk and the positional invariant of each (tenant, source) group:
// indices are unique and every member agrees on TotalChunks.
func ValidateBatch(chunks []Chunk) error {
	totals := make(map[sourceKey]int)
	seen := make(map[sourceKey]map[int]struct{})
	ids := make(map[string]struct{}, len(chunks))

	for _, raw := range chunks {
		c := raw.Normalized()
		if err := c.Validate(); err != nil {
			return err
		}
		if c.ID != "" {
			if _, dup := ids[c.ID]; dup {
				return WrapError(ErrInvalidInput, "validate batch", fmt.Errorf("duplicate chunk id %q", c.ID))
			}
			ids[c.ID] = struct{}{}
		}

		key := sourceKey{tenant: c.TenantID, source: c.Source}
		if total, ok := totals[key]; ok && total != c.TotalChunks {
			return WrapError(ErrInvalidInput, "validate batch", fmt.Errorf(
				"source %q: conflicting total_chunks %d and %d", c.Source, total, c.TotalChunks))
		}
		totals[key] = c.TotalChunks

		indices := seen[key]
		if indices == nil {
			indices = make(map[int]struct{})
			seen[key] = indices
		}
		if _, dup := indices[c.ChunkIndex]; dup {
			return WrapError(ErrInvalidInput, "validate batch", fmt.Errorf(
				"source %q: duplicate chunk_index %d", c.Source, c.ChunkIndex))
		}
		indices[c.ChunkIndex] = struct{}{}
	}
	return nil
}

// ScoreStage names which score of a ScoredChunk is authoritative.
type ScoreStage string

const (
	StageNone     ScoreStage = ""
	StageDense    ScoreStage = "similarity"
	StageLexical  ScoreStage = "lexical"
	StageFusion   ScoreStage = "fusion"
	StageReranked ScoreStage = "rerank"
)

// ScoredChunk is a Chunk plus the scores assigned by retrieval stages.
// Only the latest stage's score is comparable, and only within one call.
type ScoredChunk struct {
	Chunk
	Similarity   *float64 `json:"similarity,omitempty"`
	LexicalScore *float64 `json:"lexical_score,omitempty"`
	FusionScore  *float64 `json:"fusion_score,omitempty"`
	RerankScore  *float64 `json:"rerank_score,omitempty"`
}

func (s ScoredChunk) Stage() ScoreStage {
	switch {
	case s.RerankScore != nil:
		return StageReranked
	case s.FusionScore != nil:
		return StageFusion
	case s.LexicalScore != nil:
		return StageLexical
	case s.Similarity != nil:
		return StageDense
	default:
		return StageNone
	}
}

func (s ScoredChunk) Score() float64 {
	switch s.Stage() {
	case StageReranked:
		return *s.RerankScore
	case StageFusion:
		return *s.FusionScore
	case StageLexical:
		return *s.LexicalScore
	case StageDense:
		return *s.Similarity
	default:
		return 0
	}
}

// Float returns a pointer to v for optional score fields.
func Float(v float64) *float64 {
	return &v
}

// SourceInfo summarizes one source of a tenant.
type SourceInfo struct {
	Source     string `json:"source"`
	SourceType string `json:"source_type"`
	ChunkCount int    `json:"chunk_count"`
}

// ChunkWindow is a chunk with its neighbours ordered by ChunkIndex.
type ChunkWindow struct {
	Target ScoredChunk   `json:"target"`
	Chunks []ScoredChunk `json:"chunks"`
}
