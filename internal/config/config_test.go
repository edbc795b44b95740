package config

import (
	"testing"
	"time"
)

func TestLoadIncludesRetrievalDefaults(t *testing.T) {
	t.Setenv("RAG_TOP_K", "")
	t.Setenv("RAG_HYBRID_ENABLED", "")
	t.Setenv("RAG_FUSION_RRF_K", "")
	t.Setenv("RAG_SIMILARITY_THRESHOLD", "")
	t.Setenv("CLASSIFY_TIMEOUT_MS", "")
	t.Setenv("SPARSE_SNAPSHOT_BACKEND", "")

	cfg := Load()
	if cfg.RAGTopK != 5 {
		t.Fatalf("expected default top k 5, got %d", cfg.RAGTopK)
	}
	if !cfg.RAGHybridEnabled {
		t.Fatalf("expected hybrid retrieval enabled by default")
	}
	if cfg.RAGFusionRRFK != 60 {
		t.Fatalf("expected default fusion rrf k 60, got %d", cfg.RAGFusionRRFK)
	}
	if cfg.RAGSimilarityThreshold != 0.3 {
		t.Fatalf("expected default threshold 0.3, got %v", cfg.RAGSimilarityThreshold)
	}
	if cfg.ClassifyTimeout != 5*time.Second {
		t.Fatalf("expected default classify timeout 5s, got %s", cfg.ClassifyTimeout)
	}
	if cfg.SparseSnapshotBackend != "file" {
		t.Fatalf("expected file snapshot backend, got %q", cfg.SparseSnapshotBackend)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	t.Setenv("RAG_HYBRID_ENABLED", "false")
	t.Setenv("RAG_FUSION_RRF_K", "75")
	t.Setenv("RAG_LEXICAL_WEIGHT", "0.5")
	t.Setenv("RERANK_TIMEOUT_MS", "1500")
	t.Setenv("CHAT_PROVIDER", "OpenAI")

	cfg := Load()
	if cfg.RAGHybridEnabled {
		t.Fatalf("expected hybrid retrieval disabled")
	}
	if cfg.RAGFusionRRFK != 75 {
		t.Fatalf("expected fusion rrf k 75, got %d", cfg.RAGFusionRRFK)
	}
	if cfg.RAGLexicalWeight != 0.5 {
		t.Fatalf("expected lexical weight 0.5, got %v", cfg.RAGLexicalWeight)
	}
	if cfg.RerankTimeout != 1500*time.Millisecond {
		t.Fatalf("expected rerank timeout 1.5s, got %s", cfg.RerankTimeout)
	}
	if cfg.ChatProvider != "openai" {
		t.Fatalf("expected lowercased chat provider, got %q", cfg.ChatProvider)
	}
}

func TestLoadFallsBackOnMalformedValues(t *testing.T) {
	t.Setenv("RAG_TOP_K", "many")
	t.Setenv("SEARCH_TIMEOUT_MS", "-5")
	t.Setenv("RAG_RERANK_ENABLED", "perhaps")

	cfg := Load()
	if cfg.RAGTopK != 5 || cfg.SearchTimeout != 10*time.Second || !cfg.RAGRerankEnabled {
		t.Fatalf("expected defaults for malformed values, got top_k=%d search=%s rerank=%v", cfg.RAGTopK, cfg.SearchTimeout, cfg.RAGRerankEnabled)
	}
}
