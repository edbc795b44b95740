package usecase

import (
	"sort"
	"strings"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
)

const DefaultRRFK = 60

// RankedList is one retriever's ranking with its fusion weight.
type RankedList struct {
	Weight float64
	Items  []domain.ScoredChunk
}

type fusedCandidate struct {
	chunk domain.ScoredChunk
	score float64
	order int
}

// FuseRRF merges rankings with reciprocal rank fusion: each item earns
// weight/(k+rank) per list, rank starting at 1. Duplicates are merged by chunk
// id and ties keep first-appearance order across the lists as given. Lists
// with a non-positive weight take no part in the fusion.
func FuseRRF(lists []RankedList, k int) []domain.ScoredChunk {
	if k <= 0 {
		k = DefaultRRFK
	}

	total := 0
	for _, list := range lists {
		total += len(list.Items)
	}
	acc := make(map[string]*fusedCandidate, total)
	order := make([]*fusedCandidate, 0, total)

	for _, list := range lists {
		weight := list.Weight
		if weight <= 0 {
			continue
		}
		for i, item := range list.Items {
			key := retrievalChunkKey(item)
			candidate, ok := acc[key]
			if !ok {
				candidate = &fusedCandidate{chunk: item, order: len(order)}
				acc[key] = candidate
				order = append(order, candidate)
			} else {
				candidate.chunk = preferRicherChunk(candidate.chunk, item)
			}
			candidate.score += weight / float64(k+i+1)
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		if order[i].score != order[j].score {
			return order[i].score > order[j].score
		}
		return order[i].order < order[j].order
	})

	out := make([]domain.ScoredChunk, 0, len(order))
	for _, c := range order {
		chunk := c.chunk
		chunk.FusionScore = domain.Float(c.score)
		out = append(out, chunk)
	}
	return out
}

func trimCandidates(chunks []domain.ScoredChunk, limit int) []domain.ScoredChunk {
	if limit <= 0 || len(chunks) <= limit {
		return chunks
	}
	return chunks[:limit]
}

func retrievalChunkKey(chunk domain.ScoredChunk) string {
	if chunk.ID != "" {
		return chunk.ID
	}
	text := chunk.Text
	if len(text) > 100 {
		text = text[:100]
	}
	return chunk.TenantID + "|" + chunk.Source + "|" + strings.TrimSpace(text)
}

// preferRicherChunk keeps the first occurrence and fills in scores and
// metadata that only the later occurrence carries.
func preferRicherChunk(current, candidate domain.ScoredChunk) domain.ScoredChunk {
	if current.Similarity == nil && candidate.Similarity != nil {
		current.Similarity = candidate.Similarity
	}
	if current.LexicalScore == nil && candidate.LexicalScore != nil {
		current.LexicalScore = candidate.LexicalScore
	}
	if current.Text == "" && candidate.Text != "" {
		current.Text = candidate.Text
	}
	if current.Page == nil && candidate.Page != nil {
		current.Page = candidate.Page
	}
	if current.Timestamp == nil && candidate.Timestamp != nil {
		current.Timestamp = candidate.Timestamp
	}
	if current.TokenCount == nil && candidate.TokenCount != nil {
		current.TokenCount = candidate.TokenCount
	}
	return current
}
