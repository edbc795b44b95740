package bm25

import (
	"math"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
)

// tenantCorpus is one tenant's immutable documents and BM25Okapi statistics.
// Generations share unchanged tenant corpora.
type tenantCorpus struct {
	chunks    []domain.Chunk
	tokens    [][]string
	termFreqs []map[string]int
	docLens   []int
	avgdl     float64
	idf       map[string]float64
}

func newTenantCorpus(chunks []domain.Chunk, tokens [][]string, p params) *tenantCorpus {
	c := &tenantCorpus{
		chunks:    chunks,
		tokens:    tokens,
		termFreqs: make([]map[string]int, len(tokens)),
		docLens:   make([]int, len(tokens)),
		idf:       make(map[string]float64),
	}
	if len(tokens) == 0 {
		return c
	}

	docFreq := make(map[string]int)
	total := 0
	for i, doc := range tokens {
		freqs := make(map[string]int, len(doc))
		for _, token := range doc {
			freqs[token]++
		}
		for token := range freqs {
			docFreq[token]++
		}
		c.termFreqs[i] = freqs
		c.docLens[i] = len(doc)
		total += len(doc)
	}
	c.avgdl = float64(total) / float64(len(tokens))

	n := float64(len(tokens))
	idfSum := 0.0
	var negative []string
	for token, df := range docFreq {
		idf := math.Log(n-float64(df)+0.5) - math.Log(float64(df)+0.5)
		c.idf[token] = idf
		idfSum += idf
		if idf < 0 {
			negative = append(negative, token)
		}
	}
	if len(c.idf) > 0 {
		floor := p.epsilon * idfSum / float64(len(c.idf))
		for _, token := range negative {
			c.idf[token] = floor
		}
	}
	return c
}

func (c *tenantCorpus) len() int {
	if c == nil {
		return 0
	}
	return len(c.chunks)
}

// score returns the BM25Okapi score of document i. Repeated query tokens count repeatedly.
func (c *tenantCorpus) score(i int, query []string, p params) float64 {
	if c.avgdl == 0 {
		return 0
	}
	freqs := c.termFreqs[i]
	norm := p.k1 * (1 - p.b + p.b*float64(c.docLens[i])/c.avgdl)
	score := 0.0
	for _, token := range query {
		tf := float64(freqs[token])
		if tf == 0 {
			continue
		}
		score += c.idf[token] * (tf * (p.k1 + 1) / (tf + norm))
	}
	return score
}
