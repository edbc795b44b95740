package qdrant

import (
	"context"
	"fmt"
	"net/http"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
	"github.com/kirillkom/knowledge-retrieval/internal/core/ports"
)

type queriedPoint struct {
	ID      any            `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

func (c *Client) Upsert(ctx context.Context, points []ports.VectorPoint) error {
	if len(points) == 0 {
		return nil
	}
	size := len(points[0].Vector)
	if size == 0 {
		return domain.WrapError(domain.ErrInvalidInput, "qdrant upsert", fmt.Errorf("empty vector"))
	}
	if err := c.ensureCollection(ctx, size); err != nil {
		return err
	}

	type point struct {
		ID      string         `json:"id"`
		Vector  []float32      `json:"vector"`
		Payload map[string]any `json:"payload"`
	}
	body := make([]point, 0, len(points))
	for _, p := range points {
		if len(p.Vector) != size {
			return domain.WrapError(domain.ErrInvalidInput, "qdrant upsert", fmt.Errorf(
				"chunk %q: vector size %d, want %d", p.Chunk.ID, len(p.Vector), size))
		}
		body = append(body, point{
			ID:      PointID(p.Chunk.ID),
			Vector:  p.Vector,
			Payload: chunkPayload(p.Chunk),
		})
	}

	return c.call(ctx, http.MethodPut, c.collectionPath("/points?wait=true"), map[string]any{"points": body}, nil, "upsert")
}

func (c *Client) Query(ctx context.Context, vector []float32, filter ports.VectorFilter, limit int, threshold float64) ([]ports.VectorHit, error) {
	if len(vector) == 0 || limit <= 0 {
		return []ports.VectorHit{}, nil
	}
	reqBody := map[string]any{
		"query":        vector,
		"limit":        limit,
		"with_payload": true,
	}
	if f := buildFilter(filter); f != nil {
		reqBody["filter"] = f
	}
	if threshold > 0 {
		reqBody["score_threshold"] = threshold
	}

	var resp envelope[struct {
		Points []queriedPoint `json:"points"`
	}]
	if err := c.call(ctx, http.MethodPost, c.collectionPath("/points/query"), reqBody, &resp, "query"); err != nil {
		if isMissingCollection(err) {
			return []ports.VectorHit{}, nil
		}
		return nil, err
	}

	out := make([]ports.VectorHit, 0, len(resp.Result.Points))
	for _, p := range resp.Result.Points {
		out = append(out, ports.VectorHit{
			Chunk: chunkFromPayload(p.ID, p.Payload),
			Score: p.Score,
		})
	}
	return out, nil
}

func (c *Client) Scroll(ctx context.Context, filter ports.VectorFilter, limit int, offset string) (ports.ScrollPage, error) {
	if limit <= 0 {
		limit = 256
	}
	reqBody := map[string]any{
		"limit":        limit,
		"with_payload": true,
		"with_vector":  false,
	}
	if f := buildFilter(filter); f != nil {
		reqBody["filter"] = f
	}
	if offset != "" {
		reqBody["offset"] = offset
	}

	var resp envelope[struct {
		Points         []queriedPoint `json:"points"`
		NextPageOffset any            `json:"next_page_offset"`
	}]
	if err := c.call(ctx, http.MethodPost, c.collectionPath("/points/scroll"), reqBody, &resp, "scroll"); err != nil {
		if isMissingCollection(err) {
			return ports.ScrollPage{}, nil
		}
		return ports.ScrollPage{}, err
	}

	page := ports.ScrollPage{Chunks: make([]domain.Chunk, 0, len(resp.Result.Points))}
	for _, p := range resp.Result.Points {
		page.Chunks = append(page.Chunks, chunkFromPayload(p.ID, p.Payload))
	}
	if resp.Result.NextPageOffset != nil {
		page.Next = fmt.Sprintf("%v", resp.Result.NextPageOffset)
	}
	return page, nil
}

func (c *Client) Retrieve(ctx context.Context, chunkIDs []string) ([]domain.Chunk, error) {
	if len(chunkIDs) == 0 {
		return []domain.Chunk{}, nil
	}
	ids := make([]string, 0, len(chunkIDs))
	for _, id := range chunkIDs {
		ids = append(ids, PointID(id))
	}
	reqBody := map[string]any{
		"ids":          ids,
		"with_payload": true,
		"with_vector":  false,
	}

	var resp envelope[[]queriedPoint]
	if err := c.call(ctx, http.MethodPost, c.collectionPath("/points"), reqBody, &resp, "retrieve"); err != nil {
		if isMissingCollection(err) {
			return []domain.Chunk{}, nil
		}
		return nil, err
	}

	out := make([]domain.Chunk, 0, len(resp.Result))
	for _, p := range resp.Result {
		out = append(out, chunkFromPayload(p.ID, p.Payload))
	}
	return out, nil
}

func (c *Client) Delete(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(chunkIDs))
	for _, id := range chunkIDs {
		ids = append(ids, PointID(id))
	}
	err := c.call(ctx, http.MethodPost, c.collectionPath("/points/delete?wait=true"), map[string]any{"points": ids}, nil, "delete")
	if isMissingCollection(err) {
		return nil
	}
	return err
}
