package qdrant

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
	"github.com/kirillkom/knowledge-retrieval/internal/core/ports"
)

const (
	payloadChunkID     = "chunk_id"
	payloadText        = "text"
	payloadTenantID    = "tenant_id"
	payloadSource      = "source"
	payloadSourceType  = "source_type"
	payloadChunkIndex  = "chunk_index"
	payloadTotalChunks = "total_chunks"
	payloadPage        = "page"
	payloadTimestamp   = "timestamp"
	payloadTokenCount  = "token_count"
)

var pointNamespace = uuid.MustParse("5b0e2a4c-8f0d-4a53-9d0c-3f7c2b1e6a10")

// PointID maps a chunk id to a Qdrant point id. UUID chunk ids are used as
// is; anything else gets a stable name-based UUID.
func PointID(chunkID string) string {
	if parsed, err := uuid.Parse(chunkID); err == nil {
		return parsed.String()
	}
	return uuid.NewSHA1(pointNamespace, []byte(chunkID)).String()
}

func chunkPayload(c domain.Chunk) map[string]any {
	payload := map[string]any{
		payloadChunkID:     c.ID,
		payloadText:        c.Text,
		payloadTenantID:    c.TenantID,
		payloadSource:      c.Source,
		payloadSourceType:  c.SourceType,
		payloadChunkIndex:  c.ChunkIndex,
		payloadTotalChunks: c.TotalChunks,
	}
	if c.Page != nil {
		payload[payloadPage] = *c.Page
	}
	if c.Timestamp != nil {
		payload[payloadTimestamp] = c.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	if c.TokenCount != nil {
		payload[payloadTokenCount] = *c.TokenCount
	}
	return payload
}

func chunkFromPayload(pointID any, payload map[string]any) domain.Chunk {
	c := domain.Chunk{
		ID:          getStringPayload(payload, payloadChunkID),
		Text:        getStringPayload(payload, payloadText),
		TenantID:    getStringPayload(payload, payloadTenantID),
		Source:      getStringPayload(payload, payloadSource),
		SourceType:  getStringPayload(payload, payloadSourceType),
		ChunkIndex:  getIntPayload(payload, payloadChunkIndex),
		TotalChunks: getIntPayload(payload, payloadTotalChunks),
		Page:        getOptionalIntPayload(payload, payloadPage),
		TokenCount:  getOptionalIntPayload(payload, payloadTokenCount),
	}
	if c.ID == "" {
		c.ID = fmt.Sprintf("%v", pointID)
	}
	if raw := getStringPayload(payload, payloadTimestamp); raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			c.Timestamp = &ts
		}
	}
	return c
}

func buildFilter(filter ports.VectorFilter) map[string]any {
	must := make([]map[string]any, 0, 3)
	if tenant := strings.TrimSpace(filter.TenantID); tenant != "" {
		must = append(must, matchCondition(payloadTenantID, tenant))
	}
	if filter.Source != nil {
		must = append(must, matchCondition(payloadSource, *filter.Source))
	}
	if filter.ChunkIndexMin != nil || filter.ChunkIndexMax != nil {
		bounds := map[string]any{}
		if filter.ChunkIndexMin != nil {
			bounds["gte"] = *filter.ChunkIndexMin
		}
		if filter.ChunkIndexMax != nil {
			bounds["lte"] = *filter.ChunkIndexMax
		}
		must = append(must, map[string]any{
			"key":   payloadChunkIndex,
			"range": bounds,
		})
	}
	if len(must) == 0 {
		return nil
	}
	return map[string]any{"must": must}
}

func matchCondition(key, value string) map[string]any {
	return map[string]any{
		"key": key,
		"match": map[string]any{
			"value": value,
		},
	}
}

func getStringPayload(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func getIntPayload(payload map[string]any, key string) int {
	if v := getOptionalIntPayload(payload, key); v != nil {
		return *v
	}
	return 0
}

func getOptionalIntPayload(payload map[string]any, key string) *int {
	v, ok := payload[key]
	if !ok || v == nil {
		return nil
	}
	var out int
	switch n := v.(type) {
	case float64:
		out = int(math.Round(n))
	case int:
		out = n
	case int64:
		out = int(n)
	case string:
		parsed, err := strconv.Atoi(n)
		if err != nil {
			return nil
		}
		out = parsed
	default:
		return nil
	}
	return &out
}
