package qdrant

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/kirillkom/knowledge-retrieval/internal/infrastructure/resilience"
)

// payloadIndexes are created with the collection so filtered queries stay indexed.
var payloadIndexes = []struct {
	field  string
	schema string
}{
	{field: payloadTenantID, schema: "keyword"},
	{field: payloadSource, schema: "keyword"},
	{field: payloadChunkIndex, schema: "integer"},
}

func (c *Client) ensureCollection(ctx context.Context, vectorSize int) error {
	c.ensureMu.Lock()
	if c.ensuredCollection && c.ensuredVectorSize == vectorSize {
		c.ensureMu.Unlock()
		return nil
	}
	c.ensureMu.Unlock()

	reqBody := map[string]any{
		"vectors": map[string]any{
			"size":     vectorSize,
			"distance": "Cosine",
		},
	}
	err := c.call(ctx, http.MethodPut, c.collectionPath(""), reqBody, nil, "ensure collection")
	// 200/201 for create, 409 if already exists (depends on version/config).
	var statusErr *resilience.HTTPStatusError
	if err != nil && !(errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusConflict) {
		return err
	}

	for _, idx := range payloadIndexes {
		body := map[string]any{
			"field_name":   idx.field,
			"field_schema": idx.schema,
		}
		if err := c.call(ctx, http.MethodPut, c.collectionPath("/index?wait=true"), body, nil, "create payload index"); err != nil {
			return fmt.Errorf("payload index %s: %w", idx.field, err)
		}
	}

	c.markCollectionEnsured(vectorSize)
	return nil
}

func (c *Client) markCollectionEnsured(vectorSize int) {
	c.ensureMu.Lock()
	defer c.ensureMu.Unlock()
	c.ensuredCollection = true
	c.ensuredVectorSize = vectorSize
}
