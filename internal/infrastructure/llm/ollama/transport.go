package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
	"github.com/kirillkom/knowledge-retrieval/internal/infrastructure/resilience"
)

// call posts payload to path under the client policy and decodes the reply into out.
func (c *Client) call(ctx context.Context, operation, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", operation, err)
	}

	err = c.policy.Do(ctx, "ollama."+operation, func(ctx context.Context) error {
		return c.post(ctx, operation, path, body, out)
	}, resilience.ClassifyHTTPError)
	if missing := modelNotFound(err); missing != nil {
		return domain.WrapError(domain.ErrConfiguration, "ollama "+operation, missing)
	}
	return resilience.WrapTemporaryIfNeeded("ollama "+operation, err)
}

func (c *Client) post(ctx context.Context, operation, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama %s request: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return resilience.NewHTTPStatusError("ollama", operation, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}

// modelNotFound recognises the 404 Ollama returns for a model that was never pulled.
func modelNotFound(err error) error {
	var statusErr *resilience.HTTPStatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotFound {
		return nil
	}
	var reply struct {
		Error string `json:"error"`
	}
	if json.Unmarshal([]byte(statusErr.Body), &reply) != nil || !strings.Contains(reply.Error, "not found") {
		return nil
	}
	return fmt.Errorf("%s; pull the model or fix the configured model name", reply.Error)
}
