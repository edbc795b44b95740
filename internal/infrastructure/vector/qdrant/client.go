package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/knowledge-retrieval/internal/infrastructure/resilience"
)

type Options struct {
	APIKey  string
	Timeout time.Duration
	Policy  *resilience.Policy
}

// Client is a Qdrant REST client for one collection of chunk points.
type Client struct {
	baseURL    string
	collection string
	apiKey     string
	httpClient *http.Client
	policy     *resilience.Policy

	ensureMu          sync.Mutex
	ensuredCollection bool
	ensuredVectorSize int
}

func New(baseURL, collection string, opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: &http.Client{Timeout: timeout},
		policy:     opts.Policy,
	}
}

type envelope[T any] struct {
	Result T `json:"result"`
}

// call runs one request under the client policy. out may be nil.
func (c *Client) call(ctx context.Context, method, path string, payload any, out any, operation string) error {
	err := c.policy.Do(ctx, "qdrant."+operation, func(ctx context.Context) error {
		return c.do(ctx, method, path, payload, out, operation)
	}, resilience.ClassifyHTTPError)
	return resilience.WrapTemporaryIfNeeded("qdrant "+operation, err)
}

func (c *Client) do(ctx context.Context, method, path string, payload any, out any, operation string) error {
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", operation, err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant %s request: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return resilience.NewHTTPStatusError("qdrant", operation, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}

func (c *Client) collectionPath(suffix string) string {
	return fmt.Sprintf("/collections/%s%s", c.collection, suffix)
}

// isMissingCollection reports a 404, which Qdrant returns before the first upsert.
func isMissingCollection(err error) bool {
	var statusErr *resilience.HTTPStatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound
}
