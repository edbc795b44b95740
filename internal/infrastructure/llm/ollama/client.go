package ollama

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
	"github.com/kirillkom/knowledge-retrieval/internal/core/ports"
	"github.com/kirillkom/knowledge-retrieval/internal/infrastructure/resilience"
)

const (
	DefaultDocumentPrefix = "search_document: "
	DefaultQueryPrefix    = "search_query: "
)

type Options struct {
	Timeout time.Duration
	Policy  *resilience.Policy
}

type Client struct {
	baseURL    string
	chatModel  string
	embedModel string
	httpClient *http.Client
	policy     *resilience.Policy
}

func New(baseURL, chatModel, embedModel string, opts Options) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, domain.WrapError(domain.ErrConfiguration, "ollama client", fmt.Errorf("base url is empty"))
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		chatModel:  chatModel,
		embedModel: embedModel,
		httpClient: &http.Client{Timeout: timeout},
		policy:     opts.Policy,
	}, nil
}

// Embedder prefixes texts with task instructions, as nomic-style embedding models expect.
type Embedder struct {
	client         *Client
	documentPrefix string
	queryPrefix    string
}

func NewEmbedder(client *Client) *Embedder {
	return &Embedder{
		client:         client,
		documentPrefix: DefaultDocumentPrefix,
		queryPrefix:    DefaultQueryPrefix,
	}
}

// WithPrefixes overrides the task prefixes; empty strings disable them.
func (e *Embedder) WithPrefixes(document, query string) *Embedder {
	e.documentPrefix = document
	e.queryPrefix = query
	return e
}

func (e *Embedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return e.embed(ctx, texts, e.documentPrefix)
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.embed(ctx, []string{text}, e.queryPrefix)
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("empty embedding result")
	}
	return vectors[0], nil
}

func (e *Embedder) embed(ctx context.Context, texts []string, prefix string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	input := make([]string, len(texts))
	for i, text := range texts {
		input[i] = prefix + text
	}

	request := map[string]any{
		"model": e.client.embedModel,
		"input": input,
	}

	var response struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := e.client.call(ctx, "embed", "/api/embed", request, &response); err != nil {
		return nil, err
	}
	if len(response.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embed: got %d vectors for %d texts", len(response.Embeddings), len(texts))
	}
	return response.Embeddings, nil
}

type ChatProvider struct {
	client *Client
}

func NewChatProvider(client *Client) *ChatProvider {
	return &ChatProvider{client: client}
}

func (p *ChatProvider) Complete(ctx context.Context, messages []domain.ChatMessage, opts ports.ChatOptions) (string, error) {
	options := map[string]any{
		"temperature": opts.Temperature,
	}
	if opts.MaxTokens > 0 {
		options["num_predict"] = opts.MaxTokens
	}
	reqBody := map[string]any{
		"model":    p.client.chatModel,
		"messages": messages,
		"stream":   false,
		"options":  options,
	}

	var response struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := p.client.call(ctx, "chat", "/api/chat", reqBody, &response); err != nil {
		return "", err
	}
	return strings.TrimSpace(response.Message.Content), nil
}
