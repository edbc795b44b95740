package mcpadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
)

const defaultContextSize = 2

type Handlers struct {
	deps Dependencies
}

func NewHandlers(deps Dependencies) *Handlers {
	if deps.TopK <= 0 {
		deps.TopK = 5
	}
	deps.TenantID = domain.NormalizeTenant(deps.TenantID)
	return &Handlers{deps: deps}
}

func (h *Handlers) SearchKnowledge(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError("query argument is required and must be a string"), nil
	}

	req := domain.SearchRequest{
		Query:     query,
		TenantID:  h.deps.TenantID,
		TopK:      request.GetInt("top_k", h.deps.TopK),
		Threshold: h.deps.Threshold,
	}
	if source := request.GetString("source", ""); source != "" {
		req.Source = &source
	}

	results, err := h.deps.Searcher.Search(ctx, req)
	if err != nil {
		return toolError("search failed", err), nil
	}
	return jsonResult(map[string]any{"results": results})
}

func (h *Handlers) RetrieveContext(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError("query argument is required and must be a string"), nil
	}
	history, err := historyArgument(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result, err := h.deps.Retriever.Retrieve(ctx, domain.RetrieveRequest{
		Query:    query,
		TenantID: h.deps.TenantID,
		History:  history,
	})
	if err != nil {
		return toolError("retrieve failed", err), nil
	}
	return jsonResult(result)
}

func (h *Handlers) ClassifyQuery(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError("query argument is required and must be a string"), nil
	}
	return jsonResult(h.deps.Classifier.Classify(ctx, query, nil))
}

func (h *Handlers) ListSources(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sources, err := h.deps.Sources.ListSources(ctx, h.deps.TenantID)
	if err != nil {
		return toolError("list sources failed", err), nil
	}
	return jsonResult(map[string]any{"sources": sources})
}

func (h *Handlers) ChunkContext(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chunkID, err := request.RequireString("chunk_id")
	if err != nil {
		return mcp.NewToolResultError("chunk_id argument is required and must be a string"), nil
	}
	size := request.GetInt("size", defaultContextSize)
	if size < 0 {
		return mcp.NewToolResultError("size must not be negative"), nil
	}

	window, err := h.deps.Sources.ChunkWithContext(ctx, chunkID, h.deps.TenantID, size)
	if err != nil {
		return toolError("chunk context failed", err), nil
	}
	return jsonResult(window)
}

// historyArgument decodes the optional history array through JSON so both
// typed and map-shaped arguments are accepted.
func historyArgument(request mcp.CallToolRequest) ([]domain.ChatMessage, error) {
	raw, ok := request.GetArguments()["history"]
	if !ok || raw == nil {
		return nil, nil
	}
	payload, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("history must be an array of messages")
	}
	var history []domain.ChatMessage
	if err := json.Unmarshal(payload, &history); err != nil {
		return nil, fmt.Errorf("history must be an array of messages")
	}
	return history, nil
}

func toolError(message string, err error) *mcp.CallToolResult {
	slog.Warn("mcp_tool_failed", "message", message, "error", err)
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", message, err))
}

func jsonResult(payload any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
