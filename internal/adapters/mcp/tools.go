package mcpadapter

import (
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/knowledge-retrieval/internal/core/ports"
)

// Dependencies are the use cases exposed as MCP tools. TenantID scopes every
// call made through this server.
type Dependencies struct {
	Searcher   ports.Searcher
	Classifier ports.QueryClassifier
	Retriever  ports.Retriever
	Sources    ports.SourceBrowser
	TenantID   string
	TopK       int
	Threshold  float64
}

// RegisterTools adds the knowledge tools to server.
func RegisterTools(server *mcpserver.MCPServer, deps Dependencies) *Handlers {
	handlers := NewHandlers(deps)

	server.AddTool(mcp.Tool{
		Name:        "search_knowledge",
		Description: "Hybrid dense and lexical search over the indexed knowledge base.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Search query",
				},
				"top_k": map[string]interface{}{
					"type":        "number",
					"description": "Maximum number of chunks to return",
				},
				"source": map[string]interface{}{
					"type":        "string",
					"description": "Optional source to restrict results to",
				},
			},
			Required: []string{"query"},
		},
	}, handlers.SearchKnowledge)

	server.AddTool(mcp.Tool{
		Name:        "retrieve_context",
		Description: "Classify the question, rewrite follow-ups and retrieve chunks the way the intent requires.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "User question",
				},
				"history": map[string]interface{}{
					"type":        "array",
					"description": "Previous turns, oldest first",
					"items": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"role":    map[string]interface{}{"type": "string"},
							"content": map[string]interface{}{"type": "string"},
						},
					},
				},
			},
			Required: []string{"query"},
		},
	}, handlers.RetrieveContext)

	server.AddTool(mcp.Tool{
		Name:        "classify_query",
		Description: "Return the intent, confidence and routing path for a question.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "User question",
				},
			},
			Required: []string{"query"},
		},
	}, handlers.ClassifyQuery)

	server.AddTool(mcp.Tool{
		Name:        "list_sources",
		Description: "List indexed sources with their chunk counts.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, handlers.ListSources)

	server.AddTool(mcp.Tool{
		Name:        "chunk_context",
		Description: "Return a chunk together with its neighbours from the same source.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"chunk_id": map[string]interface{}{
					"type":        "string",
					"description": "Chunk id returned by a search",
				},
				"size": map[string]interface{}{
					"type":        "number",
					"description": "Neighbours on each side (default: 2)",
					"default":     2,
				},
			},
			Required: []string{"chunk_id"},
		},
	}, handlers.ChunkContext)

	return handlers
}
