package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	mcpadapter "github.com/kirillkom/knowledge-retrieval/internal/adapters/mcp"
	"github.com/kirillkom/knowledge-retrieval/internal/bootstrap"
	"github.com/kirillkom/knowledge-retrieval/internal/config"
	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
	"github.com/kirillkom/knowledge-retrieval/internal/observability/logging"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "kbctl",
		Short: "Knowledge retrieval maintenance and query CLI",
		Long: `kbctl runs searches, routing and index maintenance against the
configured vector store and sparse snapshot without going through the API.

Configuration is read from the environment and an optional .env file,
the same keys the API and worker use.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")
	rootCmd.PersistentFlags().String("tenant", "", "Tenant id (default: the shared tenant)")

	rootCmd.AddCommand(newSearchCmd())
	rootCmd.AddCommand(newRouteCmd())
	rootCmd.AddCommand(newSourcesCmd())
	rootCmd.AddCommand(newRebuildSparseCmd())
	rootCmd.AddCommand(newMCPCmd())
	return rootCmd
}

func newSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Hybrid search over indexed chunks",
		Long: `Run a hybrid dense and lexical search.

Examples:
  kbctl search "refund policy"
  kbctl search --top-k 10 --source handbook.pdf "vacation days"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topK, _ := cmd.Flags().GetInt("top-k")
			source, _ := cmd.Flags().GetString("source")
			if topK <= 0 {
				return fmt.Errorf("--top-k must be positive")
			}
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				req := domain.SearchRequest{
					Query:     args[0],
					TenantID:  tenantFlag(cmd),
					TopK:      topK,
					Threshold: app.Config.RAGSimilarityThreshold,
				}
				if source != "" {
					req.Source = &source
				}
				results, err := app.Hybrid.Search(ctx, req)
				if err != nil {
					return fmt.Errorf("search: %w", err)
				}
				if jsonFlag(cmd) {
					return printJSON(cmd.OutOrStdout(), results)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSOURCE\tCHUNK\tSCORE\tTEXT")
				for _, r := range results {
					fmt.Fprintf(w, "%s\t%s\t%d/%d\t%.4f\t%s\n", r.ID, r.Source, r.ChunkIndex+1, r.TotalChunks, r.Score(), preview(r.Text, 60))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().Int("top-k", 5, "Maximum results to return")
	cmd.Flags().String("source", "", "Restrict results to one source")
	return cmd
}

func newRouteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "route <query>",
		Short: "Classify a query into a retrieval intent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				decision := app.Router.Classify(ctx, args[0], nil)
				if jsonFlag(cmd) {
					return printJSON(cmd.OutOrStdout(), decision)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s (confidence %.2f, %s path)\n", decision.Intent, decision.Confidence, decision.Path)
				return nil
			})
		},
	}
}

func newSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List indexed sources of a tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				sources, err := app.Dense.ListSources(ctx, tenantFlag(cmd))
				if err != nil {
					return fmt.Errorf("list sources: %w", err)
				}
				if jsonFlag(cmd) {
					return printJSON(cmd.OutOrStdout(), sources)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "SOURCE\tTYPE\tCHUNKS")
				for _, s := range sources {
					fmt.Fprintf(w, "%s\t%s\t%d\n", s.Source, s.SourceType, s.ChunkCount)
				}
				return w.Flush()
			})
		},
	}
}

func newRebuildSparseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-sparse",
		Short: "Rebuild the BM25 index from the vector store and save a snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				n, err := app.Rebuilder.Rebuild(ctx)
				if err != nil {
					return fmt.Errorf("rebuild sparse index: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rebuilt sparse index from %d chunks\n", n)
				return nil
			})
		},
	}
}

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the knowledge tools over MCP stdio",
		Long: `Start an MCP server on stdio exposing search_knowledge, retrieve_context,
classify_query, list_sources and chunk_context.

Every call is scoped to MCP_TENANT_ID, or to --tenant when given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				tenant := tenantFlag(cmd)
				if tenant == "" {
					tenant = app.Config.MCPTenantID
				}
				server := mcpserver.NewMCPServer("knowledge-retrieval", version)
				mcpadapter.RegisterTools(server, mcpadapter.Dependencies{
					Searcher:   app.Hybrid,
					Classifier: app.Router,
					Retriever:  app.Retrieval,
					Sources:    app.Dense,
					TenantID:   tenant,
					TopK:       app.Config.RAGTopK,
					Threshold:  app.Config.RAGSimilarityThreshold,
				})

				serverErr := make(chan error, 1)
				go func() {
					serverErr <- mcpserver.ServeStdio(server)
				}()
				select {
				case <-ctx.Done():
					return nil
				case err := <-serverErr:
					if err != nil {
						return fmt.Errorf("mcp server: %w", err)
					}
					return nil
				}
			})
		},
	}
}

// withApp builds the service graph for one command. Logs go to stderr so
// stdout stays clean for results and the MCP transport.
func withApp(cmd *cobra.Command, fn func(context.Context, *bootstrap.App) error) error {
	cfg := config.Load()
	logger := logging.New(os.Stderr, "kbctl", cfg.LogLevel, "text")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{Service: "kbctl", Logger: logger})
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer app.Close()
	return fn(ctx, app)
}

func tenantFlag(cmd *cobra.Command) string {
	tenant, _ := cmd.Flags().GetString("tenant")
	return tenant
}

func jsonFlag(cmd *cobra.Command) bool {
	asJSON, _ := cmd.Flags().GetBool("json")
	return asJSON
}

func printJSON(w io.Writer, payload any) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

func preview(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}
