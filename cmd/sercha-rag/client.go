package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/custodia-labs/sercha-rag/internal/adapters/driving/natsrpc"
	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/runtime"
)

// ragClient is the remote API the client commands use.
type ragClient interface {
	Ingest(ctx context.Context, tenantID string, content []byte, filename, contentType string) (*domain.Document, error)
	Query(ctx context.Context, tenantID, query string, opts domain.QueryOptions) (*domain.AnswerResult, error)
	Status(ctx context.Context, tenantID, documentID string) (domain.DocumentStatus, error)
	Get(ctx context.Context, tenantID, documentID string) (*domain.Document, error)
	List(ctx context.Context, tenantID string, limit, offset int) ([]*domain.Document, error)
	Delete(ctx context.Context, tenantID, documentID string) error
	Reprocess(ctx context.Context, tenantID, documentID string) error
	Reembed(ctx context.Context, tenantID, documentID string) error
	Health(ctx context.Context) (*runtime.HealthReport, error)
}

var _ ragClient = (*natsrpc.Client)(nil)

// newClient connects to the server. Replaced in tests.
var newClient = func() (ragClient, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	nc, err := nats.Connect(cfg.NATS.URL, nats.Name("sercha-rag-cli"))
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats %s: %w", cfg.NATS.URL, err)
	}
	return natsrpc.NewClient(nc, cfg.NATS.Prefix, cfg.NATS.RequestTimeout), nc.Close, nil
}

// Client flags.
var (
	tenantID      string
	contentType   string
	jsonOutput    bool
	queryStrategy string
	queryTopK     int
	queryMaxCtx   int
	queryThresh   float64
	listLimit     int
	listOffset    int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [file]",
	Short: "Upload a document",
	Args:  cobra.ExactArgs(1),
	RunE:  runIngest,
}

var queryCmd = &cobra.Command{
	Use:   "query [question]",
	Short: "Ask a question",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runQuery,
}

var statusCmd = &cobra.Command{
	Use:   "status [doc-id]",
	Short: "Show a document's processing status",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show the server's dependency health",
	Args:  cobra.NoArgs,
	RunE:  runHealth,
}

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "Manage ingested documents",
	Long:  `List, inspect, delete, reprocess or re-embed a tenant's documents.`,
}

var documentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List documents",
	Args:  cobra.NoArgs,
	RunE:  runDocumentsList,
}

var documentsGetCmd = &cobra.Command{
	Use:   "get [doc-id]",
	Short: "Show document info",
	Args:  cobra.ExactArgs(1),
	RunE:  runDocumentsGet,
}

var documentsDeleteCmd = &cobra.Command{
	Use:   "delete [doc-id]",
	Short: "Delete a document with its chunks and vectors",
	Args:  cobra.ExactArgs(1),
	RunE: documentAction("Deleted", func(ctx context.Context, c ragClient, id string) error {
		return c.Delete(ctx, tenantID, id)
	}),
}

var documentsReprocessCmd = &cobra.Command{
	Use:   "reprocess [doc-id]",
	Short: "Run the ingestion pipeline again",
	Args:  cobra.ExactArgs(1),
	RunE: documentAction("Reprocessing", func(ctx context.Context, c ragClient, id string) error {
		return c.Reprocess(ctx, tenantID, id)
	}),
}

var documentsReembedCmd = &cobra.Command{
	Use:   "reembed [doc-id]",
	Short: "Embed a document with the current model",
	Args:  cobra.ExactArgs(1),
	RunE: documentAction("Re-embedding", func(ctx context.Context, c ragClient, id string) error {
		return c.Reembed(ctx, tenantID, id)
	}),
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&tenantID, "tenant", "t", os.Getenv("SERCHA_TENANT"), "Tenant ID (default $SERCHA_TENANT)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print raw JSON")

	ingestCmd.Flags().StringVar(&contentType, "content-type", "", "MIME type (default from the file extension)")

	queryCmd.Flags().StringVarP(&queryStrategy, "strategy", "s", "", "Retrieval strategy: simple or enhanced")
	queryCmd.Flags().IntVarP(&queryTopK, "top-k", "k", 0, "Number of candidates to retrieve")
	queryCmd.Flags().Float64Var(&queryThresh, "threshold", -1, "Minimum similarity in [0,1]")
	queryCmd.Flags().IntVar(&queryMaxCtx, "max-context", 0, "Passages passed to generation")

	documentsListCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum documents to list")
	documentsListCmd.Flags().IntVar(&listOffset, "offset", 0, "Documents to skip")

	documentsCmd.AddCommand(documentsListCmd)
	documentsCmd.AddCommand(documentsGetCmd)
	documentsCmd.AddCommand(documentsDeleteCmd)
	documentsCmd.AddCommand(documentsReprocessCmd)
	documentsCmd.AddCommand(documentsReembedCmd)

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(documentsCmd)
}

// withClient connects, checks the tenant when needed and runs fn.
func withClient(needTenant bool, fn func(ctx context.Context, c ragClient) error) error {
	if needTenant && strings.TrimSpace(tenantID) == "" {
		return errors.New("tenant is required: pass --tenant or set SERCHA_TENANT")
	}
	c, closeFn, err := newClient()
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(context.Background(), c)
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(data))
	return nil
}

func detectContentType(path string) string {
	if contentType != "" {
		return contentType
	}
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "text/plain"
}

func runIngest(cmd *cobra.Command, args []string) error {
	path := args[0]
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	return withClient(true, func(ctx context.Context, c ragClient) error {
		doc, err := c.Ingest(ctx, tenantID, data, filepath.Base(path), detectContentType(path))
		duplicate := errors.Is(err, domain.ErrAlreadyExists)
		if err != nil && !(duplicate && doc != nil) {
			return fmt.Errorf("failed to ingest document: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd, doc)
		}
		if duplicate {
			cmd.Printf("Already ingested: %s (%s)\n", doc.ID, doc.Status)
			return nil
		}
		cmd.Printf("Ingested: %s\n", doc.ID)
		cmd.Printf("  Filename: %s\n", doc.Filename)
		cmd.Printf("  Status:   %s\n", doc.Status)
		return nil
	})
}

func runQuery(cmd *cobra.Command, args []string) error {
	opts := domain.QueryOptions{
		RetrieveOptions: domain.RetrieveOptions{
			Strategy: domain.Strategy(queryStrategy),
			TopK:     queryTopK,
		},
		MaxContextChunks: queryMaxCtx,
	}
	if cmd.Flags().Changed("threshold") {
		th := queryThresh
		opts.Threshold = &th
	}

	return withClient(true, func(ctx context.Context, c ragClient) error {
		result, err := c.Query(ctx, tenantID, strings.Join(args, " "), opts)
		if err != nil {
			return fmt.Errorf("query failed: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd, result)
		}

		cmd.Println(result.Answer)
		if len(result.Citations) > 0 {
			cmd.Println("\nSources:")
			for i, cit := range result.Citations {
				cmd.Printf("  [%d] %s, %s (%.2f)\n", i+1, cit.Filename, cit.Reference, cit.Confidence)
			}
		}
		cmd.Printf("\nConfidence: %.2f  State: %s  Took: %s\n",
			result.Confidence, result.State, result.Timing.Total.Round(time.Millisecond))
		if result.Degraded {
			cmd.Println("Note: generation was unavailable, showing retrieved passages")
		}
		return nil
	})
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withClient(true, func(ctx context.Context, c ragClient) error {
		status, err := c.Status(ctx, tenantID, args[0])
		if err != nil {
			return fmt.Errorf("failed to get status: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd, map[string]domain.DocumentStatus{"status": status})
		}
		cmd.Printf("%s: %s\n", args[0], status)
		return nil
	})
}

func runHealth(cmd *cobra.Command, _ []string) error {
	return withClient(false, func(ctx context.Context, c ragClient) error {
		report, err := c.Health(ctx)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd, report)
		}
		cmd.Printf("Status: %s\n", report.Status)
		for _, name := range sortedKeys(report.Components) {
			cmd.Printf("  %-10s %s\n", name, report.Components[name])
		}
		return nil
	})
}

func runDocumentsList(cmd *cobra.Command, _ []string) error {
	return withClient(true, func(ctx context.Context, c ragClient) error {
		docs, err := c.List(ctx, tenantID, listLimit, listOffset)
		if err != nil {
			return fmt.Errorf("failed to list documents: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd, docs)
		}
		if len(docs) == 0 {
			cmd.Printf("No documents found for tenant: %s\n", tenantID)
			return nil
		}
		for _, d := range docs {
			cmd.Printf("  %s  %-10s %s\n", d.ID, d.Status, d.Filename)
		}
		cmd.Printf("\nTotal: %d documents\n", len(docs))
		return nil
	})
}

func runDocumentsGet(cmd *cobra.Command, args []string) error {
	return withClient(true, func(ctx context.Context, c ragClient) error {
		doc, err := c.Get(ctx, tenantID, args[0])
		if err != nil {
			return fmt.Errorf("failed to get document: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd, doc)
		}
		cmd.Printf("Document: %s\n\n", doc.ID)
		cmd.Printf("  Filename: %s\n", doc.Filename)
		cmd.Printf("  Type:     %s (%s)\n", doc.ContentType, doc.Layout)
		cmd.Printf("  Status:   %s\n", doc.Status)
		if doc.Error != "" {
			cmd.Printf("  Error:    %s\n", doc.Error)
		}
		cmd.Printf("  Chunks:   %d\n", doc.ChunkCount)
		if doc.EmbeddingModel != "" {
			cmd.Printf("  Model:    %s\n", doc.EmbeddingModel)
		}
		cmd.Printf("  Created:  %s\n", doc.CreatedAt.Format("2006-01-02 15:04:05"))
		cmd.Printf("  Updated:  %s\n", doc.UpdatedAt.Format("2006-01-02 15:04:05"))
		return nil
	})
}

func documentAction(verb string, fn func(ctx context.Context, c ragClient, id string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withClient(true, func(ctx context.Context, c ragClient) error {
			if err := fn(ctx, c, args[0]); err != nil {
				return fmt.Errorf("%s %s: %w", strings.ToLower(verb), args[0], err)
			}
			cmd.Printf("%s: %s\n", verb, args[0])
			return nil
		})
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
