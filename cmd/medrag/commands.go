package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/medrag/medrag/internal/api"
	"github.com/medrag/medrag/internal/config"
	"github.com/medrag/medrag/internal/domain"
	"github.com/medrag/medrag/internal/extract"
	"github.com/medrag/medrag/internal/ingest"
)

// withClient runs fn against the configured server.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *apiClient) error) error {
	c, err := newAPIClient()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, c)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [file...]",
	Short: "Ingest documents into a namespace",
	Long: `Ingest PDF, text or markdown files into a namespace.

Examples:
  medrag ingest ./leaflets/aspirin.pdf
  medrag ingest --namespace cardiology ./notes.md ./labs.pdf
  medrag ingest --dir ./leaflets --namespace cardiology`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		namespace, _ := cmd.Flags().GetString("namespace")
		reprocess, _ := cmd.Flags().GetBool("reprocess")
		if len(args) == 0 && dir == "" {
			return fmt.Errorf("a file or --dir is required")
		}

		files := append([]string(nil), args...)
		if dir != "" {
			found, err := supportedFiles(dir)
			if err != nil {
				return err
			}
			if len(found) == 0 {
				printWarning("No PDF, text or markdown files in %s", dir)
			}
			files = append(files, found...)
		}
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			return ingestFiles(ctx, c, files, namespace, reprocess)
		})
	},
}

func supportedFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && !strings.HasPrefix(e.Name(), ".") && extract.Supported(e.Name()) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files, nil
}

// ingestFiles uploads each file in turn and reports per document. It fails
// when any document failed.
func ingestFiles(ctx context.Context, c *apiClient, files []string, namespace string, reprocess bool) error {
	failed := 0
	for _, f := range files {
		printStep("Ingesting %s", f)
		var rep ingest.Report
		if err := c.upload(ctx, f, namespace, reprocess, &rep); err != nil {
			printError("%s: %v", f, err)
			failed++
			continue
		}
		switch rep.Status {
		case ingest.StatusIngested:
			printSuccess("%s: %d chunks in namespace %s", rep.DocumentID, rep.Chunks, rep.Namespace)
		case ingest.StatusSkipped:
			printWarning("%s: unchanged, skipped", rep.DocumentID)
		default:
			printError("%s: %s", rep.DocumentID, rep.Reason)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d documents failed", failed, len(files))
	}
	return nil
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a medical question",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		namespace, _ := cmd.Flags().GetString("namespace")
		persona, _ := cmd.Flags().GetString("persona")
		asJSON, _ := cmd.Flags().GetBool("json")

		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			var res api.QueryResponse
			req := api.QueryRequest{Question: strings.Join(args, " "), Namespace: namespace, Persona: persona}
			if err := c.call(ctx, http.MethodPost, "/query", req, &res); err != nil {
				return err
			}
			if asJSON {
				return printJSON(res)
			}
			printAnswer(os.Stdout, res.Answer)
			return nil
		})
	},
}

var recallCmd = &cobra.Command{
	Use:   "recall <query>",
	Short: "Semantic search over a namespace",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		namespace, _ := cmd.Flags().GetString("namespace")

		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			path := endpoint("/recall", url.Values{
				"q":         {strings.Join(args, " ")},
				"limit":     {strconv.Itoa(limit)},
				"namespace": {namespace},
			})
			var chunks []api.ChunkView
			if err := c.call(ctx, http.MethodGet, path, nil, &chunks); err != nil {
				return err
			}
			printChunks(chunks)
			return nil
		})
	},
}

func printChunks(chunks []api.ChunkView) {
	if len(chunks) == 0 {
		fmt.Println("Nothing relevant in this namespace.")
		return
	}
	for i, ch := range chunks {
		fmt.Printf("\n%s %s, chunk %d (score %.3f)\n",
			colorize(colorBold, fmt.Sprintf("#%d", i+1)), ch.DocumentID, ch.ChunkIndex, ch.Score)
		fmt.Printf("  %s\n", truncate(ch.Text, 500))
	}
}

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "Manage ingested documents",
}

var documentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingested documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		namespace, _ := cmd.Flags().GetString("namespace")

		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			var docs []domain.Document
			if err := c.call(ctx, http.MethodGet, endpoint("/documents", url.Values{"namespace": {namespace}}), nil, &docs); err != nil {
				return err
			}
			if len(docs) == 0 {
				fmt.Println("No documents ingested.")
				return nil
			}
			for _, d := range docs {
				status := string(d.Status)
				if d.Status != domain.StatusIngested {
					status = colorize(colorYellow, status)
				}
				fmt.Printf("%s  %-12s  %-9s  %4d chunks  %s\n",
					colorize(colorCyan, d.ID), d.Namespace, status, d.ChunkCount, d.Filename)
				if d.Error != "" {
					fmt.Printf("    %s\n", d.Error)
				}
			}
			return nil
		})
	},
}

var documentsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a document and its vectors",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		namespace, _ := cmd.Flags().GetString("namespace")

		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			path := endpoint("/documents/"+url.PathEscape(args[0]), url.Values{"namespace": {namespace}})
			if err := c.call(ctx, http.MethodDelete, path, nil, nil); err != nil {
				return err
			}
			printSuccess("Deleted %s", args[0])
			return nil
		})
	},
}

var documentsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every document in a namespace",
	RunE: func(cmd *cobra.Command, args []string) error {
		namespace, _ := cmd.Flags().GetString("namespace")
		if ok, _ := cmd.Flags().GetBool("confirm"); !ok {
			printWarning("This deletes every document and vector in the namespace. Re-run with --confirm.")
			return nil
		}

		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			var res struct {
				Namespace string `json:"namespace"`
				Removed   int    `json:"documents_removed"`
			}
			if err := c.call(ctx, http.MethodPost, "/admin/clear", api.ClearRequest{Namespace: namespace}, &res); err != nil {
				return err
			}
			printSuccess("Removed %d documents from %s", res.Removed, res.Namespace)
			return nil
		})
	},
}

var interactionsCmd = &cobra.Command{
	Use:   "interactions",
	Short: "Browse answered questions",
}

var interactionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent questions and how they were answered",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		namespace, _ := cmd.Flags().GetString("namespace")

		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			path := endpoint("/interactions", url.Values{"limit": {strconv.Itoa(limit)}, "namespace": {namespace}})
			var items []api.InteractionView
			if err := c.call(ctx, http.MethodGet, path, nil, &items); err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Println("No questions asked yet.")
				return nil
			}
			for _, ix := range items {
				printInteraction(ix)
			}
			return nil
		})
	},
}

func printInteraction(ix api.InteractionView) {
	id := ix.ID
	if len(id) > 8 {
		id = id[:8]
	}
	source := ix.Provenance
	if ix.Status == "failed" {
		source = colorize(colorRed, "failed: "+ix.Error)
	}
	fmt.Printf("%s  %s  %-10s  %s  [%s]\n",
		colorize(colorCyan, id), ix.CreatedAt.Format("2006-01-02 15:04"), ix.Namespace, truncate(ix.Question, 80), source)
}

var interactionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print one interaction as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			var ix api.InteractionView
			if err := c.call(ctx, http.MethodGet, "/interactions/"+url.PathEscape(args[0]), nil, &ix); err != nil {
				return err
			}
			return printJSON(ix)
		})
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorDim, k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Persist a value in the config file",
	Long:  "Persist a value in the config file. Valid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetKey(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("%s = %s", args[0], args[1])
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("dir", "", "ingest every supported file in this directory")
	ingestCmd.Flags().StringP("namespace", "n", "", "target namespace (default \"default\")")
	ingestCmd.Flags().Bool("reprocess", false, "re-ingest even when the content is unchanged")

	askCmd.Flags().StringP("namespace", "n", "", "namespace to answer from (default \"default\")")
	askCmd.Flags().StringP("persona", "p", "", "doctor, specialist or nurse (default doctor)")
	askCmd.Flags().Bool("json", false, "print the full response as JSON")

	recallCmd.Flags().Int("limit", 5, "maximum number of chunks")
	recallCmd.Flags().StringP("namespace", "n", "", "namespace to search (default \"default\")")

	documentsListCmd.Flags().StringP("namespace", "n", "", "only list this namespace")
	documentsDeleteCmd.Flags().StringP("namespace", "n", "", "namespace of the document (default \"default\")")
	documentsClearCmd.Flags().StringP("namespace", "n", "", "namespace to clear (default \"default\")")
	documentsClearCmd.Flags().Bool("confirm", false, "confirm deletion")
	documentsCmd.AddCommand(documentsListCmd, documentsDeleteCmd, documentsClearCmd)

	interactionsListCmd.Flags().Int("limit", 20, "maximum number of interactions")
	interactionsListCmd.Flags().StringP("namespace", "n", "", "only list this namespace")
	interactionsCmd.AddCommand(interactionsListCmd, interactionsShowCmd)

	configCmd.AddCommand(configShowCmd, configSetCmd)
}
