package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/medrag/medrag/internal/api"
	"github.com/medrag/medrag/internal/chunker"
	"github.com/medrag/medrag/internal/composer"
	"github.com/medrag/medrag/internal/config"
	"github.com/medrag/medrag/internal/domain"
	"github.com/medrag/medrag/internal/engine"
	"github.com/medrag/medrag/internal/ingest"
	"github.com/medrag/medrag/internal/llm"
	"github.com/medrag/medrag/internal/pipeline"
	"github.com/medrag/medrag/internal/retrieval"
	"github.com/medrag/medrag/internal/retry"
	"github.com/medrag/medrag/internal/storage"
	"github.com/medrag/medrag/internal/telegram"
	"github.com/medrag/medrag/internal/watcher"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the medrag server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ingestOnStart, _ := cmd.Flags().GetBool("ingest-on-start")
		mcp, _ := cmd.Flags().GetBool("mcp")
		return runServer(serveOptions{ingestOnStart: ingestOnStart, mcp: mcp})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running medrag server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show medrag system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("ingest-on-start", true, "ingest new PDFs from the storage directory at startup")
	serveCmd.Flags().Bool("mcp", false, "also serve MCP over stdin/stdout")
}

type serveOptions struct {
	ingestOnStart bool
	mcp           bool
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "medrag.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// openVectorStore builds the configured backend. close releases its
// resources.
func openVectorStore(ctx context.Context, cfg config.Config, store *storage.Store) (vs retrieval.VectorStore, close func(), err error) {
	switch cfg.Vector.Backend {
	case "qdrant":
		return retrieval.NewQdrantStore(retrieval.QdrantConfig{
			URL:        cfg.Qdrant.URL,
			APIKey:     cfg.Qdrant.APIKey,
			Collection: cfg.Vector.Index,
			Timeout:    cfg.Timeout.Vector,
		}), func() {}, nil
	case "pgvector":
		pg, err := retrieval.NewPGVectorStore(ctx, cfg.PGVector.DSN, cfg.Vector.Index)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to pgvector: %w", err)
		}
		return pg, pg.Close, nil
	default:
		return retrieval.NewSQLiteStore(store.DB()), func() {}, nil
	}
}

func newGenerator(cfg config.Config, eng engine.Engine) llm.Generator {
	if cfg.LLM.Provider == "local" {
		return llm.NewLocalGenerator(eng)
	}
	return llm.NewClientWithBaseURL(cfg.LLM.OpenRouterAPIKey, cfg.LLM.BaseURL).
		WithRateLimit(cfg.LLM.RequestsPerSecond)
}

func runServer(opts serveOptions) error {
	fmt.Fprintf(os.Stderr, "medrag version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()})))
	if cfg.Server.APIToken == "" {
		slog.Warn("MEDRAG_API_TOKEN is not set; the HTTP API accepts unauthenticated requests")
	}

	// Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(serverURL(cfg) + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("medrag is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("medrag is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng := engine.NewOllamaEngine(cfg.Ollama.BaseURL)
	chatModel := ""
	if cfg.LLM.Provider == "local" {
		chatModel = cfg.LLM.Model
	}
	if err := engine.EnsureReady(ctx, eng, cfg.Embedding.Model, chatModel, os.Stderr); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	vectors, closeVectors, err := openVectorStore(ctx, cfg, store)
	if err != nil {
		return err
	}
	defer closeVectors()

	embedder := retrieval.NewEmbedder(eng, cfg.Embedding.Model,
		retrieval.WithBatchSize(cfg.Embedding.BatchSize),
		retrieval.WithEmbedTimeout(cfg.Timeout.Embedding),
		retrieval.WithEmbedRetry(retry.Policy{
			Attempts:       cfg.Embedding.MaxAttempts,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
		}),
	)
	chunks := chunker.New(
		chunker.WithBounds(cfg.Chunk.MinSize, cfg.Chunk.MaxSize),
		chunker.WithSize(cfg.Chunk.Size),
		chunker.WithOverlap(cfg.Chunk.Overlap),
	)
	ingester := ingest.New(store, embedder, vectors, chunks,
		ingest.WithConcurrency(cfg.Ingest.Concurrency),
		ingest.WithTimeouts(cfg.Timeout.Extraction, cfg.Timeout.Vector),
	)

	policy := retrieval.Policy{
		Primary:   float32(cfg.Retrieval.PrimaryThreshold),
		Secondary: float32(cfg.Retrieval.SecondaryThreshold),
		MinCount:  cfg.Retrieval.MinCount,
	}
	retriever := retrieval.NewRetriever(embedder, vectors, policy, cfg.Retrieval.TopK, cfg.Timeout.Vector)
	generator := newGenerator(cfg, eng)
	orchestrator := pipeline.NewOrchestrator(retriever, composer.New(0), generator, store, pipeline.Config{
		Model:             cfg.LLM.Model,
		Temperature:       cfg.LLM.Temperature,
		MaxTokens:         cfg.LLM.MaxTokens,
		GenerationTimeout: cfg.Timeout.Generation,
	})

	checks := []api.HealthCheck{
		{Name: "embedding", Ping: func(ctx context.Context) error {
			if !eng.IsRunning(ctx) {
				return errors.New("ollama not reachable")
			}
			return nil
		}},
		{Name: "vector_store", Ping: vectors.Ping},
		{Name: "llm", Ping: generator.Ping},
	}

	// Jobs and document claims left behind by a crash would never be
	// picked up again.
	if n, err := store.ResetRunningJobs(); err != nil {
		slog.Warn("resetting running jobs", "error", err)
	} else if n > 0 {
		slog.Info("requeued interrupted jobs", "count", n)
	}
	if n, err := store.ResetStaleClaims(); err != nil {
		slog.Warn("resetting interrupted documents", "error", err)
	} else if n > 0 {
		slog.Info("marked interrupted documents failed", "count", n)
	}
	worker := ingest.NewWorker(store, ingester, 500*time.Millisecond)
	go worker.Run(ctx)

	if opts.ingestOnStart {
		go ingestExisting(ctx, ingester, cfg.Storage.PDFDir)
	}

	if cfg.Storage.Watch {
		w, err := watcher.New(cfg.Storage.PDFDir, func(ns domain.Namespace, path string) {
			if _, err := ingest.Enqueue(store, ns, path, false); err != nil {
				slog.Error("queueing watched file", "path", path, "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("starting watcher: %w", err)
		}
		go func() {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("watcher stopped", "error", err)
			}
		}()
		slog.Info("watching for new documents", "dir", cfg.Storage.PDFDir)
	}

	deps := api.Deps{
		Store:    store,
		Answerer: orchestrator,
		Ingester: ingester,
		Searcher: retriever,
		Checks:   checks,
		PDFDir:   cfg.Storage.PDFDir,
		Token:    cfg.Server.APIToken,
	}

	var bot *telegram.Bot
	if cfg.Telegram.Enabled() {
		tg := telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.APIBaseURL, &http.Client{Timeout: time.Minute})
		bot = telegram.NewBot(cfg.Telegram.WebhookSecret, tg, orchestrator, ingester)
		deps.Mount = bot.Register
		slog.Info("telegram webhook enabled")
	}

	if opts.mcp {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:    store,
			Answerer: orchestrator,
			Files:    ingester,
			Searcher: retriever,
			Checks:   checks,
		}, version)
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	srv := api.NewServer(cfg.Server.Addr(), api.NewHandler(deps))
	srv.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "medrag listening on %s\n", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	if bot != nil {
		bot.Wait()
	}
	return err
}

// ingestExisting runs a batch over the PDF root (namespace "default") and
// every namespace subdirectory.
func ingestExisting(ctx context.Context, p *ingest.Pipeline, root string) {
	dirs := map[domain.Namespace]string{domain.DefaultNamespace: root}
	entries, err := os.ReadDir(root)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("reading document directory", "dir", root, "error", err)
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if ns, err := domain.ParseNamespace(e.Name()); err == nil && ns != domain.DefaultNamespace {
			dirs[ns] = filepath.Join(root, e.Name())
		}
	}

	for ns, dir := range dirs {
		if ctx.Err() != nil {
			return
		}
		sum, err := p.IngestDirectory(ctx, ns, dir, false)
		if err != nil {
			slog.Warn("startup ingestion failed", "namespace", ns, "error", err)
			continue
		}
		if sum.Processed+sum.Skipped+len(sum.Failed) > 0 {
			slog.Info("startup ingestion", "namespace", ns,
				"processed", sum.Processed, "skipped", sum.Skipped, "failed", len(sum.Failed))
		}
	}
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("medrag is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop medrag (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to medrag (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	client := &apiClient{
		baseURL:    serverURL(cfg),
		token:      cfg.Server.APIToken,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
	health, err := fetchHealth(ctx, client)
	switch {
	case err != nil:
		printStatus("Server", "stopped")
	case health.Status == "ok":
		printStatus("Server", "running on %s", cfg.Server.Addr())
	default:
		printStatus("Server", "degraded on %s", cfg.Server.Addr())
	}
	if err == nil {
		printHealth(health)
	}

	printStatus("Embedding model", "%s", cfg.Embedding.Model)
	printStatus("LLM", "%s (%s)", cfg.LLM.Model, cfg.LLM.Provider)
	printStatus("Vector backend", "%s", cfg.Vector.Backend)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("PDF dir", "%s", cfg.Storage.PDFDir)
	return nil
}

func fetchHealth(ctx context.Context, c *apiClient) (api.HealthResponse, error) {
	var health api.HealthResponse
	resp, err := c.send(ctx, http.MethodGet, "/health", "", nil)
	if err != nil {
		return health, err
	}
	// A degraded server answers 503 with the same body.
	if resp.StatusCode == http.StatusServiceUnavailable {
		resp.StatusCode = http.StatusOK
	}
	err = decodeJSON(resp, &health)
	return health, err
}

func printHealth(h api.HealthResponse) {
	for _, name := range slices.Sorted(maps.Keys(h.Checks)) {
		state := h.Checks[name]
		if state == "ok" {
			state = colorize(colorGreen, state)
		} else {
			state = colorize(colorRed, state)
		}
		printStatus("  "+name, "%s", state)
	}
	if len(h.Namespaces) == 0 {
		printStatus("Documents", "none ingested")
		return
	}
	for _, ns := range slices.Sorted(maps.Keys(h.Namespaces)) {
		printStatus("Documents ["+ns+"]", "%d", h.Namespaces[ns])
	}
}
