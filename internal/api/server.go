// Package api exposes the HTTP and MCP surfaces of the service.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/medrag/medrag/internal/domain"
	"github.com/medrag/medrag/internal/ingest"
	"github.com/medrag/medrag/internal/pipeline"
	"github.com/medrag/medrag/internal/retrieval"
	"github.com/medrag/medrag/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// maxUploadSize bounds one uploaded document.
const maxUploadSize = 50 << 20

// Answerer answers questions.
type Answerer interface {
	Answer(ctx context.Context, q pipeline.Query) (domain.Answer, pipeline.Metadata, error)
}

// Ingester adds and removes documents.
type Ingester interface {
	IngestBytes(ctx context.Context, ns domain.Namespace, filename string, data []byte, reprocess bool) (ingest.Report, error)
	IngestDirectory(ctx context.Context, ns domain.Namespace, dir string, reprocess bool) (ingest.BatchSummary, error)
	DeleteDocument(ctx context.Context, ns domain.Namespace, id string) error
	ClearNamespace(ctx context.Context, ns domain.Namespace) (int, error)
}

// Searcher runs a raw similarity search without the sufficiency decision.
type Searcher interface {
	Search(ctx context.Context, ns domain.Namespace, query string, topK int) ([]retrieval.ContextChunk, error)
}

// HealthCheck probes one capability.
type HealthCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

// Deps holds the handler dependencies.
type Deps struct {
	Store    *storage.Store
	Answerer Answerer
	Ingester Ingester
	Searcher Searcher
	Checks   []HealthCheck
	// PDFDir is where async uploads are written and batch runs read from.
	PDFDir string
	Token  string
	// Mount registers extra unauthenticated routes, such as the Telegram
	// webhook, which carries its own secret.
	Mount func(r chi.Router)
}

// NewHandler returns the HTTP API. /health is always public; every other
// route requires the bearer token when one is configured.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth(deps))
	if deps.Mount != nil {
		deps.Mount(r)
	}

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/ingest", handleIngest(deps))
		r.Post("/ingest/batch", handleIngestBatch(deps))
		r.Post("/query", handleQuery(deps))
		r.Post("/chat", handleQuery(deps))
		r.Get("/recall", handleRecall(deps))
		r.Get("/personas", handlePersonas)

		r.Get("/documents", handleListDocuments(deps))
		r.Get("/documents/{id}", handleGetDocument(deps))
		r.Delete("/documents/{id}", handleDeleteDocument(deps))
		r.Post("/admin/clear", handleClear(deps))

		r.Get("/interactions", handleListInteractions(deps))
		r.Get("/interactions/{id}", handleGetInteraction(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
	})

	return r
}

// NewServer wraps h with the timeouts used in production.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}
}
