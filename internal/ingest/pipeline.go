// Package ingest turns source documents into namespaced vector records and
// keeps the processed-document ledger in step with the vector store.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/medrag/medrag/internal/chunker"
	"github.com/medrag/medrag/internal/domain"
	"github.com/medrag/medrag/internal/extract"
	"github.com/medrag/medrag/internal/retrieval"
	"github.com/medrag/medrag/internal/retry"
	"github.com/medrag/medrag/internal/storage"
)

// UpsertBatchSize is the number of records written per vector store call.
const UpsertBatchSize = 100

// Status is the per-document outcome of an ingestion.
type Status string

const (
	StatusIngested Status = "ingested"
	StatusSkipped  Status = "skipped"
	StatusFailed   Status = "failed"
)

// Report describes what happened to one document.
type Report struct {
	DocumentID string           `json:"document_id"`
	Filename   string           `json:"filename"`
	Namespace  domain.Namespace `json:"namespace"`
	Status     Status           `json:"status"`
	Chunks     int              `json:"chunks"`
	Reason     string           `json:"reason,omitempty"`
}

// BatchSummary aggregates a directory run. Failures are listed per document.
type BatchSummary struct {
	Processed int      `json:"processed"`
	Skipped   int      `json:"skipped"`
	Failed    []Report `json:"failed"`
	Reports   []Report `json:"reports"`
}

// Ledger is the processed-document set.
type Ledger interface {
	ClaimDocument(doc domain.Document, reprocess bool) (storage.ClaimOutcome, *domain.Document, error)
	MarkIngested(ns domain.Namespace, id string, chunks int) error
	MarkFailed(ns domain.Namespace, id string, reason string) error
	DeleteDocument(ns domain.Namespace, id string) error
	ClearNamespace(ns domain.Namespace) (int, error)
}

// BatchEmbedder embeds chunk texts in order.
type BatchEmbedder interface {
	Model() string
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Pipeline runs extract → chunk → embed → upsert for documents.
type Pipeline struct {
	ledger         Ledger
	embedder       BatchEmbedder
	vectors        retrieval.VectorStore
	chunker        *chunker.Chunker
	concurrency    int
	extractTimeout time.Duration
	storeTimeout   time.Duration
	upsertRetry    retry.Policy
	batchExts      []string
	logger         *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithConcurrency bounds how many documents a batch ingests at once.
func WithConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithTimeouts sets the extraction and per-call vector store timeouts.
func WithTimeouts(extraction, store time.Duration) Option {
	return func(p *Pipeline) {
		if extraction > 0 {
			p.extractTimeout = extraction
		}
		if store > 0 {
			p.storeTimeout = store
		}
	}
}

// WithUpsertRetry overrides the retry policy for vector writes.
func WithUpsertRetry(r retry.Policy) Option {
	return func(p *Pipeline) { p.upsertRetry = r }
}

// WithBatchExtensions sets the file extensions a directory run picks up.
// The default is PDF only.
func WithBatchExtensions(exts ...string) Option {
	return func(p *Pipeline) {
		if len(exts) > 0 {
			p.batchExts = exts
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates a Pipeline.
func New(ledger Ledger, embedder BatchEmbedder, vectors retrieval.VectorStore, c *chunker.Chunker, opts ...Option) *Pipeline {
	p := &Pipeline{
		ledger:         ledger,
		embedder:       embedder,
		vectors:        vectors,
		chunker:        c,
		concurrency:    4,
		extractTimeout: 60 * time.Second,
		storeTimeout:   15 * time.Second,
		upsertRetry:    retry.Default,
		batchExts:      []string{".pdf"},
		logger:         slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// NamespaceDir is the storage directory holding a namespace's source files:
// the root for the default namespace, a subdirectory otherwise.
func NamespaceDir(root string, ns domain.Namespace) string {
	if ns == domain.DefaultNamespace {
		return root
	}
	return filepath.Join(root, string(ns))
}

// IngestFile reads path and ingests it into ns.
func (p *Pipeline) IngestFile(ctx context.Context, ns domain.Namespace, path string, reprocess bool) (Report, error) {
	filename := filepath.Base(path)
	info, err := os.Stat(path)
	if err != nil {
		err = domain.E(domain.InvalidInput, "ingest", fmt.Errorf("reading %s: %w", filename, err))
		return p.rejected(ns, filename, err), err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		err = domain.E(domain.InvalidInput, "ingest", fmt.Errorf("reading %s: %w", filename, err))
		return p.rejected(ns, filename, err), err
	}
	return p.ingest(ctx, ns, source{
		filename: filename,
		path:     path,
		modTime:  info.ModTime(),
		data:     data,
	}, reprocess)
}

// IngestBytes ingests an in-memory upload into ns.
func (p *Pipeline) IngestBytes(ctx context.Context, ns domain.Namespace, filename string, data []byte, reprocess bool) (Report, error) {
	return p.ingest(ctx, ns, source{
		filename: filepath.Base(filename),
		modTime:  time.Now().UTC(),
		data:     data,
	}, reprocess)
}

// IngestDirectory ingests every PDF directly inside dir, up to the configured
// concurrency at a time. Already-ingested documents are skipped unless
// reprocess is set. Only an unreadable directory is an error; per-document
// failures are listed in the summary.
func (p *Pipeline) IngestDirectory(ctx context.Context, ns domain.Namespace, dir string, reprocess bool) (BatchSummary, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return BatchSummary{Failed: []Report{}, Reports: []Report{}}, nil
		}
		return BatchSummary{}, fmt.Errorf("reading storage directory: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || !p.batchFile(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)

	reports := make([]Report, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, path := range paths {
		g.Go(func() error {
			reports[i], _ = p.IngestFile(gctx, ns, path, reprocess)
			return nil
		})
	}
	g.Wait()

	summary := BatchSummary{Failed: []Report{}, Reports: reports}
	for _, r := range reports {
		switch r.Status {
		case StatusIngested:
			summary.Processed++
		case StatusSkipped:
			summary.Skipped++
		default:
			summary.Failed = append(summary.Failed, r)
		}
	}
	p.logger.Info("batch ingestion finished", "namespace", ns, "dir", dir,
		"processed", summary.Processed, "skipped", summary.Skipped, "failed", len(summary.Failed))
	return summary, ctx.Err()
}

func (p *Pipeline) batchFile(name string) bool {
	ext := filepath.Ext(name)
	for _, e := range p.batchExts {
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}

// DeleteDocument removes a document's vectors and its ledger row.
func (p *Pipeline) DeleteDocument(ctx context.Context, ns domain.Namespace, id string) error {
	sctx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()
	if err := p.vectors.DeleteDocument(sctx, ns, id); err != nil {
		return retrieval.StoreError("delete document", err)
	}
	if err := p.ledger.DeleteDocument(ns, id); err != nil {
		return fmt.Errorf("deleting ledger row: %w", err)
	}
	p.logger.Info("document deleted", "namespace", ns, "doc_id", id)
	return nil
}

// ClearNamespace removes every vector and ledger row of ns and returns the
// number of documents removed.
func (p *Pipeline) ClearNamespace(ctx context.Context, ns domain.Namespace) (int, error) {
	sctx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()
	if err := p.vectors.DeleteAll(sctx, ns); err != nil {
		return 0, retrieval.StoreError("clear namespace", err)
	}
	n, err := p.ledger.ClearNamespace(ns)
	if err != nil {
		return 0, fmt.Errorf("clearing ledger: %w", err)
	}
	p.logger.Info("namespace cleared", "namespace", ns, "documents", n)
	return n, nil
}

type source struct {
	filename string
	path     string
	modTime  time.Time
	data     []byte
}

func (p *Pipeline) ingest(ctx context.Context, ns domain.Namespace, src source, reprocess bool) (Report, error) {
	if !extract.Supported(src.filename) {
		err := domain.Errorf(domain.InvalidInput, "ingest", "unsupported file type %q", filepath.Ext(src.filename))
		return p.rejected(ns, src.filename, err), err
	}
	if len(src.data) == 0 {
		err := domain.Errorf(domain.InvalidInput, "ingest", "%s is empty", src.filename)
		return p.rejected(ns, src.filename, err), err
	}

	sum := sha256.Sum256(src.data)
	doc := domain.Document{
		ID:          domain.DocumentID(src.filename),
		Namespace:   ns,
		Filename:    src.filename,
		SourcePath:  src.path,
		ContentHash: hex.EncodeToString(sum[:]),
		ModTime:     src.modTime,
		Size:        int64(len(src.data)),
		EmbedModel:  p.embedder.Model(),
	}
	report := Report{DocumentID: doc.ID, Filename: doc.Filename, Namespace: ns}
	log := p.logger.With("namespace", ns, "doc_id", doc.ID)

	outcome, prev, err := p.ledger.ClaimDocument(doc, reprocess)
	if err != nil {
		err = fmt.Errorf("claiming %s: %w", doc.ID, err)
		report.Status, report.Reason = StatusFailed, failureReason(err)
		return report, err
	}
	switch outcome {
	case storage.ClaimSkipped:
		report.Status, report.Reason = StatusSkipped, "already ingested"
		if prev != nil {
			report.Chunks = prev.ChunkCount
		}
		log.Debug("document unchanged, skipping")
		return report, nil
	case storage.ClaimBusy:
		report.Status, report.Reason = StatusSkipped, "ingestion already in progress"
		log.Debug("document claimed by another worker")
		return report, nil
	}

	start := time.Now()
	n, err := p.process(ctx, ns, doc, src.data, prev != nil)
	if err != nil {
		p.fail(ctx, log, doc, err)
		report.Status, report.Reason = StatusFailed, failureReason(err)
		return report, err
	}
	if err := p.ledger.MarkIngested(ns, doc.ID, n); err != nil {
		err = fmt.Errorf("recording %s as ingested: %w", doc.ID, err)
		report.Status, report.Reason = StatusFailed, failureReason(err)
		return report, err
	}

	log.Info("document ingested", "chunks", n, "duration_ms", time.Since(start).Milliseconds())
	report.Status, report.Chunks = StatusIngested, n
	return report, nil
}

// process does the work behind a claim and returns the chunk count.
// hadPrevious means vectors from an earlier attempt may exist.
func (p *Pipeline) process(ctx context.Context, ns domain.Namespace, doc domain.Document, data []byte, hadPrevious bool) (int, error) {
	ectx, cancel := context.WithTimeout(ctx, p.extractTimeout)
	text, err := extract.Text(ectx, doc.Filename, data)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return 0, domain.Errorf(domain.InvalidInput, "extract", "extraction of %s timed out after %s", doc.Filename, p.extractTimeout)
		}
		return 0, err
	}

	chunks, err := p.chunker.Chunk(doc.ID, text)
	if err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, domain.Errorf(domain.InvalidInput, "chunk", "%s has no extractable text", doc.Filename)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vecs, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, err
	}

	if hadPrevious {
		if err := p.storeCall(ctx, "delete previous vectors", func(sctx context.Context) error {
			return p.vectors.DeleteDocument(sctx, ns, doc.ID)
		}); err != nil {
			return 0, err
		}
	}

	now := time.Now().UTC()
	records := make([]retrieval.Record, len(chunks))
	for i, c := range chunks {
		records[i] = retrieval.Record{
			ID:         c.ID,
			DocumentID: doc.ID,
			ChunkIndex: c.Index,
			Text:       c.Text,
			TokenCount: c.TokenCount,
			Model:      doc.EmbedModel,
			Embedding:  vecs[i],
			CreatedAt:  now,
		}
	}
	for start := 0; start < len(records); start += UpsertBatchSize {
		end := min(start+UpsertBatchSize, len(records))
		batch := records[start:end]
		err := retry.Do(ctx, p.upsertRetry, func(ctx context.Context, _ int) error {
			err := p.storeCall(ctx, "upsert", func(sctx context.Context) error {
				return p.vectors.Upsert(sctx, ns, batch)
			})
			if domain.IsKind(err, domain.InvalidInput) {
				return retry.Permanent(err)
			}
			return err
		})
		if err != nil {
			return 0, err
		}
	}
	return len(chunks), nil
}

func (p *Pipeline) storeCall(ctx context.Context, op string, fn func(context.Context) error) error {
	sctx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()
	return retrieval.StoreError(op, fn(sctx))
}

// fail removes partial vectors and records the failure. Both steps run even
// when ctx is already cancelled.
func (p *Pipeline) fail(ctx context.Context, log *slog.Logger, doc domain.Document, cause error) {
	log.Warn("document ingestion failed", "error", cause)

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.storeTimeout)
	defer cancel()
	if err := p.vectors.DeleteDocument(cctx, doc.Namespace, doc.ID); err != nil {
		log.Warn("removing partial vectors", "error", err)
	}
	if err := p.ledger.MarkFailed(doc.Namespace, doc.ID, failureReason(cause)); err != nil {
		log.Error("recording ingestion failure", "error", err)
	}
}

func (p *Pipeline) rejected(ns domain.Namespace, filename string, err error) Report {
	p.logger.Warn("document rejected", "namespace", ns, "filename", filename, "error", err)
	return Report{
		DocumentID: domain.DocumentID(filename),
		Filename:   filename,
		Namespace:  ns,
		Status:     StatusFailed,
		Reason:     failureReason(err),
	}
}

// failureReason is the reason stored in the ledger and returned to callers.
// Input errors carry our own message; upstream failures are reduced to their
// kind.
func failureReason(err error) string {
	switch kind := domain.KindOf(err); kind {
	case domain.InvalidInput:
		var de *domain.Error
		if errors.As(err, &de) && de.Err != nil {
			return kind.String() + ": " + de.Err.Error()
		}
		return kind.String()
	case domain.KindUnknown:
		if errors.Is(err, context.Canceled) {
			return "cancelled"
		}
		return "internal_error"
	default:
		return kind.String()
	}
}
