package retrieval

import (
	"context"
	"errors"
	"time"

	"github.com/medrag/medrag/internal/domain"
)

// VectorStore is a namespaced vector index. Every operation is scoped to one
// namespace and never reads or writes another. Upserts are idempotent by
// record ID. Query ranks by cosine similarity, highest first, and may return
// fewer than topK records.
//
// Backends: SQLiteStore (default, brute-force cosine), QdrantStore (REST) and
// PGVectorStore (Postgres + pgvector).
type VectorStore interface {
	// Upsert inserts or replaces records. All records of a namespace must
	// share one embedding model and dimension.
	Upsert(ctx context.Context, ns domain.Namespace, records []Record) error

	// Query returns up to topK records most similar to vector.
	Query(ctx context.Context, ns domain.Namespace, vector []float32, topK int) ([]ScoredRecord, error)

	// Delete removes the records with the given IDs. Missing IDs are ignored.
	Delete(ctx context.Context, ns domain.Namespace, ids []string) error

	// DeleteDocument removes every record of one document.
	DeleteDocument(ctx context.Context, ns domain.Namespace, documentID string) error

	// DeleteAll empties the namespace.
	DeleteAll(ctx context.Context, ns domain.Namespace) error

	// Count returns the number of records in the namespace.
	Count(ctx context.Context, ns domain.Namespace) (int, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
}

// Record is one embedded chunk.
type Record struct {
	ID         string
	DocumentID string
	ChunkIndex int
	Text       string
	TokenCount int
	Model      string
	Embedding  []float32
	CreatedAt  time.Time
}

// ScoredRecord is a Record with a similarity score attached.
type ScoredRecord struct {
	Record
	Score float32
}

// checkRecords rejects batches that mix models or dimensions, or carry empty
// vectors. It returns the shared model and dimension.
func checkRecords(records []Record) (model string, dims int, err error) {
	for i, r := range records {
		if r.ID == "" {
			return "", 0, domain.Errorf(domain.InvalidInput, "upsert", "record %d has no id", i)
		}
		if len(r.Embedding) == 0 {
			return "", 0, domain.Errorf(domain.InvalidInput, "upsert", "record %s has no embedding", r.ID)
		}
		if i == 0 {
			model, dims = r.Model, len(r.Embedding)
			continue
		}
		if r.Model != model || len(r.Embedding) != dims {
			return "", 0, domain.Errorf(domain.InvalidInput, "upsert",
				"record %s is %s/%d, batch is %s/%d", r.ID, r.Model, len(r.Embedding), model, dims)
		}
	}
	return model, dims, nil
}

func mismatchError(ns domain.Namespace, haveModel string, haveDims int, model string, dims int) error {
	return domain.Errorf(domain.InvalidInput, "upsert",
		"namespace %q holds %s/%d vectors, got %s/%d; clear the namespace before switching models",
		ns, haveModel, haveDims, model, dims)
}

// StoreError classifies a backend failure. Errors that already carry a kind
// and context errors pass through; anything else is VectorStoreUnavailable.
func StoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	if domain.KindOf(err) != domain.KindUnknown {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return domain.E(domain.VectorStoreUnavailable, op, err)
}
