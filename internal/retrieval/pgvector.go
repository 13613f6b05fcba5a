package retrieval

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/medrag/medrag/internal/domain"
)

var _ VectorStore = (*PGVectorStore)(nil)

var tableNameRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// PGVectorStore implements VectorStore on Postgres with the pgvector
// extension. The embedding column is untyped so different namespaces may use
// different dimensions; the per-namespace check happens on upsert.
type PGVectorStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewPGVectorStore connects to Postgres and ensures the extension and table
// exist.
func NewPGVectorStore(ctx context.Context, dsn, table string) (*PGVectorStore, error) {
	if table == "" {
		table = "medrag_vectors"
	}
	if !tableNameRe.MatchString(table) {
		return nil, fmt.Errorf("invalid pgvector table name %q", table)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	s := &PGVectorStore{pool: pool, table: pgx.Identifier{table}.Sanitize()}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *PGVectorStore) Close() {
	s.pool.Close()
}

func (s *PGVectorStore) ensureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS %[1]s (
  namespace   text        NOT NULL,
  id          text        NOT NULL,
  document_id text        NOT NULL,
  chunk_index integer     NOT NULL,
  text_chunk  text        NOT NULL,
  token_count integer     NOT NULL DEFAULT 0,
  model       text        NOT NULL,
  dims        integer     NOT NULL,
  embedding   vector      NOT NULL,
  created_at  timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (namespace, id)
);
CREATE INDEX IF NOT EXISTS medrag_vectors_doc_idx ON %[1]s (namespace, document_id);
`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("creating pgvector schema: %w", err)
	}
	return nil
}

func (s *PGVectorStore) shape(ctx context.Context, q pgx.Tx, ns domain.Namespace) (string, int, error) {
	var model string
	var dims int
	row := q.QueryRow(ctx, fmt.Sprintf(`SELECT model, dims FROM %s WHERE namespace = $1 LIMIT 1`, s.table), string(ns))
	if err := row.Scan(&model, &dims); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", 0, nil
		}
		return "", 0, err
	}
	return model, dims, nil
}

// Upsert inserts or replaces records in one transaction.
func (s *PGVectorStore) Upsert(ctx context.Context, ns domain.Namespace, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	model, dims, err := checkRecords(records)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	haveModel, haveDims, err := s.shape(ctx, tx, ns)
	if err != nil {
		return fmt.Errorf("reading namespace shape: %w", err)
	}
	if haveDims != 0 && (haveModel != model || haveDims != dims) {
		return mismatchError(ns, haveModel, haveDims, model, dims)
	}

	stmt := fmt.Sprintf(`
INSERT INTO %s (namespace, id, document_id, chunk_index, text_chunk, token_count, model, dims, embedding, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::vector, $10)
ON CONFLICT (namespace, id) DO UPDATE SET
  document_id = EXCLUDED.document_id,
  chunk_index = EXCLUDED.chunk_index,
  text_chunk  = EXCLUDED.text_chunk,
  token_count = EXCLUDED.token_count,
  model       = EXCLUDED.model,
  dims        = EXCLUDED.dims,
  embedding   = EXCLUDED.embedding`, s.table)

	batch := &pgx.Batch{}
	for _, r := range records {
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		batch.Queue(stmt, string(ns), r.ID, r.DocumentID, r.ChunkIndex, r.Text, r.TokenCount,
			r.Model, dims, pgvector.NewVector(r.Embedding), createdAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upserting vectors: %w", err)
	}
	return tx.Commit(ctx)
}

// Query ranks by cosine distance using the pgvector <=> operator.
func (s *PGVectorStore) Query(ctx context.Context, ns domain.Namespace, vector []float32, topK int) ([]ScoredRecord, error) {
	if topK <= 0 {
		return nil, nil
	}

	var dims int
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT dims FROM %s WHERE namespace = $1 LIMIT 1`, s.table), string(ns)).Scan(&dims)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading namespace dimension: %w", err)
	}
	if dims != len(vector) {
		return nil, domain.Errorf(domain.InvalidInput, "query",
			"query vector has %d dimensions, namespace %q holds %d", len(vector), ns, dims)
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
SELECT id, document_id, chunk_index, text_chunk, token_count, model, created_at,
       1 - (embedding <=> $2::vector) AS score
FROM %s
WHERE namespace = $1
ORDER BY embedding <=> $2::vector, id
LIMIT $3`, s.table), string(ns), pgvector.NewVector(vector), topK)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	var results []ScoredRecord
	for rows.Next() {
		var r ScoredRecord
		var score float64
		if err := rows.Scan(&r.ID, &r.DocumentID, &r.ChunkIndex, &r.Text, &r.TokenCount, &r.Model, &r.CreatedAt, &score); err != nil {
			return nil, fmt.Errorf("scanning vector row: %w", err)
		}
		r.Score = float32(score)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating vector rows: %w", err)
	}
	return results, nil
}

// Delete removes records by ID.
func (s *PGVectorStore) Delete(ctx context.Context, ns domain.Namespace, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE namespace = $1 AND id = ANY($2)`, s.table), string(ns), ids)
	return err
}

// DeleteDocument removes every record of a document.
func (s *PGVectorStore) DeleteDocument(ctx context.Context, ns domain.Namespace, documentID string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE namespace = $1 AND document_id = $2`, s.table), string(ns), documentID)
	return err
}

// DeleteAll empties the namespace.
func (s *PGVectorStore) DeleteAll(ctx context.Context, ns domain.Namespace) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE namespace = $1`, s.table), string(ns))
	return err
}

// Count returns the number of records in the namespace.
func (s *PGVectorStore) Count(ctx context.Context, ns domain.Namespace) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s WHERE namespace = $1`, s.table), string(ns)).Scan(&n)
	return n, err
}

// Ping checks the connection pool.
func (s *PGVectorStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
