package retrieval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/medrag/medrag/internal/domain"
)

var _ VectorStore = (*SQLiteStore)(nil)

// SQLiteStore keeps vectors in the context_vectors table of the service
// database and answers queries with an exact cosine scan of the namespace.
// It is the default backend and needs no extra service. Large corpora
// belong in Qdrant or pgvector.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore uses db, which must already carry the context_vectors
// table.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const upsertVector = `INSERT INTO context_vectors
	(namespace, id, document_id, chunk_index, text_chunk, token_count, model, dims, embedding, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(namespace, id) DO UPDATE SET
		document_id = excluded.document_id,
		chunk_index = excluded.chunk_index,
		text_chunk  = excluded.text_chunk,
		token_count = excluded.token_count,
		model       = excluded.model,
		dims        = excluded.dims,
		embedding   = excluded.embedding,
		created_at  = excluded.created_at`

// Upsert writes records atomically. A namespace holds vectors of a single
// model and dimension.
func (s *SQLiteStore) Upsert(ctx context.Context, ns domain.Namespace, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	model, dims, err := checkRecords(records)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := namespaceShape(ctx, tx, ns, model, dims); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, upsertVector)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, r := range records {
		created := r.CreatedAt
		if created.IsZero() {
			created = now
		}
		_, err := stmt.ExecContext(ctx, string(ns), r.ID, r.DocumentID, r.ChunkIndex, r.Text, r.TokenCount,
			r.Model, dims, encodeFloat32s(r.Embedding), created.UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("upsert %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// namespaceShape fails when ns already stores vectors from another model
// or of another dimension.
func namespaceShape(ctx context.Context, tx *sql.Tx, ns domain.Namespace, model string, dims int) error {
	var haveModel string
	var haveDims int
	err := tx.QueryRowContext(ctx,
		`SELECT model, dims FROM context_vectors WHERE namespace = ? LIMIT 1`, string(ns)).
		Scan(&haveModel, &haveDims)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading namespace shape: %w", err)
	}
	if haveModel != model || haveDims != dims {
		return mismatchError(ns, haveModel, haveDims, model, dims)
	}
	return nil
}

// Query scores every vector in the namespace and returns the topK best.
// Only ids and embeddings are read during the scan; the winners' text is
// loaded afterwards.
func (s *SQLiteStore) Query(ctx context.Context, ns domain.Namespace, vector []float32, topK int) ([]ScoredRecord, error) {
	if topK <= 0 {
		return nil, nil
	}
	qNorm := norm(vector)
	if qNorm == 0 {
		return nil, domain.Errorf(domain.InvalidInput, "query", "query vector is empty or zero")
	}

	best, err := s.scan(ctx, ns, vector, qNorm, topK)
	if err != nil || len(best.items) == 0 {
		return nil, err
	}

	ids := make([]string, len(best.items))
	score := make(map[string]float32, len(best.items))
	for i, c := range best.items {
		ids[i] = c.id
		score[c.id] = c.score
	}
	records, err := s.load(ctx, ns, ids)
	if err != nil {
		return nil, err
	}

	out := make([]ScoredRecord, 0, len(records))
	for _, r := range records {
		out = append(out, ScoredRecord{Record: r, Score: score[r.ID]})
	}
	sortByScore(out)
	return out, nil
}

func (s *SQLiteStore) scan(ctx context.Context, ns domain.Namespace, vector []float32, qNorm float32, topK int) (*bestN, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM context_vectors WHERE namespace = ?`, string(ns))
	if err != nil {
		return nil, fmt.Errorf("scanning vectors: %w", err)
	}
	defer rows.Close()

	best := &bestN{n: topK}
	var (
		id   string
		blob []byte
		vec  []float32
	)
	for rows.Next() {
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		if vec, err = decodeFloat32sInto(vec, blob); err != nil {
			return nil, fmt.Errorf("vector %s: %w", id, err)
		}
		if len(vec) != len(vector) {
			return nil, domain.Errorf(domain.InvalidInput, "query",
				"query dimension %d does not match namespace dimension %d", len(vector), len(vec))
		}
		best.offer(id, cosine(vector, vec, qNorm))
	}
	return best, rows.Err()
}

func (s *SQLiteStore) load(ctx context.Context, ns domain.Namespace, ids []string) ([]Record, error) {
	where, args := inNamespace(ns, "id", ids)
	rows, err := s.db.QueryContext(ctx, `SELECT id, document_id, chunk_index, text_chunk, token_count, model, embedding, created_at
		FROM context_vectors WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("loading vectors: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r       Record
			blob    []byte
			created string
		)
		if err := rows.Scan(&r.ID, &r.DocumentID, &r.ChunkIndex, &r.Text, &r.TokenCount, &r.Model, &blob, &created); err != nil {
			return nil, err
		}
		if r.Embedding, err = decodeFloat32s(blob); err != nil {
			return nil, fmt.Errorf("vector %s: %w", r.ID, err)
		}
		if r.CreatedAt, err = time.Parse(time.RFC3339, created); err != nil {
			return nil, fmt.Errorf("vector %s: bad created_at %q", r.ID, created)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// inNamespace builds "namespace = ? AND col IN (?, ...)" and its arguments.
func inNamespace(ns domain.Namespace, col string, values []string) (string, []any) {
	args := make([]any, 0, len(values)+1)
	args = append(args, string(ns))
	for _, v := range values {
		args = append(args, v)
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
	return "namespace = ? AND " + col + " IN (" + marks + ")", args
}

func (s *SQLiteStore) exec(ctx context.Context, op, query string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Delete removes records by ID. Unknown IDs are ignored.
func (s *SQLiteStore) Delete(ctx context.Context, ns domain.Namespace, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	where, args := inNamespace(ns, "id", ids)
	return s.exec(ctx, "deleting vectors", `DELETE FROM context_vectors WHERE `+where, args...)
}

// DeleteDocument removes every chunk of one document.
func (s *SQLiteStore) DeleteDocument(ctx context.Context, ns domain.Namespace, documentID string) error {
	return s.exec(ctx, "deleting document "+documentID,
		`DELETE FROM context_vectors WHERE namespace = ? AND document_id = ?`, string(ns), documentID)
}

// DeleteAll empties a namespace.
func (s *SQLiteStore) DeleteAll(ctx context.Context, ns domain.Namespace) error {
	return s.exec(ctx, "clearing namespace "+string(ns),
		`DELETE FROM context_vectors WHERE namespace = ?`, string(ns))
}

// Count returns the number of vectors in a namespace.
func (s *SQLiteStore) Count(ctx context.Context, ns domain.Namespace) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM context_vectors WHERE namespace = ?`, string(ns)).Scan(&n)
	return n, err
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
