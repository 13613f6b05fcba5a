package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/medrag/medrag/internal/domain"
)

// StaleClaimAfter is how long an "ingesting" claim is honoured before another
// worker may take the document over.
const StaleClaimAfter = 30 * time.Minute

const documentColumns = `namespace, id, filename, source_path, content_hash, size, mod_time,
	status, chunk_count, error, embed_model, created_at, updated_at`

// ClaimDocument tries to take ownership of doc for ingestion in one
// conditional upsert. The claim succeeds for new documents, failed documents,
// changed content, a changed embedding model and reprocess requests. An
// "ingesting" row blocks it only while the claim is fresh and was taken by
// this Store; claims left by an earlier process are taken over at once. It returns the ledger row as it was before the claim (nil for new
// documents) so the caller knows whether old vectors may exist.
func (s *Store) ClaimDocument(doc domain.Document, reprocess bool) (ClaimOutcome, *domain.Document, error) {
	prev, err := s.GetDocument(doc.Namespace, doc.ID)
	switch {
	case err == ErrNotFound:
		prev = nil
	case err != nil:
		return 0, nil, err
	}

	now := time.Now().UTC()
	claimedAt := stamp(now)
	staleBefore := stamp(now.Add(-StaleClaimAfter))
	force := 0
	if reprocess {
		force = 1
	}

	res, err := s.db.Exec(`
		INSERT INTO documents (`+documentColumns+`, claimed_at, claimed_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'ingesting', 0, '', ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, id) DO UPDATE SET
			filename     = excluded.filename,
			source_path  = excluded.source_path,
			content_hash = excluded.content_hash,
			size         = excluded.size,
			mod_time     = excluded.mod_time,
			status       = 'ingesting',
			error        = '',
			embed_model  = excluded.embed_model,
			claimed_at   = excluded.claimed_at,
			claimed_by   = excluded.claimed_by,
			updated_at   = excluded.updated_at
		WHERE (documents.status != 'ingesting'
		       OR documents.claimed_at < ?
		       OR documents.claimed_by != excluded.claimed_by)
		  AND NOT (? = 0
		       AND documents.status = 'ingested'
		       AND documents.content_hash = excluded.content_hash
		       AND documents.embed_model = excluded.embed_model)`,
		string(doc.Namespace), doc.ID, doc.Filename, doc.SourcePath, doc.ContentHash, doc.Size,
		formatTime(doc.ModTime), doc.EmbedModel, claimedAt, claimedAt, claimedAt, s.owner,
		staleBefore, force,
	)
	if err != nil {
		return 0, nil, fmt.Errorf("claiming document %s: %w", doc.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil, err
	}
	if n == 1 {
		return ClaimAcquired, prev, nil
	}

	cur, err := s.GetDocument(doc.Namespace, doc.ID)
	if err != nil {
		return 0, nil, err
	}
	if cur.Status == domain.StatusIngested {
		return ClaimSkipped, cur, nil
	}
	return ClaimBusy, cur, nil
}

// MarkIngested completes a claim.
func (s *Store) MarkIngested(ns domain.Namespace, id string, chunks int) error {
	return s.finishDocument(ns, id, domain.StatusIngested, chunks, "")
}

// MarkFailed completes a claim with a failure reason. Failed documents are
// picked up again by the next batch run.
func (s *Store) MarkFailed(ns domain.Namespace, id string, reason string) error {
	return s.finishDocument(ns, id, domain.StatusFailed, 0, reason)
}

func (s *Store) finishDocument(ns domain.Namespace, id string, status domain.DocumentStatus, chunks int, reason string) error {
	res, err := s.db.Exec(`
		UPDATE documents SET status = ?, chunk_count = ?, error = ?, claimed_at = '', claimed_by = '', updated_at = ?
		WHERE namespace = ? AND id = ?`,
		string(status), chunks, reason, stamp(time.Now()), string(ns), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// InterruptedReason is recorded on documents whose ingestion was cut short
// by a shutdown or crash.
const InterruptedReason = "ingestion interrupted"

// ResetStaleClaims marks every "ingesting" document not claimed through this
// Store as failed, so the next batch run or upload ingests it again. It is
// called at startup, before any worker claims documents.
func (s *Store) ResetStaleClaims() (int, error) {
	res, err := s.db.Exec(`
		UPDATE documents SET status = ?, error = ?, claimed_at = '', claimed_by = '', updated_at = ?
		WHERE status = 'ingesting' AND claimed_by != ?`,
		string(domain.StatusFailed), InterruptedReason, stamp(time.Now()), s.owner)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// GetDocument returns one ledger row.
func (s *Store) GetDocument(ns domain.Namespace, id string) (*domain.Document, error) {
	d, err := scanDocument(s.db.QueryRow(
		`SELECT `+documentColumns+` FROM documents WHERE namespace = ? AND id = ?`, string(ns), id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDocuments returns the ledger rows of a namespace ordered by filename. An
// empty namespace lists every namespace.
func (s *Store) ListDocuments(ns domain.Namespace) ([]domain.Document, error) {
	rows, err := s.db.Query(`
		SELECT `+documentColumns+` FROM documents
		WHERE ? = '' OR namespace = ?
		ORDER BY namespace, filename`, string(ns), string(ns))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []domain.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// DeleteDocument removes a ledger row.
func (s *Store) DeleteDocument(ns domain.Namespace, id string) error {
	res, err := s.db.Exec(`DELETE FROM documents WHERE namespace = ? AND id = ?`, string(ns), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearNamespace removes every ledger row of a namespace and returns how many
// were deleted.
func (s *Store) ClearNamespace(ns domain.Namespace) (int, error) {
	res, err := s.db.Exec(`DELETE FROM documents WHERE namespace = ?`, string(ns))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CountIngested returns the number of ingested documents per namespace.
func (s *Store) CountIngested() (map[string]int, error) {
	rows, err := s.db.Query(`
		SELECT namespace, COUNT(*) FROM documents WHERE status = 'ingested' GROUP BY namespace`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var ns string
		var n int
		if err := rows.Scan(&ns, &n); err != nil {
			return nil, err
		}
		counts[ns] = n
	}
	return counts, rows.Err()
}

func scanDocument(row scanner) (domain.Document, error) {
	var d domain.Document
	var ns, status, modTime, createdAt, updatedAt string
	err := row.Scan(&ns, &d.ID, &d.Filename, &d.SourcePath, &d.ContentHash, &d.Size, &modTime,
		&status, &d.ChunkCount, &d.Error, &d.EmbedModel, &createdAt, &updatedAt)
	if err != nil {
		return domain.Document{}, err
	}
	d.Namespace = domain.Namespace(ns)
	d.Status = domain.DocumentStatus(status)
	d.ModTime = parseTime(modTime)
	d.CreatedAt = parseTime(createdAt)
	d.UpdatedAt = parseTime(updatedAt)
	return d, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return stamp(t)
}

func parseTime(s string) time.Time {
	t, _ := unstamp(s)
	return t
}
