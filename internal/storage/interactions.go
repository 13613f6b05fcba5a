package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

const interactionColumns = `id, created_at, namespace, question, persona, provenance, answer,
	citations_json, top_score, chunks_retrieved, status, error, duration_ms`

// SaveInteraction records an answered or failed question. An empty status
// is stored as "completed" and empty citations as "[]".
func (s *Store) SaveInteraction(i Interaction) error {
	if i.Status == "" {
		i.Status = "completed"
	}
	if i.CitationsJSON == "" {
		i.CitationsJSON = "[]"
	}
	_, err := s.db.Exec(`INSERT INTO interactions (`+interactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		i.ID, stamp(i.CreatedAt), i.Namespace, i.Question, i.Persona, i.Provenance, i.Answer,
		i.CitationsJSON, i.TopScore, i.ChunksRetrieved, i.Status, i.Error, i.DurationMs)
	if err != nil {
		return fmt.Errorf("saving interaction %s: %w", i.ID, err)
	}
	return nil
}

func scanInteraction(row scanner) (Interaction, error) {
	var (
		i         Interaction
		createdAt string
	)
	if err := row.Scan(&i.ID, &createdAt, &i.Namespace, &i.Question, &i.Persona, &i.Provenance,
		&i.Answer, &i.CitationsJSON, &i.TopScore, &i.ChunksRetrieved, &i.Status, &i.Error, &i.DurationMs); err != nil {
		return Interaction{}, err
	}
	var err error
	if i.CreatedAt, err = unstamp(createdAt); err != nil {
		return Interaction{}, fmt.Errorf("interaction %s: bad created_at %q", i.ID, createdAt)
	}
	return i, nil
}

// GetInteraction returns one interaction by ID, or ErrNotFound.
func (s *Store) GetInteraction(id string) (Interaction, error) {
	row := s.db.QueryRow(`SELECT `+interactionColumns+` FROM interactions WHERE id = ?`, id)
	i, err := scanInteraction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Interaction{}, ErrNotFound
	}
	return i, err
}

// GetRecentInteractions lists interactions newest first. An empty namespace
// matches every namespace; a non-positive limit means 20.
func (s *Store) GetRecentInteractions(namespace string, limit int) ([]Interaction, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`SELECT `+interactionColumns+` FROM interactions
		WHERE ? = '' OR namespace = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, namespace, namespace, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Interaction
	for rows.Next() {
		i, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}
