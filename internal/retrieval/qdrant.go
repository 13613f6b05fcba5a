package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/medrag/medrag/internal/domain"
)

var _ VectorStore = (*QdrantStore)(nil)

// QdrantStore keeps every namespace in one Qdrant collection, separated by a
// "namespace" payload field that every request filters on. Point IDs are
// UUIDv5 values derived from namespace and record ID, so upserts stay
// idempotent.
type QdrantStore struct {
	url        string
	apiKey     string
	collection string
	client     *http.Client
	ready      atomic.Bool
}

// QdrantConfig configures a QdrantStore.
type QdrantConfig struct {
	URL        string
	APIKey     string
	Collection string
	Timeout    time.Duration
}

// NewQdrantStore creates a client for the given collection. The collection is
// created with cosine distance on the first upsert.
func NewQdrantStore(cfg QdrantConfig) *QdrantStore {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &QdrantStore{
		url:        strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		client:     &http.Client{Timeout: timeout},
	}
}

// qdrantStatusError is a non-2xx response from Qdrant.
type qdrantStatusError struct {
	method, path string
	code         int
}

func (e *qdrantStatusError) Error() string {
	return fmt.Sprintf("qdrant %s %s: status %d", e.method, e.path, e.code)
}

func isNotFound(err error) bool {
	var se *qdrantStatusError
	return errors.As(err, &se) && se.code == http.StatusNotFound
}

func pointID(ns domain.Namespace, id string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(string(ns)+"/"+id)).String()
}

type qdrantPayload struct {
	Namespace  string `json:"namespace"`
	RecordID   string `json:"record_id"`
	DocumentID string `json:"document_id"`
	ChunkIndex int    `json:"chunk_index"`
	Text       string `json:"text"`
	TokenCount int    `json:"token_count"`
	Model      string `json:"model"`
	Dims       int    `json:"dims"`
	CreatedAt  string `json:"created_at"`
}

type qdrantPoint struct {
	ID      string        `json:"id"`
	Vector  []float32     `json:"vector"`
	Payload qdrantPayload `json:"payload"`
}

type qdrantMatch struct {
	Key   string `json:"key"`
	Match struct {
		Value string `json:"value"`
	} `json:"match"`
}

type qdrantFilter struct {
	Must []qdrantMatch `json:"must"`
}

func filterFor(ns domain.Namespace, extra ...string) *qdrantFilter {
	f := &qdrantFilter{}
	add := func(key, value string) {
		var m qdrantMatch
		m.Key = key
		m.Match.Value = value
		f.Must = append(f.Must, m)
	}
	add("namespace", string(ns))
	for i := 0; i+1 < len(extra); i += 2 {
		add(extra[i], extra[i+1])
	}
	return f
}

// ensureCollection creates the collection if it does not exist yet.
func (s *QdrantStore) ensureCollection(ctx context.Context, dims int) error {
	if s.ready.Load() {
		return nil
	}
	err := s.do(ctx, http.MethodGet, "/collections/"+s.collection, nil, nil)
	if isNotFound(err) {
		body := map[string]any{
			"vectors": map[string]any{"size": dims, "distance": "Cosine"},
		}
		err = s.do(ctx, http.MethodPut, "/collections/"+s.collection, body, nil)
		var se *qdrantStatusError
		if errors.As(err, &se) && se.code == http.StatusConflict {
			err = nil
		}
		if err == nil {
			index := map[string]any{"field_name": "namespace", "field_schema": "keyword"}
			err = s.do(ctx, http.MethodPut, "/collections/"+s.collection+"/index?wait=true", index, nil)
		}
	}
	if err != nil {
		return err
	}
	s.ready.Store(true)
	return nil
}

// namespaceShape returns the model and dimension stored in a namespace, or
// empty values when it holds no points.
func (s *QdrantStore) namespaceShape(ctx context.Context, ns domain.Namespace) (string, int, error) {
	req := map[string]any{
		"filter":       filterFor(ns),
		"limit":        1,
		"with_payload": []string{"model", "dims"},
		"with_vector":  false,
	}
	var resp struct {
		Result struct {
			Points []struct {
				Payload qdrantPayload `json:"payload"`
			} `json:"points"`
		} `json:"result"`
	}
	err := s.do(ctx, http.MethodPost, "/collections/"+s.collection+"/points/scroll", req, &resp)
	if isNotFound(err) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	if len(resp.Result.Points) == 0 {
		return "", 0, nil
	}
	p := resp.Result.Points[0].Payload
	return p.Model, p.Dims, nil
}

// Upsert writes records and waits for Qdrant to apply them.
func (s *QdrantStore) Upsert(ctx context.Context, ns domain.Namespace, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	model, dims, err := checkRecords(records)
	if err != nil {
		return err
	}
	if err := s.ensureCollection(ctx, dims); err != nil {
		return err
	}
	haveModel, haveDims, err := s.namespaceShape(ctx, ns)
	if err != nil {
		return err
	}
	if haveDims != 0 && (haveModel != model || haveDims != dims) {
		return mismatchError(ns, haveModel, haveDims, model, dims)
	}

	points := make([]qdrantPoint, len(records))
	for i, r := range records {
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		points[i] = qdrantPoint{
			ID:     pointID(ns, r.ID),
			Vector: r.Embedding,
			Payload: qdrantPayload{
				Namespace:  string(ns),
				RecordID:   r.ID,
				DocumentID: r.DocumentID,
				ChunkIndex: r.ChunkIndex,
				Text:       r.Text,
				TokenCount: r.TokenCount,
				Model:      r.Model,
				Dims:       dims,
				CreatedAt:  createdAt.Format(time.RFC3339),
			},
		}
	}
	return s.do(ctx, http.MethodPut, "/collections/"+s.collection+"/points?wait=true", map[string]any{"points": points}, nil)
}

// Query runs a filtered cosine search within the namespace.
func (s *QdrantStore) Query(ctx context.Context, ns domain.Namespace, vector []float32, topK int) ([]ScoredRecord, error) {
	if topK <= 0 {
		return nil, nil
	}
	req := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
		"filter":       filterFor(ns),
	}
	var resp struct {
		Result []struct {
			Score   float32       `json:"score"`
			Payload qdrantPayload `json:"payload"`
		} `json:"result"`
	}
	err := s.do(ctx, http.MethodPost, "/collections/"+s.collection+"/points/search", req, &resp)
	if isNotFound(err) {
		return nil, nil
	}
	var se *qdrantStatusError
	if errors.As(err, &se) && se.code == http.StatusBadRequest {
		return nil, domain.E(domain.InvalidInput, "query", err)
	}
	if err != nil {
		return nil, err
	}

	results := make([]ScoredRecord, 0, len(resp.Result))
	for _, r := range resp.Result {
		created, _ := time.Parse(time.RFC3339, r.Payload.CreatedAt)
		results = append(results, ScoredRecord{
			Record: Record{
				ID:         r.Payload.RecordID,
				DocumentID: r.Payload.DocumentID,
				ChunkIndex: r.Payload.ChunkIndex,
				Text:       r.Payload.Text,
				TokenCount: r.Payload.TokenCount,
				Model:      r.Payload.Model,
				CreatedAt:  created,
			},
			Score: r.Score,
		})
	}
	sortByScore(results)
	return results, nil
}

// Delete removes points by record ID.
func (s *QdrantStore) Delete(ctx context.Context, ns domain.Namespace, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	points := make([]string, len(ids))
	for i, id := range ids {
		points[i] = pointID(ns, id)
	}
	return s.deletePoints(ctx, map[string]any{"points": points})
}

// DeleteDocument removes every point of a document.
func (s *QdrantStore) DeleteDocument(ctx context.Context, ns domain.Namespace, documentID string) error {
	return s.deletePoints(ctx, map[string]any{"filter": filterFor(ns, "document_id", documentID)})
}

// DeleteAll removes every point of the namespace.
func (s *QdrantStore) DeleteAll(ctx context.Context, ns domain.Namespace) error {
	return s.deletePoints(ctx, map[string]any{"filter": filterFor(ns)})
}

func (s *QdrantStore) deletePoints(ctx context.Context, body map[string]any) error {
	err := s.do(ctx, http.MethodPost, "/collections/"+s.collection+"/points/delete?wait=true", body, nil)
	if isNotFound(err) {
		return nil
	}
	return err
}

// Count returns the exact number of points in the namespace.
func (s *QdrantStore) Count(ctx context.Context, ns domain.Namespace) (int, error) {
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	err := s.do(ctx, http.MethodPost, "/collections/"+s.collection+"/points/count",
		map[string]any{"filter": filterFor(ns), "exact": true}, &resp)
	if isNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return resp.Result.Count, nil
}

// Ping checks that the Qdrant API answers.
func (s *QdrantStore) Ping(ctx context.Context) error {
	return s.do(ctx, http.MethodGet, "/collections", nil, nil)
}

func (s *QdrantStore) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling qdrant request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.url+path, rdr)
	if err != nil {
		return fmt.Errorf("creating qdrant request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return &qdrantStatusError{method: method, path: path, code: resp.StatusCode}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding qdrant response: %w", err)
		}
	}
	return nil
}
