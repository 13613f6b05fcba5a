package retrieval

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/medrag/medrag/internal/domain"
)

// openTestDB creates an in-memory SQLite database with the context_vectors table.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	db.SetMaxOpenConns(1)
	_, err = db.Exec(`
		CREATE TABLE context_vectors (
			namespace   TEXT NOT NULL,
			id          TEXT NOT NULL,
			document_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			text_chunk  TEXT NOT NULL,
			token_count INTEGER NOT NULL DEFAULT 0,
			model       TEXT NOT NULL,
			dims        INTEGER NOT NULL,
			embedding   BLOB NOT NULL,
			created_at  TEXT NOT NULL,
			PRIMARY KEY (namespace, id)
		)`)
	if err != nil {
		t.Fatalf("creating table: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// unit returns a vector of length dim pointing mostly along axis, with a
// small component along the next axis controlled by tilt.
func unit(dim, axis int, tilt float32) []float32 {
	v := make([]float32, dim)
	v[axis%dim] = 1
	v[(axis+1)%dim] = tilt
	return v
}

func rec(id, doc string, idx int, vec []float32) Record {
	return Record{
		ID:         id,
		DocumentID: doc,
		ChunkIndex: idx,
		Text:       "text of " + id,
		TokenCount: 3,
		Model:      "all-minilm",
		Embedding:  vec,
		CreatedAt:  time.Now().UTC(),
	}
}

const nsA domain.Namespace = "alice"
const nsB domain.Namespace = "bob"

func TestUpsertAndQuery(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	ctx := context.Background()

	vec := unit(8, 0, 0)
	if err := s.Upsert(ctx, nsA, []Record{rec("a.pdf#0", "a.pdf", 0, vec)}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	results, err := s.Query(ctx, nsA, vec, 1)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Score < 0.99 {
		t.Errorf("score = %f, want > 0.99", results[0].Score)
	}
	if results[0].ID != "a.pdf#0" || results[0].DocumentID != "a.pdf" || results[0].Text != "text of a.pdf#0" {
		t.Errorf("record = %+v", results[0].Record)
	}
}

func TestQuery_RankedDescendingAndBounded(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	ctx := context.Background()

	var records []Record
	for i := 0; i < 6; i++ {
		records = append(records, rec(fmt.Sprintf("d#%d", i), "d", i, unit(8, 0, float32(i))))
	}
	if err := s.Upsert(ctx, nsA, records); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	results, err := s.Query(ctx, nsA, unit(8, 0, 0), 3)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	want := []string{"d#0", "d#1", "d#2"}
	for i, w := range want {
		if results[i].ID != w {
			t.Errorf("results[%d].ID = %q, want %q", i, results[i].ID, w)
		}
		if i > 0 && results[i].Score > results[i-1].Score {
			t.Errorf("results not descending at %d", i)
		}
	}
	// cos between e0 and e0+1*e1 is 1/sqrt(2).
	if got := results[1].Score; math.Abs(float64(got)-1/math.Sqrt2) > 1e-5 {
		t.Errorf("results[1].Score = %f, want %f", got, 1/math.Sqrt2)
	}
}

func TestUpsert_Idempotent(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	ctx := context.Background()
	records := []Record{rec("a#0", "a", 0, unit(4, 0, 0)), rec("a#1", "a", 1, unit(4, 1, 0))}

	for range 2 {
		if err := s.Upsert(ctx, nsA, records); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	n, err := s.Count(ctx, nsA)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestNamespaceIsolation(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	ctx := context.Background()

	if err := s.Upsert(ctx, nsA, []Record{rec("x#0", "x", 0, unit(4, 0, 0))}); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(ctx, nsB, []Record{rec("x#0", "x", 0, unit(4, 0, 0))}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteAll(ctx, nsA); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	if n, _ := s.Count(ctx, nsA); n != 0 {
		t.Errorf("alice count = %d, want 0", n)
	}
	results, err := s.Query(ctx, nsB, unit(4, 0, 0), 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("bob results = %d, want 1", len(results))
	}
	results, _ = s.Query(ctx, nsA, unit(4, 0, 0), 5)
	if len(results) != 0 {
		t.Errorf("alice results = %d, want 0", len(results))
	}
}

func TestDeleteAndDeleteDocument(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	ctx := context.Background()
	if err := s.Upsert(ctx, nsA, []Record{
		rec("a#0", "a", 0, unit(4, 0, 0)),
		rec("a#1", "a", 1, unit(4, 1, 0)),
		rec("b#0", "b", 0, unit(4, 2, 0)),
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.Delete(ctx, nsA, []string{"b#0", "missing"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n, _ := s.Count(ctx, nsA); n != 2 {
		t.Errorf("count after Delete = %d, want 2", n)
	}
	if err := s.DeleteDocument(ctx, nsA, "a"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if n, _ := s.Count(ctx, nsA); n != 0 {
		t.Errorf("count after DeleteDocument = %d, want 0", n)
	}
}

func TestUpsert_RejectsModelOrDimensionMismatch(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	ctx := context.Background()
	if err := s.Upsert(ctx, nsA, []Record{rec("a#0", "a", 0, unit(4, 0, 0))}); err != nil {
		t.Fatal(err)
	}

	err := s.Upsert(ctx, nsA, []Record{rec("b#0", "b", 0, unit(8, 0, 0))})
	if !domain.IsKind(err, domain.InvalidInput) {
		t.Errorf("dimension mismatch err = %v, want InvalidInput", err)
	}

	other := rec("b#0", "b", 0, unit(4, 0, 0))
	other.Model = "nomic-embed-text"
	err = s.Upsert(ctx, nsA, []Record{other})
	if !domain.IsKind(err, domain.InvalidInput) {
		t.Errorf("model mismatch err = %v, want InvalidInput", err)
	}

	// A different namespace may use a different model.
	if err := s.Upsert(ctx, nsB, []Record{other}); err != nil {
		t.Errorf("Upsert into empty namespace: %v", err)
	}

	mixed := []Record{rec("c#0", "c", 0, unit(4, 0, 0)), rec("c#1", "c", 1, unit(5, 0, 0))}
	if err := s.Upsert(ctx, "carol", mixed); !domain.IsKind(err, domain.InvalidInput) {
		t.Errorf("mixed batch err = %v, want InvalidInput", err)
	}
}

func TestQuery_DimensionMismatch(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	ctx := context.Background()
	if err := s.Upsert(ctx, nsA, []Record{rec("a#0", "a", 0, unit(4, 0, 0))}); err != nil {
		t.Fatal(err)
	}
	_, err := s.Query(ctx, nsA, unit(6, 0, 0), 3)
	if !domain.IsKind(err, domain.InvalidInput) {
		t.Errorf("err = %v, want InvalidInput", err)
	}
}

func TestQuery_EmptyNamespaceAndTopKZero(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	ctx := context.Background()

	results, err := s.Query(ctx, nsA, unit(4, 0, 0), 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results, want 0", len(results))
	}

	results, err = s.Query(ctx, nsA, unit(4, 0, 0), 0)
	if err != nil || results != nil {
		t.Errorf("Query topK=0 = %v, %v; want nil, nil", results, err)
	}
}

func TestPing(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestFloat32Codec(t *testing.T) {
	in := []float32{0, -1.5, 3.25, float32(math.Pi)}
	out, err := decodeFloat32s(encodeFloat32s(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], in[i])
		}
	}
	if _, err := decodeFloat32s([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}
