package storage

import (
	"sync"
	"testing"
	"time"

	"github.com/medrag/medrag/internal/domain"
)

func testDoc(ns domain.Namespace, filename, hash string) domain.Document {
	return domain.Document{
		ID:          domain.DocumentID(filename),
		Namespace:   ns,
		Filename:    filename,
		SourcePath:  "/data/pdfs/" + filename,
		ContentHash: hash,
		Size:        1024,
		ModTime:     time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		EmbedModel:  "all-minilm",
	}
}

func mustClaim(t *testing.T, s *Store, doc domain.Document, reprocess bool, want ClaimOutcome) *domain.Document {
	t.Helper()
	got, prev, err := s.ClaimDocument(doc, reprocess)
	if err != nil {
		t.Fatalf("ClaimDocument: %v", err)
	}
	if got != want {
		t.Fatalf("ClaimDocument outcome = %s, want %s", got, want)
	}
	return prev
}

func TestClaimDocument_NewDocument(t *testing.T) {
	s := openTestStore(t)
	doc := testDoc("default", "aspirin.pdf", "h1")

	prev := mustClaim(t, s, doc, false, ClaimAcquired)
	if prev != nil {
		t.Errorf("prev = %+v, want nil for a new document", prev)
	}

	got, err := s.GetDocument("default", doc.ID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.Status != domain.StatusIngesting || got.ContentHash != "h1" || got.Filename != "aspirin.pdf" {
		t.Errorf("ledger row = %+v", got)
	}
	if !got.ModTime.Equal(doc.ModTime) {
		t.Errorf("ModTime = %v, want %v", got.ModTime, doc.ModTime)
	}
}

func TestClaimDocument_BusyWhileIngesting(t *testing.T) {
	s := openTestStore(t)
	doc := testDoc("default", "aspirin.pdf", "h1")

	mustClaim(t, s, doc, false, ClaimAcquired)
	mustClaim(t, s, doc, false, ClaimBusy)
	mustClaim(t, s, doc, true, ClaimBusy)
}

func TestClaimDocument_StaleClaimReclaimed(t *testing.T) {
	s := openTestStore(t)
	doc := testDoc("default", "aspirin.pdf", "h1")
	mustClaim(t, s, doc, false, ClaimAcquired)

	old := time.Now().UTC().Add(-StaleClaimAfter - time.Minute).Format(time.RFC3339)
	if _, err := s.db.Exec(`UPDATE documents SET claimed_at = ? WHERE id = ?`, old, doc.ID); err != nil {
		t.Fatal(err)
	}
	mustClaim(t, s, doc, false, ClaimAcquired)
}

func TestClaimDocument_ClaimFromEarlierProcessTakenOver(t *testing.T) {
	dir := t.TempDir()
	doc := testDoc("default", "aspirin.pdf", "h1")

	crashed, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	mustClaim(t, crashed, doc, false, ClaimAcquired)
	crashed.Close()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	mustClaim(t, s, doc, false, ClaimAcquired)
	mustClaim(t, s, doc, true, ClaimBusy)
}

func TestResetStaleClaims(t *testing.T) {
	dir := t.TempDir()
	interrupted := testDoc("default", "aspirin.pdf", "h1")
	done := testDoc("default", "ibuprofen.pdf", "h2")

	crashed, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	mustClaim(t, crashed, interrupted, false, ClaimAcquired)
	mustClaim(t, crashed, done, false, ClaimAcquired)
	if err := crashed.MarkIngested("default", done.ID, 4); err != nil {
		t.Fatal(err)
	}
	crashed.Close()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	mine := testDoc("default", "paracetamol.pdf", "h3")
	mustClaim(t, s, mine, false, ClaimAcquired)

	n, err := s.ResetStaleClaims()
	if err != nil {
		t.Fatalf("ResetStaleClaims: %v", err)
	}
	if n != 1 {
		t.Fatalf("reset %d documents, want 1", n)
	}

	tests := []struct {
		id     string
		status domain.DocumentStatus
		reason string
	}{
		{interrupted.ID, domain.StatusFailed, InterruptedReason},
		{done.ID, domain.StatusIngested, ""},
		{mine.ID, domain.StatusIngesting, ""},
	}
	for _, tt := range tests {
		got, err := s.GetDocument("default", tt.id)
		if err != nil {
			t.Fatalf("GetDocument(%s): %v", tt.id, err)
		}
		if got.Status != tt.status || got.Error != tt.reason {
			t.Errorf("%s: status %s error %q, want %s %q", tt.id, got.Status, got.Error, tt.status, tt.reason)
		}
	}

	mustClaim(t, s, interrupted, false, ClaimAcquired)
}

func TestClaimDocument_SkipRule(t *testing.T) {
	s := openTestStore(t)
	doc := testDoc("default", "aspirin.pdf", "h1")

	mustClaim(t, s, doc, false, ClaimAcquired)
	if err := s.MarkIngested("default", doc.ID, 7); err != nil {
		t.Fatalf("MarkIngested: %v", err)
	}

	// Same content, same model.
	mustClaim(t, s, doc, false, ClaimSkipped)

	// Reprocess always claims and reports the previous row.
	prev := mustClaim(t, s, doc, true, ClaimAcquired)
	if prev == nil || prev.ChunkCount != 7 || prev.Status != domain.StatusIngested {
		t.Fatalf("prev = %+v, want ingested row with 7 chunks", prev)
	}
	if err := s.MarkIngested("default", doc.ID, 7); err != nil {
		t.Fatal(err)
	}

	// Changed content.
	changed := doc
	changed.ContentHash = "h2"
	mustClaim(t, s, changed, false, ClaimAcquired)
	if err := s.MarkIngested("default", doc.ID, 5); err != nil {
		t.Fatal(err)
	}

	// Changed embedding model.
	remodel := changed
	remodel.EmbedModel = "nomic-embed-text"
	mustClaim(t, s, remodel, false, ClaimAcquired)
}

func TestClaimDocument_FailedIsRetried(t *testing.T) {
	s := openTestStore(t)
	doc := testDoc("default", "broken.pdf", "h1")

	mustClaim(t, s, doc, false, ClaimAcquired)
	if err := s.MarkFailed("default", doc.ID, "invalid_input: no text"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	got, _ := s.GetDocument("default", doc.ID)
	if got.Status != domain.StatusFailed || got.Error != "invalid_input: no text" {
		t.Fatalf("ledger row = %+v", got)
	}

	mustClaim(t, s, doc, false, ClaimAcquired)
	got, _ = s.GetDocument("default", doc.ID)
	if got.Error != "" {
		t.Errorf("error not cleared on reclaim: %q", got.Error)
	}
}

func TestClaimDocument_ConcurrentClaimsOneWinner(t *testing.T) {
	s := openTestStore(t)
	doc := testDoc("default", "aspirin.pdf", "h1")

	const workers = 8
	outcomes := make([]ClaimOutcome, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o, _, err := s.ClaimDocument(doc, false)
			if err != nil {
				t.Errorf("ClaimDocument: %v", err)
			}
			outcomes[i] = o
		}(i)
	}
	wg.Wait()

	acquired := 0
	for _, o := range outcomes {
		if o == ClaimAcquired {
			acquired++
		}
	}
	if acquired != 1 {
		t.Errorf("%d workers acquired the claim, want exactly 1 (%v)", acquired, outcomes)
	}
}

func TestNamespacesAreSeparateLedgers(t *testing.T) {
	s := openTestStore(t)

	mustClaim(t, s, testDoc("alice", "aspirin.pdf", "h1"), false, ClaimAcquired)
	mustClaim(t, s, testDoc("bob", "aspirin.pdf", "h1"), false, ClaimAcquired)
	if err := s.MarkIngested("alice", "aspirin.pdf", 3); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkIngested("bob", "aspirin.pdf", 3); err != nil {
		t.Fatal(err)
	}
	mustClaim(t, s, testDoc("bob", "insulin.pdf", "h9"), false, ClaimAcquired)

	alice, err := s.ListDocuments("alice")
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(alice) != 1 {
		t.Errorf("alice has %d documents, want 1", len(alice))
	}
	all, err := s.ListDocuments("")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("all namespaces hold %d documents, want 3", len(all))
	}

	counts, err := s.CountIngested()
	if err != nil {
		t.Fatalf("CountIngested: %v", err)
	}
	if counts["alice"] != 1 || counts["bob"] != 1 {
		t.Errorf("CountIngested = %v, want alice:1 bob:1", counts)
	}

	n, err := s.ClearNamespace("bob")
	if err != nil || n != 2 {
		t.Fatalf("ClearNamespace = %d, %v; want 2", n, err)
	}
	if _, err := s.GetDocument("alice", "aspirin.pdf"); err != nil {
		t.Errorf("alice lost her document: %v", err)
	}
}

func TestDeleteDocument(t *testing.T) {
	s := openTestStore(t)
	doc := testDoc("default", "aspirin.pdf", "h1")
	mustClaim(t, s, doc, false, ClaimAcquired)

	if err := s.DeleteDocument("default", doc.ID); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if _, err := s.GetDocument("default", doc.ID); err != ErrNotFound {
		t.Errorf("GetDocument after delete err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteDocument("default", doc.ID); err != ErrNotFound {
		t.Errorf("second DeleteDocument err = %v, want ErrNotFound", err)
	}
	if err := s.MarkIngested("default", doc.ID, 1); err != ErrNotFound {
		t.Errorf("MarkIngested on missing row err = %v, want ErrNotFound", err)
	}
}
