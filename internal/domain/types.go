package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Namespace isolates one corpus (a user, a tenant) from another.
type Namespace string

// DefaultNamespace is used when a caller does not name one.
const DefaultNamespace Namespace = "default"

var namespacePattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]{1,128}$`)

// ParseNamespace validates s, returning DefaultNamespace for an empty string.
func ParseNamespace(s string) (Namespace, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultNamespace, nil
	}
	if !namespacePattern.MatchString(s) {
		return "", Errorf(InvalidInput, "namespace", "invalid namespace %q", s)
	}
	return Namespace(s), nil
}

func (n Namespace) String() string { return string(n) }

// DocumentStatus is the ingestion state recorded in the processed-document ledger.
type DocumentStatus string

const (
	StatusIngesting DocumentStatus = "ingesting"
	StatusIngested  DocumentStatus = "ingested"
	StatusFailed    DocumentStatus = "failed"
)

// Document is one source file and its ingestion metadata.
type Document struct {
	ID          string         `json:"id"`
	Namespace   Namespace      `json:"namespace"`
	Filename    string         `json:"filename"`
	SourcePath  string         `json:"source_path,omitempty"`
	ContentHash string         `json:"content_hash"`
	ModTime     time.Time      `json:"mod_time"`
	Size        int64          `json:"size"`
	Status      DocumentStatus `json:"status"`
	ChunkCount  int            `json:"chunk_count"`
	Error       string         `json:"error,omitempty"`
	EmbedModel  string         `json:"embed_model,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

var nonIDChars = regexp.MustCompile(`[^a-z0-9_.\-]+`)

// DocumentID derives a stable document identifier from a filename, so the
// same file always maps to the same set of chunk ids. A name that is already
// a lowercase slug is its own id. Any other name keeps its slug and gains a
// "~" and a hash of the exact base name; "~" never occurs in a slug, so two
// distinct filenames never share an id.
func DocumentID(filename string) string {
	base := filepath.Base(filename)
	slug := strings.Trim(nonIDChars.ReplaceAllString(strings.ToLower(base), "-"), "-")
	if slug == base && slug != "." {
		return slug
	}
	if slug == "" || slug == "." {
		slug = "document"
	}
	sum := sha256.Sum256([]byte(base))
	return slug + "~" + hex.EncodeToString(sum[:5])
}

// Chunk is a contiguous token window of a document.
type Chunk struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Index      int    `json:"index"`
	Text       string `json:"text"`
	TokenCount int    `json:"token_count"`
	StartToken int    `json:"start_token"`
	EndToken   int    `json:"end_token"`
}

// ChunkID is deterministic in (document id, chunk index).
func ChunkID(documentID string, index int) string {
	return fmt.Sprintf("%s#%d", documentID, index)
}

// Provenance tells the reader where an answer came from. An answer never
// mixes the two.
type Provenance string

const (
	ProvenanceDocuments Provenance = "document-based"
	ProvenanceModel     Provenance = "AI-knowledge-base"
)

// Citation points at a chunk that was placed in a grounded prompt.
type Citation struct {
	Marker     int     `json:"marker"`
	DocumentID string  `json:"document_id"`
	ChunkIndex int     `json:"chunk_index"`
	Score      float32 `json:"score"`
	Excerpt    string  `json:"excerpt"`
}

// Answer is the final result of a query.
type Answer struct {
	ID         string     `json:"id"`
	Text       string     `json:"answer"`
	Provenance Provenance `json:"provenance"`
	Citations  []Citation `json:"citations"`
	Persona    string     `json:"persona"`
	Namespace  Namespace  `json:"namespace"`
	Question   string     `json:"question"`
	CreatedAt  time.Time  `json:"created_at"`
}
