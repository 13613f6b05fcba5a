package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Interaction records one answered (or failed) question.
type Interaction struct {
	ID              string
	CreatedAt       time.Time
	Namespace       string
	Question        string
	Persona         string
	Provenance      string
	Answer          string
	CitationsJSON   string // JSON array stored as text
	TopScore        float64
	ChunksRetrieved int
	Status          string // "completed", "failed"
	Error           string
	DurationMs      int64
}

// Job is a unit of background work in the SQLite-backed queue.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// ClaimOutcome is the result of trying to claim a document for ingestion.
type ClaimOutcome int

const (
	// ClaimAcquired means the caller now owns the document and must finish it
	// with MarkIngested or MarkFailed.
	ClaimAcquired ClaimOutcome = iota
	// ClaimSkipped means the document is already ingested with the same
	// content hash and embedding model.
	ClaimSkipped
	// ClaimBusy means another worker holds a live claim.
	ClaimBusy
)

func (o ClaimOutcome) String() string {
	switch o {
	case ClaimAcquired:
		return "acquired"
	case ClaimSkipped:
		return "skipped"
	case ClaimBusy:
		return "busy"
	}
	return "unknown"
}
