package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/medrag/medrag/internal/domain"
	"github.com/medrag/medrag/internal/storage"
)

// JobTypeIngestDocument is the queue job that ingests one file from disk.
const JobTypeIngestDocument = "ingest_document"

const defaultPoll = 500 * time.Millisecond

// JobStore is the part of the job queue a Worker drives.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// JobEnqueuer adds jobs to the queue.
type JobEnqueuer interface {
	EnqueueJob(job storage.Job) error
}

// FileIngester ingests a file from disk. *Pipeline implements it.
type FileIngester interface {
	IngestFile(ctx context.Context, ns domain.Namespace, path string, reprocess bool) (Report, error)
}

// Payload is the body of an ingest_document job.
type Payload struct {
	Namespace string `json:"namespace"`
	Path      string `json:"path"`
	Reprocess bool   `json:"reprocess,omitempty"`
}

// Enqueue schedules path for ingestion into ns and returns the job ID.
func Enqueue(q JobEnqueuer, ns domain.Namespace, path string, reprocess bool) (string, error) {
	body, err := json.Marshal(Payload{Namespace: string(ns), Path: path, Reprocess: reprocess})
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	if err := q.EnqueueJob(storage.Job{ID: id, Type: JobTypeIngestDocument, PayloadJSON: string(body)}); err != nil {
		return "", fmt.Errorf("queueing %s: %w", path, err)
	}
	return id, nil
}

// Worker drains ingest_document jobs one at a time.
type Worker struct {
	jobs     JobStore
	ingester FileIngester
	poll     time.Duration
	log      *slog.Logger
}

// NewWorker returns a Worker that checks for new jobs every poll when the
// queue is idle. poll <= 0 means 500ms.
func NewWorker(jobs JobStore, ingester FileIngester, poll time.Duration) *Worker {
	if poll <= 0 {
		poll = defaultPoll
	}
	return &Worker{jobs: jobs, ingester: ingester, poll: poll, log: slog.Default().With("component", "ingest-worker")}
}

// Run processes jobs until ctx is cancelled. A busy queue is drained
// without waiting between jobs.
func (w *Worker) Run(ctx context.Context) {
	idle := time.NewTimer(0)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-idle.C:
		}
		worked, err := w.RunOnce(ctx)
		if err != nil {
			w.log.Error("job queue", "error", err)
		}
		if worked {
			idle.Reset(0)
		} else {
			idle.Reset(w.poll)
		}
	}
}

// RunOnce handles at most one job and reports whether there was one. Job
// failures are recorded on the job, not returned; the error is for queue
// failures only.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.jobs.ClaimNextJob([]string{JobTypeIngestDocument})
	if err != nil || job == nil {
		return false, err
	}
	log := w.log.With("job_id", job.ID)

	report, err := w.ingest(ctx, job)
	switch {
	case err == nil:
		log.Debug("job done", "doc_id", report.DocumentID, "status", report.Status)
	case domain.IsKind(err, domain.InvalidInput):
		// Retrying cannot fix the input; the ledger already holds the reason.
		log.Warn("job rejected", "error", err)
	default:
		log.Warn("job failed", "attempt", job.Attempts+1, "error", err)
		if ferr := w.jobs.FailJob(job.ID, domain.KindOf(err).String()); ferr != nil {
			log.Error("recording job failure", "error", ferr)
		}
		return true, nil
	}

	if err := w.jobs.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) ingest(ctx context.Context, job *storage.Job) (Report, error) {
	var p Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return Report{}, domain.E(domain.InvalidInput, "ingest job", fmt.Errorf("bad payload: %w", err))
	}
	ns, err := domain.ParseNamespace(p.Namespace)
	if err != nil {
		return Report{}, err
	}
	return w.ingester.IngestFile(ctx, ns, p.Path, p.Reprocess)
}
