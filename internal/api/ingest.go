package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/medrag/medrag/internal/domain"
	"github.com/medrag/medrag/internal/extract"
	"github.com/medrag/medrag/internal/ingest"
)

// IngestRequest is the JSON form of POST /ingest. Content is base64.
type IngestRequest struct {
	Filename  string `json:"filename"`
	Content   string `json:"content"`
	Namespace string `json:"namespace"`
	Reprocess bool   `json:"reprocess"`
	Async     bool   `json:"async"`
}

// QueuedResponse is returned for asynchronous ingestion.
type QueuedResponse struct {
	JobID      string           `json:"job_id"`
	DocumentID string           `json:"document_id"`
	Namespace  domain.Namespace `json:"namespace"`
	Status     string           `json:"status"`
}

// BatchRequest is the body of POST /ingest/batch.
type BatchRequest struct {
	Namespace string `json:"namespace"`
	Reprocess bool   `json:"reprocess"`
}

func handleIngest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize+maxRequestBodySize)
		defer r.Body.Close()

		req, data, err := readUpload(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		ns, err := domain.ParseNamespace(req.Namespace)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !extract.Supported(req.Filename) {
			writeError(w, r, invalidf("ingest", "unsupported file type %q", filepath.Ext(req.Filename)))
			return
		}

		if req.Async {
			queueUpload(w, r, deps, ns, req, data)
			return
		}

		report, err := deps.Ingester.IngestBytes(r.Context(), ns, req.Filename, data, req.Reprocess)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

// readUpload accepts either a multipart form with a "file" part or a JSON
// body with base64 content.
func readUpload(r *http.Request) (IngestRequest, []byte, error) {
	var req IngestRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			return req, nil, invalidf("ingest", "invalid multipart form: %v", err)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			return req, nil, invalidf("ingest", "file is required")
		}
		defer file.Close()
		data, err := io.ReadAll(io.LimitReader(file, maxUploadSize+1))
		if err != nil {
			return req, nil, invalidf("ingest", "reading upload: %v", err)
		}
		if len(data) > maxUploadSize {
			return req, nil, invalidf("ingest", "file exceeds %d bytes", maxUploadSize)
		}
		req.Filename = filepath.Base(header.Filename)
		req.Namespace = r.FormValue("namespace")
		req.Reprocess, _ = strconv.ParseBool(r.FormValue("reprocess"))
		req.Async, _ = strconv.ParseBool(r.FormValue("async"))
		return req, data, nil
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, nil, invalidf("ingest", "invalid request body: %v", err)
	}
	if req.Filename == "" {
		return req, nil, invalidf("ingest", "filename is required")
	}
	if req.Content == "" {
		return req, nil, invalidf("ingest", "content is required")
	}
	data, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		return req, nil, invalidf("ingest", "invalid base64 content")
	}
	req.Filename = filepath.Base(req.Filename)
	return req, data, nil
}

// queueUpload stores the upload under the namespace's PDF directory and
// queues a job that ingests it from there.
func queueUpload(w http.ResponseWriter, r *http.Request, deps Deps, ns domain.Namespace, req IngestRequest, data []byte) {
	if len(data) == 0 {
		writeError(w, r, invalidf("ingest", "%s is empty", req.Filename))
		return
	}
	dir := ingest.NamespaceDir(deps.PDFDir, ns)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		writeError(w, r, fmt.Errorf("creating upload dir: %w", err))
		return
	}
	path := filepath.Join(dir, req.Filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		writeError(w, r, fmt.Errorf("storing upload: %w", err))
		return
	}

	jobID, err := ingest.Enqueue(deps.Store, ns, path, req.Reprocess)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, QueuedResponse{
		JobID:      jobID,
		DocumentID: domain.DocumentID(req.Filename),
		Namespace:  ns,
		Status:     "queued",
	})
}

func handleIngestBatch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req BatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			writeError(w, r, invalidf("ingest", "invalid request body: %v", err))
			return
		}
		ns, err := domain.ParseNamespace(req.Namespace)
		if err != nil {
			writeError(w, r, err)
			return
		}

		summary, err := deps.Ingester.IngestDirectory(r.Context(), ns, ingest.NamespaceDir(deps.PDFDir, ns), req.Reprocess)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}
