package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/medrag/medrag/internal/domain"
	"github.com/medrag/medrag/internal/storage"
)

// InteractionView is the API form of a stored interaction.
type InteractionView struct {
	ID              string            `json:"id"`
	CreatedAt       time.Time         `json:"created_at"`
	Namespace       string            `json:"namespace"`
	Question        string            `json:"question"`
	Persona         string            `json:"persona"`
	Provenance      string            `json:"provenance,omitempty"`
	Answer          string            `json:"answer,omitempty"`
	Citations       []domain.Citation `json:"citations"`
	TopScore        float64           `json:"top_score"`
	ChunksRetrieved int               `json:"chunks_retrieved"`
	Status          string            `json:"status"`
	Error           string            `json:"error,omitempty"`
	DurationMs      int64             `json:"duration_ms"`
}

func interactionView(i storage.Interaction) InteractionView {
	v := InteractionView{
		ID:              i.ID,
		CreatedAt:       i.CreatedAt,
		Namespace:       i.Namespace,
		Question:        i.Question,
		Persona:         i.Persona,
		Provenance:      i.Provenance,
		Answer:          i.Answer,
		TopScore:        i.TopScore,
		ChunksRetrieved: i.ChunksRetrieved,
		Status:          i.Status,
		Error:           i.Error,
		DurationMs:      i.DurationMs,
	}
	if err := json.Unmarshal([]byte(i.CitationsJSON), &v.Citations); err != nil || v.Citations == nil {
		v.Citations = []domain.Citation{}
	}
	return v
}

// JobView is the API form of a queued job.
type JobView struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ClearRequest is the body of POST /admin/clear.
type ClearRequest struct {
	Namespace string `json:"namespace"`
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ns domain.Namespace
		if raw := r.URL.Query().Get("namespace"); raw != "" {
			var err error
			if ns, err = domain.ParseNamespace(raw); err != nil {
				writeError(w, r, err)
				return
			}
		}

		docs, err := deps.Store.ListDocuments(ns)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if docs == nil {
			docs = []domain.Document{}
		}
		writeJSON(w, http.StatusOK, docs)
	}
}

func handleGetDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ns, err := domain.ParseNamespace(r.URL.Query().Get("namespace"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		doc, err := deps.Store.GetDocument(ns, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	}
}

func handleDeleteDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ns, err := domain.ParseNamespace(r.URL.Query().Get("namespace"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		id := chi.URLParam(r, "id")
		if _, err := deps.Store.GetDocument(ns, id); err != nil {
			writeError(w, r, err)
			return
		}
		if err := deps.Ingester.DeleteDocument(r.Context(), ns, id); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
	}
}

func handleClear(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ClearRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			writeError(w, r, invalidf("clear", "invalid request body: %v", err))
			return
		}
		ns, err := domain.ParseNamespace(req.Namespace)
		if err != nil {
			writeError(w, r, err)
			return
		}

		n, err := deps.Ingester.ClearNamespace(r.Context(), ns)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":            "cleared",
			"namespace":         ns,
			"documents_removed": n,
		})
	}
}

func handleListInteractions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		interactions, err := deps.Store.GetRecentInteractions(r.URL.Query().Get("namespace"), limit)
		if err != nil {
			writeError(w, r, err)
			return
		}

		out := make([]InteractionView, len(interactions))
		for i, ix := range interactions {
			out[i] = interactionView(ix)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetInteraction(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ix, err := deps.Store.GetInteraction(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, interactionView(ix))
	}
}

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		j, err := deps.Store.GetJob(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, JobView{
			ID:        j.ID,
			Type:      j.Type,
			Status:    j.Status,
			Attempts:  j.Attempts,
			LastError: j.LastError,
			CreatedAt: j.CreatedAt,
			UpdatedAt: j.UpdatedAt,
		})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
