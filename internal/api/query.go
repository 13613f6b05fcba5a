package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/medrag/medrag/internal/domain"
	"github.com/medrag/medrag/internal/persona"
	"github.com/medrag/medrag/internal/pipeline"
	"github.com/medrag/medrag/internal/retrieval"
)

// QueryRequest is the body of POST /query. Query is accepted as an alias of
// Question.
type QueryRequest struct {
	Question  string `json:"question"`
	Query     string `json:"query"`
	Namespace string `json:"namespace"`
	Persona   string `json:"persona"`
}

// QueryResponse is an answer with the metadata of how it was produced.
type QueryResponse struct {
	domain.Answer
	Metadata pipeline.Metadata `json:"metadata"`
}

// ChunkView is a retrieved chunk as returned by /recall and the MCP recall
// tool.
type ChunkView struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	ChunkIndex int       `json:"chunk_index"`
	Text       string    `json:"text"`
	Score      float32   `json:"score"`
	CreatedAt  time.Time `json:"created_at"`
}

func chunkViews(chunks []retrieval.ContextChunk) []ChunkView {
	out := make([]ChunkView, len(chunks))
	for i, c := range chunks {
		out[i] = ChunkView{
			ID:         c.ID,
			DocumentID: c.DocumentID,
			ChunkIndex: c.ChunkIndex,
			Text:       c.Text,
			Score:      c.Score,
			CreatedAt:  c.CreatedAt,
		}
	}
	return out
}

func handleQuery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req QueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, invalidf("query", "invalid request body: %v", err))
			return
		}
		question := req.Question
		if strings.TrimSpace(question) == "" {
			question = req.Query
		}

		ans, meta, err := deps.Answerer.Answer(r.Context(), pipeline.Query{
			Question:  question,
			Namespace: req.Namespace,
			Persona:   req.Persona,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, QueryResponse{Answer: ans, Metadata: meta})
	}
}

func handleRecall(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if strings.TrimSpace(q) == "" {
			writeError(w, r, invalidf("recall", "q is required"))
			return
		}
		ns, err := domain.ParseNamespace(r.URL.Query().Get("namespace"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		limit := parseIntParam(r, "limit", 5, 50)

		chunks, err := deps.Searcher.Search(r.Context(), ns, q, limit)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, chunkViews(chunks))
	}
}

func handlePersonas(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, persona.Catalogue())
}
