package retrieval

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"time"

	"github.com/medrag/medrag/internal/domain"
)

// DefaultTopK is the number of chunks requested per query.
const DefaultTopK = 8

// ContextChunk is a retrieved context fragment with its similarity score.
type ContextChunk struct {
	ID         string
	DocumentID string
	ChunkIndex int
	Text       string
	Score      float32
	CreatedAt  time.Time
}

// Retriever combines embedding and vector search to find relevant context.
type Retriever struct {
	embedder *Embedder
	store    VectorStore
	policy   Policy
	topK     int
	timeout  time.Duration
}

// NewRetriever creates a Retriever backed by the given Embedder and VectorStore.
// A zero topK uses DefaultTopK; a zero timeout leaves store calls unbounded
// beyond the caller's context.
func NewRetriever(embedder *Embedder, store VectorStore, policy Policy, topK int, storeTimeout time.Duration) *Retriever {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Retriever{embedder: embedder, store: store, policy: policy, topK: topK, timeout: storeTimeout}
}

// Retrieve embeds the question, fetches the top-K chunks from the namespace
// and classifies them with the sufficiency policy. An empty namespace yields
// NamespaceNotFound.
func (r *Retriever) Retrieve(ctx context.Context, ns domain.Namespace, question string) (Result, error) {
	if strings.TrimSpace(question) == "" {
		return nil, domain.Errorf(domain.InvalidInput, "retrieve", "question is empty")
	}

	n, err := r.count(ctx, ns)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, domain.Errorf(domain.NamespaceNotFound, "retrieve", "namespace %q has no vectors", ns)
	}

	chunks, err := r.Search(ctx, ns, question, r.topK)
	if err != nil {
		return nil, err
	}
	return r.policy.Evaluate(chunks), nil
}

// Search embeds query and returns up to topK chunks, best first, without
// applying the sufficiency policy.
func (r *Retriever) Search(ctx context.Context, ns domain.Namespace, query string, topK int) ([]ContextChunk, error) {
	if topK <= 0 {
		topK = r.topK
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	qctx, cancel := r.storeContext(ctx)
	defer cancel()
	scored, err := r.store.Query(qctx, ns, vec, topK)
	if err != nil {
		return nil, StoreError("query", err)
	}
	if err := r.checkModel(ns, scored); err != nil {
		return nil, err
	}
	return scoredToChunks(scored), nil
}

// checkModel rejects results embedded by a model other than the one the
// query was embedded with. Scores across models are not comparable, even
// when the dimensions agree.
func (r *Retriever) checkModel(ns domain.Namespace, scored []ScoredRecord) error {
	want := r.embedder.Model()
	for _, s := range scored {
		if s.Model != want {
			return domain.Errorf(domain.InvalidInput, "retrieve",
				"namespace %q holds vectors from %s, queries are embedded with %s; reprocess or clear the namespace",
				ns, s.Model, want)
		}
	}
	return nil
}

// count returns the number of vectors in a namespace.
func (r *Retriever) count(ctx context.Context, ns domain.Namespace) (int, error) {
	cctx, cancel := r.storeContext(ctx)
	defer cancel()
	n, err := r.store.Count(cctx, ns)
	if err != nil {
		return 0, StoreError("count", err)
	}
	return n, nil
}

func (r *Retriever) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

func scoredToChunks(scored []ScoredRecord) []ContextChunk {
	chunks := make([]ContextChunk, len(scored))
	for i, s := range scored {
		chunks[i] = ContextChunk{
			ID:         s.ID,
			DocumentID: s.DocumentID,
			ChunkIndex: s.ChunkIndex,
			Text:       s.Text,
			Score:      s.Score,
			CreatedAt:  s.CreatedAt,
		}
	}
	sortChunks(chunks)
	return chunks
}

// sortChunks orders by score descending; backends other than SQLite may not
// guarantee order on ties.
func sortChunks(chunks []ContextChunk) {
	slices.SortStableFunc(chunks, func(a, b ContextChunk) int {
		return cmp.Compare(b.Score, a.Score)
	})
}
