package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/medrag/medrag/internal/domain"
	"github.com/medrag/medrag/internal/engine"
	"github.com/medrag/medrag/internal/retry"
)

const (
	defaultEmbedBatchSize = 32
	defaultEmbedTimeout   = 30 * time.Second
	// Concurrent batches in flight against the engine.
	embedConcurrency = 4
)

// Embedder wraps an Engine to generate text embeddings. Calls are batched,
// time-bounded and retried; exhausted retries surface as EmbeddingUnavailable.
type Embedder struct {
	engine    engine.Engine
	model     string
	batchSize int
	timeout   time.Duration
	policy    retry.Policy
}

// EmbedderOption configures an Embedder.
type EmbedderOption func(*Embedder)

// WithBatchSize sets how many texts are sent per engine call.
func WithBatchSize(n int) EmbedderOption {
	return func(e *Embedder) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithEmbedTimeout bounds each engine call.
func WithEmbedTimeout(d time.Duration) EmbedderOption {
	return func(e *Embedder) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithEmbedRetry sets the retry policy for failed engine calls.
func WithEmbedRetry(p retry.Policy) EmbedderOption {
	return func(e *Embedder) { e.policy = p }
}

// NewEmbedder creates an Embedder using the given Engine and model name.
func NewEmbedder(e engine.Engine, model string, opts ...EmbedderOption) *Embedder {
	emb := &Embedder{
		engine:    e,
		model:     model,
		batchSize: defaultEmbedBatchSize,
		timeout:   defaultEmbedTimeout,
		policy:    retry.Default,
	}
	for _, opt := range opts {
		opt(emb)
	}
	return emb
}

// Model returns the embedding model identity recorded with every vector.
func (e *Embedder) Model() string { return e.model }

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per text, in input order. Returns nil (not
// error) for empty input. Empty texts are rejected as InvalidInput.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, domain.Errorf(domain.InvalidInput, "embed", "text %d is empty", i)
		}
	}

	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)

	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		g.Go(func() error {
			vecs, err := e.embedOnce(gCtx, texts[start:end])
			if err != nil {
				return err
			}
			copy(results[start:end], vecs)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	dims := len(results[0])
	for i, v := range results {
		if len(v) != dims {
			return nil, domain.Errorf(domain.EmbeddingUnavailable, "embed",
				"model %s returned mixed dimensions (%d and %d at %d)", e.model, dims, len(v), i)
		}
	}
	return results, nil
}

func (e *Embedder) embedOnce(ctx context.Context, batch []string) ([][]float32, error) {
	var vecs [][]float32
	err := retry.Do(ctx, e.policy, func(ctx context.Context, attempt int) error {
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()

		out, err := e.engine.Embed(callCtx, e.model, batch)
		if err != nil {
			return err
		}
		if len(out) != len(batch) {
			return fmt.Errorf("got %d vectors for %d texts", len(out), len(batch))
		}
		for i, v := range out {
			if len(v) == 0 {
				return fmt.Errorf("empty vector at %d", i)
			}
		}
		vecs = out
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.E(domain.EmbeddingUnavailable, "embed", err)
	}
	return vecs, nil
}
