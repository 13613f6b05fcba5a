package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/medrag/medrag/internal/composer"
	"github.com/medrag/medrag/internal/domain"
	"github.com/medrag/medrag/internal/llm"
	"github.com/medrag/medrag/internal/persona"
	"github.com/medrag/medrag/internal/retrieval"
	"github.com/medrag/medrag/internal/retry"
	"github.com/medrag/medrag/internal/storage"
)

// --- mock retriever ---

type mockRetriever struct {
	result retrieval.Result
	err    error
	gotNS  domain.Namespace
}

func (m *mockRetriever) Retrieve(_ context.Context, ns domain.Namespace, _ string) (retrieval.Result, error) {
	m.gotNS = ns
	return m.result, m.err
}

// --- mock generator ---

type mockGenerator struct {
	mu       sync.Mutex
	requests []llm.Request
	genFn    func(ctx context.Context, call int) (string, error)
}

func (m *mockGenerator) Generate(ctx context.Context, req llm.Request) (string, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	call := len(m.requests)
	m.mu.Unlock()
	if m.genFn != nil {
		return m.genFn(ctx, call)
	}
	return "generated answer", nil
}

func (m *mockGenerator) Ping(context.Context) error { return nil }

func (m *mockGenerator) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// --- mock recorder ---

type mockRecorder struct {
	saved []storage.Interaction
	err   error
}

func (m *mockRecorder) SaveInteraction(i storage.Interaction) error {
	m.saved = append(m.saved, i)
	return m.err
}

func chunks(scores ...float32) []retrieval.ContextChunk {
	out := make([]retrieval.ContextChunk, len(scores))
	for i, s := range scores {
		out[i] = retrieval.ContextChunk{
			ID:         domain.ChunkID("aspirin.pdf", i),
			DocumentID: "aspirin.pdf",
			ChunkIndex: i,
			Text:       "Aspirin is used to reduce fever and relieve mild pain.",
			Score:      s,
		}
	}
	return out
}

var testConfig = Config{
	Model:           "test-model",
	Temperature:     0.2,
	MaxTokens:       512,
	GenerationRetry: retry.Policy{Attempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
}

func newTestOrchestrator(r Retriever, g llm.Generator, rec InteractionRecorder) *Orchestrator {
	return NewOrchestrator(r, composer.New(4000), g, rec, testConfig)
}

func hasState(states []State, s State) bool {
	for _, got := range states {
		if got == s {
			return true
		}
	}
	return false
}

func TestAnswer_Grounded(t *testing.T) {
	r := &mockRetriever{result: &retrieval.Sufficient{Retrieved: chunks(0.91, 0.7), TopScore: 0.91}}
	g := &mockGenerator{genFn: func(context.Context, int) (string, error) {
		return "Aspirin reduces fever [1].", nil
	}}
	rec := &mockRecorder{}

	ans, meta, err := newTestOrchestrator(r, g, rec).Answer(context.Background(), Query{
		Question: "What is aspirin used for?", Namespace: "alice", Persona: "nurse",
	})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.Provenance != domain.ProvenanceDocuments {
		t.Errorf("Provenance = %q, want %q", ans.Provenance, domain.ProvenanceDocuments)
	}
	if len(ans.Citations) != 2 || ans.Citations[0].DocumentID != "aspirin.pdf" || ans.Citations[0].Marker != 1 {
		t.Errorf("Citations = %+v", ans.Citations)
	}
	if ans.Text != "Aspirin reduces fever [1]." {
		t.Errorf("Text = %q", ans.Text)
	}
	if ans.Persona != "nurse" || ans.Namespace != "alice" || ans.ID == "" {
		t.Errorf("answer fields = %+v", ans)
	}
	if r.gotNS != "alice" {
		t.Errorf("retrieved from %q, want alice", r.gotNS)
	}

	want := []State{StateReceived, StateRetrieving, StateGrounded, StatePrompting, StateGenerating, StateDone}
	if strings.Join(statesToStrings(meta.States), ",") != strings.Join(statesToStrings(want), ",") {
		t.Errorf("States = %v, want %v", meta.States, want)
	}
	if meta.TopScore != 0.91 || meta.ChunksRetrieved != 2 {
		t.Errorf("meta = %+v", meta)
	}

	sys := g.requests[0].Messages[0].Content
	if !strings.HasPrefix(sys, persona.Nurse.SystemPrompt()) {
		t.Errorf("system prompt lacks nurse framing: %q", sys)
	}
	if !strings.Contains(g.requests[0].Messages[1].Content, "[1] (source: aspirin.pdf, chunk 0)") {
		t.Errorf("user message lacks marked excerpt: %q", g.requests[0].Messages[1].Content)
	}

	if len(rec.saved) != 1 {
		t.Fatalf("saved %d interactions, want 1", len(rec.saved))
	}
	saved := rec.saved[0]
	if saved.ID != ans.ID || saved.Status != "completed" || saved.Provenance != string(domain.ProvenanceDocuments) {
		t.Errorf("saved = %+v", saved)
	}
	var cites []domain.Citation
	if err := json.Unmarshal([]byte(saved.CitationsJSON), &cites); err != nil || len(cites) != 2 {
		t.Errorf("saved citations = %q (%v)", saved.CitationsJSON, err)
	}
}

func statesToStrings(states []State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func TestAnswer_InsufficientFallsBack(t *testing.T) {
	r := &mockRetriever{result: &retrieval.Insufficient{Retrieved: chunks(0.55, 0.4), BestScore: 0.55}}
	g := &mockGenerator{}

	ans, meta, err := newTestOrchestrator(r, g, nil).Answer(context.Background(), Query{
		Question: "What is the dose of metformin?", Namespace: "alice",
	})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.Provenance != domain.ProvenanceModel {
		t.Errorf("Provenance = %q", ans.Provenance)
	}
	if ans.Citations == nil || len(ans.Citations) != 0 {
		t.Errorf("fallback citations = %#v, want empty non-nil", ans.Citations)
	}
	if !hasState(meta.States, StateFallback) || hasState(meta.States, StateGrounded) {
		t.Errorf("States = %v", meta.States)
	}
	if meta.TopScore != 0.55 {
		t.Errorf("TopScore = %v", meta.TopScore)
	}
	// Fallback prompts carry no document context.
	user := g.requests[0].Messages[1].Content
	if strings.Contains(user, "Aspirin is used") {
		t.Errorf("fallback prompt leaked chunk text: %q", user)
	}
	if ans.Persona != "doctor" {
		t.Errorf("default persona = %q, want doctor", ans.Persona)
	}
}

func TestAnswer_EmptyNamespaceFallsBack(t *testing.T) {
	r := &mockRetriever{err: domain.Errorf(domain.NamespaceNotFound, "retrieve", "namespace bob has no documents")}
	g := &mockGenerator{}

	ans, meta, err := newTestOrchestrator(r, g, nil).Answer(context.Background(), Query{
		Question: "What is aspirin?", Namespace: "bob",
	})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.Provenance != domain.ProvenanceModel {
		t.Errorf("Provenance = %q", ans.Provenance)
	}
	if !meta.NamespaceEmpty {
		t.Error("NamespaceEmpty = false, want true")
	}
}

func TestAnswer_DefaultNamespace(t *testing.T) {
	r := &mockRetriever{result: &retrieval.Insufficient{}}
	_, _, err := newTestOrchestrator(r, &mockGenerator{}, nil).Answer(context.Background(), Query{Question: "q"})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if r.gotNS != domain.DefaultNamespace {
		t.Errorf("namespace = %q, want %q", r.gotNS, domain.DefaultNamespace)
	}
}

func TestAnswer_GenerationRetriedOnce(t *testing.T) {
	r := &mockRetriever{result: &retrieval.Sufficient{Retrieved: chunks(0.9, 0.8), TopScore: 0.9}}
	g := &mockGenerator{genFn: func(_ context.Context, call int) (string, error) {
		if call == 1 {
			return "", errors.New("connection refused")
		}
		return "second try", nil
	}}

	ans, _, err := newTestOrchestrator(r, g, nil).Answer(context.Background(), Query{Question: "q"})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.Text != "second try" || g.calls() != 2 {
		t.Errorf("Text = %q after %d calls", ans.Text, g.calls())
	}
}

func TestAnswer_GenerationExhausted(t *testing.T) {
	r := &mockRetriever{result: &retrieval.Sufficient{Retrieved: chunks(0.9, 0.8), TopScore: 0.9}}
	g := &mockGenerator{genFn: func(context.Context, int) (string, error) {
		return "", errors.New("upstream 502")
	}}
	rec := &mockRecorder{}

	_, meta, err := newTestOrchestrator(r, g, rec).Answer(context.Background(), Query{Question: "q", Namespace: "alice"})
	if !domain.IsKind(err, domain.GenerationUnavailable) {
		t.Fatalf("err = %v, want GenerationUnavailable", err)
	}
	if g.calls() != 2 {
		t.Errorf("generator called %d times, want 2", g.calls())
	}
	if meta.States[len(meta.States)-1] != StateFailed {
		t.Errorf("final state = %v, want FAILED", meta.States)
	}
	if len(rec.saved) != 1 || rec.saved[0].Status != "failed" || rec.saved[0].Error != "generation_unavailable" {
		t.Errorf("saved = %+v", rec.saved)
	}
	if rec.saved[0].Answer != "" {
		t.Errorf("failed interaction stored answer text %q", rec.saved[0].Answer)
	}
}

func TestAnswer_GenerationTimeoutPerAttempt(t *testing.T) {
	r := &mockRetriever{result: &retrieval.Insufficient{}}
	g := &mockGenerator{genFn: func(ctx context.Context, _ int) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	cfg := testConfig
	cfg.GenerationTimeout = 10 * time.Millisecond
	o := NewOrchestrator(r, composer.New(0), g, nil, cfg)

	_, _, err := o.Answer(context.Background(), Query{Question: "q"})
	if !domain.IsKind(err, domain.GenerationUnavailable) {
		t.Fatalf("err = %v, want GenerationUnavailable", err)
	}
	if g.calls() != 2 {
		t.Errorf("generator called %d times, want 2", g.calls())
	}
}

func TestAnswer_StoreErrorStopsBeforeGeneration(t *testing.T) {
	r := &mockRetriever{err: domain.E(domain.VectorStoreUnavailable, "query", errors.New("dial tcp: refused"))}
	g := &mockGenerator{}

	_, meta, err := newTestOrchestrator(r, g, nil).Answer(context.Background(), Query{Question: "q"})
	if !domain.IsKind(err, domain.VectorStoreUnavailable) {
		t.Fatalf("err = %v, want VectorStoreUnavailable", err)
	}
	if g.calls() != 0 {
		t.Errorf("generator called %d times after a store failure", g.calls())
	}
	if hasState(meta.States, StateGenerating) {
		t.Errorf("States = %v", meta.States)
	}
}

func TestAnswer_EmbeddingErrorPropagates(t *testing.T) {
	r := &mockRetriever{err: domain.E(domain.EmbeddingUnavailable, "embed", errors.New("ollama down"))}
	_, _, err := newTestOrchestrator(r, &mockGenerator{}, nil).Answer(context.Background(), Query{Question: "q"})
	if !domain.IsKind(err, domain.EmbeddingUnavailable) {
		t.Fatalf("err = %v, want EmbeddingUnavailable", err)
	}
}

func TestAnswer_InvalidInput(t *testing.T) {
	tests := []struct {
		name string
		q    Query
	}{
		{"empty question", Query{Question: "   "}},
		{"bad namespace", Query{Question: "q", Namespace: "../etc"}},
		{"unknown persona", Query{Question: "q", Persona: "surgeon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &mockRetriever{result: &retrieval.Insufficient{}}
			g := &mockGenerator{}
			rec := &mockRecorder{}
			_, meta, err := newTestOrchestrator(r, g, rec).Answer(context.Background(), tt.q)
			if !domain.IsKind(err, domain.InvalidInput) {
				t.Fatalf("err = %v, want InvalidInput", err)
			}
			if g.calls() != 0 || len(rec.saved) != 0 {
				t.Errorf("invalid query reached generation (%d) or was recorded (%d)", g.calls(), len(rec.saved))
			}
			if meta.States[len(meta.States)-1] != StateFailed {
				t.Errorf("States = %v", meta.States)
			}
		})
	}
}

func TestAnswer_PassesGenerationSettings(t *testing.T) {
	r := &mockRetriever{result: &retrieval.Insufficient{}}
	g := &mockGenerator{}
	if _, _, err := newTestOrchestrator(r, g, nil).Answer(context.Background(), Query{Question: "q"}); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	req := g.requests[0]
	if req.Model != "test-model" || req.Temperature != 0.2 || req.MaxTokens != 512 {
		t.Errorf("request = %+v", req)
	}
}

func TestAnswer_ParentCancelNotWrapped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &mockRetriever{result: &retrieval.Insufficient{}}
	g := &mockGenerator{genFn: func(ctx context.Context, _ int) (string, error) {
		cancel()
		return "", ctx.Err()
	}}

	_, _, err := newTestOrchestrator(r, g, nil).Answer(ctx, Query{Question: "q"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if domain.IsKind(err, domain.GenerationUnavailable) {
		t.Error("cancellation reported as GenerationUnavailable")
	}
	if g.calls() != 1 {
		t.Errorf("generator called %d times after cancel", g.calls())
	}
}

func TestAnswer_RecorderFailureIgnored(t *testing.T) {
	r := &mockRetriever{result: &retrieval.Insufficient{}}
	rec := &mockRecorder{err: errors.New("disk full")}
	ans, _, err := newTestOrchestrator(r, &mockGenerator{}, rec).Answer(context.Background(), Query{Question: "q"})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.Text == "" {
		t.Error("empty answer")
	}
}
