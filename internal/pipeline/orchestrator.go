// Package pipeline answers questions: it validates the query, retrieves
// context, decides between a grounded and a fallback prompt, and generates.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medrag/medrag/internal/composer"
	"github.com/medrag/medrag/internal/domain"
	"github.com/medrag/medrag/internal/llm"
	"github.com/medrag/medrag/internal/persona"
	"github.com/medrag/medrag/internal/retrieval"
	"github.com/medrag/medrag/internal/retry"
	"github.com/medrag/medrag/internal/storage"
)

// State is a step of the per-query state machine.
type State string

const (
	StateReceived   State = "RECEIVED"
	StateRetrieving State = "RETRIEVING"
	StateGrounded   State = "GROUNDED"
	StateFallback   State = "FALLBACK"
	StatePrompting  State = "PROMPTING"
	StateGenerating State = "GENERATING"
	StateDone       State = "DONE"
	StateFailed     State = "FAILED"
)

// Retriever finds context for a question.
type Retriever interface {
	Retrieve(ctx context.Context, ns domain.Namespace, question string) (retrieval.Result, error)
}

// InteractionRecorder persists finished queries.
type InteractionRecorder interface {
	SaveInteraction(i storage.Interaction) error
}

// Query is one question from a user.
type Query struct {
	Question  string `json:"question"`
	Namespace string `json:"namespace"`
	Persona   string `json:"persona"`
}

// Metadata describes how an answer was produced.
type Metadata struct {
	States          []State `json:"states"`
	TopScore        float32 `json:"top_score"`
	ChunksRetrieved int     `json:"chunks_retrieved"`
	NamespaceEmpty  bool    `json:"namespace_empty"`
	DurationMs      int64   `json:"duration_ms"`
}

// Config holds generation settings.
type Config struct {
	Model             string
	Temperature       float64
	MaxTokens         int
	GenerationTimeout time.Duration
	// GenerationRetry bounds generation attempts. The zero value means one
	// retry after a 1s backoff.
	GenerationRetry retry.Policy
}

// Orchestrator runs the answer state machine. It is safe for concurrent use;
// each call to Answer is independent.
type Orchestrator struct {
	retriever Retriever
	composer  *composer.Composer
	generator llm.Generator
	recorder  InteractionRecorder
	cfg       Config
	logger    *slog.Logger
}

// NewOrchestrator creates an Orchestrator. recorder may be nil.
func NewOrchestrator(r Retriever, c *composer.Composer, g llm.Generator, recorder InteractionRecorder, cfg Config) *Orchestrator {
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = 60 * time.Second
	}
	if cfg.GenerationRetry.Attempts == 0 {
		cfg.GenerationRetry = retry.Policy{Attempts: 2, InitialBackoff: time.Second, MaxBackoff: 4 * time.Second}
	}
	return &Orchestrator{
		retriever: r,
		composer:  c,
		generator: g,
		recorder:  recorder,
		cfg:       cfg,
		logger:    slog.Default(),
	}
}

// run tracks one pass through the state machine.
type run struct {
	meta  Metadata
	start time.Time
	log   *slog.Logger
}

func (r *run) enter(s State) {
	r.meta.States = append(r.meta.States, s)
	r.log.Debug("query state", "state", s)
}

func (r *run) finish() Metadata {
	r.meta.DurationMs = time.Since(r.start).Milliseconds()
	return r.meta
}

// Answer runs the query through retrieval and generation. The answer is
// either fully grounded in retrieved chunks or fully generated from general
// knowledge; the two are never mixed. Metadata is returned on failure too.
func (o *Orchestrator) Answer(ctx context.Context, q Query) (domain.Answer, Metadata, error) {
	r := &run{start: time.Now(), log: o.logger}
	r.enter(StateReceived)

	question := strings.TrimSpace(q.Question)
	ns, p, err := validate(question, q.Namespace, q.Persona)
	if err != nil {
		r.enter(StateFailed)
		return domain.Answer{}, r.finish(), err
	}
	r.log = r.log.With("namespace", ns, "persona", p)

	answer, err := o.answer(ctx, r, question, ns, p)
	meta := r.finish()
	o.record(q, ns, p, answer, meta, err)
	if err != nil {
		r.log.Warn("query failed", "error", err, "states", meta.States)
		return domain.Answer{}, meta, err
	}
	r.log.Info("query answered", "provenance", answer.Provenance,
		"top_score", meta.TopScore, "citations", len(answer.Citations), "duration_ms", meta.DurationMs)
	return answer, meta, nil
}

func validate(question, namespace, personaName string) (domain.Namespace, persona.Persona, error) {
	if question == "" {
		return "", 0, domain.Errorf(domain.InvalidInput, "answer", "question is empty")
	}
	ns, err := domain.ParseNamespace(namespace)
	if err != nil {
		return "", 0, err
	}
	p, err := persona.Parse(personaName)
	if err != nil {
		return "", 0, err
	}
	return ns, p, nil
}

func (o *Orchestrator) answer(ctx context.Context, r *run, question string, ns domain.Namespace, p persona.Persona) (domain.Answer, error) {
	r.enter(StateRetrieving)
	res, err := o.retriever.Retrieve(ctx, ns, question)

	var prompt composer.Prompt
	switch {
	case domain.IsKind(err, domain.NamespaceNotFound):
		r.meta.NamespaceEmpty = true
		r.enter(StateFallback)
		r.enter(StatePrompting)
		prompt = o.composer.Fallback(p, question)
	case err != nil:
		r.enter(StateFailed)
		return domain.Answer{}, err
	default:
		r.meta.ChunksRetrieved = len(res.Chunks())
		switch res := res.(type) {
		case *retrieval.Sufficient:
			r.meta.TopScore = res.TopScore
			r.enter(StateGrounded)
			r.enter(StatePrompting)
			prompt = o.composer.Grounded(p, question, res.Chunks())
		case *retrieval.Insufficient:
			r.meta.TopScore = res.BestScore
			r.enter(StateFallback)
			r.enter(StatePrompting)
			prompt = o.composer.Fallback(p, question)
		}
	}

	r.enter(StateGenerating)
	text, err := o.generate(ctx, prompt.Messages)
	if err != nil {
		r.enter(StateFailed)
		return domain.Answer{}, err
	}

	citations := []domain.Citation{}
	if prompt.Provenance == domain.ProvenanceDocuments {
		citations = composer.Citations(prompt.Included)
	}
	r.enter(StateDone)
	return domain.Answer{
		ID:         uuid.New().String(),
		Text:       text,
		Provenance: prompt.Provenance,
		Citations:  citations,
		Persona:    p.String(),
		Namespace:  ns,
		Question:   question,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// generate calls the model with a per-attempt timeout and retries once.
// Cancellation of ctx is returned as is.
func (o *Orchestrator) generate(ctx context.Context, msgs []llm.Message) (string, error) {
	req := llm.Request{
		Model:       o.cfg.Model,
		Messages:    msgs,
		Temperature: o.cfg.Temperature,
		MaxTokens:   o.cfg.MaxTokens,
	}
	var text string
	err := retry.Do(ctx, o.cfg.GenerationRetry, func(ctx context.Context, attempt int) error {
		gctx, cancel := context.WithTimeout(ctx, o.cfg.GenerationTimeout)
		defer cancel()
		out, err := o.generator.Generate(gctx, req)
		if err != nil {
			o.logger.Warn("generation attempt failed", "attempt", attempt+1, "error", err)
			return err
		}
		text = out
		return nil
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return "", ctx.Err()
		}
		return "", domain.E(domain.GenerationUnavailable, "generate", err)
	}
	return text, nil
}

// record stores the interaction. Failures are logged and never affect the
// answer.
func (o *Orchestrator) record(q Query, ns domain.Namespace, p persona.Persona, a domain.Answer, meta Metadata, answerErr error) {
	if o.recorder == nil {
		return
	}
	i := storage.Interaction{
		ID:              a.ID,
		CreatedAt:       time.Now().UTC(),
		Namespace:       string(ns),
		Question:        strings.TrimSpace(q.Question),
		Persona:         p.String(),
		Provenance:      string(a.Provenance),
		Answer:          a.Text,
		TopScore:        float64(meta.TopScore),
		ChunksRetrieved: meta.ChunksRetrieved,
		Status:          "completed",
		DurationMs:      meta.DurationMs,
	}
	if answerErr != nil {
		i.ID = uuid.New().String()
		i.Status = "failed"
		i.Error = domain.KindOf(answerErr).String()
	}
	if cites, err := json.Marshal(a.Citations); err == nil && a.Citations != nil {
		i.CitationsJSON = string(cites)
	}
	if err := o.recorder.SaveInteraction(i); err != nil {
		o.logger.Warn("recording interaction", "error", err)
	}
}
