// Package llm provides text generation backends: the OpenRouter API and a
// local Ollama model.
package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/medrag/medrag/internal/engine"
)

// Generator produces a completion for a prompt.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
	// Ping reports whether the provider is reachable.
	Ping(ctx context.Context) error
}

// ErrEmptyCompletion is returned when the provider answers with no text.
var ErrEmptyCompletion = errors.New("empty completion")

// LocalGenerator generates with a model served by the local inference engine.
type LocalGenerator struct {
	engine engine.Engine
}

func NewLocalGenerator(e engine.Engine) *LocalGenerator {
	return &LocalGenerator{engine: e}
}

func (g *LocalGenerator) Generate(ctx context.Context, req Request) (string, error) {
	msgs := make([]engine.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = engine.Message{Role: m.Role, Content: m.Content}
	}
	out, err := g.engine.Chat(ctx, req.Model, msgs, &engine.ChatOptions{
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", ErrEmptyCompletion
	}
	return out, nil
}

func (g *LocalGenerator) Ping(ctx context.Context) error {
	if !g.engine.IsRunning(ctx) {
		return errors.New("ollama is not reachable")
	}
	return nil
}
