// Package composer assembles the chat messages sent to the answer model.
package composer

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/medrag/medrag/internal/domain"
	"github.com/medrag/medrag/internal/llm"
	"github.com/medrag/medrag/internal/persona"
	"github.com/medrag/medrag/internal/retrieval"
)

const defaultMaxContextTokens = 4000

// ExcerptLength is the number of characters kept in a citation excerpt.
const ExcerptLength = 200

const groundedInstruction = "Answer the question using only the numbered document excerpts provided with it. " +
	"Cite every statement you take from an excerpt with its marker, for example [1] or [2][3]. " +
	"If the excerpts do not contain the answer, say so plainly instead of guessing."

const fallbackInstruction = "The user's documents do not cover this question. Answer from your general medical " +
	"knowledge and established clinical practice. Do not claim that the answer comes from the user's documents " +
	"and do not invent citations. Remind the user that this is general information, not personal medical advice."

// Prompt is a composed request together with what went into it.
type Prompt struct {
	Messages   []llm.Message
	Provenance domain.Provenance
	// Included holds the chunks placed in the prompt, in marker order.
	// It is empty for fallback prompts.
	Included []retrieval.ContextChunk
}

// Composer assembles persona-framed prompts. MaxContextTokens bounds the
// document context injected into grounded prompts.
type Composer struct {
	MaxContextTokens int
}

// New creates a Composer with the given token budget for injected context.
// If maxContextTokens <= 0, the default (4000) is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens}
}

// Grounded builds a prompt that answers from the given chunks, which arrive
// best first from the Retriever. Chunks are taken in order until the token
// budget runs out; the best chunk is always kept,
// truncated if it alone exceeds the budget.
func (c *Composer) Grounded(p persona.Persona, question string, chunks []retrieval.ContextChunk) Prompt {
	included := c.selectChunks(chunks)

	var sb strings.Builder
	sb.WriteString("Document excerpts:\n\n")
	for i, ch := range included {
		sb.WriteString(formatChunk(i+1, ch))
	}
	sb.WriteString("Question: ")
	sb.WriteString(strings.TrimSpace(question))

	return Prompt{
		Messages: []llm.Message{
			{Role: "system", Content: p.SystemPrompt() + "\n\n" + groundedInstruction},
			{Role: "user", Content: sb.String()},
		},
		Provenance: domain.ProvenanceDocuments,
		Included:   included,
	}
}

// Fallback builds a prompt that answers from general knowledge, without any
// document context.
func (c *Composer) Fallback(p persona.Persona, question string) Prompt {
	return Prompt{
		Messages: []llm.Message{
			{Role: "system", Content: p.SystemPrompt() + "\n\n" + fallbackInstruction},
			{Role: "user", Content: strings.TrimSpace(question)},
		},
		Provenance: domain.ProvenanceModel,
	}
}

// selectChunks keeps chunks in the given order while they fit in the budget,
// skipping any that would overflow it.
func (c *Composer) selectChunks(chunks []retrieval.ContextChunk) []retrieval.ContextChunk {
	if len(chunks) == 0 {
		return nil
	}

	remaining := c.MaxContextTokens
	var out []retrieval.ContextChunk
	for i, ch := range chunks {
		tokens := EstimateTokens(formatChunk(i+1, ch))
		if tokens > remaining {
			if len(out) == 0 {
				ch.Text = truncate(ch.Text, remaining*4)
				out = append(out, ch)
				remaining = 0
			}
			continue
		}
		out = append(out, ch)
		remaining -= tokens
	}
	return out
}

func formatChunk(marker int, ch retrieval.ContextChunk) string {
	return fmt.Sprintf("[%d] (source: %s, chunk %d)\n%s\n\n", marker, ch.DocumentID, ch.ChunkIndex, ch.Text)
}

// Citations builds one citation per included chunk, numbered like the prompt
// markers.
func Citations(included []retrieval.ContextChunk) []domain.Citation {
	out := make([]domain.Citation, len(included))
	for i, ch := range included {
		out[i] = domain.Citation{
			Marker:     i + 1,
			DocumentID: ch.DocumentID,
			ChunkIndex: ch.ChunkIndex,
			Score:      ch.Score,
			Excerpt:    Excerpt(ch.Text),
		}
	}
	return out
}

// Excerpt shortens text to ExcerptLength characters, appending "..." when it
// was cut.
func Excerpt(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= ExcerptLength {
		return text
	}
	return string([]rune(text)[:ExcerptLength]) + "..."
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
