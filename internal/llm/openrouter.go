package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/medrag/medrag/internal/retry"
)

const (
	openRouterURL  = "https://openrouter.ai/api/v1"
	requestTimeout = 60 * time.Second
)

// rateLimitRetry governs how often a 429 is retried.
var rateLimitRetry = retry.Policy{Attempts: 3, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 4 * time.Second}

// Client generates answers through the OpenRouter chat completions API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient returns a client for the public OpenRouter endpoint.
func NewClient(apiKey string) *Client {
	return NewClientWithBaseURL(apiKey, "")
}

// NewClientWithBaseURL points the client at another OpenAI-compatible
// endpoint. An empty baseURL means OpenRouter.
func NewClientWithBaseURL(apiKey, baseURL string) *Client {
	if baseURL == "" {
		baseURL = openRouterURL
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// WithRateLimit spaces completion requests to at most rps per second.
// rps <= 0 removes the limit.
func (c *Client) WithRateLimit(rps float64) *Client {
	c.limiter = nil
	if rps > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return c
}

// rateLimitError is an HTTP 429 answer.
type rateLimitError struct{ code int }

func (e *rateLimitError) Error() string { return fmt.Sprintf("rate limited (HTTP %d)", e.code) }

// StatusError is any other non-200 answer. Body is for logs and never part
// of Error().
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string { return fmt.Sprintf("unexpected status %d", e.Code) }

// Generate returns the trimmed text of the first choice of a non-streaming
// completion. Only 429 answers are retried.
func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return "", err
	}

	var text string
	err = retry.Do(ctx, rateLimitRetry, func(ctx context.Context, _ int) error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return retry.Permanent(err)
			}
		}
		var cr chatResponse
		err := c.call(ctx, http.MethodPost, "/chat/completions", body, &cr)
		var rl *rateLimitError
		if errors.As(err, &rl) {
			return err
		}
		if err != nil {
			return retry.Permanent(err)
		}
		text, err = firstChoice(cr)
		return retry.Permanent(err)
	})
	return text, err
}

func firstChoice(cr chatResponse) (string, error) {
	if len(cr.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	text := strings.TrimSpace(cr.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

// ListModels returns the models the endpoint offers.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	var list ModelList
	if err := c.call(ctx, http.MethodGet, "/models", nil, &list); err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}
	if list.Data == nil {
		return []Model{}, nil
	}
	return list.Data, nil
}

// Ping succeeds when the model listing answers within five seconds.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.ListModels(ctx)
	return err
}

func (c *Client) call(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("HTTP-Referer", "https://github.com/medrag/medrag")
	req.Header.Set("X-Title", "medrag")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return &rateLimitError{code: resp.StatusCode}
	default:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &StatusError{Code: resp.StatusCode, Body: string(b)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
