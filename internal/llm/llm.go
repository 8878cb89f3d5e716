// Package llm implements the LLM endpoint client consumed by the
// Summarize stage (spec.md §6): `Query(model, messages, options) ->
// {content, eval_count, prompt_eval_count, total_duration}`, retried with
// exponential backoff on timeout. Grounded on the hand-rolled net/http
// JSON client shape in team-hashing-lokutor-orchestrator's
// pkg/providers/llm/openai.go, adapted to the Ollama-style response
// envelope the spec requires instead of OpenAI's choices[].message shape.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options controls sampling and request shaping; zero-value means "use
// server defaults".
type Options struct {
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Stream      bool    `json:"stream"`
}

// Response is the Ollama-like envelope spec.md §6 specifies.
type Response struct {
	Content         string `json:"content"`
	EvalCount       int    `json:"eval_count"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	TotalDuration   time.Duration `json:"total_duration"`
}

// RetryConfig controls the exponential backoff applied to transient
// remote failures (spec.md §7 "Transient remote").
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig matches the job-level max_retries spec.md §7 calls
// "typically 2-3".
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second}
}

// Client talks to a single LLM inference endpoint over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      RetryConfig
	logger     *logrus.Entry
}

// New builds a Client. baseURL is expected to expose a single completion
// endpoint (e.g. an Ollama-compatible `/api/chat`).
func New(baseURL string, timeout time.Duration, retry RetryConfig) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		retry:      retry,
		logger:     logrus.WithField("component", "llm_client"),
	}
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Options  Options   `json:"options"`
}

type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	EvalCount       int   `json:"eval_count"`
	PromptEvalCount int   `json:"prompt_eval_count"`
	TotalDuration   int64 `json:"total_duration"` // nanoseconds, Ollama-style
}

// Query sends one completion request, retrying transient failures with
// exponential backoff (spec.md §7). A non-retryable (4xx) response fails
// immediately without consuming a retry attempt's delay budget.
func (c *Client) Query(ctx context.Context, model string, messages []Message, opts Options) (Response, error) {
	var lastErr error
	delay := c.retry.BaseDelay

	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.WithFields(logrus.Fields{"attempt": attempt, "delay": delay}).Warn("retrying LLM query")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return Response{}, ctx.Err()
			}
			delay *= 2
			if delay > c.retry.MaxDelay {
				delay = c.retry.MaxDelay
			}
		}

		resp, retryable, err := c.doQuery(ctx, model, messages, opts)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable {
			return Response{}, err
		}
	}
	return Response{}, fmt.Errorf("llm: query failed after %d attempts: %w", c.retry.MaxRetries+1, lastErr)
}

func (c *Client) doQuery(ctx context.Context, model string, messages []Message, opts Options) (Response, bool, error) {
	payload := chatRequest{Model: model, Messages: messages, Options: opts}
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, false, fmt.Errorf("llm: marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return Response{}, false, fmt.Errorf("llm: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors and client timeouts are transient remote failures.
		return Response{}, true, fmt.Errorf("llm: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 500 {
		return Response{}, true, fmt.Errorf("llm: server error (status %d)", httpResp.StatusCode)
	}
	if httpResp.StatusCode != http.StatusOK {
		var errBody interface{}
		_ = json.NewDecoder(httpResp.Body).Decode(&errBody)
		return Response{}, false, fmt.Errorf("llm: request rejected (status %d): %v", httpResp.StatusCode, errBody)
	}

	var decoded chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&decoded); err != nil {
		return Response{}, false, fmt.Errorf("llm: decoding response: %w", err)
	}

	return Response{
		Content:         decoded.Message.Content,
		EvalCount:       decoded.EvalCount,
		PromptEvalCount: decoded.PromptEvalCount,
		TotalDuration:   time.Duration(decoded.TotalDuration),
	}, false, nil
}
