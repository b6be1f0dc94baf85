package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/user/agentmem/internal/retry"
	"github.com/user/agentmem/pkg/llm"
)

// Client implements the llm.Provider interface for OpenAI-compatible APIs.
type Client struct {
	config     *llm.Config
	httpClient *http.Client
	retry      *retry.Policy
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetry replaces the retry policy for rate limits and server errors.
func WithRetry(p *retry.Policy) Option {
	return func(c *Client) { c.retry = p }
}

// New creates a new OpenAI-compatible client with the given configuration.
func New(config *llm.Config, opts ...Option) *Client {
	c := &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		retry: retry.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	policy := *c.retry
	policy.Retryable = retryable
	c.retry = &policy
	return c
}

// retryable retries 429 and 5xx responses and transport failures; other API
// errors and cancellation are final.
func retryable(err error) bool {
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var parseErr *parseError
	return !errors.As(err, &parseErr)
}

type parseError struct{ err error }

func (e *parseError) Error() string { return e.err.Error() }
func (e *parseError) Unwrap() error { return e.err }

// chatRequest is the OpenAI chat completions request body.
type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []llm.Message   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    *float32        `json:"temperature,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

// chatResponse is the OpenAI chat completions response body.
type chatResponse struct {
	Choices []choice      `json:"choices"`
	Usage   responseUsage `json:"usage"`
}

// choice represents a single completion choice.
type choice struct {
	Message llm.Message `json:"message"`
}

// responseUsage is the OpenAI token usage format.
type responseUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Complete sends a chat completion request and returns the full response.
// Rate limits and server errors are retried with the client's policy.
func (c *Client) Complete(ctx context.Context, messages []llm.Message, opts ...llm.CallOption) (*llm.Response, error) {
	o := llm.ApplyOptions(opts...)
	reqBody := chatRequest{
		Model:    c.config.Model,
		Messages: messages,
	}

	if c.config.MaxTokens > 0 {
		reqBody.MaxTokens = c.config.MaxTokens
	}
	if o.MaxTokens > 0 {
		reqBody.MaxTokens = o.MaxTokens
	}

	if c.config.Temperature != 0 {
		temp := c.config.Temperature
		reqBody.Temperature = &temp
	}

	if o.JSON {
		reqBody.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	var out *llm.Response
	err = c.retry.Do(ctx, func() error {
		resp, err := c.send(ctx, body)
		if err != nil {
			return err
		}
		out = resp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) send(ctx context.Context, body []byte) (*llm.Response, error) {
	url := c.config.BaseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &parseError{fmt.Errorf("creating request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &llm.APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, &parseError{fmt.Errorf("parsing response: %w", err)}
	}

	if len(chatResp.Choices) == 0 {
		return nil, &parseError{fmt.Errorf("no choices in response")}
	}

	return &llm.Response{
		Content: chatResp.Choices[0].Message.Content,
		Usage: llm.Usage{
			InputTokens:  chatResp.Usage.PromptTokens,
			OutputTokens: chatResp.Usage.CompletionTokens,
			TotalTokens:  chatResp.Usage.TotalTokens,
		},
	}, nil
}
