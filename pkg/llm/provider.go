package llm

import (
	"context"
	"fmt"
)

// Provider defines the interface for interacting with LLM backends.
// Implementations handle protocol-specific details such as request formatting,
// authentication, and response parsing.
type Provider interface {
	// Complete sends a chat completion request and returns the full response.
	Complete(ctx context.Context, messages []Message, opts ...CallOption) (*Response, error)
}

// Config holds common configuration for LLM providers.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
}

// CallOptions are per-request overrides.
type CallOptions struct {
	// JSON asks the model for a single JSON object as its reply.
	JSON      bool
	MaxTokens int
}

// CallOption configures a single Complete call.
type CallOption func(*CallOptions)

// WithJSON requests JSON response mode.
func WithJSON() CallOption {
	return func(o *CallOptions) { o.JSON = true }
}

// WithMaxTokens caps the completion length for this call.
func WithMaxTokens(n int) CallOption {
	return func(o *CallOptions) { o.MaxTokens = n }
}

// ApplyOptions folds opts into a CallOptions value.
func ApplyOptions(opts ...CallOption) CallOptions {
	var o CallOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// APIError is a non-2xx response from a provider.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// Temporary reports whether the request may succeed if retried: rate limits
// and server errors.
func (e *APIError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
