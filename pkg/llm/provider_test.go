package llm

import (
	"context"
	"testing"
)

// MockProvider is a test double that satisfies the Provider interface.
type MockProvider struct {
	CompleteFunc func(ctx context.Context, messages []Message, opts CallOptions) (*Response, error)
}

func (m *MockProvider) Complete(ctx context.Context, messages []Message, opts ...CallOption) (*Response, error) {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, messages, ApplyOptions(opts...))
	}
	return &Response{Content: "mock response"}, nil
}

func TestProviderInterface(t *testing.T) {
	var provider Provider = &MockProvider{}
	ctx := context.Background()
	messages := []Message{{Role: "user", Content: "test"}}

	resp, err := provider.Complete(ctx, messages)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content == "" {
		t.Error("expected non-empty response")
	}
}

func TestMockProviderCustomComplete(t *testing.T) {
	mock := &MockProvider{
		CompleteFunc: func(ctx context.Context, messages []Message, opts CallOptions) (*Response, error) {
			if !opts.JSON || opts.MaxTokens != 64 {
				t.Errorf("options not applied: %+v", opts)
			}
			return &Response{
				Content: "custom response",
				Usage: Usage{
					InputTokens:  10,
					OutputTokens: 5,
					TotalTokens:  15,
				},
			}, nil
		},
	}

	var provider Provider = mock
	resp, err := provider.Complete(context.Background(), []Message{{Role: "user", Content: "hello"}}, WithJSON(), WithMaxTokens(64))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "custom response" {
		t.Errorf("expected 'custom response', got %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("expected 15 total tokens, got %d", resp.Usage.TotalTokens)
	}
}

func TestAPIErrorTemporary(t *testing.T) {
	cases := map[int]bool{400: false, 401: false, 429: true, 500: true, 503: true}
	for code, want := range cases {
		if got := (&APIError{StatusCode: code}).Temporary(); got != want {
			t.Errorf("status %d: expected temporary=%v, got %v", code, want, got)
		}
	}
}
