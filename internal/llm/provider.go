// Package llm contains completion provider client implementations.
package llm

import (
	"context"
	"time"
)

const (
	defaultMaxRetries    = 3
	initialBackoff       = 2 * time.Second
	defaultClientTimeout = 30 * time.Second
)

// CompletionRequest is a single prompt/response exchange.
type CompletionRequest struct {
	System      string  `json:"system,omitempty"`
	Prompt      string  `json:"prompt"`
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// CompletionResponse is the generated text plus usage accounting.
type CompletionResponse struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	StopReason   string `json:"stop_reason,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// Provider defines the interface for completion providers.
type Provider interface {
	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Name returns the provider name
	Name() string
}

// backoffFor returns the exponential backoff before retry attempt n (1-based):
// 2s, 4s, 8s, ...
func backoffFor(attempt int) time.Duration {
	return initialBackoff * time.Duration(1<<(attempt-1))
}
