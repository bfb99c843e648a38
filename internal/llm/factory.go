package llm

import (
	"fmt"
	"time"

	"github.com/ctxaudit/auditcore/internal/models"
)

// NewFromConfig creates a Provider from a session's configuration.
func NewFromConfig(cfg models.SessionConfig) (Provider, error) {
	timeout := time.Duration(cfg.CompletionTimeoutSec) * time.Second

	switch cfg.LLMProvider {
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("Anthropic API key is required")
		}
		if cfg.BaseURL != "" {
			return NewAnthropicClientWithBaseURL(cfg.APIKey, cfg.LLMModel, cfg.BaseURL, timeout, cfg.RetryAttempts), nil
		}
		return NewAnthropicClient(cfg.APIKey, cfg.LLMModel, timeout, cfg.RetryAttempts), nil

	case "openai", "deepseek":
		// DeepSeek uses an OpenAI-compatible API
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("%s API key is required", cfg.LLMProvider)
		}
		return NewOpenAIClient(cfg.APIKey, cfg.LLMModel, cfg.BaseURL, timeout, cfg.RetryAttempts), nil

	case "ollama":
		return NewOllamaClient(cfg.LLMModel, cfg.BaseURL, timeout), nil

	case "":
		return nil, fmt.Errorf("no completion provider configured")

	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.LLMProvider)
	}
}
