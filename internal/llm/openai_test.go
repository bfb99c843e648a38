package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctxaudit/auditcore/internal/models"
)

func openaiOK(content string) openaiResponse {
	return openaiResponse{
		ID:    "chatcmpl-1",
		Model: "gpt-4o",
		Choices: []openaiChoice{{
			Message:      openaiMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: openaiUsage{PromptTokens: 20, CompletionTokens: 10, TotalTokens: 30},
	}
}

func TestOpenAICompleteRoundTrip(t *testing.T) {
	var gotReq openaiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(openaiOK(`{"is_vulnerability": true}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient("test-key", "gpt-4o", srv.URL, 0, 0)
	resp, err := c.Complete(context.Background(), CompletionRequest{
		System: "you are a security analyst",
		Prompt: "judge this finding",
	})
	require.NoError(t, err)

	assert.Equal(t, `{"is_vulnerability": true}`, resp.Content)
	assert.Equal(t, "gpt-4o", resp.Model)
	assert.Equal(t, 20, resp.InputTokens)
	assert.Equal(t, 10, resp.OutputTokens)

	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
	assert.Equal(t, "user", gotReq.Messages[1].Role)
}

func TestOpenAICompleteRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(openaiOK("ok"))
	}))
	defer srv.Close()

	c := NewOpenAIClient("test-key", "gpt-4o", srv.URL, 0, 2)
	resp, err := c.Complete(context.Background(), CompletionRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, int32(2), calls.Load())
}

func TestOpenAICompleteDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"message":"invalid model"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewOpenAIClient("test-key", "gpt-4o", srv.URL, 0, 3)
	_, err := c.Complete(context.Background(), CompletionRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid model")
	assert.Equal(t, int32(1), calls.Load(), "4xx responses are permanent")
}

func TestOpenAICompleteExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewOpenAIClient("test-key", "gpt-4o", srv.URL, 0, 1)
	_, err := c.Complete(context.Background(), CompletionRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 1 retries")
}

func TestOpenAICompleteStripsProviderPrefix(t *testing.T) {
	var gotReq openaiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(openaiOK("ok"))
	}))
	defer srv.Close()

	c := NewOpenAIClient("test-key", "gpt-4o", srv.URL, 0, 0)
	_, err := c.Complete(context.Background(), CompletionRequest{Prompt: "hi", Model: "openai:gpt-4o-mini"})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", gotReq.Model)
}

func TestNewFromConfig(t *testing.T) {
	cases := []struct {
		name    string
		cfg     models.SessionConfig
		wantErr bool
		want    string
	}{
		{"anthropic", models.SessionConfig{LLMProvider: "anthropic", APIKey: "k"}, false, "anthropic"},
		{"openai", models.SessionConfig{LLMProvider: "openai", APIKey: "k"}, false, "openai"},
		{"deepseek uses openai client", models.SessionConfig{LLMProvider: "deepseek", APIKey: "k"}, false, "openai"},
		{"ollama needs no key", models.SessionConfig{LLMProvider: "ollama"}, false, "ollama"},
		{"anthropic without key", models.SessionConfig{LLMProvider: "anthropic"}, true, ""},
		{"unset provider", models.SessionConfig{}, true, ""},
		{"unknown provider", models.SessionConfig{LLMProvider: "watson"}, true, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := NewFromConfig(tc.cfg)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, p.Name())
		})
	}
}
