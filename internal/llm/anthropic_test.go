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
)

func anthropicOK(content string) anthropicResponse {
	return anthropicResponse{
		ID:         "msg-1",
		Model:      "claude-sonnet-4-5",
		Content:    []anthropicContent{{Type: "text", Text: content}},
		StopReason: "end_turn",
		Usage:      anthropicUsage{InputTokens: 20, OutputTokens: 10},
	}
}

func TestAnthropicCompleteRoundTrip(t *testing.T) {
	var gotReq anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicAPIVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(anthropicOK(`{"is_vulnerability": true}`))
	}))
	defer srv.Close()

	c := NewAnthropicClientWithBaseURL("test-key", "claude-sonnet-4-5", srv.URL, 0, 0)
	resp, err := c.Complete(context.Background(), CompletionRequest{
		System: "you are a security analyst",
		Prompt: "judge this finding",
	})
	require.NoError(t, err)

	assert.Equal(t, `{"is_vulnerability": true}`, resp.Content)
	assert.Equal(t, 20, resp.InputTokens)
	assert.Equal(t, 10, resp.OutputTokens)

	assert.Equal(t, "you are a security analyst", gotReq.System)
	require.Len(t, gotReq.Messages, 1)
	assert.Equal(t, "user", gotReq.Messages[0].Role)
}

func TestAnthropicCompleteSucceedsOnThirdAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, `{"error":{"message":"overloaded"}}`, 529)
			return
		}
		json.NewEncoder(w).Encode(anthropicOK("ok"))
	}))
	defer srv.Close()

	c := NewAnthropicClientWithBaseURL("test-key", "claude-sonnet-4-5", srv.URL, 0, 2)
	resp, err := c.Complete(context.Background(), CompletionRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, int32(3), calls.Load(), "two transient errors then success exhausts exactly three calls")
}

func TestAnthropicCompleteDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"message":"invalid model"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewAnthropicClientWithBaseURL("test-key", "claude-sonnet-4-5", srv.URL, 0, 3)
	_, err := c.Complete(context.Background(), CompletionRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid model")
	assert.Equal(t, int32(1), calls.Load(), "4xx responses are permanent")
}
