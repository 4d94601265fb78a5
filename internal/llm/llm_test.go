package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsageAdd(t *testing.T) {
	u := Usage{InputTokens: 10, OutputTokens: 2}
	u.Add(Usage{InputTokens: 5, OutputTokens: 1, CacheReadInputTokens: 3})
	assert.Equal(t, int64(15), u.InputTokens)
	assert.Equal(t, int64(3), u.OutputTokens)
	assert.Equal(t, int64(3), u.CacheReadInputTokens)
	assert.Equal(t, int64(18), u.TotalTokens())
}

func TestDefaultLimits(t *testing.T) {
	a := DefaultLimits(ProviderAnthropic)
	o := DefaultLimits(ProviderOpenAI)
	assert.Less(t, a.Concurrency, o.Concurrency)
	assert.Greater(t, a.Timeout, o.Timeout)
	assert.Less(t, a.RequestsPerSecond, o.RequestsPerSecond)
	assert.Equal(t, a, DefaultLimits(""))
}

func TestNewClient(t *testing.T) {
	_, err := NewClient(Settings{Provider: "anthropic"})
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = NewClient(Settings{Provider: "mistral", APIKey: "k"})
	require.Error(t, err)

	c, err := NewClient(Settings{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, ProviderAnthropic, c.Provider())
	assert.Equal(t, DefaultAnthropicModel, c.Model())

	c, err = NewClient(Settings{Provider: "OpenAI", APIKey: "k", Model: "gpt-4.1"})
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, c.Provider())
	assert.Equal(t, "gpt-4.1", c.Model())
}

func openAIServer(t *testing.T, handler http.HandlerFunc) *OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAIClient(Settings{APIKey: "test-key", BaseURL: srv.URL, HTTPClient: srv.Client()})
}

func TestOpenAIComplete(t *testing.T) {
	type chatRequest struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	requests := make(chan chatRequest, 1)
	client := openAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var req chatRequest
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &req))
		requests <- req
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"Bug"},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":1,"total_tokens":13}}`)
	})

	resp, err := client.Complete(context.Background(), Request{System: "sys", User: "user text"})
	require.NoError(t, err)
	assert.Equal(t, "Bug", resp.Text)
	assert.Equal(t, int64(12), resp.Usage.InputTokens)
	assert.Equal(t, int64(1), resp.Usage.OutputTokens)

	got := <-requests
	assert.Equal(t, DefaultOpenAIModel, got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "user text", got.Messages[1].Content)
}

func TestOpenAIErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{status: http.StatusTooManyRequests, want: ErrRateLimited},
		{status: http.StatusUnauthorized, want: ErrUnauthorized},
		{status: http.StatusInternalServerError, want: ErrProvider},
	}
	for _, tt := range tests {
		client := openAIServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(tt.status)
			_, _ = io.WriteString(w, `{"error":{"message":"nope","type":"test_error"}}`)
		})
		_, err := client.Complete(context.Background(), Request{User: "x"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, tt.want), "status %d: %v", tt.status, err)
	}
}

func TestOpenAITimeout(t *testing.T) {
	client := openAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Complete(ctx, Request{User: "x"})
	require.ErrorIs(t, err, ErrTimeout)
}

func anthropicServer(t *testing.T, handler http.HandlerFunc) *AnthropicClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewAnthropicClient(Settings{APIKey: "test-key", BaseURL: srv.URL, HTTPClient: srv.Client()})
}

func TestAnthropicComplete(t *testing.T) {
	client := anthropicServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-5-20250929","content":[{"type":"text","text":"Billing"}],"stop_reason":"end_turn","usage":{"input_tokens":20,"output_tokens":2}}`)
	})

	resp, err := client.Complete(context.Background(), Request{System: "sys", User: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "Billing", resp.Text)
	assert.Equal(t, int64(20), resp.Usage.InputTokens)
	assert.Equal(t, int64(22), resp.Usage.TotalTokens())
}

func TestAnthropicRateLimitNotRetried(t *testing.T) {
	var calls atomic.Int32
	client := anthropicServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
	})

	_, err := client.Complete(context.Background(), Request{User: "x"})
	require.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, int32(1), calls.Load())
}

type stubClient struct {
	err error
}

func (s stubClient) Complete(ctx context.Context, req Request) (Response, error) {
	return Response{Text: "OK"}, s.err
}
func (s stubClient) Provider() string { return "stub" }
func (s stubClient) Model() string    { return "stub-1" }

func TestPreflight(t *testing.T) {
	require.NoError(t, Preflight(context.Background(), stubClient{}, time.Second))

	err := Preflight(context.Background(), stubClient{err: ErrUnauthorized}, 0)
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Contains(t, err.Error(), "stub/stub-1")
}
