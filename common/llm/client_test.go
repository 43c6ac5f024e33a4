package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundryhq/foundry/common/config"
	"github.com/foundryhq/foundry/common/errdefs"
	"github.com/foundryhq/foundry/common/logger"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewClient(config.LLMConfig{
		BaseURL:      server.URL,
		APIKey:       "test-key",
		DefaultModel: "test-model",
		Timeout:      5 * time.Second,
	}, logger.New("error", "json"))
}

func completionBody(content string, totalTokens int) map[string]any {
	return map[string]any{
		"choices": []any{
			map[string]any{
				"message":       map[string]any{"content": content},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     3,
			"completion_tokens": totalTokens - 3,
			"total_tokens":      totalTokens,
		},
	}
}

func TestCompleteSuccess(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "test-model", payload["model"])
		assert.Nil(t, payload["response_format"])

		json.NewEncoder(w).Encode(completionBody("hello", 10))
	})

	resp, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, 10, resp.Usage.TotalTokens)
}

func TestCompleteJSONModeAndOverrides(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer node-key", r.Header.Get("Authorization"))

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "gpt-4o-mini", payload["model"])
		assert.Equal(t, map[string]any{"type": "json_object"}, payload["response_format"])

		json.NewEncoder(w).Encode(completionBody(`{"ok":true}`, 7))
	})

	resp, err := client.Complete(context.Background(), Request{
		Model:    "gpt-4o-mini",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		JSONMode: true,
		APIKey:   "node-key",
	})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, resp.Content)
}

func TestCompleteProviderErrorCarriesRetryAfter(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("rate limited"))
	})

	_, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindProvider))

	var taxErr *errdefs.Error
	require.True(t, errors.As(err, &taxErr))
	assert.Equal(t, 30, taxErr.Details["retryAfterSeconds"])
	assert.Equal(t, http.StatusTooManyRequests, taxErr.Details["status"])
}

func TestCompleteEmptyChoices(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	})

	_, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindProvider))
}

func TestInvokeParsesObjectOutput(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))

		msgs := payload["messages"].([]any)
		require.Len(t, msgs, 2)
		system := msgs[0].(map[string]any)
		assert.Equal(t, "system", system["role"])
		assert.Contains(t, system["content"], "You are a reviewer.")
		assert.Contains(t, system["content"], "Capabilities: read, write.")

		json.NewEncoder(w).Encode(completionBody(`{"verdict":"approve"}`, 12))
	})

	resp, err := client.Invoke(context.Background(), AgentRequest{
		Role:         "a reviewer",
		Prompt:       "review this",
		Capabilities: []string{"read", "write"},
	})
	require.NoError(t, err)
	assert.Equal(t, "approve", resp.Output["verdict"])
	assert.Equal(t, 12, resp.Usage.TotalTokens)
}

func TestInvokeWrapsPlainTextOutput(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(completionBody("not json at all", 5))
	})

	resp, err := client.Invoke(context.Background(), AgentRequest{
		Role:   "a helper",
		Prompt: "say something",
	})
	require.NoError(t, err)
	assert.Equal(t, "not json at all", resp.Output["output"])
}
