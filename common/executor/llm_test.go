package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundryhq/foundry/common/errdefs"
	"github.com/foundryhq/foundry/common/llm"
	"github.com/foundryhq/foundry/common/ports"
)

func TestLLMExecutorTextMode(t *testing.T) {
	provider := &fakeProvider{resp: &llm.Response{
		Content: "the answer",
		Usage:   llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}}
	e := NewLLMExecutor(provider, testLogger())

	req := testRequest(ports.KindLLM, map[string]any{
		"model":        "gpt-large",
		"systemPrompt": "be terse",
		"temperature":  0.2,
	}, map[string]any{"prompt": "what is it"})

	res, err := e.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "gpt-large", provider.last.Model)
	assert.False(t, provider.last.JSONMode)
	require.Len(t, provider.last.Messages, 2)
	assert.Equal(t, llm.RoleSystem, provider.last.Messages[0].Role)
	assert.Equal(t, "be terse", provider.last.Messages[0].Content)
	assert.Equal(t, "what is it", provider.last.Messages[1].Content)
	require.NotNil(t, provider.last.Temperature)
	assert.InDelta(t, 0.2, *provider.last.Temperature, 1e-9)

	assert.Equal(t, "the answer", res.Outputs["text"])
	assert.Equal(t, 15, res.TokenCount)
	usage, ok := res.Outputs["usage"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 15, usage["totalTokens"])
	_, hasJSON := res.Outputs["json"]
	assert.False(t, hasJSON)
}

func TestLLMExecutorJSONMode(t *testing.T) {
	provider := &fakeProvider{resp: &llm.Response{Content: `{"verdict": "pass", "score": 9}`}}
	e := NewLLMExecutor(provider, testLogger())

	req := testRequest(ports.KindLLM, map[string]any{
		"model":      "gpt-large",
		"outputMode": "json",
		"userPrompt": "grade it",
	}, nil)

	res, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, provider.last.JSONMode)

	parsed, ok := res.Outputs["json"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "pass", parsed["verdict"])
}

func TestLLMExecutorInvalidJSON(t *testing.T) {
	provider := &fakeProvider{resp: &llm.Response{Content: "not json at all"}}
	e := NewLLMExecutor(provider, testLogger())

	req := testRequest(ports.KindLLM, map[string]any{
		"model":      "gpt-large",
		"outputMode": "json",
		"userPrompt": "grade it",
	}, nil)

	_, err := e.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindLLMValidation, errdefs.KindOf(err))
}

func TestLLMExecutorSchemaValidation(t *testing.T) {
	schema := map[string]any{
		"type":     "object",
		"required": []any{"verdict"},
		"properties": map[string]any{
			"verdict": map[string]any{"type": "string"},
		},
	}

	t.Run("conforming output passes", func(t *testing.T) {
		provider := &fakeProvider{resp: &llm.Response{Content: `{"verdict": "pass"}`}}
		e := NewLLMExecutor(provider, testLogger())
		req := testRequest(ports.KindLLM, map[string]any{
			"model":        "gpt-large",
			"outputMode":   "json",
			"userPrompt":   "grade it",
			"outputSchema": schema,
		}, nil)

		_, err := e.Execute(context.Background(), req)
		require.NoError(t, err)
	})

	t.Run("missing required field fails", func(t *testing.T) {
		provider := &fakeProvider{resp: &llm.Response{Content: `{"score": 3}`}}
		e := NewLLMExecutor(provider, testLogger())
		req := testRequest(ports.KindLLM, map[string]any{
			"model":        "gpt-large",
			"outputMode":   "json",
			"userPrompt":   "grade it",
			"outputSchema": schema,
		}, nil)

		_, err := e.Execute(context.Background(), req)
		require.Error(t, err)
		assert.Equal(t, errdefs.KindLLMValidation, errdefs.KindOf(err))
	})

	t.Run("schema as JSON string", func(t *testing.T) {
		provider := &fakeProvider{resp: &llm.Response{Content: `{"score": 3}`}}
		e := NewLLMExecutor(provider, testLogger())
		req := testRequest(ports.KindLLM, map[string]any{
			"model":        "gpt-large",
			"outputMode":   "json",
			"userPrompt":   "grade it",
			"outputSchema": `{"type": "object", "required": ["verdict"]}`,
		}, nil)

		_, err := e.Execute(context.Background(), req)
		require.Error(t, err)
		assert.Equal(t, errdefs.KindLLMValidation, errdefs.KindOf(err))
	})
}

func TestLLMExecutorMissingPrompt(t *testing.T) {
	e := NewLLMExecutor(&fakeProvider{}, testLogger())
	req := testRequest(ports.KindLLM, map[string]any{"model": "gpt-large"}, nil)

	_, err := e.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindPortUnresolved, errdefs.KindOf(err))
}

func TestLLMExecutorExtraOptions(t *testing.T) {
	provider := &fakeProvider{resp: &llm.Response{Content: "ok"}}
	e := NewLLMExecutor(provider, testLogger())

	req := testRequest(ports.KindLLM, map[string]any{
		"model":           "gpt-large",
		"userPrompt":      "search",
		"enableWebSearch": true,
		"reasoningEffort": "high",
		"apiKey":          "sk-override",
	}, nil)

	_, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, true, provider.last.Extra["web_search"])
	assert.Equal(t, "high", provider.last.Extra["reasoning_effort"])
	assert.Equal(t, "sk-override", provider.last.APIKey)
}
