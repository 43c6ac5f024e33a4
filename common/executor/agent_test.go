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

func TestAgentExecutorBuildsRequest(t *testing.T) {
	agent := &fakeAgent{resp: &llm.AgentResponse{
		Output: map[string]any{"done": true},
		Usage:  llm.Usage{TotalTokens: 42},
	}}
	e := NewAgentExecutor(agent, testLogger())

	req := testRequest(ports.KindAgent, map[string]any{
		"role":         "a code reviewer",
		"capabilities": []any{"read", "comment"},
		"model":        "agent-large",
		"maxTurns":     float64(5),
	}, map[string]any{"prompt": "review this"})

	res, err := e.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "review this", agent.last.Prompt)
	assert.Equal(t, "a code reviewer", agent.last.Role)
	assert.Equal(t, []string{"read", "comment"}, agent.last.Capabilities)
	assert.Equal(t, "agent-large", agent.last.Model)
	assert.Equal(t, 5, agent.last.MaxTurns)

	assert.Equal(t, map[string]any{"done": true}, res.Outputs["response"])
	assert.Equal(t, 42, res.TokenCount)
	assert.Nil(t, res.Question)
}

func TestAgentExecutorPromptFallsBackToConfig(t *testing.T) {
	agent := &fakeAgent{resp: &llm.AgentResponse{Output: map[string]any{}}}
	e := NewAgentExecutor(agent, testLogger())

	req := testRequest(ports.KindAgent, map[string]any{"prompt": "from config"}, nil)
	_, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "from config", agent.last.Prompt)
}

func TestAgentExecutorMissingPrompt(t *testing.T) {
	e := NewAgentExecutor(&fakeAgent{}, testLogger())
	_, err := e.Execute(context.Background(), testRequest(ports.KindAgent, nil, nil))
	require.Error(t, err)
	assert.Equal(t, errdefs.KindPortUnresolved, errdefs.KindOf(err))
}

func TestAgentExecutorDetectsQuestion(t *testing.T) {
	agent := &fakeAgent{resp: &llm.AgentResponse{Output: map[string]any{
		"question": map[string]any{
			"text":    "Deploy to production?",
			"topic":   "deploy",
			"options": []any{"yes", "no"},
		},
	}}}
	e := NewAgentExecutor(agent, testLogger())

	res, err := e.Execute(context.Background(), testRequest(ports.KindAgent,
		map[string]any{"prompt": "go"}, nil))
	require.NoError(t, err)

	require.NotNil(t, res.Question)
	assert.NotEmpty(t, res.Question.ID)
	assert.Equal(t, "Deploy to production?", res.Question.Text)
	assert.Equal(t, "deploy", res.Question.Topic)
	assert.Equal(t, []string{"yes", "no"}, res.Question.Options)
}

func TestAgentExecutorKeepsQuestionID(t *testing.T) {
	agent := &fakeAgent{resp: &llm.AgentResponse{Output: map[string]any{
		"question": map[string]any{"id": "q-7", "text": "Continue?"},
	}}}
	e := NewAgentExecutor(agent, testLogger())

	res, err := e.Execute(context.Background(), testRequest(ports.KindAgent,
		map[string]any{"prompt": "go"}, nil))
	require.NoError(t, err)
	require.NotNil(t, res.Question)
	assert.Equal(t, "q-7", res.Question.ID)
}

func TestAgentExecutorIgnoresMalformedQuestion(t *testing.T) {
	agent := &fakeAgent{resp: &llm.AgentResponse{Output: map[string]any{
		"question": map[string]any{"topic": "no text"},
	}}}
	e := NewAgentExecutor(agent, testLogger())

	res, err := e.Execute(context.Background(), testRequest(ports.KindAgent,
		map[string]any{"prompt": "go"}, nil))
	require.NoError(t, err)
	assert.Nil(t, res.Question)
}

func TestDynamicAgentExecutorResolvesPrompt(t *testing.T) {
	agent := &fakeAgent{resp: &llm.AgentResponse{Output: map[string]any{}}}
	e := NewDynamicAgentExecutor(testSandbox(t), NewAgentExecutor(agent, testLogger()))

	req := testRequest(ports.KindDynamicAgent, map[string]any{
		"promptExpression": `"Fix issue: " + context.issueTitle`,
		"roleExpression":   `"a " + context.lang + " engineer"`,
	}, nil)
	req.Context = map[string]any{"issueTitle": "login broken", "lang": "Go"}

	_, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Fix issue: login broken", agent.last.Prompt)
	assert.Equal(t, "a Go engineer", agent.last.Role)
}

func TestDynamicAgentExecutorLeavesStaticConfig(t *testing.T) {
	agent := &fakeAgent{resp: &llm.AgentResponse{Output: map[string]any{}}}
	e := NewDynamicAgentExecutor(testSandbox(t), NewAgentExecutor(agent, testLogger()))

	req := testRequest(ports.KindDynamicAgent, map[string]any{
		"promptExpression": `"hello"`,
		"model":            "agent-small",
	}, nil)

	_, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "hello", agent.last.Prompt)
	assert.Equal(t, "agent-small", agent.last.Model)
}
