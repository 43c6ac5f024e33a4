package interpreter

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundryhq/foundry/common/models"
)

func emptyExec() *models.Execution {
	return &models.Execution{Context: map[string]any{}}
}

func TestSeqNumbering(t *testing.T) {
	exec := emptyExec()
	assert.Equal(t, int64(0), EventSeq(exec))
	assert.Equal(t, int64(1), NextSeq(exec))
	assert.Equal(t, int64(2), NextSeq(exec))
	assert.Equal(t, int64(2), EventSeq(exec))

	// Remote runners report their own numbering; the floor only rises.
	ObserveSeq(exec, 10)
	assert.Equal(t, int64(10), EventSeq(exec))
	ObserveSeq(exec, 4)
	assert.Equal(t, int64(10), EventSeq(exec))
	assert.Equal(t, int64(11), NextSeq(exec))
}

func TestSeqSurvivesSerialization(t *testing.T) {
	exec := emptyExec()
	NextSeq(exec)
	NextSeq(exec)

	b, err := json.Marshal(exec)
	require.NoError(t, err)
	var reloaded models.Execution
	require.NoError(t, json.Unmarshal(b, &reloaded))

	assert.Equal(t, int64(2), EventSeq(&reloaded))
	assert.Equal(t, int64(3), NextSeq(&reloaded))
}

func TestMergeContextUpdatesRefusesEngineKeys(t *testing.T) {
	exec := emptyExec()
	SetPortData(exec, "n1", map[string]any{"out": 1})

	MergeContext(exec, map[string]any{
		"issueTitle": "crash on boot",
		"portData":   "overwritten",
		"answers":    "overwritten",
	})

	assert.Equal(t, "crash on boot", exec.Context["issueTitle"])
	v, ok := PortValue(exec, "n1", "out")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	view := UserContext(exec)
	assert.Contains(t, view, "issueTitle")
	assert.NotContains(t, view, "portData")
}

func TestQuestionTopicBookkeeping(t *testing.T) {
	exec := emptyExec()
	recordQuestionAsked(exec, "scope")
	recordQuestionAsked(exec, "scope")
	recordQuestionAsked(exec, "deployment")
	recordQuestionAsked(exec, "")

	state, ok := exec.Context[keyQuestionState].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"scope", "deployment", "general"}, state["topics"])
	assert.Equal(t, int64(2), state["currentTopicIndex"])
	assert.Equal(t, int64(4), state["currentQuestionIndex"])

	counts := state["topicQuestionCounts"].(map[string]any)
	assert.Equal(t, int64(2), counts["scope"])
	assert.Equal(t, int64(1), counts["deployment"])
	assert.Equal(t, int64(1), counts["general"])
}

func TestPortDataView(t *testing.T) {
	exec := emptyExec()
	SetPortData(exec, "a", map[string]any{"x": 1})
	SetPortData(exec, "b", nil)

	view := PortDataView(exec)
	require.Contains(t, view, "a")
	require.Contains(t, view, "b")
	assert.Equal(t, 1, view["a"]["x"])
	assert.Empty(t, view["b"])
}
