package interpreter

import (
	"encoding/json"

	"github.com/foundryhq/foundry/common/executor"
	"github.com/foundryhq/foundry/common/models"
)

// Engine-owned context keys. They live inside Execution.Context so the whole
// state round-trips through one row write; executor context updates never
// touch them.
const (
	keyPortData         = "portData"
	keyPortMappings     = "portMappings"
	keyEndMappings      = "endMappings"
	keyEndTargets       = "endTargets"
	keyAnswers          = "answers"
	keySkippedQuestions = "skippedQuestions"
	keyQuestionState    = "questionState"
	keyPendingQuestion  = "pendingQuestion"
	keyEventSeq         = "eventSeq"
	keyCompletionStatus = "completionStatus"
)

var reservedContextKeys = map[string]struct{}{
	keyPortData:         {},
	keyPortMappings:     {},
	keyEndMappings:      {},
	keyEndTargets:       {},
	keyAnswers:          {},
	keySkippedQuestions: {},
	keyQuestionState:    {},
	keyPendingQuestion:  {},
	keyEventSeq:         {},
	keyCompletionStatus: {},
}

func contextMap(exec *models.Execution) map[string]any {
	if exec.Context == nil {
		exec.Context = map[string]any{}
	}
	return exec.Context
}

// childMap returns the map stored under key, creating it when absent. Values
// loaded from a checkpoint arrive as map[string]any.
func childMap(exec *models.Execution, key string) map[string]any {
	c := contextMap(exec)
	if m, ok := c[key].(map[string]any); ok {
		return m
	}
	m := map[string]any{}
	c[key] = m
	return m
}

// PortValue reads one node output value from the execution's port data.
func PortValue(exec *models.Execution, nodeID, port string) (any, bool) {
	pd, ok := contextMap(exec)[keyPortData].(map[string]any)
	if !ok {
		return nil, false
	}
	outputs, ok := pd[nodeID].(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := outputs[port]
	return v, ok
}

// SetPortData replaces a node's output map.
func SetPortData(exec *models.Execution, nodeID string, outputs map[string]any) {
	if outputs == nil {
		outputs = map[string]any{}
	}
	childMap(exec, keyPortData)[nodeID] = outputs
}

// PortDataView materialises portData as nodeID -> outputs for template
// resolution.
func PortDataView(exec *models.Execution) map[string]map[string]any {
	pd, ok := contextMap(exec)[keyPortData].(map[string]any)
	if !ok {
		return map[string]map[string]any{}
	}
	view := make(map[string]map[string]any, len(pd))
	for nodeID, v := range pd {
		if outputs, ok := v.(map[string]any); ok {
			view[nodeID] = outputs
		}
	}
	return view
}

// Answers returns the live answers map, keyed by question id. A skipped
// question is present with a nil value.
func Answers(exec *models.Execution) map[string]any {
	return childMap(exec, keyAnswers)
}

// SetAnswer records an answer.
func SetAnswer(exec *models.Execution, questionID string, value any) {
	Answers(exec)[questionID] = value
}

// SkippedQuestions lists question ids the user skipped.
func SkippedQuestions(exec *models.Execution) []string {
	raw, ok := contextMap(exec)[keySkippedQuestions].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// AddSkippedQuestion appends to the skipped list.
func AddSkippedQuestion(exec *models.Execution, questionID string) {
	c := contextMap(exec)
	raw, _ := c[keySkippedQuestions].([]any)
	c[keySkippedQuestions] = append(raw, questionID)
}

// EventSeq reads the last assigned event sequence number.
func EventSeq(exec *models.Execution) int64 {
	return toInt64(contextMap(exec)[keyEventSeq])
}

// NextSeq assigns the next event sequence number: strictly increasing,
// contiguous, starting at 1 for a fresh execution.
func NextSeq(exec *models.Execution) int64 {
	seq := EventSeq(exec) + 1
	contextMap(exec)[keyEventSeq] = seq
	return seq
}

// ObserveSeq raises the sequence floor to an externally assigned value, so
// server-side events follow on from a remote runner's numbering.
func ObserveSeq(exec *models.Execution, seq int64) {
	if seq > EventSeq(exec) {
		contextMap(exec)[keyEventSeq] = seq
	}
}

// CompletionStatus reads the tracker status contributed by the end node the
// execution finished on; empty when none was configured.
func CompletionStatus(exec *models.Execution) string {
	s, _ := contextMap(exec)[keyCompletionStatus].(string)
	return s
}

// SetCompletionStatus records the end node's target status.
func SetCompletionStatus(exec *models.Execution, status string) {
	contextMap(exec)[keyCompletionStatus] = status
}

// SetPendingQuestion stores the question an execution suspended on.
func SetPendingQuestion(exec *models.Execution, nodeID string, q *executor.Question) {
	options := make([]any, 0, len(q.Options))
	for _, o := range q.Options {
		options = append(options, o)
	}
	contextMap(exec)[keyPendingQuestion] = map[string]any{
		"id":      q.ID,
		"nodeId":  nodeID,
		"text":    q.Text,
		"topic":   q.Topic,
		"options": options,
	}
}

// ClearPendingQuestion removes the pending question, if any.
func ClearPendingQuestion(exec *models.Execution) {
	delete(contextMap(exec), keyPendingQuestion)
}

// PendingQuestionOf reads back the pending question and the node that asked
// it.
func PendingQuestionOf(exec *models.Execution) (nodeID string, q *executor.Question, ok bool) {
	raw, isMap := contextMap(exec)[keyPendingQuestion].(map[string]any)
	if !isMap {
		return "", nil, false
	}
	q = &executor.Question{}
	q.ID, _ = raw["id"].(string)
	q.Text, _ = raw["text"].(string)
	q.Topic, _ = raw["topic"].(string)
	nodeID, _ = raw["nodeId"].(string)
	if opts, isList := raw["options"].([]any); isList {
		for _, o := range opts {
			if s, isStr := o.(string); isStr {
				q.Options = append(q.Options, s)
			}
		}
	}
	return nodeID, q, q.ID != ""
}

// recordQuestionAsked advances the question-flow counters: total questions
// asked, per-topic counts, and the index of the topic currently in play.
func recordQuestionAsked(exec *models.Execution, topic string) {
	if topic == "" {
		topic = "general"
	}
	state := childMap(exec, keyQuestionState)

	topics, _ := state["topics"].([]any)
	topicIndex := -1
	for i, t := range topics {
		if t == topic {
			topicIndex = i
			break
		}
	}
	if topicIndex < 0 {
		topics = append(topics, topic)
		topicIndex = len(topics) - 1
		state["topics"] = topics
	}
	state["currentTopicIndex"] = int64(topicIndex)
	state["currentQuestionIndex"] = toInt64(state["currentQuestionIndex"]) + 1

	counts, ok := state["topicQuestionCounts"].(map[string]any)
	if !ok {
		counts = map[string]any{}
		state["topicQuestionCounts"] = counts
	}
	counts[topic] = toInt64(counts[topic]) + 1
}

// UserContext is the executor- and template-visible view of the context:
// everything except the engine-owned keys.
func UserContext(exec *models.Execution) map[string]any {
	c := contextMap(exec)
	view := make(map[string]any, len(c))
	for k, v := range c {
		if _, reserved := reservedContextKeys[k]; reserved {
			continue
		}
		view[k] = v
	}
	return view
}

// MergeContext writes executor- or runner-supplied updates into the context,
// refusing the engine-owned keys.
func MergeContext(exec *models.Execution, updates map[string]any) {
	if len(updates) == 0 {
		return
	}
	c := contextMap(exec)
	for k, v := range updates {
		if _, reserved := reservedContextKeys[k]; reserved {
			continue
		}
		c[k] = v
	}
}

// toInt64 coerces the numeric shapes a checkpoint round-trip produces.
func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}

// jsonClone normalises a value to its JSON shape, so fresh and reloaded
// checkpoints look identical.
func jsonClone(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
