package executor

import (
	"context"

	"github.com/google/uuid"

	"github.com/foundryhq/foundry/common/errdefs"
	"github.com/foundryhq/foundry/common/events"
	"github.com/foundryhq/foundry/common/expr"
	"github.com/foundryhq/foundry/common/llm"
	"github.com/foundryhq/foundry/common/logger"
	"github.com/foundryhq/foundry/common/ports"
)

// AgentExecutor invokes an external LLM agent. An output object carrying a
// "question" key suspends the execution until the user answers.
type AgentExecutor struct {
	agent llm.Agent
	log   *logger.Logger
}

// NewAgentExecutor creates the agent executor
func NewAgentExecutor(agent llm.Agent, log *logger.Logger) *AgentExecutor {
	return &AgentExecutor{agent: agent, log: log}
}

func (e *AgentExecutor) Kind() ports.Kind { return ports.KindAgent }

func (e *AgentExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	prompt := inputString(req.Inputs, "prompt")
	if prompt == "" {
		prompt = configString(req.Config, "prompt")
	}
	if prompt == "" {
		return nil, errdefs.Newf(errdefs.KindPortUnresolved, "node %q has no prompt input or config", req.NodeID)
	}

	role := configString(req.Config, "role")
	if role == "" {
		role = "an assistant"
	}

	agentReq := llm.AgentRequest{
		Role:         role,
		Prompt:       prompt,
		Capabilities: configStrings(req.Config, "capabilities"),
		Model:        configString(req.Config, "model"),
		MCPServers:   configStrings(req.Config, "mcpServers"),
		Answers:      req.Answers,
	}
	if turns, ok := configNumber(req.Config, "maxTurns"); ok {
		agentReq.MaxTurns = int(turns)
	}
	if temp, ok := configNumber(req.Config, "temperature"); ok {
		agentReq.Temperature = &temp
	}

	req.Emitter.Activity(events.TypeActivityTool, map[string]any{
		"nodeId": req.NodeID,
		"tool":   "agent",
		"role":   role,
	})

	resp, err := e.agent.Invoke(ctx, agentReq)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Outputs:    map[string]any{"response": resp.Output},
		TokenCount: resp.Usage.TotalTokens,
	}

	if q := parseQuestion(resp.Output); q != nil {
		result.Question = q
	}

	return result, nil
}

// parseQuestion extracts a suspension request from an agent output object.
func parseQuestion(output map[string]any) *Question {
	raw, ok := output["question"].(map[string]any)
	if !ok {
		return nil
	}

	text, _ := raw["text"].(string)
	if text == "" {
		return nil
	}

	q := &Question{Text: text}
	if id, ok := raw["id"].(string); ok && id != "" {
		q.ID = id
	} else {
		q.ID = uuid.NewString()
	}
	if topic, ok := raw["topic"].(string); ok {
		q.Topic = topic
	}
	if opts, ok := raw["options"].([]any); ok {
		for _, o := range opts {
			if s, ok := o.(string); ok {
				q.Options = append(q.Options, s)
			}
		}
	}
	return q
}

// DynamicAgentExecutor evaluates prompt and model expressions against the
// execution context, then delegates to the agent executor.
type DynamicAgentExecutor struct {
	sandbox  *expr.Sandbox
	delegate *AgentExecutor
}

// NewDynamicAgentExecutor creates the dynamic-agent executor
func NewDynamicAgentExecutor(sandbox *expr.Sandbox, delegate *AgentExecutor) *DynamicAgentExecutor {
	return &DynamicAgentExecutor{sandbox: sandbox, delegate: delegate}
}

func (e *DynamicAgentExecutor) Kind() ports.Kind { return ports.KindDynamicAgent }

func (e *DynamicAgentExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	resolved, err := resolveDynamicConfig(e.sandbox, req, map[string]string{
		"promptExpression": "prompt",
		"modelExpression":  "model",
		"roleExpression":   "role",
	})
	if err != nil {
		return nil, err
	}

	delegated := *req
	delegated.Config = resolved
	return e.delegate.Execute(ctx, &delegated)
}

// resolveDynamicConfig copies the node config, evaluates each expression key
// present and writes its stringified value under the target key.
func resolveDynamicConfig(sandbox *expr.Sandbox, req *Request, exprKeys map[string]string) (map[string]any, error) {
	resolved := make(map[string]any, len(req.Config))
	for k, v := range req.Config {
		resolved[k] = v
	}

	vars := expr.Vars{
		Context:     req.Context,
		Output:      req.Inputs,
		Answers:     req.Answers,
		CurrentNode: req.NodeID,
		Status:      "running",
	}

	for exprKey, target := range exprKeys {
		source := configString(req.Config, exprKey)
		if source == "" {
			continue
		}
		value, err := sandbox.EvalValue(source, vars)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindEval, err, "dynamic expression failed")
		}
		resolved[target] = expr.Stringify(value)
	}

	return resolved, nil
}
