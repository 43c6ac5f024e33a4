package executor

import (
	"context"
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/foundryhq/foundry/common/errdefs"
	"github.com/foundryhq/foundry/common/llm"
	"github.com/foundryhq/foundry/common/logger"
	"github.com/foundryhq/foundry/common/ports"
)

// LLMExecutor performs a single completion against the configured provider.
// In JSON output mode the response is parsed and optionally validated
// against a schema from node config before it reaches downstream nodes.
type LLMExecutor struct {
	provider llm.Provider
	log      *logger.Logger
}

// NewLLMExecutor creates the llm executor
func NewLLMExecutor(provider llm.Provider, log *logger.Logger) *LLMExecutor {
	return &LLMExecutor{provider: provider, log: log}
}

func (e *LLMExecutor) Kind() ports.Kind { return ports.KindLLM }

func (e *LLMExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	prompt := inputString(req.Inputs, "prompt")
	if prompt == "" {
		prompt = configString(req.Config, "userPrompt")
	}
	if prompt == "" {
		return nil, errdefs.Newf(errdefs.KindPortUnresolved, "node %q has no prompt input or userPrompt config", req.NodeID)
	}

	system := inputString(req.Inputs, "system")
	if system == "" {
		system = configString(req.Config, "systemPrompt")
	}

	outputMode := configString(req.Config, "outputMode")
	jsonMode := outputMode == "json"

	messages := make([]llm.Message, 0, 2)
	if system != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: prompt})

	provReq := llm.Request{
		Model:    configString(req.Config, "model"),
		Messages: messages,
		JSONMode: jsonMode,
		APIKey:   configString(req.Config, "apiKey"),
	}
	if temp, ok := configNumber(req.Config, "temperature"); ok {
		provReq.Temperature = &temp
	}
	if maxTokens, ok := configNumber(req.Config, "maxTokens"); ok {
		provReq.MaxTokens = int(maxTokens)
	}
	if configBool(req.Config, "enableWebSearch") {
		provReq.Extra = map[string]any{"web_search": true}
	}
	if effort := configString(req.Config, "reasoningEffort"); effort != "" {
		if provReq.Extra == nil {
			provReq.Extra = map[string]any{}
		}
		provReq.Extra["reasoning_effort"] = effort
	}

	resp, err := e.provider.Complete(ctx, provReq)
	if err != nil {
		return nil, err
	}

	outputs := map[string]any{
		"text": resp.Content,
		"usage": map[string]any{
			"promptTokens":     resp.Usage.PromptTokens,
			"completionTokens": resp.Usage.CompletionTokens,
			"totalTokens":      resp.Usage.TotalTokens,
		},
	}

	if jsonMode {
		var parsed any
		if err := json.Unmarshal([]byte(resp.Content), &parsed); err != nil {
			return nil, errdefs.Wrap(errdefs.KindLLMValidation, err, "model did not return valid JSON")
		}
		if schemaDoc, ok := req.Config["outputSchema"]; ok && schemaDoc != nil {
			if err := validateAgainstSchema(schemaDoc, parsed); err != nil {
				return nil, err
			}
		}
		outputs["json"] = parsed
	}

	e.log.Debug("llm completion finished",
		"node_id", req.NodeID,
		"total_tokens", resp.Usage.TotalTokens,
		"json_mode", jsonMode,
	)

	return &Result{Outputs: outputs, TokenCount: resp.Usage.TotalTokens}, nil
}

// validateAgainstSchema checks a parsed response against a JSON schema held
// in node config, either as an embedded object or a JSON string.
func validateAgainstSchema(schemaDoc, value any) error {
	if raw, ok := schemaDoc.(string); ok {
		var parsed any
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return errdefs.Wrap(errdefs.KindValidation, err, "outputSchema is not valid JSON")
		}
		schemaDoc = parsed
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("output.json", schemaDoc); err != nil {
		return errdefs.Wrap(errdefs.KindValidation, err, "invalid outputSchema")
	}
	schema, err := compiler.Compile("output.json")
	if err != nil {
		return errdefs.Wrap(errdefs.KindValidation, err, "invalid outputSchema")
	}

	if err := schema.Validate(value); err != nil {
		return errdefs.Wrap(errdefs.KindLLMValidation, err, "model output violates schema")
	}
	return nil
}
