// Package llm wraps OpenAI-compatible chat completion and agent endpoints
// behind the narrow interfaces the node executors consume.
package llm

import "context"

// Message roles on the chat completions wire.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one direct completion call. Model and APIKey override
// the client defaults when set.
type Request struct {
	Model       string
	Messages    []Message
	Temperature *float64
	MaxTokens   int
	// JSONMode asks the provider for a JSON object response.
	JSONMode bool
	APIKey   string
	// Extra holds provider extension fields merged verbatim into the request
	// body (web search, reasoning effort).
	Extra map[string]any
}

// Usage is the provider's token accounting for one call.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Response is the aggregated completion result.
type Response struct {
	Content string
	Usage   Usage
}

// Provider is the direct-completion surface used by the llm executor.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// AgentRequest describes one agent invocation: a role and prompt plus the
// capability and tooling knobs forwarded to the agent endpoint.
type AgentRequest struct {
	Role         string
	Prompt       string
	Capabilities []string
	Model        string
	MaxTurns     int
	Temperature  *float64
	MCPServers   []string
	// Answers carries accumulated user answers so a re-invoked agent can
	// continue past the question it asked.
	Answers map[string]any
}

// AgentResponse is the agent's final structured output.
type AgentResponse struct {
	Output map[string]any
	Usage  Usage
}

// Agent is the agent-invocation surface used by the agent executor.
type Agent interface {
	Invoke(ctx context.Context, req AgentRequest) (*AgentResponse, error)
}
