// Package executor implements one executor per node kind. Executors consume
// resolved inputs and template-resolved config, produce typed outputs and
// context updates, and never touch execution state directly: everything they
// return flows back through the interpreter.
package executor

import (
	"context"

	"github.com/foundryhq/foundry/common/errdefs"
	"github.com/foundryhq/foundry/common/expr"
	"github.com/foundryhq/foundry/common/llm"
	"github.com/foundryhq/foundry/common/logger"
	"github.com/foundryhq/foundry/common/ports"
	"github.com/foundryhq/foundry/common/tracker"
)

// Request is the full input surface of one node step. Config arrives with
// templates already resolved; Inputs are resolved from port mappings.
type Request struct {
	ExecutionID string
	ProjectID   string
	NodeID      string
	Kind        ports.Kind
	Config      map[string]any
	Inputs      map[string]any
	Context     map[string]any
	Answers     map[string]any
	// Env is the decrypted workflow environment.
	Env     map[string]string
	Emitter ActivityEmitter
}

// Question suspends an execution until the user answers or skips it.
type Question struct {
	ID      string   `json:"id"`
	Text    string   `json:"text"`
	Topic   string   `json:"topic,omitempty"`
	Options []string `json:"options,omitempty"`
}

// Result is what a successful step returns. Next, when set, overrides the
// node's declared transition with a node id or the END sentinel.
type Result struct {
	Outputs        map[string]any
	ContextUpdates map[string]any
	TokenCount     int
	Next           string
	Question       *Question
}

// Executor runs one node kind.
type Executor interface {
	Kind() ports.Kind
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// ActivityEmitter receives streaming activity:* events from executors while
// a step is in flight.
type ActivityEmitter interface {
	Activity(eventType string, payload map[string]any)
}

type nopEmitter struct{}

func (nopEmitter) Activity(string, map[string]any) {}

// NopEmitter discards activity events.
func NopEmitter() ActivityEmitter { return nopEmitter{} }

// Registry holds the executor for each executable node kind.
type Registry struct {
	executors map[ports.Kind]Executor
}

// Deps carries the external collaborators executors are built with.
type Deps struct {
	Provider llm.Provider
	Agent    llm.Agent
	Tracker  tracker.Client
	Sandbox  *expr.Sandbox
	Commands *CommandRegistry
	// WorkDir is the base directory git-checkout clones into.
	WorkDir string
	Log     *logger.Logger
}

// NewRegistry builds the full registry. The kind set is closed; nothing
// registers at runtime.
func NewRegistry(deps Deps) *Registry {
	if deps.Commands == nil {
		deps.Commands = NewCommandRegistry()
	}

	agent := NewAgentExecutor(deps.Agent, deps.Log)
	command := NewCommandExecutor(deps.Log)

	r := &Registry{executors: make(map[ports.Kind]Executor)}
	r.register(agent)
	r.register(command)
	r.register(NewSlashCommandExecutor(deps.Commands))
	r.register(NewEvalExecutor(deps.Sandbox))
	r.register(NewLLMExecutor(deps.Provider, deps.Log))
	r.register(NewHTTPExecutor(deps.Log))
	r.register(NewDynamicAgentExecutor(deps.Sandbox, agent))
	r.register(NewDynamicCommandExecutor(deps.Sandbox, command))
	r.register(NewGitCheckoutExecutor(deps.WorkDir, deps.Log))
	r.register(NewProjectExecutor(deps.Tracker))
	return r
}

func (r *Registry) register(e Executor) {
	r.executors[e.Kind()] = e
}

// Get returns the executor for a kind. A miss is a programmer error: the
// compiler only admits known executable kinds.
func (r *Registry) Get(kind ports.Kind) (Executor, error) {
	e, ok := r.executors[kind]
	if !ok {
		return nil, errdefs.Newf(errdefs.KindInternal, "no executor registered for kind %q", kind)
	}
	return e, nil
}

// configString reads a string config field.
func configString(config map[string]any, key string) string {
	s, _ := config[key].(string)
	return s
}

// configBool reads a boolean config field.
func configBool(config map[string]any, key string) bool {
	b, _ := config[key].(bool)
	return b
}

// configNumber reads a numeric config field; JSON decoding yields float64
// but in-process configs may carry int.
func configNumber(config map[string]any, key string) (float64, bool) {
	switch v := config[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// configStrings reads a string-array config field.
func configStrings(config map[string]any, key string) []string {
	raw, ok := config[key].([]any)
	if !ok {
		if ss, ok := config[key].([]string); ok {
			return ss
		}
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

// inputString reads a string input port value.
func inputString(inputs map[string]any, port string) string {
	s, _ := inputs[port].(string)
	return s
}
