// Package compiler converts a persisted workflow document into an immutable
// executable Plan: adjacency, typed port mappings, per-node transitions,
// end-node status mappings and trigger-seeded port data. Compilation is pure;
// all failures surface as a list of issues.
package compiler

import (
	"github.com/google/uuid"

	"github.com/foundryhq/foundry/common/ports"
)

// EndSentinel is the transition target meaning "terminate this execution".
const EndSentinel = "END"

// TransitionKind discriminates the transition variants.
type TransitionKind string

const (
	TransitionSimple      TransitionKind = "simple"
	TransitionConditional TransitionKind = "conditional"
	TransitionSwitch      TransitionKind = "switch"
	TransitionFunction    TransitionKind = "function"
)

// Transition picks a node's successor at runtime. Target fields hold a real
// node id or EndSentinel.
type Transition struct {
	Kind TransitionKind `json:"kind"`

	// simple
	Target string `json:"target,omitempty"`

	// conditional and switch share Path: a dotted context path or a sandbox
	// expression.
	Path string `json:"path,omitempty"`
	Then string `json:"then,omitempty"`
	Else string `json:"else,omitempty"`

	// switch
	Cases   map[string]string `json:"cases,omitempty"`
	Default string            `json:"default,omitempty"`

	// function
	Source string `json:"source,omitempty"`
}

// PortRef names one output port on one node.
type PortRef struct {
	Node string `json:"node"`
	Port string `json:"port"`
}

// NodeDescriptor is one executable node of a plan.
type NodeDescriptor struct {
	ID     string         `json:"id"`
	Kind   ports.Kind     `json:"kind"`
	Config map[string]any `json:"config,omitempty"`
}

// Plan is the compiled, immutable form of a workflow. Trigger and end nodes
// are virtual: they appear only through TriggerID, InitialPortData,
// EndMappings and EndTargets. The struct serialises as JSON so remote runners
// can load it by reference.
type Plan struct {
	WorkflowID uuid.UUID `json:"workflowId"`
	TriggerID  string    `json:"triggerId"`

	// Executable lists nodes in document order, trigger and end excluded.
	Executable []NodeDescriptor `json:"executable"`

	// Adjacency preserves declared edge order for deterministic fallback.
	Adjacency map[string][]string `json:"adjacency"`

	// PortMappings: target node -> input port -> source (node, output port).
	PortMappings map[string]map[string]PortRef `json:"portMappings"`

	// Transitions covers every executable node plus the trigger.
	Transitions map[string]Transition `json:"transitions"`

	// EndMappings: end node id -> optional target status.
	EndMappings map[string]string `json:"endMappings"`

	// EndTargets: source node id -> the end node it transitions to.
	EndTargets map[string]string `json:"endTargets"`

	// InitialPortData: trigger id -> output port -> seeded value.
	InitialPortData map[string]map[string]any `json:"initialPortData"`

	// DeadlineSeconds is the optional workflow-wide deadline (0 = engine
	// default), read from the trigger config.
	DeadlineSeconds int `json:"deadlineSeconds,omitempty"`
}

// Node returns the executable descriptor for id.
func (p *Plan) Node(id string) (NodeDescriptor, bool) {
	for _, n := range p.Executable {
		if n.ID == id {
			return n, true
		}
	}
	return NodeDescriptor{}, false
}

// Entry is the first executable node: the trigger's transition target.
func (p *Plan) Entry() string {
	t, ok := p.Transitions[p.TriggerID]
	if !ok {
		return EndSentinel
	}
	return t.Target
}

// Issue is one validation finding. Code is stable; Message is for humans.
type Issue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	NodeID  string `json:"nodeId,omitempty"`
	EdgeID  string `json:"edgeId,omitempty"`
}

// Issue codes.
const (
	IssueEmptyGraph         = "empty_graph"
	IssueNoExecutableNode   = "no_executable_node"
	IssueMultipleTriggers   = "multiple_triggers"
	IssueTriggerHasIncoming = "trigger_has_incoming"
	IssueEndHasOutgoing     = "end_has_outgoing"
	IssueUnknownNode        = "unknown_node"
	IssueUnknownKind        = "unknown_kind"
	IssueDuplicateNodeID    = "duplicate_node_id"
	IssuePortPairIncomplete = "port_pair_incomplete"
	IssueUnknownPort        = "unknown_port"
	IssuePortTypeMismatch   = "port_type_mismatch"
	IssueNoPathToEnd        = "no_path_to_end"
	IssueUnreachableNode    = "unreachable_node"
	IssueMissingConfig      = "missing_config"
	IssueNoTrigger          = "no_trigger"
)
