// Package ports declares the port schema for every node kind and answers
// type-compatibility queries. The kind set is closed; there is no runtime
// registration.
package ports

import "fmt"

// Kind is a workflow node kind.
type Kind string

const (
	KindTrigger        Kind = "trigger"
	KindAgent          Kind = "agent"
	KindCommand        Kind = "command"
	KindSlashCommand   Kind = "slash-command"
	KindEval           Kind = "eval"
	KindLLM            Kind = "llm"
	KindHTTP           Kind = "http"
	KindDynamicAgent   Kind = "dynamic-agent"
	KindDynamicCommand Kind = "dynamic-command"
	KindGitCheckout    Kind = "git-checkout"
	KindGitHubProject  Kind = "github-project"
	KindEnd            Kind = "end"
)

// Type is a port data type.
type Type string

const (
	TypeString  Type = "string"
	TypeNumber  Type = "number"
	TypeBoolean Type = "boolean"
	TypeObject  Type = "object"
	TypeArray   Type = "array"
	TypeAny     Type = "any"
)

// Port is one typed input or output slot on a node kind.
type Port struct {
	ID       string `json:"id"`
	Type     Type   `json:"type"`
	Required bool   `json:"required,omitempty"`
}

// Schema is the full port declaration of a node kind. DynamicOutputs marks
// kinds whose output set is extended per node from its config (trigger).
type Schema struct {
	Inputs         []Port
	Outputs        []Port
	DynamicOutputs bool
}

var registry = map[Kind]Schema{
	KindTrigger: {
		DynamicOutputs: true,
	},
	KindAgent: {
		Inputs: []Port{
			{ID: "prompt", Type: TypeString},
			{ID: "context", Type: TypeObject},
		},
		Outputs: []Port{
			{ID: "response", Type: TypeObject},
		},
	},
	KindCommand: {
		Inputs: []Port{
			{ID: "input", Type: TypeAny},
		},
		Outputs: []Port{
			{ID: "stdout", Type: TypeString},
			{ID: "stderr", Type: TypeString},
			{ID: "exitCode", Type: TypeNumber},
		},
	},
	KindSlashCommand: {
		Inputs: []Port{
			{ID: "args", Type: TypeString},
		},
		Outputs: []Port{
			{ID: "result", Type: TypeAny},
		},
	},
	KindEval: {
		Inputs: []Port{
			{ID: "input", Type: TypeAny},
		},
		Outputs: []Port{
			{ID: "result", Type: TypeObject},
		},
	},
	KindLLM: {
		Inputs: []Port{
			{ID: "prompt", Type: TypeString, Required: true},
			{ID: "system", Type: TypeString},
		},
		Outputs: []Port{
			{ID: "text", Type: TypeString},
			{ID: "json", Type: TypeObject},
			{ID: "usage", Type: TypeObject},
		},
	},
	KindHTTP: {
		Inputs: []Port{
			{ID: "url", Type: TypeString},
			{ID: "body", Type: TypeAny},
		},
		Outputs: []Port{
			{ID: "status", Type: TypeNumber},
			{ID: "headers", Type: TypeObject},
			{ID: "body", Type: TypeAny},
		},
	},
	KindDynamicAgent: {
		Inputs: []Port{
			{ID: "prompt", Type: TypeString},
			{ID: "context", Type: TypeObject},
		},
		Outputs: []Port{
			{ID: "response", Type: TypeObject},
		},
	},
	KindDynamicCommand: {
		Inputs: []Port{
			{ID: "input", Type: TypeAny},
		},
		Outputs: []Port{
			{ID: "stdout", Type: TypeString},
			{ID: "stderr", Type: TypeString},
			{ID: "exitCode", Type: TypeNumber},
		},
	},
	KindGitCheckout: {
		Inputs: []Port{
			{ID: "owner", Type: TypeString},
			{ID: "repo", Type: TypeString},
			{ID: "ref", Type: TypeString},
		},
		Outputs: []Port{
			{ID: "path", Type: TypeString},
			{ID: "commit", Type: TypeString},
		},
	},
	KindGitHubProject: {
		Inputs: []Port{
			{ID: "updates", Type: TypeArray},
		},
		Outputs: []Port{
			{ID: "items", Type: TypeArray},
		},
	},
	KindEnd: {
		Inputs: []Port{
			{ID: "result", Type: TypeAny},
		},
	},
}

// Known reports whether kind is a member of the closed set.
func Known(kind Kind) bool {
	_, ok := registry[kind]
	return ok
}

// Executable reports whether nodes of this kind run an executor. Trigger and
// end nodes are virtual: they never execute.
func Executable(kind Kind) bool {
	return Known(kind) && kind != KindTrigger && kind != KindEnd
}

// PortsOf returns the declared port schema for a kind.
func PortsOf(kind Kind) (Schema, error) {
	s, ok := registry[kind]
	if !ok {
		return Schema{}, fmt.Errorf("unknown node kind %q", kind)
	}
	return s, nil
}

// Compatible reports whether an output of type a may feed an input of type b:
// the types are equal or either side is any.
func Compatible(a, b Type) bool {
	return a == b || a == TypeAny || b == TypeAny
}

// CompatiblePorts resolves both ports in the registry and checks type
// compatibility between sourceKind's output and targetKind's input.
func CompatiblePorts(sourceKind Kind, outputPort string, targetKind Kind, inputPort string) (bool, error) {
	src, err := PortsOf(sourceKind)
	if err != nil {
		return false, err
	}
	dst, err := PortsOf(targetKind)
	if err != nil {
		return false, err
	}
	out, ok := findPort(src.Outputs, outputPort)
	if !ok && src.DynamicOutputs {
		// Dynamic outputs are typed any until the node declares otherwise.
		out = Port{ID: outputPort, Type: TypeAny}
		ok = true
	}
	if !ok {
		return false, fmt.Errorf("kind %q has no output port %q", sourceKind, outputPort)
	}
	in, ok := findPort(dst.Inputs, inputPort)
	if !ok {
		return false, fmt.Errorf("kind %q has no input port %q", targetKind, inputPort)
	}
	return Compatible(out.Type, in.Type), nil
}

func findPort(ps []Port, id string) (Port, bool) {
	for _, p := range ps {
		if p.ID == id {
			return p, true
		}
	}
	return Port{}, false
}
