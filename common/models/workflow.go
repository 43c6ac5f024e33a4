package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/foundryhq/foundry/common/ports"
)

// Workflow is the persisted, editable graph document.
type Workflow struct {
	ID             uuid.UUID      `db:"id" json:"id"`
	ProjectID      string         `db:"project_id" json:"projectId"`
	Name           string         `db:"name" json:"name"`
	Description    string         `db:"description" json:"description,omitempty"`
	Nodes          []Node         `db:"nodes" json:"nodes"`
	Edges          []Edge         `db:"edges" json:"edges"`
	InitialContext map[string]any `db:"initial_context" json:"initialContext,omitempty"`
	// EncryptedEnv is the sealed environment blob; decrypted only at dispatch.
	EncryptedEnv []byte    `db:"encrypted_env" json:"-"`
	DockerImage  string    `db:"docker_image" json:"dockerImage,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time `db:"updated_at" json:"updatedAt"`
}

// Remote reports whether executions of this workflow run in a container.
// Selection is per workflow: setting an image opts in.
func (w *Workflow) Remote() bool {
	return w.DockerImage != ""
}

// Node is one canvas node: {id, kind, position, config}.
type Node struct {
	ID       string         `json:"id"`
	Kind     ports.Kind     `json:"kind"`
	Position Position       `json:"position"`
	Config   map[string]any `json:"config,omitempty"`
}

// Position is the canvas placement; the engine ignores it.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Edge connects a source node's output port to a target node's input port.
type Edge struct {
	ID         string `json:"id"`
	Source     string `json:"source"`
	SourcePort string `json:"sourcePort,omitempty"`
	Target     string `json:"target"`
	TargetPort string `json:"targetPort,omitempty"`
}

// ConfigString reads a string field from the node config.
func (n *Node) ConfigString(key string) string {
	if n.Config == nil {
		return ""
	}
	s, _ := n.Config[key].(string)
	return s
}

// DeclaredOutputs returns the output ports a node declares in its config,
// used by kinds with dynamic outputs (trigger). Entries are
// {"id": ..., "type": ...}; a missing type defaults to any.
func (n *Node) DeclaredOutputs() []ports.Port {
	raw, ok := n.Config["outputs"].([]any)
	if !ok {
		return nil
	}
	out := make([]ports.Port, 0, len(raw))
	for _, e := range raw {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		id, _ := m["id"].(string)
		if id == "" {
			continue
		}
		typ := ports.TypeAny
		if ts, ok := m["type"].(string); ok && ts != "" {
			typ = ports.Type(ts)
		}
		out = append(out, ports.Port{ID: id, Type: typ})
	}
	return out
}
