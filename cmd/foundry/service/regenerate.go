package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/foundryhq/foundry/common/compiler"
	"github.com/foundryhq/foundry/common/errdefs"
	"github.com/foundryhq/foundry/common/llm"
	"github.com/foundryhq/foundry/common/models"
	"github.com/foundryhq/foundry/common/ports"
)

// Regenerate rebuilds the workflow graph from a checklist, one agent step
// per item in order, and persists it. The mapping is deterministic: the
// same checklist always yields the same graph. An existing trigger or end
// node keeps its id and config, so declared trigger outputs and the end
// node's completion status survive the rebuild.
func (s *WorkflowService) Regenerate(ctx context.Context, projectID string, id uuid.UUID, checklist []string) (*RegenerateResult, error) {
	items, err := normalizeChecklist(checklist)
	if err != nil {
		return nil, err
	}
	wf, err := s.repo.GetByID(ctx, projectID, id)
	if err != nil {
		return nil, err
	}

	trigger := models.Node{ID: "trigger", Kind: ports.KindTrigger}
	end := models.Node{ID: "end", Kind: ports.KindEnd}
	for _, n := range wf.Nodes {
		switch n.Kind {
		case ports.KindTrigger:
			trigger = n
		case ports.KindEnd:
			end = n
		}
	}

	nodes := make([]models.Node, 0, len(items)+2)
	edges := make([]models.Edge, 0, len(items)+1)
	trigger.Position = chainPosition(0)
	nodes = append(nodes, trigger)

	prev := trigger.ID
	for i, item := range items {
		step := models.Node{
			ID:       fmt.Sprintf("step-%d", i+1),
			Kind:     ports.KindAgent,
			Position: chainPosition(i + 1),
			Config:   map[string]any{"prompt": item},
		}
		nodes = append(nodes, step)
		edges = append(edges, chainEdge(len(edges)+1, prev, step.ID))
		prev = step.ID
	}
	end.Position = chainPosition(len(items) + 1)
	nodes = append(nodes, end)
	edges = append(edges, chainEdge(len(edges)+1, prev, end.ID))

	wf.Nodes = nodes
	wf.Edges = edges
	if err := s.repo.Update(ctx, wf); err != nil {
		return nil, err
	}
	s.log.Info("workflow regenerated",
		"workflow_id", id.String(), "project_id", projectID, "steps", len(items))
	return &RegenerateResult{Workflow: wf, Issues: s.Validate(wf)}, nil
}

const regenerateSystemPrompt = "You design workflow graphs for an execution engine. " +
	"Respond with a single JSON object and nothing else."

// proposalSchema gates the shape of an LLM-proposed graph before any of it
// touches the stored document.
const proposalSchema = `{
	"type": "object",
	"required": ["nodes", "edges"],
	"properties": {
		"nodes": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["id", "kind"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"kind": {"type": "string", "minLength": 1},
					"config": {"type": "object"}
				}
			}
		},
		"edges": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["source", "target"],
				"properties": {
					"id": {"type": "string"},
					"source": {"type": "string", "minLength": 1},
					"sourcePort": {"type": "string"},
					"target": {"type": "string", "minLength": 1},
					"targetPort": {"type": "string"}
				}
			}
		}
	}
}`

type graphProposal struct {
	Nodes []struct {
		ID     string         `json:"id"`
		Kind   string         `json:"kind"`
		Config map[string]any `json:"config"`
	} `json:"nodes"`
	Edges []models.Edge `json:"edges"`
}

// RegenerateLLM asks the configured provider to design the graph for a
// checklist and persists the proposal, but only after it passes the shape
// schema and compiles cleanly. A proposal that does not compile is rejected
// without touching the stored document.
func (s *WorkflowService) RegenerateLLM(ctx context.Context, projectID string, id uuid.UUID, checklist []string) (*RegenerateResult, error) {
	items, err := normalizeChecklist(checklist)
	if err != nil {
		return nil, err
	}
	if s.provider == nil {
		return nil, errdefs.New(errdefs.KindProvider, "no LLM provider is configured")
	}
	wf, err := s.repo.GetByID(ctx, projectID, id)
	if err != nil {
		return nil, err
	}

	resp, err := s.provider.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: regenerateSystemPrompt},
			{Role: llm.RoleUser, Content: proposalPrompt(items)},
		},
		JSONMode: true,
	})
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindProvider, err, "checklist regeneration call failed")
	}

	proposal, err := parseProposal(resp.Content)
	if err != nil {
		return nil, err
	}
	wf.Nodes, wf.Edges = materializeProposal(proposal)

	if issues := s.Validate(wf); len(issues) > 0 {
		return nil, errdefs.New(errdefs.KindLLMValidation, "generated workflow does not compile").
			WithDetails(map[string]any{"issues": issues})
	}
	if err := s.repo.Update(ctx, wf); err != nil {
		return nil, err
	}
	s.log.Info("workflow regenerated by llm",
		"workflow_id", id.String(), "project_id", projectID,
		"nodes", len(wf.Nodes), "tokens", resp.Usage.TotalTokens)
	return &RegenerateResult{Workflow: wf, Issues: []compiler.Issue{}}, nil
}

func proposalPrompt(items []string) string {
	var b strings.Builder
	b.WriteString("Design a workflow graph that works through this checklist in order:\n")
	for i, item := range items {
		fmt.Fprintf(&b, "%d. %s\n", i+1, item)
	}
	b.WriteString("\nRespond with JSON: {\"nodes\": [{\"id\", \"kind\", \"config\"}], " +
		"\"edges\": [{\"source\", \"target\", \"sourcePort\", \"targetPort\"}]}.\n" +
		"Node kinds: trigger, agent, command, slash-command, eval, llm, http, end.\n" +
		"Rules: exactly one trigger node and at least one end node; every node reachable " +
		"from the trigger; agent nodes carry their instruction in config.prompt; llm nodes " +
		"carry config.userPrompt; command nodes carry config.command. Omit sourcePort and " +
		"targetPort unless you connect a declared output to a declared input.")
	return b.String()
}

func parseProposal(content string) (*graphProposal, error) {
	var payload any
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil, errdefs.Wrap(errdefs.KindLLMValidation, err, "model response is not JSON")
	}

	var schemaDoc any
	if err := json.Unmarshal([]byte(proposalSchema), &schemaDoc); err != nil {
		return nil, fmt.Errorf("failed to decode proposal schema: %w", err)
	}
	sc := jsonschema.NewCompiler()
	if err := sc.AddResource("proposal.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("failed to load proposal schema: %w", err)
	}
	schema, err := sc.Compile("proposal.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile proposal schema: %w", err)
	}
	if err := schema.Validate(payload); err != nil {
		return nil, errdefs.Wrap(errdefs.KindLLMValidation, err, "model response violates the graph schema")
	}

	var proposal graphProposal
	if err := json.Unmarshal([]byte(content), &proposal); err != nil {
		return nil, errdefs.Wrap(errdefs.KindLLMValidation, err, "model response does not decode as a graph")
	}
	return &proposal, nil
}

// materializeProposal turns a schema-checked proposal into document nodes
// and edges, assigning canvas positions and edge ids the model omitted.
func materializeProposal(p *graphProposal) ([]models.Node, []models.Edge) {
	nodes := make([]models.Node, 0, len(p.Nodes))
	for i, n := range p.Nodes {
		nodes = append(nodes, models.Node{
			ID:       n.ID,
			Kind:     ports.Kind(n.Kind),
			Position: gridPosition(i),
			Config:   n.Config,
		})
	}
	edges := make([]models.Edge, 0, len(p.Edges))
	for i, e := range p.Edges {
		if e.ID == "" {
			e.ID = fmt.Sprintf("e-%d", i+1)
		}
		edges = append(edges, e)
	}
	return nodes, edges
}

func normalizeChecklist(checklist []string) ([]string, error) {
	if len(checklist) == 0 {
		return nil, errdefs.New(errdefs.KindValidation, "checklist must not be empty")
	}
	items := make([]string, 0, len(checklist))
	for i, item := range checklist {
		item = strings.TrimSpace(item)
		if item == "" {
			return nil, errdefs.Newf(errdefs.KindValidation, "checklist item %d is empty", i+1)
		}
		items = append(items, item)
	}
	return items, nil
}

func chainEdge(n int, source, target string) models.Edge {
	return models.Edge{ID: fmt.Sprintf("e-%d", n), Source: source, Target: target}
}

// chainPosition lays regenerated chains out left to right.
func chainPosition(index int) models.Position {
	return models.Position{X: float64(80 + 240*index), Y: 160}
}

// gridPosition wraps proposed graphs into rows of four.
func gridPosition(index int) models.Position {
	return models.Position{X: float64(80 + 240*(index%4)), Y: float64(120 + 160*(index/4))}
}
