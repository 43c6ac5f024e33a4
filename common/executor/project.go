package executor

import (
	"context"

	"github.com/foundryhq/foundry/common/errdefs"
	"github.com/foundryhq/foundry/common/expr"
	"github.com/foundryhq/foundry/common/ports"
	"github.com/foundryhq/foundry/common/tracker"
)

// ProjectExecutor applies a batch of item updates to the project tracker.
// Updates come from the mapped input port, falling back to node config.
type ProjectExecutor struct {
	tracker tracker.Client
}

// NewProjectExecutor creates the github-project executor
func NewProjectExecutor(client tracker.Client) *ProjectExecutor {
	return &ProjectExecutor{tracker: client}
}

func (e *ProjectExecutor) Kind() ports.Kind { return ports.KindGitHubProject }

func (e *ProjectExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	raw, ok := req.Inputs["updates"]
	if !ok {
		raw, ok = req.Config["updates"]
	}
	if !ok || raw == nil {
		return nil, errdefs.Newf(errdefs.KindPortUnresolved, "node %q has no updates input or config", req.NodeID)
	}

	updates, err := parseUpdates(raw)
	if err != nil {
		return nil, err
	}
	if len(updates) == 0 {
		return &Result{Outputs: map[string]any{"items": []map[string]any{}}}, nil
	}

	items, err := e.tracker.ApplyUpdates(ctx, req.ProjectID, updates)
	if err != nil {
		return nil, err
	}

	return &Result{Outputs: map[string]any{"items": items}}, nil
}

func parseUpdates(raw any) ([]tracker.Update, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, errdefs.Newf(errdefs.KindValidation, "updates must be an array of objects")
	}

	updates := make([]tracker.Update, 0, len(list))
	for i, entry := range list {
		obj, ok := entry.(map[string]any)
		if !ok {
			return nil, errdefs.Newf(errdefs.KindValidation, "update %d is not an object", i)
		}

		update := tracker.Update{}
		if v, ok := obj["itemId"]; ok {
			update.ItemID = expr.Stringify(v)
		}
		if v, ok := obj["op"]; ok {
			update.Op = expr.Stringify(v)
		}
		if fields, ok := obj["fields"].(map[string]any); ok {
			update.Fields = fields
		}

		if update.Op == "" {
			return nil, errdefs.Newf(errdefs.KindValidation, "update %d has no op", i)
		}
		updates = append(updates, update)
	}
	return updates, nil
}
