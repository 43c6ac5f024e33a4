package executor

import (
	"context"

	"github.com/foundryhq/foundry/common/errdefs"
	"github.com/foundryhq/foundry/common/expr"
	"github.com/foundryhq/foundry/common/ports"
)

// EvalExecutor runs a sandboxed expression over the execution state. The
// expression must produce an object; its keys are merged into the shared
// context in addition to flowing out the result port.
type EvalExecutor struct {
	sandbox *expr.Sandbox
}

// NewEvalExecutor creates the eval executor
func NewEvalExecutor(sandbox *expr.Sandbox) *EvalExecutor {
	return &EvalExecutor{sandbox: sandbox}
}

func (e *EvalExecutor) Kind() ports.Kind { return ports.KindEval }

func (e *EvalExecutor) Execute(_ context.Context, req *Request) (*Result, error) {
	source := configString(req.Config, "source")
	if source == "" {
		return nil, errdefs.Newf(errdefs.KindValidation, "node %q has no source", req.NodeID)
	}

	vars := expr.Vars{
		Context:     req.Context,
		Output:      req.Inputs,
		Answers:     req.Answers,
		CurrentNode: req.NodeID,
		Status:      "running",
	}
	obj, err := e.sandbox.EvalObject(source, vars)
	if err != nil {
		return nil, err
	}

	return &Result{
		Outputs:        map[string]any{"result": obj},
		ContextUpdates: obj,
	}, nil
}
