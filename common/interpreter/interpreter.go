// Package interpreter drives compiled plans: one node per step, inputs
// resolved from port mappings, outputs written back to port data, a
// transition picked, and the whole execution state checkpointed as a single
// row write. Suspension (questions), pause/cancel intents and retries all
// land on step boundaries; an in-flight executor call is never interrupted.
package interpreter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/foundryhq/foundry/common/compiler"
	"github.com/foundryhq/foundry/common/errdefs"
	"github.com/foundryhq/foundry/common/events"
	"github.com/foundryhq/foundry/common/executor"
	"github.com/foundryhq/foundry/common/expr"
	"github.com/foundryhq/foundry/common/logger"
	"github.com/foundryhq/foundry/common/models"
	"github.com/foundryhq/foundry/common/ports"
	"github.com/foundryhq/foundry/common/telemetry"
)

// PlanSource resolves the compiled plan for an execution whenever the engine
// needs it: on every step, after a process restart, or inside a remote
// runner.
type PlanSource interface {
	PlanFor(ctx context.Context, exec *models.Execution) (*compiler.Plan, error)
}

type fixedPlan struct{ plan *compiler.Plan }

func (f fixedPlan) PlanFor(context.Context, *models.Execution) (*compiler.Plan, error) {
	return f.plan, nil
}

// FixedPlan adapts a single already-compiled plan, as used by the remote
// runner whose bundle carries exactly one.
func FixedPlan(plan *compiler.Plan) PlanSource { return fixedPlan{plan: plan} }

// Options carries the interpreter's collaborators.
type Options struct {
	Store     Store
	Plans     PlanSource
	Executors *executor.Registry
	Sandbox   *expr.Sandbox
	Sink      events.Sink
	Log       *logger.Logger
	Metrics   *telemetry.Metrics
	// DefaultDeadline bounds executions whose plan declares none. Zero
	// disables the workflow-wide deadline.
	DefaultDeadline time.Duration
}

// Interpreter owns the executions it runs: per id, one runtime entry holding
// the single-writer mutex, pause/cancel intents and the decrypted workflow
// environment.
type Interpreter struct {
	store           Store
	plans           PlanSource
	executors       *executor.Registry
	sandbox         *expr.Sandbox
	sink            events.Sink
	log             *logger.Logger
	metrics         *telemetry.Metrics
	defaultDeadline time.Duration

	mu       sync.Mutex
	runtimes map[uuid.UUID]*runtime
}

type runtime struct {
	mu     sync.Mutex
	pause  atomic.Bool
	cancel atomic.Bool
	env    map[string]string
}

// New creates an interpreter.
func New(opts Options) *Interpreter {
	sink := opts.Sink
	if sink == nil {
		sink = events.SinkFunc(func(events.Event) {})
	}
	return &Interpreter{
		store:           opts.Store,
		plans:           opts.Plans,
		executors:       opts.Executors,
		sandbox:         opts.Sandbox,
		sink:            sink,
		log:             opts.Log,
		metrics:         opts.Metrics,
		defaultDeadline: opts.DefaultDeadline,
		runtimes:        make(map[uuid.UUID]*runtime),
	}
}

func (i *Interpreter) runtime(id uuid.UUID) *runtime {
	i.mu.Lock()
	defer i.mu.Unlock()
	rt, ok := i.runtimes[id]
	if !ok {
		rt = &runtime{}
		i.runtimes[id] = rt
	}
	return rt
}

func (i *Interpreter) release(id uuid.UUID) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.runtimes, id)
}

// SetEnv provisions the decrypted workflow environment for an execution this
// process is about to drive, e.g. before resuming one started elsewhere.
func (i *Interpreter) SetEnv(id uuid.UUID, env map[string]string) {
	rt := i.runtime(id)
	rt.mu.Lock()
	rt.env = env
	rt.mu.Unlock()
}

// StartOptions parameterises Start.
type StartOptions struct {
	// ExecutionID preallocates the identity; zero mints one.
	ExecutionID    uuid.UUID
	ProjectID      string
	InitialContext map[string]any
	// Env is the decrypted workflow environment injected into command
	// executors. Never persisted.
	Env map[string]string
	// AllowConcurrent opts out of the one-running-execution-per-workflow
	// guard.
	AllowConcurrent bool
}

// NewExecution builds the seeded initial state for one run of a plan without
// persisting it: trigger port data, plan mirrors and a zero event sequence.
func NewExecution(plan *compiler.Plan, opts StartOptions) (*models.Execution, error) {
	id := opts.ExecutionID
	if id == uuid.Nil {
		id = models.NewExecutionID()
	}
	now := time.Now().UTC()

	cctx := make(map[string]any, len(opts.InitialContext)+6)
	for k, v := range opts.InitialContext {
		if _, reserved := reservedContextKeys[k]; reserved {
			continue
		}
		cctx[k] = v
	}
	for key, v := range map[string]any{
		keyPortData:     plan.InitialPortData,
		keyPortMappings: plan.PortMappings,
		keyEndMappings:  plan.EndMappings,
		keyEndTargets:   plan.EndTargets,
	} {
		clone, err := jsonClone(v)
		if err != nil {
			return nil, fmt.Errorf("failed to seed execution context: %w", err)
		}
		cctx[key] = clone
	}
	cctx[keyEventSeq] = int64(0)

	return &models.Execution{
		ID:             id,
		WorkflowID:     plan.WorkflowID,
		ProjectID:      opts.ProjectID,
		Status:         models.ExecutionRunning,
		CurrentNodeID:  plan.Entry(),
		Context:        cctx,
		StepHistory:    []models.StepRecord{},
		StartedAt:      now,
		LastActivityAt: now,
	}, nil
}

// Start persists a fresh running execution seeded from the plan's trigger
// port data. The caller drives it with Run or Step.
func (i *Interpreter) Start(ctx context.Context, plan *compiler.Plan, opts StartOptions) (*models.Execution, error) {
	exec, err := NewExecution(plan, opts)
	if err != nil {
		return nil, err
	}
	if err := i.store.Create(ctx, exec, !opts.AllowConcurrent); err != nil {
		return nil, err
	}

	rt := i.runtime(exec.ID)
	rt.mu.Lock()
	rt.env = opts.Env
	rt.mu.Unlock()

	i.metrics.ExecutionStarted()
	i.log.Info("execution started",
		"execution_id", exec.ID.String(),
		"workflow_id", plan.WorkflowID.String(),
		"project_id", opts.ProjectID,
		"entry_node", exec.CurrentNodeID,
	)
	return exec, nil
}

// GetState loads the persisted execution state.
func (i *Interpreter) GetState(ctx context.Context, id uuid.UUID) (*models.Execution, error) {
	return i.store.GetByID(ctx, id)
}

// Step advances the execution by one node. Executor failures do not surface
// as errors: they mark the execution failed and the returned state carries
// lastError. Errors are reserved for wrong-state calls and store problems.
func (i *Interpreter) Step(ctx context.Context, id uuid.UUID) (*models.Execution, error) {
	rt := i.runtime(id)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return i.step(ctx, rt, id)
}

// Run steps the execution until it leaves the running state: completion,
// failure, suspension on a question, or an observed pause intent.
func (i *Interpreter) Run(ctx context.Context, id uuid.UUID) error {
	rt := i.runtime(id)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if rt.pause.Load() {
			return i.applyPause(ctx, rt, id)
		}

		rt.mu.Lock()
		exec, err := i.step(ctx, rt, id)
		rt.mu.Unlock()
		if err != nil {
			if errdefs.IsKind(err, errdefs.KindConflict) {
				// Another actor moved the execution out of running
				// between steps.
				return nil
			}
			return err
		}
		if exec.Status != models.ExecutionRunning {
			return nil
		}
	}
}

func (i *Interpreter) step(ctx context.Context, rt *runtime, id uuid.UUID) (*models.Execution, error) {
	exec, err := i.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	switch exec.Status {
	case models.ExecutionCompleted, models.ExecutionFailed:
		i.release(id)
		return nil, errdefs.Newf(errdefs.KindConflict, "execution is %s", exec.Status)
	case models.ExecutionPaused:
		return nil, errdefs.New(errdefs.KindConflict, "execution is paused")
	case models.ExecutionWaitingUser:
		return nil, errdefs.New(errdefs.KindConflict, "execution is waiting for user input")
	case models.ExecutionPending:
		// First step claims the row; the store's uniqueness guard applies.
		exec.Status = models.ExecutionRunning
	}

	if rt.cancel.Load() {
		return i.finishCancelled(ctx, exec)
	}

	plan, err := i.plans.PlanFor(ctx, exec)
	if err != nil {
		return nil, fmt.Errorf("failed to load plan for execution %s: %w", id, err)
	}

	if d := i.deadlineFor(plan); d > 0 && time.Since(exec.StartedAt) > d {
		return i.failExecution(ctx, exec,
			errdefs.Newf(errdefs.KindWorkflowTimeout, "workflow exceeded its %s deadline", d))
	}

	nodeID := exec.CurrentNodeID
	if nodeID == "" || nodeID == compiler.EndSentinel {
		// Trigger wired straight into an end node.
		return i.complete(ctx, exec, plan, plan.EndTargets[plan.TriggerID])
	}

	node, ok := plan.Node(nodeID)
	if !ok {
		return i.failExecution(ctx, exec,
			errdefs.Newf(errdefs.KindInternal, "plan has no node %q", nodeID))
	}

	// Open the step: history record, step:start, checkpoint.
	now := time.Now().UTC()
	exec.StepHistory = append(exec.StepHistory, models.StepRecord{
		ID:        uuid.NewString(),
		NodeID:    nodeID,
		Kind:      node.Kind,
		Status:    models.StepRunning,
		StartedAt: now,
	})
	exec.LastActivityAt = now
	i.emit(exec, events.TypeStepStart, map[string]any{
		"nodeId": nodeID,
		"kind":   string(node.Kind),
	})
	if err := i.checkpoint(ctx, exec); err != nil {
		return nil, err
	}

	inputs, err := i.resolveInputs(plan, exec, node)
	if err != nil {
		return i.failStep(ctx, exec, err)
	}
	lastRecord(exec).Inputs = inputs

	resolvedConfig, err := expr.ResolveTemplates(node.Config, expr.Source{
		Inputs:  inputs,
		Context: UserContext(exec),
		Answers: Answers(exec),
		Ports:   PortDataView(exec),
	})
	if err != nil {
		return i.failStep(ctx, exec, err)
	}

	exe, err := i.executors.Get(node.Kind)
	if err != nil {
		return i.failStep(ctx, exec, err)
	}

	req := &executor.Request{
		ExecutionID: exec.ID.String(),
		ProjectID:   exec.ProjectID,
		NodeID:      nodeID,
		Kind:        node.Kind,
		Config:      resolvedConfig,
		Inputs:      inputs,
		Context:     UserContext(exec),
		Answers:     copyValues(Answers(exec)),
		Env:         rt.env,
		Emitter:     i.activityEmitter(exec, nodeID),
	}

	result, err := exe.Execute(ctx, req)
	if err != nil {
		return i.failStep(ctx, exec, err)
	}

	return i.finishStep(ctx, exec, plan, node, result)
}

// finishStep applies a successful executor result: port data, context
// updates, question suspension or transition, and the closing checkpoint.
func (i *Interpreter) finishStep(ctx context.Context, exec *models.Execution, plan *compiler.Plan, node compiler.NodeDescriptor, result *executor.Result) (*models.Execution, error) {
	SetPortData(exec, node.ID, result.Outputs)
	MergeContext(exec, result.ContextUpdates)

	if q := result.Question; q != nil {
		i.closeRecord(exec, result)
		SetPendingQuestion(exec, node.ID, q)
		recordQuestionAsked(exec, q.Topic)
		exec.Status = models.ExecutionWaitingUser
		i.emit(exec, events.TypeStepComplete, map[string]any{"nodeId": node.ID})
		i.emit(exec, events.TypeActivityQuestion, map[string]any{
			"nodeId": node.ID,
			"question": map[string]any{
				"id":      q.ID,
				"text":    q.Text,
				"topic":   q.Topic,
				"options": q.Options,
			},
		})
		if err := i.checkpoint(ctx, exec); err != nil {
			return nil, err
		}
		i.log.Info("execution waiting for user",
			"execution_id", exec.ID.String(),
			"node_id", node.ID,
			"question_id", q.ID,
		)
		return exec, nil
	}

	target, endID, err := i.nextNode(plan, exec, node.ID, result)
	if err != nil {
		return i.failStep(ctx, exec, err)
	}
	i.closeRecord(exec, result)

	if target == compiler.EndSentinel {
		i.emit(exec, events.TypeStepComplete, map[string]any{"nodeId": node.ID})
		return i.complete(ctx, exec, plan, endID)
	}

	exec.CurrentNodeID = target
	exec.LastActivityAt = time.Now().UTC()
	i.emit(exec, events.TypeStepComplete, map[string]any{
		"nodeId": node.ID,
		"next":   target,
	})
	if err := i.checkpoint(ctx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

// closeRecord completes the open step record.
func (i *Interpreter) closeRecord(exec *models.Execution, result *executor.Result) {
	now := time.Now().UTC()
	rec := lastRecord(exec)
	rec.Status = models.StepCompleted
	rec.CompletedAt = &now
	rec.DurationMS = now.Sub(rec.StartedAt).Milliseconds()
	rec.Outputs = result.Outputs
	rec.TokenCount = result.TokenCount
	exec.LastActivityAt = now
	i.metrics.ObserveStep(string(rec.Kind), now.Sub(rec.StartedAt))
}

// failStep closes the open step record as failed and finishes the execution.
func (i *Interpreter) failStep(ctx context.Context, exec *models.Execution, cause error) (*models.Execution, error) {
	now := time.Now().UTC()
	rec := lastRecord(exec)
	execErr := &models.ExecError{
		Kind:    string(errdefs.KindOf(cause)),
		Message: cause.Error(),
		NodeID:  rec.NodeID,
	}
	rec.Status = models.StepFailed
	rec.CompletedAt = &now
	rec.DurationMS = now.Sub(rec.StartedAt).Milliseconds()
	rec.Error = execErr
	i.metrics.ObserveStep(string(rec.Kind), now.Sub(rec.StartedAt))

	i.emit(exec, events.TypeStepError, map[string]any{
		"nodeId": rec.NodeID,
		"error":  errPayload(execErr),
	})
	return i.finishFailed(ctx, exec, execErr)
}

// failExecution finishes the execution without an open step record.
func (i *Interpreter) failExecution(ctx context.Context, exec *models.Execution, cause error) (*models.Execution, error) {
	execErr := &models.ExecError{
		Kind:    string(errdefs.KindOf(cause)),
		Message: cause.Error(),
		NodeID:  exec.CurrentNodeID,
	}
	return i.finishFailed(ctx, exec, execErr)
}

func (i *Interpreter) finishCancelled(ctx context.Context, exec *models.Execution) (*models.Execution, error) {
	return i.failExecution(ctx, exec, errdefs.New(errdefs.KindCancelled, "execution cancelled"))
}

func (i *Interpreter) finishFailed(ctx context.Context, exec *models.Execution, execErr *models.ExecError) (*models.Execution, error) {
	now := time.Now().UTC()
	exec.Status = models.ExecutionFailed
	exec.LastError = execErr
	exec.CompletedAt = &now
	exec.LastActivityAt = now
	i.emit(exec, events.TypeWorkflowError, map[string]any{
		"status": string(models.ExecutionFailed),
		"error":  errPayload(execErr),
	})
	i.metrics.ExecutionFailed()
	if err := i.checkpoint(ctx, exec); err != nil {
		return nil, err
	}
	i.release(exec.ID)
	i.log.Warn("execution failed",
		"execution_id", exec.ID.String(),
		"node_id", execErr.NodeID,
		"error_kind", execErr.Kind,
		"error", execErr.Message,
	)
	return exec, nil
}

// complete finishes the execution through the end node endID (may be empty
// when the finishing node had no end-node edge).
func (i *Interpreter) complete(ctx context.Context, exec *models.Execution, plan *compiler.Plan, endID string) (*models.Execution, error) {
	now := time.Now().UTC()
	status := ""
	if endID != "" {
		status = plan.EndMappings[endID]
	}
	SetCompletionStatus(exec, status)
	exec.Status = models.ExecutionCompleted
	exec.CompletedAt = &now
	exec.LastActivityAt = now
	i.emit(exec, events.TypeWorkflowComplete, map[string]any{
		"status":           string(models.ExecutionCompleted),
		"completionStatus": status,
	})
	i.metrics.ExecutionCompleted()
	if err := i.checkpoint(ctx, exec); err != nil {
		return nil, err
	}
	i.release(exec.ID)
	i.log.Info("execution completed",
		"execution_id", exec.ID.String(),
		"completion_status", status,
		"steps", len(exec.StepHistory),
	)
	return exec, nil
}

// resolveInputs reads the node's mapped inputs from port data. A mapped
// required input with no produced value is a PortUnresolved failure.
func (i *Interpreter) resolveInputs(plan *compiler.Plan, exec *models.Execution, node compiler.NodeDescriptor) (map[string]any, error) {
	mappings := plan.PortMappings[node.ID]
	inputs := make(map[string]any, len(mappings))
	if len(mappings) == 0 {
		return inputs, nil
	}
	schema, err := ports.PortsOf(node.Kind)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "unknown node kind in plan")
	}
	for portID, ref := range mappings {
		v, ok := PortValue(exec, ref.Node, ref.Port)
		if !ok {
			if requiredInput(schema, portID) {
				return nil, errdefs.Newf(errdefs.KindPortUnresolved,
					"required input %q of node %q has no value from %s.%s",
					portID, node.ID, ref.Node, ref.Port)
			}
			continue
		}
		inputs[portID] = v
	}
	return inputs, nil
}

// nextNode evaluates the node's transition. The returned target is a node id
// or the END sentinel; endID names the end node reached, when known.
func (i *Interpreter) nextNode(plan *compiler.Plan, exec *models.Execution, nodeID string, result *executor.Result) (target, endID string, err error) {
	if result.Next != "" {
		return i.resolveTarget(plan, nodeID, result.Next, false)
	}

	t, ok := plan.Transitions[nodeID]
	if !ok {
		return compiler.EndSentinel, plan.EndTargets[nodeID], nil
	}

	vars := expr.Vars{
		Context:     UserContext(exec),
		Output:      result.Outputs,
		Answers:     Answers(exec),
		CurrentNode: nodeID,
		Status:      string(exec.Status),
	}

	switch t.Kind {
	case compiler.TransitionSimple:
		return i.resolveTarget(plan, nodeID, t.Target, false)

	case compiler.TransitionConditional:
		truthy, evalErr := i.sandbox.EvalBool(t.Path, vars)
		if evalErr != nil {
			// Missing data reads as false, the JavaScript way.
			i.log.Warn("conditional transition did not evaluate, taking else branch",
				"execution_id", exec.ID.String(), "node_id", nodeID, "error", evalErr)
			truthy = false
		}
		if truthy {
			return i.resolveTarget(plan, nodeID, t.Then, false)
		}
		return i.resolveTarget(plan, nodeID, t.Else, false)

	case compiler.TransitionSwitch:
		v, found := expr.LookupPath(vars, t.Path)
		if !found {
			ev, evalErr := i.sandbox.EvalValue(t.Path, vars)
			if evalErr == nil {
				v, found = ev, true
			}
		}
		if found {
			if caseTarget, ok := t.Cases[expr.Stringify(v)]; ok {
				return i.resolveTarget(plan, nodeID, caseTarget, false)
			}
		}
		if t.Default != "" {
			return i.resolveTarget(plan, nodeID, t.Default, false)
		}
		return compiler.EndSentinel, plan.EndTargets[nodeID], nil

	case compiler.TransitionFunction:
		fnTarget, evalErr := i.sandbox.EvalTarget(t.Source, vars)
		if evalErr != nil {
			i.log.Warn("function transition failed, ending execution",
				"execution_id", exec.ID.String(), "node_id", nodeID, "error", evalErr)
			return compiler.EndSentinel, plan.EndTargets[nodeID], nil
		}
		return i.resolveTarget(plan, nodeID, fnTarget, true)
	}

	return "", "", errdefs.Newf(errdefs.KindInternal, "unknown transition kind %q", t.Kind)
}

// resolveTarget classifies a selected target: a real node advances, an end
// node (by id or sentinel) completes. lenient downgrades unknown targets to
// END, which is the function-transition contract.
func (i *Interpreter) resolveTarget(plan *compiler.Plan, sourceID, target string, lenient bool) (string, string, error) {
	if target == "" || target == compiler.EndSentinel {
		return compiler.EndSentinel, plan.EndTargets[sourceID], nil
	}
	if _, isEnd := plan.EndMappings[target]; isEnd {
		return compiler.EndSentinel, target, nil
	}
	if _, ok := plan.Node(target); ok {
		return target, "", nil
	}
	if lenient {
		i.log.Warn("transition selected unknown node, ending execution",
			"node_id", sourceID, "target", target)
		return compiler.EndSentinel, plan.EndTargets[sourceID], nil
	}
	return "", "", errdefs.Newf(errdefs.KindInternal, "transition target %q is not in the plan", target)
}

// Pause requests a pause. If a step is in flight the intent applies at the
// next boundary; otherwise the state transitions immediately.
func (i *Interpreter) Pause(ctx context.Context, id uuid.UUID) (*models.Execution, error) {
	rt := i.runtime(id)
	rt.pause.Store(true)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	exec, err := i.store.GetByID(ctx, id)
	if err != nil {
		rt.pause.Store(false)
		return nil, err
	}
	switch exec.Status {
	case models.ExecutionPaused:
		return exec, nil
	case models.ExecutionRunning, models.ExecutionPending:
	default:
		rt.pause.Store(false)
		return nil, errdefs.Newf(errdefs.KindConflict, "cannot pause execution in status %s", exec.Status)
	}

	now := time.Now().UTC()
	exec.Status = models.ExecutionPaused
	exec.PausedAt = &now
	exec.LastActivityAt = now
	i.emit(exec, events.TypeWorkflowPause, map[string]any{})
	if err := i.checkpoint(ctx, exec); err != nil {
		return nil, err
	}
	i.log.Info("execution paused", "execution_id", id.String())
	return exec, nil
}

func (i *Interpreter) applyPause(ctx context.Context, rt *runtime, id uuid.UUID) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	exec, err := i.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if exec.Status != models.ExecutionRunning {
		return nil
	}
	now := time.Now().UTC()
	exec.Status = models.ExecutionPaused
	exec.PausedAt = &now
	exec.LastActivityAt = now
	i.emit(exec, events.TypeWorkflowPause, map[string]any{})
	return i.checkpoint(ctx, exec)
}

// Resume moves a paused execution back to running. The caller restarts the
// drive loop.
func (i *Interpreter) Resume(ctx context.Context, id uuid.UUID) (*models.Execution, error) {
	rt := i.runtime(id)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	exec, err := i.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.Status != models.ExecutionPaused {
		return nil, errdefs.Newf(errdefs.KindConflict, "cannot resume execution in status %s", exec.Status)
	}

	rt.pause.Store(false)
	exec.Status = models.ExecutionRunning
	exec.PausedAt = nil
	exec.LastActivityAt = time.Now().UTC()
	i.emit(exec, events.TypeWorkflowResume, map[string]any{})
	if err := i.checkpoint(ctx, exec); err != nil {
		return nil, err
	}
	i.log.Info("execution resumed", "execution_id", id.String())
	return exec, nil
}

// Cancel sets the cancel intent. When no step is in flight the execution
// fails immediately with Cancelled; otherwise the running loop applies the
// intent before its next step.
func (i *Interpreter) Cancel(ctx context.Context, id uuid.UUID) (*models.Execution, error) {
	rt := i.runtime(id)
	rt.cancel.Store(true)
	if !rt.mu.TryLock() {
		return i.store.GetByID(ctx, id)
	}
	defer rt.mu.Unlock()

	exec, err := i.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.Status.Terminal() {
		i.release(id)
		return exec, nil
	}
	return i.finishCancelled(ctx, exec)
}

// SubmitAnswer records the answer to the pending question and moves the
// execution back to running. Answering an already-advanced question is a
// conflict, making retried submissions harmless.
func (i *Interpreter) SubmitAnswer(ctx context.Context, id uuid.UUID, questionID string, value any) (*models.Execution, error) {
	rt := i.runtime(id)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	exec, err := i.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	nodeID, pending, ok := PendingQuestionOf(exec)
	if exec.Status == models.ExecutionWaitingUser && ok && pending.ID == questionID {
		SetAnswer(exec, questionID, value)
		ClearPendingQuestion(exec)
		exec.Status = models.ExecutionRunning
		exec.LastActivityAt = time.Now().UTC()
		i.emit(exec, events.TypeWorkflowResume, map[string]any{
			"nodeId":     nodeID,
			"questionId": questionID,
		})
		if err := i.checkpoint(ctx, exec); err != nil {
			return nil, err
		}
		i.log.Info("answer submitted",
			"execution_id", id.String(), "question_id", questionID)
		return exec, nil
	}

	if _, answered := Answers(exec)[questionID]; answered {
		return nil, errdefs.Newf(errdefs.KindConflict, "question %q was already answered", questionID)
	}
	return nil, errdefs.Newf(errdefs.KindConflict, "execution has no pending question %q", questionID)
}

// SkipQuestion resolves the pending question without an answer. The question
// id is recorded as skipped and its answer reads as null.
func (i *Interpreter) SkipQuestion(ctx context.Context, id uuid.UUID, questionID string) (*models.Execution, error) {
	rt := i.runtime(id)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	exec, err := i.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	nodeID, pending, ok := PendingQuestionOf(exec)
	if exec.Status == models.ExecutionWaitingUser && ok && pending.ID == questionID {
		SetAnswer(exec, questionID, nil)
		AddSkippedQuestion(exec, questionID)
		ClearPendingQuestion(exec)
		exec.Status = models.ExecutionRunning
		exec.LastActivityAt = time.Now().UTC()
		i.emit(exec, events.TypeWorkflowResume, map[string]any{
			"nodeId":     nodeID,
			"questionId": questionID,
			"skipped":    true,
		})
		if err := i.checkpoint(ctx, exec); err != nil {
			return nil, err
		}
		i.log.Info("question skipped",
			"execution_id", id.String(), "question_id", questionID)
		return exec, nil
	}

	for _, skipped := range SkippedQuestions(exec) {
		if skipped == questionID {
			return nil, errdefs.Newf(errdefs.KindConflict, "question %q was already skipped", questionID)
		}
	}
	if _, answered := Answers(exec)[questionID]; answered {
		return nil, errdefs.Newf(errdefs.KindConflict, "question %q was already answered", questionID)
	}
	return nil, errdefs.Newf(errdefs.KindConflict, "execution has no pending question %q", questionID)
}

// RetryStep resets a failed execution to the given node and moves it back to
// running. The caller restarts the drive loop.
func (i *Interpreter) RetryStep(ctx context.Context, id uuid.UUID, nodeID string) (*models.Execution, error) {
	rt := i.runtime(id)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	exec, err := i.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.Status != models.ExecutionFailed {
		return nil, errdefs.Newf(errdefs.KindConflict, "cannot retry execution in status %s", exec.Status)
	}

	plan, err := i.plans.PlanFor(ctx, exec)
	if err != nil {
		return nil, fmt.Errorf("failed to load plan for execution %s: %w", id, err)
	}
	if _, ok := plan.Node(nodeID); !ok {
		return nil, errdefs.Newf(errdefs.KindValidation, "plan has no node %q", nodeID)
	}

	rt.cancel.Store(false)
	rt.pause.Store(false)
	exec.Status = models.ExecutionRunning
	exec.CurrentNodeID = nodeID
	exec.LastError = nil
	exec.CompletedAt = nil
	exec.RetryCount++
	exec.LastActivityAt = time.Now().UTC()
	i.emit(exec, events.TypeWorkflowResume, map[string]any{
		"nodeId": nodeID,
		"retry":  true,
	})
	if err := i.checkpoint(ctx, exec); err != nil {
		return nil, err
	}
	i.log.Info("step retry requested",
		"execution_id", id.String(), "node_id", nodeID, "retry_count", exec.RetryCount)
	return exec, nil
}

func (i *Interpreter) deadlineFor(plan *compiler.Plan) time.Duration {
	if plan.DeadlineSeconds > 0 {
		return time.Duration(plan.DeadlineSeconds) * time.Second
	}
	return i.defaultDeadline
}

func (i *Interpreter) emit(exec *models.Execution, eventType string, payload map[string]any) {
	i.sink.Emit(events.Event{
		ExecutionID: exec.ID.String(),
		Seq:         NextSeq(exec),
		Type:        eventType,
		Payload:     payload,
	})
}

func (i *Interpreter) activityEmitter(exec *models.Execution, nodeID string) executor.ActivityEmitter {
	return activityFunc(func(eventType string, payload map[string]any) {
		if payload == nil {
			payload = map[string]any{}
		}
		if _, ok := payload["nodeId"]; !ok {
			payload["nodeId"] = nodeID
		}
		i.emit(exec, eventType, payload)
	})
}

type activityFunc func(string, map[string]any)

func (f activityFunc) Activity(eventType string, payload map[string]any) { f(eventType, payload) }

func (i *Interpreter) checkpoint(ctx context.Context, exec *models.Execution) error {
	if err := i.store.Update(ctx, exec); err != nil {
		return fmt.Errorf("failed to checkpoint execution %s: %w", exec.ID, err)
	}
	return nil
}

func lastRecord(exec *models.Execution) *models.StepRecord {
	return &exec.StepHistory[len(exec.StepHistory)-1]
}

func requiredInput(schema ports.Schema, portID string) bool {
	for _, p := range schema.Inputs {
		if p.ID == portID {
			return p.Required
		}
	}
	return false
}

func errPayload(e *models.ExecError) map[string]any {
	return map[string]any{
		"kind":    e.Kind,
		"message": e.Message,
		"nodeId":  e.NodeID,
	}
}

func copyValues(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
