// Package automation routes issue status changes to workflow executions.
// Matching rules fire in priority order behind a per-issue lock, each
// execution is watched to its terminal status, and the first matching
// transition writes the issue's next status back to the tracker.
package automation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/foundryhq/foundry/common/compiler"
	"github.com/foundryhq/foundry/common/dispatcher"
	"github.com/foundryhq/foundry/common/errdefs"
	"github.com/foundryhq/foundry/common/events"
	"github.com/foundryhq/foundry/common/expr"
	"github.com/foundryhq/foundry/common/interpreter"
	"github.com/foundryhq/foundry/common/logger"
	"github.com/foundryhq/foundry/common/models"
	"github.com/foundryhq/foundry/common/telemetry"
	"github.com/foundryhq/foundry/common/tracker"
)

// TopicStatusChanges is the queue topic carrying tracker status transitions
// from the hook receiver to the router.
const TopicStatusChanges = "wf.status.changes"

// RuleSource lists the persisted automations the router matches against.
type RuleSource interface {
	ListForStatus(ctx context.Context, projectID, status string) ([]*models.Automation, error)
	GetByID(ctx context.Context, projectID string, id uuid.UUID) (*models.Automation, error)
}

// WorkflowSource loads the workflow an automation executes.
type WorkflowSource interface {
	GetByID(ctx context.Context, projectID string, id uuid.UUID) (*models.Workflow, error)
}

// LockStore is the per-issue concurrency guard.
type LockStore interface {
	TryAcquire(ctx context.Context, projectID, issueID string, executionID uuid.UUID) (bool, error)
	Release(ctx context.Context, projectID, issueID string) error
}

// Launcher starts executions; satisfied by the dispatcher.
type Launcher interface {
	Execute(ctx context.Context, req dispatcher.ExecuteRequest) (*models.Execution, error)
}

// Options carries the router's collaborators.
type Options struct {
	Rules     RuleSource
	Workflows WorkflowSource
	Locks     LockStore
	Tracker   tracker.Client
	Launcher  Launcher
	Store     interpreter.Store
	Bus       *events.Bus
	Sandbox   *expr.Sandbox
	Metrics   *telemetry.Metrics
	Log       *logger.Logger

	// CompletionTimeout bounds how long a watcher waits for its execution to
	// finish before abandoning it to the lock sweeper.
	CompletionTimeout time.Duration
	// PollInterval paces the watcher's store re-reads between events.
	PollInterval time.Duration
}

// Router fires automations and applies their transitions.
type Router struct {
	rules     RuleSource
	workflows WorkflowSource
	locks     LockStore
	tracker   tracker.Client
	launcher  Launcher
	store     interpreter.Store
	bus       *events.Bus
	sandbox   *expr.Sandbox
	metrics   *telemetry.Metrics
	log       *logger.Logger

	completionTimeout time.Duration
	pollInterval      time.Duration
}

// NewRouter creates a router.
func NewRouter(opts Options) *Router {
	completionTimeout := opts.CompletionTimeout
	if completionTimeout <= 0 {
		completionTimeout = 30 * time.Minute
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Router{
		rules:             opts.Rules,
		workflows:         opts.Workflows,
		locks:             opts.Locks,
		tracker:           opts.Tracker,
		launcher:          opts.Launcher,
		store:             opts.Store,
		bus:               opts.Bus,
		sandbox:           opts.Sandbox,
		metrics:           opts.Metrics,
		log:               opts.Log,
		completionTimeout: completionTimeout,
		pollInterval:      pollInterval,
	}
}

// HandleStatusChange fires every enabled statusEnter automation matching the
// entered status, in priority order. A failing automation is logged and does
// not stop later ones.
func (r *Router) HandleStatusChange(ctx context.Context, change models.StatusChange) error {
	rules, err := r.rules.ListForStatus(ctx, change.ProjectID, change.NewStatus)
	if err != nil {
		return err
	}
	for _, rule := range rules {
		if _, err := r.fire(ctx, rule, change, false); err != nil {
			r.log.Error("automation failed to fire",
				"automation_id", rule.ID.String(),
				"issue_id", change.IssueID,
				"error", err,
			)
		}
	}
	return nil
}

// TriggerManual fires one automation for one issue on explicit request.
func (r *Router) TriggerManual(ctx context.Context, projectID string, automationID uuid.UUID, issueID string) (uuid.UUID, error) {
	rule, err := r.rules.GetByID(ctx, projectID, automationID)
	if err != nil {
		return uuid.Nil, err
	}
	if !rule.Enabled {
		return uuid.Nil, errdefs.Newf(errdefs.KindConflict, "automation %s is disabled", automationID)
	}
	change := models.StatusChange{ProjectID: projectID, IssueID: issueID}
	execID, err := r.fire(ctx, rule, change, true)
	if err != nil {
		return uuid.Nil, err
	}
	if execID == uuid.Nil {
		return uuid.Nil, errdefs.Newf(errdefs.KindConflict,
			"issue %s already has an active automation execution", issueID)
	}
	return execID, nil
}

// fire locks the issue, builds the initial context from tracker metadata and
// launches the automation's workflow. The zero id with a nil error means the
// automation was suppressed by the per-issue lock.
func (r *Router) fire(ctx context.Context, rule *models.Automation, change models.StatusChange, manual bool) (uuid.UUID, error) {
	execID := models.NewExecutionID()
	acquired, err := r.locks.TryAcquire(ctx, change.ProjectID, change.IssueID, execID)
	if err != nil {
		return uuid.Nil, err
	}
	if !acquired {
		r.metrics.AutomationSuppressed()
		r.log.Warn("automation suppressed, issue already locked",
			"automation_id", rule.ID.String(),
			"issue_id", change.IssueID,
		)
		return uuid.Nil, nil
	}
	started := false
	defer func() {
		if !started {
			r.releaseLock(change.ProjectID, change.IssueID)
		}
	}()

	issue, err := r.tracker.Issue(ctx, change.ProjectID, change.IssueID)
	if err != nil {
		return uuid.Nil, errdefs.Wrap(errdefs.KindProjectAPI, err, "failed to fetch issue for automation")
	}
	if manual {
		// A manual fire has no transition; both sides read as the issue's
		// current status.
		change.PreviousStatus = issue.Status
		change.NewStatus = issue.Status
	}

	wf, err := r.workflows.GetByID(ctx, rule.ProjectID, rule.WorkflowID)
	if err != nil {
		return uuid.Nil, err
	}
	initial := issueContext(change, issue)
	plan, issues := compiler.Compile(wf, initial)
	if len(issues) > 0 {
		return uuid.Nil, errdefs.Newf(errdefs.KindValidation,
			"workflow %s does not compile: %s", wf.ID, issues[0].Message)
	}

	// Subscribe before launch so the completion event cannot slip by.
	ch, cancelSub := r.bus.Subscribe(execID.String())

	_, err = r.launcher.Execute(ctx, dispatcher.ExecuteRequest{
		ExecutionID:    execID,
		Workflow:       wf,
		Plan:           plan,
		ProjectID:      change.ProjectID,
		InitialContext: initial,
		// The per-issue lock is the automation concurrency rule; the
		// workflow-level single-active guard stays out of the way.
		AllowConcurrent: true,
	})
	if err != nil {
		cancelSub()
		return uuid.Nil, err
	}
	started = true

	r.metrics.AutomationFired()
	r.log.Info("automation fired",
		"automation_id", rule.ID.String(),
		"workflow_id", rule.WorkflowID.String(),
		"execution_id", execID.String(),
		"issue_id", change.IssueID,
		"status", change.NewStatus,
	)
	go r.watch(rule, change, execID, ch, cancelSub)
	return execID, nil
}

// watch follows one execution to its terminal status, then applies the
// automation's transitions and releases the issue lock. If the execution
// outlives the timeout the lock is left for the sweeper.
func (r *Router) watch(rule *models.Automation, change models.StatusChange, execID uuid.UUID, ch <-chan events.Event, cancelSub func()) {
	defer cancelSub()
	ctx, cancel := context.WithTimeout(context.Background(), r.completionTimeout)
	defer cancel()

	check := func() bool {
		row, err := r.store.GetByID(ctx, execID)
		if err != nil || !row.Status.Terminal() {
			return false
		}
		r.finish(ctx, rule, change, row)
		return true
	}
	if check() {
		return
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.Warn("stopped waiting for automation execution",
				"execution_id", execID.String(), "issue_id", change.IssueID)
			return
		case ev, ok := <-ch:
			if !ok {
				ch = nil
				continue
			}
			if ev.Type == events.TypeWorkflowComplete || ev.Type == events.TypeWorkflowError {
				if check() {
					return
				}
			}
		case <-ticker.C:
			if check() {
				return
			}
		}
	}
}

func (r *Router) finish(ctx context.Context, rule *models.Automation, change models.StatusChange, row *models.Execution) {
	next := r.nextStatus(rule, row)
	if next != "" {
		if err := r.tracker.SetStatus(ctx, change.ProjectID, change.IssueID, next); err != nil {
			r.log.Error("failed to move issue status",
				"issue_id", change.IssueID, "status", next, "error", err)
		}
	}
	r.releaseLock(change.ProjectID, change.IssueID)
	r.log.Info("automation finished",
		"automation_id", rule.ID.String(),
		"execution_id", row.ID.String(),
		"issue_id", change.IssueID,
		"execution_status", string(row.Status),
		"next_status", next,
	)
}

// nextStatus picks the issue's next status: the first matching configured
// transition in priority order, falling back to the completion status the
// plan's end node resolved.
func (r *Router) nextStatus(rule *models.Automation, row *models.Execution) string {
	completed := row.Status == models.ExecutionCompleted
	for _, tr := range rule.Transitions {
		switch tr.Condition {
		case models.ConditionSuccess:
			if completed {
				return tr.NextStatus
			}
		case models.ConditionFailure:
			if row.Status == models.ExecutionFailed {
				return tr.NextStatus
			}
		case models.ConditionCustom:
			ok, err := r.sandbox.EvalBool(tr.CustomExpression, completionVars(row))
			if err != nil {
				r.log.Warn("custom transition did not evaluate",
					"automation_id", rule.ID.String(),
					"expression", tr.CustomExpression,
					"error", err,
				)
				continue
			}
			if ok {
				return tr.NextStatus
			}
		}
	}
	if completed {
		return interpreter.CompletionStatus(row)
	}
	return ""
}

func (r *Router) releaseLock(projectID, issueID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.locks.Release(ctx, projectID, issueID); err != nil {
		r.log.Error("failed to release issue lock", "issue_id", issueID, "error", err)
	}
}

// completionVars is the variable surface custom transition expressions see:
// the finished execution's user context, answers and status.
func completionVars(row *models.Execution) expr.Vars {
	return expr.Vars{
		Context:     interpreter.UserContext(row),
		Answers:     interpreter.Answers(row),
		CurrentNode: row.CurrentNodeID,
		Status:      string(row.Status),
	}
}

// issueContext flattens tracker metadata under the stable keys automation
// workflows read.
func issueContext(change models.StatusChange, issue *models.Issue) map[string]any {
	return map[string]any{
		"issueId":        change.IssueID,
		"issueOwner":     issue.Owner,
		"issueRepo":      issue.Repo,
		"issueNumber":    issue.Number,
		"issueTitle":     issue.Title,
		"issueBody":      issue.Body,
		"issueLabels":    issue.Labels,
		"issueAssignees": issue.Assignees,
		"previousStatus": change.PreviousStatus,
		"newStatus":      change.NewStatus,
	}
}
