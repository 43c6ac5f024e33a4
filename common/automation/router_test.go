package automation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundryhq/foundry/common/dispatcher"
	"github.com/foundryhq/foundry/common/errdefs"
	"github.com/foundryhq/foundry/common/events"
	"github.com/foundryhq/foundry/common/expr"
	"github.com/foundryhq/foundry/common/interpreter"
	"github.com/foundryhq/foundry/common/logger"
	"github.com/foundryhq/foundry/common/models"
	"github.com/foundryhq/foundry/common/ports"
	"github.com/foundryhq/foundry/common/tracker"
)

type fakeRules struct {
	mu    sync.Mutex
	rules []*models.Automation
}

func (f *fakeRules) add(rules ...*models.Automation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rules...)
}

func (f *fakeRules) ListForStatus(_ context.Context, projectID, status string) ([]*models.Automation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Automation
	for _, r := range f.rules {
		if r.ProjectID == projectID && r.Enabled &&
			r.TriggerKind == models.TriggerStatusEnter && r.TriggerStatus == status {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

func (f *fakeRules) GetByID(_ context.Context, projectID string, id uuid.UUID) (*models.Automation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rules {
		if r.ProjectID == projectID && r.ID == id {
			return r, nil
		}
	}
	return nil, errdefs.Newf(errdefs.KindNotFound, "automation %s not found", id)
}

type fakeLocks struct {
	mu   sync.Mutex
	held map[string]uuid.UUID
}

func newFakeLocks() *fakeLocks { return &fakeLocks{held: make(map[string]uuid.UUID)} }

func (f *fakeLocks) TryAcquire(_ context.Context, projectID, issueID string, executionID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := projectID + "/" + issueID
	if _, ok := f.held[key]; ok {
		return false, nil
	}
	f.held[key] = executionID
	return true, nil
}

func (f *fakeLocks) Release(_ context.Context, projectID, issueID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.held, projectID+"/"+issueID)
	return nil
}

func (f *fakeLocks) holder(projectID, issueID string) (uuid.UUID, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.held[projectID+"/"+issueID]
	return id, ok
}

type statusCall struct {
	projectID string
	issueID   string
	status    string
}

type fakeTracker struct {
	mu       sync.Mutex
	issue    *models.Issue
	issueErr error
	calls    []statusCall
}

func (f *fakeTracker) Issue(_ context.Context, _, _ string) (*models.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.issueErr != nil {
		return nil, f.issueErr
	}
	return f.issue, nil
}

func (f *fakeTracker) SetStatus(_ context.Context, projectID, issueID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, statusCall{projectID, issueID, status})
	return nil
}

func (f *fakeTracker) ApplyUpdates(context.Context, string, []tracker.Update) ([]map[string]any, error) {
	return nil, nil
}

func (f *fakeTracker) statusCalls() []statusCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]statusCall(nil), f.calls...)
}

// fakeLauncher stands in for the dispatcher: it persists the execution row as
// a dispatch would and leaves it running for the test to finish.
type fakeLauncher struct {
	mu       sync.Mutex
	memStore *interpreter.MemStore
	requests []dispatcher.ExecuteRequest
	err      error
}

func (f *fakeLauncher) Execute(ctx context.Context, req dispatcher.ExecuteRequest) (*models.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.requests = append(f.requests, req)
	exec, err := interpreter.NewExecution(req.Plan, interpreter.StartOptions{
		ExecutionID:     req.ExecutionID,
		ProjectID:       req.ProjectID,
		InitialContext:  req.InitialContext,
		AllowConcurrent: req.AllowConcurrent,
	})
	if err != nil {
		return nil, err
	}
	if err := f.memStore.Create(ctx, exec, !req.AllowConcurrent); err != nil {
		return nil, err
	}
	return exec, nil
}

func (f *fakeLauncher) launched() []dispatcher.ExecuteRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatcher.ExecuteRequest(nil), f.requests...)
}

type routerRig struct {
	r     *Router
	rules *fakeRules
	locks *fakeLocks
	track *fakeTracker
	bus   *events.Bus
	store *interpreter.MemStore
}

func newRouterRig(t *testing.T) *routerRig {
	t.Helper()
	sandbox, err := expr.NewSandbox(expr.DefaultTimeout)
	require.NoError(t, err)

	rules := &fakeRules{}
	locks := newFakeLocks()
	track := &fakeTracker{issue: &models.Issue{
		Owner:     "foundryhq",
		Repo:      "demo",
		Number:    42,
		Title:     "Add retries to the fetcher",
		Body:      "The fetcher gives up on the first timeout.",
		Labels:    []string{"bug"},
		Assignees: []string{"sam"},
		Status:    "In Progress",
	}}
	store := interpreter.NewMemStore()
	bus := events.NewBus()

	r := NewRouter(Options{
		Rules:     rules,
		Workflows: staticWorkflows{},
		Locks:     locks,
		Tracker:   track,
		Launcher:  &fakeLauncher{memStore: store},
		Store:     store,
		Bus:       bus,
		Sandbox:   sandbox,
		Log:       logger.New("error", "text"),
		// The watcher leans on fast polling so tests never wait on the bus.
		CompletionTimeout: 2 * time.Second,
		PollInterval:      5 * time.Millisecond,
	})
	return &routerRig{r: r, rules: rules, locks: locks, track: track, bus: bus, store: store}
}

func (rig *routerRig) launcher() *fakeLauncher { return rig.r.launcher.(*fakeLauncher) }

// staticWorkflows serves the same minimal triage workflow for every id.
type staticWorkflows struct{}

func (staticWorkflows) GetByID(_ context.Context, projectID string, id uuid.UUID) (*models.Workflow, error) {
	return &models.Workflow{
		ID:        id,
		ProjectID: projectID,
		Name:      "triage",
		Nodes: []models.Node{
			{ID: "trigger-1", Kind: ports.KindTrigger, Config: map[string]any{
				"outputs": []any{
					map[string]any{"id": "issueTitle", "type": "string"},
					map[string]any{"id": "issueBody", "type": "string"},
				},
			}},
			{ID: "classify", Kind: ports.KindLLM, Config: map[string]any{
				"systemPrompt": "Classify the issue.",
			}},
			{ID: "end-1", Kind: ports.KindEnd, Config: map[string]any{"targetStatus": "Done"}},
		},
		Edges: []models.Edge{
			{ID: "e1", Source: "trigger-1", SourcePort: "issueTitle", Target: "classify", TargetPort: "prompt"},
			{ID: "e2", Source: "classify", Target: "end-1"},
		},
	}, nil
}

func statusEnterRule(projectID, status string, transitions ...models.Transition) *models.Automation {
	return &models.Automation{
		ID:            uuid.New(),
		ProjectID:     projectID,
		Name:          "triage on " + status,
		TriggerKind:   models.TriggerStatusEnter,
		TriggerStatus: status,
		WorkflowID:    uuid.New(),
		Enabled:       true,
		Transitions:   transitions,
		CreatedAt:     time.Now().UTC(),
	}
}

func inProgressChange(issueID string) models.StatusChange {
	return models.StatusChange{
		ProjectID:      "proj-1",
		IssueID:        issueID,
		PreviousStatus: "Todo",
		NewStatus:      "In Progress",
	}
}

// finishExecution flips the stored row to a terminal status and announces it
// on the bus, the way the interpreter or a webhook sync would.
func (rig *routerRig) finishExecution(t *testing.T, id uuid.UUID, status models.ExecutionStatus, mut func(*models.Execution)) {
	t.Helper()
	row, err := rig.store.GetByID(context.Background(), id)
	require.NoError(t, err)
	row.Status = status
	now := time.Now().UTC()
	row.CompletedAt = &now
	if mut != nil {
		mut(row)
	}
	require.NoError(t, rig.store.Update(context.Background(), row))

	evType := events.TypeWorkflowComplete
	if status == models.ExecutionFailed {
		evType = events.TypeWorkflowError
	}
	rig.bus.Publish(events.Event{ExecutionID: id.String(), Seq: 99, Type: evType})
}

func (rig *routerRig) waitUnlocked(t *testing.T, projectID, issueID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, held := rig.locks.holder(projectID, issueID)
		return !held
	}, time.Second, 5*time.Millisecond)
}

func TestStatusChangeFiresAutomation(t *testing.T) {
	rig := newRouterRig(t)
	rule := statusEnterRule("proj-1", "In Progress",
		models.Transition{Condition: models.ConditionSuccess, NextStatus: "Review"},
	)
	rig.rules.add(rule)

	require.NoError(t, rig.r.HandleStatusChange(context.Background(), inProgressChange("issue-7")))

	launched := rig.launcher().launched()
	require.Len(t, launched, 1)
	req := launched[0]
	assert.NotEqual(t, uuid.Nil, req.ExecutionID)
	assert.True(t, req.AllowConcurrent)
	assert.Equal(t, "proj-1", req.ProjectID)
	assert.Equal(t, "Add retries to the fetcher", req.InitialContext["issueTitle"])
	assert.Equal(t, "issue-7", req.InitialContext["issueId"])
	assert.Equal(t, "Todo", req.InitialContext["previousStatus"])
	assert.Equal(t, "In Progress", req.InitialContext["newStatus"])

	// The issue lock carries the execution id while the run is in flight.
	holder, held := rig.locks.holder("proj-1", "issue-7")
	require.True(t, held)
	assert.Equal(t, req.ExecutionID, holder)

	// The trigger's ports were seeded from the issue context.
	row, err := rig.store.GetByID(context.Background(), req.ExecutionID)
	require.NoError(t, err)
	title, ok := interpreter.PortValue(row, "trigger-1", "issueTitle")
	require.True(t, ok)
	assert.Equal(t, "Add retries to the fetcher", title)
}

func TestSecondStatusChangeSuppressedWhileLocked(t *testing.T) {
	rig := newRouterRig(t)
	rig.rules.add(statusEnterRule("proj-1", "In Progress",
		models.Transition{Condition: models.ConditionSuccess, NextStatus: "Review"},
	))

	require.NoError(t, rig.r.HandleStatusChange(context.Background(), inProgressChange("issue-7")))
	require.NoError(t, rig.r.HandleStatusChange(context.Background(), inProgressChange("issue-7")))

	launched := rig.launcher().launched()
	require.Len(t, launched, 1, "second change on a locked issue must not launch")

	rig.finishExecution(t, launched[0].ExecutionID, models.ExecutionCompleted, nil)
	rig.waitUnlocked(t, "proj-1", "issue-7")

	calls := rig.track.statusCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, statusCall{"proj-1", "issue-7", "Review"}, calls[0])

	// With the lock released the same trigger fires a fresh execution.
	require.NoError(t, rig.r.HandleStatusChange(context.Background(), inProgressChange("issue-7")))
	assert.Len(t, rig.launcher().launched(), 2)
}

func TestDistinctIssuesRunConcurrently(t *testing.T) {
	rig := newRouterRig(t)
	rig.rules.add(statusEnterRule("proj-1", "In Progress"))

	require.NoError(t, rig.r.HandleStatusChange(context.Background(), inProgressChange("issue-1")))
	require.NoError(t, rig.r.HandleStatusChange(context.Background(), inProgressChange("issue-2")))

	launched := rig.launcher().launched()
	require.Len(t, launched, 2)
	assert.NotEqual(t, launched[0].ExecutionID, launched[1].ExecutionID)
}

func TestFailureTransition(t *testing.T) {
	rig := newRouterRig(t)
	rig.rules.add(statusEnterRule("proj-1", "In Progress",
		models.Transition{Condition: models.ConditionSuccess, NextStatus: "Review", Priority: 0},
		models.Transition{Condition: models.ConditionFailure, NextStatus: "Blocked", Priority: 1},
	))

	require.NoError(t, rig.r.HandleStatusChange(context.Background(), inProgressChange("issue-9")))
	execID := rig.launcher().launched()[0].ExecutionID

	rig.finishExecution(t, execID, models.ExecutionFailed, func(row *models.Execution) {
		row.LastError = &models.ExecError{Kind: "ProviderError", Message: "model unavailable"}
	})
	rig.waitUnlocked(t, "proj-1", "issue-9")

	calls := rig.track.statusCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Blocked", calls[0].status)
}

func TestCustomTransitionWinsByPriority(t *testing.T) {
	rig := newRouterRig(t)
	rig.rules.add(statusEnterRule("proj-1", "In Progress",
		models.Transition{Condition: models.ConditionCustom, CustomExpression: "context.score >= 0.8", NextStatus: "Approved", Priority: 0},
		models.Transition{Condition: models.ConditionSuccess, NextStatus: "Review", Priority: 1},
	))

	require.NoError(t, rig.r.HandleStatusChange(context.Background(), inProgressChange("issue-3")))
	execID := rig.launcher().launched()[0].ExecutionID

	rig.finishExecution(t, execID, models.ExecutionCompleted, func(row *models.Execution) {
		interpreter.MergeContext(row, map[string]any{"score": 0.93})
	})
	rig.waitUnlocked(t, "proj-1", "issue-3")

	calls := rig.track.statusCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Approved", calls[0].status)
}

func TestBrokenCustomTransitionFallsThrough(t *testing.T) {
	rig := newRouterRig(t)
	rig.rules.add(statusEnterRule("proj-1", "In Progress",
		models.Transition{Condition: models.ConditionCustom, CustomExpression: "this is not CEL", NextStatus: "Approved", Priority: 0},
		models.Transition{Condition: models.ConditionSuccess, NextStatus: "Review", Priority: 1},
	))

	require.NoError(t, rig.r.HandleStatusChange(context.Background(), inProgressChange("issue-4")))
	execID := rig.launcher().launched()[0].ExecutionID

	rig.finishExecution(t, execID, models.ExecutionCompleted, nil)
	rig.waitUnlocked(t, "proj-1", "issue-4")

	calls := rig.track.statusCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Review", calls[0].status)
}

func TestCompletionStatusFallback(t *testing.T) {
	rig := newRouterRig(t)
	// No transitions configured; the end node's target status decides.
	rig.rules.add(statusEnterRule("proj-1", "In Progress"))

	require.NoError(t, rig.r.HandleStatusChange(context.Background(), inProgressChange("issue-5")))
	execID := rig.launcher().launched()[0].ExecutionID

	rig.finishExecution(t, execID, models.ExecutionCompleted, func(row *models.Execution) {
		interpreter.SetCompletionStatus(row, "Done")
	})
	rig.waitUnlocked(t, "proj-1", "issue-5")

	calls := rig.track.statusCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Done", calls[0].status)
}

func TestFailedRunWithoutFailureTransitionMovesNothing(t *testing.T) {
	rig := newRouterRig(t)
	rig.rules.add(statusEnterRule("proj-1", "In Progress",
		models.Transition{Condition: models.ConditionSuccess, NextStatus: "Review"},
	))

	require.NoError(t, rig.r.HandleStatusChange(context.Background(), inProgressChange("issue-6")))
	execID := rig.launcher().launched()[0].ExecutionID

	rig.finishExecution(t, execID, models.ExecutionFailed, nil)
	rig.waitUnlocked(t, "proj-1", "issue-6")

	assert.Empty(t, rig.track.statusCalls())
}

func TestIssueFetchFailureReleasesLock(t *testing.T) {
	rig := newRouterRig(t)
	rig.rules.add(statusEnterRule("proj-1", "In Progress"))
	rig.track.issueErr = errors.New("tracker is down")

	// HandleStatusChange logs the failure instead of propagating it.
	require.NoError(t, rig.r.HandleStatusChange(context.Background(), inProgressChange("issue-8")))

	assert.Empty(t, rig.launcher().launched())
	_, held := rig.locks.holder("proj-1", "issue-8")
	assert.False(t, held, "a failed fire must not leave the issue locked")
}

func TestManualTrigger(t *testing.T) {
	rig := newRouterRig(t)
	rule := &models.Automation{
		ID:          uuid.New(),
		ProjectID:   "proj-1",
		Name:        "run triage",
		TriggerKind: models.TriggerManual,
		ButtonLabel: "Triage",
		WorkflowID:  uuid.New(),
		Enabled:     true,
	}
	rig.rules.add(rule)

	execID, err := rig.r.TriggerManual(context.Background(), "proj-1", rule.ID, "issue-11")
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, execID)

	launched := rig.launcher().launched()
	require.Len(t, launched, 1)
	assert.Equal(t, execID, launched[0].ExecutionID)
	// A manual fire carries no transition; both sides read as the current
	// status from the tracker.
	assert.Equal(t, "In Progress", launched[0].InitialContext["previousStatus"])
	assert.Equal(t, "In Progress", launched[0].InitialContext["newStatus"])
}

func TestManualTriggerDisabledAutomation(t *testing.T) {
	rig := newRouterRig(t)
	rule := &models.Automation{
		ID:          uuid.New(),
		ProjectID:   "proj-1",
		TriggerKind: models.TriggerManual,
		WorkflowID:  uuid.New(),
		Enabled:     false,
	}
	rig.rules.add(rule)

	_, err := rig.r.TriggerManual(context.Background(), "proj-1", rule.ID, "issue-12")
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindConflict))
}

func TestManualTriggerLockedIssue(t *testing.T) {
	rig := newRouterRig(t)
	rule := &models.Automation{
		ID:          uuid.New(),
		ProjectID:   "proj-1",
		TriggerKind: models.TriggerManual,
		WorkflowID:  uuid.New(),
		Enabled:     true,
	}
	rig.rules.add(rule)

	_, err := rig.locks.TryAcquire(context.Background(), "proj-1", "issue-13", uuid.New())
	require.NoError(t, err)

	_, err = rig.r.TriggerManual(context.Background(), "proj-1", rule.ID, "issue-13")
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindConflict))
	assert.Empty(t, rig.launcher().launched())
}

type stubLockSweepStore struct {
	reclaimed []*models.AutomationLock
	err       error
}

func (s *stubLockSweepStore) SweepExpired(context.Context, time.Time) ([]*models.AutomationLock, error) {
	return s.reclaimed, s.err
}

func TestLockSweeperReclaims(t *testing.T) {
	store := &stubLockSweepStore{reclaimed: []*models.AutomationLock{
		{ProjectID: "proj-1", IssueID: "issue-1", ExecutionID: uuid.New(), AcquiredAt: time.Now().Add(-time.Hour)},
		{ProjectID: "proj-1", IssueID: "issue-2", ExecutionID: uuid.New(), AcquiredAt: time.Now().Add(-2 * time.Hour)},
	}}
	sweeper := NewLockSweeper(store, logger.New("error", "text"), 30*time.Minute, time.Minute)

	assert.Equal(t, 2, sweeper.Sweep(context.Background()))
}

func TestLockSweeperSurvivesStoreError(t *testing.T) {
	store := &stubLockSweepStore{err: errors.New("connection refused")}
	sweeper := NewLockSweeper(store, logger.New("error", "text"), 30*time.Minute, time.Minute)

	assert.Equal(t, 0, sweeper.Sweep(context.Background()))
}
