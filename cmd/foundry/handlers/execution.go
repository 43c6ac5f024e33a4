package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/foundryhq/foundry/cmd/foundry/middleware"
	"github.com/foundryhq/foundry/cmd/foundry/service"
	"github.com/foundryhq/foundry/common/compiler"
	"github.com/foundryhq/foundry/common/dispatcher"
	"github.com/foundryhq/foundry/common/errdefs"
	"github.com/foundryhq/foundry/common/interpreter"
	"github.com/foundryhq/foundry/common/models"
	"github.com/foundryhq/foundry/common/secrets"
)

// ExecutionStore is the read surface the execution endpoints serve from.
type ExecutionStore interface {
	interpreter.Store
	ListByWorkflow(ctx context.Context, workflowID uuid.UUID, limit int) ([]*models.Execution, error)
}

// ExecutionHandler serves the execution lifecycle endpoints.
type ExecutionHandler struct {
	workflows *service.WorkflowService
	plans     *service.PlanService
	disp      *dispatcher.Dispatcher
	interp    *interpreter.Interpreter
	store     ExecutionStore
	sealer    *secrets.Sealer
}

// NewExecutionHandler creates an execution handler.
func NewExecutionHandler(workflows *service.WorkflowService, plans *service.PlanService,
	disp *dispatcher.Dispatcher, interp *interpreter.Interpreter, store ExecutionStore,
	sealer *secrets.Sealer) *ExecutionHandler {
	return &ExecutionHandler{
		workflows: workflows,
		plans:     plans,
		disp:      disp,
		interp:    interp,
		store:     store,
		sealer:    sealer,
	}
}

// StartExecution compiles the workflow and starts a run on the venue the
// workflow selects.
// POST /api/v1/executions
func (h *ExecutionHandler) StartExecution(c echo.Context) error {
	projectID, err := middleware.RequireProject(c)
	if err != nil {
		return err
	}

	var req struct {
		WorkflowID     uuid.UUID      `json:"workflowId"`
		InitialContext map[string]any `json:"initialContext"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	if req.WorkflowID == uuid.Nil {
		return badRequest("workflowId is required")
	}

	ctx := c.Request().Context()
	wf, err := h.workflows.Get(ctx, projectID, req.WorkflowID)
	if err != nil {
		return err
	}

	// A context override changes trigger port seeding, so it compiles fresh;
	// only the stored document's compile is served from cache.
	initial := wf.InitialContext
	var plan *compiler.Plan
	if len(req.InitialContext) > 0 {
		initial = mergeContext(wf.InitialContext, req.InitialContext)
		plan, err = h.plans.CompileWith(wf, initial)
	} else {
		plan, err = h.plans.Compile(ctx, wf)
	}
	if err != nil {
		return err
	}

	exec, err := h.disp.Execute(ctx, dispatcher.ExecuteRequest{
		Workflow:       wf,
		Plan:           plan,
		ProjectID:      projectID,
		InitialContext: initial,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"executionId": exec.ID,
		"status":      exec.Status,
	})
}

// GetExecution fetches the full execution state row.
// GET /api/v1/executions/:id
func (h *ExecutionHandler) GetExecution(c echo.Context) error {
	exec, err := h.scopedExecution(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, exec)
}

// GetHistory fetches the execution's step history.
// GET /api/v1/executions/:id/history
func (h *ExecutionHandler) GetHistory(c echo.Context) error {
	exec, err := h.scopedExecution(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"executionId": exec.ID,
		"steps":       exec.StepHistory,
		"count":       len(exec.StepHistory),
	})
}

// ListExecutions lists recent executions of a workflow.
// GET /api/v1/workflows/:id/executions?limit=50
func (h *ExecutionHandler) ListExecutions(c echo.Context) error {
	projectID, err := middleware.RequireProject(c)
	if err != nil {
		return err
	}
	workflowID, ok := pathID(c, "id")
	if !ok {
		return badRequest("invalid workflow id")
	}

	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return badRequest("limit must be a positive integer")
		}
		limit = parsed
	}

	ctx := c.Request().Context()
	if _, err := h.workflows.Get(ctx, projectID, workflowID); err != nil {
		return err
	}
	list, err := h.store.ListByWorkflow(ctx, workflowID, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"executions": list,
		"count":      len(list),
	})
}

// SubmitAnswer answers the pending question and resumes the run.
// POST /api/v1/executions/:id/answer
func (h *ExecutionHandler) SubmitAnswer(c echo.Context) error {
	exec, err := h.scopedExecution(c)
	if err != nil {
		return err
	}

	var req struct {
		QuestionID string      `json:"questionId"`
		Value      interface{} `json:"value"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	if req.QuestionID == "" {
		return badRequest("questionId is required")
	}

	ctx := c.Request().Context()
	if err := h.provisionEnv(ctx, exec); err != nil {
		return err
	}
	row, err := h.interp.SubmitAnswer(ctx, exec.ID, req.QuestionID, req.Value)
	if err != nil {
		return err
	}
	h.disp.Drive(exec.ID)
	return c.JSON(http.StatusOK, row)
}

// SkipQuestion resolves the pending question without an answer and resumes.
// POST /api/v1/executions/:id/skip
func (h *ExecutionHandler) SkipQuestion(c echo.Context) error {
	exec, err := h.scopedExecution(c)
	if err != nil {
		return err
	}

	var req struct {
		QuestionID string `json:"questionId"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	if req.QuestionID == "" {
		return badRequest("questionId is required")
	}

	ctx := c.Request().Context()
	if err := h.provisionEnv(ctx, exec); err != nil {
		return err
	}
	row, err := h.interp.SkipQuestion(ctx, exec.ID, req.QuestionID)
	if err != nil {
		return err
	}
	h.disp.Drive(exec.ID)
	return c.JSON(http.StatusOK, row)
}

// PauseExecution sets the pause intent; the run stops at the next step
// boundary.
// POST /api/v1/executions/:id/pause
func (h *ExecutionHandler) PauseExecution(c echo.Context) error {
	exec, err := h.scopedExecution(c)
	if err != nil {
		return err
	}
	row, err := h.interp.Pause(c.Request().Context(), exec.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, row)
}

// ResumeExecution moves a paused run back to running.
// POST /api/v1/executions/:id/resume
func (h *ExecutionHandler) ResumeExecution(c echo.Context) error {
	exec, err := h.scopedExecution(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	if err := h.provisionEnv(ctx, exec); err != nil {
		return err
	}
	row, err := h.interp.Resume(ctx, exec.ID)
	if err != nil {
		return err
	}
	h.disp.Drive(exec.ID)
	return c.JSON(http.StatusOK, row)
}

// CancelExecution cancels the run on whichever venue carries it.
// POST /api/v1/executions/:id/cancel
func (h *ExecutionHandler) CancelExecution(c echo.Context) error {
	exec, err := h.scopedExecution(c)
	if err != nil {
		return err
	}
	row, err := h.disp.Cancel(c.Request().Context(), exec.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, row)
}

// RetryStep rewinds a failed run to a checkpointed node and resumes.
// POST /api/v1/executions/:id/retry
func (h *ExecutionHandler) RetryStep(c echo.Context) error {
	exec, err := h.scopedExecution(c)
	if err != nil {
		return err
	}

	var req struct {
		NodeID string `json:"nodeId"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	nodeID := req.NodeID
	if nodeID == "" {
		nodeID = exec.CurrentNodeID
	}

	ctx := c.Request().Context()
	if err := h.provisionEnv(ctx, exec); err != nil {
		return err
	}
	row, err := h.interp.RetryStep(ctx, exec.ID, nodeID)
	if err != nil {
		return err
	}
	h.disp.Drive(exec.ID)
	return c.JSON(http.StatusOK, row)
}

// scopedExecution loads the execution named by the path and enforces the
// caller's project scope; foreign executions read as not found.
func (h *ExecutionHandler) scopedExecution(c echo.Context) (*models.Execution, error) {
	projectID, err := middleware.RequireProject(c)
	if err != nil {
		return nil, err
	}
	id, ok := pathID(c, "id")
	if !ok {
		return nil, badRequest("invalid execution id")
	}

	exec, err := h.store.GetByID(c.Request().Context(), id)
	if err != nil {
		return nil, err
	}
	if exec.ProjectID != projectID {
		return nil, errdefs.Newf(errdefs.KindNotFound, "execution %s not found", id)
	}
	return exec, nil
}

// provisionEnv restores the decrypted workflow environment before a resume:
// the interpreter keeps it only in memory, so after a restart it is gone.
func (h *ExecutionHandler) provisionEnv(ctx context.Context, exec *models.Execution) error {
	wf, err := h.workflows.Get(ctx, exec.ProjectID, exec.WorkflowID)
	if err != nil {
		return err
	}
	if len(wf.EncryptedEnv) == 0 {
		return nil
	}
	if h.sealer == nil {
		return errdefs.New(errdefs.KindInternal, "workflow has an encrypted environment but no encryption key is configured")
	}
	env, err := h.sealer.OpenEnv(wf.EncryptedEnv)
	if err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "failed to decrypt workflow environment")
	}
	h.interp.SetEnv(exec.ID, env)
	return nil
}

func mergeContext(base, override map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}
