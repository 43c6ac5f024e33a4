package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/foundryhq/foundry/cmd/foundry/middleware"
	"github.com/foundryhq/foundry/cmd/foundry/service"
	"github.com/foundryhq/foundry/common/models"
)

// WorkflowHandler serves the workflow document endpoints.
type WorkflowHandler struct {
	workflows *service.WorkflowService
}

// NewWorkflowHandler creates a workflow handler.
func NewWorkflowHandler(workflows *service.WorkflowService) *WorkflowHandler {
	return &WorkflowHandler{workflows: workflows}
}

// ListWorkflows lists the project's workflows.
// GET /api/v1/workflows
func (h *WorkflowHandler) ListWorkflows(c echo.Context) error {
	projectID, err := middleware.RequireProject(c)
	if err != nil {
		return err
	}

	list, err := h.workflows.List(c.Request().Context(), projectID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"workflows": list,
		"count":     len(list),
	})
}

// GetWorkflow fetches one workflow document.
// GET /api/v1/workflows/:id
func (h *WorkflowHandler) GetWorkflow(c echo.Context) error {
	projectID, err := middleware.RequireProject(c)
	if err != nil {
		return err
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest("invalid workflow id")
	}

	wf, err := h.workflows.Get(c.Request().Context(), projectID, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

// CreateWorkflow persists a new workflow document.
// POST /api/v1/workflows
func (h *WorkflowHandler) CreateWorkflow(c echo.Context) error {
	projectID, err := middleware.RequireProject(c)
	if err != nil {
		return err
	}

	var in service.WorkflowInput
	if err := c.Bind(&in); err != nil {
		return badRequest("invalid request body")
	}

	wf, err := h.workflows.Create(c.Request().Context(), projectID, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, wf)
}

// UpdateWorkflow replaces the editable fields of a workflow.
// PUT /api/v1/workflows/:id
func (h *WorkflowHandler) UpdateWorkflow(c echo.Context) error {
	projectID, err := middleware.RequireProject(c)
	if err != nil {
		return err
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest("invalid workflow id")
	}

	var in service.WorkflowInput
	if err := c.Bind(&in); err != nil {
		return badRequest("invalid request body")
	}

	wf, err := h.workflows.Update(c.Request().Context(), projectID, id, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

// PatchWorkflow applies an RFC 6902 patch document to the stored workflow.
// PATCH /api/v1/workflows/:id
func (h *WorkflowHandler) PatchWorkflow(c echo.Context) error {
	projectID, err := middleware.RequireProject(c)
	if err != nil {
		return err
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest("invalid workflow id")
	}

	patchDoc, err := io.ReadAll(c.Request().Body)
	if err != nil || len(patchDoc) == 0 {
		return badRequest("request body must be a JSON patch document")
	}

	wf, err := h.workflows.ApplyPatch(c.Request().Context(), projectID, id, patchDoc)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

// DeleteWorkflow removes a workflow document.
// DELETE /api/v1/workflows/:id
func (h *WorkflowHandler) DeleteWorkflow(c echo.Context) error {
	projectID, err := middleware.RequireProject(c)
	if err != nil {
		return err
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest("invalid workflow id")
	}

	if err := h.workflows.Delete(c.Request().Context(), projectID, id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// DuplicateWorkflow copies a workflow under a fresh id.
// POST /api/v1/workflows/:id/duplicate
func (h *WorkflowHandler) DuplicateWorkflow(c echo.Context) error {
	projectID, err := middleware.RequireProject(c)
	if err != nil {
		return err
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest("invalid workflow id")
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}

	wf, err := h.workflows.Duplicate(c.Request().Context(), projectID, id, req.Name)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, wf)
}

// ValidateWorkflow compiles a posted document and returns its issues
// without persisting anything.
// POST /api/v1/workflows/validate
func (h *WorkflowHandler) ValidateWorkflow(c echo.Context) error {
	if _, err := middleware.RequireProject(c); err != nil {
		return err
	}

	var in service.WorkflowInput
	if err := c.Bind(&in); err != nil {
		return badRequest("invalid request body")
	}

	issues := h.workflows.Validate(&models.Workflow{
		Name:           in.Name,
		Nodes:          in.Nodes,
		Edges:          in.Edges,
		InitialContext: in.InitialContext,
	})
	return c.JSON(http.StatusOK, map[string]interface{}{
		"valid":  len(issues) == 0,
		"issues": issues,
	})
}

// RegenerateWorkflow rebuilds the graph from a checklist, one agent step per
// item.
// POST /api/v1/workflows/:id/regenerate
func (h *WorkflowHandler) RegenerateWorkflow(c echo.Context) error {
	return h.regenerate(c, h.workflows.Regenerate)
}

// RegenerateWorkflowLLM asks the configured provider to design the graph
// for a checklist.
// POST /api/v1/workflows/:id/regenerate-llm
func (h *WorkflowHandler) RegenerateWorkflowLLM(c echo.Context) error {
	return h.regenerate(c, h.workflows.RegenerateLLM)
}

func (h *WorkflowHandler) regenerate(c echo.Context,
	rebuild func(ctx context.Context, projectID string, id uuid.UUID, checklist []string) (*service.RegenerateResult, error)) error {
	projectID, err := middleware.RequireProject(c)
	if err != nil {
		return err
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest("invalid workflow id")
	}

	var req struct {
		Checklist []string `json:"checklist"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}

	result, err := rebuild(c.Request().Context(), projectID, id, req.Checklist)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}
