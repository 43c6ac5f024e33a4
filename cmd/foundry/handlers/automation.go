package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/foundryhq/foundry/cmd/foundry/middleware"
	"github.com/foundryhq/foundry/common/automation"
	"github.com/foundryhq/foundry/common/errdefs"
	"github.com/foundryhq/foundry/common/logger"
	"github.com/foundryhq/foundry/common/models"
	"github.com/foundryhq/foundry/common/queue"
)

// AutomationStore is the persistence surface the automation endpoints use.
type AutomationStore interface {
	Create(ctx context.Context, a *models.Automation) error
	GetByID(ctx context.Context, projectID string, id uuid.UUID) (*models.Automation, error)
	Update(ctx context.Context, a *models.Automation) error
	Delete(ctx context.Context, projectID string, id uuid.UUID) error
	ListByProject(ctx context.Context, projectID string) ([]*models.Automation, error)
}

// ManualTrigger fires one automation on demand; satisfied by the router.
type ManualTrigger interface {
	TriggerManual(ctx context.Context, projectID string, automationID uuid.UUID, issueID string) (uuid.UUID, error)
}

// AutomationInput is the editable surface of an automation, transitions
// included. Enabled defaults to true when omitted.
type AutomationInput struct {
	Name          string              `json:"name"`
	TriggerKind   models.TriggerKind  `json:"triggerKind"`
	TriggerStatus string              `json:"triggerStatus"`
	ButtonLabel   string              `json:"buttonLabel"`
	WorkflowID    uuid.UUID           `json:"workflowId"`
	Enabled       *bool               `json:"enabled"`
	Priority      int                 `json:"priority"`
	Transitions   []models.Transition `json:"transitions"`
}

// AutomationHandler serves automation CRUD, the manual trigger and the
// tracker status-change hook.
type AutomationHandler struct {
	store   AutomationStore
	trigger ManualTrigger
	queue   queue.Queue
	log     *logger.Logger
}

// NewAutomationHandler creates an automation handler.
func NewAutomationHandler(store AutomationStore, trigger ManualTrigger, q queue.Queue, log *logger.Logger) *AutomationHandler {
	return &AutomationHandler{store: store, trigger: trigger, queue: q, log: log}
}

// ListAutomations lists the project's automations with their transitions.
// GET /api/v1/automations
func (h *AutomationHandler) ListAutomations(c echo.Context) error {
	projectID, err := middleware.RequireProject(c)
	if err != nil {
		return err
	}
	list, err := h.store.ListByProject(c.Request().Context(), projectID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"automations": list,
		"count":       len(list),
	})
}

// GetAutomation fetches one automation.
// GET /api/v1/automations/:id
func (h *AutomationHandler) GetAutomation(c echo.Context) error {
	projectID, err := middleware.RequireProject(c)
	if err != nil {
		return err
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest("invalid automation id")
	}
	rule, err := h.store.GetByID(c.Request().Context(), projectID, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rule)
}

// CreateAutomation creates an automation with its transitions.
// POST /api/v1/automations
func (h *AutomationHandler) CreateAutomation(c echo.Context) error {
	projectID, err := middleware.RequireProject(c)
	if err != nil {
		return err
	}
	var in AutomationInput
	if err := c.Bind(&in); err != nil {
		return badRequest("invalid request body")
	}
	if err := in.validate(); err != nil {
		return err
	}

	rule := &models.Automation{
		ID:        uuid.New(),
		ProjectID: projectID,
	}
	in.apply(rule)
	if err := h.store.Create(c.Request().Context(), rule); err != nil {
		return err
	}
	h.log.Info("automation created", "automationId", rule.ID, "projectId", projectID, "name", rule.Name)
	return c.JSON(http.StatusCreated, rule)
}

// UpdateAutomation replaces an automation's editable fields and transitions.
// PUT /api/v1/automations/:id
func (h *AutomationHandler) UpdateAutomation(c echo.Context) error {
	projectID, err := middleware.RequireProject(c)
	if err != nil {
		return err
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest("invalid automation id")
	}
	var in AutomationInput
	if err := c.Bind(&in); err != nil {
		return badRequest("invalid request body")
	}
	if err := in.validate(); err != nil {
		return err
	}

	ctx := c.Request().Context()
	rule, err := h.store.GetByID(ctx, projectID, id)
	if err != nil {
		return err
	}
	in.apply(rule)
	if err := h.store.Update(ctx, rule); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rule)
}

// DeleteAutomation removes an automation and its transitions.
// DELETE /api/v1/automations/:id
func (h *AutomationHandler) DeleteAutomation(c echo.Context) error {
	projectID, err := middleware.RequireProject(c)
	if err != nil {
		return err
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest("invalid automation id")
	}
	if err := h.store.Delete(c.Request().Context(), projectID, id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// TriggerAutomation fires one automation for one issue on explicit request.
// POST /api/v1/automations/:id/trigger
func (h *AutomationHandler) TriggerAutomation(c echo.Context) error {
	projectID, err := middleware.RequireProject(c)
	if err != nil {
		return err
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest("invalid automation id")
	}
	var req struct {
		IssueID string `json:"issueId"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	if strings.TrimSpace(req.IssueID) == "" {
		return badRequest("issueId is required")
	}

	execID, err := h.trigger.TriggerManual(c.Request().Context(), projectID, id, req.IssueID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"executionId": execID,
	})
}

// TrackerHook receives one issue status transition from the tracker and
// queues it for the automation router. Delivery is acknowledged before
// routing happens.
// POST /api/v1/hooks/tracker
func (h *AutomationHandler) TrackerHook(c echo.Context) error {
	var change models.StatusChange
	if err := c.Bind(&change); err != nil {
		return badRequest("invalid request body")
	}
	if change.ProjectID == "" || change.IssueID == "" || change.NewStatus == "" {
		return badRequest("projectId, issueId and newStatus are required")
	}

	body, err := json.Marshal(change)
	if err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "failed to encode status change")
	}
	if err := h.queue.Publish(c.Request().Context(), automation.TopicStatusChanges, change.IssueID, body); err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "failed to enqueue status change")
	}
	h.log.Info("status change queued",
		"projectId", change.ProjectID, "issueId", change.IssueID,
		"from", change.PreviousStatus, "to", change.NewStatus)
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"status": "queued",
	})
}

func (in *AutomationInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return errdefs.New(errdefs.KindValidation, "automation name is required")
	}
	if in.WorkflowID == uuid.Nil {
		return errdefs.New(errdefs.KindValidation, "workflowId is required")
	}
	switch in.TriggerKind {
	case models.TriggerStatusEnter:
		if strings.TrimSpace(in.TriggerStatus) == "" {
			return errdefs.New(errdefs.KindValidation, "statusEnter automations require triggerStatus")
		}
	case models.TriggerManual:
		if strings.TrimSpace(in.ButtonLabel) == "" {
			return errdefs.New(errdefs.KindValidation, "manual automations require buttonLabel")
		}
	default:
		return errdefs.Newf(errdefs.KindValidation, "unknown trigger kind %q", in.TriggerKind)
	}
	for i, t := range in.Transitions {
		switch t.Condition {
		case models.ConditionSuccess, models.ConditionFailure:
		case models.ConditionCustom:
			if strings.TrimSpace(t.CustomExpression) == "" {
				return errdefs.Newf(errdefs.KindValidation, "transition %d: custom condition requires customExpression", i)
			}
		default:
			return errdefs.Newf(errdefs.KindValidation, "transition %d: unknown condition %q", i, t.Condition)
		}
		if strings.TrimSpace(t.NextStatus) == "" {
			return errdefs.Newf(errdefs.KindValidation, "transition %d: nextStatus is required", i)
		}
	}
	return nil
}

// apply copies the editable fields onto the row. Transition identity is
// regenerated on every write; transitions are replaced wholesale.
func (in *AutomationInput) apply(rule *models.Automation) {
	rule.Name = in.Name
	rule.TriggerKind = in.TriggerKind
	rule.TriggerStatus = in.TriggerStatus
	rule.ButtonLabel = in.ButtonLabel
	rule.WorkflowID = in.WorkflowID
	rule.Priority = in.Priority
	rule.Enabled = true
	if in.Enabled != nil {
		rule.Enabled = *in.Enabled
	}
	transitions := make([]models.Transition, len(in.Transitions))
	for i, t := range in.Transitions {
		transitions[i] = models.Transition{
			ID:               uuid.New(),
			AutomationID:     rule.ID,
			Condition:        t.Condition,
			CustomExpression: t.CustomExpression,
			NextStatus:       t.NextStatus,
			Priority:         t.Priority,
		}
	}
	rule.Transitions = transitions
}
