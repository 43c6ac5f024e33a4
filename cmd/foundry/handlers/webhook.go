package handlers

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/foundryhq/foundry/common/dispatcher"
)

// WebhookHandler receives reports from remote execution containers. Both
// endpoints are authenticated by the execution token the dispatcher minted
// for the container, not by project scope.
type WebhookHandler struct {
	disp *dispatcher.Dispatcher
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(disp *dispatcher.Dispatcher) *WebhookHandler {
	return &WebhookHandler{disp: disp}
}

// ReceiveEvent applies one container report to the execution state.
// POST /exec/:executionId/event
func (h *WebhookHandler) ReceiveEvent(c echo.Context) error {
	executionID := c.Param("executionId")
	var payload dispatcher.WebhookPayload
	if err := c.Bind(&payload); err != nil {
		return badRequest("invalid webhook payload")
	}

	exec, err := h.disp.ApplyWebhook(c.Request().Context(), executionID, bearerToken(c), &payload)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"executionId": exec.ID,
		"status":      exec.Status,
	})
}

// FetchBundle serves the plan bundle a starting container loads its work
// from. The body is the bundle JSON exactly as the dispatcher stored it.
// GET /exec/:executionId/bundle
func (h *WebhookHandler) FetchBundle(c echo.Context) error {
	executionID := c.Param("executionId")
	raw, err := h.disp.FetchBundle(c.Request().Context(), executionID, bearerToken(c))
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, raw)
}

func bearerToken(c echo.Context) string {
	auth := c.Request().Header.Get(echo.HeaderAuthorization)
	return strings.TrimPrefix(auth, "Bearer ")
}
