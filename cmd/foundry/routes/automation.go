package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/foundryhq/foundry/cmd/foundry/container"
	"github.com/foundryhq/foundry/cmd/foundry/handlers"
	"github.com/foundryhq/foundry/cmd/foundry/middleware"
)

// RegisterAutomationRoutes registers automation CRUD, manual trigger and the
// tracker status hook
func RegisterAutomationRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewAutomationHandler(c.AutomationRepo, c.Router, c.Components.Queue, c.Components.Logger)

	am := e.Group("/api/v1/automations")
	am.Use(middleware.ExtractProject()) // Extract X-Project-ID into context
	{
		am.GET("", h.ListAutomations)                // GET /api/v1/automations
		am.POST("", h.CreateAutomation)              // POST /api/v1/automations
		am.GET("/:id", h.GetAutomation)              // GET /api/v1/automations/{id}
		am.PUT("/:id", h.UpdateAutomation)           // PUT /api/v1/automations/{id}
		am.DELETE("/:id", h.DeleteAutomation)        // DELETE /api/v1/automations/{id}
		am.POST("/:id/trigger", h.TriggerAutomation) // POST /api/v1/automations/{id}/trigger
	}

	// The tracker hook carries its project in the payload, not the header.
	e.POST("/api/v1/hooks/tracker", h.TrackerHook)
}
