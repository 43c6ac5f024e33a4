package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/foundryhq/foundry/cmd/foundry/container"
	"github.com/foundryhq/foundry/cmd/foundry/handlers"
)

// RegisterWebhookRoutes registers the container-facing endpoints. They are
// authenticated by execution token, so no project middleware applies.
func RegisterWebhookRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewWebhookHandler(c.Dispatcher)

	ex := e.Group("/exec")
	{
		ex.POST("/:executionId/event", h.ReceiveEvent) // POST /exec/{executionId}/event
		ex.GET("/:executionId/bundle", h.FetchBundle)  // GET /exec/{executionId}/bundle
	}
}
