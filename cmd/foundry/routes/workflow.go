package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/foundryhq/foundry/cmd/foundry/container"
	"github.com/foundryhq/foundry/cmd/foundry/handlers"
	"github.com/foundryhq/foundry/cmd/foundry/middleware"
)

// RegisterWorkflowRoutes registers all workflow-related routes
func RegisterWorkflowRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewWorkflowHandler(c.Workflows)

	wf := e.Group("/api/v1/workflows")
	wf.Use(middleware.ExtractProject()) // Extract X-Project-ID into context
	{
		wf.GET("", h.ListWorkflows)                             // GET /api/v1/workflows
		wf.POST("", h.CreateWorkflow)                           // POST /api/v1/workflows
		wf.POST("/validate", h.ValidateWorkflow)                // POST /api/v1/workflows/validate
		wf.GET("/:id", h.GetWorkflow)                           // GET /api/v1/workflows/{id}
		wf.PUT("/:id", h.UpdateWorkflow)                        // PUT /api/v1/workflows/{id}
		wf.PATCH("/:id", h.PatchWorkflow)                       // PATCH /api/v1/workflows/{id}
		wf.DELETE("/:id", h.DeleteWorkflow)                     // DELETE /api/v1/workflows/{id}
		wf.POST("/:id/duplicate", h.DuplicateWorkflow)          // POST /api/v1/workflows/{id}/duplicate
		wf.POST("/:id/regenerate", h.RegenerateWorkflow)        // POST /api/v1/workflows/{id}/regenerate
		wf.POST("/:id/regenerate-llm", h.RegenerateWorkflowLLM) // POST /api/v1/workflows/{id}/regenerate-llm
	}
}
