package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/foundryhq/foundry/cmd/foundry/container"
	"github.com/foundryhq/foundry/cmd/foundry/handlers"
	"github.com/foundryhq/foundry/cmd/foundry/middleware"
)

// RegisterExecutionRoutes registers execution lifecycle and streaming routes
func RegisterExecutionRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewExecutionHandler(c.Workflows, c.Plans, c.Dispatcher, c.Interpreter, c.ExecutionRepo, c.Sealer)
	s := handlers.NewStreamHandler(c.ExecutionRepo, c.Bus, c.Components.Logger)

	ex := e.Group("/api/v1/executions")
	ex.Use(middleware.ExtractProject()) // Extract X-Project-ID into context
	{
		ex.POST("", h.StartExecution)             // POST /api/v1/executions
		ex.GET("/:id", h.GetExecution)            // GET /api/v1/executions/{id}
		ex.GET("/:id/history", h.GetHistory)      // GET /api/v1/executions/{id}/history
		ex.GET("/:id/events", s.StreamEvents)     // GET /api/v1/executions/{id}/events (SSE)
		ex.GET("/:id/ws", s.StreamWS)             // GET /api/v1/executions/{id}/ws
		ex.POST("/:id/answer", h.SubmitAnswer)    // POST /api/v1/executions/{id}/answer
		ex.POST("/:id/skip", h.SkipQuestion)      // POST /api/v1/executions/{id}/skip
		ex.POST("/:id/pause", h.PauseExecution)   // POST /api/v1/executions/{id}/pause
		ex.POST("/:id/resume", h.ResumeExecution) // POST /api/v1/executions/{id}/resume
		ex.POST("/:id/cancel", h.CancelExecution) // POST /api/v1/executions/{id}/cancel
		ex.POST("/:id/retry", h.RetryStep)        // POST /api/v1/executions/{id}/retry
	}

	// Execution listing hangs off the owning workflow.
	wf := e.Group("/api/v1/workflows")
	wf.Use(middleware.ExtractProject())
	{
		wf.GET("/:id/executions", h.ListExecutions) // GET /api/v1/workflows/{id}/executions
	}
}
