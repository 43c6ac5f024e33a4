package main

import (
	"context"
	"fmt"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/foundryhq/foundry/cmd/foundry/container"
	"github.com/foundryhq/foundry/cmd/foundry/handlers"
	"github.com/foundryhq/foundry/cmd/foundry/routes"
	"github.com/foundryhq/foundry/common/bootstrap"
	"github.com/foundryhq/foundry/common/db"
	"github.com/foundryhq/foundry/common/repository"
	"github.com/foundryhq/foundry/common/server"
)

func main() {
	ctx := context.Background()

	// Bootstrap common components (DB, logger, redis, queue, cache, telemetry)
	components, err := bootstrap.Setup(ctx, "foundry",
		bootstrap.WithDBInitHook(func(database *db.DB) error {
			return repository.InitSchema(context.Background(), database)
		}))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap foundry: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	// Initialize service container (singleton pattern - all services created once)
	serviceContainer, err := container.NewContainer(components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize service container: %v\n", err)
		os.Exit(1)
	}

	// Launch the relay, sweepers and status-change subscriber
	if err := serviceContainer.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start background machinery: %v\n", err)
		os.Exit(1)
	}

	// Initialize Echo server
	e := setupEcho(serviceContainer)

	// Setup middleware
	setupMiddleware(e)

	// Setup health and readiness checks
	setupHealthCheck(e, components)

	// Register all routes
	registerRoutes(e, serviceContainer)

	// Start server
	startServer(e, components)
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho(serviceContainer *container.Container) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = handlers.ErrorHandler(serviceContainer.Components.Logger)
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
}

// setupHealthCheck registers the liveness and readiness endpoints
func setupHealthCheck(e *echo.Echo, components *bootstrap.Components) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(200, map[string]string{
			"status":  "ok",
			"service": "foundry",
		})
	})
	e.GET("/ready", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(503, map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
		}
		return c.JSON(200, map[string]string{
			"status": "ready",
		})
	})
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, serviceContainer *container.Container) {
	routes.RegisterWorkflowRoutes(e, serviceContainer)
	routes.RegisterExecutionRoutes(e, serviceContainer)
	routes.RegisterAutomationRoutes(e, serviceContainer)
	routes.RegisterWebhookRoutes(e, serviceContainer)
}

// startServer runs the API listener until a shutdown signal drains it
func startServer(e *echo.Echo, components *bootstrap.Components) {
	srv := server.New("foundry api", components.Config.Service.Port, e, components.Logger)
	if err := srv.Start(); err != nil {
		components.Logger.Error("Server error", "error", err)
		os.Exit(1)
	}
}
