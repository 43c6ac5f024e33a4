package container

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/foundryhq/foundry/cmd/foundry/service"
	"github.com/foundryhq/foundry/common/automation"
	"github.com/foundryhq/foundry/common/bootstrap"
	"github.com/foundryhq/foundry/common/dispatcher"
	"github.com/foundryhq/foundry/common/events"
	"github.com/foundryhq/foundry/common/executor"
	"github.com/foundryhq/foundry/common/expr"
	"github.com/foundryhq/foundry/common/interpreter"
	"github.com/foundryhq/foundry/common/llm"
	"github.com/foundryhq/foundry/common/models"
	"github.com/foundryhq/foundry/common/platform"
	"github.com/foundryhq/foundry/common/repository"
	"github.com/foundryhq/foundry/common/secrets"
	"github.com/foundryhq/foundry/common/telemetry"
	"github.com/foundryhq/foundry/common/token"
	"github.com/foundryhq/foundry/common/tracker"
)

// Container holds all initialized repositories, engine components and
// services (singleton pattern)
type Container struct {
	// Components
	Components *bootstrap.Components

	// Repositories
	WorkflowRepo   *repository.WorkflowRepository
	ExecutionRepo  *repository.ExecutionRepository
	AutomationRepo *repository.AutomationRepository
	LockRepo       *repository.LockRepository

	// Engine
	Bus         *events.Bus
	Relay       *events.Relay
	Sealer      *secrets.Sealer
	Tokens      *token.Manager
	Sandbox     *expr.Sandbox
	Executors   *executor.Registry
	Interpreter *interpreter.Interpreter
	Dispatcher  *dispatcher.Dispatcher
	Router      *automation.Router

	// Services
	Workflows *service.WorkflowService
	Plans     *service.PlanService

	// Sweepers
	StaleSweeper *interpreter.Sweeper
	LockSweeper  *automation.LockSweeper
}

// NewContainer initializes all services and repositories once
func NewContainer(components *bootstrap.Components) (*Container, error) {
	cfg := components.Config
	log := components.Logger

	// Initialize repositories
	workflowRepo := repository.NewWorkflowRepository(components.DB)
	executionRepo := repository.NewExecutionRepository(components.DB)
	automationRepo := repository.NewAutomationRepository(components.DB)
	lockRepo := repository.NewLockRepository(components.DB)

	// Without an encryption key the service still runs, but workflows cannot
	// carry encrypted environments. Validate() rejects this in production.
	var sealer *secrets.Sealer
	if cfg.Security.EncryptionKey != "" {
		var err error
		sealer, err = secrets.NewSealer(cfg.Security.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create sealer: %w", err)
		}
	} else {
		log.Warn("FOUNDRY_ENCRYPTION_KEY not set; workflow environments cannot be stored")
	}

	tokenSecret := cfg.Security.TokenSecret
	if tokenSecret == "" {
		tokenSecret = ephemeralSecret()
		log.Warn("FOUNDRY_TOKEN_SECRET not set; using an ephemeral signing secret")
	}
	tokens, err := token.NewManager(tokenSecret, cfg.Security.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create token manager: %w", err)
	}

	sandbox, err := expr.NewSandbox(cfg.Engine.SandboxTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create expression sandbox: %w", err)
	}

	// Event plumbing: the in-process bus feeds this replica's subscribers,
	// the relay mirrors every emission through Redis for the others.
	bus := events.NewBus()
	relay := events.NewRelay(components.Redis, bus, log)

	var metrics *telemetry.Metrics
	if components.Telemetry != nil {
		metrics = components.Telemetry.Metrics
	}

	// External clients
	llmClient := llm.NewClient(cfg.LLM, log)
	platformClient := platform.NewHTTPClient(cfg.Platform, log)
	trackerClient := tracker.NewHTTPClient(cfg.Tracker, log)

	executors := executor.NewRegistry(executor.Deps{
		Provider: llmClient,
		Agent:    llmClient,
		Tracker:  trackerClient,
		Sandbox:  sandbox,
		Commands: executor.NewCommandRegistry(),
		Log:      log,
	})

	// Initialize services (bottom-up: dependencies first)
	planService := service.NewPlanService(workflowRepo, components.Cache, cfg.Engine.PlanCacheTTL, log)
	workflowService := service.NewWorkflowService(workflowRepo, sealer, llmClient, log)

	interp := interpreter.New(interpreter.Options{
		Store:           executionRepo,
		Plans:           planService,
		Executors:       executors,
		Sandbox:         sandbox,
		Sink:            relay,
		Log:             log,
		Metrics:         metrics,
		DefaultDeadline: cfg.Engine.WorkflowDeadline,
	})

	disp := dispatcher.New(dispatcher.Options{
		Interp:       interp,
		Store:        executionRepo,
		Platform:     platformClient,
		Tokens:       tokens,
		KV:           components.Redis,
		Sealer:       sealer,
		Sink:         relay,
		Metrics:      metrics,
		Log:          log,
		BaseURL:      cfg.Service.BaseURL,
		DefaultImage: cfg.Platform.DefaultImage,
		PollInitial:  cfg.Platform.PollInitial,
		PollMax:      cfg.Platform.PollMax,
		PollDeadline: cfg.Platform.PollDeadline,
		TokenTTL:     cfg.Security.TokenTTL,
	})

	router := automation.NewRouter(automation.Options{
		Rules:     automationRepo,
		Workflows: workflowRepo,
		Locks:     lockRepo,
		Tracker:   trackerClient,
		Launcher:  disp,
		Store:     executionRepo,
		Bus:       bus,
		Sandbox:   sandbox,
		Metrics:   metrics,
		Log:       log,
	})

	staleSweeper := interpreter.NewSweeper(executionRepo, log, cfg.Engine.StaleThreshold, cfg.Engine.SweepInterval)
	lockSweeper := automation.NewLockSweeper(lockRepo, log, cfg.Engine.LockTTL, cfg.Engine.SweepInterval)

	return &Container{
		Components:     components,
		WorkflowRepo:   workflowRepo,
		ExecutionRepo:  executionRepo,
		AutomationRepo: automationRepo,
		LockRepo:       lockRepo,
		Bus:            bus,
		Relay:          relay,
		Sealer:         sealer,
		Tokens:         tokens,
		Sandbox:        sandbox,
		Executors:      executors,
		Interpreter:    interp,
		Dispatcher:     disp,
		Router:         router,
		Workflows:      workflowService,
		Plans:          planService,
		StaleSweeper:   staleSweeper,
		LockSweeper:    lockSweeper,
	}, nil
}

// Start launches the background machinery: the cross-replica event relay,
// both sweepers and the status-change subscriber feeding the automation
// router. Everything stops when ctx is cancelled.
func (c *Container) Start(ctx context.Context) error {
	log := c.Components.Logger

	go func() {
		if err := c.Relay.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("event relay stopped", "error", err)
		}
	}()
	go c.StaleSweeper.Run(ctx)
	go c.LockSweeper.Run(ctx)

	return c.Components.Queue.Subscribe(ctx, automation.TopicStatusChanges,
		func(ctx context.Context, key string, value []byte) error {
			var change models.StatusChange
			if err := json.Unmarshal(value, &change); err != nil {
				return fmt.Errorf("malformed status change for issue %s: %w", key, err)
			}
			return c.Router.HandleStatusChange(ctx, change)
		})
}

// ephemeralSecret mints a process-lifetime signing secret for development.
// Tokens minted with it die with the process.
func ephemeralSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("failed to read random bytes: %v", err))
	}
	return base64.StdEncoding.EncodeToString(buf)
}
