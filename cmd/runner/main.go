// The runner drives one workflow execution inside a container the
// dispatcher provisioned for it. It fetches its bundle over the
// token-authenticated bundle endpoint, interprets the plan against an
// in-memory store, and reports progress and the final state back to the
// orchestrator's webhook endpoint.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/foundryhq/foundry/common/compiler"
	"github.com/foundryhq/foundry/common/config"
	"github.com/foundryhq/foundry/common/dispatcher"
	"github.com/foundryhq/foundry/common/errdefs"
	"github.com/foundryhq/foundry/common/events"
	"github.com/foundryhq/foundry/common/executor"
	"github.com/foundryhq/foundry/common/expr"
	"github.com/foundryhq/foundry/common/interpreter"
	"github.com/foundryhq/foundry/common/llm"
	"github.com/foundryhq/foundry/common/logger"
	"github.com/foundryhq/foundry/common/models"
	"github.com/foundryhq/foundry/common/tracker"
)

const (
	bundleAttempts = 5
	bundleBackoff  = 2 * time.Second
	reportWindow   = time.Minute
)

// runnerEnv is the contract the dispatcher injects into the container.
type runnerEnv struct {
	executionID string
	token       string
	endpoint    string
	bundleRef   string
}

func loadRunnerEnv() (runnerEnv, error) {
	env := runnerEnv{
		executionID: os.Getenv(dispatcher.EnvExecutionID),
		token:       os.Getenv(dispatcher.EnvExecutionToken),
		endpoint:    os.Getenv(dispatcher.EnvEndpointURL),
		bundleRef:   os.Getenv(dispatcher.EnvBundleRef),
	}
	switch {
	case env.executionID == "":
		return env, fmt.Errorf("%s is not set", dispatcher.EnvExecutionID)
	case env.token == "":
		return env, fmt.Errorf("%s is not set", dispatcher.EnvExecutionToken)
	case env.endpoint == "":
		return env, fmt.Errorf("%s is not set", dispatcher.EnvEndpointURL)
	}
	return env, nil
}

func main() {
	cfg, err := config.Load("runner")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)

	env, err := loadRunnerEnv()
	if err != nil {
		log.Error("runner environment incomplete", "error", err)
		os.Exit(1)
	}
	log = log.WithExecutionID(env.executionID)

	// The platform delivers SIGTERM when the dispatcher tears the container
	// down; the interpreter stops at the next step boundary.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rep := newReporter(env.endpoint, env.executionID, env.token, log)

	bundle, err := fetchBundle(ctx, env, log)
	if err != nil {
		log.Error("failed to fetch execution bundle", "error", err)
		os.Exit(1)
	}
	log.Info("execution bundle loaded",
		"workflow_id", bundle.Execution.WorkflowID.String(),
		"project_id", bundle.Execution.ProjectID,
		"bundle_ref", env.bundleRef,
		"entry_node", bundle.Execution.CurrentNodeID,
	)

	store := newReportingStore(rep)
	if err := store.Create(ctx, bundle.Execution, false); err != nil {
		log.Error("failed to seed execution state", "error", err)
		os.Exit(1)
	}

	interp, err := buildInterpreter(cfg, store, bundle.Plan, rep, log)
	if err != nil {
		log.Error("failed to assemble interpreter", "error", err)
		os.Exit(1)
	}

	runErr := interp.Run(ctx, bundle.Execution.ID)
	if runErr != nil {
		log.Error("interpreter aborted", "error", runErr)
	}

	final, err := store.GetByID(context.Background(), bundle.Execution.ID)
	if err != nil {
		log.Error("failed to load final execution state", "error", err)
		os.Exit(1)
	}

	os.Exit(reportOutcome(rep, final, runErr, log))
}

// fetchBundle retrieves the execution bundle. The dispatcher seeds it before
// provisioning the container, so retries only cover network warm-up.
func fetchBundle(ctx context.Context, env runnerEnv, log *logger.Logger) (*dispatcher.Bundle, error) {
	url := fmt.Sprintf("%s/exec/%s/bundle", strings.TrimRight(env.endpoint, "/"), env.executionID)
	client := &http.Client{Timeout: postTimeout}

	var lastErr error
	for attempt := 1; attempt <= bundleAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(time.Duration(attempt-1) * bundleBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		bundle, err := getBundle(ctx, client, url, env.token)
		if err == nil {
			return bundle, nil
		}
		lastErr = err
		log.Warn("bundle fetch failed", "attempt", attempt, "error", err)
	}
	return nil, lastErr
}

func getBundle(ctx context.Context, client *http.Client, url, token string) (*dispatcher.Bundle, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return nil, fmt.Errorf("orchestrator returned %d: %s", resp.StatusCode, msg)
	}

	var bundle dispatcher.Bundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if bundle.Plan == nil || bundle.Execution == nil {
		return nil, errors.New("bundle is missing plan or execution state")
	}
	return &bundle, nil
}

// buildInterpreter assembles the engine around the fetched plan: the full
// executor registry, the reporting store and the activity relay sink. The
// decrypted workflow environment already rides in the container's process
// environment, so executors pick it up without extra plumbing.
func buildInterpreter(cfg *config.Config, store *reportingStore, plan *compiler.Plan, rep *reporter, log *logger.Logger) (*interpreter.Interpreter, error) {
	sandbox, err := expr.NewSandbox(cfg.Engine.SandboxTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create expression sandbox: %w", err)
	}

	llmClient := llm.NewClient(cfg.LLM, log)
	trackerClient := tracker.NewHTTPClient(cfg.Tracker, log)

	executors := executor.NewRegistry(executor.Deps{
		Provider: llmClient,
		Agent:    llmClient,
		Tracker:  trackerClient,
		Sandbox:  sandbox,
		Commands: executor.NewCommandRegistry(),
		Log:      log,
	})

	return interpreter.New(interpreter.Options{
		Store:           store,
		Plans:           interpreter.FixedPlan(plan),
		Executors:       executors,
		Sandbox:         sandbox,
		Sink:            events.SinkFunc(rep.activity),
		Log:             log,
		DefaultDeadline: cfg.Engine.WorkflowDeadline,
	}), nil
}

// reportOutcome hands the final state back. Its context is detached from the
// signal context so a teardown in flight still gets the last frame during
// the grace period.
func reportOutcome(rep *reporter, final *models.Execution, runErr error, log *logger.Logger) int {
	ctx, cancel := context.WithTimeout(context.Background(), reportWindow)
	defer cancel()

	frame := &dispatcher.WebhookPayload{Execution: final}
	exit := 0
	switch final.Status {
	case models.ExecutionWaitingUser:
		frame.Type = dispatcher.WebhookSuspend
	case models.ExecutionCompleted:
		frame.Type = dispatcher.WebhookComplete
	case models.ExecutionFailed:
		frame.Type = dispatcher.WebhookError
		frame.Error = final.LastError
		exit = 1
	default:
		// Run left the execution mid-flight: cancellation or a store
		// failure. Report it failed so the orchestrator releases the
		// workflow.
		msg := "runner exited with the execution still in flight"
		if runErr != nil {
			msg = fmt.Sprintf("runner aborted: %v", runErr)
		}
		frame.Type = dispatcher.WebhookError
		frame.Error = &models.ExecError{
			Kind:    string(errdefs.KindInternal),
			Message: msg,
			NodeID:  final.CurrentNodeID,
		}
		exit = 1
	}

	if err := rep.reportTerminal(ctx, frame); err != nil {
		log.Error("failed to deliver terminal frame", "type", frame.Type, "error", err)
		return 1
	}
	log.Info("terminal frame delivered", "type", frame.Type, "status", string(final.Status))
	return exit
}
