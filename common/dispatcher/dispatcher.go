// Package dispatcher routes a compiled plan to its execution venue: the
// in-process interpreter, or an ephemeral container on the hosting platform
// that reports back over token-authenticated webhooks. The dispatcher owns
// the remote lifecycle end to end: token mint, bundle publication, service
// creation, deployment polling, webhook reconciliation and teardown.
package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foundryhq/foundry/common/compiler"
	"github.com/foundryhq/foundry/common/errdefs"
	"github.com/foundryhq/foundry/common/events"
	"github.com/foundryhq/foundry/common/interpreter"
	"github.com/foundryhq/foundry/common/logger"
	"github.com/foundryhq/foundry/common/models"
	"github.com/foundryhq/foundry/common/platform"
	"github.com/foundryhq/foundry/common/secrets"
	"github.com/foundryhq/foundry/common/telemetry"
	"github.com/foundryhq/foundry/common/token"
)

// Container environment variables handed to remote runners.
const (
	EnvExecutionToken = "FOUNDRY_EXECUTION_TOKEN"
	EnvExecutionID    = "FOUNDRY_EXECUTION_ID"
	EnvBundleRef      = "FOUNDRY_BUNDLE_REF"
	EnvEndpointURL    = "FOUNDRY_ENDPOINT_URL"
)

// Bundle is the JSON document a remote runner boots from: the compiled plan
// plus the pre-seeded execution state.
type Bundle struct {
	Plan      *compiler.Plan    `json:"plan"`
	Execution *models.Execution `json:"execution"`
}

// KV is the slice of the Redis client the dispatcher uses for token validity
// markers and plan bundles.
type KV interface {
	Set(ctx context.Context, key, value string, expiry time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

func tokenKey(executionID string) string { return "exectoken:" + executionID }
func bundleKey(executionID string) string { return "bundle:" + executionID }

// Options carries the dispatcher's collaborators and remote tuning.
type Options struct {
	Interp   *interpreter.Interpreter
	Store    interpreter.Store
	Platform platform.Client
	Tokens   *token.Manager
	KV       KV
	Sealer   *secrets.Sealer
	Sink     events.Sink
	Metrics  *telemetry.Metrics
	Log      *logger.Logger

	// BaseURL is this service's externally reachable address, handed to
	// containers as the webhook endpoint.
	BaseURL string
	// DefaultImage runs workflows that select remote execution without
	// naming an image.
	DefaultImage string

	PollInitial  time.Duration
	PollMax      time.Duration
	PollDeadline time.Duration
	TokenTTL     time.Duration
}

// Dispatcher selects and drives execution venues.
type Dispatcher struct {
	interp   *interpreter.Interpreter
	store    interpreter.Store
	platform platform.Client
	tokens   *token.Manager
	kv       KV
	sealer   *secrets.Sealer
	sink     events.Sink
	metrics  *telemetry.Metrics
	log      *logger.Logger

	baseURL      string
	defaultImage string
	pollInitial  time.Duration
	pollMax      time.Duration
	pollDeadline time.Duration
	tokenTTL     time.Duration

	mu       sync.Mutex
	services map[string]string // executionID -> platform service id
}

// New creates a dispatcher.
func New(opts Options) *Dispatcher {
	sink := opts.Sink
	if sink == nil {
		sink = events.SinkFunc(func(events.Event) {})
	}
	pollInitial := opts.PollInitial
	if pollInitial <= 0 {
		pollInitial = 5 * time.Second
	}
	pollMax := opts.PollMax
	if pollMax <= 0 {
		pollMax = 30 * time.Second
	}
	pollDeadline := opts.PollDeadline
	if pollDeadline <= 0 {
		pollDeadline = 5 * time.Minute
	}
	tokenTTL := opts.TokenTTL
	if tokenTTL <= 0 || tokenTTL > token.MaxTTL {
		tokenTTL = token.MaxTTL
	}
	return &Dispatcher{
		interp:       opts.Interp,
		store:        opts.Store,
		platform:     opts.Platform,
		tokens:       opts.Tokens,
		kv:           opts.KV,
		sealer:       opts.Sealer,
		sink:         sink,
		metrics:      opts.Metrics,
		log:          opts.Log,
		baseURL:      opts.BaseURL,
		defaultImage: opts.DefaultImage,
		pollInitial:  pollInitial,
		pollMax:      pollMax,
		pollDeadline: pollDeadline,
		tokenTTL:     tokenTTL,
		services:     make(map[string]string),
	}
}

// ExecuteRequest asks for one execution of a compiled plan. ExecutionID may
// be preset by callers that need the id before launch (the automation router
// locks and subscribes on it first); zero means mint one.
type ExecuteRequest struct {
	ExecutionID     uuid.UUID
	Workflow        *models.Workflow
	Plan            *compiler.Plan
	ProjectID       string
	InitialContext  map[string]any
	AllowConcurrent bool
}

// Execute starts an execution on the venue the workflow selects. The local
// path returns as soon as the drive loop is launched; the remote path
// returns once the container service is requested, with deployment polling
// continuing in the background.
func (d *Dispatcher) Execute(ctx context.Context, req ExecuteRequest) (*models.Execution, error) {
	env, err := d.decryptEnv(req.Workflow)
	if err != nil {
		return nil, err
	}

	if req.Workflow.Remote() {
		return d.executeRemote(ctx, req, env)
	}

	exec, err := d.interp.Start(ctx, req.Plan, interpreter.StartOptions{
		ExecutionID:     req.ExecutionID,
		ProjectID:       req.ProjectID,
		InitialContext:  req.InitialContext,
		Env:             env,
		AllowConcurrent: req.AllowConcurrent,
	})
	if err != nil {
		return nil, err
	}
	d.Drive(exec.ID)
	return exec, nil
}

// Drive runs the interpreter loop for a local execution in the background.
// Callers use it after any operation that moves an execution back to
// running: start, answer, skip, resume, retry.
func (d *Dispatcher) Drive(id uuid.UUID) {
	go func() {
		if err := d.interp.Run(context.Background(), id); err != nil {
			d.log.Error("execution drive loop ended", "execution_id", id.String(), "error", err)
		}
	}()
}

func (d *Dispatcher) decryptEnv(wf *models.Workflow) (map[string]string, error) {
	if len(wf.EncryptedEnv) == 0 {
		return nil, nil
	}
	if d.sealer == nil {
		return nil, errdefs.New(errdefs.KindInternal, "workflow has an encrypted environment but no encryption key is configured")
	}
	env, err := d.sealer.OpenEnv(wf.EncryptedEnv)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "failed to decrypt workflow environment")
	}
	return env, nil
}

func (d *Dispatcher) executeRemote(ctx context.Context, req ExecuteRequest, env map[string]string) (*models.Execution, error) {
	exec, err := interpreter.NewExecution(req.Plan, interpreter.StartOptions{
		ExecutionID:    req.ExecutionID,
		ProjectID:      req.ProjectID,
		InitialContext: req.InitialContext,
	})
	if err != nil {
		return nil, err
	}
	if err := d.store.Create(ctx, exec, !req.AllowConcurrent); err != nil {
		return nil, err
	}
	id := exec.ID.String()

	signed, err := d.tokens.Mint(id, exec.WorkflowID.String())
	if err != nil {
		return nil, d.abortRemote(ctx, exec, errdefs.Wrap(errdefs.KindInternal, err, "failed to mint execution token"))
	}

	bundle, err := json.Marshal(Bundle{Plan: req.Plan, Execution: exec})
	if err != nil {
		return nil, d.abortRemote(ctx, exec, errdefs.Wrap(errdefs.KindInternal, err, "failed to encode plan bundle"))
	}
	if err := d.kv.Set(ctx, bundleKey(id), string(bundle), d.tokenTTL); err != nil {
		return nil, d.abortRemote(ctx, exec, errdefs.Wrap(errdefs.KindPlatform, err, "failed to publish plan bundle"))
	}
	// The validity marker must exist before the container can post its
	// first webhook.
	if err := d.kv.Set(ctx, tokenKey(id), "", d.tokenTTL); err != nil {
		return nil, d.abortRemote(ctx, exec, errdefs.Wrap(errdefs.KindPlatform, err, "failed to register execution token"))
	}

	// "default" lets a workflow opt into remote execution on the
	// operator-configured runner image without naming one.
	image := req.Workflow.DockerImage
	if image == "" || image == "default" {
		image = d.defaultImage
	}
	variables := make(map[string]string, len(env)+4)
	for k, v := range env {
		variables[k] = v
	}
	variables[EnvExecutionToken] = signed
	variables[EnvExecutionID] = id
	variables[EnvBundleRef] = bundleKey(id)
	variables[EnvEndpointURL] = d.baseURL

	svc, err := d.platform.CreateService(ctx, platform.CreateServiceRequest{
		Name:      "exec-" + id,
		Image:     image,
		Variables: variables,
	})
	if err != nil {
		return nil, d.abortRemote(ctx, exec, errdefs.Wrap(errdefs.KindPlatform, err, "failed to create execution container"))
	}

	d.mu.Lock()
	d.services[id] = svc.ID
	d.mu.Unlock()
	// Record the service id on the validity marker so any replica can tear
	// the container down.
	if err := d.kv.Set(ctx, tokenKey(id), svc.ID, d.tokenTTL); err != nil {
		d.log.Error("failed to record service id", "execution_id", id, "error", err)
	}

	d.metrics.ExecutionStarted()
	d.log.Info("remote execution dispatched",
		"execution_id", id,
		"workflow_id", exec.WorkflowID.String(),
		"service_id", svc.ID,
		"image", image,
	)

	go d.pollDeployment(exec.ID, svc.ID)
	return exec, nil
}

// abortRemote fails a freshly created remote execution that never reached
// its container, cleaning up whatever was already published.
func (d *Dispatcher) abortRemote(ctx context.Context, exec *models.Execution, cause error) error {
	d.failRemote(ctx, exec.ID, cause)
	d.cleanupRefs(ctx, exec.ID.String())
	return cause
}

// pollDeployment watches a container deployment until it reaches a terminal
// status or the deadline passes. Backoff doubles from the initial interval
// up to the cap.
func (d *Dispatcher) pollDeployment(execID uuid.UUID, serviceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.pollDeadline)
	defer cancel()

	interval := d.pollInitial
	for {
		select {
		case <-ctx.Done():
			d.log.Warn("deployment deadline passed",
				"execution_id", execID.String(), "service_id", serviceID)
			cleanupCtx, cancelCleanup := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancelCleanup()
			d.failRemote(cleanupCtx, execID, errdefs.Newf(errdefs.KindDeploymentTimeout,
				"container deployment did not finish within %s", d.pollDeadline))
			d.Teardown(cleanupCtx, execID.String())
			return
		case <-time.After(interval):
		}

		status, err := d.platform.DeploymentStatus(ctx, serviceID)
		if err != nil {
			d.log.Warn("deployment status poll failed",
				"execution_id", execID.String(), "service_id", serviceID, "error", err)
		} else {
			switch status {
			case platform.StatusSuccess:
				d.log.Info("container deployed",
					"execution_id", execID.String(), "service_id", serviceID)
				d.touch(ctx, execID)
				return
			case platform.StatusFailed, platform.StatusCrashed:
				d.failRemote(ctx, execID, errdefs.Newf(errdefs.KindPlatform,
					"container deployment ended as %s", status))
				d.Teardown(ctx, execID.String())
				return
			}
		}

		interval *= 2
		if interval > d.pollMax {
			interval = d.pollMax
		}
	}
}

// touch refreshes the activity stamp so the staleness sweeper leaves a
// still-deploying or freshly deployed execution alone.
func (d *Dispatcher) touch(ctx context.Context, execID uuid.UUID) {
	exec, err := d.store.GetByID(ctx, execID)
	if err != nil || exec.Status.Terminal() {
		return
	}
	exec.LastActivityAt = time.Now().UTC()
	if err := d.store.Update(ctx, exec); err != nil {
		d.log.Error("failed to refresh execution activity", "execution_id", execID.String(), "error", err)
	}
}

// failRemote marks a remote execution failed unless a webhook already
// finished it, and surfaces the failure on the event stream.
func (d *Dispatcher) failRemote(ctx context.Context, execID uuid.UUID, cause error) {
	exec, err := d.store.GetByID(ctx, execID)
	if err != nil {
		d.log.Error("failed to load execution for failure",
			"execution_id", execID.String(), "error", err)
		return
	}
	if exec.Status.Terminal() {
		return
	}

	now := time.Now().UTC()
	execErr := &models.ExecError{
		Kind:    string(errdefs.KindOf(cause)),
		Message: cause.Error(),
		NodeID:  exec.CurrentNodeID,
	}
	exec.Status = models.ExecutionFailed
	exec.LastError = execErr
	exec.CompletedAt = &now
	exec.LastActivityAt = now
	seq := interpreter.NextSeq(exec)
	if err := d.store.Update(ctx, exec); err != nil {
		d.log.Error("failed to persist remote failure",
			"execution_id", execID.String(), "error", err)
		return
	}

	d.sink.Emit(events.Event{
		ExecutionID: execID.String(),
		Seq:         seq,
		Type:        events.TypeWorkflowError,
		Payload: map[string]any{
			"status": string(models.ExecutionFailed),
			"error": map[string]any{
				"kind":    execErr.Kind,
				"message": execErr.Message,
				"nodeId":  execErr.NodeID,
			},
		},
	})
	d.metrics.ExecutionFailed()
	d.log.Warn("remote execution failed",
		"execution_id", execID.String(),
		"error_kind", execErr.Kind,
		"error", execErr.Message,
	)
}

// Cancel stops an execution on whichever venue runs it. Remote executions
// are failed and their container torn down; local ones go through the
// interpreter's cancel intent.
func (d *Dispatcher) Cancel(ctx context.Context, id uuid.UUID) (*models.Execution, error) {
	if _, remote := d.serviceFor(ctx, id.String()); remote {
		d.failRemote(ctx, id, errdefs.New(errdefs.KindCancelled, "execution cancelled"))
		d.Teardown(ctx, id.String())
		return d.store.GetByID(ctx, id)
	}
	return d.interp.Cancel(ctx, id)
}

// Teardown deletes the execution's container service, if any, and
// invalidates its token and bundle. Safe to call repeatedly.
func (d *Dispatcher) Teardown(ctx context.Context, executionID string) {
	if serviceID, ok := d.serviceFor(ctx, executionID); ok && serviceID != "" {
		if err := d.platform.DeleteService(ctx, serviceID); err != nil {
			d.log.Error("failed to delete container service",
				"execution_id", executionID, "service_id", serviceID, "error", err)
		}
	}
	d.cleanupRefs(ctx, executionID)
}

// serviceFor resolves the platform service of a remote execution; ok is
// false for local executions and unknown ids.
func (d *Dispatcher) serviceFor(ctx context.Context, executionID string) (string, bool) {
	d.mu.Lock()
	serviceID, ok := d.services[executionID]
	d.mu.Unlock()
	if ok {
		return serviceID, true
	}
	if exists, err := d.kv.Exists(ctx, tokenKey(executionID)); err != nil || !exists {
		return "", false
	}
	serviceID, err := d.kv.Get(ctx, tokenKey(executionID))
	if err != nil {
		return "", true
	}
	return serviceID, true
}

func (d *Dispatcher) cleanupRefs(ctx context.Context, executionID string) {
	d.mu.Lock()
	delete(d.services, executionID)
	d.mu.Unlock()
	if err := d.kv.Delete(ctx, tokenKey(executionID), bundleKey(executionID)); err != nil {
		d.log.Error("failed to delete execution refs", "execution_id", executionID, "error", err)
	}
}

// FetchBundle serves the plan bundle a container boots from. The same bearer
// token that authorizes webhooks authorizes the fetch.
func (d *Dispatcher) FetchBundle(ctx context.Context, executionID, bearer string) ([]byte, error) {
	if err := d.authorize(ctx, executionID, bearer); err != nil {
		return nil, err
	}
	raw, err := d.kv.Get(ctx, bundleKey(executionID))
	if err != nil {
		return nil, errdefs.Newf(errdefs.KindNotFound, "no bundle for execution %s", executionID)
	}
	return []byte(raw), nil
}
