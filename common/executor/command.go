package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/foundryhq/foundry/common/errdefs"
	"github.com/foundryhq/foundry/common/expr"
	"github.com/foundryhq/foundry/common/logger"
	"github.com/foundryhq/foundry/common/ports"
)

// CommandExecutor runs a shell command line. The workflow environment and
// any config env entries are appended to the process environment; a mapped
// input value is piped to stdin.
type CommandExecutor struct {
	log *logger.Logger
}

// NewCommandExecutor creates the command executor
func NewCommandExecutor(log *logger.Logger) *CommandExecutor {
	return &CommandExecutor{log: log}
}

func (e *CommandExecutor) Kind() ports.Kind { return ports.KindCommand }

func (e *CommandExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	command := configString(req.Config, "command")
	if command == "" {
		return nil, errdefs.Newf(errdefs.KindValidation, "node %q has no command", req.NodeID)
	}

	timeout := time.Duration(0)
	if secs, ok := configNumber(req.Config, "timeout"); ok && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	if cwd := configString(req.Config, "cwd"); cwd != "" {
		cmd.Dir = cwd
	}
	cmd.Env = buildEnv(req)

	if input, ok := req.Inputs["input"]; ok {
		cmd.Stdin = strings.NewReader(expr.Stringify(input))
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		return nil, errdefs.Newf(errdefs.KindCommandTimeout, "command exceeded %s timeout", timeout)
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("failed to run command: %w", err)
		}
	}

	e.log.Debug("command finished",
		"node_id", req.NodeID,
		"exit_code", exitCode,
		"duration_ms", elapsed.Milliseconds(),
	)

	if exitCode != 0 && configBool(req.Config, "throwOnError") {
		return nil, errdefs.Newf(errdefs.KindInternal, "command exited with code %d: %s", exitCode, truncate(stderr.String(), 512))
	}

	return &Result{
		Outputs: map[string]any{
			"stdout":   stdout.String(),
			"stderr":   stderr.String(),
			"exitCode": exitCode,
		},
	}, nil
}

func buildEnv(req *Request) []string {
	env := os.Environ()
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}
	if extra, ok := req.Config["env"].(map[string]any); ok {
		for k, v := range extra {
			env = append(env, k+"="+expr.Stringify(v))
		}
	}
	return env
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[:n]
	}
	return s
}

// DynamicCommandExecutor evaluates a command expression against the
// execution context, then delegates to the command executor.
type DynamicCommandExecutor struct {
	sandbox  *expr.Sandbox
	delegate *CommandExecutor
}

// NewDynamicCommandExecutor creates the dynamic-command executor
func NewDynamicCommandExecutor(sandbox *expr.Sandbox, delegate *CommandExecutor) *DynamicCommandExecutor {
	return &DynamicCommandExecutor{sandbox: sandbox, delegate: delegate}
}

func (e *DynamicCommandExecutor) Kind() ports.Kind { return ports.KindDynamicCommand }

func (e *DynamicCommandExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	resolved, err := resolveDynamicConfig(e.sandbox, req, map[string]string{
		"commandExpression": "command",
	})
	if err != nil {
		return nil, err
	}

	delegated := *req
	delegated.Config = resolved
	return e.delegate.Execute(ctx, &delegated)
}
