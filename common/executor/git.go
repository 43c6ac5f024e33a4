package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/foundryhq/foundry/common/errdefs"
	"github.com/foundryhq/foundry/common/expr"
	"github.com/foundryhq/foundry/common/logger"
	"github.com/foundryhq/foundry/common/ports"
)

// GitCheckoutExecutor clones a repository into the working area so later
// command nodes can operate on it. Owner and repo fall back to the issue
// fields an automation placed in the execution context.
type GitCheckoutExecutor struct {
	workDir string
	log     *logger.Logger
}

// NewGitCheckoutExecutor creates the git-checkout executor
func NewGitCheckoutExecutor(workDir string, log *logger.Logger) *GitCheckoutExecutor {
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &GitCheckoutExecutor{workDir: workDir, log: log}
}

func (e *GitCheckoutExecutor) Kind() ports.Kind { return ports.KindGitCheckout }

func (e *GitCheckoutExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	owner := e.resolve(req, "owner", "issueOwner")
	repo := e.resolve(req, "repo", "issueRepo")
	if owner == "" || repo == "" {
		return nil, errdefs.Newf(errdefs.KindPortUnresolved, "node %q cannot resolve repository owner and name", req.NodeID)
	}
	ref := e.resolve(req, "ref", "")

	dest := filepath.Join(e.workDir, req.ExecutionID, repo)

	if configBool(req.Config, "skipIfExists") {
		if _, err := os.Stat(filepath.Join(dest, ".git")); err == nil {
			commit, err := e.headCommit(ctx, dest)
			if err != nil {
				return nil, err
			}
			return checkoutResult(dest, commit), nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkout dir: %w", err)
	}

	cloneURL := configString(req.Config, "cloneUrl")
	if cloneURL == "" {
		cloneURL = fmt.Sprintf("https://github.com/%s/%s.git", owner, repo)
	}

	args := []string{"clone", "--depth", "1"}
	if ref != "" {
		args = append(args, "--branch", ref)
	}
	args = append(args, cloneURL, dest)

	if err := e.git(ctx, req, args...); err != nil {
		return nil, err
	}

	commit, err := e.headCommit(ctx, dest)
	if err != nil {
		return nil, err
	}

	e.log.Info("repository checked out",
		"node_id", req.NodeID,
		"repo", owner+"/"+repo,
		"ref", ref,
		"commit", commit,
	)

	return checkoutResult(dest, commit), nil
}

// resolve looks up a value by input port, then node config, then the
// execution context under contextKey.
func (e *GitCheckoutExecutor) resolve(req *Request, key, contextKey string) string {
	if v := inputString(req.Inputs, key); v != "" {
		return v
	}
	if v := configString(req.Config, key); v != "" {
		return v
	}
	if contextKey != "" {
		if v, ok := req.Context[contextKey]; ok {
			return expr.Stringify(v)
		}
	}
	return ""
}

func (e *GitCheckoutExecutor) git(ctx context.Context, req *Request, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Env = buildEnv(req)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return errdefs.Newf(errdefs.KindInternal, "git %s failed: %s", args[0], truncate(stderr.String(), 512))
	}
	return nil
}

func (e *GitCheckoutExecutor) headCommit(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "HEAD")
	out, err := cmd.Output()
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindInternal, err, "failed to read HEAD commit")
	}
	return strings.TrimSpace(string(out)), nil
}

func checkoutResult(path, commit string) *Result {
	return &Result{
		Outputs: map[string]any{
			"path":   path,
			"commit": commit,
		},
		ContextUpdates: map[string]any{"repoPath": path},
	}
}
