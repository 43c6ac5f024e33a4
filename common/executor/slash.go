package executor

import (
	"context"
	"strings"
	"time"

	"github.com/foundryhq/foundry/common/errdefs"
	"github.com/foundryhq/foundry/common/ports"
)

// CommandFunc handles one registered slash command. args is the raw text
// after the command name with surrounding whitespace removed.
type CommandFunc func(ctx context.Context, args string, req *Request) (any, error)

// CommandRegistry maps slash command names to handlers.
type CommandRegistry struct {
	commands map[string]CommandFunc
}

// NewCommandRegistry creates a registry preloaded with the builtin commands.
func NewCommandRegistry() *CommandRegistry {
	r := &CommandRegistry{commands: make(map[string]CommandFunc)}
	r.Register("echo", echoCommand)
	r.Register("sleep", sleepCommand)
	r.Register("context", contextCommand)
	return r
}

// Register adds a handler under the given name, replacing any existing one.
// Names are stored without the leading slash.
func (r *CommandRegistry) Register(name string, fn CommandFunc) {
	r.commands[strings.TrimPrefix(name, "/")] = fn
}

// Lookup returns the handler for name, or false when none is registered.
func (r *CommandRegistry) Lookup(name string) (CommandFunc, bool) {
	fn, ok := r.commands[strings.TrimPrefix(name, "/")]
	return fn, ok
}

func echoCommand(_ context.Context, args string, _ *Request) (any, error) {
	return args, nil
}

func sleepCommand(ctx context.Context, args string, _ *Request) (any, error) {
	d, err := time.ParseDuration(strings.TrimSpace(args))
	if err != nil {
		return nil, errdefs.Newf(errdefs.KindValidation, "invalid sleep duration %q", args)
	}
	select {
	case <-time.After(d):
		return d.String(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func contextCommand(_ context.Context, _ string, req *Request) (any, error) {
	return req.Context, nil
}

// SlashCommandExecutor dispatches "/name args" command lines to registered
// handlers. The command line comes from the args input port when mapped,
// falling back to node config.
type SlashCommandExecutor struct {
	commands *CommandRegistry
}

// NewSlashCommandExecutor creates the slash-command executor
func NewSlashCommandExecutor(commands *CommandRegistry) *SlashCommandExecutor {
	return &SlashCommandExecutor{commands: commands}
}

func (e *SlashCommandExecutor) Kind() ports.Kind { return ports.KindSlashCommand }

func (e *SlashCommandExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	line := inputString(req.Inputs, "args")
	if line == "" {
		line = configString(req.Config, "command")
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, errdefs.Newf(errdefs.KindValidation, "node %q has no command line", req.NodeID)
	}

	name, args := splitCommandLine(line)
	fn, ok := e.commands.Lookup(name)
	if !ok {
		return nil, errdefs.Newf(errdefs.KindValidation, "unknown slash command %q", name)
	}

	result, err := fn(ctx, args, req)
	if err != nil {
		return nil, err
	}

	return &Result{Outputs: map[string]any{"result": result}}, nil
}

func splitCommandLine(line string) (name, args string) {
	line = strings.TrimPrefix(line, "/")
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		return line[:i], strings.TrimSpace(line[i+1:])
	}
	return line, ""
}
