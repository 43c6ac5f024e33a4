// Package expr is the capability-restricted expression layer: CEL programs
// for transitions, eval nodes and automation conditions, plus ${...} template
// substitution over execution state. Programs see only the variables passed
// in; there is no host access, and every evaluation runs under a wall-clock
// timeout.
package expr

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/tidwall/gjson"

	"github.com/foundryhq/foundry/common/errdefs"
)

// DefaultTimeout bounds a single expression evaluation.
const DefaultTimeout = 2 * time.Second

// Vars is the complete variable surface visible to sandboxed expressions.
type Vars struct {
	Context     map[string]any
	Output      map[string]any
	Answers     map[string]any
	CurrentNode string
	Status      string
}

func (v Vars) activation() map[string]any {
	ctx := v.Context
	if ctx == nil {
		ctx = map[string]any{}
	}
	out := v.Output
	if out == nil {
		out = map[string]any{}
	}
	ans := v.Answers
	if ans == nil {
		ans = map[string]any{}
	}
	return map[string]any{
		"context":     ctx,
		"output":      out,
		"answers":     ans,
		"currentNode": v.CurrentNode,
		"status":      v.Status,
	}
}

// Sandbox compiles and caches CEL programs keyed by source.
type Sandbox struct {
	env     *cel.Env
	timeout time.Duration

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewSandbox builds the sealed CEL environment. A non-positive timeout falls
// back to DefaultTimeout.
func NewSandbox(timeout time.Duration) (*Sandbox, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	env, err := cel.NewEnv(
		cel.Variable("context", cel.DynType),
		cel.Variable("output", cel.DynType),
		cel.Variable("answers", cel.DynType),
		cel.Variable("currentNode", cel.StringType),
		cel.Variable("status", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return &Sandbox{
		env:     env,
		timeout: timeout,
		cache:   make(map[string]cel.Program),
	}, nil
}

func (s *Sandbox) program(source string) (cel.Program, error) {
	s.mu.RLock()
	prg, ok := s.cache[source]
	s.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := s.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", source, issues.Err())
	}
	prg, err := s.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", source, err)
	}

	s.mu.Lock()
	s.cache[source] = prg
	s.mu.Unlock()
	return prg, nil
}

func (s *Sandbox) eval(source string, vars Vars) (any, error) {
	prg, err := s.program(source)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	out, _, err := prg.ContextEval(ctx, vars.activation())
	if err != nil {
		return nil, fmt.Errorf("eval %q: %w", source, err)
	}
	return out.Value(), nil
}

var simplePath = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z0-9_]+)*$`)

// EvalBool evaluates a condition and coerces the result with JavaScript
// truthiness. A bare dotted path (no operators) is looked up directly in the
// context so that a missing key reads as false instead of erroring.
func (s *Sandbox) EvalBool(source string, vars Vars) (bool, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return false, nil
	}
	if simplePath.MatchString(source) {
		v, ok := LookupPath(vars, source)
		if !ok {
			return false, nil
		}
		return Truthy(v), nil
	}
	v, err := s.eval(source, vars)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// EvalObject evaluates an eval-node source that must produce an object; the
// result is merged into execution context by the caller. Any failure is an
// EvalError.
func (s *Sandbox) EvalObject(source string, vars Vars) (map[string]any, error) {
	prg, err := s.program(source)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindEval, err, "eval source did not compile")
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	out, _, err := prg.ContextEval(ctx, vars.activation())
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindEval, err, "eval source failed")
	}
	native, err := out.ConvertToNative(reflect.TypeOf(map[string]any{}))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindEval, err, "eval source did not return an object")
	}
	obj, ok := native.(map[string]any)
	if !ok {
		return nil, errdefs.Newf(errdefs.KindEval, "eval source returned %T, want object", native)
	}
	return obj, nil
}

// EvalValue evaluates an arbitrary expression and returns its native value.
// Dynamic node kinds use this to materialise prompts, models and commands.
func (s *Sandbox) EvalValue(source string, vars Vars) (any, error) {
	return s.eval(source, vars)
}

// EvalTarget evaluates a function-transition source that must produce the id
// of the next node (or the END sentinel string).
func (s *Sandbox) EvalTarget(source string, vars Vars) (string, error) {
	v, err := s.eval(source, vars)
	if err != nil {
		return "", err
	}
	t, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("function transition returned %T, want string", v)
	}
	return t, nil
}

// LookupPath resolves a dotted path against the sandbox variables. The first
// segment may name a variable (context, output, answers); otherwise the whole
// path is read from context.
func LookupPath(vars Vars, path string) (any, bool) {
	act := vars.activation()
	root := vars.Context
	if i := strings.IndexByte(path, '.'); i > 0 {
		if m, ok := act[path[:i]].(map[string]any); ok {
			root = m
			path = path[i+1:]
		}
	} else if v, ok := act[path]; ok {
		return v, true
	} else if root != nil {
		v, ok := root[path]
		return v, ok
	}
	return lookupIn(root, path)
}

func lookupIn(m map[string]any, path string) (any, bool) {
	b, err := marshalJSON(m)
	if err != nil {
		return nil, false
	}
	res := gjson.GetBytes(b, path)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

// Truthy applies JavaScript-style coercion: false, 0, NaN, "" and null are
// falsy; everything else (including empty objects and arrays) is truthy.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int32:
		return t != 0
	case int64:
		return t != 0
	case uint64:
		return t != 0
	case float32:
		return t != 0 && t == t
	case float64:
		return t != 0 && t == t
	default:
		return true
	}
}

// Stringify renders a value the way switch transitions compare it: strings
// pass through, everything else is JSON-encoded.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return trimFloat(t)
	default:
		b, err := marshalJSON(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
