package expr

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/foundryhq/foundry/common/errdefs"
)

// Source is what templates may read: the node's resolved inputs, the open
// execution context, collected answers, and per-node port data reached via
// $nodes references.
type Source struct {
	Inputs  map[string]any
	Context map[string]any
	Answers map[string]any
	Ports   map[string]map[string]any
}

var placeholder = regexp.MustCompile(`\$\{([^}]+)\}`)

// ResolveTemplates substitutes every expression in a config map, recursing
// into nested maps and arrays. Supported forms:
//
//	$nodes.node_id          entire node output
//	$nodes.node_id.field    field access (gjson path)
//	"text ${expr} text"     string interpolation
//
// An unresolvable reference is a TemplateError.
func ResolveTemplates(config map[string]any, src Source) (map[string]any, error) {
	resolved := make(map[string]any, len(config))
	for key, value := range config {
		v, err := resolveValue(value, src)
		if err != nil {
			return nil, fmt.Errorf("config key %s: %w", key, err)
		}
		resolved[key] = v
	}
	return resolved, nil
}

func resolveValue(value any, src Source) (any, error) {
	switch v := value.(type) {
	case string:
		return ResolveString(v, src)
	case map[string]any:
		m := make(map[string]any, len(v))
		for key, val := range v {
			rv, err := resolveValue(val, src)
			if err != nil {
				return nil, err
			}
			m[key] = rv
		}
		return m, nil
	case []any:
		arr := make([]any, len(v))
		for i, val := range v {
			rv, err := resolveValue(val, src)
			if err != nil {
				return nil, err
			}
			arr[i] = rv
		}
		return arr, nil
	default:
		return value, nil
	}
}

// ResolveString resolves one string: a full $nodes reference keeps its native
// type, interpolation renders to string, anything else passes through.
func ResolveString(s string, src Source) (any, error) {
	if strings.HasPrefix(s, "$nodes.") {
		return resolveNodeRef(s, src)
	}
	if strings.Contains(s, "${") {
		return Interpolate(s, src)
	}
	return s, nil
}

// Interpolate substitutes every ${expr} in s. Inner expressions are $nodes
// references or dotted paths over inputs, answers, then context.
func Interpolate(s string, src Source) (string, error) {
	result := s
	for _, match := range placeholder.FindAllStringSubmatch(s, -1) {
		full, inner := match[0], strings.TrimSpace(match[1])

		var value any
		var err error
		if strings.HasPrefix(inner, "$nodes.") {
			value, err = resolveNodeRef(inner, src)
		} else {
			value, err = resolvePath(inner, src)
		}
		if err != nil {
			return "", err
		}
		result = strings.Replace(result, full, asString(value), 1)
	}
	return result, nil
}

func resolveNodeRef(ref string, src Source) (any, error) {
	rest := strings.TrimPrefix(ref, "$nodes.")
	parts := strings.SplitN(rest, ".", 2)
	nodeID := parts[0]

	output, ok := src.Ports[nodeID]
	if !ok {
		return nil, errdefs.Newf(errdefs.KindTemplate, "node output not found: %s", nodeID)
	}
	if len(parts) == 1 {
		return output, nil
	}
	b, err := json.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("marshal node output: %w", err)
	}
	res := gjson.GetBytes(b, parts[1])
	if !res.Exists() {
		return nil, errdefs.Newf(errdefs.KindTemplate, "field not found: %s in node %s", parts[1], nodeID)
	}
	return res.Value(), nil
}

func resolvePath(path string, src Source) (any, error) {
	for _, scope := range []map[string]any{src.Inputs, src.Answers, src.Context} {
		if scope == nil {
			continue
		}
		if v, ok := scope[path]; ok {
			return v, nil
		}
		if v, ok := lookupIn(scope, path); ok {
			return v, nil
		}
	}
	return nil, errdefs.Newf(errdefs.KindTemplate, "unresolved template variable: %s", path)
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case float64:
		return trimFloat(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

func trimFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func marshalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}
