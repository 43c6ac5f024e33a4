package expr

import (
	"strings"
	"testing"

	"github.com/foundryhq/foundry/common/errdefs"
)

func newTestSandbox(t *testing.T) *Sandbox {
	t.Helper()
	s, err := NewSandbox(0)
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	return s
}

func TestEvalBool_Comparison(t *testing.T) {
	s := newTestSandbox(t)
	vars := Vars{Context: map[string]any{"branch": "A"}}

	got, err := s.EvalBool(`context.branch == 'A'`, vars)
	if err != nil {
		t.Fatalf("EvalBool: %v", err)
	}
	if !got {
		t.Error("context.branch == 'A' = false, want true")
	}

	got, err = s.EvalBool(`context.branch == 'B'`, vars)
	if err != nil {
		t.Fatalf("EvalBool: %v", err)
	}
	if got {
		t.Error("context.branch == 'B' = true, want false")
	}
}

func TestEvalBool_DottedPathTruthiness(t *testing.T) {
	s := newTestSandbox(t)
	vars := Vars{Context: map[string]any{
		"flag":  true,
		"count": float64(0),
		"user":  map[string]any{"name": "ada"},
	}}

	cases := []struct {
		expr string
		want bool
	}{
		{"flag", true},
		{"count", false},
		{"user.name", true},
		{"context.user.name", true},
		{"missing", false},
		{"user.missing", false},
		{"", false},
	}
	for _, tc := range cases {
		got, err := s.EvalBool(tc.expr, vars)
		if err != nil {
			t.Fatalf("EvalBool(%q): %v", tc.expr, err)
		}
		if got != tc.want {
			t.Errorf("EvalBool(%q) = %v, want %v", tc.expr, got, tc.want)
		}
	}
}

func TestEvalBool_CachesPrograms(t *testing.T) {
	s := newTestSandbox(t)
	vars := Vars{Context: map[string]any{"n": float64(2)}}
	for i := 0; i < 3; i++ {
		if _, err := s.EvalBool(`context.n > 1`, vars); err != nil {
			t.Fatalf("EvalBool: %v", err)
		}
	}
	if len(s.cache) != 1 {
		t.Errorf("cache holds %d programs, want 1", len(s.cache))
	}
}

func TestEvalObject(t *testing.T) {
	s := newTestSandbox(t)
	obj, err := s.EvalObject(`{"branch": "A", "n": 1}`, Vars{})
	if err != nil {
		t.Fatalf("EvalObject: %v", err)
	}
	if obj["branch"] != "A" {
		t.Errorf("obj[branch] = %v, want A", obj["branch"])
	}
}

func TestEvalObject_NonObjectIsEvalError(t *testing.T) {
	s := newTestSandbox(t)
	_, err := s.EvalObject(`"just a string"`, Vars{})
	if err == nil {
		t.Fatal("EvalObject(string) = nil error")
	}
	if errdefs.KindOf(err) != errdefs.KindEval {
		t.Errorf("kind = %s, want EvalError", errdefs.KindOf(err))
	}
}

func TestEvalObject_BadSourceIsEvalError(t *testing.T) {
	s := newTestSandbox(t)
	_, err := s.EvalObject(`this is not CEL ((`, Vars{})
	if errdefs.KindOf(err) != errdefs.KindEval {
		t.Errorf("kind = %s, want EvalError", errdefs.KindOf(err))
	}
}

func TestEvalTarget(t *testing.T) {
	s := newTestSandbox(t)
	vars := Vars{
		Context:     map[string]any{"ok": true},
		CurrentNode: "gate",
	}
	target, err := s.EvalTarget(`context.ok ? "approve" : "reject"`, vars)
	if err != nil {
		t.Fatalf("EvalTarget: %v", err)
	}
	if target != "approve" {
		t.Errorf("target = %q, want approve", target)
	}

	if _, err := s.EvalTarget(`42`, vars); err == nil {
		t.Error("non-string target accepted")
	}
}

func TestTruthy(t *testing.T) {
	truthy := []any{true, "x", float64(1), -1, map[string]any{}, []any{}}
	falsy := []any{nil, false, "", float64(0), 0}
	for _, v := range truthy {
		if !Truthy(v) {
			t.Errorf("Truthy(%#v) = false, want true", v)
		}
	}
	for _, v := range falsy {
		if Truthy(v) {
			t.Errorf("Truthy(%#v) = true, want false", v)
		}
	}
}

func TestStringify(t *testing.T) {
	if got := Stringify(float64(42)); got != "42" {
		t.Errorf("Stringify(42.0) = %q, want 42", got)
	}
	if got := Stringify("a"); got != "a" {
		t.Errorf("Stringify(a) = %q", got)
	}
	if got := Stringify(map[string]any{"k": "v"}); !strings.Contains(got, `"k":"v"`) {
		t.Errorf("Stringify(map) = %q", got)
	}
}
