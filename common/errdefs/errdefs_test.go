package errdefs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOf_WrappedChain(t *testing.T) {
	base := New(KindPortUnresolved, "input prompt has no source value")
	wrapped := fmt.Errorf("step llm_1: %w", base)

	if got := KindOf(wrapped); got != KindPortUnresolved {
		t.Fatalf("KindOf(wrapped) = %q, want %q", got, KindPortUnresolved)
	}
	if !IsKind(wrapped, KindPortUnresolved) {
		t.Error("IsKind(wrapped, KindPortUnresolved) = false, want true")
	}
}

func TestKindOf_UntaggedDefaultsToInternal(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindInternal {
		t.Fatalf("KindOf(plain error) = %q, want %q", got, KindInternal)
	}
	if got := KindOf(nil); got != "" {
		t.Fatalf("KindOf(nil) = %q, want empty", got)
	}
}

func TestHTTPStatus_Mapping(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindNotFound, http.StatusNotFound},
		{KindDuplicateID, http.StatusConflict},
		{KindConflict, http.StatusConflict},
		{KindUnauthorized, http.StatusUnauthorized},
		{KindUnauthorizedWebhook, http.StatusUnauthorized},
		{KindLLMValidation, http.StatusBadGateway},
		{KindDeploymentTimeout, http.StatusBadGateway},
		{KindPlatform, http.StatusBadGateway},
		{KindPortUnresolved, http.StatusInternalServerError},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.kind); got != tc.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tc.kind, got, tc.want)
		}
	}
}

func TestCode_ClosedWireSet(t *testing.T) {
	valid := map[string]bool{
		"VALIDATION_ERROR": true, "NOT_FOUND": true, "DUPLICATE_ID": true,
		"CONFLICT": true, "UNAUTHORIZED": true, "WORKFLOW_ERROR": true,
		"LLM_ERROR": true, "DEPLOYMENT_ERROR": true, "PROVIDER_ERROR": true,
		"INTERNAL_ERROR": true,
	}
	kinds := []Kind{
		KindValidation, KindNotFound, KindDuplicateID, KindConflict,
		KindUnauthorized, KindPortUnresolved, KindTemplate, KindEval,
		KindLLMValidation, KindProvider, KindPlatform, KindProjectAPI,
		KindCommandTimeout, KindWorkflowTimeout, KindDeploymentTimeout,
		KindUnauthorizedWebhook, KindStaleExecution, KindCancelled, KindInternal,
	}
	for _, k := range kinds {
		if !valid[Code(k)] {
			t.Errorf("Code(%s) = %q, not in the closed wire set", k, Code(k))
		}
	}
}

func TestHTTPResponse_Envelope(t *testing.T) {
	err := Newf(KindValidation, "node %s: missing prompt", "agent_1").
		WithDetails(map[string]any{"nodeId": "agent_1"})

	status, env := HTTPResponse(err)
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
	if env.Error.Code != "VALIDATION_ERROR" {
		t.Errorf("code = %q, want VALIDATION_ERROR", env.Error.Code)
	}
	if env.Error.Message != "node agent_1: missing prompt" {
		t.Errorf("message = %q", env.Error.Message)
	}
	if env.Error.Details["nodeId"] != "agent_1" {
		t.Errorf("details = %v", env.Error.Details)
	}
}

func TestHTTPResponse_UntaggedError(t *testing.T) {
	status, env := HTTPResponse(errors.New("pool exhausted"))
	if status != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", status)
	}
	if env.Error.Code != "INTERNAL_ERROR" {
		t.Errorf("code = %q, want INTERNAL_ERROR", env.Error.Code)
	}
}
