// Package errdefs defines the closed error taxonomy shared by the compiler,
// interpreter, dispatcher and HTTP surface, plus the wire envelope non-2xx
// responses are encoded with.
package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one member of the closed error taxonomy. The string value
// is what callers observe in ExecutionState.LastError.Kind.
type Kind string

const (
	KindValidation          Kind = "ValidationError"
	KindNotFound            Kind = "NotFound"
	KindDuplicateID         Kind = "DuplicateId"
	KindConflict            Kind = "Conflict"
	KindUnauthorized        Kind = "Unauthorized"
	KindPortUnresolved      Kind = "PortUnresolved"
	KindTemplate            Kind = "TemplateError"
	KindEval                Kind = "EvalError"
	KindLLMValidation       Kind = "LLMValidationError"
	KindProvider            Kind = "ProviderError"
	KindPlatform            Kind = "PlatformError"
	KindProjectAPI          Kind = "ProjectApiError"
	KindCommandTimeout      Kind = "CommandTimeout"
	KindWorkflowTimeout     Kind = "WorkflowTimeout"
	KindDeploymentTimeout   Kind = "DeploymentTimeout"
	KindUnauthorizedWebhook Kind = "UnauthorizedWebhook"
	KindStaleExecution      Kind = "StaleExecution"
	KindCancelled           Kind = "Cancelled"
	KindInternal            Kind = "InternalError"
)

// Error carries a taxonomy kind alongside the usual message/cause chain.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithDetails attaches structured detail fields surfaced in the HTTP envelope.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// New builds a taxonomy error with a fixed message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds a taxonomy error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a taxonomy kind to an underlying error.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: err}
}

// KindOf walks the error chain and returns the first taxonomy kind found,
// defaulting to KindInternal for untagged errors and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Code maps a taxonomy kind to its upper-snake wire code. The wire set is
// closed; kinds without a dedicated code collapse onto WORKFLOW_ERROR.
func Code(kind Kind) string {
	switch kind {
	case KindValidation:
		return "VALIDATION_ERROR"
	case KindNotFound:
		return "NOT_FOUND"
	case KindDuplicateID:
		return "DUPLICATE_ID"
	case KindConflict:
		return "CONFLICT"
	case KindUnauthorized, KindUnauthorizedWebhook:
		return "UNAUTHORIZED"
	case KindLLMValidation:
		return "LLM_ERROR"
	case KindPlatform, KindDeploymentTimeout:
		return "DEPLOYMENT_ERROR"
	case KindProvider, KindProjectAPI:
		return "PROVIDER_ERROR"
	case KindInternal:
		return "INTERNAL_ERROR"
	case KindPortUnresolved, KindTemplate, KindEval, KindCommandTimeout,
		KindWorkflowTimeout, KindStaleExecution, KindCancelled:
		return "WORKFLOW_ERROR"
	default:
		return "INTERNAL_ERROR"
	}
}

// HTTPStatus maps a taxonomy kind to the status its envelope is served with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindDuplicateID, KindConflict:
		return http.StatusConflict
	case KindUnauthorized, KindUnauthorizedWebhook:
		return http.StatusUnauthorized
	case KindLLMValidation, KindPlatform, KindDeploymentTimeout:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WireError is the inner object of the non-2xx response envelope.
type WireError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Envelope is the body of every non-2xx response: {"error": {...}}.
type Envelope struct {
	Error WireError `json:"error"`
}

// HTTPResponse renders any error as (status, envelope). Taxonomy errors keep
// their message and details; untagged errors surface as INTERNAL_ERROR with
// the raw message.
func HTTPResponse(err error) (int, Envelope) {
	var e *Error
	if errors.As(err, &e) {
		return HTTPStatus(e.Kind), Envelope{Error: WireError{
			Code:    Code(e.Kind),
			Message: e.Message,
			Details: e.Details,
		}}
	}
	return http.StatusInternalServerError, Envelope{Error: WireError{
		Code:    "INTERNAL_ERROR",
		Message: err.Error(),
	}}
}
