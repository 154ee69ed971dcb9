package orchestration

import (
	"errors"
	"fmt"

	"github.com/agentic-work/openagenticwork-sub000/internal/domain"
)

// ErrEmptyPipeline indicates that every role a pipeline could use is disabled.
var ErrEmptyPipeline = errors.New("empty pipeline: every role is disabled")

// ErrBudgetExceeded marks a budget-forced early synthesis. It is never
// returned to callers.
var ErrBudgetExceeded = errors.New("handoff budget exceeded")

// ErrCancelled indicates that the orchestration was cancelled by its caller
// or hit its orchestration-level deadline.
var ErrCancelled = errors.New("orchestration cancelled")

// ErrOrchestrationFailed is the uniform terminal failure returned to callers
// once every recovery path is exhausted.
var ErrOrchestrationFailed = errors.New("orchestration failed")

// ClassificationError reports a malformed request. It wraps domain.ErrValidation.
type ClassificationError struct {
	Field  string
	Reason string
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("%s: request.%s %s", domain.ErrValidation.Error(), e.Field, e.Reason)
}

func (e *ClassificationError) Unwrap() error { return domain.ErrValidation }

// InvocationErrorKind categorizes model-invocation failures.
type InvocationErrorKind string

const (
	KindTimeout             InvocationErrorKind = "timeout"
	KindProviderUnavailable InvocationErrorKind = "provider_unavailable"
	KindInvalidRequest      InvocationErrorKind = "invalid_request"
)

// RoleInvocationError reports a failed model invocation for a role.
type RoleInvocationError struct {
	Kind  InvocationErrorKind
	Role  RoleName
	Model ModelRef
	Err   error
}

func (e *RoleInvocationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("role %s (model %s): %s: %v", e.Role, e.Model, e.Kind, e.Err)
	}
	return fmt.Sprintf("role %s (model %s): %s", e.Role, e.Model, e.Kind)
}

func (e *RoleInvocationError) Unwrap() error { return e.Err }

// Reason maps the error kind onto the handoff reason recorded for a retry.
func (e *RoleInvocationError) Reason() HandoffReason {
	if e.Kind == KindTimeout {
		return ReasonTimeout
	}
	return ReasonProviderError
}

// StepResult maps the error kind onto the recorded step result.
func (e *RoleInvocationError) StepResult() StepResult {
	switch e.Kind {
	case KindTimeout:
		return StepTimeout
	case KindInvalidRequest:
		return StepInvalidRequest
	default:
		return StepProviderError
	}
}

// AsRoleInvocationError extracts a *RoleInvocationError from err. Errors of
// any other type are reported as provider_unavailable.
func AsRoleInvocationError(err error, role RoleName, model ModelRef) *RoleInvocationError {
	var rie *RoleInvocationError
	if errors.As(err, &rie) {
		return rie
	}
	return &RoleInvocationError{Kind: KindProviderUnavailable, Role: role, Model: model, Err: err}
}
