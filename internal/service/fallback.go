package service

import (
	"fmt"

	"github.com/agentic-work/openagenticwork-sub000/internal/domain/orchestration"
)

// ActionKind is the Fallback Manager's verdict on a failed invocation.
type ActionKind int

const (
	// RetryWithFallback retries the same role once with its fallback model.
	RetryWithFallback ActionKind = iota
	// DegradeToFallbackRole hands the orchestration to the fallback role.
	DegradeToFallbackRole
	// TerminalFailure ends the orchestration as failed.
	TerminalFailure
)

func (k ActionKind) String() string {
	switch k {
	case RetryWithFallback:
		return "retry_with_fallback"
	case DegradeToFallbackRole:
		return "degrade_to_fallback_role"
	default:
		return "terminal_failure"
	}
}

// FallbackAction tells the Coordinator how to recover from a failure.
type FallbackAction struct {
	Kind  ActionKind
	Model orchestration.ModelRef // fallback model or fallback-role model
	Err   error                  // set for TerminalFailure
}

// FallbackManager decides how to recover from role-invocation failures.
// Each role gets at most one fallback-model retry per orchestration; the
// fallback role itself is never retried.
type FallbackManager struct{}

// HandleFailure inspects the failure of role in o and returns the next
// recovery step. It records fallback-model use on o.
func (FallbackManager) HandleFailure(o *orchestration.Orchestration, role orchestration.RoleName, failure *orchestration.RoleInvocationError) FallbackAction {
	p := o.Policy()

	if role == orchestration.RoleFallback {
		return FallbackAction{
			Kind: TerminalFailure,
			Err:  fmt.Errorf("%w: fallback role: %w", orchestration.ErrOrchestrationFailed, failure),
		}
	}

	rc, _ := p.Role(role)
	if rc.FallbackModel != "" && !o.FallbackTried(role) {
		o.MarkFallbackTried(role)
		return FallbackAction{Kind: RetryWithFallback, Model: rc.FallbackModel}
	}

	if fb, ok := p.Role(orchestration.RoleFallback); ok && fb.Enabled && fb.PrimaryModel != "" {
		return FallbackAction{Kind: DegradeToFallbackRole, Model: fb.PrimaryModel}
	}

	return FallbackAction{
		Kind: TerminalFailure,
		Err:  fmt.Errorf("%w: %w (fallback role disabled)", orchestration.ErrOrchestrationFailed, failure),
	}
}
