package orchestration

import "time"

// HandoffReason explains why control moved between roles or models.
type HandoffReason string

const (
	ReasonNormal         HandoffReason = "normal"
	ReasonTimeout        HandoffReason = "timeout"
	ReasonProviderError  HandoffReason = "provider_error"
	ReasonBudgetExceeded HandoffReason = "budget_exceeded"
)

// HandoffEvent records a role transition (or a same-role model retry) together
// with the usage of the invocation that preceded it.
type HandoffEvent struct {
	FromRole   RoleName      `json:"fromRole,omitempty"`
	ToRole     RoleName      `json:"toRole"`
	Reason     HandoffReason `json:"reason"`
	ModelUsed  ModelRef      `json:"modelUsed"`
	Tokens     int           `json:"tokens"`
	Cost       float64       `json:"cost"`
	DurationMs int64         `json:"durationMs"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Validate checks that a HandoffEvent has all required fields.
func (e *HandoffEvent) Validate() error {
	if !e.ToRole.IsValid() {
		return invalid("handoff: invalid toRole %q", e.ToRole)
	}
	if e.FromRole != "" && !e.FromRole.IsValid() {
		return invalid("handoff: invalid fromRole %q", e.FromRole)
	}
	switch e.Reason {
	case ReasonNormal, ReasonTimeout, ReasonProviderError, ReasonBudgetExceeded:
	default:
		return invalid("handoff: invalid reason %q", e.Reason)
	}
	return nil
}

// StepResult is the outcome of one model invocation made on behalf of a role.
type StepResult string

const (
	StepSucceeded      StepResult = "succeeded"
	StepTimeout        StepResult = "timeout"
	StepProviderError  StepResult = "provider_error"
	StepInvalidRequest StepResult = "invalid_request"
	StepCancelled      StepResult = "cancelled"
)

// Step records a single model invocation within an orchestration, including
// failed attempts and fallback-model retries.
type Step struct {
	Role       RoleName   `json:"role"`
	Model      ModelRef   `json:"model"`
	Attempt    int        `json:"attempt"`
	Result     StepResult `json:"result"`
	Tokens     int        `json:"tokens"`
	Cost       float64    `json:"cost"`
	DurationMs int64      `json:"durationMs"`
	Output     string     `json:"-"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
}
