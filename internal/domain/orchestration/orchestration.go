package orchestration

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// MaxMessageLength bounds the request text accepted for classification.
const MaxMessageLength = 200_000

// NoSlider marks a request without a slider position.
const NoSlider = -1

// Request is one conversational turn submitted for orchestration.
type Request struct {
	RequestID         string `json:"requestId"`
	UserID            string `json:"userId"`
	Message           string `json:"message"`
	ConversationDepth int    `json:"conversationDepth"`
	SliderPosition    *int   `json:"sliderPosition,omitempty"`
	// Context is an opaque blob forwarded to the first role.
	Context string `json:"context,omitempty"`
}

// Slider returns the slider position or NoSlider.
func (r *Request) Slider() int {
	if r.SliderPosition == nil {
		return NoSlider
	}
	return *r.SliderPosition
}

// Validate rejects malformed requests with a *ClassificationError.
func (r *Request) Validate() error {
	if r.Message == "" {
		return &ClassificationError{Field: "message", Reason: "is required"}
	}
	if !utf8.ValidString(r.Message) {
		return &ClassificationError{Field: "message", Reason: "must be valid UTF-8"}
	}
	if len(r.Message) > MaxMessageLength {
		return &ClassificationError{Field: "message", Reason: fmt.Sprintf("exceeds %d bytes", MaxMessageLength)}
	}
	if r.ConversationDepth < 0 {
		return &ClassificationError{Field: "conversationDepth", Reason: "must be >= 0"}
	}
	if s := r.SliderPosition; s != nil && (*s < 0 || *s > 100) {
		return &ClassificationError{Field: "sliderPosition", Reason: "must be within [0,100]"}
	}
	return nil
}

// TriggerReason explains a classifier decision.
type TriggerReason string

const (
	TriggerPolicyDisabled TriggerReason = "policy_disabled"
	TriggerPatternMatch   TriggerReason = "pattern_match"
	TriggerComplexity     TriggerReason = "complexity"
	TriggerSlider         TriggerReason = "slider"
	TriggerBelowThreshold TriggerReason = "below_threshold"
)

// Decision is the classifier's verdict for a request.
type Decision struct {
	Score            int           `json:"score"`
	TriggerMultiRole bool          `json:"triggerMultiRole"`
	Reason           TriggerReason `json:"reason"`
	MatchedPattern   string        `json:"matchedPattern,omitempty"`
}

// Status is the lifecycle state of an orchestration.
type Status string

const (
	StatusPending       Status = "pending"
	StatusClassifying   Status = "classifying"
	StatusRoleExecuting Status = "role_executing"
	StatusSynthesizing  Status = "synthesizing"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
)

// IsTerminal returns true if no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Outcome tags a terminated orchestration for metrics.
type Outcome string

const (
	OutcomeCompleted     Outcome = "completed"
	OutcomeDegraded      Outcome = "degraded"
	OutcomeFailed        Outcome = "failed"
	OutcomeCancelled     Outcome = "cancelled"
	OutcomeMisconfigured Outcome = "misconfigured"
)

// Outcomes lists every outcome tag in reporting order.
var Outcomes = []Outcome{OutcomeCompleted, OutcomeDegraded, OutcomeFailed, OutcomeCancelled, OutcomeMisconfigured}

// IsSuccess reports whether the outcome counts as a success.
func (o Outcome) IsSuccess() bool {
	return o == OutcomeCompleted || o == OutcomeDegraded
}

// Orchestration is the record of one request's trip through the role
// pipeline. It is owned by a single goroutine until it terminates.
type Orchestration struct {
	ID                 string          `json:"id"`
	RequestID          string          `json:"requestId"`
	UserID             string          `json:"userId"`
	ComplexityScore    int             `json:"complexityScore"`
	TriggeredMultiRole bool            `json:"triggeredMultiRole"`
	TriggerReason      TriggerReason   `json:"triggerReason"`
	PolicySnapshot     *PolicySnapshot `json:"-"`
	PolicyVersion      int64           `json:"policyVersion"`
	Pipeline           []RoleName      `json:"pipeline"`
	// Handoffs holds planned role transitions only and never exceeds
	// Routing.MaxHandoffs.
	Handoffs []HandoffEvent `json:"handoffs"`
	// Recoveries holds fallback-model retries and the entry into the fallback role.
	Recoveries  []HandoffEvent `json:"recoveries"`
	Steps       []Step         `json:"steps"`
	Status      Status         `json:"status"`
	CurrentRole RoleName       `json:"currentRole,omitempty"`
	Degraded    bool           `json:"degraded"`
	Outcome     Outcome        `json:"outcome,omitempty"`
	Output      string         `json:"-"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`

	triedFallback map[RoleName]bool
}

// New creates a pending orchestration bound to a policy snapshot.
func New(id string, req *Request, snap *PolicySnapshot, now time.Time) *Orchestration {
	return &Orchestration{
		ID:             id,
		RequestID:      req.RequestID,
		UserID:         req.UserID,
		PolicySnapshot: snap,
		PolicyVersion:  snap.Version,
		Status:         StatusPending,
		StartedAt:      now,
	}
}

// Policy returns the policy the orchestration was created with.
func (o *Orchestration) Policy() *Policy {
	return &o.PolicySnapshot.Policy
}

// Transition moves the orchestration to the given status. role is required
// for StatusRoleExecuting and is recorded as the current role; entering the
// synthesis role reports StatusSynthesizing.
func (o *Orchestration) Transition(to Status, role RoleName) error {
	if to == StatusRoleExecuting && role == RoleSynthesis {
		to = StatusSynthesizing
	}
	if !canTransition(o.Status, to) {
		return fmt.Errorf("orchestration %s: invalid transition %s -> %s", o.ID, o.Status, to)
	}
	o.Status = to
	if to == StatusRoleExecuting || to == StatusSynthesizing {
		o.CurrentRole = role
	}
	return nil
}

func canTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusClassifying
	case StatusClassifying:
		return to == StatusRoleExecuting || to == StatusSynthesizing
	case StatusRoleExecuting, StatusSynthesizing:
		return to == StatusRoleExecuting || to == StatusSynthesizing || to == StatusCompleted
	}
	return false
}

// Finish terminates the orchestration with the given outcome.
func (o *Orchestration) Finish(outcome Outcome, now time.Time) error {
	to := StatusCompleted
	if !outcome.IsSuccess() {
		to = StatusFailed
	}
	if err := o.Transition(to, ""); err != nil {
		return err
	}
	o.Outcome = outcome
	o.CompletedAt = &now
	return nil
}

// FallbackTried reports whether the fallback model of role was already used.
func (o *Orchestration) FallbackTried(role RoleName) bool {
	return o.triedFallback[role]
}

// MarkFallbackTried records that the fallback model of role was used.
func (o *Orchestration) MarkFallbackTried(role RoleName) {
	if o.triedFallback == nil {
		o.triedFallback = make(map[RoleName]bool, 2)
	}
	o.triedFallback[role] = true
}

// RolesUsed returns the distinct roles that were invoked, in first-use order.
func (o *Orchestration) RolesUsed() []RoleName {
	var roles []RoleName
	seen := make(map[RoleName]bool, len(AllRoles))
	for i := range o.Steps {
		r := o.Steps[i].Role
		if !seen[r] {
			seen[r] = true
			roles = append(roles, r)
		}
	}
	return roles
}

// DurationMs returns the wall time of a terminated orchestration.
func (o *Orchestration) DurationMs() int64 {
	if o.CompletedAt == nil {
		return 0
	}
	return o.CompletedAt.Sub(o.StartedAt).Milliseconds()
}
