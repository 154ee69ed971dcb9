package service

import (
	"slices"

	"github.com/agentic-work/openagenticwork-sub000/internal/domain/orchestration"
)

// Router builds role pipelines and resolves models. It is stateless.
type Router struct{}

// BuildPipeline returns the ordered roles for a request. It is total: when
// every candidate role is disabled the result is empty and the caller
// reports ErrEmptyPipeline. The fallback role is never planned.
func (Router) BuildPipeline(d orchestration.Decision, p *orchestration.Policy) []orchestration.RoleName {
	if !d.TriggerMultiRole {
		if role := singleRole(p); role != "" {
			return []orchestration.RoleName{role}
		}
		return nil
	}

	pipeline := make([]orchestration.RoleName, 0, len(orchestration.PlannedOrder))
	for _, role := range orchestration.PlannedOrder {
		if rc, ok := p.Role(role); ok && rc.Enabled {
			pipeline = append(pipeline, role)
		}
	}
	return pipeline
}

// singleRole picks the configured default role, or the first enabled
// planned role when the default is disabled.
func singleRole(p *orchestration.Policy) orchestration.RoleName {
	if rc, ok := p.Role(p.SingleRole()); ok && rc.Enabled {
		return rc.Role
	}
	for _, role := range orchestration.PlannedOrder {
		if rc, ok := p.Role(role); ok && rc.Enabled {
			return role
		}
	}
	return ""
}

// ResolveModel returns the model serving role. With preferCheaperToolModel
// set, tool_execution uses its cheaper model when one is configured.
func (Router) ResolveModel(role orchestration.RoleName, p *orchestration.Policy) orchestration.ModelRef {
	rc, _ := p.Role(role)
	if role == orchestration.RoleToolExecution && p.Routing.PreferCheaperToolModel {
		if cheaper := rc.ToolExecution().CheaperModel; cheaper != "" {
			return cheaper
		}
	}
	return rc.PrimaryModel
}

// nextRole decides the role after pipeline[idx] under the handoff budget.
// It returns the next pipeline index, the handoff reason, and ok=false when
// no handoff may be recorded.
//
// Synthesis is kept reachable: when moving to a non-synthesis role would
// leave no budget for the handoff into a pending synthesis, control jumps
// straight to synthesis with reason budget_exceeded.
func nextRole(pipeline []orchestration.RoleName, idx, handoffs, maxHandoffs int) (int, orchestration.HandoffReason, bool) {
	if handoffs+1 > maxHandoffs {
		return 0, orchestration.ReasonBudgetExceeded, false
	}
	next := idx + 1
	if pipeline[next] == orchestration.RoleSynthesis {
		return next, orchestration.ReasonNormal, true
	}
	synth := slices.Index(pipeline[next:], orchestration.RoleSynthesis)
	if synth >= 0 && handoffs+2 > maxHandoffs {
		return next + synth, orchestration.ReasonBudgetExceeded, true
	}
	return next, orchestration.ReasonNormal, true
}
