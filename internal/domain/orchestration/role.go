// Package orchestration provides the domain model of the multi-role model
// orchestration engine: roles, the orchestration policy, per-request
// orchestration records and the handoff events between roles.
package orchestration

// RoleName identifies a stage of the orchestration with its own model assignment.
type RoleName string

const (
	RoleReasoning     RoleName = "reasoning"
	RoleToolExecution RoleName = "tool_execution"
	RoleSynthesis     RoleName = "synthesis"
	RoleFallback      RoleName = "fallback"
)

// AllRoles lists every role a policy must configure.
var AllRoles = []RoleName{RoleReasoning, RoleToolExecution, RoleSynthesis, RoleFallback}

// PlannedOrder is the fixed order of roles in a multi-role pipeline.
// The fallback role is never planned.
var PlannedOrder = []RoleName{RoleReasoning, RoleToolExecution, RoleSynthesis}

// IsValid reports whether r is one of the four known roles.
func (r RoleName) IsValid() bool {
	switch r {
	case RoleReasoning, RoleToolExecution, RoleSynthesis, RoleFallback:
		return true
	}
	return false
}

// IsPlannable reports whether r may appear in a planned pipeline.
func (r RoleName) IsPlannable() bool {
	return r.IsValid() && r != RoleFallback
}
