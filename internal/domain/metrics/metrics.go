// Package metrics defines the aggregate shapes reported by the metrics collector.
package metrics

import (
	"time"

	"github.com/agentic-work/openagenticwork-sub000/internal/domain/orchestration"
)

// RoleStats holds the counters of a single role.
type RoleStats struct {
	UsageCount      int64   `json:"usageCount"`
	Invocations     int64   `json:"invocations"`
	Failures        int64   `json:"failures"`
	TotalDurationMs int64   `json:"totalDurationMs"`
	TotalCost       float64 `json:"totalCost"`
	TotalTokens     int64   `json:"totalTokens"`
	AvgDurationMs   float64 `json:"avgDurationMs"`
}

// Aggregate is a point-in-time view of the rolling metrics window.
// TotalUsage() >= TotalOrchestrations except for runs that ended before any
// role was invoked (misconfigured policy, cancelled while classifying).
type Aggregate struct {
	WindowStartedAt     time.Time                             `json:"windowStartedAt"`
	PerRole             map[orchestration.RoleName]RoleStats  `json:"perRole"`
	TotalOrchestrations int64                                 `json:"totalOrchestrations"`
	SuccessCount        int64                                 `json:"successCount"`
	FailureCount        int64                                 `json:"failureCount"`
	TotalHandoffs       int64                                 `json:"totalHandoffs"`
	TotalRecoveries     int64                                 `json:"totalRecoveries"`
	MultiRoleCount      int64                                 `json:"multiRoleCount"`
	Breakdown           map[orchestration.Outcome]int64       `json:"breakdown"`
	HandoffReasons      map[orchestration.HandoffReason]int64 `json:"handoffReasons"`
}

// TotalUsage returns the sum of usage counts over all roles.
func (a *Aggregate) TotalUsage() int64 {
	var n int64
	for _, s := range a.PerRole {
		n += s.UsageCount
	}
	return n
}

// TotalCost returns the sum of cost over all roles.
func (a *Aggregate) TotalCost() float64 {
	var c float64
	for _, s := range a.PerRole {
		c += s.TotalCost
	}
	return c
}
