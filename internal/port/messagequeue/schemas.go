package messagequeue

import "time"

// PolicyChangedPayload is the schema for orchestration.policy.changed messages.
type PolicyChangedPayload struct {
	Version         int64     `json:"version"`
	PreviousVersion int64     `json:"previous_version"`
	Kind            string    `json:"kind"`
	Enabled         bool      `json:"enabled"`
	ChangedBy       string    `json:"changed_by"`
	ChangedAt       time.Time `json:"changed_at"`
	// Origin identifies the publishing replica so it can ignore its own events.
	Origin string `json:"origin"`
}

// OrchestrationCompletedPayload is the schema for orchestration.completed.* messages.
type OrchestrationCompletedPayload struct {
	OrchestrationID string   `json:"orchestration_id"`
	RequestID       string   `json:"request_id"`
	UserID          string   `json:"user_id"`
	PolicyVersion   int64    `json:"policy_version"`
	Outcome         string   `json:"outcome"`
	Degraded        bool     `json:"degraded"`
	Pipeline        []string `json:"pipeline"`
	Handoffs        int      `json:"handoffs"`
	Recoveries      int      `json:"recoveries"`
	Tokens          int64    `json:"tokens"`
	CostUSD         float64  `json:"cost_usd"`
	DurationMs      int64    `json:"duration_ms"`
}
