// Package broadcast defines the port for broadcasting real-time events to connected clients.
package broadcast

import "context"

// Event types emitted by the orchestration engine.
const (
	EventPolicyChanged       = "policy.changed"
	EventOrchestrationStatus = "orchestration.status"
	EventOrchestrationRole   = "orchestration.role"
)

// Broadcaster sends real-time events to all connected clients.
type Broadcaster interface {
	// BroadcastEvent sends a typed event to all connected clients.
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}

// Nop discards every event.
type Nop struct{}

// BroadcastEvent implements Broadcaster.
func (Nop) BroadcastEvent(context.Context, string, any) {}
