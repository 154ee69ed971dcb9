// Package messagequeue is the port through which replicas exchange policy
// changes and through which terminated orchestrations are published.
package messagequeue

import "context"

// Handler processes one message. ctx carries the publisher's request ID
// when it sent one.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue publishes to and consumes from subjects. Every Subscribe call sees
// every message published after it; there is no load balancing between
// subscribers.
type Queue interface {
	Publish(ctx context.Context, subject string, data []byte) error
	// Subscribe returns a function that stops delivery.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)
	Drain() error
	Close() error
	IsConnected() bool
}

// Subjects published by the orchestration engine.
const (
	SubjectPolicyChanged          = "orchestration.policy.changed"
	SubjectOrchestrationCompleted = "orchestration.completed"
)

// CompletedSubject is the subject a terminated orchestration with the given
// outcome is published on.
func CompletedSubject(outcome string) string {
	return SubjectOrchestrationCompleted + "." + outcome
}
