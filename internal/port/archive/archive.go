// Package archive defines the storage port for terminated orchestrations.
package archive

import (
	"context"

	"github.com/agentic-work/openagenticwork-sub000/internal/domain/orchestration"
)

// Archive stores terminated orchestrations for offline analysis.
type Archive interface {
	Store(ctx context.Context, o *orchestration.Orchestration) error
}

// Recent is implemented by archives that can list stored orchestrations.
type Recent interface {
	Recent(ctx context.Context, limit int) ([]orchestration.Orchestration, error)
}
