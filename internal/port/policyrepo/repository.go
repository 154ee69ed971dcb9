// Package policyrepo defines the storage port for versioned orchestration policies.
package policyrepo

import (
	"context"

	"github.com/agentic-work/openagenticwork-sub000/internal/domain/orchestration"
)

// Repository persists policy snapshots. Versions are append-only.
type Repository interface {
	// Latest returns the newest snapshot or domain.ErrNotFound when none exists.
	Latest(ctx context.Context) (*orchestration.PolicySnapshot, error)

	// Get returns the snapshot with the given version or domain.ErrNotFound.
	Get(ctx context.Context, version int64) (*orchestration.PolicySnapshot, error)

	// Save stores a new snapshot. It returns domain.ErrConflict when the
	// version already exists.
	Save(ctx context.Context, snap *orchestration.PolicySnapshot) error

	// List returns up to limit snapshots, newest first.
	List(ctx context.Context, limit int) ([]orchestration.PolicySnapshot, error)
}
