package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentic-work/openagenticwork-sub000/internal/domain/orchestration"
)

// PolicyStore implements policyrepo.Repository. Each policy write is a new row.
type PolicyStore struct {
	pool *pgxpool.Pool
}

// NewPolicyStore creates a PolicyStore backed by the given connection pool.
func NewPolicyStore(pool *pgxpool.Pool) *PolicyStore {
	return &PolicyStore{pool: pool}
}

const policyColumns = `version, policy, updated_by, updated_at`

func (s *PolicyStore) Latest(ctx context.Context) (*orchestration.PolicySnapshot, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+policyColumns+` FROM orchestration_policies ORDER BY version DESC LIMIT 1`)
	snap, err := scanSnapshot(row)
	if err != nil {
		return nil, notFoundWrap(err, "latest policy")
	}
	return snap, nil
}

func (s *PolicyStore) Get(ctx context.Context, version int64) (*orchestration.PolicySnapshot, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+policyColumns+` FROM orchestration_policies WHERE version = $1`, version)
	snap, err := scanSnapshot(row)
	if err != nil {
		return nil, notFoundWrap(err, "get policy version %d", version)
	}
	return snap, nil
}

func (s *PolicyStore) Save(ctx context.Context, snap *orchestration.PolicySnapshot) error {
	data, err := json.Marshal(&snap.Policy)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO orchestration_policies (version, policy, enabled, updated_by, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		snap.Version, data, snap.Policy.Enabled, nullIfEmpty(snap.UpdatedBy), snap.UpdatedAt)
	if err != nil {
		return conflictWrap(err, "save policy version %d", snap.Version)
	}
	return nil
}

func (s *PolicyStore) List(ctx context.Context, limit int) ([]orchestration.PolicySnapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+policyColumns+` FROM orchestration_policies ORDER BY version DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var out []orchestration.PolicySnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		out = append(out, *snap)
	}
	return out, rows.Err()
}

func scanSnapshot(row scannable) (*orchestration.PolicySnapshot, error) {
	var (
		snap      orchestration.PolicySnapshot
		data      []byte
		updatedBy *string
		updatedAt time.Time
	)
	if err := row.Scan(&snap.Version, &data, &updatedBy, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &snap.Policy); err != nil {
		return nil, fmt.Errorf("unmarshal policy v%d: %w", snap.Version, err)
	}
	if updatedBy != nil {
		snap.UpdatedBy = *updatedBy
	}
	snap.UpdatedAt = updatedAt
	return &snap, nil
}
