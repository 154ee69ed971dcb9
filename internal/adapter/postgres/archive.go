package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentic-work/openagenticwork-sub000/internal/domain/orchestration"
)

// ArchiveStore implements archive.Archive and archive.Recent.
type ArchiveStore struct {
	pool *pgxpool.Pool
}

// NewArchiveStore creates an ArchiveStore backed by the given connection pool.
func NewArchiveStore(pool *pgxpool.Pool) *ArchiveStore {
	return &ArchiveStore{pool: pool}
}

// Store inserts a terminated orchestration. Re-archiving the same ID is a no-op.
func (s *ArchiveStore) Store(ctx context.Context, o *orchestration.Orchestration) error {
	handoffs, err := jsonArray(o.Handoffs)
	if err != nil {
		return fmt.Errorf("marshal handoffs: %w", err)
	}
	recoveries, err := jsonArray(o.Recoveries)
	if err != nil {
		return fmt.Errorf("marshal recoveries: %w", err)
	}
	steps, err := jsonArray(o.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO orchestrations (id, request_id, user_id, policy_version, complexity_score,
		   triggered_multi_role, trigger_reason, pipeline, roles_used, handoffs, recoveries, steps,
		   status, outcome, degraded, error, started_at, completed_at, duration_ms)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		 ON CONFLICT (id) DO NOTHING`,
		o.ID, o.RequestID, nullIfEmpty(o.UserID), o.PolicyVersion, o.ComplexityScore,
		o.TriggeredMultiRole, string(o.TriggerReason), roleStrings(o.Pipeline),
		roleStrings(o.RolesUsed()), handoffs, recoveries, steps,
		string(o.Status), string(o.Outcome), o.Degraded, nullIfEmpty(o.Error),
		o.StartedAt, o.CompletedAt, o.DurationMs())
	if err != nil {
		return fmt.Errorf("archive orchestration %s: %w", o.ID, err)
	}
	return nil
}

// Recent returns up to limit archived orchestrations, newest first.
func (s *ArchiveStore) Recent(ctx context.Context, limit int) ([]orchestration.Orchestration, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, request_id, user_id, policy_version, complexity_score, triggered_multi_role,
		   trigger_reason, pipeline, handoffs, recoveries, steps, status, outcome, degraded,
		   error, started_at, completed_at
		 FROM orchestrations ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list orchestrations: %w", err)
	}
	defer rows.Close()

	var out []orchestration.Orchestration
	for rows.Next() {
		o, err := scanOrchestration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func scanOrchestration(row scannable) (*orchestration.Orchestration, error) {
	var (
		o                      orchestration.Orchestration
		userID, errText        *string
		pipeline               []string
		handoffs, recov, steps []byte
		reason, status, outc   string
		completedAt            *time.Time
	)
	err := row.Scan(&o.ID, &o.RequestID, &userID, &o.PolicyVersion, &o.ComplexityScore,
		&o.TriggeredMultiRole, &reason, &pipeline, &handoffs, &recov, &steps,
		&status, &outc, &o.Degraded, &errText, &o.StartedAt, &completedAt)
	if err != nil {
		return nil, fmt.Errorf("scan orchestration: %w", err)
	}
	if userID != nil {
		o.UserID = *userID
	}
	if errText != nil {
		o.Error = *errText
	}
	o.TriggerReason = orchestration.TriggerReason(reason)
	o.Status = orchestration.Status(status)
	o.Outcome = orchestration.Outcome(outc)
	o.CompletedAt = completedAt
	for _, r := range pipeline {
		o.Pipeline = append(o.Pipeline, orchestration.RoleName(r))
	}
	if err := json.Unmarshal(handoffs, &o.Handoffs); err != nil {
		return nil, fmt.Errorf("unmarshal handoffs: %w", err)
	}
	if err := json.Unmarshal(recov, &o.Recoveries); err != nil {
		return nil, fmt.Errorf("unmarshal recoveries: %w", err)
	}
	if err := json.Unmarshal(steps, &o.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	return &o, nil
}
