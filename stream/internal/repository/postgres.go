// Package repository backs the fabric's tenancy checks and verdict loads.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/stormglass-sec/stormglass/common/database"
	"github.com/stormglass-sec/stormglass/common/models"
)

// ErrArtifactNotFound is returned when no artifact matches the lookup.
var ErrArtifactNotFound = errors.New("artifact not found")

// PostgresRepository implements the fabric's read-only store access.
type PostgresRepository struct {
	pool *database.TenantPool
}

// NewPostgresRepository wraps a tenant pool.
func NewPostgresRepository(pool *database.TenantPool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// ArtifactTenant resolves which tenant owns an artifact. The lookup runs
// under the operator scope, whose RLS policy exposes ownership only; the
// result is compared against the channel identity before any data flows.
func (r *PostgresRepository) ArtifactTenant(ctx context.Context, artifactID string) (string, error) {
	var tenantID string
	err := r.pool.WithTenant(ctx, database.OperatorTenant, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`SELECT tenant_id FROM artifacts WHERE id = $1`, artifactID,
		).Scan(&tenantID)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrArtifactNotFound
		}
		if err != nil {
			return fmt.Errorf("artifact tenant: %w", err)
		}
		return nil
	})
	return tenantID, err
}

// LatestVerdict loads the most recent verdict revision for an artifact.
func (r *PostgresRepository) LatestVerdict(ctx context.Context, tenantID, artifactID string) (*models.Verdict, error) {
	var verdict *models.Verdict
	err := r.pool.WithTenant(ctx, tenantID, func(tx pgx.Tx) error {
		v := &models.Verdict{}
		var evidence []byte
		var overriddenBy, overrideReason *string
		err := tx.QueryRow(ctx, `
			SELECT id, artifact_id, tenant_id, verdict, risk_score,
			       static_score, behavioral_score, evidence,
			       overridden_by, override_reason, created_at, updated_at
			FROM verdicts
			WHERE tenant_id = $1 AND artifact_id = $2
			ORDER BY created_at DESC
			LIMIT 1
		`, tenantID, artifactID).Scan(
			&v.ID, &v.ArtifactID, &v.TenantID, &v.Verdict, &v.RiskScore,
			&v.StaticScore, &v.BehavioralScore, &evidence,
			&overriddenBy, &overrideReason, &v.CreatedAt, &v.UpdatedAt,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("latest verdict: %w", err)
		}
		if err := json.Unmarshal(evidence, &v.Evidence); err != nil {
			return fmt.Errorf("decode evidence: %w", err)
		}
		if overriddenBy != nil {
			v.OverriddenBy = *overriddenBy
		}
		if overrideReason != nil {
			v.OverrideReason = *overrideReason
		}
		verdict = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return verdict, nil
}

// Close releases the underlying pool.
func (r *PostgresRepository) Close() {
	r.pool.Close()
}
