// Package repository persists verdict revisions and reads the reports and
// lists synthesis consumes.
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

// ErrArtifactNotFound is returned when the artifact row is missing.
var ErrArtifactNotFound = errors.New("artifact not found")

// Repository is the synthesizer's persistence boundary. Synthesis is
// level-triggered: it reads current store state, never message payloads.
type Repository interface {
	GetArtifact(ctx context.Context, tenantID, artifactID string) (*models.Artifact, error)
	LookupHashList(ctx context.Context, tenantID, hashValue string) (*models.HashListEntry, error)
	GetStaticReport(ctx context.Context, tenantID, artifactID string) (*models.StaticReport, error)
	GetBehavioralReport(ctx context.Context, tenantID, artifactID string) (*models.BehavioralReport, error)

	// LatestVerdict returns the most recent revision, or nil.
	LatestVerdict(ctx context.Context, tenantID, artifactID string) (*models.Verdict, error)

	// InsertVerdict appends a new verdict revision.
	InsertVerdict(ctx context.Context, v *models.Verdict) error

	Close()
}

// PostgresRepository implements Repository on the tenant-scoped pool.
//
// Expected table:
//
//	verdicts(id, artifact_id, tenant_id, verdict, risk_score, static_score,
//	         behavioral_score, evidence jsonb, overridden_by,
//	         override_reason, created_at, updated_at)
type PostgresRepository struct {
	pool *database.TenantPool
}

// NewPostgresRepository wraps a tenant pool.
func NewPostgresRepository(pool *database.TenantPool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// GetArtifact fetches the artifact row within the tenant scope.
func (r *PostgresRepository) GetArtifact(ctx context.Context, tenantID, artifactID string) (*models.Artifact, error) {
	a := &models.Artifact{}
	err := r.pool.WithTenant(ctx, tenantID, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			SELECT id, tenant_id, sha256, md5, ssdeep, size, mime, storage_key, uploaded_by, uploaded_at
			FROM artifacts WHERE tenant_id = $1 AND id = $2
		`, tenantID, artifactID).Scan(
			&a.ID, &a.TenantID, &a.SHA256, &a.MD5, &a.SSDeep,
			&a.Size, &a.MIME, &a.StorageKey, &a.UploadedBy, &a.UploadedAt,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrArtifactNotFound
		}
		if err != nil {
			return fmt.Errorf("get artifact: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// LookupHashList returns the tenant's entry for the hash, deny first.
func (r *PostgresRepository) LookupHashList(ctx context.Context, tenantID, hashValue string) (*models.HashListEntry, error) {
	var entry *models.HashListEntry
	err := r.pool.WithTenant(ctx, tenantID, func(tx pgx.Tx) error {
		e := &models.HashListEntry{}
		err := tx.QueryRow(ctx, `
			SELECT tenant_id, hash_type, hash_value, list_type, reason,
			       COALESCE(threat_classification, ''), added_by, added_at
			FROM hash_lists
			WHERE tenant_id = $1 AND hash_value = $2
			ORDER BY CASE list_type WHEN 'Deny' THEN 0 ELSE 1 END
			LIMIT 1
		`, tenantID, hashValue).Scan(
			&e.TenantID, &e.HashType, &e.HashValue, &e.ListType,
			&e.Reason, &e.ThreatClassification, &e.AddedBy, &e.AddedAt,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lookup hash list: %w", err)
		}
		entry = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// GetStaticReport loads the static report for an artifact, or nil.
func (r *PostgresRepository) GetStaticReport(ctx context.Context, tenantID, artifactID string) (*models.StaticReport, error) {
	var report *models.StaticReport
	err := r.pool.WithTenant(ctx, tenantID, func(tx pgx.Tx) error {
		var body []byte
		err := tx.QueryRow(ctx, `
			SELECT report FROM static_analysis_reports
			WHERE tenant_id = $1 AND artifact_id = $2
		`, tenantID, artifactID).Scan(&body)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get static report: %w", err)
		}
		s := &models.StaticReport{}
		if err := json.Unmarshal(body, s); err != nil {
			return fmt.Errorf("decode static report: %w", err)
		}
		report = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// GetBehavioralReport loads the behavioral report for an artifact, or nil.
func (r *PostgresRepository) GetBehavioralReport(ctx context.Context, tenantID, artifactID string) (*models.BehavioralReport, error) {
	var report *models.BehavioralReport
	err := r.pool.WithTenant(ctx, tenantID, func(tx pgx.Tx) error {
		var body []byte
		err := tx.QueryRow(ctx, `
			SELECT report FROM behavioral_analysis_reports
			WHERE tenant_id = $1 AND artifact_id = $2
		`, tenantID, artifactID).Scan(&body)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get behavioral report: %w", err)
		}
		b := &models.BehavioralReport{}
		if err := json.Unmarshal(body, b); err != nil {
			return fmt.Errorf("decode behavioral report: %w", err)
		}
		report = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// LatestVerdict returns the most recent revision, or nil.
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

// InsertVerdict appends a new verdict revision.
func (r *PostgresRepository) InsertVerdict(ctx context.Context, v *models.Verdict) error {
	evidence, err := json.Marshal(v.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}
	return r.pool.WithTenant(ctx, v.TenantID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO verdicts
				(id, artifact_id, tenant_id, verdict, risk_score, static_score,
				 behavioral_score, evidence, overridden_by, override_reason,
				 created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), $11, $12)
		`,
			v.ID, v.ArtifactID, v.TenantID, v.Verdict, v.RiskScore,
			v.StaticScore, v.BehavioralScore, evidence,
			v.OverriddenBy, v.OverrideReason, v.CreatedAt, v.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert verdict: %w", err)
		}
		return nil
	})
}

// Close releases the underlying pool.
func (r *PostgresRepository) Close() {
	r.pool.Close()
}
