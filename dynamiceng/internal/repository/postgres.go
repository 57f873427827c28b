// Package repository persists behavioral reports and reads artifact rows.
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

// Repository is the dynamic engine's persistence boundary.
type Repository interface {
	GetArtifact(ctx context.Context, tenantID, artifactID string) (*models.Artifact, error)

	// GetReport loads the behavioral report for an artifact, or nil.
	GetReport(ctx context.Context, tenantID, artifactID string) (*models.BehavioralReport, error)

	// InsertReportIfAbsent persists the report unless one already exists.
	InsertReportIfAbsent(ctx context.Context, report *models.BehavioralReport) (*models.BehavioralReport, bool, error)

	Close()
}

// PostgresRepository implements Repository on the tenant-scoped pool.
//
// Expected table:
//
//	behavioral_analysis_reports(id, artifact_id, tenant_id, report jsonb,
//	                            behavioral_score, faulted, created_at,
//	                            UNIQUE(artifact_id))
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

// GetReport loads the behavioral report for an artifact, or nil.
func (r *PostgresRepository) GetReport(ctx context.Context, tenantID, artifactID string) (*models.BehavioralReport, error) {
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

// InsertReportIfAbsent persists the report unless the artifact already has
// one; redeliveries resolve to the existing row.
func (r *PostgresRepository) InsertReportIfAbsent(ctx context.Context, report *models.BehavioralReport) (*models.BehavioralReport, bool, error) {
	body, err := json.Marshal(report)
	if err != nil {
		return nil, false, fmt.Errorf("marshal report: %w", err)
	}

	stored := report
	inserted := false
	err = r.pool.WithTenant(ctx, report.TenantID, func(tx pgx.Tx) error {
		var id string
		err := tx.QueryRow(ctx, `
			INSERT INTO behavioral_analysis_reports
				(id, artifact_id, tenant_id, report, behavioral_score, faulted, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (artifact_id) DO NOTHING
			RETURNING id
		`,
			report.ID, report.ArtifactID, report.TenantID, body,
			report.BehavioralScore, report.Faulted, report.CreatedAt,
		).Scan(&id)
		if err == nil {
			inserted = true
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("insert behavioral report: %w", err)
		}

		var existingBody []byte
		err = tx.QueryRow(ctx, `
			SELECT report FROM behavioral_analysis_reports
			WHERE tenant_id = $1 AND artifact_id = $2
		`, report.TenantID, report.ArtifactID).Scan(&existingBody)
		if err != nil {
			return fmt.Errorf("load existing behavioral report: %w", err)
		}
		existing := &models.BehavioralReport{}
		if err := json.Unmarshal(existingBody, existing); err != nil {
			return fmt.Errorf("decode existing behavioral report: %w", err)
		}
		stored = existing
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return stored, inserted, nil
}

// Close releases the underlying pool.
func (r *PostgresRepository) Close() {
	r.pool.Close()
}
