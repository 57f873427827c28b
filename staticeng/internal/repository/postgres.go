// Package repository persists static reports and reads artifact rows and
// tenant hash lists.
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

// Repository is the static engine's persistence boundary.
type Repository interface {
	GetArtifact(ctx context.Context, tenantID, artifactID string) (*models.Artifact, error)

	// LookupHashList returns the tenant's list entry for the hash, or nil.
	// Deny takes precedence when both lists somehow carry the hash.
	LookupHashList(ctx context.Context, tenantID, hashValue string) (*models.HashListEntry, error)

	// InsertReportIfAbsent persists the report unless one already exists
	// for the artifact. Returns the stored report (existing on redelivery)
	// and whether this call inserted it.
	InsertReportIfAbsent(ctx context.Context, report *models.StaticReport) (*models.StaticReport, bool, error)

	Close()
}

// PostgresRepository implements Repository on the tenant-scoped pool.
//
// Expected tables:
//
//	static_analysis_reports(id, artifact_id, tenant_id, file_type, report jsonb,
//	                        static_score, short_circuit, partial, created_at,
//	                        UNIQUE(artifact_id))
//	hash_lists(tenant_id, hash_type, hash_value, list_type, reason,
//	           threat_classification, added_by, added_at,
//	           UNIQUE(tenant_id, hash_value, list_type))
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

// InsertReportIfAbsent persists the report unless the artifact already has
// one. Redelivered jobs resolve to the existing report.
func (r *PostgresRepository) InsertReportIfAbsent(ctx context.Context, report *models.StaticReport) (*models.StaticReport, bool, error) {
	body, err := json.Marshal(report)
	if err != nil {
		return nil, false, fmt.Errorf("marshal report: %w", err)
	}

	stored := report
	inserted := false
	err = r.pool.WithTenant(ctx, report.TenantID, func(tx pgx.Tx) error {
		var id string
		err := tx.QueryRow(ctx, `
			INSERT INTO static_analysis_reports
				(id, artifact_id, tenant_id, file_type, report, static_score, short_circuit, partial, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (artifact_id) DO NOTHING
			RETURNING id
		`,
			report.ID, report.ArtifactID, report.TenantID, report.FileType,
			body, report.StaticScore, report.ShortCircuit, report.Partial, report.CreatedAt,
		).Scan(&id)
		if err == nil {
			inserted = true
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("insert static report: %w", err)
		}

		// Redelivery: load the existing report.
		var existingBody []byte
		err = tx.QueryRow(ctx, `
			SELECT report FROM static_analysis_reports
			WHERE tenant_id = $1 AND artifact_id = $2
		`, report.TenantID, report.ArtifactID).Scan(&existingBody)
		if err != nil {
			return fmt.Errorf("load existing static report: %w", err)
		}
		existing := &models.StaticReport{}
		if err := json.Unmarshal(existingBody, existing); err != nil {
			return fmt.Errorf("decode existing static report: %w", err)
		}
		stored = existing
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return stored, inserted, nil
}

// GetReport loads the static report for an artifact, or nil when absent.
func (r *PostgresRepository) GetReport(ctx context.Context, tenantID, artifactID string) (*models.StaticReport, error) {
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

// Close releases the underlying pool.
func (r *PostgresRepository) Close() {
	r.pool.Close()
}
