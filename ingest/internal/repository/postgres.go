package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/stormglass-sec/stormglass/common/database"
	"github.com/stormglass-sec/stormglass/common/models"
)

// PostgresRepository implements Repository on the tenant-scoped pool.
//
// Expected tables (migrations are managed outside the core):
//
//	artifacts(id, tenant_id, sha256, md5, ssdeep, size, mime, storage_key,
//	          uploaded_by, uploaded_at, UNIQUE(tenant_id, sha256))
//	ingest_outbox(id bigserial, tenant_id, subject, payload, created_at)
type PostgresRepository struct {
	pool *database.TenantPool
}

// NewPostgresRepository wraps a tenant pool.
func NewPostgresRepository(pool *database.TenantPool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// InsertArtifact inserts the artifact row. A unique-constraint conflict on
// (tenant_id, sha256) is a dedup hit: the existing ID is returned and no
// new row is created.
func (r *PostgresRepository) InsertArtifact(ctx context.Context, a *models.Artifact) (InsertResult, error) {
	var result InsertResult
	err := r.pool.WithTenant(ctx, a.TenantID, func(tx pgx.Tx) error {
		query := `
			INSERT INTO artifacts (id, tenant_id, sha256, md5, ssdeep, size, mime, storage_key, uploaded_by, uploaded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (tenant_id, sha256) DO NOTHING
			RETURNING id
		`
		err := tx.QueryRow(ctx, query,
			a.ID, a.TenantID, a.SHA256, a.MD5, a.SSDeep,
			a.Size, a.MIME, a.StorageKey, a.UploadedBy, a.UploadedAt,
		).Scan(&result.ArtifactID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("insert artifact: %w", err)
		}

		// Conflict path: resolve the existing row.
		err = tx.QueryRow(ctx,
			`SELECT id FROM artifacts WHERE tenant_id = $1 AND sha256 = $2`,
			a.TenantID, a.SHA256,
		).Scan(&result.ArtifactID)
		if err != nil {
			return fmt.Errorf("resolve deduped artifact: %w", err)
		}
		result.Deduped = true
		return nil
	})
	return result, err
}

// GetArtifact fetches an artifact by ID within the tenant scope.
func (r *PostgresRepository) GetArtifact(ctx context.Context, tenantID, artifactID string) (*models.Artifact, error) {
	a := &models.Artifact{}
	err := r.pool.WithTenant(ctx, tenantID, func(tx pgx.Tx) error {
		query := `
			SELECT id, tenant_id, sha256, md5, ssdeep, size, mime, storage_key, uploaded_by, uploaded_at
			FROM artifacts
			WHERE tenant_id = $1 AND id = $2
		`
		err := tx.QueryRow(ctx, query, tenantID, artifactID).Scan(
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

// EnqueueOutbox persists a publish intent for the reconciler.
func (r *PostgresRepository) EnqueueOutbox(ctx context.Context, tenantID, subject string, payload []byte) error {
	return r.pool.WithTenant(ctx, tenantID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO ingest_outbox (tenant_id, subject, payload, created_at) VALUES ($1, $2, $3, now())`,
			tenantID, subject, payload,
		)
		if err != nil {
			return fmt.Errorf("enqueue outbox: %w", err)
		}
		return nil
	})
}

// PendingOutbox returns up to limit undrained entries, oldest first. The
// reconciler runs with operator scope, so the query spans tenants.
func (r *PostgresRepository) PendingOutbox(ctx context.Context, limit int) ([]OutboxEntry, error) {
	var entries []OutboxEntry
	err := r.pool.WithTenant(ctx, database.OperatorTenant, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT id, tenant_id, subject, payload, created_at FROM ingest_outbox ORDER BY id LIMIT $1`,
			limit,
		)
		if err != nil {
			return fmt.Errorf("query outbox: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var e OutboxEntry
			if err := rows.Scan(&e.ID, &e.TenantID, &e.Subject, &e.Payload, &e.CreatedAt); err != nil {
				return fmt.Errorf("scan outbox entry: %w", err)
			}
			entries = append(entries, e)
		}
		return rows.Err()
	})
	return entries, err
}

// CompleteOutbox removes a drained entry.
func (r *PostgresRepository) CompleteOutbox(ctx context.Context, id int64) error {
	return r.pool.WithTenant(ctx, database.OperatorTenant, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM ingest_outbox WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("complete outbox: %w", err)
		}
		return nil
	})
}

// Close releases the underlying pool.
func (r *PostgresRepository) Close() {
	r.pool.Close()
}
