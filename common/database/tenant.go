// Package database provides the tenant-scoped Postgres access layer.
// Every query runs inside a transaction that sets the active tenant, so
// row-level security enforces isolation at the storage layer.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OperatorTenant is the reserved tenant context for cross-tenant
// maintenance work (outbox draining, artifact-ownership resolution for
// subscribe validation). RLS policies expose to it only operational tables
// and the artifacts' ownership column.
const OperatorTenant = "_operator"

// TenantPool wraps a pgx pool and scopes every unit of work to a tenant.
type TenantPool struct {
	pool *pgxpool.Pool
}

// Connect builds a TenantPool from a DSN and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*TenantPool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 5
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &TenantPool{pool: pool}, nil
}

// NewTenantPool wraps an existing pool (used by tests).
func NewTenantPool(pool *pgxpool.Pool) *TenantPool {
	return &TenantPool{pool: pool}
}

// WithTenant runs fn inside a transaction whose session tenant is set to
// tenantID. SET LOCAL scopes the variable to the transaction, so pooled
// connections never leak tenant context between units of work.
func (p *TenantPool) WithTenant(ctx context.Context, tenantID string, fn func(tx pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", tenantID); err != nil {
		return fmt.Errorf("set tenant context: %w", err)
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close releases the underlying pool.
func (p *TenantPool) Close() {
	p.pool.Close()
}
