// Package repository persists artifact records and the publish outbox.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/stormglass-sec/stormglass/common/models"
)

// ErrArtifactNotFound is returned when no artifact matches the lookup.
var ErrArtifactNotFound = errors.New("artifact not found")

// InsertResult reports whether the insert created a new row or resolved to
// an existing one (dedup hit on (tenant_id, sha256)).
type InsertResult struct {
	ArtifactID string
	Deduped    bool
}

// OutboxEntry is a pending publish persisted when the bus was unavailable.
// The reconciler drains entries for exactly-once-effective enqueue.
type OutboxEntry struct {
	ID        int64
	TenantID  string
	Subject   string
	Payload   []byte
	CreatedAt time.Time
}

// Repository is the ingest stage's persistence boundary.
type Repository interface {
	// InsertArtifact inserts the artifact or resolves the dedup hit.
	InsertArtifact(ctx context.Context, a *models.Artifact) (InsertResult, error)

	// GetArtifact fetches an artifact by ID within the tenant scope.
	GetArtifact(ctx context.Context, tenantID, artifactID string) (*models.Artifact, error)

	// EnqueueOutbox persists a publish intent for the reconciler.
	EnqueueOutbox(ctx context.Context, tenantID, subject string, payload []byte) error

	// PendingOutbox returns up to limit undrained entries, oldest first.
	PendingOutbox(ctx context.Context, limit int) ([]OutboxEntry, error)

	// CompleteOutbox removes a drained entry.
	CompleteOutbox(ctx context.Context, id int64) error

	Close()
}
