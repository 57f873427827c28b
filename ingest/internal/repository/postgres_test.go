package repository

import (
	"context"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/stormglass-sec/stormglass/common/database"
	"github.com/stormglass-sec/stormglass/common/models"
)

const testSchema = `
CREATE TABLE artifacts (
	id UUID PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	sha256 TEXT NOT NULL,
	md5 TEXT NOT NULL,
	ssdeep TEXT NOT NULL DEFAULT '',
	size BIGINT NOT NULL,
	mime TEXT NOT NULL DEFAULT '',
	storage_key TEXT NOT NULL,
	uploaded_by TEXT NOT NULL,
	uploaded_at TIMESTAMPTZ NOT NULL,
	UNIQUE (tenant_id, sha256)
);
CREATE TABLE ingest_outbox (
	id BIGSERIAL PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	subject TEXT NOT NULL,
	payload BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// setupTestDatabase starts a PostgreSQL testcontainer with the artifact
// schema applied.
func setupTestDatabase(t *testing.T) *PostgresRepository {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("stormglass_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	if _, err := pool.Exec(ctx, testSchema); err != nil {
		t.Fatalf("Failed to apply schema: %v", err)
	}

	repo := NewPostgresRepository(database.NewTenantPool(pool))
	t.Cleanup(repo.Close)
	return repo
}

func fakeArtifact(tenantID string) *models.Artifact {
	return &models.Artifact{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		SHA256:     gofakeit.LetterN(64),
		MD5:        gofakeit.LetterN(32),
		Size:       int64(gofakeit.Number(1024, 1<<20)),
		MIME:       "application/octet-stream",
		StorageKey: tenantID + "/artifacts/2026/01/01/" + uuid.New().String(),
		UploadedBy: gofakeit.Username(),
		UploadedAt: time.Now().UTC(),
	}
}

func TestInsertArtifactDedupe(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	repo := setupTestDatabase(t)
	ctx := context.Background()

	a := fakeArtifact("tenant-a")
	first, err := repo.InsertArtifact(ctx, a)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if first.Deduped {
		t.Fatal("first insert must not dedupe")
	}

	dup := fakeArtifact("tenant-a")
	dup.SHA256 = a.SHA256
	second, err := repo.InsertArtifact(ctx, dup)
	if err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	if !second.Deduped {
		t.Error("duplicate (tenant_id, sha256) must dedupe")
	}
	if second.ArtifactID != first.ArtifactID {
		t.Errorf("dedup must resolve to existing id %s, got %s", first.ArtifactID, second.ArtifactID)
	}

	// Same hash under another tenant is a distinct artifact.
	other := fakeArtifact("tenant-b")
	other.SHA256 = a.SHA256
	third, err := repo.InsertArtifact(ctx, other)
	if err != nil {
		t.Fatalf("cross-tenant insert: %v", err)
	}
	if third.Deduped {
		t.Error("same hash under another tenant must not dedupe")
	}
}

func TestOutboxRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	repo := setupTestDatabase(t)
	ctx := context.Background()

	if err := repo.EnqueueOutbox(ctx, "tenant-a", "artifact.uploaded", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	pending, err := repo.PendingOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending entry, got %d", len(pending))
	}

	if err := repo.CompleteOutbox(ctx, pending[0].ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	pending, err = repo.PendingOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("pending after complete: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected drained outbox, got %d entries", len(pending))
	}
}
