package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stormglass-sec/stormglass/common/logging"
	"github.com/stormglass-sec/stormglass/common/models"
	"github.com/stormglass-sec/stormglass/ingest/internal/repository"
)

type fakeRepo struct {
	mu        sync.Mutex
	entries   []repository.OutboxEntry
	completed []int64
}

func (f *fakeRepo) InsertArtifact(ctx context.Context, a *models.Artifact) (repository.InsertResult, error) {
	return repository.InsertResult{}, nil
}

func (f *fakeRepo) GetArtifact(ctx context.Context, tenantID, artifactID string) (*models.Artifact, error) {
	return nil, repository.ErrArtifactNotFound
}

func (f *fakeRepo) EnqueueOutbox(ctx context.Context, tenantID, subject string, payload []byte) error {
	return nil
}

func (f *fakeRepo) PendingOutbox(ctx context.Context, limit int) ([]repository.OutboxEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]repository.OutboxEntry, len(f.entries))
	copy(out, f.entries)
	return out, nil
}

func (f *fakeRepo) CompleteOutbox(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, id)
	kept := f.entries[:0]
	for _, e := range f.entries {
		if e.ID != id {
			kept = append(kept, e)
		}
	}
	f.entries = kept
	return nil
}

func (f *fakeRepo) Close() {}

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	err      error
}

func (f *fakePublisher) PublishConfirmed(ctx context.Context, subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	return nil
}

func TestDrainPublishesAndCompletes(t *testing.T) {
	repo := &fakeRepo{entries: []repository.OutboxEntry{
		{ID: 1, TenantID: "t", Subject: "artifact.uploaded", Payload: []byte(`{}`)},
		{ID: 2, TenantID: "t", Subject: "artifact.uploaded", Payload: []byte(`{}`)},
	}}
	pub := &fakePublisher{}
	r := New(repo, pub, logging.Default(), time.Second, 10)

	r.drain(context.Background())

	if len(pub.subjects) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(pub.subjects))
	}
	if len(repo.completed) != 2 {
		t.Fatalf("expected 2 completions, got %d", len(repo.completed))
	}
	if len(repo.entries) != 0 {
		t.Errorf("expected drained outbox, %d entries remain", len(repo.entries))
	}
}

func TestDrainKeepsEntriesWhenBusDown(t *testing.T) {
	repo := &fakeRepo{entries: []repository.OutboxEntry{
		{ID: 1, TenantID: "t", Subject: "artifact.uploaded", Payload: []byte(`{}`)},
	}}
	pub := &fakePublisher{err: errors.New("no servers")}
	r := New(repo, pub, logging.Default(), time.Second, 10)

	r.drain(context.Background())

	if len(repo.completed) != 0 {
		t.Error("entry must not complete when the publish fails")
	}
	if len(repo.entries) != 1 {
		t.Error("entry must remain for the next drain")
	}
}
