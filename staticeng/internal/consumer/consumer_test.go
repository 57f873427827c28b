package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stormglass-sec/stormglass/common/logging"
	"github.com/stormglass-sec/stormglass/common/messaging"
	"github.com/stormglass-sec/stormglass/common/models"
	"github.com/stormglass-sec/stormglass/staticeng/internal/engine"
)

type fakeRepo struct {
	mu        sync.Mutex
	artifacts map[string]*models.Artifact
	lists     map[string]*models.HashListEntry
	reports   map[string]*models.StaticReport
}

func (f *fakeRepo) GetArtifact(ctx context.Context, tenantID, artifactID string) (*models.Artifact, error) {
	a, ok := f.artifacts[artifactID]
	if !ok || a.TenantID != tenantID {
		return nil, errors.New("artifact not found")
	}
	return a, nil
}

func (f *fakeRepo) LookupHashList(ctx context.Context, tenantID, hashValue string) (*models.HashListEntry, error) {
	return f.lists[tenantID+"/"+hashValue], nil
}

func (f *fakeRepo) InsertReportIfAbsent(ctx context.Context, report *models.StaticReport) (*models.StaticReport, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.reports[report.ArtifactID]; ok {
		return existing, false, nil
	}
	f.reports[report.ArtifactID] = report
	return report, true, nil
}

func (f *fakeRepo) Close() {}

type fakeBlobs struct {
	objects map[string][]byte
}

func (f *fakeBlobs) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type fakeBus struct {
	mu        sync.Mutex
	confirmed map[string][][]byte
	json      map[string][]any
}

func (f *fakeBus) PublishConfirmed(ctx context.Context, subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.confirmed == nil {
		f.confirmed = map[string][][]byte{}
	}
	f.confirmed[subject] = append(f.confirmed[subject], data)
	return nil
}

func (f *fakeBus) PublishJSON(ctx context.Context, subject string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.json == nil {
		f.json = map[string][]any{}
	}
	f.json[subject] = append(f.json[subject], data)
	return nil
}

func setup(t *testing.T) (*Consumer, *fakeRepo, *fakeBlobs, *fakeBus) {
	t.Helper()
	rules, err := engine.LoadRules("")
	require.NoError(t, err)
	eng := engine.New(rules, nil, logging.Default())

	repo := &fakeRepo{
		artifacts: map[string]*models.Artifact{},
		lists:     map[string]*models.HashListEntry{},
		reports:   map[string]*models.StaticReport{},
	}
	blobs := &fakeBlobs{objects: map[string][]byte{}}
	bus := &fakeBus{}
	return New(repo, blobs, bus, eng, logging.Default()), repo, blobs, bus
}

func jobMessage(t *testing.T, job models.ArtifactUploaded, deliveries int) *messaging.Message {
	t.Helper()
	data, err := json.Marshal(job)
	require.NoError(t, err)
	return &messaging.Message{Subject: messaging.SubjectArtifactUploaded, Data: data, Deliveries: deliveries}
}

func addArtifact(repo *fakeRepo, blobs *fakeBlobs, id, tenant, sha string, data []byte) *models.Artifact {
	a := &models.Artifact{
		ID: id, TenantID: tenant, SHA256: sha, MD5: "md5-" + id,
		StorageKey: tenant + "/artifacts/2026/01/01/" + id,
		UploadedAt: time.Now().UTC(),
	}
	repo.artifacts[id] = a
	blobs.objects[a.StorageKey] = data
	return a
}

func TestHandleCleanArtifactPublishesComplete(t *testing.T) {
	c, repo, blobs, bus := setup(t)
	addArtifact(repo, blobs, "art-1", "tenant-a", "sha-1", make([]byte, 64*1024))

	err := c.Handle(context.Background(), jobMessage(t, models.ArtifactUploaded{
		ArtifactID: "art-1", TenantID: "tenant-a", SHA256: "sha-1",
	}, 1))
	require.NoError(t, err)

	report := repo.reports["art-1"]
	require.NotNil(t, report)
	assert.Equal(t, 0, report.StaticScore)

	require.Len(t, bus.confirmed[messaging.SubjectAnalysisComplete], 1)
	var complete models.AnalysisComplete
	require.NoError(t, json.Unmarshal(bus.confirmed[messaging.SubjectAnalysisComplete][0], &complete))
	assert.Equal(t, models.PhaseStatic, complete.Phase)
	assert.False(t, complete.ShortCircuit)
	assert.Empty(t, bus.confirmed[messaging.SubjectDynamicRequested])
	assert.Len(t, bus.json[messaging.SubjectAnalysisProgress], 1)
}

func TestHandleDenyListShortCircuits(t *testing.T) {
	c, repo, blobs, bus := setup(t)
	addArtifact(repo, blobs, "art-2", "tenant-a", "bad-sha", []byte("anything"))
	repo.lists["tenant-a/bad-sha"] = &models.HashListEntry{
		TenantID: "tenant-a", HashValue: "bad-sha", ListType: models.ListDeny,
	}

	err := c.Handle(context.Background(), jobMessage(t, models.ArtifactUploaded{
		ArtifactID: "art-2", TenantID: "tenant-a", SHA256: "bad-sha",
	}, 1))
	require.NoError(t, err)

	report := repo.reports["art-2"]
	require.NotNil(t, report)
	assert.Equal(t, 100, report.StaticScore)
	assert.True(t, report.ShortCircuit)

	var complete models.AnalysisComplete
	require.NoError(t, json.Unmarshal(bus.confirmed[messaging.SubjectAnalysisComplete][0], &complete))
	assert.True(t, complete.ShortCircuit)
	// No sandbox for listed hashes.
	assert.Empty(t, bus.confirmed[messaging.SubjectDynamicRequested])
}

func TestHandleAllowListShortCircuits(t *testing.T) {
	c, repo, blobs, bus := setup(t)
	// EICAR content would normally score 35, but the allow list wins.
	eicar := []byte(`X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`)
	addArtifact(repo, blobs, "art-3", "tenant-a", "good-sha", eicar)
	repo.lists["tenant-a/good-sha"] = &models.HashListEntry{
		TenantID: "tenant-a", HashValue: "good-sha", ListType: models.ListAllow,
	}

	err := c.Handle(context.Background(), jobMessage(t, models.ArtifactUploaded{
		ArtifactID: "art-3", TenantID: "tenant-a", SHA256: "good-sha",
	}, 1))
	require.NoError(t, err)

	report := repo.reports["art-3"]
	require.NotNil(t, report)
	assert.Equal(t, 0, report.StaticScore)
	assert.True(t, report.ShortCircuit)
	assert.Len(t, bus.confirmed[messaging.SubjectAnalysisComplete], 1)
}

func TestHandleRedeliveryIsIdempotent(t *testing.T) {
	c, repo, blobs, bus := setup(t)
	addArtifact(repo, blobs, "art-4", "tenant-a", "sha-4", make([]byte, 4096))
	msg := jobMessage(t, models.ArtifactUploaded{
		ArtifactID: "art-4", TenantID: "tenant-a", SHA256: "sha-4",
	}, 1)

	require.NoError(t, c.Handle(context.Background(), msg))
	first := repo.reports["art-4"]

	require.NoError(t, c.Handle(context.Background(), msg))
	assert.Same(t, first, repo.reports["art-4"], "redelivery must not replace the report")
	// Completion republish is tolerated; report row is not duplicated.
	assert.Len(t, bus.confirmed[messaging.SubjectAnalysisComplete], 2)
}

func TestHandleTerminalFailureAcksAndStreamsError(t *testing.T) {
	c, _, _, bus := setup(t)

	// Unknown artifact: store error on every attempt, final delivery.
	err := c.Handle(context.Background(), jobMessage(t, models.ArtifactUploaded{
		ArtifactID: "ghost", TenantID: "tenant-a", SHA256: "x",
	}, maxDeliveries))
	require.NoError(t, err, "final delivery must ack")
	require.Len(t, bus.json[messaging.SubjectAnalysisError], 1)
	frame := bus.json[messaging.SubjectAnalysisError][0].(models.PipelineError)
	assert.Equal(t, "ghost", frame.ArtifactID)
	assert.Equal(t, string("store_error"), frame.ErrorKind)
}

func TestHandlePoisonMessageAcks(t *testing.T) {
	c, _, _, _ := setup(t)
	err := c.Handle(context.Background(), &messaging.Message{Data: []byte("not json")})
	assert.NoError(t, err)
}
