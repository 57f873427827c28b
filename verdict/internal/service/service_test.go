package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stormglass-sec/stormglass/common/logging"
	"github.com/stormglass-sec/stormglass/common/messaging"
	"github.com/stormglass-sec/stormglass/common/models"
)

type fakeRepo struct {
	mu         sync.Mutex
	artifacts  map[string]*models.Artifact
	lists      map[string]*models.HashListEntry
	static     map[string]*models.StaticReport
	behavioral map[string]*models.BehavioralReport
	verdicts   []*models.Verdict
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		artifacts:  map[string]*models.Artifact{},
		lists:      map[string]*models.HashListEntry{},
		static:     map[string]*models.StaticReport{},
		behavioral: map[string]*models.BehavioralReport{},
	}
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

func (f *fakeRepo) GetStaticReport(ctx context.Context, tenantID, artifactID string) (*models.StaticReport, error) {
	return f.static[artifactID], nil
}

func (f *fakeRepo) GetBehavioralReport(ctx context.Context, tenantID, artifactID string) (*models.BehavioralReport, error) {
	return f.behavioral[artifactID], nil
}

func (f *fakeRepo) LatestVerdict(ctx context.Context, tenantID, artifactID string) (*models.Verdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.verdicts) - 1; i >= 0; i-- {
		if f.verdicts[i].ArtifactID == artifactID && f.verdicts[i].TenantID == tenantID {
			return f.verdicts[i], nil
		}
	}
	return nil, nil
}

func (f *fakeRepo) InsertVerdict(ctx context.Context, v *models.Verdict) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verdicts = append(f.verdicts, v)
	return nil
}

func (f *fakeRepo) Close() {}

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

func trigger(t *testing.T, phase models.AnalysisPhase) *messaging.Message {
	t.Helper()
	data, err := json.Marshal(models.AnalysisComplete{
		ArtifactID: "art-1", TenantID: "tenant-a", Phase: phase,
	})
	require.NoError(t, err)
	return &messaging.Message{Subject: messaging.SubjectAnalysisComplete, Data: data, Deliveries: 1}
}

func setup(t *testing.T) (*Service, *fakeRepo, *fakeBus) {
	t.Helper()
	repo := newFakeRepo()
	repo.artifacts["art-1"] = &models.Artifact{
		ID: "art-1", TenantID: "tenant-a", SHA256: "sha-1",
	}
	bus := &fakeBus{}
	return New(repo, bus, logging.Default()), repo, bus
}

func TestStaticOnlySynthesis(t *testing.T) {
	svc, repo, bus := setup(t)
	repo.static["art-1"] = &models.StaticReport{
		ArtifactID: "art-1", TenantID: "tenant-a", StaticScore: 20,
	}

	require.NoError(t, svc.Handle(context.Background(), trigger(t, models.PhaseStatic)))

	require.Len(t, repo.verdicts, 1)
	v := repo.verdicts[0]
	assert.Equal(t, models.VerdictClean, v.Verdict)
	assert.Equal(t, 20, v.RiskScore)
	require.Len(t, bus.confirmed[messaging.SubjectVerdictGenerated], 1)

	var gen models.VerdictGenerated
	require.NoError(t, json.Unmarshal(bus.confirmed[messaging.SubjectVerdictGenerated][0], &gen))
	assert.Equal(t, v.ID, gen.VerdictID)
	assert.Len(t, bus.json[messaging.SubjectAnalysisProgress], 1)
}

func TestCompositeSynthesisAfterDynamic(t *testing.T) {
	svc, repo, _ := setup(t)
	repo.static["art-1"] = &models.StaticReport{
		ArtifactID: "art-1", TenantID: "tenant-a", StaticScore: 60,
	}
	repo.behavioral["art-1"] = &models.BehavioralReport{
		ArtifactID: "art-1", TenantID: "tenant-a", BehavioralScore: 90,
		RansomwareIndicators: []string{"shadow_copy_deletion", "sustained_file_modification_rate"},
	}

	require.NoError(t, svc.Handle(context.Background(), trigger(t, models.PhaseDynamic)))

	require.Len(t, repo.verdicts, 1)
	v := repo.verdicts[0]
	// 0.4*60 + 0.6*90 = 78 -> Malicious.
	assert.Equal(t, 78, v.RiskScore)
	assert.Equal(t, models.VerdictMalicious, v.Verdict)
	assert.Contains(t, v.Evidence.Behaviors, "shadow_copy_deletion")
}

func TestRedeliveryProducesNoNewRevision(t *testing.T) {
	svc, repo, bus := setup(t)
	repo.static["art-1"] = &models.StaticReport{
		ArtifactID: "art-1", TenantID: "tenant-a", StaticScore: 20,
	}

	msg := trigger(t, models.PhaseStatic)
	require.NoError(t, svc.Handle(context.Background(), msg))
	require.NoError(t, svc.Handle(context.Background(), msg))

	assert.Len(t, repo.verdicts, 1, "unchanged inputs must not append a revision")
	// The publication is repeated so downstream consumers converge.
	assert.Len(t, bus.confirmed[messaging.SubjectVerdictGenerated], 2)
}

func TestDenyListWinsOverScores(t *testing.T) {
	svc, repo, _ := setup(t)
	repo.static["art-1"] = &models.StaticReport{
		ArtifactID: "art-1", TenantID: "tenant-a", StaticScore: 0, ShortCircuit: true,
	}
	repo.lists["tenant-a/sha-1"] = &models.HashListEntry{
		TenantID: "tenant-a", HashValue: "sha-1", ListType: models.ListDeny, Reason: "blocklisted",
	}

	require.NoError(t, svc.Handle(context.Background(), trigger(t, models.PhaseStatic)))

	require.Len(t, repo.verdicts, 1)
	assert.Equal(t, models.VerdictMalicious, repo.verdicts[0].Verdict)
	assert.Equal(t, 100, repo.verdicts[0].RiskScore)
}

func TestMissingStaticReportRedelivers(t *testing.T) {
	svc, _, _ := setup(t)
	err := svc.Handle(context.Background(), trigger(t, models.PhaseStatic))
	assert.Error(t, err, "missing static report must NAK for redelivery")
}

func TestOverrideAppendsRevisionAndRepublishes(t *testing.T) {
	svc, repo, bus := setup(t)
	repo.static["art-1"] = &models.StaticReport{
		ArtifactID: "art-1", TenantID: "tenant-a", StaticScore: 80,
	}
	require.NoError(t, svc.Handle(context.Background(), trigger(t, models.PhaseStatic)))
	require.Len(t, repo.verdicts, 1)

	rev, err := svc.Override(context.Background(), "tenant-a", "art-1",
		"analyst-7", "false positive, signed build", models.VerdictClean, 0)
	require.NoError(t, err)

	assert.Len(t, repo.verdicts, 2, "override appends, never mutates")
	assert.Equal(t, "analyst-7", rev.OverriddenBy)
	assert.Equal(t, models.VerdictClean, rev.Verdict)
	// Prior revision preserved.
	assert.Equal(t, models.VerdictMalicious, repo.verdicts[0].Verdict)
	assert.Len(t, bus.confirmed[messaging.SubjectVerdictGenerated], 2)
}

func TestOverrideWithoutVerdictFails(t *testing.T) {
	svc, _, _ := setup(t)
	_, err := svc.Override(context.Background(), "tenant-a", "art-1",
		"analyst-7", "reason", models.VerdictClean, 0)
	assert.Error(t, err)
}

func TestSynthesisMeetsPersistenceBudget(t *testing.T) {
	svc, repo, _ := setup(t)
	repo.static["art-1"] = &models.StaticReport{
		ArtifactID: "art-1", TenantID: "tenant-a", StaticScore: 10,
	}

	start := time.Now()
	require.NoError(t, svc.Handle(context.Background(), trigger(t, models.PhaseStatic)))
	assert.Less(t, time.Since(start), SynthesisTimeout)
}
