// Package service runs verdict synthesis off the analysis.complete queue
// and handles analyst overrides.
package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/stormglass-sec/stormglass/common/errs"
	"github.com/stormglass-sec/stormglass/common/logging"
	"github.com/stormglass-sec/stormglass/common/messaging"
	"github.com/stormglass-sec/stormglass/common/models"
	"github.com/stormglass-sec/stormglass/verdict/internal/metrics"
	"github.com/stormglass-sec/stormglass/verdict/internal/repository"
	"github.com/stormglass-sec/stormglass/verdict/internal/synthesizer"
)

// SynthesisTimeout caps one synthesis run, trigger to persisted verdict.
const SynthesisTimeout = 2 * time.Second

// maxDeliveries matches the consumer's MaxDeliver.
const maxDeliveries = 5

// Bus is the publish surface the service needs.
type Bus interface {
	PublishConfirmed(ctx context.Context, subject string, data []byte) error
	PublishJSON(ctx context.Context, subject string, data any) error
}

// Service is the verdict synthesizer worker.
type Service struct {
	repo repository.Repository
	bus  Bus
	log  *logging.Logger
}

// New builds the service.
func New(repo repository.Repository, bus Bus, log *logging.Logger) *Service {
	return &Service{repo: repo, bus: bus, log: log}
}

// Handle is the messaging handler for analysis.complete. The payload only
// names the artifact; synthesis re-reads store state (level-triggered).
func (s *Service) Handle(ctx context.Context, msg *messaging.Message) error {
	var trigger models.AnalysisComplete
	if err := json.Unmarshal(msg.Data, &trigger); err != nil {
		s.log.ErrorContext(ctx, "unparseable trigger dropped", logging.Error(err))
		return nil
	}

	ctx = logging.WithCorrelationID(ctx, uuid.New().String())
	err := s.synthesize(ctx, trigger.TenantID, trigger.ArtifactID)
	if err == nil {
		metrics.SynthesesTotal.WithLabelValues("ok").Inc()
		return nil
	}

	if msg.Deliveries >= maxDeliveries || !errs.Retryable(err) {
		s.log.ErrorContext(ctx, "synthesis failed terminally",
			logging.ArtifactID(trigger.ArtifactID), logging.Error(err))
		metrics.SynthesesTotal.WithLabelValues("failed").Inc()
		s.publishError(ctx, &trigger, err)
		return nil
	}
	metrics.SynthesesTotal.WithLabelValues("retried").Inc()
	return err
}

func (s *Service) synthesize(ctx context.Context, tenantID, artifactID string) error {
	ctx, cancel := context.WithTimeout(ctx, SynthesisTimeout)
	defer cancel()

	s.publishProgress(ctx, tenantID, artifactID)

	artifact, err := s.repo.GetArtifact(ctx, tenantID, artifactID)
	if err != nil {
		return errs.E(errs.KindStore, "verdict.artifact", err)
	}

	static, err := s.repo.GetStaticReport(ctx, tenantID, artifactID)
	if err != nil {
		return errs.E(errs.KindStore, "verdict.static", err)
	}
	if static == nil {
		// Message causality guarantees the static report lands before
		// any completion; a miss means replication lag, so redeliver.
		return errs.Errorf(errs.KindStore, "verdict.static", "static report not yet visible")
	}

	behavioral, err := s.repo.GetBehavioralReport(ctx, tenantID, artifactID)
	if err != nil {
		return errs.E(errs.KindStore, "verdict.behavioral", err)
	}

	list, err := s.repo.LookupHashList(ctx, tenantID, artifact.SHA256)
	if err != nil {
		return errs.E(errs.KindStore, "verdict.hashlist", err)
	}

	verdict, err := synthesizer.Synthesize(synthesizer.Inputs{
		Static:     static,
		Behavioral: behavioral,
		List:       list,
	})
	if err != nil {
		return errs.E(errs.KindInternal, "verdict.synthesize", err)
	}

	// Idempotency: redeliveries and re-synthesis with unchanged inputs
	// produce no new revision.
	latest, err := s.repo.LatestVerdict(ctx, tenantID, artifactID)
	if err != nil {
		return errs.E(errs.KindStore, "verdict.latest", err)
	}
	if latest != nil && latest.OverriddenBy == "" && synthesizer.Equivalent(latest, verdict) {
		s.log.InfoContext(ctx, "verdict unchanged, no new revision",
			logging.ArtifactID(artifactID))
		return s.publishGenerated(ctx, latest)
	}

	if err := s.repo.InsertVerdict(ctx, verdict); err != nil {
		return errs.E(errs.KindStore, "verdict.insert", err)
	}
	metrics.VerdictsTotal.WithLabelValues(string(verdict.Verdict)).Inc()

	s.log.InfoContext(ctx, "verdict persisted",
		logging.TenantID(tenantID),
		logging.ArtifactID(artifactID),
		"verdict", string(verdict.Verdict),
		logging.Score(verdict.RiskScore))
	return s.publishGenerated(ctx, verdict)
}

// Override writes a new verdict revision from an analyst decision and
// triggers the same publication. Reports are untouched.
func (s *Service) Override(ctx context.Context, tenantID, artifactID, analyst, reason string, class models.VerdictClass, score int) (*models.Verdict, error) {
	latest, err := s.repo.LatestVerdict(ctx, tenantID, artifactID)
	if err != nil {
		return nil, errs.E(errs.KindStore, "verdict.override.latest", err)
	}
	if latest == nil {
		return nil, errs.Errorf(errs.KindInvalidArtifact, "verdict.override", "no verdict to override")
	}

	now := time.Now().UTC()
	revision := &models.Verdict{
		ID:              uuid.New().String(),
		ArtifactID:      artifactID,
		TenantID:        tenantID,
		Verdict:         class,
		RiskScore:       score,
		StaticScore:     latest.StaticScore,
		BehavioralScore: latest.BehavioralScore,
		Evidence:        latest.Evidence,
		OverriddenBy:    analyst,
		OverrideReason:  reason,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.InsertVerdict(ctx, revision); err != nil {
		return nil, errs.E(errs.KindStore, "verdict.override.insert", err)
	}
	metrics.OverridesTotal.Inc()

	if err := s.publishGenerated(ctx, revision); err != nil {
		return nil, err
	}
	return revision, nil
}

func (s *Service) publishGenerated(ctx context.Context, v *models.Verdict) error {
	payload, _ := json.Marshal(models.VerdictGenerated{
		VerdictID:  v.ID,
		ArtifactID: v.ArtifactID,
		TenantID:   v.TenantID,
		Verdict:    v.Verdict,
		RiskScore:  v.RiskScore,
	})
	return errs.Retry(ctx, func() error {
		if err := s.bus.PublishConfirmed(ctx, messaging.SubjectVerdictGenerated, payload); err != nil {
			return errs.E(errs.KindBus, "verdict.publish", err)
		}
		return nil
	})
}

func (s *Service) publishProgress(ctx context.Context, tenantID, artifactID string) {
	frame := models.NewProgressEvent(artifactID, tenantID, models.StageSynthesizing, models.PercentSynthesizing)
	if err := s.bus.PublishJSON(ctx, messaging.SubjectAnalysisProgress, frame); err != nil {
		s.log.WarnContext(ctx, "progress publish failed", logging.Error(err))
	}
}

func (s *Service) publishError(ctx context.Context, trigger *models.AnalysisComplete, cause error) {
	frame := models.NewPipelineError(trigger.ArtifactID, trigger.TenantID,
		string(errs.KindOf(cause)), "verdict synthesis failed")
	if err := s.bus.PublishJSON(ctx, messaging.SubjectAnalysisError, frame); err != nil {
		s.log.WarnContext(ctx, "error frame publish failed", logging.Error(err))
	}
}
