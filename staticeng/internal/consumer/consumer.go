// Package consumer drives the static engine off the durable
// artifact.uploaded queue.
package consumer

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/stormglass-sec/stormglass/common/errs"
	"github.com/stormglass-sec/stormglass/common/logging"
	"github.com/stormglass-sec/stormglass/common/messaging"
	"github.com/stormglass-sec/stormglass/common/models"
	"github.com/stormglass-sec/stormglass/staticeng/internal/engine"
	"github.com/stormglass-sec/stormglass/staticeng/internal/metrics"
	"github.com/stormglass-sec/stormglass/staticeng/internal/repository"
)

// DynamicThreshold is the static score at which an executable artifact is
// escalated to dynamic analysis.
const DynamicThreshold = 30

// maxDeliveries matches the consumer's MaxDeliver; the final failed
// delivery acks and surfaces the terminal error instead of redelivering.
const maxDeliveries = 5

// BlobStore is the artifact byte source.
type BlobStore interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// Bus is the publish surface the consumer needs.
type Bus interface {
	PublishConfirmed(ctx context.Context, subject string, data []byte) error
	PublishJSON(ctx context.Context, subject string, data any) error
}

// Consumer processes artifact.uploaded jobs.
type Consumer struct {
	repo   repository.Repository
	blobs  BlobStore
	bus    Bus
	engine *engine.Engine
	log    *logging.Logger
}

// New builds the consumer.
func New(repo repository.Repository, blobs BlobStore, bus Bus, eng *engine.Engine, log *logging.Logger) *Consumer {
	return &Consumer{repo: repo, blobs: blobs, bus: bus, engine: eng, log: log}
}

// Handle is the messaging handler for artifact.uploaded. A nil return
// acknowledges; an error NAKs for redelivery until the delivery cap.
func (c *Consumer) Handle(ctx context.Context, msg *messaging.Message) error {
	var job models.ArtifactUploaded
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		// Poison message: acknowledge, it will never parse.
		c.log.ErrorContext(ctx, "unparseable job dropped", logging.Error(err))
		metrics.JobsTotal.WithLabelValues("poison").Inc()
		return nil
	}

	ctx = logging.WithCorrelationID(ctx, uuid.New().String())
	err := c.process(ctx, &job)
	if err == nil {
		metrics.JobsTotal.WithLabelValues("ok").Inc()
		return nil
	}

	if msg.Deliveries >= maxDeliveries || !errs.Retryable(err) {
		// Final attempt: one terminal error frame, then acknowledge so
		// the broker stops redelivering.
		c.log.ErrorContext(ctx, "static analysis failed terminally",
			logging.ArtifactID(job.ArtifactID), logging.Error(err))
		metrics.JobsTotal.WithLabelValues("failed").Inc()
		c.publishError(ctx, &job, err)
		return nil
	}

	c.log.WarnContext(ctx, "static analysis failed, will redeliver",
		logging.ArtifactID(job.ArtifactID), logging.Error(err))
	metrics.JobsTotal.WithLabelValues("retried").Inc()
	return err
}

func (c *Consumer) process(ctx context.Context, job *models.ArtifactUploaded) error {
	start := time.Now()

	artifact, err := c.repo.GetArtifact(ctx, job.TenantID, job.ArtifactID)
	if err != nil {
		return errs.E(errs.KindStore, "static.artifact", err)
	}

	// Allow/deny short-circuit: the list decides, no scan runs.
	entry, err := c.repo.LookupHashList(ctx, job.TenantID, artifact.SHA256)
	if err != nil {
		return errs.E(errs.KindStore, "static.hashlist", err)
	}
	if entry != nil {
		return c.shortCircuit(ctx, artifact, entry)
	}

	data, err := c.fetch(ctx, artifact.StorageKey)
	if err != nil {
		return err
	}

	report := c.engine.Analyze(ctx, artifact, data)

	stored, inserted, err := c.repo.InsertReportIfAbsent(ctx, report)
	if err != nil {
		return errs.E(errs.KindStore, "static.persist", err)
	}
	if !inserted {
		c.log.InfoContext(ctx, "redelivered job resolved to existing report",
			logging.ArtifactID(artifact.ID))
	}

	c.publishProgress(ctx, artifact)

	// Escalate to dynamic only for executable formats that scored at or
	// above the threshold.
	if stored.StaticScore >= DynamicThreshold && stored.FileType.Executable() {
		if err := c.publishDynamicRequest(ctx, artifact); err != nil {
			return err
		}
	} else {
		if err := c.publishComplete(ctx, artifact, false); err != nil {
			return err
		}
	}

	c.log.InfoContext(ctx, "static analysis complete",
		logging.TenantID(artifact.TenantID),
		logging.ArtifactID(artifact.ID),
		logging.Score(stored.StaticScore),
		logging.Duration(time.Since(start).Milliseconds()))
	return nil
}

// shortCircuit writes the placeholder report for a listed hash and jumps
// straight to synthesis.
func (c *Consumer) shortCircuit(ctx context.Context, artifact *models.Artifact, entry *models.HashListEntry) error {
	score := 0
	if entry.ListType == models.ListDeny {
		score = 100
	}
	metrics.ShortCircuitsTotal.WithLabelValues(string(entry.ListType)).Inc()

	report := &models.StaticReport{
		ID:                uuid.New().String(),
		ArtifactID:        artifact.ID,
		TenantID:          artifact.TenantID,
		FileType:          models.FileTypeUnknown,
		EntropyPerSection: map[string]float64{},
		StaticScore:       score,
		ShortCircuit:      true,
		CreatedAt:         time.Now().UTC(),
	}
	if _, _, err := c.repo.InsertReportIfAbsent(ctx, report); err != nil {
		return errs.E(errs.KindStore, "static.shortcircuit.persist", err)
	}

	c.publishProgress(ctx, artifact)
	c.log.InfoContext(ctx, "hash list short-circuit",
		logging.ArtifactID(artifact.ID),
		"list", string(entry.ListType))
	return c.publishComplete(ctx, artifact, true)
}

func (c *Consumer) fetch(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := errs.Retry(ctx, func() error {
		rc, err := c.blobs.Get(ctx, key)
		if err != nil {
			return err
		}
		defer rc.Close()
		data, err = io.ReadAll(rc)
		if err != nil {
			return errs.E(errs.KindStore, "static.fetch.read", err)
		}
		return nil
	})
	return data, err
}

func (c *Consumer) publishDynamicRequest(ctx context.Context, artifact *models.Artifact) error {
	payload, _ := json.Marshal(models.DynamicRequested{
		ArtifactID: artifact.ID,
		TenantID:   artifact.TenantID,
	})
	err := errs.Retry(ctx, func() error {
		if err := c.bus.PublishConfirmed(ctx, messaging.SubjectDynamicRequested, payload); err != nil {
			return errs.E(errs.KindBus, "static.publish.dynamic", err)
		}
		return nil
	})
	if err == nil {
		metrics.DynamicRequestsTotal.Inc()
	}
	return err
}

func (c *Consumer) publishComplete(ctx context.Context, artifact *models.Artifact, shortCircuit bool) error {
	payload, _ := json.Marshal(models.AnalysisComplete{
		ArtifactID:   artifact.ID,
		TenantID:     artifact.TenantID,
		Phase:        models.PhaseStatic,
		ShortCircuit: shortCircuit,
	})
	return errs.Retry(ctx, func() error {
		if err := c.bus.PublishConfirmed(ctx, messaging.SubjectAnalysisComplete, payload); err != nil {
			return errs.E(errs.KindBus, "static.publish.complete", err)
		}
		return nil
	})
}

func (c *Consumer) publishProgress(ctx context.Context, artifact *models.Artifact) {
	frame := models.NewProgressEvent(artifact.ID, artifact.TenantID, models.StageStatic, models.PercentStatic)
	if err := c.bus.PublishJSON(ctx, messaging.SubjectAnalysisProgress, frame); err != nil {
		c.log.WarnContext(ctx, "progress publish failed", logging.Error(err))
	}
}

func (c *Consumer) publishError(ctx context.Context, job *models.ArtifactUploaded, cause error) {
	frame := models.NewPipelineError(job.ArtifactID, job.TenantID,
		string(errs.KindOf(cause)), "static analysis failed")
	if err := c.bus.PublishJSON(ctx, messaging.SubjectAnalysisError, frame); err != nil {
		c.log.WarnContext(ctx, "error frame publish failed", logging.Error(err))
	}
}
