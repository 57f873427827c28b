// Package engine drives the sandbox supervisor for dynamic analysis jobs
// and assembles behavioral reports.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/stormglass-sec/stormglass/common/errs"
	"github.com/stormglass-sec/stormglass/common/logging"
	"github.com/stormglass-sec/stormglass/common/messaging"
	"github.com/stormglass-sec/stormglass/common/models"
	"github.com/stormglass-sec/stormglass/dynamiceng/internal/heuristics"
	"github.com/stormglass-sec/stormglass/dynamiceng/internal/metrics"
	"github.com/stormglass-sec/stormglass/dynamiceng/internal/repository"
	"github.com/stormglass-sec/stormglass/dynamiceng/internal/sandbox"
)

// maxDeliveries matches the consumer's MaxDeliver.
const maxDeliveries = 5

// maxObservedEvents bounds the in-memory event log per detonation;
// overflow is counted, not stored.
const maxObservedEvents = 100000

// BlobStore is the artifact byte source.
type BlobStore interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// Bus is the publish surface the engine needs.
type Bus interface {
	PublishConfirmed(ctx context.Context, subject string, data []byte) error
	PublishJSON(ctx context.Context, subject string, data any) error
}

// Engine consumes analysis.dynamic.requested jobs.
type Engine struct {
	repo       repository.Repository
	blobs      BlobStore
	bus        Bus
	supervisor sandbox.Supervisor
	log        *logging.Logger
	caps       sandbox.Caps
	spoolDir   string
}

// New builds the engine.
func New(repo repository.Repository, blobs BlobStore, bus Bus, sup sandbox.Supervisor, log *logging.Logger, caps sandbox.Caps, spoolDir string) *Engine {
	if caps.WallClock <= 0 {
		caps = sandbox.DefaultCaps()
	}
	if spoolDir == "" {
		spoolDir = os.TempDir()
	}
	return &Engine{
		repo:       repo,
		blobs:      blobs,
		bus:        bus,
		supervisor: sup,
		log:        log,
		caps:       caps,
		spoolDir:   spoolDir,
	}
}

// Handle is the messaging handler for analysis.dynamic.requested.
func (e *Engine) Handle(ctx context.Context, msg *messaging.Message) error {
	var job models.DynamicRequested
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		e.log.ErrorContext(ctx, "unparseable job dropped", logging.Error(err))
		metrics.JobsTotal.WithLabelValues("poison").Inc()
		return nil
	}

	ctx = logging.WithCorrelationID(ctx, uuid.New().String())
	err := e.process(ctx, &job)
	if err == nil {
		metrics.JobsTotal.WithLabelValues("ok").Inc()
		return nil
	}

	if msg.Deliveries >= maxDeliveries || !errs.Retryable(err) {
		e.log.ErrorContext(ctx, "dynamic analysis failed terminally",
			logging.ArtifactID(job.ArtifactID), logging.Error(err))
		metrics.JobsTotal.WithLabelValues("failed").Inc()
		e.publishError(ctx, &job, err)
		return nil
	}

	metrics.JobsTotal.WithLabelValues("retried").Inc()
	return err
}

func (e *Engine) process(ctx context.Context, job *models.DynamicRequested) error {
	// Redelivery of a detonated artifact returns the existing result.
	if existing, err := e.repo.GetReport(ctx, job.TenantID, job.ArtifactID); err != nil {
		return errs.E(errs.KindStore, "dynamic.report.lookup", err)
	} else if existing != nil {
		e.log.InfoContext(ctx, "artifact already detonated",
			logging.ArtifactID(job.ArtifactID))
		return e.publishComplete(ctx, job)
	}

	artifact, err := e.repo.GetArtifact(ctx, job.TenantID, job.ArtifactID)
	if err != nil {
		return errs.E(errs.KindStore, "dynamic.artifact", err)
	}

	dropPath, cleanup, err := e.stage(ctx, artifact)
	if err != nil {
		return err
	}
	defer cleanup()

	report, err := e.detonate(ctx, artifact, dropPath)
	if err != nil {
		return err
	}

	if _, _, err := e.repo.InsertReportIfAbsent(ctx, report); err != nil {
		return errs.E(errs.KindStore, "dynamic.persist", err)
	}

	e.publishProgress(ctx, artifact)
	return e.publishComplete(ctx, job)
}

// stage spools the artifact bytes to a local drop file for the sandbox.
func (e *Engine) stage(ctx context.Context, artifact *models.Artifact) (string, func(), error) {
	var path string
	err := errs.Retry(ctx, func() error {
		rc, err := e.blobs.Get(ctx, artifact.StorageKey)
		if err != nil {
			return err
		}
		defer rc.Close()

		tmp, err := os.CreateTemp(e.spoolDir, "drop-*")
		if err != nil {
			return errs.E(errs.KindStore, "dynamic.stage.create", err)
		}
		defer tmp.Close()
		if _, err := io.Copy(tmp, rc); err != nil {
			os.Remove(tmp.Name())
			return errs.E(errs.KindStore, "dynamic.stage.copy", err)
		}
		path = tmp.Name()
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return path, func() { _ = os.Remove(path) }, nil
}

// detonate provisions, executes, observes, and tears down one sandbox.
// Teardown is scope-guarded: it runs on every exit path, including panics
// and cancellations, on a context detached from the job's.
func (e *Engine) detonate(ctx context.Context, artifact *models.Artifact, dropPath string) (report *models.BehavioralReport, err error) {
	spec := sandbox.Spec{
		SandboxID:    uuid.New().String(),
		TenantID:     artifact.TenantID,
		ArtifactID:   artifact.ID,
		ArtifactPath: dropPath,
		Caps:         e.caps,
	}

	inst, err := e.supervisor.Provision(ctx, spec)
	if err != nil {
		metrics.SandboxFaultsTotal.Inc()
		return e.faultReport(artifact), nil
	}
	metrics.SandboxesActive.Inc()

	defer func() {
		// Unconditional teardown, even if the job context is gone or the
		// observation path panicked.
		teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if termErr := inst.Terminate(teardownCtx); termErr != nil {
			e.log.ErrorContext(ctx, "sandbox teardown failed",
				logging.SandboxID(spec.SandboxID), logging.Error(termErr))
		}
		if inst.State() != sandbox.StateDestroyed {
			e.log.ErrorContext(ctx, "sandbox not destroyed after teardown",
				logging.SandboxID(spec.SandboxID), "state", inst.State().String())
		}
		metrics.SandboxesActive.Dec()

		if rec := recover(); rec != nil {
			metrics.SandboxFaultsTotal.Inc()
			e.log.ErrorContext(ctx, "detonation panicked",
				logging.SandboxID(spec.SandboxID), "panic", fmt.Sprint(rec))
			report = e.faultReport(artifact)
			err = nil
		}
	}()

	// Observation runs concurrently with execution; the event log is
	// bounded and overflow is counted on the report.
	var (
		events    []sandbox.Event
		truncated int
		collected = make(chan struct{})
	)
	go func() {
		defer close(collected)
		for ev := range inst.Events() {
			metrics.EventsObserved.WithLabelValues(string(ev.Class)).Inc()
			if len(events) < maxObservedEvents {
				events = append(events, ev)
			} else {
				truncated++
			}
		}
	}()

	start := time.Now()
	execErr := inst.Execute(ctx)
	execMS := time.Since(start).Milliseconds()
	metrics.ExecutionDuration.Observe(time.Since(start).Seconds())
	<-collected

	switch {
	case execErr == nil, execErr == sandbox.ErrWallClockExceeded:
		// A wall-clock cut-off yields the partial observation set; the
		// report proceeds with whatever was captured.
	case ctx.Err() != nil:
		return nil, errs.E(errs.KindAnalysisTimeout, "dynamic.execute", ctx.Err())
	default:
		// Isolated fault: minimal report, synthesis proceeds on static.
		metrics.SandboxFaultsTotal.Inc()
		e.log.WarnContext(ctx, "sandbox fault",
			logging.SandboxID(spec.SandboxID), logging.Error(execErr))
		return e.faultReport(artifact), nil
	}

	return e.buildReport(artifact, events, execMS, truncated), nil
}

func (e *Engine) buildReport(artifact *models.Artifact, events []sandbox.Event, execMS int64, truncated int) *models.BehavioralReport {
	report := &models.BehavioralReport{
		ID:              uuid.New().String(),
		ArtifactID:      artifact.ID,
		TenantID:        artifact.TenantID,
		ExecutionMS:     execMS,
		TruncatedEvents: truncated,
		CreatedAt:       time.Now().UTC(),
	}

	for _, ev := range events {
		switch ev.Class {
		case sandbox.ClassFile:
			if ev.File != nil {
				report.FileOps = append(report.FileOps, *ev.File)
			}
		case sandbox.ClassRegistry:
			if ev.Registry != nil {
				report.RegistryOps = append(report.RegistryOps, *ev.Registry)
			}
		case sandbox.ClassProcess:
			if ev.Process != nil {
				report.ProcessEvents = append(report.ProcessEvents, *ev.Process)
			}
		case sandbox.ClassNetwork:
			if ev.Network != nil {
				report.NetworkEvents = append(report.NetworkEvents, *ev.Network)
			}
		}
	}

	findings := heuristics.Evaluate(events)
	report.RansomwareIndicators = findings.RansomwareIndicators
	report.PersistenceMechanisms = findings.PersistenceMechanisms
	report.BehavioralScore = findings.Score
	report.Critical = findings.Critical
	if len(findings.RansomwareIndicators) > 0 {
		metrics.RansomwareCandidates.Inc()
	}
	if findings.Critical {
		metrics.CriticalDetonations.Inc()
	}
	return report
}

// faultReport is the minimal report after a sandbox fault: the behavioral
// score is void and synthesis falls back to static alone.
func (e *Engine) faultReport(artifact *models.Artifact) *models.BehavioralReport {
	return &models.BehavioralReport{
		ID:         uuid.New().String(),
		ArtifactID: artifact.ID,
		TenantID:   artifact.TenantID,
		Faulted:    true,
		CreatedAt:  time.Now().UTC(),
	}
}

func (e *Engine) publishComplete(ctx context.Context, job *models.DynamicRequested) error {
	payload, _ := json.Marshal(models.AnalysisComplete{
		ArtifactID: job.ArtifactID,
		TenantID:   job.TenantID,
		Phase:      models.PhaseDynamic,
	})
	return errs.Retry(ctx, func() error {
		if err := e.bus.PublishConfirmed(ctx, messaging.SubjectAnalysisComplete, payload); err != nil {
			return errs.E(errs.KindBus, "dynamic.publish.complete", err)
		}
		return nil
	})
}

func (e *Engine) publishProgress(ctx context.Context, artifact *models.Artifact) {
	frame := models.NewProgressEvent(artifact.ID, artifact.TenantID, models.StageDynamic, models.PercentDynamic)
	if err := e.bus.PublishJSON(ctx, messaging.SubjectAnalysisProgress, frame); err != nil {
		e.log.WarnContext(ctx, "progress publish failed", logging.Error(err))
	}
}

func (e *Engine) publishError(ctx context.Context, job *models.DynamicRequested, cause error) {
	frame := models.NewPipelineError(job.ArtifactID, job.TenantID,
		string(errs.KindOf(cause)), fmt.Sprintf("dynamic analysis failed (%s)", errs.KindOf(cause)))
	if err := e.bus.PublishJSON(ctx, messaging.SubjectAnalysisError, frame); err != nil {
		e.log.WarnContext(ctx, "error frame publish failed", logging.Error(err))
	}
}
