// Package service implements the ingest stage protocol: spool, hash,
// validate, persist, publish.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/stormglass-sec/stormglass/common/blobstore"
	"github.com/stormglass-sec/stormglass/common/errs"
	"github.com/stormglass-sec/stormglass/common/logging"
	"github.com/stormglass-sec/stormglass/common/messaging"
	"github.com/stormglass-sec/stormglass/common/models"
	"github.com/stormglass-sec/stormglass/ingest/internal/hashing"
	"github.com/stormglass-sec/stormglass/ingest/internal/magic"
	"github.com/stormglass-sec/stormglass/ingest/internal/metrics"
	"github.com/stormglass-sec/stormglass/ingest/internal/ratelimit"
	"github.com/stormglass-sec/stormglass/ingest/internal/repository"
)

// MaxArtifactSize is the upload byte cap. Exactly this size is accepted;
// one byte more is rejected.
const MaxArtifactSize = 500 * 1024 * 1024

// BlobStore is the object store surface the ingest stage needs.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
}

// Bus is the publish surface the ingest stage needs. PublishConfirmed
// waits for broker storage acknowledgment; PublishJSON is fire-and-forget
// for transient progress frames.
type Bus interface {
	PublishConfirmed(ctx context.Context, subject string, data []byte) error
	PublishJSON(ctx context.Context, subject string, data any) error
}

// UploadRequest is one authenticated upload bound to (user_id, tenant_id).
type UploadRequest struct {
	TenantID     string
	UserID       string
	DeclaredMIME string
	Body         io.Reader
}

// UploadResult reports the persisted artifact.
type UploadResult struct {
	ArtifactID string
	SHA256     string
	Deduped    bool
}

// IngestService drives the ingest protocol.
type IngestService struct {
	repo     repository.Repository
	blobs    BlobStore
	bus      Bus
	limiter  *ratelimit.Limiter
	log      *logging.Logger
	spoolDir string
	timeout  time.Duration
}

// Config holds ingest service tunables.
type Config struct {
	SpoolDir string
	Timeout  time.Duration
	// RateLimit allows this many uploads per tenant per RateWindow.
	RateLimit  int
	RateWindow time.Duration
}

// New creates the ingest service.
func New(repo repository.Repository, blobs BlobStore, bus Bus, log *logging.Logger, cfg Config) *IngestService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.SpoolDir == "" {
		cfg.SpoolDir = os.TempDir()
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 120
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	return &IngestService{
		repo:     repo,
		blobs:    blobs,
		bus:      bus,
		limiter:  ratelimit.New(cfg.RateLimit, cfg.RateWindow),
		log:      log,
		spoolDir: cfg.SpoolDir,
		timeout:  cfg.Timeout,
	}
}

// NewTrackingID returns a cryptographically random tracking ID. The caller
// hands it to the client before the upload is processed.
func (s *IngestService) NewTrackingID() string {
	return uuid.New().String()
}

// Process runs the full ingest protocol for one upload. The tracking ID
// was already returned to the client; failures here surface as a terminal
// error frame on the streaming fabric, not as an HTTP error.
//
// Client-side faults (size cap, masquerade, rate limit) are returned as
// KindInvalidArtifact; the upload handler has already answered 202 by then
// and only logs the error.
func (s *IngestService) Process(ctx context.Context, trackingID string, req UploadRequest) (*UploadResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ctx = logging.WithCorrelationID(ctx, trackingID)

	start := time.Now()
	defer func() {
		metrics.IngestDuration.Observe(time.Since(start).Seconds())
	}()

	if !s.limiter.Allow(req.TenantID) {
		metrics.RateLimitHits.WithLabelValues(req.TenantID).Inc()
		err := errs.Errorf(errs.KindInvalidArtifact, "ingest.ratelimit",
			"tenant %s exceeded upload rate", req.TenantID)
		s.streamError(ctx, trackingID, req.TenantID, err)
		return nil, err
	}

	spool, err := s.spool(ctx, req.Body)
	if err != nil {
		metrics.RejectsTotal.WithLabelValues(string(errs.KindOf(err))).Inc()
		s.streamError(ctx, trackingID, req.TenantID, err)
		return nil, err
	}
	defer spool.cleanup()

	// Magic sniff against declared MIME. Executable bytes hiding behind a
	// benign declaration fail closed.
	fileType := magic.Sniff(spool.head)
	if magic.Masquerade(req.DeclaredMIME, fileType) {
		err := errs.Errorf(errs.KindInvalidArtifact, "ingest.masquerade",
			"declared %s but content is %s", req.DeclaredMIME, fileType)
		metrics.RejectsTotal.WithLabelValues("masquerade").Inc()
		s.streamError(ctx, trackingID, req.TenantID, err)
		return nil, err
	}

	// Once bytes are durable the pipeline continues even if the uploader
	// goes away; cancellation after this point is ignored.
	persistCtx, persistCancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer persistCancel()

	result, err := s.persist(persistCtx, trackingID, req, spool, fileType)
	if err != nil {
		s.streamError(persistCtx, trackingID, req.TenantID, err)
		return nil, err
	}

	metrics.UploadsTotal.WithLabelValues("accepted").Inc()
	metrics.UploadBytesTotal.Add(float64(spool.size))
	return result, nil
}

type spooled struct {
	path   string
	head   []byte
	size   int64
	hashes hashing.Digests
}

func (sp *spooled) cleanup() {
	if sp.path != "" {
		_ = os.Remove(sp.path)
	}
}

// spool streams the body to a temporary file while updating hash state,
// enforcing the size cap as bytes arrive.
func (s *IngestService) spool(ctx context.Context, body io.Reader) (*spooled, error) {
	tmp, err := os.CreateTemp(s.spoolDir, "ingest-*")
	if err != nil {
		return nil, errs.E(errs.KindIngest, "ingest.spool.create", err)
	}
	defer tmp.Close()

	sp := &spooled{path: tmp.Name()}
	hasher := hashing.New()

	// One byte past the cap distinguishes exactly-at-cap from over-cap.
	limited := io.LimitReader(body, MaxArtifactSize+1)
	n, err := io.Copy(io.MultiWriter(tmp, hasher), limited)
	if err != nil {
		sp.cleanup()
		if ctx.Err() != nil {
			return nil, errs.E(errs.KindIngest, "ingest.spool.copy", ctx.Err())
		}
		return nil, errs.E(errs.KindIngest, "ingest.spool.copy", err)
	}
	if n > MaxArtifactSize {
		sp.cleanup()
		return nil, errs.Errorf(errs.KindInvalidArtifact, "ingest.spool.size",
			"artifact exceeds %d byte cap", MaxArtifactSize)
	}
	if n == 0 {
		sp.cleanup()
		return nil, errs.Errorf(errs.KindInvalidArtifact, "ingest.spool.empty", "empty upload")
	}

	sp.size = n
	sp.hashes = hasher.Digests(sp.path)

	head := make([]byte, magic.SniffLen)
	f, err := os.Open(sp.path)
	if err != nil {
		sp.cleanup()
		return nil, errs.E(errs.KindIngest, "ingest.spool.reopen", err)
	}
	defer f.Close()
	m, _ := io.ReadFull(f, head)
	sp.head = head[:m]

	return sp, nil
}

// persist uploads the bytes, inserts the artifact row, and publishes the
// job with delivery confirmation. Steps are individually idempotent so
// retries are safe.
func (s *IngestService) persist(ctx context.Context, trackingID string, req UploadRequest, sp *spooled, fileType models.FileType) (*UploadResult, error) {
	artifact := &models.Artifact{
		ID:         uuid.New().String(),
		TenantID:   req.TenantID,
		SHA256:     sp.hashes.SHA256,
		MD5:        sp.hashes.MD5,
		SSDeep:     sp.hashes.SSDeep,
		Size:       sp.size,
		MIME:       req.DeclaredMIME,
		UploadedBy: req.UserID,
		UploadedAt: time.Now().UTC(),
	}
	artifact.StorageKey = blobstore.ArtifactKey(req.TenantID, artifact.ID, artifact.UploadedAt)

	// Object-store put; the store client retries seekable sources with
	// backoff; the key names the artifact ID, so a retried put rewrites the
	// same object. Keys are not derived from content.
	f, err := os.Open(sp.path)
	if err != nil {
		return nil, errs.E(errs.KindStore, "ingest.put.open", err)
	}
	putErr := s.blobs.Put(ctx, artifact.StorageKey, f, sp.size, req.DeclaredMIME)
	f.Close()
	if putErr != nil {
		return nil, putErr
	}

	insert, err := s.repo.InsertArtifact(ctx, artifact)
	if err != nil {
		return nil, errs.E(errs.KindStore, "ingest.insert", err)
	}
	if insert.Deduped {
		// Duplicate upload: hand back the existing artifact and do not
		// republish the job. The object just put under the new key stays in
		// the store.
		metrics.DedupHitsTotal.Inc()
		s.log.InfoContext(ctx, "duplicate upload deduplicated",
			logging.TenantID(req.TenantID),
			logging.ArtifactID(insert.ArtifactID),
			logging.SHA256(artifact.SHA256))
		return &UploadResult{ArtifactID: insert.ArtifactID, SHA256: artifact.SHA256, Deduped: true}, nil
	}

	event := models.ArtifactUploaded{
		ArtifactID: insert.ArtifactID,
		TenantID:   req.TenantID,
		SHA256:     artifact.SHA256,
		StorageKey: artifact.StorageKey,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, errs.E(errs.KindInternal, "ingest.marshal", err)
	}

	pubErr := errs.Retry(ctx, func() error {
		if err := s.bus.PublishConfirmed(ctx, messaging.SubjectArtifactUploaded, payload); err != nil {
			return errs.E(errs.KindBus, "ingest.publish", err)
		}
		return nil
	})
	if pubErr != nil {
		// Bus down after exhausted retries: persist the intent so the
		// reconciler delivers it exactly-once-effectively.
		if err := s.repo.EnqueueOutbox(ctx, req.TenantID, messaging.SubjectArtifactUploaded, payload); err != nil {
			return nil, errs.E(errs.KindStore, "ingest.outbox", err)
		}
		s.log.WarnContext(ctx, "bus unavailable, job intent persisted to outbox",
			logging.ArtifactID(insert.ArtifactID))
	}

	s.publishProgress(ctx, insert.ArtifactID, req.TenantID)
	s.log.InfoContext(ctx, "artifact ingested",
		logging.TenantID(req.TenantID),
		logging.ArtifactID(insert.ArtifactID),
		logging.SHA256(artifact.SHA256),
		logging.TrackingID(trackingID))

	return &UploadResult{ArtifactID: insert.ArtifactID, SHA256: artifact.SHA256}, nil
}

func (s *IngestService) publishProgress(ctx context.Context, artifactID, tenantID string) {
	frame := models.NewProgressEvent(artifactID, tenantID, models.StageIngested, models.PercentIngested)
	if err := s.bus.PublishJSON(ctx, messaging.SubjectAnalysisProgress, frame); err != nil {
		s.log.WarnContext(ctx, "progress publish failed", logging.Error(err))
	}
}

// streamError pushes the single terminal error frame for a failed upload.
func (s *IngestService) streamError(ctx context.Context, trackingID, tenantID string, cause error) {
	metrics.UploadsTotal.WithLabelValues("failed").Inc()
	frame := models.NewPipelineError(trackingID, tenantID, string(errs.KindOf(cause)), publicMessage(cause))
	if err := s.bus.PublishJSON(ctx, messaging.SubjectAnalysisError, frame); err != nil {
		s.log.WarnContext(ctx, "error frame publish failed", logging.Error(err))
	}
}

// publicMessage renders an error for clients without internal detail.
func publicMessage(err error) string {
	switch errs.KindOf(err) {
	case errs.KindInvalidArtifact:
		return err.Error()
	case errs.KindStore, errs.KindBus, errs.KindIngest:
		return "ingestion failed, retry later"
	default:
		return fmt.Sprintf("ingestion failed (%s)", errs.KindOf(err))
	}
}
