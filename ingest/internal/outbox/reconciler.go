// Package outbox drains persisted publish intents after bus outages so
// every accepted upload is enqueued exactly-once-effectively.
package outbox

import (
	"context"
	"time"

	"github.com/stormglass-sec/stormglass/common/logging"
	"github.com/stormglass-sec/stormglass/ingest/internal/metrics"
	"github.com/stormglass-sec/stormglass/ingest/internal/repository"
)

// Publisher is the confirmed-publish surface the reconciler needs.
type Publisher interface {
	PublishConfirmed(ctx context.Context, subject string, data []byte) error
}

// Reconciler periodically drains the outbox table.
type Reconciler struct {
	repo     repository.Repository
	bus      Publisher
	log      *logging.Logger
	interval time.Duration
	batch    int
}

// New creates a reconciler draining up to batch entries every interval.
func New(repo repository.Repository, bus Publisher, log *logging.Logger, interval time.Duration, batch int) *Reconciler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Reconciler{repo: repo, bus: bus, log: log, interval: interval, batch: batch}
}

// Run drains until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.drain(ctx)
		}
	}
}

func (r *Reconciler) drain(ctx context.Context) {
	entries, err := r.repo.PendingOutbox(ctx, r.batch)
	if err != nil {
		r.log.ErrorContext(ctx, "outbox query failed", logging.Error(err))
		return
	}
	metrics.OutboxDepth.Set(float64(len(entries)))
	if len(entries) == 0 {
		return
	}

	for _, e := range entries {
		if err := r.bus.PublishConfirmed(ctx, e.Subject, e.Payload); err != nil {
			// Bus still down; keep the entry and try again next tick.
			r.log.WarnContext(ctx, "outbox publish failed",
				logging.Subject(e.Subject), logging.Error(err))
			return
		}
		if err := r.repo.CompleteOutbox(ctx, e.ID); err != nil {
			// The publish landed; a duplicate on the next drain is
			// tolerated because consumers dedupe by artifact_id.
			r.log.ErrorContext(ctx, "outbox completion failed", logging.Error(err))
			return
		}
	}
	r.log.InfoContext(ctx, "outbox drained", "entries", len(entries))
}
