// Package consumer bridges bus events into the streaming fabric.
package consumer

import (
	"context"
	"encoding/json"

	"github.com/stormglass-sec/stormglass/common/logging"
	"github.com/stormglass-sec/stormglass/common/messaging"
	"github.com/stormglass-sec/stormglass/common/models"
	"github.com/stormglass-sec/stormglass/stream/internal/fabric"
)

// VerdictLoader fetches the full verdict record for verdict frames.
type VerdictLoader interface {
	LatestVerdict(ctx context.Context, tenantID, artifactID string) (*models.Verdict, error)
}

// Consumer subscribes to pipeline events and dispatches frames.
type Consumer struct {
	hub      *fabric.Hub
	verdicts VerdictLoader
	log      *logging.Logger
	subs     []messaging.Subscription
}

// New builds the consumer.
func New(hub *fabric.Hub, verdicts VerdictLoader, log *logging.Logger) *Consumer {
	return &Consumer{hub: hub, verdicts: verdicts, log: log}
}

// Start subscribes to the transient and durable fan-out subjects. Every
// fabric instance sees every event so each can serve its own channels.
func (c *Consumer) Start(client messaging.Subscriber) error {
	subjects := map[string]messaging.MessageHandler{
		messaging.SubjectAnalysisProgress: c.handleProgress,
		messaging.SubjectAnalysisError:    c.handleError,
		messaging.SubjectVerdictGenerated: c.handleVerdict,
	}
	for subject, handler := range subjects {
		sub, err := client.Subscribe(subject, handler)
		if err != nil {
			return err
		}
		c.subs = append(c.subs, sub)
	}
	return nil
}

// Stop unsubscribes from all subjects.
func (c *Consumer) Stop() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
}

func (c *Consumer) handleProgress(ctx context.Context, msg *messaging.Message) error {
	var ev models.ProgressEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		c.log.WarnContext(ctx, "bad progress event", logging.Error(err))
		return nil
	}
	return c.hub.DispatchProgress(ctx, &ev)
}

func (c *Consumer) handleError(ctx context.Context, msg *messaging.Message) error {
	var ev models.PipelineError
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		c.log.WarnContext(ctx, "bad error event", logging.Error(err))
		return nil
	}
	return c.hub.DispatchError(ctx, &ev)
}

// handleVerdict loads the full record so the frame carries the complete
// verdict with evidence, not just the bus summary.
func (c *Consumer) handleVerdict(ctx context.Context, msg *messaging.Message) error {
	var ev models.VerdictGenerated
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		c.log.WarnContext(ctx, "bad verdict event", logging.Error(err))
		return nil
	}

	verdict, err := c.verdicts.LatestVerdict(ctx, ev.TenantID, ev.ArtifactID)
	if err != nil || verdict == nil {
		// Fall back to the summary so the client still hears the result.
		c.log.WarnContext(ctx, "verdict record unavailable, sending summary",
			logging.ArtifactID(ev.ArtifactID))
		verdict = &models.Verdict{
			ID:         ev.VerdictID,
			ArtifactID: ev.ArtifactID,
			TenantID:   ev.TenantID,
			Verdict:    ev.Verdict,
			RiskScore:  ev.RiskScore,
		}
	}
	return c.hub.DispatchVerdict(ctx, verdict)
}
