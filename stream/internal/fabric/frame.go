// Package fabric fans analysis events out to subscribed clients with
// per-subscription FIFO ordering, bounded queues, and reconnection-safe
// replay from a Redis side cache.
package fabric

import (
	"github.com/stormglass-sec/stormglass/common/models"
)

// FrameType discriminates wire frames.
type FrameType string

const (
	FrameSubscribed FrameType = "subscribed"
	FrameProgress   FrameType = "progress"
	FrameVerdict    FrameType = "verdict"
	FrameError      FrameType = "error"
)

// Frame is one text frame on the client channel. Seq is monotonic per
// artifact; clients use it for duplicate suppression and replay.
type Frame struct {
	Type       FrameType `json:"type"`
	ArtifactID string    `json:"artifact_id"`
	Seq        uint64    `json:"seq"`

	// Progress fields.
	Stage   models.ProgressStage `json:"stage,omitempty"`
	Percent int                  `json:"percent,omitempty"`

	// Verdict payload.
	Verdict *models.Verdict `json:"verdict,omitempty"`

	// Error fields.
	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`
}
