package logging

import "log/slog"

// Common field names for consistent logging across services.
const (
	FieldService       = "service"
	FieldTenantID      = "tenant_id"
	FieldArtifactID    = "artifact_id"
	FieldTrackingID    = "tracking_id"
	FieldVerdictID     = "verdict_id"
	FieldSandboxID     = "sandbox_id"
	FieldStage         = "stage"
	FieldSubject       = "subject"
	FieldDuration      = "duration_ms"
	FieldError         = "error"
	FieldCorrelationID = "correlation_id"
	FieldSHA256        = "sha256"
	FieldScore         = "score"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// TenantID returns a slog attribute for the tenant ID.
func TenantID(id string) slog.Attr {
	return slog.String(FieldTenantID, id)
}

// ArtifactID returns a slog attribute for the artifact ID.
func ArtifactID(id string) slog.Attr {
	return slog.String(FieldArtifactID, id)
}

// TrackingID returns a slog attribute for an upload tracking ID.
func TrackingID(id string) slog.Attr {
	return slog.String(FieldTrackingID, id)
}

// SandboxID returns a slog attribute for the sandbox ID.
func SandboxID(id string) slog.Attr {
	return slog.String(FieldSandboxID, id)
}

// Stage returns a slog attribute for the pipeline stage.
func Stage(stage string) slog.Attr {
	return slog.String(FieldStage, stage)
}

// Subject returns a slog attribute for a bus subject.
func Subject(subject string) slog.Attr {
	return slog.String(FieldSubject, subject)
}

// Duration returns a slog attribute for duration in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	return slog.String(FieldError, err.Error())
}

// SHA256 returns a slog attribute for a content hash.
func SHA256(hash string) slog.Attr {
	return slog.String(FieldSHA256, hash)
}

// Score returns a slog attribute for an analysis score.
func Score(score int) slog.Attr {
	return slog.Int(FieldScore, score)
}
