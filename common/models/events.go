package models

// Bus payloads. All subjects are at-least-once; consumers dedupe by
// artifact_id and re-verify tenant_id.

// ArtifactUploaded is published by the ingest stage once the artifact row
// and object-store bytes are durable.
type ArtifactUploaded struct {
	ArtifactID string `json:"artifact_id"`
	TenantID   string `json:"tenant_id"`
	SHA256     string `json:"sha256"`
	StorageKey string `json:"storage_key"`
}

// DynamicRequested asks the dynamic engine to detonate an artifact.
type DynamicRequested struct {
	ArtifactID string `json:"artifact_id"`
	TenantID   string `json:"tenant_id"`
}

// AnalysisPhase names the pipeline phase that completed.
type AnalysisPhase string

const (
	PhaseStatic  AnalysisPhase = "static"
	PhaseDynamic AnalysisPhase = "dynamic"
)

// AnalysisComplete signals that a phase finished for an artifact.
// ShortCircuit is set when an allow/deny list entry terminated the pipeline
// early.
type AnalysisComplete struct {
	ArtifactID   string        `json:"artifact_id"`
	TenantID     string        `json:"tenant_id"`
	Phase        AnalysisPhase `json:"phase"`
	ShortCircuit bool          `json:"short_circuit,omitempty"`
}

// VerdictGenerated is published after a verdict revision is persisted.
type VerdictGenerated struct {
	VerdictID  string       `json:"verdict_id"`
	ArtifactID string       `json:"artifact_id"`
	TenantID   string       `json:"tenant_id"`
	Verdict    VerdictClass `json:"verdict"`
	RiskScore  int          `json:"risk_score"`
}

// ProgressStage names a client-visible pipeline stage.
type ProgressStage string

const (
	StageIngested     ProgressStage = "ingested"
	StageStatic       ProgressStage = "static"
	StageDynamic      ProgressStage = "dynamic"
	StageSynthesizing ProgressStage = "synthesizing"
)

// Progress milestones reported per stage.
const (
	PercentIngested     = 25
	PercentStatic       = 50
	PercentDynamic      = 75
	PercentSynthesizing = 90
)

// ProgressEvent is carried to the streaming fabric and fanned out to
// subscribed clients. EventID identifies the logical event: producer
// retries and fan-out to multiple fabric replicas must all carry the
// same ID so the fabric assigns one sequence number per event.
type ProgressEvent struct {
	EventID    string        `json:"event_id"`
	ArtifactID string        `json:"artifact_id"`
	TenantID   string        `json:"tenant_id"`
	Stage      ProgressStage `json:"stage"`
	Percent    int           `json:"percent"`
}

// NewProgressEvent builds a progress event with its stable event ID.
// A pipeline stage fires once per artifact, so (artifact, stage) names
// the logical event.
func NewProgressEvent(artifactID, tenantID string, stage ProgressStage, percent int) ProgressEvent {
	return ProgressEvent{
		EventID:    "progress:" + artifactID + ":" + string(stage),
		ArtifactID: artifactID,
		TenantID:   tenantID,
		Stage:      stage,
		Percent:    percent,
	}
}

// PipelineError is the terminal error event for a failed job. Exactly one
// is surfaced per failed job; messages never carry stack traces.
type PipelineError struct {
	EventID    string `json:"event_id"`
	ArtifactID string `json:"artifact_id"`
	TenantID   string `json:"tenant_id"`
	ErrorKind  string `json:"error_kind"`
	Message    string `json:"message"`
}

// NewPipelineError builds the terminal error event with its stable event
// ID. A job surfaces one terminal frame, so the artifact names it.
func NewPipelineError(artifactID, tenantID, errorKind, message string) PipelineError {
	return PipelineError{
		EventID:    "error:" + artifactID,
		ArtifactID: artifactID,
		TenantID:   tenantID,
		ErrorKind:  errorKind,
		Message:    message,
	}
}
