// Package messaging defines standard subject names for the Stormglass bus.
package messaging

// Subject constants for the analysis pipeline.
// All payloads are JSON and carry tenant_id; delivery is at-least-once.
const (
	// SubjectArtifactUploaded is published by the ingest stage.
	SubjectArtifactUploaded = "artifact.uploaded"

	// SubjectDynamicRequested asks the dynamic engine to detonate.
	SubjectDynamicRequested = "analysis.dynamic.requested"

	// SubjectAnalysisComplete signals a finished static or dynamic phase.
	SubjectAnalysisComplete = "analysis.complete"

	// SubjectVerdictGenerated is published after a verdict is persisted.
	SubjectVerdictGenerated = "verdict.generated"

	// SubjectAnalysisProgress carries client-visible progress frames to
	// the streaming fabric.
	SubjectAnalysisProgress = "analysis.progress"

	// SubjectAnalysisError carries the single terminal error event for a
	// failed job to the streaming fabric.
	SubjectAnalysisError = "analysis.error"
)

// Queue group names for load-balanced consumers. Workers in the same group
// share messages so each job is processed once per group.
const (
	QueueStaticWorkers  = "static-workers"
	QueueDynamicWorkers = "dynamic-workers"
	QueueVerdictWorkers = "verdict-workers"
)

// AnalysisStreamName is the durable JetStream stream capturing every
// pipeline subject.
const AnalysisStreamName = "ANALYSIS"

// AnalysisStreamSubjects lists the subjects retained by the durable stream.
func AnalysisStreamSubjects() []string {
	return []string{
		SubjectArtifactUploaded,
		SubjectDynamicRequested,
		SubjectAnalysisComplete,
		SubjectVerdictGenerated,
	}
}
