package blobstore

import (
	"fmt"
	"time"
)

// ArtifactKey returns the canonical storage key for artifact bytes:
// {tenant_id}/artifacts/{yyyy}/{mm}/{dd}/{artifact_id}.
func ArtifactKey(tenantID, artifactID string, uploadedAt time.Time) string {
	u := uploadedAt.UTC()
	return fmt.Sprintf("%s/artifacts/%04d/%02d/%02d/%s",
		tenantID, u.Year(), int(u.Month()), u.Day(), artifactID)
}

// ReportKey returns the storage key for a large-payload report:
// {tenant_id}/reports/{artifact_id}/{report_id}.
func ReportKey(tenantID, artifactID, reportID string) string {
	return fmt.Sprintf("%s/reports/%s/%s", tenantID, artifactID, reportID)
}
