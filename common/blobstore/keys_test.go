package blobstore

import (
	"testing"
	"time"
)

func TestArtifactKey(t *testing.T) {
	at := time.Date(2026, 3, 7, 14, 30, 0, 0, time.UTC)
	got := ArtifactKey("tenant-a", "art-1", at)
	want := "tenant-a/artifacts/2026/03/07/art-1"
	if got != want {
		t.Errorf("ArtifactKey = %q, want %q", got, want)
	}
}

func TestArtifactKeyUsesUTC(t *testing.T) {
	loc := time.FixedZone("UTC+11", 11*3600)
	// 00:30 on Jan 2 local is still Jan 1 in UTC; keys must not drift by zone.
	at := time.Date(2026, 1, 2, 0, 30, 0, 0, loc)
	got := ArtifactKey("t", "a", at)
	want := "t/artifacts/2026/01/01/a"
	if got != want {
		t.Errorf("ArtifactKey = %q, want %q", got, want)
	}
}

func TestReportKey(t *testing.T) {
	got := ReportKey("tenant-b", "art-9", "rep-3")
	want := "tenant-b/reports/art-9/rep-3"
	if got != want {
		t.Errorf("ReportKey = %q, want %q", got, want)
	}
}
