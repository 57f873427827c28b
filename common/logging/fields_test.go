package logging

import (
	"context"
	"errors"
	"testing"
)

func TestTenantID(t *testing.T) {
	attr := TenantID("tenant-42")
	if attr.Key != FieldTenantID {
		t.Errorf("expected key %q, got %q", FieldTenantID, attr.Key)
	}
	if attr.Value.String() != "tenant-42" {
		t.Errorf("expected value %q, got %q", "tenant-42", attr.Value.String())
	}
}

func TestArtifactID(t *testing.T) {
	attr := ArtifactID("a-1")
	if attr.Key != FieldArtifactID {
		t.Errorf("expected key %q, got %q", FieldArtifactID, attr.Key)
	}
}

func TestError(t *testing.T) {
	attr := Error(errors.New("boom"))
	if attr.Key != FieldError {
		t.Errorf("expected key %q, got %q", FieldError, attr.Key)
	}
	if attr.Value.String() != "boom" {
		t.Errorf("expected value %q, got %q", "boom", attr.Value.String())
	}
}

func TestCorrelationIDRoundTrip(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "corr-123")
	if got := CorrelationID(ctx); got != "corr-123" {
		t.Errorf("expected corr-123, got %q", got)
	}
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("expected empty correlation ID, got %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"debug", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"error", "ERROR"},
		{"bogus", "INFO"},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in).String(); got != tt.want {
			t.Errorf("ParseLevel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
