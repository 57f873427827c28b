package ratelimit

import (
	"testing"
	"time"
)

func TestAllowWithinLimit(t *testing.T) {
	l := New(3, time.Minute)
	for i := 0; i < 3; i++ {
		if !l.Allow("tenant-a") {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if l.Allow("tenant-a") {
		t.Error("fourth request should be rejected")
	}
}

func TestTenantsIsolated(t *testing.T) {
	l := New(1, time.Minute)
	if !l.Allow("tenant-a") {
		t.Fatal("tenant-a first request should pass")
	}
	if !l.Allow("tenant-b") {
		t.Error("tenant-b must have its own budget")
	}
}

func TestWindowExpiry(t *testing.T) {
	l := New(1, time.Minute)
	base := time.Unix(1000, 0)
	l.now = func() time.Time { return base }

	if !l.Allow("tenant-a") {
		t.Fatal("first request should pass")
	}
	if l.Allow("tenant-a") {
		t.Fatal("second request inside window should fail")
	}

	l.now = func() time.Time { return base.Add(61 * time.Second) }
	if !l.Allow("tenant-a") {
		t.Error("request after window expiry should pass")
	}
}
