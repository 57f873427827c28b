package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"direct", E(KindStore, "repo.insert", errors.New("conn refused")), KindStore},
		{"wrapped", fmt.Errorf("outer: %w", E(KindBus, "publish", errors.New("no servers"))), KindBus},
		{"plain", errors.New("mystery"), KindInternal},
		{"nil cause", E(KindAuthorization, "subscribe", nil), KindAuthorization},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(E(KindStore, "op", errors.New("x"))) {
		t.Error("store errors should be retryable")
	}
	if !Retryable(E(KindBus, "op", errors.New("x"))) {
		t.Error("bus errors should be retryable")
	}
	if Retryable(E(KindInvalidArtifact, "op", errors.New("x"))) {
		t.Error("client errors must not be retried")
	}
	if Retryable(E(KindSandboxFault, "op", errors.New("x"))) {
		t.Error("sandbox faults must not be retried")
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		return E(KindInvalidArtifact, "op", errors.New("bad upload"))
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		return E(KindBus, "publish", errors.New("down"))
	})
	if err == nil {
		t.Fatal("expected error after exhaustion")
	}
	if calls != retryMaxAttempts {
		t.Errorf("expected %d calls, got %d", retryMaxAttempts, calls)
	}
}

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return E(KindStore, "insert", errors.New("deadlock"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}
