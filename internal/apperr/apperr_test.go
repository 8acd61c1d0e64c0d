package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelsWrap(t *testing.T) {
	err := NotFound("agent", "a1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err.Error() != "agent a1: not found" {
		t.Errorf("unexpected message %q", err.Error())
	}

	err = Transition("mission", "m1", "completed", "active")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestTransient(t *testing.T) {
	base := errors.New("connection reset")
	if IsTransient(base) {
		t.Fatal("plain error must not be transient")
	}
	err := fmt.Errorf("emulate: %w", Transient(base))
	if !IsTransient(err) {
		t.Fatal("wrapped transient error not detected")
	}
	if !errors.Is(err, base) {
		t.Fatal("transient wrapper must unwrap to the cause")
	}
	if Transient(nil) != nil {
		t.Fatal("Transient(nil) must be nil")
	}
}
