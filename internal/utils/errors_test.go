package utils

import (
	"errors"
	"fmt"
	"testing"
)

func TestAppErrorKindPropagation(t *testing.T) {
	base := errors.New("connection refused")
	err := NewAppError("telemetry.GetHistory", KindInput, "history unavailable", base)

	if KindOf(err) != KindInput {
		t.Fatalf("expected input kind, got %s", KindOf(err))
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to survive")
	}

	wrapped := fmt.Errorf("pass failed: %w", err)
	if KindOf(wrapped) != KindInput {
		t.Fatalf("expected kind to survive wrapping, got %s", KindOf(wrapped))
	}
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	if KindOf(errors.New("plain")) != KindInternal {
		t.Fatalf("expected internal kind for plain errors")
	}
}
