package logging

import (
	"errors"
	"testing"
)

var errSentinel = errors.New("sentinel")

func TestNewOperationErrorNilPassthrough(t *testing.T) {
	if err := NewOperationError("op", "req", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestOperationErrorUnwrapsToSentinel(t *testing.T) {
	err := NewOperationError("usecase.analyze_image", "req-1", errSentinel)
	if !errors.Is(err, errSentinel) {
		t.Fatalf("expected errors.Is to match sentinel, got %v", err)
	}
	if got := err.Error(); got != "usecase.analyze_image (request_id=req-1): sentinel" {
		t.Fatalf("unexpected message: %s", got)
	}
	if got := OperationOf(err); got != "usecase.analyze_image" {
		t.Fatalf("unexpected operation: %s", got)
	}
}

func TestOperationOfPlainError(t *testing.T) {
	if got := OperationOf(errSentinel); got != "" {
		t.Fatalf("expected empty operation, got %q", got)
	}
}
