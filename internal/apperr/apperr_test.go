package apperr

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := New(CodeRecordNotFound, "record 42 not found", nil)
	wrapped := fmt.Errorf("extract job-1: %w", err)

	if !errors.Is(wrapped, ErrRecordNotFound) {
		t.Fatal("expected wrapped error to match ErrRecordNotFound")
	}
	if errors.Is(wrapped, ErrExtractionFailed) {
		t.Fatal("unexpected match with ErrExtractionFailed")
	}
}

func TestErrorUnwrap(t *testing.T) {
	err := New(CodeStoreFailed, "store failed", io.ErrUnexpectedEOF)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatal("expected cause to be reachable via errors.Is")
	}
	if got := err.Error(); got != "store failed: unexpected EOF" {
		t.Fatalf("unexpected message: %q", got)
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(fmt.Errorf("x: %w", ErrEmptyArchive)); got != CodeEmptyArchive {
		t.Fatalf("CodeOf = %s", got)
	}
	if got := CodeOf(errors.New("plain")); got != CodeInternal {
		t.Fatalf("CodeOf(plain) = %s", got)
	}
}
