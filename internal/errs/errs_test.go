package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapMatchesKindAndCause(t *testing.T) {
	cause := errors.New("row not found")
	err := Wrap(ErrNotFound, cause)

	if !errors.Is(err, ErrNotFound) {
		t.Error("wrapped error should match its kind")
	}
	if !errors.Is(err, cause) {
		t.Error("wrapped error should match its cause")
	}
	if errors.Is(err, ErrDatabase) {
		t.Error("wrapped error should not match other kinds")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(ErrDatabase, nil) != nil {
		t.Error("wrapping nil should return nil")
	}
}

func TestWrapf(t *testing.T) {
	err := Wrapf(ErrInvalidInput, "unknown provider %q", "myspace")
	if !errors.Is(err, ErrInvalidInput) {
		t.Error("Wrapf should attach the kind")
	}
	want := `invalid input: unknown provider "myspace"`
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestKind(t *testing.T) {
	if Kind(Wrapf(ErrEncryptionFailed, "boom")) != ErrEncryptionFailed {
		t.Error("Kind should recover the sentinel")
	}
	if Kind(fmt.Errorf("bare")) != ErrInternal {
		t.Error("unclassified errors default to ErrInternal")
	}
	// Kinds survive another layer of wrapping.
	outer := fmt.Errorf("handler: %w", Wrapf(ErrCancelled, "ctx done"))
	if Kind(outer) != ErrCancelled {
		t.Error("Kind should see through fmt.Errorf wrapping")
	}
}
