// Package errs defines the error taxonomy shared by the security core.
// Callers classify failures with errors.Is against the kind sentinels;
// outer layers map kinds to HTTP status codes.
package errs

import (
	"errors"
	"fmt"
)

// Error kinds. Every error leaving a core component wraps exactly one.
var (
	// ErrInvalidInput covers malformed identifiers, bad base64,
	// too-short ciphertext, and unknown providers.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound means the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAuthInvalid covers token/credential mismatch, expiry, and reuse.
	// Detail goes to the audit log, not to the caller.
	ErrAuthInvalid = errors.New("authentication invalid")

	// ErrEncryptionFailed covers AEAD seal/open failures, nonce
	// generation failures, and key-cache corruption. Always critical.
	ErrEncryptionFailed = errors.New("encryption failed")

	// ErrDatabase covers persistence I/O failures.
	ErrDatabase = errors.New("database error")

	// ErrCancelled means cooperative cancellation was observed before
	// the mutating step committed.
	ErrCancelled = errors.New("operation cancelled")

	// ErrInternal marks invariant violations.
	ErrInternal = errors.New("internal error")
)

type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string { return e.kind.Error() + ": " + e.err.Error() }

func (e *kindError) Unwrap() []error { return []error{e.kind, e.err} }

// Wrap attaches a kind to err. errors.Is matches both the kind and err.
func Wrap(kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// Wrapf attaches a kind to a formatted message.
func Wrapf(kind error, format string, args ...any) error {
	return &kindError{kind: kind, err: fmt.Errorf(format, args...)}
}

// Kind returns the taxonomy sentinel err belongs to, or ErrInternal if
// the error carries no kind.
func Kind(err error) error {
	for _, k := range []error{
		ErrInvalidInput, ErrNotFound, ErrAuthInvalid,
		ErrEncryptionFailed, ErrDatabase, ErrCancelled, ErrInternal,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrInternal
}
