// Package common defines sentinel errors and small shared helpers used by every
// server layer. Callers should match errors with errors.Is.
package common

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated is returned when an operation needs a bound principal
	// and none is present (nil, empty or already released scope).
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrAccessDenied is returned when the isolation predicate rejects an
	// operation. Messages built on it never carry details about the target.
	ErrAccessDenied = errors.New("access denied")

	// ErrOwnershipMismatch is returned when a write targets an owner other
	// than the bound principal.
	ErrOwnershipMismatch = errors.New("ownership mismatch")

	// ErrNotFound covers both absent rows and rows hidden by isolation.
	ErrNotFound = errors.New("not found")

	// ErrEncryptionOpaque flags envelope metadata that fails format checks.
	ErrEncryptionOpaque = errors.New("malformed encrypted envelope")

	// ErrStorage is the match target for every *StorageError.
	ErrStorage = errors.New("storage error")

	// ErrInvalidToken is returned for malformed, expired or badly signed tokens.
	ErrInvalidToken = errors.New("invalid token")

	// ErrInvalidArgument rejects malformed input before it reaches storage.
	ErrInvalidArgument = errors.New("invalid argument")
)

// ErrNoPrincipal is what the isolation layer returns when it is called
// without a bound principal. It matches both ErrAccessDenied and
// ErrUnauthenticated.
var ErrNoPrincipal = fmt.Errorf("%w: %w", ErrAccessDenied, ErrUnauthenticated)

// StorageError wraps a transient backend failure. It is retryable by the
// caller and is never swallowed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrStorage) true for any *StorageError.
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// NewStorageError wraps err unless it is nil or already a domain error.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsDomainError(err) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// IsDomainError reports whether err is one of the package sentinels that must
// pass through storage wrappers unchanged.
func IsDomainError(err error) bool {
	for _, target := range []error{
		ErrUnauthenticated, ErrAccessDenied, ErrOwnershipMismatch,
		ErrNotFound, ErrEncryptionOpaque, ErrStorage, ErrInvalidArgument,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether the caller may retry the failed operation.
// Access-control failures are permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAccessDenied) || errors.Is(err, ErrUnauthenticated) ||
		errors.Is(err, ErrOwnershipMismatch) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrEncryptionOpaque) || errors.Is(err, ErrInvalidArgument) {
		return false
	}
	return errors.Is(err, ErrStorage)
}

// PublicMessage is the text shown to end users for err. Access-control
// failures collapse to a generic denial.
func PublicMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthenticated), errors.Is(err, ErrAccessDenied),
		errors.Is(err, ErrOwnershipMismatch):
		return "access denied"
	case errors.Is(err, ErrNotFound):
		return "not found"
	case errors.Is(err, ErrEncryptionOpaque), errors.Is(err, ErrInvalidArgument):
		return "invalid request"
	case IsRetryable(err):
		return "temporarily unavailable, retry later"
	default:
		return "internal error"
	}
}
