package storage

import (
	"errors"
	"fmt"
)

// Errors returned across the store contract. Engine specific errors never
// leave the store; they are reduced to one of these.
var (
	// ErrNotFound is returned when an operation requires an existing document
	ErrNotFound = errors.New("managed certificate not found")

	// ErrConflict is returned when a write carries a stale version
	ErrConflict = errors.New("managed certificate version conflict")

	// ErrUnavailable is returned when the backend cannot serve the request,
	// including after retries of transient failures are exhausted
	ErrUnavailable = errors.New("store backend unavailable")

	// ErrNotInitialised is returned by every operation on a store whose
	// startup did not complete
	ErrNotInitialised = fmt.Errorf("store not initialised: %w", ErrUnavailable)

	// ErrBusy is returned when the write gate could not be acquired in time
	ErrBusy = errors.New("store busy, try again later")

	// ErrInvalidInput is returned for arguments the store cannot act on
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidDocument is returned when a stored document cannot be decoded
	ErrInvalidDocument = errors.New("stored document is corrupt or in a foreign format")
)

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflictError checks if an error is a version conflict
func IsConflictError(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsUnavailableError checks if the backend was unavailable
func IsUnavailableError(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsBusyError checks if the write gate timed out
func IsBusyError(err error) bool {
	return errors.Is(err, ErrBusy)
}

// IsInvalidInputError checks if the caller supplied unusable input
func IsInvalidInputError(err error) bool {
	return errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrInvalidDocument)
}
