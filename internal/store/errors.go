package store

import (
	"errors"
	"fmt"
)

// Common store errors used across all store implementations.
var (
	// ErrNotFound is returned when a requested card does not exist.
	ErrNotFound = errors.New("card not found")

	// ErrCardDeleted is returned when a mutation targets a tombstoned card.
	ErrCardDeleted = errors.New("card is deleted")

	// ErrStaleCard is returned when an update was made to a copy of a card
	// that has since been replaced, for example by a sync merge. Re-read the
	// card and apply the change again.
	ErrStaleCard = errors.New("card changed since it was read")

	// ErrInvalidCard is returned when a card fails validation before being
	// stored. The wrapped error carries the field details.
	ErrInvalidCard = errors.New("invalid card")

	// ErrStoreIO is matched by every IOError.
	ErrStoreIO = errors.New("store i/o failure")
)

// IOError reports a storage fault. The transaction it happened in was rolled
// back, so the store is still at its last committed state.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("store %s failed: %v", e.Op, e.Err)
}

// Unwrap returns the driver error.
func (e *IOError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrStoreIO) match.
func (e *IOError) Is(target error) bool {
	return target == ErrStoreIO
}

// NewIOError wraps err unless it is already a store error, in which case it is
// returned unchanged.
func NewIOError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreIO) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrCardDeleted) || errors.Is(err, ErrInvalidCard) {
		return err
	}
	return &IOError{Op: op, Err: err}
}
