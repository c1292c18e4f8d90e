package store

import (
	"errors"
	"fmt"
)

// ErrDimensionMismatch is returned when a vector's length does not match the
// dimension the store was opened with.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// StorageError wraps a database failure with the operation that produced it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
