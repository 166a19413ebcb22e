package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals a missing record.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidFilter signals a malformed filter expression.
	ErrInvalidFilter = errors.New("invalid filter")
	// ErrInvalidProjection signals a malformed projection expression.
	ErrInvalidProjection = errors.New("invalid projection")
	// ErrStorage signals an underlying collection operation failure.
	ErrStorage = errors.New("storage error")
)

// StorageError wraps a backend failure with the operation name for diagnostics.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrStorage.Error(), e.Op, e.Err.Error())
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrStorage) match the whole class.
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// NewStorageError wraps an underlying backend failure with its operation name.
func NewStorageError(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}
