package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreCorrupt indicates the store file exists but cannot be read as a
	// memory database. Memory is durable state, so it is never reset.
	ErrStoreCorrupt = errors.New("memory store corrupt or unreadable")

	ErrInvalidEvent   = errors.New("invalid log event")
	ErrInvalidRecord  = errors.New("invalid memory record")
	ErrInvalidBudget  = errors.New("invalid recall budget")
	ErrNotFound       = errors.New("memory record not found")
	ErrSegmentCorrupt = errors.New("archive segment corrupt")
)

// StorageError wraps a failed statement on the memory store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("memory store %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
