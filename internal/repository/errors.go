package repository

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrConcurrentUpdate is the cause inside a ConflictError when every retry
	// lost the race
	ErrConcurrentUpdate = errors.New("concurrent update")
)

// ConflictError reports an optimistic update that could not be applied.
// Nothing of the update was written.
type ConflictError struct {
	Op       string
	EntityID string
	Day      string
	Err      error
}

func (e *ConflictError) Error() string {
	if e.Day == "" {
		return fmt.Sprintf("%s conflict for %s: %v", e.Op, e.EntityID, e.Err)
	}
	return fmt.Sprintf("%s conflict for %s on %s: %v", e.Op, e.EntityID, e.Day, e.Err)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}
