package chart

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no record exists for an (owner, kind) pair.
	// It is an expected outcome: callers fall back to the built-in default.
	ErrNotFound = errors.New("chart record not found")
	// ErrUnknownKind is returned for chart types other than duration and sadpath.
	ErrUnknownKind = errors.New("unknown chart kind")
	// ErrIndexOutOfRange is returned when editing a point that does not exist.
	ErrIndexOutOfRange = errors.New("point index out of range")
	// ErrValueOutOfRange is returned for payloads holding a duration outside
	// [0, MaxDurationSeconds] or a share outside [0, MaxPercentage].
	ErrValueOutOfRange = errors.New("chart value out of range")
)

// PersistenceError is a serialization or storage failure of a store backend.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Fail wraps err as a PersistenceError for op.
// ErrNotFound and errors that already are PersistenceErrors pass through.
func Fail(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return err
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
