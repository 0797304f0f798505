package audit

import (
	"errors"
	"fmt"
)

// ErrDestroyed is wrapped by every LifecycleError. Use errors.Is to detect it.
var ErrDestroyed = errors.New("audit: logger destroyed")

// ValidationError reports an event rejected at ingestion. The event never
// enters the buffer; callers must treat it as a hard stop for the action
// being audited.
type ValidationError struct {
	Field  string // JSON name of the offending field
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("audit: invalid event: %s %s", e.Field, e.Reason)
}

// LifecycleError is returned when an operation is attempted after Destroy.
type LifecycleError struct {
	Op string
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("audit: %s: logger destroyed", e.Op)
}

// Unwrap lets errors.Is(err, ErrDestroyed) match.
func (e *LifecycleError) Unwrap() error { return ErrDestroyed }

// PersistenceError wraps a failure of the durable store or of the encryption
// service sitting in front of it.
type PersistenceError struct {
	Op  string // "load", "save", "encrypt", ...
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("audit: persistence %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsPersistenceError reports whether err (or anything it wraps) is a
// PersistenceError.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
