package schemas

import (
	"errors"
	"fmt"
)

// ConfigurationError marks a registry construction problem: duplicate plugin
// name, unknown dependency, or a dependency cycle. It is fatal at startup,
// before any object is processed.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// NewConfigurationError builds a ConfigurationError with a formatted reason.
func NewConfigurationError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// ValidationError marks a malformed submission. It is rejected at admission
// and never enters the object graph.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Reason
}

// NewValidationError builds a ValidationError with a formatted reason.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// PersistenceError wraps an object store failure. The scheduler retries these
// a bounded number of times; a persistent failure is fatal for the affected
// object's subtree only.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

var (
	// ErrObjectNotFound is returned by stores when a UID is unknown.
	ErrObjectNotFound = errors.New("object not found")
	// ErrResultNotFound is returned by stores when no result is recorded for
	// an (object, plugin) pair.
	ErrResultNotFound = errors.New("analysis result not found")
)
