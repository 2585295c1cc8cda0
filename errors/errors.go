// Package errors provides custom error types for the sync engine.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error into the engine's failure taxonomy. The kind
// decides what the engine does with a failed operation: transient failures
// are retried with backoff, conflicts are routed to the resolver, validation
// failures are terminal, and storage failures abort only the current
// operation.
type Kind string

const (
	KindTransient  Kind = "TRANSIENT"
	KindConflict   Kind = "CONFLICT"
	KindValidation Kind = "VALIDATION"
	KindStorage    Kind = "STORAGE"
)

// Operation represents the engine operation during which an error occurred.
type Operation string

const (
	OpEnqueue         Operation = "enqueue"
	OpSync            Operation = "sync"
	OpPush            Operation = "push"
	OpPull            Operation = "pull"
	OpStore           Operation = "store"
	OpLoad            Operation = "load"
	OpConflictResolve Operation = "conflict_resolve"
	OpTransport       Operation = "transport"
	OpClose           Operation = "close"
)

// SyncError represents an error that occurred during synchronization.
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "store", "transport")
	Component string

	// Kind classifies the error for the engine's failure handling
	Kind Kind

	// Underlying error
	Err error

	// Whether the operation can be retried
	Retryable bool

	// Metadata for additional context (operation id, collection, etc.)
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Kind != "" {
		msg += fmt.Sprintf(" [%s]", e.Kind)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// WithMetadata attaches a key/value pair to the error and returns it.
func (e *SyncError) WithMetadata(key string, value interface{}) *SyncError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// NewTransient creates a retryable SyncError for network-class failures.
func NewTransient(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindTransient,
		Op:        op,
		Component: "transport",
		Err:       cause,
		Retryable: true,
	}
}

// NewConflict creates a SyncError for version/conflict failures. Conflicts
// are never retried as-is; they are routed to the conflict resolver.
func NewConflict(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindConflict,
		Op:        op,
		Component: "transport",
		Err:       cause,
		Retryable: false,
	}
}

// NewValidation creates a terminal SyncError for malformed payloads.
func NewValidation(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindValidation,
		Op:        op,
		Err:       cause,
		Retryable: false,
	}
}

// NewStorage creates a SyncError for local durable-store failures.
func NewStorage(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindStorage,
		Op:        op,
		Component: "store",
		Err:       cause,
		Retryable: false,
	}
}

// New creates a new SyncError without classification.
func New(op Operation, err error) *SyncError {
	return &SyncError{
		Op:  op,
		Err: err,
	}
}

// NewWithComponent creates a new SyncError with component information.
func NewWithComponent(op Operation, component string, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: component,
		Err:       err,
	}
}

// IsRetryable checks if an error is a retryable SyncError.
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// KindOf extracts the Kind from an error chain. Unclassified errors return
// the empty Kind.
func KindOf(err error) Kind {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind
	}
	return ""
}

// IsKind reports whether err carries the given Kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
