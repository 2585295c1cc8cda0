package errors

// WrapOpComponent provides a convenience helper to wrap errors with consistent
// Op and Component propagation. It avoids repetition when creating structured
// errors throughout the codebase. If err is nil, returns nil.
func WrapOpComponent(err error, op Operation, component string) error {
	if err == nil {
		return nil
	}
	return NewWithComponent(op, component, err)
}

// WrapOpComponentKind wraps errors with Op, Component, and Kind. The Retryable
// flag follows the kind: only transient errors are retryable.
// If err is nil, returns nil.
func WrapOpComponentKind(err error, op Operation, component string, kind Kind) error {
	if err == nil {
		return nil
	}
	return &SyncError{
		Op:        op,
		Component: component,
		Kind:      kind,
		Err:       err,
		Retryable: kind == KindTransient,
	}
}
