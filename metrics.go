package schoolsync

import "time"

// MetricsCollector provides hooks for collecting sync operation metrics
type MetricsCollector interface {
	// RecordSyncDuration records how long a sync phase took
	RecordSyncDuration(operation string, duration time.Duration)

	// RecordSyncOperations records the number of operations pushed and
	// cache entries pulled
	RecordSyncOperations(pushed, pulled int)

	// RecordSyncErrors records sync failures by operation and error class
	RecordSyncErrors(operation string, errorClass string)

	// RecordConflicts records the number of conflicts resolved
	RecordConflicts(resolved int)

	// RecordTerminalFailure records an operation dropped after exhausting
	// retries or failing validation
	RecordTerminalFailure(collection string)

	// RecordQueueDepth records the queue length after a cycle
	RecordQueueDepth(depth int)
}

// NoOpMetricsCollector is a default implementation that does nothing
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) RecordSyncDuration(operation string, duration time.Duration) {}
func (n *NoOpMetricsCollector) RecordSyncOperations(pushed, pulled int)                     {}
func (n *NoOpMetricsCollector) RecordSyncErrors(operation string, errorClass string)        {}
func (n *NoOpMetricsCollector) RecordConflicts(resolved int)                                {}
func (n *NoOpMetricsCollector) RecordTerminalFailure(collection string)                     {}
func (n *NoOpMetricsCollector) RecordQueueDepth(depth int)                                  {}
