package metrics

import "time"

// VFSMetrics observes VFS operations.
type VFSMetrics interface {
	// RecordOperation records a completed VFS operation ("create", "write",
	// "unlink", ...) with its duration and outcome.
	RecordOperation(operation string, duration time.Duration, err error)

	// RecordEvent counts a published bus event.
	RecordEvent(eventType string)

	// RecordBytesWritten counts content bytes persisted.
	RecordBytesWritten(n int)
}

type noopVFSMetrics struct{}

// NewNoopVFSMetrics returns a VFSMetrics that does nothing.
func NewNoopVFSMetrics() VFSMetrics { return noopVFSMetrics{} }

func (noopVFSMetrics) RecordOperation(string, time.Duration, error) {}
func (noopVFSMetrics) RecordEvent(string)                           {}
func (noopVFSMetrics) RecordBytesWritten(int)                       {}
