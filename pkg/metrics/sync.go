package metrics

import "time"

// SyncMetrics observes the sync engine.
type SyncMetrics interface {
	// RecordPass records a finished sync/push/pull pass.
	RecordPass(kind string, duration time.Duration, err error)

	// RecordChanges counts changes moved in a direction ("push" or "pull").
	RecordChanges(direction string, n int)

	// RecordConflicts counts newly detected conflicts.
	RecordConflicts(n int)

	// SetPending reports the number of unsynced local changes.
	SetPending(n int)
}

type noopSyncMetrics struct{}

// NewNoopSyncMetrics returns a SyncMetrics that does nothing.
func NewNoopSyncMetrics() SyncMetrics { return noopSyncMetrics{} }

func (noopSyncMetrics) RecordPass(string, time.Duration, error) {}
func (noopSyncMetrics) RecordChanges(string, int)               {}
func (noopSyncMetrics) RecordConflicts(int)                     {}
func (noopSyncMetrics) SetPending(int)                          {}
