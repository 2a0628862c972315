package fancount

import "time"

// SyncStatus is the outcome of the last nightly synchronization run.
type SyncStatus string

const (
	SyncSucceeded SyncStatus = "succeeded"
	SyncFailed    SyncStatus = "failed"
	SyncPartial   SyncStatus = "partial"
)

// SyncCheckpoint records the last nightly primary-to-fallback sync. Updated
// only by the scheduler; read to skip redundant runs and to report health.
type SyncCheckpoint struct {
	LastSyncAt     time.Time  `json:"last_sync_at"`
	LastSyncStatus SyncStatus `json:"last_sync_status"`
	RecordsSynced  int        `json:"records_synced"`
}

// FreshWithin reports whether a successful sync completed within d of now.
func (c SyncCheckpoint) FreshWithin(now time.Time, d time.Duration) bool {
	return c.LastSyncStatus == SyncSucceeded && now.Sub(c.LastSyncAt) < d
}
