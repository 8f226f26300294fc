// Package metrics holds the node's in-process counters.
package metrics

import (
	"sync"
	"sync/atomic"
)

// MetricKey is a strongly typed metric identifier.
type MetricKey string

// Metric keys (centralized)
const (
	// Capture
	CaptureWritesTotal   MetricKey = "capture_writes_total"
	CaptureFailuresTotal MetricKey = "capture_failures_total"

	// Apply
	ApplyBatchesTotal  MetricKey = "apply_batches_total"
	ApplyFailuresTotal MetricKey = "apply_failures_total"
	ApplyAppliedTotal  MetricKey = "apply_changes_applied_total"
	ApplyStaleTotal    MetricKey = "apply_changes_stale_total"
	ApplyEchoedTotal   MetricKey = "apply_changes_echoed_total"
	ApplyThrottled     MetricKey = "apply_throttled_total"

	// Sync rounds
	SyncRoundsTotal      MetricKey = "sync_rounds_total"
	SyncRoundsSkipped    MetricKey = "sync_rounds_skipped_total"
	SyncRoundFailures    MetricKey = "sync_round_failures_total"
	SyncEntriesSynced    MetricKey = "sync_entries_synced_total"
	SyncPendingEntries   MetricKey = "sync_pending_entries"
	SyncDeliveriesTotal  MetricKey = "sync_deliveries_total"
	SyncDeliveryFailures MetricKey = "sync_delivery_failures_total"
	SyncChangesSentTotal MetricKey = "sync_changes_sent_total"
	SyncPeersLastRound   MetricKey = "sync_peers_last_round"

	// Directory
	DirectoryLookupsTotal   MetricKey = "directory_lookups_total"
	DirectoryLookupFailures MetricKey = "directory_lookup_failures_total"
	DirectoryRegistersTotal MetricKey = "directory_registers_total"
	HeartbeatRunsTotal      MetricKey = "heartbeat_runs_total"
	HeartbeatFailuresTotal  MetricKey = "heartbeat_failures_total"
	AddressAcquireRetries   MetricKey = "address_acquire_retries_total"
)

// Registry stores all metrics.
//
// A nil *Registry is valid and discards every update, so components can be
// built without one.
type Registry struct {
	mu       sync.RWMutex
	counters map[MetricKey]*int64
}

// NewRegistry creates a metrics registry.
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[MetricKey]*int64),
	}
}

// Inc increments a metric by 1.
func (r *Registry) Inc(key MetricKey) {
	r.Add(key, 1)
}

// Add increments a metric by delta.
func (r *Registry) Add(key MetricKey, delta int64) {
	if r == nil {
		return
	}
	atomic.AddInt64(r.counter(key), delta)
}

// Set overwrites a gauge-style metric.
func (r *Registry) Set(key MetricKey, value int64) {
	if r == nil {
		return
	}
	atomic.StoreInt64(r.counter(key), value)
}

func (r *Registry) counter(key MetricKey) *int64 {
	r.mu.RLock()
	ptr, ok := r.counters[key]
	r.mu.RUnlock()
	if ok {
		return ptr
	}

	// Slow path: metric not yet initialized
	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if ptr, ok = r.counters[key]; ok {
		return ptr
	}
	ptr = new(int64)
	r.counters[key] = ptr
	return ptr
}
