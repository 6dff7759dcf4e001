// Package telemetry implements the dispatch engine's append-only
// health and cost trackers (C7), grounded on the upstream agent
// framework's atomic sliding-window health monitor, generalized here
// to newest-first, retention-pruned logs rather than a fixed-bucket
// QPS counter.
package telemetry

import (
	"sync"
	"time"

	"github.com/BaSui01/agentflow/types"
)

const maxHealthRecords = 100

// HealthTracker keeps a capped, newest-first, per-provider health log
// and exposes windowed aggregations over it.
type HealthTracker struct {
	mu        sync.RWMutex
	retention time.Duration
	records   map[string][]types.HealthRecord
}

// NewHealthTracker creates a tracker. retention is the maximum age a
// record is kept regardless of the count cap; zero means no
// time-based pruning.
func NewHealthTracker(retention time.Duration) *HealthTracker {
	return &HealthTracker{retention: retention, records: make(map[string][]types.HealthRecord)}
}

// Record appends a health observation, pruning by count and retention.
func (t *HealthTracker) Record(rec types.HealthRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	list := append([]types.HealthRecord{rec}, t.records[rec.Provider]...)
	list = t.pruneLocked(list, rec.Timestamp)
	t.records[rec.Provider] = list
}

func (t *HealthTracker) pruneLocked(list []types.HealthRecord, now time.Time) []types.HealthRecord {
	if len(list) > maxHealthRecords {
		list = list[:maxHealthRecords]
	}
	if t.retention <= 0 {
		return list
	}
	cutoff := now.Add(-t.retention)
	for i, r := range list {
		if r.Timestamp.Before(cutoff) {
			return list[:i]
		}
	}
	return list
}

// Snapshot is a provider's aggregated health summary.
type Snapshot struct {
	Provider     string
	Status       types.HealthStatusKind
	LastCheck    *time.Time
	UptimePct    float64
	AvgLatencyMs float64
	RecentErrors int
}

// Status aggregates one provider's recent health records.
func (t *HealthTracker) Status(provider string) Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	list := t.records[provider]
	snap := Snapshot{Provider: provider, Status: types.HealthUnknown}
	if len(list) == 0 {
		return snap
	}

	snap.Status = list[0].Status
	snap.LastCheck = &list[0].Timestamp

	var healthy, total, errs int
	var latencySum int64
	var latencyCount int
	for _, r := range list {
		total++
		if r.Status == types.HealthHealthy {
			healthy++
		}
		if r.Status == types.HealthUnhealthy {
			errs++
		}
		if r.LatencyMs != nil {
			latencySum += *r.LatencyMs
			latencyCount++
		}
	}
	if total > 0 {
		snap.UptimePct = 100 * float64(healthy) / float64(total)
	}
	if latencyCount > 0 {
		snap.AvgLatencyMs = float64(latencySum) / float64(latencyCount)
	}
	snap.RecentErrors = errs
	return snap
}

// StatusAll returns the health summary for every provider with at
// least one recorded observation.
func (t *HealthTracker) StatusAll() map[string]Snapshot {
	t.mu.RLock()
	names := make([]string, 0, len(t.records))
	for n := range t.records {
		names = append(names, n)
	}
	t.mu.RUnlock()

	out := make(map[string]Snapshot, len(names))
	for _, n := range names {
		out[n] = t.Status(n)
	}
	return out
}
