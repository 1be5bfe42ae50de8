package api

import (
	"time"

	"microgrid-sim/internal/audit"
	"microgrid-sim/internal/market"
)

// SnapshotProvider exposes the simulation state the dashboard shows.
type SnapshotProvider interface {
	MarketSnapshot() map[string]*market.Info
	BillsSnapshot() map[string]string
	AuditSnapshot() audit.Snapshot
}

// Snapshot represents the complete dashboard state
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`

	// Per-slot market records, keyed by "weekday:hour"
	Market map[string]*market.Info `json:"market"`

	// Cumulative external grid bill per consumer
	Bills map[string]string `json:"bills"`

	// Accounting totals and violations
	Audit audit.Snapshot `json:"audit"`
}

// BuildSnapshot aggregates state from all components into a dashboard snapshot
func BuildSnapshot(provider SnapshotProvider) Snapshot {
	return Snapshot{
		Timestamp: time.Now(),
		Market:    provider.MarketSnapshot(),
		Bills:     provider.BillsSnapshot(),
		Audit:     provider.AuditSnapshot(),
	}
}
