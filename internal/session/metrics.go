package session

import "sync/atomic"

// Metrics records session counters for the admin endpoints.
type Metrics struct {
	connectionsAccepted atomic.Int64
	connectionsRejected atomic.Int64
	spawns              atomic.Int64
	spawnFailures       atomic.Int64
	despawns            atomic.Int64
	moves               atomic.Int64
	ignoredPackets      atomic.Int64
	spoofsRejected      atomic.Int64
	broadcasts          atomic.Int64
	deliveries          atomic.Int64
	droppedRecipients   atomic.Int64
	desyncs             atomic.Int64
}

// MetricsSnapshot is a read-only copy of Metrics.
type MetricsSnapshot struct {
	ConnectionsAccepted int64 `json:"connections_accepted"`
	ConnectionsRejected int64 `json:"connections_rejected"`
	Spawns              int64 `json:"spawns"`
	SpawnFailures       int64 `json:"spawn_failures"`
	Despawns            int64 `json:"despawns"`
	Moves               int64 `json:"moves"`
	IgnoredPackets      int64 `json:"ignored_packets"`
	SpoofsRejected      int64 `json:"spoofs_rejected"`
	Broadcasts          int64 `json:"broadcasts"`
	Deliveries          int64 `json:"deliveries"`
	DroppedRecipients   int64 `json:"dropped_recipients"`
	Desyncs             int64 `json:"desyncs"`
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	return MetricsSnapshot{
		ConnectionsAccepted: m.connectionsAccepted.Load(),
		ConnectionsRejected: m.connectionsRejected.Load(),
		Spawns:              m.spawns.Load(),
		SpawnFailures:       m.spawnFailures.Load(),
		Despawns:            m.despawns.Load(),
		Moves:               m.moves.Load(),
		IgnoredPackets:      m.ignoredPackets.Load(),
		SpoofsRejected:      m.spoofsRejected.Load(),
		Broadcasts:          m.broadcasts.Load(),
		Deliveries:          m.deliveries.Load(),
		DroppedRecipients:   m.droppedRecipients.Load(),
		Desyncs:             m.desyncs.Load(),
	}
}
