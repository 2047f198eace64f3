// Package metrics accumulates the counters a node exposes about its own
// operation: processes spawned/terminated, reductions executed, signals
// delivered, and node-transport reconnect attempts. Spec.md's
// observability non-goals exclude a metrics *exporter* (Prometheus,
// StatsD, etc.), not counting in the first place -- internal state a
// supervisor or test can inspect is ambient infrastructure every
// runtime in this corpus carries (moby-moby and kubo both wire a real
// metrics exporter; this repo stops one layer short of that, at the
// counters themselves, per spec.md's explicit non-goal).
package metrics

import "sync/atomic"

// Counters is a snapshot-friendly set of atomic counters. The zero
// value is ready to use.
type Counters struct {
	ProcessesSpawned    atomic.Uint64
	ProcessesTerminated atomic.Uint64
	ReductionsExecuted  atomic.Uint64
	SignalsDelivered    atomic.Uint64
	YieldsTriggered     atomic.Uint64
	TransportReconnects atomic.Uint64
}

// Snapshot is a point-in-time copy of Counters' values, safe to pass
// around and compare.
type Snapshot struct {
	ProcessesSpawned    uint64
	ProcessesTerminated uint64
	ReductionsExecuted  uint64
	SignalsDelivered    uint64
	YieldsTriggered     uint64
	TransportReconnects uint64
}

// Snapshot reads every counter. It does not freeze them atomically as a
// group, which is fine for observability data (spec.md has no
// consistency invariant across distinct counters).
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		ProcessesSpawned:    c.ProcessesSpawned.Load(),
		ProcessesTerminated: c.ProcessesTerminated.Load(),
		ReductionsExecuted:  c.ReductionsExecuted.Load(),
		SignalsDelivered:    c.SignalsDelivered.Load(),
		YieldsTriggered:     c.YieldsTriggered.Load(),
		TransportReconnects: c.TransportReconnects.Load(),
	}
}
