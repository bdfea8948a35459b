/*
Package metrics provides Prometheus metrics collection and exposition
for the control plane's C1 (KV store), C2 (lock manager), C4 (queue
runtime), and C8 (side-channel supervisor) components.

All metrics are registered at package init onto the default Prometheus
registry as package-level variables, and are exposed for scraping via
Handler().

# Metrics Catalog

Raft / KV metrics (C1):

controlplane_raft_is_leader:
  - Type: Gauge
  - Description: Whether this node is the Raft leader (1=leader, 0=follower)

controlplane_raft_applied_index:
  - Type: Gauge
  - Description: Last applied Raft log index

controlplane_raft_apply_duration_seconds:
  - Type: Histogram
  - Description: Time to apply a Raft log entry

Lock manager metrics (C2):

controlplane_lock_wait_duration_seconds{object_type, attr}:
  - Type: Histogram
  - Description: Time spent waiting to acquire a distributed lock

controlplane_stale_locks_cleared_total:
  - Type: Counter
  - Description: Total stale locks cleared from dead holders

Queue runtime metrics (C4):

controlplane_queue_dequeues_total{queue}:
  - Type: Counter
  - Description: Total successful dequeues by queue name

controlplane_queue_length{queue, state}:
  - Type: Gauge
  - Description: Current number of queued and processing workitems

Side-channel supervisor metrics (C8):

controlplane_sidechannel_state_transitions_total{state}:
  - Type: Counter
  - Description: Total agent-channel state transitions by new state

controlplane_sidechannel_monitors_active:
  - Type: Gauge
  - Description: Number of per-VM side-channel monitor children running

# Usage

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDuration(metrics.RaftApplyDuration)

	timer := metrics.NewTimer()
	// ... acquire lock ...
	timer.ObserveDurationVec(metrics.LockWaitDuration, "instance", "state")

	http.Handle("/metrics", metrics.Handler())
*/
package metrics
