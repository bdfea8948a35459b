package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Raft/KV metrics (C1)
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "controlplane_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "controlplane_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "controlplane_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Lock manager metrics (C2)
	LockWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "controlplane_lock_wait_duration_seconds",
			Help:    "Time spent waiting to acquire a distributed lock",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"object_type", "attr"},
	)

	StaleLocksCleared = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "controlplane_stale_locks_cleared_total",
			Help: "Total number of stale locks cleared from dead holders",
		},
	)

	// Queue runtime metrics (C4)
	QueueDequeuesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_queue_dequeues_total",
			Help: "Total number of successful dequeues by queue name",
		},
		[]string{"queue"},
	)

	QueueLength = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "controlplane_queue_length",
			Help: "Current number of queued and processing workitems",
		},
		[]string{"queue", "state"},
	)

	// Side-channel supervisor metrics (C8)
	ChannelStateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_sidechannel_state_transitions_total",
			Help: "Total number of agent-channel state transitions by new state",
		},
		[]string{"state"},
	)

	MonitorsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "controlplane_sidechannel_monitors_active",
			Help: "Number of per-VM side-channel monitor children currently running",
		},
	)
)

func init() {
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(RaftApplyDuration)
	prometheus.MustRegister(LockWaitDuration)
	prometheus.MustRegister(StaleLocksCleared)
	prometheus.MustRegister(QueueDequeuesTotal)
	prometheus.MustRegister(QueueLength)
	prometheus.MustRegister(ChannelStateTransitionsTotal)
	prometheus.MustRegister(MonitorsActive)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
