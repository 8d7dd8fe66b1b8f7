// Package metrics exposes prometheus collectors for worker pools and file locks.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Failure kinds used as the "kind" label of TaskFailures.
const (
	FailureError   = "error"
	FailurePanic   = "panic"
	FailureCrashed = "crashed"
)

var (
	// TasksDispatched counts tasks handed to Dispatch or ApplyInCurrentProcess.
	TasksDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "procsync_tasks_dispatched_total",
		Help: "Total number of tasks submitted for execution",
	})
	// TaskFailures counts failed tasks by kind.
	TaskFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "procsync_task_failures_total",
		Help: "Total number of failed tasks by failure kind",
	}, []string{"kind"})
	// WorkersSpawned counts worker processes started.
	WorkersSpawned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "procsync_workers_spawned_total",
		Help: "Total number of worker processes started",
	})
	// WorkerCrashes counts worker processes that terminated abnormally.
	WorkerCrashes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "procsync_worker_crashes_total",
		Help: "Total number of worker processes that terminated abnormally",
	})
	// LockAcquisitions counts granted file locks.
	LockAcquisitions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "procsync_lock_acquisitions_total",
		Help: "Total number of file locks acquired",
	})
	// LockTimeouts counts acquisitions that exhausted their budget.
	LockTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "procsync_lock_timeouts_total",
		Help: "Total number of file lock acquisitions that timed out",
	})
	// LockWaitSeconds observes the time spent polling for a lock.
	LockWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "procsync_lock_wait_seconds",
		Help:    "Time spent waiting for file locks",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterMetrics registers the procsync collectors on the provided registry.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		TasksDispatched,
		TaskFailures,
		WorkersSpawned,
		WorkerCrashes,
		LockAcquisitions,
		LockTimeouts,
		LockWaitSeconds,
	)
}
