package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "inferout"
)

var (
	// SchedulerCycles counts reconciliation cycles by outcome
	SchedulerCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "cycles_total",
			Help:      "Total number of reconciliation cycles",
		},
		[]string{"status"}, // ok/error/overrun
	)

	// SchedulerCycleDuration measures one reconciliation pass
	SchedulerCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "cycle_duration_seconds",
			Help:      "Reconciliation cycle latency in seconds",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2, 3, 5, 10},
		},
	)

	// SchedulerLockContention counts lock attempts that found the lock held
	SchedulerLockContention = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "lock_contention_total",
			Help:      "Total number of scheduler lock attempts lost to another process",
		},
	)

	// InstancesScheduled counts MODEL_INSTANCE_SCHEDULED commands sent
	InstancesScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "instances_scheduled_total",
			Help:      "Total number of model instances scheduled",
		},
	)

	// InstancesTerminated counts termination decisions by reason
	InstancesTerminated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "instances_terminated_total",
			Help:      "Total number of model instances sent to terminating",
		},
		[]string{"reason"}, // orphaned/outdated
	)

	// SchedulingFailures counts models left short because no worker fit
	SchedulingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "no_eligible_worker_total",
			Help:      "Total number of allocations aborted for lack of an eligible worker",
		},
	)

	// InstanceTransitions counts lifecycle transitions on this worker
	InstanceTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "instance_transitions_total",
			Help:      "Total number of model instance state transitions",
		},
		[]string{"state"},
	)

	// LocalInstances tracks the size of the local instance table
	LocalInstances = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "local_instances",
			Help:      "Number of model instances registered on this worker",
		},
	)

	// Heartbeats counts heartbeat writes
	Heartbeats = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "heartbeats_total",
			Help:      "Total number of heartbeat writes",
		},
		[]string{"status"}, // ok/error
	)

	// InferenceRequests counts inference requests by route
	InferenceRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "serving",
			Name:      "requests_total",
			Help:      "Total number of inference requests",
		},
		[]string{"route"}, // local/remote/unavailable/error
	)

	// InferenceDuration measures inference latency by route
	InferenceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "serving",
			Name:      "request_duration_seconds",
			Help:      "Inference latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

// Handler returns the HTTP handler exposing the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
