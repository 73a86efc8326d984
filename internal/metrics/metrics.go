// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksDispatched counts TASK frames written, by device.
	TasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "constellation_tasks_dispatched_total",
		Help: "Tasks sent to devices",
	}, []string{"device"})

	// TaskResults counts task outcomes.
	// Labels: status "completed" / "failed", category "" / "timeout" / "disconnected" / ...
	TaskResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "constellation_task_results_total",
		Help: "Task outcomes by status and failure category",
	}, []string{"status", "category"})

	// DeviceStatusChanges counts device transitions into each status.
	DeviceStatusChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "constellation_device_status_changes_total",
		Help: "Device status transitions by target status",
	}, []string{"status"})

	// ReconnectAttempts counts reconnection attempts by outcome.
	ReconnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "constellation_device_reconnect_attempts_total",
		Help: "Reconnection attempts by outcome",
	}, []string{"outcome"})

	// HandlesCancelled counts completion handles resolved early by a disconnect.
	HandlesCancelled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "constellation_pending_handles_cancelled_total",
		Help: "Pending completion handles resolved because the device disconnected",
	}, []string{"kind"})

	// QueueDepth tracks queued tasks per device.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "constellation_device_queue_depth",
		Help: "Tasks waiting in a device queue",
	}, []string{"device"})

	// Modifications counts synchronizer handles by outcome.
	// A rising "timed_out" series means the scheduler proceeded on a graph the
	// editor may still have been changing.
	Modifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "constellation_graph_modifications_total",
		Help: "Pending graph modifications by outcome",
	}, []string{"outcome"})

	// ModificationWait observes time spent blocked on pending modifications.
	ModificationWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "constellation_modification_wait_seconds",
		Help:    "Time the scheduler waited for in-flight graph edits",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30, 60},
	})

	// Orchestrations counts finished orchestrations by outcome.
	Orchestrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "constellation_orchestrations_total",
		Help: "Finished orchestrations by outcome",
	}, []string{"outcome"})
)
