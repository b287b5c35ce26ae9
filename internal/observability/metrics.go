package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// QueueMetrics counts job-queue events.
type QueueMetrics struct {
	Enqueued  prometheus.Counter
	Claimed   prometheus.Counter
	Completed prometheus.Counter
	Failed    prometheus.Counter
	Retried   prometheus.Counter
	Cancelled prometheus.Counter
}

// NewQueueMetrics registers queue counters on the registry.
func NewQueueMetrics(reg prometheus.Registerer) *QueueMetrics {
	m := &QueueMetrics{
		Enqueued:  prometheus.NewCounter(prometheus.CounterOpts{Name: "ratchet_jobs_enqueued_total", Help: "Jobs accepted into the queue."}),
		Claimed:   prometheus.NewCounter(prometheus.CounterOpts{Name: "ratchet_jobs_claimed_total", Help: "Jobs claimed for processing."}),
		Completed: prometheus.NewCounter(prometheus.CounterOpts{Name: "ratchet_jobs_completed_total", Help: "Jobs completed successfully."}),
		Failed:    prometheus.NewCounter(prometheus.CounterOpts{Name: "ratchet_jobs_failed_total", Help: "Jobs that exhausted their retry budget."}),
		Retried:   prometheus.NewCounter(prometheus.CounterOpts{Name: "ratchet_jobs_retried_total", Help: "Job retry attempts scheduled."}),
		Cancelled: prometheus.NewCounter(prometheus.CounterOpts{Name: "ratchet_jobs_cancelled_total", Help: "Jobs cancelled."}),
	}
	if reg != nil {
		reg.MustRegister(m.Enqueued, m.Claimed, m.Completed, m.Failed, m.Retried, m.Cancelled)
	}
	return m
}

// PoolMetrics tracks the worker pool.
type PoolMetrics struct {
	WorkersReady  prometheus.Gauge
	WorkersBusy   prometheus.Gauge
	TasksExecuted prometheus.Counter
	TasksFailed   prometheus.Counter
	Restarts      prometheus.Counter
	TaskDuration  prometheus.Histogram
}

// NewPoolMetrics registers executor gauges on the registry.
func NewPoolMetrics(reg prometheus.Registerer) *PoolMetrics {
	m := &PoolMetrics{
		WorkersReady:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "ratchet_workers_ready", Help: "Workers currently idle and healthy."}),
		WorkersBusy:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "ratchet_workers_busy", Help: "Workers currently executing a task."}),
		TasksExecuted: prometheus.NewCounter(prometheus.CounterOpts{Name: "ratchet_tasks_executed_total", Help: "Task executions dispatched to workers."}),
		TasksFailed:   prometheus.NewCounter(prometheus.CounterOpts{Name: "ratchet_tasks_failed_total", Help: "Task executions that returned failure."}),
		Restarts:      prometheus.NewCounter(prometheus.CounterOpts{Name: "ratchet_worker_restarts_total", Help: "Worker processes replaced after crash or health failure."}),
		TaskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ratchet_task_duration_seconds",
			Help:    "Wall-clock task execution time.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.WorkersReady, m.WorkersBusy, m.TasksExecuted, m.TasksFailed, m.Restarts, m.TaskDuration)
	}
	return m
}

// DeliveryMetrics tracks output deliveries by destination type.
type DeliveryMetrics struct {
	Attempts *prometheus.CounterVec
	Duration prometheus.Histogram
}

// NewDeliveryMetrics registers delivery counters on the registry.
func NewDeliveryMetrics(reg prometheus.Registerer) *DeliveryMetrics {
	m := &DeliveryMetrics{
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratchet_deliveries_total",
			Help: "Terminal delivery outcomes by destination type and result.",
		}, []string{"type", "outcome"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ratchet_delivery_duration_seconds",
			Help:    "Time spent delivering one output.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Attempts, m.Duration)
	}
	return m
}
