package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TaskMetrics counts task lifecycle events per target agent. The queue
// manager increments these; the HTTP server exposes them on /metrics.
type TaskMetrics struct {
	Enqueued  *prometheus.CounterVec
	Completed *prometheus.CounterVec
	Failed    *prometheus.CounterVec
	Retried   *prometheus.CounterVec
}

// NewTaskMetrics creates and registers the task counters with reg.
func NewTaskMetrics(reg prometheus.Registerer) *TaskMetrics {
	m := &TaskMetrics{
		Enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bmlorch_tasks_enqueued_total",
			Help: "Tasks accepted into the queue, by target agent.",
		}, []string{"agent"}),
		Completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bmlorch_tasks_completed_total",
			Help: "Tasks that reached COMPLETED, by target agent.",
		}, []string{"agent"}),
		Failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bmlorch_tasks_failed_total",
			Help: "Tasks that reached terminal FAILED, by target agent.",
		}, []string{"agent"}),
		Retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bmlorch_tasks_retried_total",
			Help: "Failed attempts re-queued for retry, by target agent.",
		}, []string{"agent"}),
	}
	reg.MustRegister(m.Enqueued, m.Completed, m.Failed, m.Retried)
	return m
}
