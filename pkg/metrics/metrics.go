package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// WorkerMetrics defines metrics operations needed by the page worker.
type WorkerMetrics interface {
	IncTasksDequeued()
	IncTaskFailures()
	AddRecordsRekeyed(n int)
	TrackTask(f func() error) error
}

// Metrics implements WorkerMetrics on top of Prometheus collectors.
type Metrics struct {
	TasksDequeued   prometheus.Counter
	TaskFailures    prometheus.Counter
	RecordsRekeyed  prometheus.Counter
	ActiveTasks     prometheus.Gauge
	TaskProcessTime prometheus.Histogram
}

var _ WorkerMetrics = (*Metrics)(nil)

func (m *Metrics) IncTasksDequeued()       { m.TasksDequeued.Inc() }
func (m *Metrics) IncTaskFailures()        { m.TaskFailures.Inc() }
func (m *Metrics) AddRecordsRekeyed(n int) { m.RecordsRekeyed.Add(float64(n)) }

// TrackTask tracks the duration of a function and updates the metrics.
func (m *Metrics) TrackTask(f func() error) error {
	m.ActiveTasks.Inc()
	defer m.ActiveTasks.Dec()

	start := time.Now()
	err := f()
	m.TaskProcessTime.Observe(time.Since(start).Seconds())
	return err
}

// New creates a new Metrics instance registered with the default registry.
func New(namespace string) *Metrics {
	return NewWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewWithRegisterer creates a new Metrics instance registered with reg.
func NewWithRegisterer(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TasksDequeued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dequeued_total",
			Help:      "Total number of page tasks consumed from Kafka",
		}),
		TaskFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_failures_total",
			Help:      "Total number of page tasks that failed to commit",
		}),
		RecordsRekeyed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_rekeyed_total",
			Help:      "Total number of records that received a new token",
		}),
		ActiveTasks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tasks",
			Help:      "Number of page tasks currently being processed",
		}),
		TaskProcessTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_process_seconds",
			Help:      "Time taken to rekey and commit one page",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
