// Package metrics exposes Prometheus collectors for the task manager.
//
// Metrics implements manager.Observer so it sees every status change, and
// CollectQueueMetrics polls manager.Stats for the gauges.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/guido-cesarano/asyncq/pkg/manager"
	"github.com/guido-cesarano/asyncq/pkg/tasks"
)

// Metrics holds the engine's collectors.
type Metrics struct {
	// tasksProcessed counts tasks by final status ("completed" or "failed").
	tasksProcessed *prometheus.CounterVec

	// tasksSubmitted counts accepted submissions.
	tasksSubmitted prometheus.Counter

	// taskDuration tracks time spent in Processing.
	taskDuration prometheus.Histogram

	// queueLatency tracks time from submission until a worker picked the task up.
	queueLatency prometheus.Histogram

	// engine is updated by CollectQueueMetrics.
	// Labels:
	//   - field: "queue_depth", "capacity", "active_workers", "busy_workers", "registered_tasks"
	engine *prometheus.GaugeVec

	started sync.Map // task id -> time.Time the task entered Processing
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer to
// serve them from promhttp.Handler().
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		tasksProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "asyncq_processed_total",
			Help: "The total number of tasks that reached a terminal state",
		}, []string{"status"}),
		tasksSubmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "asyncq_submitted_total",
			Help: "The total number of accepted task submissions",
		}),
		taskDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "asyncq_task_duration_seconds",
			Help:    "Duration of task processing",
			Buckets: prometheus.DefBuckets,
		}),
		queueLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "asyncq_queue_latency_seconds",
			Help:    "Time spent in queue before processing",
			Buckets: prometheus.DefBuckets,
		}),
		engine: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "asyncq_engine",
			Help: "Point-in-time queue and worker pool figures",
		}, []string{"field"}),
	}
}

// TaskTransitioned implements manager.Observer.
func (m *Metrics) TaskTransitioned(snap tasks.Snapshot) {
	switch snap.Status {
	case tasks.StatusPending:
		m.tasksSubmitted.Inc()
	case tasks.StatusProcessing:
		m.started.Store(snap.ID, snap.UpdatedAt)
		m.queueLatency.Observe(snap.UpdatedAt.Sub(snap.CreatedAt).Seconds())
	case tasks.StatusCompleted, tasks.StatusFailed:
		m.tasksProcessed.WithLabelValues(string(snap.Status)).Inc()
		if v, ok := m.started.LoadAndDelete(snap.ID); ok {
			m.taskDuration.Observe(snap.UpdatedAt.Sub(v.(time.Time)).Seconds())
		}
	}
}

// StatsSource is satisfied by *manager.Manager.
type StatsSource interface {
	Stats() manager.Stats
}

// Record copies one stats snapshot into the gauges.
func (m *Metrics) Record(s manager.Stats) {
	m.engine.WithLabelValues("queue_depth").Set(float64(s.QueueDepth))
	m.engine.WithLabelValues("capacity").Set(float64(s.Capacity))
	m.engine.WithLabelValues("active_workers").Set(float64(s.ActiveWorkers))
	m.engine.WithLabelValues("busy_workers").Set(float64(s.BusyWorkers))
	m.engine.WithLabelValues("registered_tasks").Set(float64(s.TotalTasksRegistered))
}

// CollectQueueMetrics refreshes the gauges from src every interval until ctx is cancelled.
func (m *Metrics) CollectQueueMetrics(ctx context.Context, src StatsSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.Record(src.Stats())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Record(src.Stats())
		}
	}
}
