package coordinator

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fentz26/relay/internal/models"
)

// Metrics exposes Prometheus collectors for coordinator activity. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	workflowsCreated  prometheus.Counter
	workflowsFinished *prometheus.CounterVec
	tasksDispatched   *prometheus.CounterVec
	taskFailures      *prometheus.CounterVec
	taskDuration      *prometheus.HistogramVec
	tasksActive       prometheus.Gauge
	parallelBatches   prometheus.Counter
}

// MustNewMetrics constructs and registers the collectors. Registering twice
// on the same registerer reuses the existing collectors; any other
// registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		workflowsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "coordinator",
			Name:      "workflows_created_total",
			Help:      "Number of workflows created.",
		}),
		workflowsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "coordinator",
			Name:      "workflows_finished_total",
			Help:      "Number of workflows that reached a terminal status.",
		}, []string{"status"}),
		tasksDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "coordinator",
			Name:      "tasks_dispatched_total",
			Help:      "Number of tasks handed to an agent.",
		}, []string{"agent", "mode"}),
		taskFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "coordinator",
			Name:      "task_failures_total",
			Help:      "Number of tasks reported as failed.",
		}, []string{"agent"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relay",
			Subsystem: "coordinator",
			Name:      "task_duration_seconds",
			Help:      "Time between dispatch and the terminal report of a task.",
			Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"agent", "outcome"}),
		tasksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Subsystem: "coordinator",
			Name:      "tasks_active",
			Help:      "Number of dispatched tasks awaiting a report.",
		}),
		parallelBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "coordinator",
			Name:      "parallel_batches_total",
			Help:      "Number of parallel batches opened.",
		}),
	}

	m.workflowsCreated = register(reg, m.workflowsCreated)
	m.workflowsFinished = register(reg, m.workflowsFinished)
	m.tasksDispatched = register(reg, m.tasksDispatched)
	m.taskFailures = register(reg, m.taskFailures)
	m.taskDuration = register(reg, m.taskDuration)
	m.tasksActive = register(reg, m.tasksActive)
	m.parallelBatches = register(reg, m.parallelBatches)
	return m
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) workflowCreated() {
	if m == nil {
		return
	}
	m.workflowsCreated.Inc()
}

func (m *Metrics) workflowFinished(status models.WorkflowStatus) {
	if m == nil {
		return
	}
	m.workflowsFinished.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) taskDispatched(agent models.AgentType, mode string) {
	if m == nil {
		return
	}
	m.tasksDispatched.WithLabelValues(string(agent), mode).Inc()
	m.tasksActive.Inc()
}

func (m *Metrics) taskFinished(t *models.Task, outcome string, now time.Time) {
	if m == nil {
		return
	}
	m.tasksActive.Dec()
	if outcome == "failed" {
		m.taskFailures.WithLabelValues(string(t.AssignedAgent)).Inc()
	}
	if t.StartedAt != nil {
		m.taskDuration.WithLabelValues(string(t.AssignedAgent), outcome).Observe(now.Sub(*t.StartedAt).Seconds())
	}
}

func (m *Metrics) tasksDropped(n int) {
	if m == nil || n == 0 {
		return
	}
	m.tasksActive.Sub(float64(n))
}

func (m *Metrics) batchOpened() {
	if m == nil {
		return
	}
	m.parallelBatches.Inc()
}
