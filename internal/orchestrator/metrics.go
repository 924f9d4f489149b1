package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ShayCichocki/taskpilot/pkg/models"
)

// Metrics exposes Prometheus collectors that report orchestrator activity.
type Metrics struct {
	runDuration  *prometheus.HistogramVec
	runRetries   *prometheus.CounterVec
	taskOutcomes *prometheus.CounterVec
	tasksActive  prometheus.Gauge
}

// MustNewMetrics constructs Metrics registered with reg. Collectors that are
// already registered are reused; any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "taskpilot",
				Subsystem: "bridge",
				Name:      "run_duration_seconds",
				Help:      "Duration of single tool invocations.",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
			},
			[]string{"tool", "outcome"},
		),
		runRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "taskpilot",
				Subsystem: "bridge",
				Name:      "run_retries_total",
				Help:      "Tool invocations that were retries of a transient failure.",
			},
			[]string{"tool"},
		),
		taskOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "taskpilot",
				Subsystem: "orchestrator",
				Name:      "tasks_finished_total",
				Help:      "Tasks that reached a terminal status, by status.",
			},
			[]string{"status"},
		),
		tasksActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "taskpilot",
				Subsystem: "orchestrator",
				Name:      "tasks_active",
				Help:      "Tasks currently in progress.",
			},
		),
	}

	for _, c := range []prometheus.Collector{m.runDuration, m.runRetries, m.taskOutcomes, m.tasksActive} {
		if err := reg.Register(c); err != nil {
			already, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				panic(err)
			}
			switch c {
			case m.runDuration:
				m.runDuration = already.ExistingCollector.(*prometheus.HistogramVec)
			case m.runRetries:
				m.runRetries = already.ExistingCollector.(*prometheus.CounterVec)
			case m.taskOutcomes:
				m.taskOutcomes = already.ExistingCollector.(*prometheus.CounterVec)
			case m.tasksActive:
				m.tasksActive = already.ExistingCollector.(prometheus.Gauge)
			}
		}
	}
	return m
}

// ObserveRun records one finished invocation.
func (m *Metrics) ObserveRun(tool string, outcome models.Outcome, d time.Duration, retry bool) {
	if m == nil {
		return
	}
	m.runDuration.WithLabelValues(tool, string(outcome)).Observe(d.Seconds())
	if retry {
		m.runRetries.WithLabelValues(tool).Inc()
	}
}

// TaskStarted marks a task as in progress.
func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.tasksActive.Inc()
}

// TaskFinished records the terminal status of a task that was in progress.
func (m *Metrics) TaskFinished(status models.TaskStatus) {
	if m == nil {
		return
	}
	m.tasksActive.Dec()
	m.taskOutcomes.WithLabelValues(string(status)).Inc()
}
