// Package telemetry tracks research run metrics: counts, durations, loop
// depth and retrieval task outcomes. Aggregates are kept in-process behind
// a mutex and mirrored into Prometheus collectors served on /metrics.
package telemetry

import (
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammad-safakhou/prosearch/config"
)

var (
	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "prosearch_runs_total",
		Help: "Research runs by terminal status.",
	}, []string{"status"})
	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "prosearch_run_duration_seconds",
		Help:    "End-to-end research run duration.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})
	runLoops = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "prosearch_run_loops",
		Help:    "Research loop iterations per run.",
		Buckets: []float64{0, 1, 2, 3, 4, 5},
	})
	tasksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "prosearch_retrieval_tasks_total",
		Help: "Retrieval tasks by outcome.",
	}, []string{"status"})
	taskDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "prosearch_retrieval_task_duration_seconds",
		Help:    "Single retrieval task duration.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})
)

func init() {
	prometheus.MustRegister(runsTotal, runDuration, runLoops, tasksTotal, taskDuration)
}

// Telemetry collects run and task metrics for one process.
type Telemetry struct {
	cfg    config.TelemetryConfig
	logger *log.Logger

	mu            sync.Mutex
	runsStarted   int64
	runsSucceeded int64
	runsFailed    int64
	tasksOK       int64
	tasksFailed   int64
	totalLoops    int64
	totalSources  int64
	totalRunTime  time.Duration
}

func New(cfg config.TelemetryConfig, logger *log.Logger) *Telemetry {
	if logger == nil {
		logger = log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags)
	}
	return &Telemetry{cfg: cfg, logger: logger}
}

// RunStarted records the start of a research run.
func (t *Telemetry) RunStarted(runID, topic string) {
	if t == nil || !t.cfg.Enabled {
		return
	}
	t.mu.Lock()
	t.runsStarted++
	t.mu.Unlock()
}

// RunCompleted records a run's terminal outcome.
func (t *Telemetry) RunCompleted(runID string, duration time.Duration, loops, sources int, err error) {
	if t == nil || !t.cfg.Enabled {
		return
	}
	t.mu.Lock()
	if err != nil {
		t.runsFailed++
	} else {
		t.runsSucceeded++
		t.totalLoops += int64(loops)
		t.totalSources += int64(sources)
		t.totalRunTime += duration
	}
	t.mu.Unlock()

	if err != nil {
		runsTotal.WithLabelValues("failed").Inc()
		return
	}
	runsTotal.WithLabelValues("succeeded").Inc()
	runDuration.Observe(duration.Seconds())
	runLoops.Observe(float64(loops))
	if t.cfg.PeriodicLogs {
		t.logger.Printf("run %s: %s, %d loops, %d sources", runID, duration.Round(time.Millisecond), loops, sources)
	}
}

// TaskCompleted records a single retrieval task outcome.
func (t *Telemetry) TaskCompleted(taskID int, duration time.Duration, err error) {
	if t == nil || !t.cfg.Enabled {
		return
	}
	t.mu.Lock()
	if err != nil {
		t.tasksFailed++
	} else {
		t.tasksOK++
	}
	t.mu.Unlock()

	if err != nil {
		tasksTotal.WithLabelValues("failed").Inc()
		return
	}
	tasksTotal.WithLabelValues("succeeded").Inc()
	taskDuration.Observe(duration.Seconds())
}

// Snapshot returns a copy of the in-process aggregates.
func (t *Telemetry) Snapshot() map[string]interface{} {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	avgRun := time.Duration(0)
	if t.runsSucceeded > 0 {
		avgRun = t.totalRunTime / time.Duration(t.runsSucceeded)
	}
	return map[string]interface{}{
		"runs_started":   t.runsStarted,
		"runs_succeeded": t.runsSucceeded,
		"runs_failed":    t.runsFailed,
		"tasks_ok":       t.tasksOK,
		"tasks_failed":   t.tasksFailed,
		"total_loops":    t.totalLoops,
		"total_sources":  t.totalSources,
		"avg_run_time":   avgRun.String(),
	}
}
