package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the collection of all Prometheus metrics. Every metric lives
// on an instance-owned registry so construction is repeatable in tests.
// A nil *Metrics is a valid no-op recorder.
type Metrics struct {
	registry *prometheus.Registry

	// Continuation engine
	ContinuationEvents  *prometheus.CounterVec
	ContinuationActions *prometheus.CounterVec
	AnalyzerConclusions *prometheus.CounterVec
	HandleDuration      prometheus.Histogram
	SessionsMonitored   prometheus.Gauge

	// Quality gates and tasks
	GateRuns        *prometheus.CounterVec
	GateDuration    *prometheus.HistogramVec
	TasksAssigned   prometheus.Counter
	TaskCompletions *prometheus.CounterVec

	// Budget guard
	BudgetDailyUsed *prometheus.GaugeVec
	BudgetExceeded  *prometheus.CounterVec

	// Checkpointer and self-improvement
	CheckpointSaves        *prometheus.CounterVec
	ImprovementTransitions *prometheus.CounterVec

	// HTTP surface
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.ContinuationEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "continuation_events_total",
			Help: "Continuation events handled, by trigger",
		},
		[]string{"trigger"},
	)

	m.ContinuationActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "continuation_actions_total",
			Help: "Actions taken by the continuation engine",
		},
		[]string{"action"},
	)

	m.AnalyzerConclusions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyzer_conclusions_total",
			Help: "Analyzer verdicts, by conclusion",
		},
		[]string{"conclusion"},
	)

	m.HandleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "continuation_handle_duration_seconds",
			Help:    "Duration of continuation event handling",
			Buckets: prometheus.DefBuckets,
		},
	)

	m.SessionsMonitored = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessions_monitored",
			Help: "Number of sessions the engine is tracking",
		},
	)

	m.GateRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_runs_total",
			Help: "Quality gate executions, by gate and result",
		},
		[]string{"gate", "result"},
	)

	m.GateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gate_duration_seconds",
			Help:    "Duration of individual quality gate runs",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"gate"},
	)

	m.TasksAssigned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tasks_assigned_total",
			Help: "Tasks assigned to agent sessions",
		},
	)

	m.TaskCompletions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_completions_total",
			Help: "Task completion attempts, by result",
		},
		[]string{"result"},
	)

	m.BudgetDailyUsed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "budget_daily_used_dollars",
			Help: "Daily budget consumption per agent",
		},
		[]string{"agent_id"},
	)

	m.BudgetExceeded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budget_exceeded_total",
			Help: "Budget limit crossings per agent",
		},
		[]string{"agent_id"},
	)

	m.CheckpointSaves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkpoint_saves_total",
			Help: "Orchestrator state checkpoints, by reason",
		},
		[]string{"reason"},
	)

	m.ImprovementTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "improvement_transitions_total",
			Help: "Self-improvement marker phase transitions",
		},
		[]string{"phase"},
	)

	m.HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	m.HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	m.registry.MustRegister(
		m.ContinuationEvents,
		m.ContinuationActions,
		m.AnalyzerConclusions,
		m.HandleDuration,
		m.SessionsMonitored,
		m.GateRuns,
		m.GateDuration,
		m.TasksAssigned,
		m.TaskCompletions,
		m.BudgetDailyUsed,
		m.BudgetExceeded,
		m.CheckpointSaves,
		m.ImprovementTransitions,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

// RecordEvent counts a handled continuation event.
func (m *Metrics) RecordEvent(trigger string) {
	if m == nil {
		return
	}
	m.ContinuationEvents.WithLabelValues(trigger).Inc()
}

// RecordAction counts an engine action.
func (m *Metrics) RecordAction(action string) {
	if m == nil {
		return
	}
	m.ContinuationActions.WithLabelValues(action).Inc()
}

// RecordConclusion counts an analyzer verdict.
func (m *Metrics) RecordConclusion(conclusion string) {
	if m == nil {
		return
	}
	m.AnalyzerConclusions.WithLabelValues(conclusion).Inc()
}

// ObserveHandle records how long one event took end to end.
func (m *Metrics) ObserveHandle(d time.Duration) {
	if m == nil {
		return
	}
	m.HandleDuration.Observe(d.Seconds())
}

// SetSessionsMonitored publishes the tracked session count.
func (m *Metrics) SetSessionsMonitored(n int) {
	if m == nil {
		return
	}
	m.SessionsMonitored.Set(float64(n))
}

// RecordGate counts one gate execution and its duration.
func (m *Metrics) RecordGate(gate string, passed bool, durationMs int64) {
	if m == nil {
		return
	}
	result := "failed"
	if passed {
		result = "passed"
	}
	m.GateRuns.WithLabelValues(gate, result).Inc()
	m.GateDuration.WithLabelValues(gate).Observe(float64(durationMs) / 1000)
}

// RecordAssignment counts a task handed to a session.
func (m *Metrics) RecordAssignment() {
	if m == nil {
		return
	}
	m.TasksAssigned.Inc()
}

// RecordCompletion counts a completion attempt outcome.
func (m *Metrics) RecordCompletion(success bool) {
	if m == nil {
		return
	}
	result := "gate_failure"
	if success {
		result = "success"
	}
	m.TaskCompletions.WithLabelValues(result).Inc()
}

// SetBudgetUsed publishes an agent's daily spend.
func (m *Metrics) SetBudgetUsed(agentID string, dollars float64) {
	if m == nil {
		return
	}
	m.BudgetDailyUsed.WithLabelValues(agentID).Set(dollars)
}

// RecordBudgetExceeded counts a budget crossing.
func (m *Metrics) RecordBudgetExceeded(agentID string) {
	if m == nil {
		return
	}
	m.BudgetExceeded.WithLabelValues(agentID).Inc()
}

// RecordCheckpoint counts a state save.
func (m *Metrics) RecordCheckpoint(reason string) {
	if m == nil {
		return
	}
	m.CheckpointSaves.WithLabelValues(reason).Inc()
}

// RecordImprovementPhase counts a marker phase transition.
func (m *Metrics) RecordImprovementPhase(phase string) {
	if m == nil {
		return
	}
	m.ImprovementTransitions.WithLabelValues(phase).Inc()
}

// RequestTrackingMiddleware tracks HTTP requests on a plain http server.
func (m *Metrics) RequestTrackingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rw.statusCode)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

// responseWriter is a wrapper to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// GinMiddleware tracks requests on the RPC surface. It records the route
// template, not the raw path, to bound label cardinality.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the Prometheus scrape handler for this metric set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
