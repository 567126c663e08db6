package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func counterValue(t *testing.T, m *Metrics, name string) float64 {
	t.Helper()
	families, err := m.registry.Gather()
	assert.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		var total float64
		for _, metric := range mf.Metric {
			if metric.Counter != nil {
				total += metric.Counter.GetValue()
			}
			if metric.Gauge != nil {
				total += metric.Gauge.GetValue()
			}
		}
		return total
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()

	assert.NotNil(t, m.ContinuationEvents)
	assert.NotNil(t, m.ContinuationActions)
	assert.NotNil(t, m.AnalyzerConclusions)
	assert.NotNil(t, m.HandleDuration)
	assert.NotNil(t, m.SessionsMonitored)
	assert.NotNil(t, m.GateRuns)
	assert.NotNil(t, m.GateDuration)
	assert.NotNil(t, m.TasksAssigned)
	assert.NotNil(t, m.TaskCompletions)
	assert.NotNil(t, m.BudgetDailyUsed)
	assert.NotNil(t, m.BudgetExceeded)
	assert.NotNil(t, m.CheckpointSaves)
	assert.NotNil(t, m.ImprovementTransitions)
	assert.NotNil(t, m.HTTPRequestsTotal)
	assert.NotNil(t, m.HTTPRequestDuration)
}

func TestNewMetrics_Repeatable(t *testing.T) {
	// Each instance owns its registry, so repeated construction must not panic.
	assert.NotPanics(t, func() {
		NewMetrics()
		NewMetrics()
	})
}

func TestRecorders(t *testing.T) {
	m := NewMetrics()

	m.RecordEvent("idle_timeout")
	m.RecordEvent("idle_timeout")
	m.RecordAction("inject_prompt")
	m.RecordConclusion("TASK_COMPLETE")
	m.ObserveHandle(250 * time.Millisecond)
	m.SetSessionsMonitored(3)
	m.RecordGate("tests", false, 1500)
	m.RecordAssignment()
	m.RecordCompletion(true)
	m.RecordCompletion(false)
	m.SetBudgetUsed("agent-1", 4.2)
	m.RecordBudgetExceeded("agent-1")
	m.RecordCheckpoint("periodic")
	m.RecordImprovementPhase("validating")

	assert.Equal(t, 2.0, counterValue(t, m, "continuation_events_total"))
	assert.Equal(t, 1.0, counterValue(t, m, "continuation_actions_total"))
	assert.Equal(t, 1.0, counterValue(t, m, "analyzer_conclusions_total"))
	assert.Equal(t, 3.0, counterValue(t, m, "sessions_monitored"))
	assert.Equal(t, 1.0, counterValue(t, m, "gate_runs_total"))
	assert.Equal(t, 1.0, counterValue(t, m, "tasks_assigned_total"))
	assert.Equal(t, 2.0, counterValue(t, m, "task_completions_total"))
	assert.Equal(t, 4.2, counterValue(t, m, "budget_daily_used_dollars"))
	assert.Equal(t, 1.0, counterValue(t, m, "budget_exceeded_total"))
	assert.Equal(t, 1.0, counterValue(t, m, "checkpoint_saves_total"))
	assert.Equal(t, 1.0, counterValue(t, m, "improvement_transitions_total"))
}

func TestNilMetricsIsNoOp(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordEvent("idle_timeout")
		m.RecordAction("inject_prompt")
		m.RecordConclusion("UNKNOWN")
		m.ObserveHandle(time.Second)
		m.SetSessionsMonitored(1)
		m.RecordGate("tests", true, 100)
		m.RecordAssignment()
		m.RecordCompletion(true)
		m.SetBudgetUsed("agent-1", 1)
		m.RecordBudgetExceeded("agent-1")
		m.RecordCheckpoint("periodic")
		m.RecordImprovementPhase("planning")
	})
}

func TestRequestTrackingMiddleware(t *testing.T) {
	m := NewMetrics()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	ts := httptest.NewServer(m.RequestTrackingMiddleware(handler))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/test")
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	assert.Equal(t, 1.0, counterValue(t, m, "http_requests_total"))
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewMetrics()

	router := gin.New()
	router.Use(m.GinMiddleware())
	router.GET("/api/v1/tasks/:id", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/v1/tasks/abc", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, counterValue(t, m, "http_requests_total"))

	// The label must carry the route template, not the concrete ID.
	families, err := m.registry.Gather()
	assert.NoError(t, err)
	var path string
	for _, mf := range families {
		if mf.GetName() != "http_requests_total" {
			continue
		}
		for _, label := range mf.Metric[0].Label {
			if label.GetName() == "path" {
				path = label.GetValue()
			}
		}
	}
	assert.Equal(t, "/api/v1/tasks/:id", path)
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.RecordEvent("idle_timeout")
	m.RecordGate("build", true, 900)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	response := w.Body.String()
	assert.Contains(t, response, "continuation_events_total")
	assert.Contains(t, response, "gate_runs_total")
	assert.Contains(t, response, "gate_duration_seconds")
}
