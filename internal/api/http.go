package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"

	"crewly/internal/budget"
	"crewly/internal/db"
	"crewly/internal/engine"
	"crewly/internal/improve"
	"crewly/internal/metrics"
	"crewly/internal/tasks"
)

// ServerConfig holds the api.* settings.
type ServerConfig struct {
	Enabled bool
	Port    int
}

// ServerConfigFromViper reads the api.* settings.
func ServerConfigFromViper() ServerConfig {
	return ServerConfig{
		Enabled: viper.GetBool("api.enabled"),
		Port:    viper.GetInt("api.port"),
	}
}

// Server binds the Service to HTTP.
type Server struct {
	svc     *Service
	metrics *metrics.Metrics
	srv     *http.Server
}

// NewServer builds the HTTP adapter. metrics may be nil; the /metrics
// endpoint is then absent.
func NewServer(svc *Service, m *metrics.Metrics, cfg ServerConfig) *Server {
	s := &Server{svc: svc, metrics: m}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if m != nil {
		router.Use(m.GinMiddleware())
	}
	s.routes(router)

	// Local control plane only; the port carries prompt injection.
	s.srv = &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start serves until Shutdown. Blocks.
func (s *Server) Start() error {
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) routes(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	v1 := router.Group("/api/v1")

	v1.POST("/continuation/events", s.handleContinuation)
	v1.PUT("/continuation/sessions/:ref/max-iterations", s.handleSetMaxIterations)
	v1.GET("/continuation/sessions", s.handleSessions)
	v1.GET("/continuation/sessions/:ref", s.handleSessionStatus)

	v1.POST("/tasks/:id/complete", s.handleCompleteTask)
	v1.POST("/gates/run", s.handleCheckGates)
	v1.POST("/sessions/:ref/assign", s.handleAssign)

	v1.GET("/budget/:agent/status", s.handleBudgetStatus)
	v1.GET("/budget/:agent/usage", s.handleBudgetUsage)

	v1.POST("/improve/plan", s.handleImprovePlan)
	v1.POST("/improve/execute", s.handleImproveExecute)
	v1.POST("/improve/cancel", s.handleImproveCancel)
	v1.GET("/improve/status", s.handleImproveStatus)
	v1.GET("/improve/history", s.handleImproveHistory)

	v1.GET("/notifications", s.handleNotifications)
	v1.POST("/notifications/:id/ack", s.handleAckNotification)
}

// sessionView flattens a SessionStatus for transport.
type sessionView struct {
	SessionRef    string `json:"sessionRef"`
	State         string `json:"state"`
	Alive         bool   `json:"alive"`
	LastTrigger   string `json:"lastTrigger,omitempty"`
	LastAnalysis  string `json:"lastAnalysis,omitempty"`
	LastAction    string `json:"lastAction,omitempty"`
	LastActionAt  string `json:"lastActionAt,omitempty"`
	LastError     string `json:"lastError,omitempty"`
	EventsHandled int    `json:"eventsHandled"`
	MaxIterations int    `json:"maxIterations,omitempty"`
}

func viewOf(st engine.SessionStatus) sessionView {
	v := sessionView{
		SessionRef:    st.SessionRef,
		State:         string(st.State),
		Alive:         st.Alive,
		LastTrigger:   st.LastTrigger,
		LastAnalysis:  analysisSummary(st.LastAnalysis),
		LastAction:    st.LastAction,
		LastError:     st.LastError,
		EventsHandled: st.EventsHandled,
		MaxIterations: st.MaxIterations,
	}
	if !st.LastActionAt.IsZero() {
		v.LastActionAt = st.LastActionAt.UTC().Format(time.RFC3339)
	}
	return v
}

func (s *Server) handleContinuation(c *gin.Context) {
	var req ContinuationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	st, err := s.svc.HandleContinuation(c.Request.Context(), req)
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": viewOf(st)})
}

func (s *Server) handleSetMaxIterations(c *gin.Context) {
	var req struct {
		MaxIterations int `json:"maxIterations"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := s.svc.SetMaxIterations(c.Param("ref"), req.MaxIterations); err != nil {
		fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionRef": c.Param("ref"), "maxIterations": req.MaxIterations})
}

func (s *Server) handleSessions(c *gin.Context) {
	sts, err := s.svc.Sessions()
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}
	views := make([]sessionView, 0, len(sts))
	for _, st := range sts {
		views = append(views, viewOf(st))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views})
}

func (s *Server) handleSessionStatus(c *gin.Context) {
	st, err := s.svc.SessionStatus(c.Param("ref"))
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": viewOf(st)})
}

func (s *Server) handleCompleteTask(c *gin.Context) {
	var req CompleteTaskRequest
	// Body is optional; skipGates and summary default to zero values.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, err)
			return
		}
	}
	req.TaskID = c.Param("id")
	res, err := s.svc.CompleteTask(c.Request.Context(), req)
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}
	// A gate failure is a structured outcome the caller acts on.
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleCheckGates(c *gin.Context) {
	var req CheckGatesRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, err)
			return
		}
	}
	res, err := s.svc.CheckGates(c.Request.Context(), req)
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleAssign(c *gin.Context) {
	res, err := s.svc.AssignNext(c.Request.Context(), c.Param("ref"))
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleBudgetStatus(c *gin.Context) {
	st, err := s.svc.BudgetStatus(c.Param("agent"))
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agentId":         c.Param("agent"),
		"withinBudget":    st.WithinBudget,
		"dailyUsed":       st.DailyUsed,
		"dailyLimit":      st.DailyLimit,
		"weeklyUsed":      st.WeeklyUsed,
		"weeklyLimit":     st.WeeklyLimit,
		"monthlyUsed":     st.MonthlyUsed,
		"monthlyLimit":    st.MonthlyLimit,
		"percentUsed":     st.PercentUsed,
		"limitingPeriod":  string(st.LimitingPeriod),
		"estimatedRunway": st.EstimatedRunway,
	})
}

func (s *Server) handleBudgetUsage(c *gin.Context) {
	period := budget.Period(c.DefaultQuery("period", string(budget.PeriodDay)))
	sum, err := s.svc.BudgetUsage(c.Param("agent"), period)
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agentId":      c.Param("agent"),
		"period":       string(period),
		"inputTokens":  sum.InputTokens,
		"outputTokens": sum.OutputTokens,
		"totalTokens":  sum.TotalTokens,
		"cost":         sum.Cost,
		"operations":   sum.Operations,
		"byOperation":  sum.ByOperation,
		"byModel":      sum.ByModel,
	})
}

func (s *Server) handleImprovePlan(c *gin.Context) {
	var req improve.PlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	m, err := s.svc.ImprovePlan(req)
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (s *Server) handleImproveExecute(c *gin.Context) {
	m, err := s.svc.ImproveExecute(c.Request.Context())
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) handleImproveCancel(c *gin.Context) {
	if err := s.svc.ImproveCancel(c.Request.Context()); err != nil {
		fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

func (s *Server) handleImproveStatus(c *gin.Context) {
	m, err := s.svc.ImproveStatus()
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}
	if m == nil {
		c.JSON(http.StatusOK, gin.H{"pending": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": true, "marker": m})
}

func (s *Server) handleImproveHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	history, err := s.svc.ImproveHistory(limit)
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

func (s *Server) handleNotifications(c *gin.Context) {
	onlyUnacked := c.DefaultQuery("unacked", "true") == "true"
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	ns, err := s.svc.Notifications(onlyUnacked, limit)
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": ns})
}

func (s *Server) handleAckNotification(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		fail(c, http.StatusBadRequest, fmt.Errorf("invalid notification id: %w", err))
		return
	}
	if err := s.svc.AcknowledgeNotification(id); err != nil {
		fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": id})
}

// fail writes the structured error shape every endpoint shares.
func fail(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error(), "kind": kindOf(err)})
}

// statusFor maps error kinds onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrUnknownSession), errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tasks.ErrInvalidTaskState),
		errors.Is(err, tasks.ErrDependencyBlocked),
		errors.Is(err, improve.ErrMarkerConflict),
		errors.Is(err, improve.ErrNoPending):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadRequest
	}
}

// kindOf names the machine-readable failure kind.
func kindOf(err error) string {
	switch {
	case errors.Is(err, ErrUnavailable):
		return "Unavailable"
	case errors.Is(err, ErrUnknownSession):
		return "SessionNotFound"
	case errors.Is(err, db.ErrNotFound):
		return "NotFound"
	case errors.Is(err, tasks.ErrInvalidTaskState):
		return "InvalidTaskState"
	case errors.Is(err, tasks.ErrDependencyBlocked):
		return "DependencyBlocked"
	case errors.Is(err, improve.ErrMarkerConflict):
		return "MarkerConflict"
	case errors.Is(err, improve.ErrNoPending):
		return "NoPendingImprovement"
	case errors.Is(err, budget.ErrBudgetExceeded):
		return "BudgetExceeded"
	default:
		return "Error"
	}
}
