// Package api exposes the orchestrator's RPC surface: continuation
// events, task completion, gate checks, assignment, budget status, and
// the self-improvement workflow. The Service is transport-agnostic; the
// HTTP adapter in this package is one binding of it.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"crewly/internal/analyzer"
	"crewly/internal/budget"
	"crewly/internal/db"
	"crewly/internal/engine"
	"crewly/internal/gates"
	"crewly/internal/improve"
	"crewly/internal/tasks"
)

// Exit codes for CLI wrappers of this surface.
const (
	ExitOK               = 0
	ExitFailure          = 1
	ExitValidationFailed = 2
	ExitBudgetExceeded   = 3
	ExitGateFailed       = 4
)

// ErrUnknownSession is returned for status queries on sessions the engine
// has never seen.
var ErrUnknownSession = errors.New("unknown session")

// Continuation is the slice of the engine the service drives.
type Continuation interface {
	Handle(ctx context.Context, ev engine.Event) error
	SetMaxIterations(ref string, n int)
	SessionStatus(ref string) (engine.SessionStatus, bool)
	Sessions() []engine.SessionStatus
}

// Completer finishes tasks behind their quality gates.
type Completer interface {
	CompleteTask(ctx context.Context, taskID string, opts tasks.CompleteOptions) (*tasks.CompleteResult, error)
}

// Assigner hands the next eligible task to a session.
type Assigner interface {
	AssignNext(ctx context.Context, ref string) (*db.Task, error)
}

// GateChecker runs quality gates without completing anything.
type GateChecker interface {
	RunAll(ctx context.Context, projectPath string, opts gates.Options) (*gates.RunResults, error)
}

// Improver is the self-improvement driver surface.
type Improver interface {
	Plan(req improve.PlanRequest) (*improve.Marker, error)
	Execute(ctx context.Context) (*improve.Marker, error)
	Cancel(ctx context.Context) error
	Status() (*improve.Marker, error)
	History(limit int) ([]*improve.Marker, error)
}

// BudgetReader reports spend without mutating the ledger.
type BudgetReader interface {
	Check(agentID string) (budget.Status, error)
	Usage(agentID string, period budget.Period) (budget.Summary, error)
}

// NotificationStore is the dashboard's view of stored notifications.
type NotificationStore interface {
	ListNotifications(onlyUnacked bool, limit int) ([]*db.Notification, error)
	AcknowledgeNotification(id int64) error
}

// Deps are the subsystems the service fronts. Any nil dep makes its
// operations answer ErrUnavailable.
type Deps struct {
	Engine        Continuation
	Completer     Completer
	Assigner      Assigner
	Gates         GateChecker
	Improver      Improver
	Budget        BudgetReader
	Notifications NotificationStore
	Logger        *slog.Logger
}

// ErrUnavailable means the subsystem behind an operation was not wired.
var ErrUnavailable = errors.New("subsystem not available")

// Service is the orchestrator's inbound RPC facade.
type Service struct {
	deps Deps
}

// NewService wires the RPC facade.
func NewService(deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{deps: deps}
}

// ContinuationRequest is an inbound continuation event.
type ContinuationRequest struct {
	SessionRef string `json:"sessionRef"`
	Trigger    string `json:"trigger"`
	ExitCode   *int   `json:"exitCode,omitempty"`
}

var validTriggers = map[string]bool{
	engine.TriggerIdleTimeout:     true,
	engine.TriggerProcessExit:     true,
	engine.TriggerExplicitRequest: true,
	engine.TriggerScheduledCheck:  true,
}

// HandleContinuation runs the continuation algorithm for one event and
// returns the session's resulting status.
func (s *Service) HandleContinuation(ctx context.Context, req ContinuationRequest) (engine.SessionStatus, error) {
	if s.deps.Engine == nil {
		return engine.SessionStatus{}, ErrUnavailable
	}
	if strings.TrimSpace(req.SessionRef) == "" {
		return engine.SessionStatus{}, errors.New("sessionRef is required")
	}
	trigger := req.Trigger
	if trigger == "" {
		trigger = engine.TriggerExplicitRequest
	}
	if !validTriggers[trigger] {
		return engine.SessionStatus{}, fmt.Errorf("unknown trigger %q", req.Trigger)
	}

	ev := engine.NewEvent(req.SessionRef, trigger)
	ev.Metadata.ExitCode = req.ExitCode
	if err := s.deps.Engine.Handle(ctx, ev); err != nil {
		return engine.SessionStatus{}, err
	}
	st, _ := s.deps.Engine.SessionStatus(req.SessionRef)
	return st, nil
}

// SetMaxIterations overrides one session's iteration cap. n == 0 restores
// the default; negative values are rejected.
func (s *Service) SetMaxIterations(ref string, n int) error {
	if s.deps.Engine == nil {
		return ErrUnavailable
	}
	if strings.TrimSpace(ref) == "" {
		return errors.New("sessionRef is required")
	}
	if n < 0 {
		return fmt.Errorf("maxIterations must be >= 0, got %d", n)
	}
	s.deps.Engine.SetMaxIterations(ref, n)
	return nil
}

// SessionStatus returns the engine's audit record for one session.
func (s *Service) SessionStatus(ref string) (engine.SessionStatus, error) {
	if s.deps.Engine == nil {
		return engine.SessionStatus{}, ErrUnavailable
	}
	st, known := s.deps.Engine.SessionStatus(ref)
	if !known {
		return engine.SessionStatus{}, fmt.Errorf("%w: %s", ErrUnknownSession, ref)
	}
	return st, nil
}

// Sessions lists every session the engine tracks.
func (s *Service) Sessions() ([]engine.SessionStatus, error) {
	if s.deps.Engine == nil {
		return nil, ErrUnavailable
	}
	return s.deps.Engine.Sessions(), nil
}

// CompleteTaskRequest asks for a task to be accepted as done.
type CompleteTaskRequest struct {
	TaskID    string `json:"taskId"`
	SkipGates bool   `json:"skipGates,omitempty"`
	Summary   string `json:"summary,omitempty"`
}

// CompleteTask verifies and completes a task. A gate failure is reported
// in the result, not as an error.
func (s *Service) CompleteTask(ctx context.Context, req CompleteTaskRequest) (*tasks.CompleteResult, error) {
	if s.deps.Completer == nil {
		return nil, ErrUnavailable
	}
	if strings.TrimSpace(req.TaskID) == "" {
		return nil, errors.New("taskId is required")
	}
	return s.deps.Completer.CompleteTask(ctx, req.TaskID, tasks.CompleteOptions{
		SkipGates: req.SkipGates,
		Summary:   req.Summary,
	})
}

// CheckGatesRequest narrows a standalone gate run.
type CheckGatesRequest struct {
	ProjectPath string   `json:"projectPath,omitempty"`
	Gates       []string `json:"gates,omitempty"`
}

// CheckGates runs quality gates without touching any task.
func (s *Service) CheckGates(ctx context.Context, req CheckGatesRequest) (*gates.RunResults, error) {
	if s.deps.Gates == nil {
		return nil, ErrUnavailable
	}
	projectPath := req.ProjectPath
	if projectPath == "" {
		projectPath = "."
	}
	return s.deps.Gates.RunAll(ctx, projectPath, gates.Options{GateNames: req.Gates})
}

// AssignResult reports an assignment attempt. Task nil means no eligible
// task existed.
type AssignResult struct {
	Assigned bool     `json:"assigned"`
	Task     *db.Task `json:"task,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// AssignNext hands the next eligible task to a session.
func (s *Service) AssignNext(ctx context.Context, ref string) (*AssignResult, error) {
	if s.deps.Assigner == nil {
		return nil, ErrUnavailable
	}
	if strings.TrimSpace(ref) == "" {
		return nil, errors.New("sessionRef is required")
	}
	t, err := s.deps.Assigner.AssignNext(ctx, ref)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return &AssignResult{Message: "no eligible tasks"}, nil
	}
	return &AssignResult{Assigned: true, Task: t}, nil
}

// BudgetStatus reports where an agent stands against its limits.
func (s *Service) BudgetStatus(agentID string) (budget.Status, error) {
	if s.deps.Budget == nil {
		return budget.Status{}, ErrUnavailable
	}
	if strings.TrimSpace(agentID) == "" {
		return budget.Status{}, errors.New("agentId is required")
	}
	return s.deps.Budget.Check(agentID)
}

// BudgetUsage summarizes an agent's spend over a period.
func (s *Service) BudgetUsage(agentID string, period budget.Period) (budget.Summary, error) {
	if s.deps.Budget == nil {
		return budget.Summary{}, ErrUnavailable
	}
	if strings.TrimSpace(agentID) == "" {
		return budget.Summary{}, errors.New("agentId is required")
	}
	switch period {
	case "":
		period = budget.PeriodDay
	case budget.PeriodDay, budget.PeriodWeek, budget.PeriodMonth:
	default:
		return budget.Summary{}, fmt.Errorf("unknown period %q", period)
	}
	return s.deps.Budget.Usage(agentID, period)
}

// ImprovePlan stages a self-improvement without touching any file.
func (s *Service) ImprovePlan(req improve.PlanRequest) (*improve.Marker, error) {
	if s.deps.Improver == nil {
		return nil, ErrUnavailable
	}
	return s.deps.Improver.Plan(req)
}

// ImproveExecute backs up and applies the pending plan.
func (s *Service) ImproveExecute(ctx context.Context) (*improve.Marker, error) {
	if s.deps.Improver == nil {
		return nil, ErrUnavailable
	}
	return s.deps.Improver.Execute(ctx)
}

// ImproveCancel abandons a planned improvement.
func (s *Service) ImproveCancel(ctx context.Context) error {
	if s.deps.Improver == nil {
		return ErrUnavailable
	}
	return s.deps.Improver.Cancel(ctx)
}

// ImproveStatus returns the pending marker, nil when idle.
func (s *Service) ImproveStatus() (*improve.Marker, error) {
	if s.deps.Improver == nil {
		return nil, ErrUnavailable
	}
	return s.deps.Improver.Status()
}

// ImproveHistory lists settled improvements, newest first.
func (s *Service) ImproveHistory(limit int) ([]*improve.Marker, error) {
	if s.deps.Improver == nil {
		return nil, ErrUnavailable
	}
	if limit <= 0 || limit > improve.HistoryLimit {
		limit = improve.HistoryLimit
	}
	return s.deps.Improver.History(limit)
}

// Notifications lists stored notifications for the dashboard.
func (s *Service) Notifications(onlyUnacked bool, limit int) ([]*db.Notification, error) {
	if s.deps.Notifications == nil {
		return nil, ErrUnavailable
	}
	if limit <= 0 {
		limit = 50
	}
	return s.deps.Notifications.ListNotifications(onlyUnacked, limit)
}

// AcknowledgeNotification marks one notification as seen.
func (s *Service) AcknowledgeNotification(id int64) error {
	if s.deps.Notifications == nil {
		return ErrUnavailable
	}
	return s.deps.Notifications.AcknowledgeNotification(id)
}

// ExitCodeFor maps an operation outcome onto the CLI contract: 0 success,
// 1 generic failure, 2 validation failure, 3 budget exceeded, 4 required
// gate failed.
func ExitCodeFor(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, budget.ErrBudgetExceeded):
		return ExitBudgetExceeded
	case errors.Is(err, gates.ErrGateFailed):
		return ExitGateFailed
	case errors.Is(err, improve.ErrValidationFailed):
		return ExitValidationFailed
	default:
		return ExitFailure
	}
}

// analysisSummary renders a one-line view of an analysis for transports
// that flatten the status.
func analysisSummary(a *analyzer.Analysis) string {
	if a == nil {
		return ""
	}
	return fmt.Sprintf("%s (%.2f) -> %s", a.Conclusion, a.Confidence, a.Recommendation)
}
