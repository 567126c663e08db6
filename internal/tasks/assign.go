package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/spf13/viper"

	"crewly/internal/db"
	"crewly/internal/notify"
	"crewly/internal/prompts"
	"crewly/internal/session"
)

// Prioritization modes for FindNextTask.
const (
	ByPriority = "priority"
	ByFIFO     = "fifo"
	ByDeadline = "deadline"
)

// AgentInfo is what the assigner needs to know about the agent behind a
// session.
type AgentInfo struct {
	AgentID     string
	Role        string
	ProjectPath string
}

// AgentResolver maps a session ref to its agent. Implementations decide
// where the mapping lives (config, registry, convention).
type AgentResolver interface {
	Resolve(ref string) (AgentInfo, error)
}

// MapResolver resolves sessions from a fixed table. Unknown refs resolve
// to a bare agent named after the ref so single-agent setups work without
// any configuration.
type MapResolver map[string]AgentInfo

func (m MapResolver) Resolve(ref string) (AgentInfo, error) {
	if info, ok := m[ref]; ok {
		return info, nil
	}
	return AgentInfo{AgentID: ref}, nil
}

// Config holds the assigner knobs.
type Config struct {
	Prioritization  string
	MaxConcurrent   int
	RespectBlocking bool
	AutoAssign      bool
}

// ConfigFromViper reads the assign.* settings.
func ConfigFromViper() Config {
	return Config{
		Prioritization:  viper.GetString("assign.prioritization"),
		MaxConcurrent:   viper.GetInt("assign.max_concurrent"),
		RespectBlocking: viper.GetBool("assign.respect_blocking"),
		AutoAssign:      viper.GetBool("assign.auto_assign"),
	}
}

// Assigner matches eligible tasks to agent sessions. It is a leaf: it
// writes through the repository and the session port but never calls back
// into the engine.
type Assigner struct {
	repo     Repository
	port     session.Port
	matcher  *Matcher
	resolver AgentResolver
	notifier notify.Notifier
	logger   *slog.Logger
	cfg      Config
}

// NewAssigner wires an assigner. notifier may be nil; resolver may be nil,
// in which case refs resolve to bare agents.
func NewAssigner(repo Repository, port session.Port, matcher *Matcher, resolver AgentResolver, notifier notify.Notifier, logger *slog.Logger, cfg Config) *Assigner {
	if matcher == nil {
		matcher = NewMatcher(nil)
	}
	if resolver == nil {
		resolver = MapResolver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prioritization == "" {
		cfg.Prioritization = ByPriority
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &Assigner{
		repo:     repo,
		port:     port,
		matcher:  matcher,
		resolver: resolver,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
	}
}

// FindNextTask returns the highest-ranked open task the role may take, or
// nil when none qualifies.
func (a *Assigner) FindNextTask(role, projectPath string) (*db.Task, error) {
	q, err := Rebuild(a.repo, projectPath)
	if err != nil {
		return nil, err
	}

	pool := q.Eligible
	if !a.cfg.RespectBlocking {
		pool = q.Open
	}

	var candidates []*db.Task
	for _, t := range pool {
		if !a.matcher.Matches(role, t.RequiredRole) {
			continue
		}
		if !a.matcher.AllowsType(role, t.TaskType) {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sortTasks(candidates, a.cfg.Prioritization)
	return candidates[0], nil
}

// AssignNext claims the next eligible task for the session: marks it
// in_progress, binds it, and injects the assignment prompt. A nil task
// with nil error means the queue had nothing for this agent.
func (a *Assigner) AssignNext(ctx context.Context, ref string) (*db.Task, error) {
	info, err := a.resolver.Resolve(ref)
	if err != nil {
		return nil, err
	}

	current, err := a.repo.CurrentForSession(ref)
	if err != nil {
		return nil, err
	}
	if current != nil && current.Status == db.TaskInProgress && a.cfg.MaxConcurrent <= 1 {
		return nil, fmt.Errorf("%w: session %s is working on %s", ErrMaxConcurrent, ref, current.ID)
	}

	next, err := a.FindNextTask(info.Role, info.ProjectPath)
	if err != nil {
		return nil, err
	}
	if next == nil {
		a.logger.Info("no eligible tasks", "sessionRef", ref, "role", info.Role)
		a.send(ctx, notify.EventNoTasks, fmt.Sprintf("Task queue is empty for agent %s (role %s).", info.AgentID, orAny(info.Role)))
		return nil, nil
	}

	// Claim under the task lock. The dependency re-check closes the race
	// with a concurrent claim or completion between Rebuild and here.
	err = a.repo.Update(next.ID, func(t *db.Task) error {
		if t.Status != db.TaskOpen {
			return fmt.Errorf("%w: task %s is %s", ErrInvalidTaskState, t.ID, t.Status)
		}
		if a.cfg.RespectBlocking {
			all, err := a.repo.List(db.TaskFilter{ProjectPath: info.ProjectPath})
			if err != nil {
				return err
			}
			byID := make(map[string]*db.Task, len(all))
			for _, other := range all {
				byID[other.ID] = other
			}
			if blocked := BlockedBy(t, byID); len(blocked) > 0 {
				return fmt.Errorf("%w: task %s waits on %v", ErrDependencyBlocked, t.ID, blocked)
			}
		}
		t.Status = db.TaskInProgress
		return nil
	})
	if err != nil {
		return nil, err
	}
	next.Status = db.TaskInProgress

	if err := a.repo.Bind(ref, next.ID, info.AgentID); err != nil {
		a.release(next.ID, "")
		return nil, fmt.Errorf("failed to bind task %s to session %s: %w", next.ID, ref, err)
	}

	prompt, err := prompts.GetPrompt(prompts.TaskAssignment, a.templateVars(next, info))
	if err != nil {
		a.release(next.ID, ref)
		return nil, err
	}
	if err := a.port.WriteInput(ctx, ref, []byte(prompt+"\n")); err != nil {
		a.release(next.ID, ref)
		return nil, fmt.Errorf("failed to deliver assignment for task %s: %w", next.ID, err)
	}

	a.logger.Info("task assigned",
		"taskId", next.ID,
		"sessionRef", ref,
		"agentId", info.AgentID,
		"priority", next.Priority)
	a.send(ctx, notify.EventTaskAssigned, fmt.Sprintf("Task %s (%s) assigned to %s.", next.ID, next.Title, info.AgentID))

	return next, nil
}

// release undoes a half-finished claim so the task returns to the queue.
func (a *Assigner) release(taskID, ref string) {
	err := a.repo.Update(taskID, func(t *db.Task) error {
		if t.Status == db.TaskInProgress {
			t.Status = db.TaskOpen
		}
		return nil
	})
	if err != nil {
		a.logger.Error("failed to release task after assignment error", "taskId", taskID, "error", err)
	}
	if ref != "" {
		if err := a.repo.Unbind(ref); err != nil {
			a.logger.Error("failed to unbind session after assignment error", "sessionRef", ref, "error", err)
		}
	}
}

func (a *Assigner) templateVars(t *db.Task, info AgentInfo) map[string]any {
	var completedDeps []string
	for _, depID := range t.Dependencies {
		label := depID
		if dep, err := a.repo.Get(depID); err == nil {
			label = dep.Title
		}
		completedDeps = append(completedDeps, label)
	}
	return map[string]any{
		"AGENT_ROLE":   info.Role,
		"TASK_ID":      t.ID,
		"TASK_TITLE":   t.Title,
		"PRIORITY":     t.Priority,
		"DESCRIPTION":  t.Description,
		"DEPENDENCIES": completedDeps,
	}
}

func (a *Assigner) send(ctx context.Context, event, message string) {
	if a.notifier == nil {
		return
	}
	if _, err := a.notifier.Notify(ctx, event, message, ""); err != nil {
		a.logger.Warn("notification failed", "event", event, "error", err)
	}
}

func orAny(role string) string {
	if role == "" {
		return "any"
	}
	return role
}

// sortTasks orders tasks in place by the prioritization mode.
func sortTasks(ts []*db.Task, mode string) {
	sort.SliceStable(ts, func(i, j int) bool {
		a, b := ts[i], ts[j]
		switch mode {
		case ByFIFO:
			return a.CreatedAt.Before(b.CreatedAt)
		case ByDeadline:
			// Tasks without a deadline sort last; ties fall back to priority.
			switch {
			case a.Deadline == nil && b.Deadline == nil:
				return db.PriorityRank(a.Priority) > db.PriorityRank(b.Priority)
			case a.Deadline == nil:
				return false
			case b.Deadline == nil:
				return true
			case !a.Deadline.Equal(*b.Deadline):
				return a.Deadline.Before(*b.Deadline)
			default:
				return db.PriorityRank(a.Priority) > db.PriorityRank(b.Priority)
			}
		default:
			if pa, pb := db.PriorityRank(a.Priority), db.PriorityRank(b.Priority); pa != pb {
				return pa > pb
			}
			return a.CreatedAt.Before(b.CreatedAt)
		}
	})
}
