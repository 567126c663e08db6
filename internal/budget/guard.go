package budget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// ErrBudgetExceeded marks outcomes caused by an agent over its limit.
// The guard itself never fails on overuse; callers wrap this into their
// own errors when a blocked operation needs a cause.
var ErrBudgetExceeded = errors.New("budget exceeded")

// Period selects the window for usage summaries.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

// Status describes where an agent stands against its resolved limits.
// Limit fields are 0 when the corresponding period has no limit set;
// PercentUsed is the utilization of the tightest limited period.
type Status struct {
	WithinBudget    bool
	DailyUsed       float64
	DailyLimit      float64
	WeeklyUsed      float64
	WeeklyLimit     float64
	MonthlyUsed     float64
	MonthlyLimit    float64
	PercentUsed     float64
	LimitingPeriod  Period
	EstimatedRunway string
}

// LimitingFigures reports spend and limit for the tightest period, the
// one PercentUsed was computed from.
func (s Status) LimitingFigures() (used, limit float64) {
	switch s.LimitingPeriod {
	case PeriodWeek:
		return s.WeeklyUsed, s.WeeklyLimit
	case PeriodMonth:
		return s.MonthlyUsed, s.MonthlyLimit
	default:
		return s.DailyUsed, s.DailyLimit
	}
}

// Summary aggregates usage over a period.
type Summary struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	Cost         float64
	Operations   int
	ByOperation  map[string]float64
	ByModel      map[string]float64
}

// Signals receives threshold crossings. Implemented by the continuation
// engine; all calls must be non-blocking.
type Signals interface {
	BudgetWarning(agentID string, status Status)
	BudgetExceeded(agentID string, status Status)
	TaskTokensExceeded(agentID, taskID string, used, max int64)
}

// PauseStore persists the paused-agent set across restarts, so an agent
// paused for overspend stays paused through a self-improvement restart.
// Implemented by the db store's signal table.
type PauseStore interface {
	SetSignal(key, value string) error
	GetSignal(key string) (string, error)
	DeleteSignal(key string) error
}

const pausedSignalKey = "budget.paused_agents"

// Guard records usage and enforces budget limits per agent.
type Guard struct {
	ledger  *Ledger
	cfg     *Config
	signals Signals

	mu         sync.Mutex
	paused     map[string]bool
	warned     map[string]bool
	taskOver   map[string]bool
	pauseStore PauseStore
}

// NewGuard creates a budget guard. signals may be nil.
func NewGuard(ledger *Ledger, cfg *Config, signals Signals) *Guard {
	if cfg == nil {
		cfg = &Config{}
	}
	return &Guard{
		ledger:   ledger,
		cfg:      cfg,
		signals:  signals,
		paused:   make(map[string]bool),
		warned:   make(map[string]bool),
		taskOver: make(map[string]bool),
	}
}

// SetSignals wires the threshold sink after construction. The engine is
// built after the guard, so this breaks the construction cycle.
func (g *Guard) SetSignals(s Signals) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.signals = s
}

// SetPauseStore wires persistence for the paused set and restores any
// agents paused before the last restart.
func (g *Guard) SetPauseStore(ps PauseStore) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pauseStore = ps
	raw, err := ps.GetSignal(pausedSignalKey)
	if err != nil {
		return fmt.Errorf("failed to read paused-agent signal: %w", err)
	}
	if raw == "" {
		return nil
	}
	var agents []string
	if err := json.Unmarshal([]byte(raw), &agents); err != nil {
		return fmt.Errorf("corrupt paused-agent signal: %w", err)
	}
	for _, a := range agents {
		g.paused[a] = true
	}
	return nil
}

// persistPausedLocked mirrors the paused set into the signal table.
// Best effort: enforcement lives in memory, persistence only protects
// it across restarts. Callers hold g.mu.
func (g *Guard) persistPausedLocked() {
	if g.pauseStore == nil {
		return
	}
	if len(g.paused) == 0 {
		_ = g.pauseStore.DeleteSignal(pausedSignalKey)
		return
	}
	agents := make([]string, 0, len(g.paused))
	for a := range g.paused {
		agents = append(agents, a)
	}
	sort.Strings(agents)
	data, _ := json.Marshal(agents)
	_ = g.pauseStore.SetSignal(pausedSignalKey, string(data))
}

// Record appends a usage record and evaluates thresholds for the agent.
func (g *Guard) Record(ctx context.Context, r UsageRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.AgentID == "" {
		return fmt.Errorf("usage record requires an agent ID")
	}
	if err := g.ledger.Append(r); err != nil {
		return err
	}

	status, err := g.statusFor(r.AgentID, r.ProjectPath)
	if err != nil {
		return err
	}
	limits := g.cfg.Resolve(r.AgentID, r.ProjectPath)

	g.mu.Lock()
	signals := g.signals
	switch {
	case status.PercentUsed >= 1.0:
		g.paused[r.AgentID] = true
		g.persistPausedLocked()
		g.mu.Unlock()
		if signals != nil {
			signals.BudgetExceeded(r.AgentID, status)
		}
	case status.PercentUsed >= limits.WarningThreshold:
		alreadyWarned := g.warned[r.AgentID]
		g.warned[r.AgentID] = true
		g.mu.Unlock()
		if signals != nil && !alreadyWarned {
			signals.BudgetWarning(r.AgentID, status)
		}
	default:
		// Dropping below the warning line re-arms the warning.
		delete(g.warned, r.AgentID)
		g.mu.Unlock()
	}

	if r.TaskID != "" && limits.MaxTokensPerTask > 0 {
		used, err := g.taskTokens(r.TaskID)
		if err != nil {
			return err
		}
		if used >= limits.MaxTokensPerTask {
			g.mu.Lock()
			alreadyOver := g.taskOver[r.TaskID]
			g.taskOver[r.TaskID] = true
			g.mu.Unlock()
			if signals != nil && !alreadyOver {
				signals.TaskTokensExceeded(r.AgentID, r.TaskID, used, limits.MaxTokensPerTask)
			}
		}
	}
	return nil
}

// Check reports the agent's standing against its resolved limits.
func (g *Guard) Check(agentID string) (Status, error) {
	return g.statusFor(agentID, "")
}

// IsWithinBudget is the fast-path answer used before prompt injection.
func (g *Guard) IsWithinBudget(agentID string) bool {
	g.mu.Lock()
	paused := g.paused[agentID]
	g.mu.Unlock()
	if paused {
		return false
	}
	status, err := g.statusFor(agentID, "")
	if err != nil {
		// Fail open: a ledger read error must not halt every agent.
		return true
	}
	return status.WithinBudget
}

// IsTaskWithinTokenBudget reports whether a task may keep consuming
// tokens. A zero ceiling means unlimited; ledger read errors fail open.
func (g *Guard) IsTaskWithinTokenBudget(agentID, taskID string) bool {
	if taskID == "" {
		return true
	}
	g.mu.Lock()
	over := g.taskOver[taskID]
	g.mu.Unlock()
	if over {
		return false
	}
	limits := g.cfg.Resolve(agentID, "")
	if limits.MaxTokensPerTask <= 0 {
		return true
	}
	used, err := g.taskTokens(taskID)
	if err != nil {
		return true
	}
	return used < limits.MaxTokensPerTask
}

func (g *Guard) taskTokens(taskID string) (int64, error) {
	records, err := g.ledger.TaskRecords(taskID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, r := range records {
		total += r.InputTokens + r.OutputTokens
	}
	return total, nil
}

// Resume clears the pause flag, typically after an operator raises the
// limit or a new UTC day starts.
func (g *Guard) Resume(agentID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.paused, agentID)
	delete(g.warned, agentID)
	g.persistPausedLocked()
}

// Usage aggregates the agent's ledger records over a period.
func (g *Guard) Usage(agentID string, period Period) (Summary, error) {
	since, err := periodStart(period, time.Now().UTC())
	if err != nil {
		return Summary{}, err
	}
	records, err := g.ledger.AgentRecords(agentID, since)
	if err != nil {
		return Summary{}, err
	}

	s := Summary{
		ByOperation: make(map[string]float64),
		ByModel:     make(map[string]float64),
	}
	for _, r := range records {
		s.InputTokens += r.InputTokens
		s.OutputTokens += r.OutputTokens
		s.Cost += r.Cost
		s.Operations++
		s.ByOperation[r.Operation] += r.Cost
		s.ByModel[r.Model] += r.Cost
	}
	s.TotalTokens = s.InputTokens + s.OutputTokens
	return s, nil
}

// statusFor evaluates the agent against every limited period. Daily
// usage is always reported; weekly and monthly summaries are only
// computed when a limit makes them matter.
func (g *Guard) statusFor(agentID, projectPath string) (Status, error) {
	limits := g.cfg.Resolve(agentID, projectPath)

	day, err := g.Usage(agentID, PeriodDay)
	if err != nil {
		return Status{}, err
	}
	status := Status{DailyUsed: day.Cost}

	type window struct {
		period  Period
		limit   float64
		summary Summary
	}
	windows := []window{{PeriodDay, limits.DailyLimit, day}}
	if !math.IsInf(limits.WeeklyLimit, 1) {
		week, err := g.Usage(agentID, PeriodWeek)
		if err != nil {
			return Status{}, err
		}
		status.WeeklyUsed = week.Cost
		windows = append(windows, window{PeriodWeek, limits.WeeklyLimit, week})
	}
	if !math.IsInf(limits.MonthlyLimit, 1) {
		month, err := g.Usage(agentID, PeriodMonth)
		if err != nil {
			return Status{}, err
		}
		status.MonthlyUsed = month.Cost
		windows = append(windows, window{PeriodMonth, limits.MonthlyLimit, month})
	}

	anyLimit := false
	var limiting window
	for _, w := range windows {
		if math.IsInf(w.limit, 1) {
			continue
		}
		switch w.period {
		case PeriodDay:
			status.DailyLimit = w.limit
		case PeriodWeek:
			status.WeeklyLimit = w.limit
		case PeriodMonth:
			status.MonthlyLimit = w.limit
		}
		// An explicit zero limit bans the agent outright.
		pct := 1.0
		if w.limit > 0 {
			pct = w.summary.Cost / w.limit
		}
		if !anyLimit || pct > status.PercentUsed {
			status.PercentUsed = pct
			limiting = w
		}
		anyLimit = true
	}
	if !anyLimit {
		status.WithinBudget = true
		status.EstimatedRunway = "unlimited"
		return status, nil
	}

	status.WithinBudget = status.PercentUsed < 1.0
	status.LimitingPeriod = limiting.period
	status.EstimatedRunway = estimateRunway(limiting.summary, limiting.limit)
	return status, nil
}

// estimateRunway projects how many more operations fit in the remaining
// budget of a period, assuming the observed average cost per operation.
func estimateRunway(s Summary, limit float64) string {
	if s.Cost >= limit {
		return "Budget exceeded"
	}
	if s.Operations == 0 || s.Cost == 0 {
		return "unlimited"
	}
	avg := s.Cost / float64(s.Operations)
	remaining := int((limit - s.Cost) / avg)
	return fmt.Sprintf("%d operations remaining", remaining)
}

func periodStart(p Period, now time.Time) (time.Time, error) {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	switch p {
	case PeriodDay, "":
		return midnight, nil
	case PeriodWeek:
		return midnight.AddDate(0, 0, -6), nil
	case PeriodMonth:
		return midnight.AddDate(0, 0, -29), nil
	default:
		return time.Time{}, fmt.Errorf("unknown period: %s", p)
	}
}
