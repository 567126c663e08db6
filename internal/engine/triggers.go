package engine

import (
	"context"
	"fmt"

	"crewly/internal/analyzer"
	"crewly/internal/budget"
	"crewly/internal/notify"
)

// TriggerRetry queues a continuation event carrying a ready-made verdict,
// so the handler skips capture and analysis and goes straight to the
// recommended action. The completer uses this to push retry prompts after
// a gate failure.
func (e *Engine) TriggerRetry(ctx context.Context, sessionRef string, a analyzer.Analysis) error {
	ev := NewEvent(sessionRef, TriggerExplicitRequest)
	ev.Analysis = &a
	if !e.Dispatch(ev) {
		return fmt.Errorf("continuation queue rejected retry for session %s", sessionRef)
	}
	return nil
}

// BudgetWarning implements budget.Signals. Signal callbacks must not
// block, so the notification goes out on its own goroutine.
func (e *Engine) BudgetWarning(agentID string, status budget.Status) {
	used, max := status.LimitingFigures()
	e.deps.Logger.Warn("agent approaching budget limit",
		"agentID", agentID,
		"period", string(status.LimitingPeriod),
		"used", used,
		"limit", max,
		"percentUsed", status.PercentUsed)
	go e.sendDetached(notify.EventBudgetWarning,
		fmt.Sprintf("Agent %s has used %.0f%% of its %s budget ($%.2f of $%.2f).",
			agentID, status.PercentUsed*100, status.LimitingPeriod, used, max))
}

// BudgetExceeded implements budget.Signals. The guard has already flagged
// the agent, so the next injection attempt converts to an owner
// notification; here we only record and announce.
func (e *Engine) BudgetExceeded(agentID string, status budget.Status) {
	used, max := status.LimitingFigures()
	e.deps.Logger.Error("agent exceeded budget",
		"agentID", agentID,
		"period", string(status.LimitingPeriod),
		"used", used,
		"limit", max)
	e.deps.Metrics.RecordBudgetExceeded(agentID)
	go e.sendDetached(notify.EventBudgetExceeded,
		fmt.Sprintf("Agent %s exceeded its %s budget ($%.2f of $%.2f). Prompt injection is paused.",
			agentID, status.LimitingPeriod, used, max))
}

// TaskTokensExceeded implements budget.Signals. The guard has latched
// the task, so the next injection attempt for it converts to an owner
// escalation.
func (e *Engine) TaskTokensExceeded(agentID, taskID string, used, max int64) {
	e.deps.Logger.Warn("task hit its token ceiling",
		"agentID", agentID,
		"taskID", taskID,
		"tokensUsed", used,
		"maxTokensPerTask", max)
	go e.sendDetached(notify.EventBudgetWarning,
		fmt.Sprintf("Task %s consumed %d of its %d allowed tokens.", taskID, used, max))
}
