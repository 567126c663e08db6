package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"crewly/internal/analyzer"
	"crewly/internal/db"
	"crewly/internal/notify"
	"crewly/internal/prompts"
	"crewly/internal/session"
	"crewly/internal/tasks"
)

// actionKind is the closed set of things the engine can do with a verdict.
type actionKind int

const (
	actionNone actionKind = iota
	actionInject
	actionRetry
	actionAssignNext
	actionNotify
	actionPause
)

// Reasons recorded on owner notifications.
const (
	reasonBudgetExceeded  = "budget_exceeded"
	reasonTaskTokens      = "task_tokens_exceeded"
	reasonWaitingForInput = "waiting_for_input"
	reasonMaxIterations   = "max_iterations"
	reasonTaskComplete    = "task_complete"
	reasonAttention       = "attention_required"
)

func actionFor(rec analyzer.Recommendation) actionKind {
	switch rec {
	case analyzer.RecommendInjectPrompt:
		return actionInject
	case analyzer.RecommendRetryWithHints:
		return actionRetry
	case analyzer.RecommendAssignNext:
		return actionAssignNext
	case analyzer.RecommendNotifyOwner:
		return actionNotify
	case analyzer.RecommendPauseAgent:
		return actionPause
	default:
		return actionNone
	}
}

func actionName(act actionKind) string {
	switch act {
	case actionInject:
		return "inject_prompt"
	case actionRetry:
		return "retry_with_hints"
	case actionAssignNext:
		return "assign_next_task"
	case actionNotify:
		return "notify_owner"
	case actionPause:
		return "pause_agent"
	default:
		return "no_action"
	}
}

func reasonFor(a analyzer.Analysis) string {
	switch a.Conclusion {
	case analyzer.WaitingForInput:
		return reasonWaitingForInput
	default:
		return reasonAttention
	}
}

// chooseAction maps the verdict to an action, applying the overrides that
// sit outside the analyzer: an exhausted iteration cap or budget turns
// prompt injection into a pause or an owner notification, and disabled
// auto-assignment turns task completion into one. The cap check matters
// for pre-made verdicts, which never went through the analyzer's own
// iteration rule.
func (e *Engine) chooseAction(ref string, task *db.Task, a analyzer.Analysis) (actionKind, string) {
	act := actionFor(a.Recommendation)
	reason := reasonFor(a)

	switch act {
	case actionInject, actionRetry:
		if a.MaxIterations > 0 && a.Iterations >= a.MaxIterations {
			return actionPause, reasonMaxIterations
		}
		if !e.withinBudget(ref) {
			return actionNotify, reasonBudgetExceeded
		}
		if !e.taskWithinTokens(ref, task) {
			return actionNotify, reasonTaskTokens
		}
	case actionAssignNext:
		if !e.cfg.AutoAssignNext {
			return actionNotify, reasonTaskComplete
		}
	}
	return act, reason
}

func (e *Engine) dispatchAction(ctx context.Context, ev Event, task *db.Task, a analyzer.Analysis, act actionKind, reason string) (State, error) {
	name := actionName(act)
	e.reg.recordAction(ev.SessionRef, name)
	e.deps.Metrics.RecordAction(name)
	if act == actionNone {
		e.deps.Logger.Debug("no action taken",
			"sessionRef", ev.SessionRef, "trigger", ev.Trigger, "conclusion", string(a.Conclusion))
	} else {
		e.deps.Logger.Info("continuation action",
			"sessionRef", ev.SessionRef,
			"action", name,
			"reason", reason,
			"conclusion", string(a.Conclusion),
			"trigger", ev.Trigger)
	}

	switch act {
	case actionInject:
		return e.injectPrompt(ctx, ev, task, a, prompts.Continuation)
	case actionRetry:
		return e.injectPrompt(ctx, ev, task, a, prompts.RetryWithHints)
	case actionAssignNext:
		return e.assignNext(ctx, ev, task)
	case actionNotify:
		return e.notifyOwner(ctx, ev, a, reason)
	case actionPause:
		return e.pause(ctx, ev, a)
	default:
		return StateMonitored, nil
	}
}

// injectPrompt renders template and writes it into the session. The
// iteration is spent before delivery so one event can never inject twice,
// even when the write fails. Events carrying a pre-made verdict already
// spent theirs at the source and are not charged again.
func (e *Engine) injectPrompt(ctx context.Context, ev Event, task *db.Task, a analyzer.Analysis, template string) (State, error) {
	ref := ev.SessionRef
	iteration := a.Iterations
	max := e.effectiveMaxIterations(ref, task)
	if task != nil && ev.Analysis == nil {
		err := e.deps.Repo.Update(task.ID, func(t *db.Task) error {
			t.Iterations++
			iteration = t.Iterations
			return nil
		})
		if err != nil {
			return StateMonitored, fmt.Errorf("failed to advance iteration count: %w", err)
		}
	}

	rendered, err := prompts.GetPrompt(template, e.promptVars(ref, task, a, iteration, max))
	if err != nil {
		return StateMonitored, err
	}

	if !e.deps.Port.IsAlive(ctx, ref) {
		if e.deps.Runtime == nil {
			return StateMonitored, fmt.Errorf("session %s: %w", ref, session.ErrSessionDead)
		}
		if err := e.deps.Runtime.EnsureRunning(ctx, ref); err != nil {
			return StateMonitored, fmt.Errorf("failed to revive session %s: %w", ref, err)
		}
	}
	if err := e.deps.Port.WriteInput(ctx, ref, []byte(rendered+"\n")); err != nil {
		return StateMonitored, fmt.Errorf("failed to inject prompt: %w", err)
	}

	e.send(ctx, notify.EventContinuation,
		fmt.Sprintf("Agent %s continued (iteration %d/%d).", ref, iteration, max))
	return StateMonitored, nil
}

func (e *Engine) promptVars(ref string, task *db.Task, a analyzer.Analysis, iteration, max int) map[string]any {
	info, err := e.deps.Resolver.Resolve(ref)
	if err != nil {
		info = tasks.AgentInfo{AgentID: ref}
	}
	role := info.Role
	if role == "" {
		role = "agent"
	}

	vars := map[string]any{
		"AGENT_ROLE":     role,
		"CONCLUSION":     string(a.Conclusion),
		"HINT":           prompts.HintFor(string(a.Conclusion)),
		"EVIDENCE":       a.Evidence,
		"ITERATION":      iteration,
		"MAX_ITERATIONS": max,
	}
	if task == nil {
		return vars
	}
	vars["TASK_TITLE"] = task.Title
	vars["TASK_DESCRIPTION"] = task.Description

	if learnings, err := e.deps.Repo.Learnings(task.ID, 5); err == nil && len(learnings) > 0 {
		notes := make([]string, 0, len(learnings))
		for _, l := range learnings {
			notes = append(notes, l.Content)
		}
		vars["LEARNINGS"] = notes
	}
	if snaps, err := e.deps.Repo.GateSnapshots(task.ID); err == nil {
		var failing []string
		for _, s := range snaps {
			if s.Required && !s.Passed {
				failing = append(failing, s.Name)
			}
		}
		if len(failing) > 0 {
			vars["FAILING_GATES"] = failing
		}
	}
	return vars
}

// assignNext closes out the session's current task, then hands it the next
// eligible one. Completion runs the quality gates; a failure there queues
// its own retry event and leaves the session on the same task.
func (e *Engine) assignNext(ctx context.Context, ev Event, task *db.Task) (State, error) {
	ref := ev.SessionRef
	if task != nil && task.Status == db.TaskInProgress && e.deps.Completer != nil {
		res, err := e.deps.Completer.CompleteTask(ctx, task.ID, tasks.CompleteOptions{})
		if err != nil {
			return StateMonitored, fmt.Errorf("failed to complete task %s: %w", task.ID, err)
		}
		if !res.Success {
			return StateMonitored, nil
		}
	}

	if e.deps.Assigner == nil {
		return StateMonitored, nil
	}
	if _, err := e.deps.Assigner.AssignNext(ctx, ref); err != nil {
		// Completion may have auto-assigned already; the session being
		// busy again is the expected outcome, not a failure.
		if errors.Is(err, tasks.ErrMaxConcurrent) {
			return StateMonitored, nil
		}
		return StateMonitored, err
	}
	return StateMonitored, nil
}

// notifyOwner persists a notification record and pushes it out. The final
// session state depends on the reason: an exhausted budget pauses the
// session, a task over its token ceiling or an unanswered question
// escalates it, anything else keeps monitoring.
func (e *Engine) notifyOwner(ctx context.Context, ev Event, a analyzer.Analysis, reason string) (State, error) {
	if _, err := e.deps.Repo.SaveNotification(&db.Notification{
		Type:       "continuation",
		SessionRef: ev.SessionRef,
		Reason:     reason,
		Analysis:   analysisJSON(a),
	}); err != nil {
		return StateMonitored, fmt.Errorf("failed to record notification: %w", err)
	}

	switch reason {
	case reasonBudgetExceeded:
		e.send(ctx, notify.EventBudgetExceeded,
			fmt.Sprintf("Agent %s is over its spend limit. Prompt injection is paused until the budget resets or the session is resumed.", ev.SessionRef))
		return StatePaused, nil
	case reasonTaskTokens:
		e.send(ctx, notify.EventEscalation,
			fmt.Sprintf("Agent %s's task hit its token ceiling. Raise maxTokensPerTask or reassign the work to continue.", ev.SessionRef))
		return StateEscalated, nil
	case reasonWaitingForInput:
		msg := fmt.Sprintf("Agent %s is waiting for input", ev.SessionRef)
		if q := firstEvidence(a); q != "" {
			msg = fmt.Sprintf("%s: %q", msg, q)
		}
		e.send(ctx, notify.EventWaitingForInput, msg)
		return StateEscalated, nil
	case reasonTaskComplete:
		e.send(ctx, notify.EventEscalation,
			fmt.Sprintf("Agent %s finished its task. Auto-assignment is off; assign the next task when ready.", ev.SessionRef))
		return StateMonitored, nil
	default:
		e.send(ctx, notify.EventEscalation,
			fmt.Sprintf("Agent %s needs attention (%s).", ev.SessionRef, reason))
		return StateMonitored, nil
	}
}

func (e *Engine) pause(ctx context.Context, ev Event, a analyzer.Analysis) (State, error) {
	if _, err := e.deps.Repo.SaveNotification(&db.Notification{
		Type:       "pause",
		SessionRef: ev.SessionRef,
		Reason:     reasonMaxIterations,
		Analysis:   analysisJSON(a),
	}); err != nil {
		return StateMonitored, fmt.Errorf("failed to record pause notification: %w", err)
	}
	if e.cfg.NotifyOnMax {
		e.send(ctx, notify.EventEscalation,
			fmt.Sprintf("Agent %s paused after %d/%d iterations without completing its task.",
				ev.SessionRef, a.Iterations, a.MaxIterations))
	}
	return StatePaused, nil
}

func (e *Engine) withinBudget(ref string) bool {
	if e.deps.Budget == nil {
		return true
	}
	info, err := e.deps.Resolver.Resolve(ref)
	if err != nil || info.AgentID == "" {
		info.AgentID = ref
	}
	return e.deps.Budget.IsWithinBudget(info.AgentID)
}

func (e *Engine) taskWithinTokens(ref string, task *db.Task) bool {
	if e.deps.Budget == nil || task == nil {
		return true
	}
	info, err := e.deps.Resolver.Resolve(ref)
	if err != nil || info.AgentID == "" {
		info.AgentID = ref
	}
	return e.deps.Budget.IsTaskWithinTokenBudget(info.AgentID, task.ID)
}

func (e *Engine) send(ctx context.Context, event, message string) {
	if e.deps.Notifier == nil {
		return
	}
	if _, err := e.deps.Notifier.Notify(ctx, event, message, ""); err != nil {
		e.deps.Logger.Warn("notification failed", "event", event, "error", err)
	}
}

// sendDetached notifies on a fresh context, for callers whose own context
// is already done or about to be.
func (e *Engine) sendDetached(event, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.send(ctx, event, message)
}

func analysisJSON(a analyzer.Analysis) string {
	payload, err := json.Marshal(a)
	if err != nil {
		return "{}"
	}
	return string(payload)
}

func firstEvidence(a analyzer.Analysis) string {
	if len(a.Evidence) == 0 {
		return ""
	}
	return a.Evidence[0]
}
