package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"crewly/internal/analyzer"
	"crewly/internal/db"
	"crewly/internal/gates"
	"crewly/internal/notify"
)

// GateRunner runs the project's quality gates. Declared here so the
// completer can be tested without spawning subprocesses.
type GateRunner interface {
	RunAll(ctx context.Context, projectPath string, opts gates.Options) (*gates.RunResults, error)
}

// RetryTrigger re-engages the session bound to a task whose completion
// failed its gates. The continuation engine implements it.
type RetryTrigger interface {
	TriggerRetry(ctx context.Context, sessionRef string, a analyzer.Analysis) error
}

// CompleteOptions modifies a completion attempt.
type CompleteOptions struct {
	SkipGates bool
	Summary   string
}

// CompleteResult is the structured outcome of a completion attempt. A
// gate failure is a result, not an error.
type CompleteResult struct {
	Success       bool              `json:"success"`
	TaskID        string            `json:"taskId"`
	Status        string            `json:"status"`
	Iterations    int               `json:"iterations"`
	MaxIterations int               `json:"maxIterations"`
	FailedGates   []string          `json:"failedGates,omitempty"`
	Gates         *gates.RunResults `json:"gates,omitempty"`
	Message       string            `json:"message,omitempty"`
}

// Completer drives task completion: gate verification, snapshot
// persistence, the failure/retry path, and the success path with
// optional auto-assignment of the next task.
type Completer struct {
	repo       Repository
	gates      GateRunner
	assigner   *Assigner
	retry      RetryTrigger
	notifier   notify.Notifier
	logger     *slog.Logger
	autoAssign bool
}

// NewCompleter wires a completer. assigner and notifier may be nil; the
// retry trigger is installed later via SetRetryTrigger because the engine
// is constructed after the completer.
func NewCompleter(repo Repository, gateRunner GateRunner, assigner *Assigner, notifier notify.Notifier, logger *slog.Logger, autoAssign bool) *Completer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Completer{
		repo:       repo,
		gates:      gateRunner,
		assigner:   assigner,
		notifier:   notifier,
		logger:     logger,
		autoAssign: autoAssign,
	}
}

// SetRetryTrigger installs the sink for gate-failure retries.
func (c *Completer) SetRetryTrigger(rt RetryTrigger) {
	c.retry = rt
}

// CompleteTask attempts to complete taskID. Gate failures return a
// structured failure result with a nil error; only state and
// infrastructure problems surface as errors.
func (c *Completer) CompleteTask(ctx context.Context, taskID string, opts CompleteOptions) (*CompleteResult, error) {
	t, err := c.repo.Get(taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != db.TaskInProgress {
		return nil, fmt.Errorf("%w: task %s is %s, must be %s to complete", ErrInvalidTaskState, taskID, t.Status, db.TaskInProgress)
	}

	var run *gates.RunResults
	if !opts.SkipGates && c.gates != nil {
		projectPath := t.ProjectPath
		if projectPath == "" {
			projectPath = "."
		}
		run, err = c.gates.RunAll(ctx, projectPath, gates.Options{})
		if err != nil {
			return nil, err
		}

		c.persistSnapshots(taskID, run)

		if !run.AllRequiredPassed {
			return c.failCompletion(ctx, t, run)
		}
	}

	return c.succeed(ctx, t, run, opts)
}

func (c *Completer) persistSnapshots(taskID string, run *gates.RunResults) {
	now := time.Now().UTC()
	for _, res := range run.Results {
		snap := db.GateSnapshot{
			Name:       res.Name,
			Passed:     res.Passed,
			Required:   res.Required,
			DurationMs: res.DurationMs,
			ExitCode:   res.ExitCode,
			Output:     res.Output,
			Error:      res.Error,
			RanAt:      now,
		}
		if err := c.repo.SaveGateSnapshot(taskID, snap); err != nil {
			c.logger.Error("failed to persist gate snapshot", "taskId", taskID, "gate", res.Name, "error", err)
		}
	}
}

func (c *Completer) failCompletion(ctx context.Context, t *db.Task, run *gates.RunResults) (*CompleteResult, error) {
	failed := run.FailedRequired()

	var after *db.Task
	err := c.repo.Update(t.ID, func(cur *db.Task) error {
		if cur.Status != db.TaskInProgress {
			return fmt.Errorf("%w: task %s changed to %s during gate run", ErrInvalidTaskState, cur.ID, cur.Status)
		}
		cur.Iterations++
		after = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := c.repo.AddLearning(t.ID, fmt.Sprintf("Completion attempt %d failed quality gates: %s", after.Iterations, strings.Join(failed, ", "))); err != nil {
		c.logger.Error("failed to record gate failure learning", "taskId", t.ID, "error", err)
	}

	c.send(ctx, notify.EventGateFailure, fmt.Sprintf("Task %s failed required gates: %s (iteration %d/%d).",
		t.ID, strings.Join(failed, ", "), after.Iterations, after.MaxIterations))

	binding, err := c.repo.BindingForTask(t.ID)
	if err == nil && binding != nil && c.retry != nil {
		a := analyzer.Analysis{
			SessionRef:     binding.SessionRef,
			Conclusion:     analyzer.StuckOrError,
			Confidence:     0.9,
			Evidence:       gateEvidence(run),
			Recommendation: analyzer.RecommendRetryWithHints,
			Iterations:     after.Iterations,
			MaxIterations:  after.MaxIterations,
		}
		if err := c.retry.TriggerRetry(ctx, binding.SessionRef, a); err != nil {
			c.logger.Error("failed to trigger retry", "taskId", t.ID, "sessionRef", binding.SessionRef, "error", err)
		}
	}

	c.logger.Info("task completion rejected by gates",
		"taskId", t.ID,
		"failedGates", failed,
		"iterations", after.Iterations)

	return &CompleteResult{
		Success:       false,
		TaskID:        t.ID,
		Status:        after.Status,
		Iterations:    after.Iterations,
		MaxIterations: after.MaxIterations,
		FailedGates:   failed,
		Gates:         run,
		Message:       "required quality gates failed",
	}, nil
}

func (c *Completer) succeed(ctx context.Context, t *db.Task, run *gates.RunResults, opts CompleteOptions) (*CompleteResult, error) {
	now := time.Now().UTC()
	var after *db.Task
	err := c.repo.Update(t.ID, func(cur *db.Task) error {
		if cur.Status != db.TaskInProgress {
			return fmt.Errorf("%w: task %s changed to %s during completion", ErrInvalidTaskState, cur.ID, cur.Status)
		}
		cur.Status = db.TaskCompleted
		cur.CompletedAt = &now
		after = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	learning := opts.Summary
	if learning == "" {
		learning = fmt.Sprintf("Completed after %d iteration(s).", after.Iterations)
	}
	if err := c.repo.AddLearning(t.ID, learning); err != nil {
		c.logger.Error("failed to record completion learning", "taskId", t.ID, "error", err)
	}

	var ref string
	if binding, err := c.repo.BindingForTask(t.ID); err == nil && binding != nil {
		ref = binding.SessionRef
		if err := c.repo.Unbind(ref); err != nil {
			c.logger.Error("failed to unbind completed task", "taskId", t.ID, "sessionRef", ref, "error", err)
		}
	}

	c.logger.Info("task completed", "taskId", t.ID, "iterations", after.Iterations)

	if c.autoAssign && c.assigner != nil && ref != "" {
		if next, err := c.assigner.AssignNext(ctx, ref); err != nil {
			c.logger.Error("auto-assignment after completion failed", "sessionRef", ref, "error", err)
		} else if next != nil {
			c.logger.Info("auto-assigned next task", "sessionRef", ref, "taskId", next.ID)
		}
	}

	return &CompleteResult{
		Success:       true,
		TaskID:        t.ID,
		Status:        db.TaskCompleted,
		Iterations:    after.Iterations,
		MaxIterations: after.MaxIterations,
		Gates:         run,
		Message:       "task completed",
	}, nil
}

// gateEvidence turns failed required gates into analyzer evidence lines.
func gateEvidence(run *gates.RunResults) []string {
	var out []string
	for _, res := range run.Results {
		if !res.Required || res.Passed {
			continue
		}
		if res.Error == "timeout" {
			out = append(out, fmt.Sprintf("gate %s timed out", res.Name))
			continue
		}
		out = append(out, fmt.Sprintf("gate %s failed (exit %d)", res.Name, res.ExitCode))
	}
	return out
}

func (c *Completer) send(ctx context.Context, event, message string) {
	if c.notifier == nil {
		return
	}
	if _, err := c.notifier.Notify(ctx, event, message, ""); err != nil {
		c.logger.Warn("notification failed", "event", event, "error", err)
	}
}
