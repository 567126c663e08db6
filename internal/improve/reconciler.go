package improve

import (
	"context"
	"fmt"
	"log/slog"
)

// Reconciler outcomes.
const (
	OutcomeNone         = "none"
	OutcomeCancelled    = "cancelled"
	OutcomeValidated    = "validated"
	OutcomeRolledBack   = "rolled_back"
	OutcomeDeletedStale = "deleted_stale"
	OutcomeFailed       = "failed"
)

// Result summarizes what the startup reconciler found and did.
type Result struct {
	HadPending bool   `json:"hadPending"`
	MarkerID   string `json:"markerId,omitempty"`
	Phase      Phase  `json:"phase,omitempty"`
	Outcome    string `json:"outcome"`
	Err        string `json:"error,omitempty"`
}

// Reconciler settles a pending self-improvement at startup, before any
// other subsystem touches the work tree.
type Reconciler struct {
	driver *Driver
	logger *slog.Logger
}

// NewReconciler wraps a driver for startup reconciliation.
func NewReconciler(d *Driver) *Reconciler {
	return &Reconciler{driver: d, logger: d.logger}
}

// Run inspects the marker and finishes whatever a previous process left
// behind. It never panics; anything unexpected is recorded into the
// marker and forces the rollback path. Phase holds what was found at
// startup, not where the marker ended up.
func (r *Reconciler) Run(ctx context.Context) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("reconciler panicked", "panic", p)
			res.HadPending = true
			res.Outcome = OutcomeFailed
			res.Err = fmt.Sprint(p)
		}
	}()

	m, err := r.driver.store.Pending()
	if err != nil {
		moved, qerr := r.driver.store.QuarantinePending()
		if qerr != nil {
			r.logger.Error("unreadable marker could not be quarantined",
				"error", err, "quarantineError", qerr)
		} else {
			r.logger.Error("unreadable marker quarantined", "error", err, "movedTo", moved)
		}
		return Result{HadPending: true, Outcome: OutcomeFailed, Err: err.Error()}
	}
	if m == nil {
		return Result{Outcome: OutcomeNone}
	}

	res = Result{HadPending: true, MarkerID: m.ID, Phase: m.Phase}
	m.RestartCount++
	if err := r.driver.store.SavePending(m); err != nil {
		res.Outcome, res.Err = OutcomeFailed, err.Error()
		return res
	}
	r.logger.Info("pending improvement found",
		"id", m.ID, "phase", m.Phase, "restartCount", m.RestartCount)

	if m.RestartCount > r.driver.cfg.MaxRestarts {
		r.logger.Error("too many restarts, forcing rollback",
			"id", m.ID, "restartCount", m.RestartCount, "max", r.driver.cfg.MaxRestarts)
		m.Error = "too many restarts"
		if err := r.driver.rollback(m, "too many restarts"); err != nil {
			res.Outcome, res.Err = OutcomeFailed, err.Error()
			return res
		}
		res.Outcome, res.Err = OutcomeRolledBack, "too many restarts"
		return res
	}

	switch m.Phase {
	case PhasePlanning, PhaseBackingUp:
		// No target file was mutated before changes_applied.
		if err := r.driver.store.DeletePending(); err != nil {
			res.Outcome, res.Err = OutcomeFailed, err.Error()
			return res
		}
		r.driver.notifyPhase(m, fmt.Sprintf(
			"Self-improvement %s was interrupted in %s before any changes; cancelled.", m.ID, m.Phase))
		res.Outcome = OutcomeCancelled

	case PhaseChangesApplied, PhaseValidating:
		res.Outcome, res.Err = r.settleValidation(ctx, m)

	case PhaseRollingBack:
		reason := "rollback resumed after restart"
		if m.Rollback != nil && m.Rollback.Reason != "" {
			reason = m.Rollback.Reason
		}
		if err := r.driver.rollback(m, reason); err != nil {
			res.Outcome, res.Err = OutcomeFailed, err.Error()
			return res
		}
		res.Outcome = OutcomeRolledBack

	case PhaseRolledBack:
		if err := r.driver.completeFailure(m, "rolled back before restart"); err != nil {
			res.Outcome, res.Err = OutcomeFailed, err.Error()
			return res
		}
		res.Outcome = OutcomeRolledBack

	case PhaseComplete:
		if err := r.driver.store.DeletePending(); err != nil {
			res.Outcome, res.Err = OutcomeFailed, err.Error()
			return res
		}
		res.Outcome = OutcomeDeletedStale

	default:
		m.Error = fmt.Sprintf("unknown marker phase %q", m.Phase)
		if err := r.driver.rollback(m, m.Error); err != nil {
			res.Outcome, res.Err = OutcomeFailed, err.Error()
			return res
		}
		res.Outcome, res.Err = OutcomeRolledBack, m.Error
	}
	return res
}

// settleValidation runs (or resumes) validation and routes the verdict:
// pass completes the improvement, fail rolls it back.
func (r *Reconciler) settleValidation(ctx context.Context, m *Marker) (string, string) {
	ok, failedCheck, err := r.driver.validate(ctx, m)
	if err != nil {
		reason := fmt.Sprintf("validation aborted: %v", err)
		if rbErr := r.driver.rollback(m, reason); rbErr != nil {
			return OutcomeFailed, rbErr.Error()
		}
		return OutcomeRolledBack, reason
	}
	if !ok {
		reason := fmt.Sprintf("validation failed: %s", failedCheck)
		if rbErr := r.driver.rollback(m, reason); rbErr != nil {
			return OutcomeFailed, rbErr.Error()
		}
		return OutcomeRolledBack, reason
	}
	if err := r.driver.completeSuccess(m); err != nil {
		return OutcomeFailed, err.Error()
	}
	return OutcomeValidated, ""
}
