package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/spf13/viper"

	"crewly/internal/analyzer"
	"crewly/internal/db"
	"crewly/internal/metrics"
	"crewly/internal/notify"
	"crewly/internal/sched"
	"crewly/internal/session"
	"crewly/internal/tasks"
)

// Config holds the continuation knobs.
type Config struct {
	Enabled        bool
	AutoAssignNext bool
	NotifyOnMax    bool
	NotifyOnError  bool
	MaxIterations  int
	QueueSize      int
	HandleTimeout  time.Duration
}

// ConfigFromViper reads the continuation.* settings.
func ConfigFromViper() Config {
	return Config{
		Enabled:        viper.GetBool("continuation.enabled"),
		AutoAssignNext: viper.GetBool("continuation.auto_assign_next"),
		NotifyOnMax:    viper.GetBool("continuation.notify_on_max"),
		NotifyOnError:  viper.GetBool("continuation.notify_on_error"),
		MaxIterations:  viper.GetInt("continuation.max_iterations"),
		QueueSize:      viper.GetInt("continuation.queue_size"),
		HandleTimeout:  viper.GetDuration("continuation.handle_timeout"),
	}
}

// BudgetChecker is the slice of the budget guard the engine consults
// before injecting a prompt.
type BudgetChecker interface {
	IsWithinBudget(agentID string) bool
	IsTaskWithinTokenBudget(agentID, taskID string) bool
}

// Deps are the capabilities the engine acts through. Port and Repo are
// required; a nil entry elsewhere disables that feature.
type Deps struct {
	Port      session.Port
	Runtime   session.RuntimeManager
	Repo      tasks.Repository
	Assigner  *tasks.Assigner
	Completer *tasks.Completer
	Resolver  tasks.AgentResolver
	Analyzer  *analyzer.Analyzer
	Budget    BudgetChecker
	Notifier  notify.Notifier
	Metrics   *metrics.Metrics
	Clock     sched.Clock
	Logger    *slog.Logger
}

// Engine drives the continuation loop: it receives events about agent
// sessions, analyzes their output, and acts so work keeps moving without
// a human in the loop.
type Engine struct {
	cfg  Config
	deps Deps

	reg *registry

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	workers map[string]*sessionWorker
	locks   map[string]*sync.Mutex
	cursors map[string]session.Cursor
	wg      sync.WaitGroup
}

type sessionWorker struct {
	ch          chan Event
	mu          sync.Mutex
	pendingIdle int
}

// New wires a continuation engine.
func New(deps Deps, cfg Config) *Engine {
	if deps.Analyzer == nil {
		deps.Analyzer = analyzer.New()
	}
	if deps.Resolver == nil {
		deps.Resolver = tasks.MapResolver{}
	}
	if deps.Clock == nil {
		deps.Clock = sched.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 20
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = 60 * time.Second
	}
	return &Engine{
		cfg:     cfg,
		deps:    deps,
		reg:     newRegistry(deps.Clock),
		workers: make(map[string]*sessionWorker),
		locks:   make(map[string]*sync.Mutex),
		cursors: make(map[string]session.Cursor),
	}
}

// Start begins accepting dispatched events. Idempotent.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	e.stopCh = make(chan struct{})
	e.deps.Logger.Info("continuation engine started",
		"enabled", e.cfg.Enabled,
		"autoAssignNext", e.cfg.AutoAssignNext,
		"maxIterations", e.cfg.MaxIterations)
}

// Stop rejects further events and waits for in-flight handling to finish.
// Queued events that have not started are dropped. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	close(e.stopCh)
	e.workers = make(map[string]*sessionWorker)
	e.mu.Unlock()

	e.wg.Wait()
	e.deps.Logger.Info("continuation engine stopped")
}

// Dispatch queues an event for its session's worker and never blocks. A
// full queue, a duplicate idle_timeout, or a stopped engine drops the
// event; the return value reports acceptance.
func (e *Engine) Dispatch(ev Event) bool {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		e.deps.Logger.Debug("engine not started, event dropped",
			"sessionRef", ev.SessionRef, "trigger", ev.Trigger)
		return false
	}
	w, ok := e.workers[ev.SessionRef]
	if !ok {
		w = &sessionWorker{ch: make(chan Event, e.cfg.QueueSize)}
		e.workers[ev.SessionRef] = w
		e.wg.Add(1)
		go e.runWorker(w, e.stopCh)
	}
	e.mu.Unlock()

	if ev.Trigger == TriggerIdleTimeout {
		w.mu.Lock()
		if w.pendingIdle > 0 {
			w.mu.Unlock()
			e.deps.Logger.Debug("duplicate idle event dropped", "sessionRef", ev.SessionRef)
			return false
		}
		w.pendingIdle++
		w.mu.Unlock()

		select {
		case w.ch <- ev:
			return true
		default:
			w.mu.Lock()
			w.pendingIdle--
			w.mu.Unlock()
			e.deps.Logger.Warn("continuation queue full, event dropped",
				"sessionRef", ev.SessionRef, "trigger", ev.Trigger)
			return false
		}
	}

	select {
	case w.ch <- ev:
		return true
	default:
		e.deps.Logger.Warn("continuation queue full, event dropped",
			"sessionRef", ev.SessionRef, "trigger", ev.Trigger)
		return false
	}
}

func (e *Engine) runWorker(w *sessionWorker, stopCh chan struct{}) {
	defer e.wg.Done()
	for {
		select {
		case <-stopCh:
			return
		case ev := <-w.ch:
			if ev.Trigger == TriggerIdleTimeout {
				w.mu.Lock()
				w.pendingIdle--
				w.mu.Unlock()
			}
			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.HandleTimeout)
			// Handle logs its own failures; the worker just keeps draining.
			_ = e.Handle(ctx, ev)
			cancel()
		}
	}
}

// Handle runs the continuation algorithm for one event synchronously.
// Events for the same session serialize on a per-session lock; errors are
// logged and recorded, and the session stays in its last stable state.
func (e *Engine) Handle(ctx context.Context, ev Event) error {
	if !e.cfg.Enabled {
		return nil
	}
	if ev.SessionRef == "" {
		return fmt.Errorf("continuation event requires a session ref")
	}

	lock := e.sessionLock(ev.SessionRef)
	lock.Lock()
	defer lock.Unlock()

	if st := e.reg.state(ev.SessionRef); st == StatePaused || st == StateEscalated {
		e.deps.Logger.Debug("session not monitored, event dropped",
			"sessionRef", ev.SessionRef, "state", string(st), "trigger", ev.Trigger)
		return nil
	}

	start := e.deps.Clock.Now()
	e.reg.recordEvent(ev.SessionRef, ev.Trigger)
	e.deps.Metrics.RecordEvent(ev.Trigger)

	err := e.handleLocked(ctx, ev)
	e.deps.Metrics.ObserveHandle(e.deps.Clock.Since(start))
	e.deps.Metrics.SetSessionsMonitored(len(e.reg.refs()))
	if err != nil {
		e.reg.recordError(ev.SessionRef, err)
		e.reg.setState(ev.SessionRef, StateMonitored)
		e.deps.Logger.Error("continuation handling failed",
			"sessionRef", ev.SessionRef, "trigger", ev.Trigger, "cause", err)
		if e.cfg.NotifyOnError {
			e.sendDetached(notify.EventEscalation,
				fmt.Sprintf("Continuation handling for %s failed: %v", ev.SessionRef, err))
		}
		return err
	}
	return nil
}

func (e *Engine) handleLocked(ctx context.Context, ev Event) error {
	ref := ev.SessionRef
	e.reg.setState(ref, StateAnalyzing)

	task, err := e.deps.Repo.CurrentForSession(ref)
	if err != nil {
		return fmt.Errorf("failed to load current task: %w", err)
	}

	var a analyzer.Analysis
	if ev.Analysis != nil {
		a = *ev.Analysis
		a.SessionRef = ref
	} else {
		data, next, err := e.deps.Port.CaptureOutput(ctx, ref, e.cursor(ref))
		if err != nil {
			return fmt.Errorf("failed to capture output: %w", err)
		}
		e.setCursor(ref, next)

		in := analyzer.Input{
			SessionRef:     ref,
			Output:         string(data),
			ExitCode:       ev.Metadata.ExitCode,
			TaskInProgress: task != nil && task.Status == db.TaskInProgress,
			MaxIterations:  e.effectiveMaxIterations(ref, task),
		}
		if task != nil {
			in.TaskID = task.ID
			in.Iterations = task.Iterations
		}
		a = e.deps.Analyzer.Analyze(in)
	}
	e.reg.recordAnalysis(ref, a)
	e.deps.Metrics.RecordConclusion(string(a.Conclusion))
	e.deps.Logger.Debug("session analyzed",
		"sessionRef", ref,
		"conclusion", string(a.Conclusion),
		"recommendation", string(a.Recommendation),
		"confidence", a.Confidence)

	e.reg.setState(ref, StateActing)
	act, reason := e.chooseAction(ref, task, a)
	final, err := e.dispatchAction(ctx, ev, task, a, act, reason)
	if err != nil {
		return err
	}
	e.reg.setState(ref, final)
	return nil
}

// SetMaxIterations overrides the iteration cap for one session. Zero
// restores the task or engine default.
func (e *Engine) SetMaxIterations(ref string, n int) {
	e.reg.setMaxIterations(ref, n)
	e.deps.Logger.Info("session iteration cap changed", "sessionRef", ref, "maxIterations", n)
}

// SessionStatus returns the audit record for one session plus a live
// alive check. The boolean reports whether the engine has seen it.
func (e *Engine) SessionStatus(ref string) (SessionStatus, bool) {
	st, known := e.reg.snapshot(ref)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st.Alive = e.deps.Port.IsAlive(ctx, ref)
	return st, known
}

// Sessions lists every tracked session ordered by ref.
func (e *Engine) Sessions() []SessionStatus {
	refs := e.reg.refs()
	sort.Strings(refs)
	out := make([]SessionStatus, 0, len(refs))
	for _, ref := range refs {
		st, _ := e.SessionStatus(ref)
		out = append(out, st)
	}
	return out
}

// Pause takes a session out of monitoring until Resume.
func (e *Engine) Pause(ref string) {
	e.reg.setState(ref, StatePaused)
	e.deps.Logger.Info("session paused", "sessionRef", ref)
}

// Resume returns a paused or escalated session to monitoring.
func (e *Engine) Resume(ref string) {
	e.reg.resume(ref)
	e.deps.Logger.Info("session resumed", "sessionRef", ref)
}

func (e *Engine) effectiveMaxIterations(ref string, task *db.Task) int {
	if n := e.reg.maxIterations(ref); n > 0 {
		return n
	}
	if task != nil && task.MaxIterations > 0 {
		return task.MaxIterations
	}
	return e.cfg.MaxIterations
}

func (e *Engine) sessionLock(ref string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[ref]
	if !ok {
		l = &sync.Mutex{}
		e.locks[ref] = l
	}
	return l
}

func (e *Engine) cursor(ref string) session.Cursor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cursors[ref]
}

func (e *Engine) setCursor(ref string, c session.Cursor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cursors[ref] = c
}
