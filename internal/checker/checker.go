// Package checker schedules periodic attention for agent sessions:
// check-in prompts, commit reminders, and continuation events raised when
// a session goes quiet or dies.
package checker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/spf13/viper"

	"crewly/internal/engine"
	"crewly/internal/git"
	"crewly/internal/prompts"
	"crewly/internal/sched"
	"crewly/internal/session"
	"crewly/internal/tasks"
)

// Config holds the checker.* settings.
type Config struct {
	InitialDelay           time.Duration
	ProgressInterval       time.Duration
	CommitReminderInterval time.Duration
	ContinuationInterval   time.Duration
	Adaptive               bool
}

// ConfigFromViper reads the checker.* settings.
func ConfigFromViper() Config {
	return Config{
		InitialDelay:           viper.GetDuration("checker.initial_delay"),
		ProgressInterval:       viper.GetDuration("checker.progress_interval"),
		CommitReminderInterval: viper.GetDuration("checker.commit_reminder_interval"),
		ContinuationInterval:   viper.GetDuration("checker.continuation_interval"),
		Adaptive:               viper.GetBool("checker.adaptive"),
	}
}

// Engine is the slice of the continuation engine the checker drives.
type Engine interface {
	Dispatch(ev engine.Event) bool
	SessionStatus(ref string) (engine.SessionStatus, bool)
}

const (
	checkTimeout = 5 * time.Second
	writeTimeout = 10 * time.Second

	// adaptiveSpan bounds the adaptive scan interval at this multiple of
	// its configured minimum.
	adaptiveSpan = 8
)

// Checker runs the per-session schedules. Prompts and events are
// best-effort; a dead, paused, or escalated session is skipped, not an
// error. The checker owns its scheduler; Stop cancels everything.
type Checker struct {
	cfg    Config
	port   session.Port
	engine Engine
	repo   tasks.Repository
	git    git.IClient
	sched  *sched.Scheduler
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*watch
}

type watch struct {
	ref      string
	handles  []*sched.Handle
	scan     *sched.Handle
	interval *sched.AdaptiveInterval
	deadSeen bool
}

// New wires a checker. engine, repo, and gitClient may be nil; a nil
// scheduler gets a real-clock one.
func New(port session.Port, eng Engine, repo tasks.Repository, gitClient git.IClient, scheduler *sched.Scheduler, logger *slog.Logger, cfg Config) *Checker {
	if scheduler == nil {
		scheduler = sched.NewScheduler(sched.NewRealClock())
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 5 * time.Minute
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 30 * time.Minute
	}
	if cfg.CommitReminderInterval <= 0 {
		cfg.CommitReminderInterval = 25 * time.Minute
	}
	if cfg.ContinuationInterval <= 0 {
		cfg.ContinuationInterval = 2 * time.Minute
	}
	return &Checker{
		cfg:      cfg,
		port:     port,
		engine:   eng,
		repo:     repo,
		git:      gitClient,
		sched:    scheduler,
		logger:   logger,
		sessions: make(map[string]*watch),
	}
}

// Watch starts the schedules for ref: an initial check-in, recurring
// progress checks and commit reminders, and the continuation scan that
// raises events through the engine instead of sending messages. Watching
// the same ref twice is a no-op.
func (c *Checker) Watch(ref string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[ref]; ok {
		return
	}

	w := &watch{ref: ref}
	if c.cfg.Adaptive {
		w.interval = sched.NewAdaptiveInterval(
			c.cfg.ContinuationInterval, adaptiveSpan*c.cfg.ContinuationInterval, 2)
	}
	c.sessions[ref] = w

	w.handles = append(w.handles,
		c.sched.After(c.cfg.InitialDelay, func() { c.checkIn(ref) }),
		c.sched.Every(c.cfg.ProgressInterval, func() { c.checkIn(ref) }),
		c.sched.Every(c.cfg.CommitReminderInterval, func() { c.commitReminder(ref) }),
	)
	c.armScan(w)

	c.logger.Info("session watched", "sessionRef", ref, "adaptive", c.cfg.Adaptive)
}

// Unwatch cancels every schedule for ref.
func (c *Checker) Unwatch(ref string) {
	c.mu.Lock()
	w, ok := c.sessions[ref]
	delete(c.sessions, ref)
	c.mu.Unlock()
	if !ok {
		return
	}

	for _, h := range w.handles {
		c.sched.Cancel(h)
	}
	c.sched.Cancel(w.scan)
	c.logger.Info("session unwatched", "sessionRef", ref)
}

// Watched lists the refs under schedule, sorted.
func (c *Checker) Watched() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sessions))
	for ref := range c.sessions {
		out = append(out, ref)
	}
	sort.Strings(out)
	return out
}

// Stop cancels all schedules and waits for running callbacks.
func (c *Checker) Stop() {
	c.mu.Lock()
	c.sessions = make(map[string]*watch)
	c.mu.Unlock()
	c.sched.Stop()
}

// armScan schedules the next continuation scan for w. The scan re-arms
// itself so adaptive intervals take effect between runs. Caller holds c.mu.
func (c *Checker) armScan(w *watch) {
	d := c.cfg.ContinuationInterval
	if w.interval != nil {
		d = w.interval.Current()
	}
	ref := w.ref
	w.scan = c.sched.After(d, func() {
		c.scan(ref)

		c.mu.Lock()
		defer c.mu.Unlock()
		if cur, ok := c.sessions[ref]; ok && cur == w {
			c.armScan(w)
		}
	})
}

// scan looks at one session and raises the matching continuation event:
// process_exit once per death, scheduled_check when the assistant has gone
// quiet. An actively producing session is left alone.
func (c *Checker) scan(ref string) {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	if !c.port.IsAlive(ctx, ref) {
		c.mu.Lock()
		w, ok := c.sessions[ref]
		first := ok && !w.deadSeen
		if ok {
			w.deadSeen = true
		}
		c.mu.Unlock()

		if first {
			c.logger.Warn("session process gone", "sessionRef", ref)
			if c.engine != nil {
				c.engine.Dispatch(engine.NewEvent(ref, engine.TriggerProcessExit))
			}
		}
		c.observe(ref, false)
		return
	}

	c.mu.Lock()
	if w, ok := c.sessions[ref]; ok {
		w.deadSeen = false
	}
	c.mu.Unlock()

	idle, err := c.port.IsAssistantIdle(ctx, ref)
	if err != nil {
		c.logger.Warn("idle check failed", "sessionRef", ref, "error", err)
		return
	}
	c.observe(ref, !idle)
	if !idle || c.engine == nil {
		return
	}
	if !c.engine.Dispatch(engine.NewEvent(ref, engine.TriggerScheduledCheck)) {
		c.logger.Debug("scheduled check dropped", "sessionRef", ref)
	}
}

func (c *Checker) observe(ref string, active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.sessions[ref]; ok && w.interval != nil {
		w.interval.Observe(active)
	}
}

func (c *Checker) checkIn(ref string) {
	if c.skip(ref) {
		return
	}
	vars := map[string]any{}
	if c.repo != nil {
		if task, err := c.repo.CurrentForSession(ref); err == nil && task != nil {
			vars["TASK_TITLE"] = task.Title
		}
	}
	c.write(ref, prompts.CheckIn, vars)
}

func (c *Checker) commitReminder(ref string) {
	if c.skip(ref) {
		return
	}
	vars := map[string]any{}
	if c.repo != nil && c.git != nil {
		if task, err := c.repo.CurrentForSession(ref); err == nil && task != nil {
			dir := task.ProjectPath
			if dir == "" {
				dir = "."
			}
			if branch, err := c.git.CurrentBranch(dir); err == nil && branch != "" {
				vars["BRANCH"] = branch
			}
		}
	}
	c.write(ref, prompts.CommitReminder, vars)
}

// skip reports whether ref should be left alone: gone, paused, or
// escalated sessions get no scheduled prompts.
func (c *Checker) skip(ref string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()
	if !c.port.IsAlive(ctx, ref) {
		return true
	}
	if c.engine == nil {
		return false
	}
	if st, known := c.engine.SessionStatus(ref); known {
		return st.State == engine.StatePaused || st.State == engine.StateEscalated
	}
	return false
}

func (c *Checker) write(ref, template string, vars map[string]any) {
	rendered, err := prompts.GetPrompt(template, vars)
	if err != nil {
		c.logger.Error("failed to render prompt", "template", template, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.port.WriteInput(ctx, ref, []byte(rendered+"\n")); err != nil {
		c.logger.Warn("scheduled prompt not delivered",
			"sessionRef", ref, "template", template, "error", err)
	}
}
