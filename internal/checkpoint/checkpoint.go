// Package checkpoint persists orchestrator snapshots so a restart picks up
// where the previous process stopped. Saves are atomic (temp file plus
// rename) and the previous snapshot is rotated into backups/ first.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"crewly/internal/config"
	"crewly/internal/db"
	"crewly/internal/engine"
	"crewly/internal/metrics"
	"crewly/internal/sched"
	"crewly/internal/tasks"
)

const stateFile = "orchestrator-state.json"

// resumeWindow bounds how stale a conversation may be and still be worth
// resuming after a restart.
const resumeWindow = time.Hour

// Config holds the checkpoint.* settings.
type Config struct {
	Dir         string
	Interval    time.Duration
	MaxMessages int
	MaxBackups  int
}

// ConfigFromViper reads the checkpoint.* settings.
func ConfigFromViper() Config {
	return Config{
		Dir:         filepath.Join(config.HomeDir(), "state"),
		Interval:    viper.GetDuration("checkpoint.interval"),
		MaxMessages: viper.GetInt("checkpoint.max_messages"),
		MaxBackups:  viper.GetInt("checkpoint.max_backups"),
	}
}

// SessionSource supplies the continuation registry's session snapshots.
type SessionSource interface {
	Sessions() []engine.SessionStatus
}

// ConversationSource supplies conversation snapshots. The checkpointer
// owns and trims what it receives.
type ConversationSource interface {
	Conversations() []Conversation
}

// ImprovementSource reports a pending self-improvement, nil when none.
type ImprovementSource interface {
	PendingImprovement() *Improvement
}

// Deps are the checkpointer's collaborators. All but Logger and Clock may
// be nil; a nil source leaves its slice of the snapshot empty.
type Deps struct {
	Repo          tasks.Repository
	Sessions      SessionSource
	Conversations ConversationSource
	Improvement   ImprovementSource
	Metrics       *metrics.Metrics
	Scheduler     *sched.Scheduler
	Clock         sched.Clock
	Logger        *slog.Logger
}

// Checkpointer snapshots orchestrator state to disk on a timer and on
// demand, and turns a loaded snapshot into resume instructions.
type Checkpointer struct {
	cfg   Config
	deps  Deps
	path  string
	start time.Time

	mu       sync.Mutex
	restarts int
	periodic *sched.Handle
}

// New wires a checkpointer. The state directory is created on first save.
func New(cfg Config, deps Deps) *Checkpointer {
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(config.HomeDir(), "state")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = MaxPersistedMessages
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 10
	}
	if deps.Clock == nil {
		deps.Clock = sched.NewRealClock()
	}
	if deps.Scheduler == nil {
		deps.Scheduler = sched.NewScheduler(deps.Clock)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Checkpointer{
		cfg:   cfg,
		deps:  deps,
		path:  filepath.Join(cfg.Dir, stateFile),
		start: deps.Clock.Now(),
	}
}

// Start arms the periodic save. Calling it twice is a no-op.
func (c *Checkpointer) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.periodic != nil {
		return
	}
	c.periodic = c.deps.Scheduler.Every(c.cfg.Interval, func() {
		if err := c.Save(context.Background(), ReasonScheduled); err != nil {
			c.deps.Logger.Warn("scheduled checkpoint failed", "error", err)
		}
	})
	c.deps.Logger.Info("periodic checkpoints armed", "interval", c.cfg.Interval)
}

// PrepareForShutdown cancels the periodic timer and writes a final
// snapshot with the before_restart reason.
func (c *Checkpointer) PrepareForShutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.periodic != nil {
		c.deps.Scheduler.Cancel(c.periodic)
		c.periodic = nil
	}
	c.mu.Unlock()
	return c.Save(ctx, ReasonBeforeRestart)
}

// Save collects the current orchestrator state and writes it atomically.
// The previous snapshot, if any, is copied into backups/ first.
func (c *Checkpointer) Save(ctx context.Context, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	state, err := c.collect(reason)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.MkdirAll(c.cfg.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	c.rotateBackup(state.CheckpointedAt)
	if err := writeAtomic(c.cfg.Dir, c.path, data); err != nil {
		return err
	}

	c.deps.Metrics.RecordCheckpoint(reason)
	c.deps.Logger.Info("state checkpointed",
		"reason", reason,
		"tasks", len(state.Tasks),
		"conversations", len(state.Conversations),
		"path", c.path)
	return nil
}

// Load returns the last snapshot, nil when none exists. Older versions
// are migrated in place; the restart counter advances so the next save
// records this process as one restart later.
func (c *Checkpointer) Load() (*State, error) {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	migrate(&state, c.deps.Logger)

	c.mu.Lock()
	c.restarts = state.Metadata.RestartCount + 1
	c.mu.Unlock()
	return &state, nil
}

// TaskResume flags one task the restarted orchestrator should pick up.
type TaskResume struct {
	TaskID               string `json:"taskId"`
	Title                string `json:"title"`
	Status               string `json:"status"`
	ResumeFromCheckpoint bool   `json:"resumeFromCheckpoint"`
}

// ResumeInstructions tells a restarted orchestrator what to pick up.
type ResumeInstructions struct {
	Restart               int          `json:"restart"`
	TasksToResume         []TaskResume `json:"tasksToResume"`
	ConversationsToResume []string     `json:"conversationsToResume"`
	Notifications         []string     `json:"notifications"`
}

// ResumeInstructions derives what to pick up from a loaded snapshot:
// in-progress and paused tasks, conversations active within the last
// hour, and a warning when a self-improvement was mid-flight.
func (c *Checkpointer) ResumeInstructions(prev *State) *ResumeInstructions {
	if prev == nil {
		return nil
	}
	out := &ResumeInstructions{Restart: prev.Metadata.RestartCount + 1}

	for _, t := range prev.Tasks {
		if t == nil || (t.Status != db.TaskInProgress && t.Status != db.TaskPaused) {
			continue
		}
		out.TasksToResume = append(out.TasksToResume, TaskResume{
			TaskID:               t.ID,
			Title:                t.Title,
			Status:               t.Status,
			ResumeFromCheckpoint: t.Checkpoint != "",
		})
	}

	cutoff := c.deps.Clock.Now().Add(-resumeWindow)
	for _, conv := range prev.Conversations {
		if conv.LastActivity.After(cutoff) {
			out.ConversationsToResume = append(out.ConversationsToResume, conv.SessionRef)
		}
	}

	out.Notifications = append(out.Notifications, fmt.Sprintf(
		"Restart #%d: %d tasks to resume, %d recent conversations.",
		out.Restart, len(out.TasksToResume), len(out.ConversationsToResume)))
	if imp := prev.SelfImprovement; imp != nil && imp.Phase != "complete" {
		out.Notifications = append(out.Notifications, fmt.Sprintf(
			"A self-improvement (%s) was mid-flight in phase %s; the reconciler settles it before anything else runs.",
			imp.ID, imp.Phase))
	}
	return out
}

func (c *Checkpointer) collect(reason string) (*State, error) {
	now := c.deps.Clock.Now()
	hostname, _ := os.Hostname()

	c.mu.Lock()
	restarts := c.restarts
	c.mu.Unlock()

	state := &State{
		ID:               uuid.NewString(),
		Version:          Version,
		CheckpointedAt:   now,
		CheckpointReason: reason,
		Metadata: Metadata{
			Hostname:      hostname,
			PID:           os.Getpid(),
			StartedAt:     c.start,
			UptimeSeconds: int64(now.Sub(c.start).Seconds()),
			RestartCount:  restarts,
		},
	}

	if c.deps.Repo != nil {
		list, err := c.deps.Repo.List(db.TaskFilter{})
		if err != nil {
			return nil, fmt.Errorf("failed to collect tasks: %w", err)
		}
		state.Tasks = list
		state.Projects = projectsFromTasks(list)
	}
	if c.deps.Sessions != nil {
		for _, s := range c.deps.Sessions.Sessions() {
			state.Agents = append(state.Agents, AgentState{
				SessionRef:    s.SessionRef,
				State:         string(s.State),
				LastTrigger:   s.LastTrigger,
				LastAction:    s.LastAction,
				LastActionAt:  s.LastActionAt,
				EventsHandled: s.EventsHandled,
			})
		}
	}
	if c.deps.Conversations != nil {
		state.Conversations = c.deps.Conversations.Conversations()
		for i := range state.Conversations {
			state.Conversations[i].trim(c.cfg.MaxMessages)
		}
	}
	if c.deps.Improvement != nil {
		state.SelfImprovement = c.deps.Improvement.PendingImprovement()
	}
	return state, nil
}

// rotateBackup copies the current snapshot into backups/ before it gets
// overwritten, keeping the newest MaxBackups copies. Caller holds c.mu.
func (c *Checkpointer) rotateBackup(now time.Time) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return
	}
	dir := filepath.Join(c.cfg.Dir, "backups")
	if err := os.MkdirAll(dir, 0755); err != nil {
		c.deps.Logger.Warn("failed to create backup directory", "error", err)
		return
	}
	name := fmt.Sprintf("orchestrator-state-%s.json", now.UTC().Format("20060102-150405"))
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		c.deps.Logger.Warn("failed to write backup", "error", err)
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) <= c.cfg.MaxBackups {
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) <= c.cfg.MaxBackups {
		return
	}
	// Timestamped names sort chronologically.
	sort.Strings(names)
	for _, stale := range names[:len(names)-c.cfg.MaxBackups] {
		if err := os.Remove(filepath.Join(dir, stale)); err != nil {
			c.deps.Logger.Warn("failed to prune backup", "file", stale, "error", err)
		}
	}
}

func writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".orchestrator-state-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
