package checkpoint

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"crewly/internal/db"
)

// Version marks the current snapshot schema.
const Version = "2"

// Checkpoint reasons.
const (
	ReasonScheduled       = "scheduled"
	ReasonBeforeRestart   = "before_restart"
	ReasonTaskCompleted   = "task_completed"
	ReasonUserRequest     = "user_request"
	ReasonSelfImprovement = "self_improvement"
	ReasonErrorRecovery   = "error_recovery"
)

// MaxPersistedMessages caps how much of a conversation a snapshot keeps
// unless configured otherwise.
const MaxPersistedMessages = 50

// Message is one turn of a persisted conversation.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is a session's recent exchange with its agent. Older turns
// are trimmed on save; Summary stands in for what was cut.
type Conversation struct {
	SessionRef   string    `json:"sessionRef"`
	AgentID      string    `json:"agentId,omitempty"`
	Messages     []Message `json:"messages"`
	Summary      string    `json:"summary,omitempty"`
	LastActivity time.Time `json:"lastActivity"`
}

// AgentState is the continuation registry's view of one session at
// checkpoint time.
type AgentState struct {
	SessionRef    string    `json:"sessionRef"`
	State         string    `json:"state"`
	LastTrigger   string    `json:"lastTrigger,omitempty"`
	LastAction    string    `json:"lastAction,omitempty"`
	LastActionAt  time.Time `json:"lastActionAt"`
	EventsHandled int       `json:"eventsHandled"`
}

// Improvement records a self-improvement that was pending when the
// snapshot was taken.
type Improvement struct {
	ID           string `json:"id"`
	Phase        string `json:"phase"`
	Description  string `json:"description,omitempty"`
	RestartCount int    `json:"restartCount"`
}

// Metadata identifies the process that wrote the snapshot.
type Metadata struct {
	Hostname      string    `json:"hostname"`
	PID           int       `json:"pid"`
	StartedAt     time.Time `json:"startedAt"`
	UptimeSeconds int64     `json:"uptimeSeconds"`
	RestartCount  int       `json:"restartCount"`
}

// State is the on-disk orchestrator snapshot.
type State struct {
	ID               string         `json:"id"`
	Version          string         `json:"version"`
	CheckpointedAt   time.Time      `json:"checkpointedAt"`
	CheckpointReason string         `json:"checkpointReason"`
	Conversations    []Conversation `json:"conversations"`
	Tasks            []*db.Task     `json:"tasks"`
	Agents           []AgentState   `json:"agents"`
	Projects         []string       `json:"projects"`
	SelfImprovement  *Improvement   `json:"selfImprovement,omitempty"`
	Metadata         Metadata       `json:"metadata"`
}

// trim drops all but the last max messages and notes the cut in Summary
// when the conversation had none.
func (c *Conversation) trim(max int) {
	if max <= 0 || len(c.Messages) <= max {
		return
	}
	cut := len(c.Messages) - max
	c.Messages = append([]Message(nil), c.Messages[cut:]...)
	if c.Summary == "" {
		c.Summary = fmt.Sprintf("%d earlier messages trimmed", cut)
	}
}

// migrate upgrades older snapshots in place. Unknown versions load
// best-effort so a downgrade never strands the state file.
func migrate(s *State, logger *slog.Logger) {
	switch s.Version {
	case Version:
	case "1":
		// v1 predates the projects list; derive it from the tasks.
		if len(s.Projects) == 0 {
			s.Projects = projectsFromTasks(s.Tasks)
		}
		s.Version = Version
	default:
		logger.Warn("unknown state version, loading best-effort",
			"version", s.Version, "current", Version)
	}
}

func projectsFromTasks(list []*db.Task) []string {
	seen := make(map[string]struct{})
	for _, t := range list {
		if t != nil && t.ProjectPath != "" {
			seen[t.ProjectPath] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
