package db

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Task statuses.
const (
	TaskOpen       = "open"
	TaskInProgress = "in_progress"
	TaskBlocked    = "blocked"
	TaskPaused     = "paused"
	TaskCompleted  = "completed"
)

// Task priorities.
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityMedium   = "medium"
	PriorityLow      = "low"
)

// PriorityRank maps a priority to its numeric weight for sorting.
func PriorityRank(p string) int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// Task is a unit of work dispatched to an agent session. Dependencies hold
// task IDs that must be completed before this task is eligible.
type Task struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	Status        string     `json:"status"`
	Priority      string     `json:"priority"`
	RequiredRole  string     `json:"required_role,omitempty"`
	TaskType      string     `json:"task_type,omitempty"`
	ProjectPath   string     `json:"project_path,omitempty"`
	Dependencies  []string   `json:"dependencies,omitempty"`
	Iterations    int        `json:"iterations"`
	MaxIterations int        `json:"max_iterations"`
	Checkpoint    string     `json:"checkpoint,omitempty"`
	Deadline      *time.Time `json:"deadline,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// GateSnapshot is the last recorded run of one quality gate for a task.
type GateSnapshot struct {
	Name       string    `json:"name"`
	Passed     bool      `json:"passed"`
	Required   bool      `json:"required"`
	DurationMs int64     `json:"duration_ms"`
	ExitCode   int       `json:"exit_code"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	RanAt      time.Time `json:"ran_at"`
}

// Binding ties a session to the task it is working on.
type Binding struct {
	SessionRef string    `json:"session_ref"`
	TaskID     string    `json:"task_id"`
	AgentID    string    `json:"agent_id"`
	BoundAt    time.Time `json:"bound_at"`
}

// Notification is a persisted record surfaced to owners and the dashboard.
type Notification struct {
	ID           int64     `json:"id"`
	Type         string    `json:"type"`
	SessionRef   string    `json:"session_ref,omitempty"`
	Reason       string    `json:"reason"`
	Analysis     string    `json:"analysis,omitempty"` // JSON blob of the triggering analysis
	Acknowledged bool      `json:"acknowledged"`
	CreatedAt    time.Time `json:"created_at"`
}

// Learning is a note recorded against a task, fed back into later prompts.
type Learning struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskFilter narrows ListTasks. Zero values mean "any".
type TaskFilter struct {
	Status      string
	ProjectPath string
	Role        string
	Limit       int
}

// Store is the persistence surface for tasks and their satellite records.
type Store interface {
	Close() error

	SaveTask(t *Task) error
	GetTask(id string) (*Task, error)
	ListTasks(f TaskFilter) ([]*Task, error)
	DeleteTask(id string) error

	BindSession(ref, taskID, agentID string) error
	Binding(ref string) (*Binding, error)
	BindingForTask(taskID string) (*Binding, error)
	UnbindSession(ref string) error

	SaveGateSnapshot(taskID string, s GateSnapshot) error
	GateSnapshots(taskID string) ([]GateSnapshot, error)

	SaveNotification(n *Notification) (int64, error)
	ListNotifications(onlyUnacked bool, limit int) ([]*Notification, error)
	AcknowledgeNotification(id int64) error

	AddLearning(taskID, content string) error
	Learnings(taskID string, limit int) ([]Learning, error)

	SetSignal(key, value string) error
	GetSignal(key string) (string, error)
	DeleteSignal(key string) error

	Cleanup() error
}
