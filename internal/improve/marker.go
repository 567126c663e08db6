// Package improve lets the orchestrator rewrite its own source safely
// across restarts. A single persistent marker file carries every flow
// through plan, backup, apply, validation, and rollback; the startup
// reconciler settles whatever phase a crash left behind before any other
// subsystem runs.
package improve

import "time"

// Phase is a self-improvement's position in its lifecycle.
type Phase string

const (
	PhasePlanning       Phase = "planning"
	PhaseBackingUp      Phase = "backing_up"
	PhaseChangesApplied Phase = "changes_applied"
	PhaseValidating     Phase = "validating"
	PhaseRollingBack    Phase = "rolling_back"
	PhaseRolledBack     Phase = "rolled_back"
	PhaseComplete       Phase = "complete"
)

// Change types.
const (
	ChangeCreate = "create"
	ChangeModify = "modify"
	ChangeDelete = "delete"
)

// Risk levels.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// BackupFile records one target's pre-change copy. Existed false means
// the target was not there before the change; rollback removes it.
type BackupFile struct {
	OriginalPath string `json:"originalPath"`
	BackupPath   string `json:"backupPath,omitempty"`
	Checksum     string `json:"checksum,omitempty"`
	Existed      bool   `json:"existed"`
}

// Backup is the restore point captured before any mutation.
type Backup struct {
	GitCommit string       `json:"gitCommit,omitempty"`
	GitBranch string       `json:"gitBranch,omitempty"`
	Files     []BackupFile `json:"files"`
	CreatedAt time.Time    `json:"createdAt"`
}

// Change is one file mutation the improvement applies.
type Change struct {
	File        string `json:"file"`
	Type        string `json:"type"`
	Content     string `json:"content,omitempty"`
	Description string `json:"description,omitempty"`
	Applied     bool   `json:"applied"`
}

// ValidationResult is the outcome of one check command.
type ValidationResult struct {
	Check      string `json:"check"`
	Passed     bool   `json:"passed"`
	Output     string `json:"output,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// Validation tracks the check run, including results carried across a
// restart so a resumed run skips what already passed.
type Validation struct {
	Required    []string           `json:"required"`
	Results     []ValidationResult `json:"results"`
	StartedAt   *time.Time         `json:"startedAt,omitempty"`
	CompletedAt *time.Time         `json:"completedAt,omitempty"`
}

// Rollback records how the work tree was restored.
type Rollback struct {
	Reason        string     `json:"reason"`
	StartedAt     time.Time  `json:"startedAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	FilesRestored []string   `json:"filesRestored"`
	GitReset      bool       `json:"gitReset"`
}

// Slack threads the improvement's notifications.
type Slack struct {
	ChannelID string `json:"channelId,omitempty"`
	ThreadTS  string `json:"threadTs,omitempty"`
	UserID    string `json:"userId,omitempty"`
}

// Marker is the persisted record of one self-improvement flow. At most
// one marker in a non-complete phase exists at any time.
type Marker struct {
	ID              string      `json:"id"`
	Description     string      `json:"description"`
	Phase           Phase       `json:"phase"`
	RestartCount    int         `json:"restartCount"`
	RiskLevel       string      `json:"riskLevel"`
	RequiresRestart bool        `json:"requiresRestart"`
	TargetFiles     []string    `json:"targetFiles"`
	Backup          *Backup     `json:"backup,omitempty"`
	Changes         []Change    `json:"changes"`
	Validation      *Validation `json:"validation,omitempty"`
	Rollback        *Rollback   `json:"rollback,omitempty"`
	Slack           *Slack      `json:"slack,omitempty"`
	Error           string      `json:"error,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// PassedChecks maps check names that already have a passing result.
func (m *Marker) PassedChecks() map[string]bool {
	out := make(map[string]bool)
	if m.Validation == nil {
		return out
	}
	for _, r := range m.Validation.Results {
		if r.Passed {
			out[r.Check] = true
		}
	}
	return out
}
