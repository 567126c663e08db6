package improve

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"crewly/internal/config"
	"crewly/internal/git"
	"crewly/internal/metrics"
	"crewly/internal/notify"
	"crewly/internal/sched"
)

// ErrNoPending means no self-improvement is in flight.
var ErrNoPending = errors.New("no pending self-improvement")

// ErrValidationFailed marks outcomes caused by a failed validation check.
// Validation verdicts live in the marker; callers wrap this when a
// failure has to surface as an error.
var ErrValidationFailed = errors.New("validation failed")

const notifyTimeout = 10 * time.Second

// Check is one validation command.
type Check struct {
	Name     string
	Command  string
	Timeout  time.Duration
	Required bool
}

// DefaultChecks gate an improvement on the toolchain's own verdicts.
func DefaultChecks() []Check {
	return []Check{
		{Name: "build", Command: "go build ./...", Required: true},
		{Name: "vet", Command: "go vet ./...", Required: true},
		{Name: "test", Command: "go test ./...", Required: true},
	}
}

// Config holds the improve.* settings.
type Config struct {
	Dir          string // marker, backups, and history root
	WorkDir      string // tree the changes target
	MaxRestarts  int
	Checks       []Check
	CheckTimeout time.Duration
}

// ConfigFromViper reads the improve.* settings.
func ConfigFromViper() Config {
	return Config{
		Dir:          filepath.Join(config.HomeDir(), "self-improvement"),
		WorkDir:      ".",
		MaxRestarts:  viper.GetInt("improve.max_restarts"),
		CheckTimeout: viper.GetDuration("improve.validation_timeout"),
	}
}

// Deps are the driver's collaborators. Git, Runner, Notifier, and Metrics
// may be nil; the flow then skips what they would do.
type Deps struct {
	Store    *Store
	Git      git.IClient
	Runner   CheckRunner
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	Clock    sched.Clock
	Logger   *slog.Logger
}

// Driver runs the self-improvement flow against the marker store.
type Driver struct {
	cfg      Config
	store    *Store
	git      git.IClient
	runner   CheckRunner
	notifier notify.Notifier
	metrics  *metrics.Metrics
	clock    sched.Clock
	logger   *slog.Logger
}

// New wires a driver with defaults for anything left nil.
func New(cfg Config, deps Deps) *Driver {
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(config.HomeDir(), "self-improvement")
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "."
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = 3
	}
	if len(cfg.Checks) == 0 {
		cfg.Checks = DefaultChecks()
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 120 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Store == nil {
		deps.Store = NewStore(cfg.Dir, deps.Logger)
	}
	if deps.Runner == nil {
		deps.Runner = newExecRunner(cfg.WorkDir)
	}
	if deps.Clock == nil {
		deps.Clock = sched.NewRealClock()
	}
	return &Driver{
		cfg:      cfg,
		store:    deps.Store,
		git:      deps.Git,
		runner:   deps.Runner,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		clock:    deps.Clock,
		logger:   deps.Logger,
	}
}

// Store exposes the marker store for checkpoint and API wiring.
func (d *Driver) Store() *Store { return d.store }

// ChangeRequest is one proposed file mutation.
type ChangeRequest struct {
	File        string `json:"file"`
	Type        string `json:"type"`
	Content     string `json:"content,omitempty"`
	Description string `json:"description,omitempty"`
}

// PlanRequest describes a proposed improvement.
type PlanRequest struct {
	Description string          `json:"description"`
	TargetFiles []string        `json:"targetFiles,omitempty"`
	Changes     []ChangeRequest `json:"changes"`
	Slack       *Slack          `json:"slack,omitempty"`
}

// Plan creates a marker in the planning phase. Risk and restart need are
// graded from the target paths; no files are touched.
func (d *Driver) Plan(req PlanRequest) (*Marker, error) {
	if strings.TrimSpace(req.Description) == "" {
		return nil, errors.New("improvement needs a description")
	}
	if len(req.Changes) == 0 {
		return nil, errors.New("improvement needs at least one change")
	}
	seen := make(map[string]bool)
	changes := make([]Change, 0, len(req.Changes))
	for _, cr := range req.Changes {
		if cr.File == "" {
			return nil, errors.New("change without a file")
		}
		if seen[cr.File] {
			return nil, fmt.Errorf("duplicate change for %s", cr.File)
		}
		seen[cr.File] = true
		switch cr.Type {
		case ChangeCreate, ChangeModify:
			if cr.Type == ChangeCreate && cr.Content == "" {
				return nil, fmt.Errorf("create change for %s has no content", cr.File)
			}
		case ChangeDelete:
		default:
			return nil, fmt.Errorf("unknown change type %q for %s", cr.Type, cr.File)
		}
		changes = append(changes, Change{
			File:        cr.File,
			Type:        cr.Type,
			Content:     cr.Content,
			Description: cr.Description,
		})
	}

	targets := targetsOf(req.TargetFiles, changes)
	now := d.clock.Now()
	m := &Marker{
		ID:              uuid.NewString(),
		Description:     req.Description,
		Phase:           PhasePlanning,
		RestartCount:    0,
		RiskLevel:       classifyRisk(targets),
		RequiresRestart: needsRestart(targets),
		TargetFiles:     targets,
		Changes:         changes,
		Validation:      &Validation{Required: d.requiredCheckNames()},
		Slack:           req.Slack,
		CreatedAt:       now,
	}
	if err := d.store.Create(m); err != nil {
		return nil, err
	}
	d.metrics.RecordImprovementPhase(string(PhasePlanning))
	d.logger.Info("improvement planned",
		"id", m.ID, "risk", m.RiskLevel, "requiresRestart", m.RequiresRestart,
		"targets", len(m.TargetFiles))
	d.notifyPhase(m, fmt.Sprintf("Self-improvement %s planned (%s risk, %d files): %s",
		m.ID, m.RiskLevel, len(m.TargetFiles), m.Description))
	return m, nil
}

// Execute backs up every target, then applies the changes. The backup is
// persisted strictly before the first mutation. Validation does not run
// here; the process is expected to restart and the reconciler validates.
func (d *Driver) Execute(ctx context.Context) (*Marker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := d.store.Pending()
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrNoPending
	}
	if m.Phase != PhasePlanning {
		return nil, fmt.Errorf("cannot execute from phase %s", m.Phase)
	}

	d.setPhase(m, PhaseBackingUp)
	if err := d.store.SavePending(m); err != nil {
		return nil, err
	}

	backup := &Backup{CreatedAt: d.clock.Now()}
	if d.git != nil && d.git.RepoExists(d.cfg.WorkDir) {
		if sha, err := d.git.CurrentCommitSHA(d.cfg.WorkDir); err == nil {
			backup.GitCommit = sha
		} else {
			d.logger.Warn("no git commit for backup", "error", err)
		}
		if branch, err := d.git.CurrentBranch(d.cfg.WorkDir); err == nil {
			backup.GitBranch = branch
		}
	}

	backupDir := filepath.Join(d.cfg.Dir, "backups", m.ID)
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	for _, target := range m.TargetFiles {
		bf, err := d.backupOne(backupDir, target)
		if err != nil {
			return nil, err
		}
		backup.Files = append(backup.Files, bf)
	}

	// The restore point must be durable before the first mutation.
	m.Backup = backup
	if err := d.store.SavePending(m); err != nil {
		return nil, err
	}

	for i := range m.Changes {
		if err := d.applyChange(&m.Changes[i]); err != nil {
			m.Error = fmt.Sprintf("apply %s: %v", m.Changes[i].File, err)
			_ = d.store.SavePending(m)
			d.logger.Error("change application failed, rolling back",
				"id", m.ID, "file", m.Changes[i].File, "error", err)
			if rbErr := d.rollback(m, m.Error); rbErr != nil {
				return m, fmt.Errorf("%s (rollback also failed: %v)", m.Error, rbErr)
			}
			return m, errors.New(m.Error)
		}
		m.Changes[i].Applied = true
		if err := d.store.SavePending(m); err != nil {
			return m, err
		}
	}

	d.setPhase(m, PhaseChangesApplied)
	if err := d.store.SavePending(m); err != nil {
		return m, err
	}
	restart := "no restart needed"
	if m.RequiresRestart {
		restart = "waiting for restart"
	}
	d.notifyPhase(m, fmt.Sprintf("Self-improvement %s applied %d changes; validation runs on next startup (%s).",
		m.ID, len(m.Changes), restart))
	return m, nil
}

// Cancel abandons a planned improvement. Anything past planning has a
// restore point and must settle through the reconciler instead.
func (d *Driver) Cancel(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m, err := d.store.Pending()
	if err != nil {
		return err
	}
	if m == nil {
		return ErrNoPending
	}
	if m.Phase != PhasePlanning {
		return fmt.Errorf("cannot cancel from phase %s", m.Phase)
	}
	if err := d.store.DeletePending(); err != nil {
		return err
	}
	d.logger.Info("improvement cancelled", "id", m.ID)
	d.notifyPhase(m, fmt.Sprintf("Self-improvement %s cancelled before execution.", m.ID))
	return nil
}

// Status returns the pending marker, nil when idle.
func (d *Driver) Status() (*Marker, error) {
	return d.store.Pending()
}

// History lists settled improvements, newest first.
func (d *Driver) History(limit int) ([]*Marker, error) {
	return d.store.History(limit)
}

func (d *Driver) requiredCheckNames() []string {
	var names []string
	for _, c := range d.cfg.Checks {
		if c.Required {
			names = append(names, c.Name)
		}
	}
	return names
}

func (d *Driver) backupOne(backupDir, target string) (BackupFile, error) {
	bf := BackupFile{OriginalPath: target}
	src, err := d.targetPath(target)
	if err != nil {
		return bf, err
	}
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return bf, nil
	} else if err != nil {
		return bf, fmt.Errorf("failed to stat %s: %w", target, err)
	}

	dst := filepath.Join(backupDir, filepath.FromSlash(target))
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return bf, fmt.Errorf("failed to create backup path: %w", err)
	}
	sum, err := copyFile(src, dst)
	if err != nil {
		return bf, fmt.Errorf("failed to back up %s: %w", target, err)
	}
	bf.BackupPath = dst
	bf.Checksum = sum
	bf.Existed = true
	return bf, nil
}

func (d *Driver) applyChange(c *Change) error {
	path, err := d.targetPath(c.File)
	if err != nil {
		return err
	}
	switch c.Type {
	case ChangeCreate, ChangeModify:
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		return os.WriteFile(path, []byte(c.Content), 0644)
	case ChangeDelete:
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	default:
		return fmt.Errorf("unknown change type %q", c.Type)
	}
}

// targetPath resolves a marker-relative file inside the work tree.
// Absolute paths and paths escaping the tree are rejected.
func (d *Driver) targetPath(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("target %s is absolute", rel)
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("target %s escapes the work tree", rel)
	}
	return filepath.Join(d.cfg.WorkDir, clean), nil
}

func (d *Driver) setPhase(m *Marker, phase Phase) {
	m.Phase = phase
	d.metrics.RecordImprovementPhase(string(phase))
	d.logger.Info("improvement phase", "id", m.ID, "phase", phase)
}

func (d *Driver) notifyPhase(m *Marker, message string) {
	if d.notifier == nil {
		return
	}
	threadTS := ""
	if m.Slack != nil {
		threadTS = m.Slack.ThreadTS
	}
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	ts, err := d.notifier.Notify(ctx, notify.EventImprovement, message, threadTS)
	if err != nil {
		d.logger.Warn("improvement notification failed", "id", m.ID, "error", err)
		return
	}
	// First message opens the thread the rest of the flow replies to.
	if m.Slack == nil {
		m.Slack = &Slack{}
	}
	if m.Slack.ThreadTS == "" && ts != "" {
		m.Slack.ThreadTS = ts
	}
}

func (d *Driver) completeSuccess(m *Marker) error {
	d.setPhase(m, PhaseComplete)
	if err := d.store.MoveToHistory(m, true); err != nil {
		return err
	}
	d.notifyPhase(m, fmt.Sprintf("Self-improvement %s validated and completed.", m.ID))
	return nil
}

func (d *Driver) completeFailure(m *Marker, reason string) error {
	if m.Error == "" {
		m.Error = reason
	}
	d.setPhase(m, PhaseComplete)
	if err := d.store.MoveToHistory(m, false); err != nil {
		return err
	}
	d.notifyPhase(m, fmt.Sprintf("Self-improvement %s failed and was rolled back: %s", m.ID, reason))
	return nil
}

func targetsOf(explicit []string, changes []Change) []string {
	seen := make(map[string]bool)
	for _, t := range explicit {
		seen[t] = true
	}
	for _, c := range changes {
		seen[c.File] = true
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// copyFile copies src to dst and returns the content's sha256.
func copyFile(src, dst string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	defer out.Close()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, h), in); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
