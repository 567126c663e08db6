package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

// State is the on-disk record of one managed session.
type State struct {
	Ref       string    `json:"ref"`
	AgentID   string    `json:"agent_id"`
	Role      string    `json:"role"`
	PID       int       `json:"pid"`
	StartTime time.Time `json:"start_time"`
	Command   []string  `json:"command"`
	LogFile   string    `json:"log_file"`
	InputFile string    `json:"input_file"`
	Workspace string    `json:"workspace"`
	Status    string    `json:"status"` // "running", "completed", "stopped", "error"
}

// Manager runs agent sessions as detached subprocesses. Each session gets a
// JSON state file, a transcript log, and an input file the agent tails for
// injected prompts. It implements Port and RuntimeManager.
type Manager struct {
	sessionsDir string
	idleWindow  time.Duration
}

// NewManager creates a manager storing session state under dir.
func NewManager(dir string, idleWindow time.Duration) (*Manager, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}
	if idleWindow <= 0 {
		idleWindow = 90 * time.Second
	}
	return &Manager{sessionsDir: dir, idleWindow: idleWindow}, nil
}

// StatePath returns the path to a session state file.
func (m *Manager) StatePath(ref string) string {
	return filepath.Join(m.sessionsDir, ref+".json")
}

// Start launches a detached session and records its state. An already
// running session with the same ref is an error; a dead one is replaced.
func (m *Manager) Start(ref, agentID, role string, command []string, workspace string) (*State, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("empty command for session %q", ref)
	}

	statePath := m.StatePath(ref)
	if _, err := os.Stat(statePath); err == nil {
		existing, err := m.Load(ref)
		if err == nil && isProcessRunning(existing.PID) {
			return nil, fmt.Errorf("session '%s' is already running (PID: %d)", ref, existing.PID)
		}
		// Cleanup dead session file
		os.Remove(statePath)
		os.Remove(filepath.Join(m.sessionsDir, ref+".log"))
		os.Remove(filepath.Join(m.sessionsDir, ref+".in"))
	}

	logFile := filepath.Join(m.sessionsDir, ref+".log")
	// O_EXCL prevents clobbering a live transcript through a TOCTOU race
	logFd, err := os.OpenFile(logFile, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}
	defer logFd.Close()

	inputFile := filepath.Join(m.sessionsDir, ref+".in")
	if err := os.WriteFile(inputFile, nil, 0600); err != nil {
		return nil, fmt.Errorf("failed to create input file: %w", err)
	}

	pid, err := spawn(command, workspace, logFd, inputFile)
	if err != nil {
		return nil, err
	}

	state := &State{
		Ref:       ref,
		AgentID:   agentID,
		Role:      role,
		PID:       pid,
		StartTime: time.Now(),
		Command:   command,
		LogFile:   logFile,
		InputFile: inputFile,
		Workspace: workspace,
		Status:    "running",
	}

	if err := m.Save(state); err != nil {
		if p, ferr := os.FindProcess(pid); ferr == nil {
			p.Kill()
		}
		return nil, fmt.Errorf("failed to save session state: %w", err)
	}

	return state, nil
}

func spawn(command []string, workspace string, logFd *os.File, inputFile string) (int, error) {
	execPath := command[0]
	if !filepath.IsAbs(execPath) {
		if found, err := exec.LookPath(execPath); err == nil {
			execPath = found
		} else if abs, err := filepath.Abs(execPath); err == nil {
			execPath = abs
		}
	}
	if resolved, err := filepath.EvalSymlinks(execPath); err == nil {
		execPath = resolved
	}
	if stat, err := os.Stat(execPath); err != nil {
		return 0, fmt.Errorf("executable not found at %s: %w", execPath, err)
	} else if stat.Mode()&0111 == 0 {
		return 0, fmt.Errorf("executable %s is not executable", execPath)
	}

	cmd := exec.Command(execPath, command[1:]...)
	cmd.Stdout = logFd
	cmd.Stderr = logFd
	cmd.Dir = workspace
	cmd.Env = append(os.Environ(), "CREWLY_SESSION_INPUT="+inputFile)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start process: %w", err)
	}
	pid := cmd.Process.Pid
	// Reap the child when it exits so it never lingers as a zombie
	go cmd.Wait()
	return pid, nil
}

// Load reads a session state from disk.
func (m *Manager) Load(ref string) (*State, error) {
	data, err := os.ReadFile(m.StatePath(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, ref)
		}
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse session file: %w", err)
	}
	return &state, nil
}

// Save writes a session state to disk.
func (m *Manager) Save(state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := os.WriteFile(m.StatePath(state.Ref), data, 0600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	return nil
}

// List returns all sessions, refreshing the status of ones whose process
// has exited.
func (m *Manager) List() ([]*State, error) {
	entries, err := os.ReadDir(m.sessionsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	var sessions []*State
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		ref := entry.Name()[:len(entry.Name())-5]
		state, err := m.Load(ref)
		if err != nil {
			continue // skip invalid session files
		}
		if state.Status == "running" && !isProcessRunning(state.PID) {
			state.Status = "completed"
			m.Save(state)
		}
		sessions = append(sessions, state)
	}
	return sessions, nil
}

// Stop terminates a running session, first with SIGTERM then SIGKILL.
func (m *Manager) Stop(ref string) error {
	state, err := m.Load(ref)
	if err != nil {
		return err
	}

	if state.Status != "running" {
		return fmt.Errorf("session '%s' is not running (status: %s)", ref, state.Status)
	}
	if !isProcessRunning(state.PID) {
		state.Status = "completed"
		m.Save(state)
		return fmt.Errorf("%w: %s (process not found)", ErrSessionDead, ref)
	}

	process, err := os.FindProcess(state.PID)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}
	if err := process.Signal(os.Interrupt); err != nil {
		return fmt.Errorf("failed to send signal: %w", err)
	}

	time.Sleep(2 * time.Second)
	if isProcessRunning(state.PID) {
		if err := process.Kill(); err != nil {
			return fmt.Errorf("failed to kill process: %w", err)
		}
	}

	state.Status = "stopped"
	return m.Save(state)
}

// WriteInput appends data to the session's input file. The agent process
// tails this file for injected prompts.
func (m *Manager) WriteInput(ctx context.Context, ref string, data []byte) error {
	state, err := m.Load(ref)
	if err != nil {
		return err
	}
	if !isProcessRunning(state.PID) {
		return fmt.Errorf("%w: %s", ErrSessionDead, ref)
	}

	f, err := os.OpenFile(state.InputFile, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteRejected, err)
	}
	defer f.Close()

	if len(data) == 0 || data[len(data)-1] != '\n' {
		data = append(data, '\n')
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteRejected, err)
	}
	return nil
}

// CaptureOutput reads transcript bytes after cursor. A cursor past EOF
// (transcript truncated or replaced) restarts from the beginning.
func (m *Manager) CaptureOutput(ctx context.Context, ref string, cursor Cursor) ([]byte, Cursor, error) {
	state, err := m.Load(ref)
	if err != nil {
		return nil, cursor, err
	}

	f, err := os.Open(state.LogFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, cursor, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, cursor, err
	}
	offset := int64(cursor)
	if offset > info.Size() {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, cursor, err
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, cursor, err
	}
	return data, Cursor(offset + int64(len(data))), nil
}

// IsAlive reports whether the session's process is running.
func (m *Manager) IsAlive(ctx context.Context, ref string) bool {
	state, err := m.Load(ref)
	if err != nil {
		return false
	}
	return isProcessRunning(state.PID)
}

// IsAssistantIdle reports idleness by transcript growth: a session whose
// log has not changed within the idle window is considered idle.
func (m *Manager) IsAssistantIdle(ctx context.Context, ref string) (bool, error) {
	state, err := m.Load(ref)
	if err != nil {
		return false, err
	}
	if !isProcessRunning(state.PID) {
		return false, fmt.Errorf("%w: %s", ErrSessionDead, ref)
	}

	info, err := os.Stat(state.LogFile)
	if err != nil {
		return false, fmt.Errorf("failed to stat transcript: %w", err)
	}
	return time.Since(info.ModTime()) >= m.idleWindow, nil
}

// EnsureRunning respawns the session's recorded command if the process has
// died. The transcript is appended to, not replaced, so capture cursors
// remain valid.
func (m *Manager) EnsureRunning(ctx context.Context, ref string) error {
	state, err := m.Load(ref)
	if err != nil {
		return err
	}
	if isProcessRunning(state.PID) {
		return nil
	}

	logFd, err := os.OpenFile(state.LogFile, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFd.Close()

	pid, err := spawn(state.Command, state.Workspace, logFd, state.InputFile)
	if err != nil {
		return fmt.Errorf("failed to respawn session '%s': %w", ref, err)
	}

	state.PID = pid
	state.Status = "running"
	state.StartTime = time.Now()
	return m.Save(state)
}

// isProcessRunning checks liveness with signal 0.
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(os.Signal(syscall.Signal(0)))
	return err == nil
}
