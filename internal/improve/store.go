package improve

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	pendingFile = "pending.json"
	historyDir  = "history"

	// HistoryLimit bounds how many settled markers the history keeps.
	HistoryLimit = 20
)

// ErrMarkerConflict means a non-complete marker already exists.
var ErrMarkerConflict = errors.New("another self-improvement is already pending")

// Store owns the single pending marker file and the bounded history.
// Writes are atomic (temp file plus rename) and serialized; a reader
// always sees a complete file.
type Store struct {
	dir    string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewStore creates a marker store rooted at dir.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, logger: logger}
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) pendingPath() string { return filepath.Join(s.dir, pendingFile) }

// Pending returns the current marker, nil when none exists. An unreadable
// marker is an error; the reconciler decides what to do with it.
func (s *Store) Pending() (*Marker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readPending()
}

func (s *Store) readPending() (*Marker, error) {
	data, err := os.ReadFile(s.pendingPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read marker: %w", err)
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal marker: %w", err)
	}
	return &m, nil
}

// Create persists a new marker. A non-complete marker already on disk is
// a conflict.
func (s *Store) Create(m *Marker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.readPending()
	if err != nil {
		return err
	}
	if existing != nil && existing.Phase != PhaseComplete {
		return fmt.Errorf("%w: %s in phase %s", ErrMarkerConflict, existing.ID, existing.Phase)
	}
	return s.writePending(m)
}

// SavePending overwrites the marker, stamping UpdatedAt.
func (s *Store) SavePending(m *Marker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writePending(m)
}

func (s *Store) writePending(m *Marker) error {
	m.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal marker: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create marker directory: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".pending-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp marker: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write marker: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close marker: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.pendingPath()); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace marker: %w", err)
	}
	return nil
}

// DeletePending removes the marker file. Missing is not an error.
func (s *Store) DeletePending() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.pendingPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete marker: %w", err)
	}
	return nil
}

// QuarantinePending moves an unreadable marker aside so startup can
// proceed without destroying the evidence.
func (s *Store) QuarantinePending() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dst := filepath.Join(s.dir, fmt.Sprintf("pending.corrupt-%d.json", time.Now().Unix()))
	if err := os.Rename(s.pendingPath(), dst); err != nil {
		return "", fmt.Errorf("failed to quarantine marker: %w", err)
	}
	return dst, nil
}

// MoveToHistory writes the settled marker into history and removes the
// pending file. History keeps the newest HistoryLimit entries.
func (s *Store) MoveToHistory(m *Marker, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal marker: %w", err)
	}
	dir := filepath.Join(s.dir, historyDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}
	outcome := "failed"
	if success {
		outcome = "success"
	}
	name := fmt.Sprintf("%s-%s.json", m.ID, outcome)
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		return fmt.Errorf("failed to write history entry: %w", err)
	}

	// History first, then the pending file: a crash in between leaves a
	// stale complete marker the reconciler deletes on next startup.
	if err := os.Remove(s.pendingPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete marker: %w", err)
	}

	s.pruneHistory(dir)
	return nil
}

// History returns settled markers, newest first, up to limit (0 means all
// retained entries).
func (s *Store) History(limit int) ([]*Marker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.dir, historyDir)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	sorted := sortByModTime(entries)
	var out []*Marker
	for i := len(sorted) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		data, err := os.ReadFile(filepath.Join(dir, sorted[i].name))
		if err != nil {
			s.logger.Warn("unreadable history entry", "file", sorted[i].name, "error", err)
			continue
		}
		var m Marker
		if err := json.Unmarshal(data, &m); err != nil {
			s.logger.Warn("corrupt history entry", "file", sorted[i].name, "error", err)
			continue
		}
		out = append(out, &m)
	}
	return out, nil
}

func (s *Store) pruneHistory(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	sorted := sortByModTime(entries)
	if len(sorted) <= HistoryLimit {
		return
	}
	for _, e := range sorted[:len(sorted)-HistoryLimit] {
		if err := os.Remove(filepath.Join(dir, e.name)); err != nil {
			s.logger.Warn("failed to prune history entry", "file", e.name, "error", err)
		}
	}
}

type dirEntry struct {
	name string
	mod  time.Time
}

// sortByModTime orders files oldest first. Marker IDs are random, so the
// file clock is the only ordering history has.
func sortByModTime(entries []os.DirEntry) []dirEntry {
	out := make([]dirEntry, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, dirEntry{name: e.Name(), mod: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].mod.Equal(out[j].mod) {
			return out[i].name < out[j].name
		}
		return out[i].mod.Before(out[j].mod)
	})
	return out
}
