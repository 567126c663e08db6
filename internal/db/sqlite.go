package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store and applies migrations
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite allows one writer; serializing through a single connection
	// avoids SQLITE_BUSY under concurrent task updates.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'open',
			priority TEXT NOT NULL DEFAULT 'medium',
			required_role TEXT NOT NULL DEFAULT '',
			task_type TEXT NOT NULL DEFAULT '',
			project_path TEXT NOT NULL DEFAULT '',
			dependencies TEXT NOT NULL DEFAULT '[]',
			iterations INTEGER NOT NULL DEFAULT 0,
			max_iterations INTEGER NOT NULL DEFAULT 0,
			checkpoint TEXT NOT NULL DEFAULT '',
			deadline DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			completed_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS bindings (
			session_ref TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			bound_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS gate_snapshots (
			task_id TEXT NOT NULL,
			name TEXT NOT NULL,
			passed INTEGER NOT NULL,
			required INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			exit_code INTEGER NOT NULL DEFAULT 0,
			output TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			ran_at DATETIME NOT NULL,
			PRIMARY KEY (task_id, name)
		);`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			session_ref TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			analysis TEXT NOT NULL DEFAULT '',
			acknowledged INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS learnings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS signals (
			key TEXT PRIMARY KEY,
			value TEXT,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
		`CREATE INDEX IF NOT EXISTS idx_learnings_task ON learnings(task_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_unacked ON notifications(acknowledged, created_at DESC);`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveTask inserts or replaces a task row.
func (s *SQLiteStore) SaveTask(t *Task) error {
	deps, err := json.Marshal(t.Dependencies)
	if err != nil {
		return fmt.Errorf("failed to marshal dependencies: %w", err)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.UpdatedAt = time.Now().UTC()

	query := `INSERT INTO tasks (id, title, description, status, priority, required_role, task_type, project_path,
			dependencies, iterations, max_iterations, checkpoint, deadline, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title, description = excluded.description, status = excluded.status,
			priority = excluded.priority, required_role = excluded.required_role, task_type = excluded.task_type,
			project_path = excluded.project_path, dependencies = excluded.dependencies,
			iterations = excluded.iterations, max_iterations = excluded.max_iterations,
			checkpoint = excluded.checkpoint, deadline = excluded.deadline,
			updated_at = excluded.updated_at, completed_at = excluded.completed_at`
	_, err = s.db.Exec(query, t.ID, t.Title, t.Description, t.Status, t.Priority, t.RequiredRole, t.TaskType,
		t.ProjectPath, string(deps), t.Iterations, t.MaxIterations, t.Checkpoint, t.Deadline,
		t.CreatedAt, t.UpdatedAt, t.CompletedAt)
	return err
}

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var deps string
	var deadline, completedAt sql.NullTime
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Status, &t.Priority, &t.RequiredRole, &t.TaskType,
		&t.ProjectPath, &deps, &t.Iterations, &t.MaxIterations, &t.Checkpoint, &deadline,
		&t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(deps), &t.Dependencies); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dependencies: %w", err)
	}
	if deadline.Valid {
		t.Deadline = &deadline.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

const taskColumns = `id, title, description, status, priority, required_role, task_type, project_path,
	dependencies, iterations, max_iterations, checkpoint, deadline, created_at, updated_at, completed_at`

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	return t, err
}

// ListTasks retrieves tasks matching the filter, newest filters first by
// creation time ascending so queue ordering is stable.
func (s *SQLiteStore) ListTasks(f TaskFilter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.ProjectPath != "" {
		query += ` AND project_path = ?`
		args = append(args, f.ProjectPath)
	}
	if f.Role != "" {
		query += ` AND (required_role = ? OR required_role = '')`
		args = append(args, f.Role)
	}
	query += ` ORDER BY created_at ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// DeleteTask removes a task and its satellite rows.
func (s *SQLiteStore) DeleteTask(id string) error {
	if _, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return err
	}
	_, _ = s.db.Exec(`DELETE FROM gate_snapshots WHERE task_id = ?`, id)
	_, _ = s.db.Exec(`DELETE FROM learnings WHERE task_id = ?`, id)
	_, _ = s.db.Exec(`DELETE FROM bindings WHERE task_id = ?`, id)
	return nil
}

// BindSession records that a session is working on a task.
func (s *SQLiteStore) BindSession(ref, taskID, agentID string) error {
	query := `INSERT INTO bindings (session_ref, task_id, agent_id, bound_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (session_ref) DO UPDATE SET task_id = excluded.task_id, agent_id = excluded.agent_id, bound_at = excluded.bound_at`
	_, err := s.db.Exec(query, ref, taskID, agentID, time.Now().UTC())
	return err
}

// Binding returns the binding for a session.
func (s *SQLiteStore) Binding(ref string) (*Binding, error) {
	row := s.db.QueryRow(`SELECT session_ref, task_id, agent_id, bound_at FROM bindings WHERE session_ref = ?`, ref)
	var b Binding
	err := row.Scan(&b.SessionRef, &b.TaskID, &b.AgentID, &b.BoundAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: binding for %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// BindingForTask returns the binding pointing at a task, if any.
func (s *SQLiteStore) BindingForTask(taskID string) (*Binding, error) {
	row := s.db.QueryRow(`SELECT session_ref, task_id, agent_id, bound_at FROM bindings WHERE task_id = ?`, taskID)
	var b Binding
	err := row.Scan(&b.SessionRef, &b.TaskID, &b.AgentID, &b.BoundAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: binding for task %s", ErrNotFound, taskID)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// UnbindSession removes a session's binding.
func (s *SQLiteStore) UnbindSession(ref string) error {
	_, err := s.db.Exec(`DELETE FROM bindings WHERE session_ref = ?`, ref)
	return err
}

// SaveGateSnapshot records the last run of one gate for a task.
func (s *SQLiteStore) SaveGateSnapshot(taskID string, snap GateSnapshot) error {
	query := `INSERT INTO gate_snapshots (task_id, name, passed, required, duration_ms, exit_code, output, error, ran_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (task_id, name) DO UPDATE SET
			passed = excluded.passed, required = excluded.required, duration_ms = excluded.duration_ms,
			exit_code = excluded.exit_code, output = excluded.output, error = excluded.error, ran_at = excluded.ran_at`
	_, err := s.db.Exec(query, taskID, snap.Name, snap.Passed, snap.Required, snap.DurationMs,
		snap.ExitCode, snap.Output, snap.Error, snap.RanAt)
	return err
}

// GateSnapshots returns the last recorded run of every gate for a task.
func (s *SQLiteStore) GateSnapshots(taskID string) ([]GateSnapshot, error) {
	rows, err := s.db.Query(`SELECT name, passed, required, duration_ms, exit_code, output, error, ran_at
		FROM gate_snapshots WHERE task_id = ? ORDER BY name`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []GateSnapshot
	for rows.Next() {
		var g GateSnapshot
		if err := rows.Scan(&g.Name, &g.Passed, &g.Required, &g.DurationMs, &g.ExitCode, &g.Output, &g.Error, &g.RanAt); err != nil {
			return nil, err
		}
		snaps = append(snaps, g)
	}
	return snaps, rows.Err()
}

// SaveNotification persists a notification and returns its ID.
func (s *SQLiteStore) SaveNotification(n *Notification) (int64, error) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.Exec(`INSERT INTO notifications (type, session_ref, reason, analysis, acknowledged, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, n.Type, n.SessionRef, n.Reason, n.Analysis, n.Acknowledged, n.CreatedAt)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	n.ID = id
	return id, nil
}

// ListNotifications returns notifications, newest first.
func (s *SQLiteStore) ListNotifications(onlyUnacked bool, limit int) ([]*Notification, error) {
	query := `SELECT id, type, session_ref, reason, analysis, acknowledged, created_at FROM notifications`
	if onlyUnacked {
		query += ` WHERE acknowledged = 0`
	}
	query += ` ORDER BY created_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.Type, &n.SessionRef, &n.Reason, &n.Analysis, &n.Acknowledged, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

// AcknowledgeNotification marks a notification as seen.
func (s *SQLiteStore) AcknowledgeNotification(id int64) error {
	res, err := s.db.Exec(`UPDATE notifications SET acknowledged = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: notification %d", ErrNotFound, id)
	}
	return nil
}

// AddLearning records a note against a task.
func (s *SQLiteStore) AddLearning(taskID, content string) error {
	_, err := s.db.Exec(`INSERT INTO learnings (task_id, content, created_at) VALUES (?, ?, ?)`,
		taskID, content, time.Now().UTC())
	return err
}

// Learnings returns the most recent notes for a task.
func (s *SQLiteStore) Learnings(taskID string, limit int) ([]Learning, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(`SELECT id, task_id, content, created_at FROM learnings
		WHERE task_id = ? ORDER BY created_at DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Learning
	for rows.Next() {
		var l Learning
		if err := rows.Scan(&l.ID, &l.TaskID, &l.Content, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// SetSignal sets a signal key-value pair
func (s *SQLiteStore) SetSignal(key, value string) error {
	query := `INSERT INTO signals (key, value, created_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, created_at = excluded.created_at`
	_, err := s.db.Exec(query, key, value, time.Now().UTC())
	return err
}

// GetSignal retrieves a signal value by key
func (s *SQLiteStore) GetSignal(key string) (string, error) {
	row := s.db.QueryRow(`SELECT value FROM signals WHERE key = ?`, key)
	var value string
	err := row.Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil // Return empty string if not found
	}
	return value, err
}

// DeleteSignal deletes a signal by key
func (s *SQLiteStore) DeleteSignal(key string) error {
	_, err := s.db.Exec(`DELETE FROM signals WHERE key = ?`, key)
	return err
}

// Cleanup trims old acknowledged notifications and stale signals.
func (s *SQLiteStore) Cleanup() error {
	cutoff := time.Now().UTC().AddDate(0, 0, -30)
	if _, err := s.db.Exec(`DELETE FROM notifications WHERE acknowledged = 1 AND created_at < ?`, cutoff); err != nil {
		return fmt.Errorf("failed to clean notifications: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM signals WHERE created_at < ?`, cutoff); err != nil {
		return fmt.Errorf("failed to clean signals: %w", err)
	}
	return nil
}
