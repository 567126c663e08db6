package tasks

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"crewly/internal/db"
)

func newTestRepo(t *testing.T) *StoreRepo {
	t.Helper()
	store, err := db.NewSQLiteStore(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewStoreRepo(store)
}

func TestNewTask_Defaults(t *testing.T) {
	task := NewTask("Build parser", "Parse the config file")

	if task.ID == "" {
		t.Error("Expected generated ID")
	}
	if task.Status != db.TaskOpen {
		t.Errorf("Expected status %s, got %s", db.TaskOpen, task.Status)
	}
	if task.Priority != db.PriorityMedium {
		t.Errorf("Expected priority %s, got %s", db.PriorityMedium, task.Priority)
	}
	if task.MaxIterations != DefaultMaxIterations {
		t.Errorf("Expected max iterations %d, got %d", DefaultMaxIterations, task.MaxIterations)
	}

	other := NewTask("Build parser", "Parse the config file")
	if other.ID == task.ID {
		t.Error("Expected unique IDs across tasks")
	}
}

func TestStoreRepo_Update(t *testing.T) {
	repo := newTestRepo(t)

	task := NewTask("Update me", "")
	if err := repo.Save(task); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	err := repo.Update(task.ID, func(cur *db.Task) error {
		cur.Iterations++
		cur.Status = db.TaskInProgress
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := repo.Get(task.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Iterations != 1 {
		t.Errorf("Expected 1 iteration, got %d", got.Iterations)
	}
	if got.Status != db.TaskInProgress {
		t.Errorf("Expected status %s, got %s", db.TaskInProgress, got.Status)
	}
}

func TestStoreRepo_UpdateAbortsOnError(t *testing.T) {
	repo := newTestRepo(t)

	task := NewTask("Do not touch", "")
	if err := repo.Save(task); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	boom := errors.New("boom")
	err := repo.Update(task.ID, func(cur *db.Task) error {
		cur.Iterations = 99
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected fn error back, got %v", err)
	}

	got, _ := repo.Get(task.ID)
	if got.Iterations != 0 {
		t.Errorf("Expected mutation discarded, got %d iterations", got.Iterations)
	}
}

func TestStoreRepo_UpdateMissingTask(t *testing.T) {
	repo := newTestRepo(t)

	err := repo.Update("nope", func(cur *db.Task) error { return nil })
	if !errors.Is(err, db.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestStoreRepo_UpdateSerializesWriters(t *testing.T) {
	repo := newTestRepo(t)

	task := NewTask("Counter", "")
	if err := repo.Save(task); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = repo.Update(task.ID, func(cur *db.Task) error {
				cur.Iterations++
				return nil
			})
		}()
	}
	wg.Wait()

	got, _ := repo.Get(task.ID)
	if got.Iterations != writers {
		t.Errorf("Expected %d iterations after concurrent updates, got %d", writers, got.Iterations)
	}
}

func TestStoreRepo_CurrentForSession(t *testing.T) {
	repo := newTestRepo(t)

	// No binding at all.
	got, err := repo.CurrentForSession("agent-1")
	if err != nil {
		t.Fatalf("CurrentForSession failed: %v", err)
	}
	if got != nil {
		t.Errorf("Expected nil task for unbound session, got %+v", got)
	}

	task := NewTask("Bound work", "")
	if err := repo.Save(task); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := repo.Bind("agent-1", task.ID, "agent-1"); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	got, err = repo.CurrentForSession("agent-1")
	if err != nil {
		t.Fatalf("CurrentForSession failed: %v", err)
	}
	if got == nil || got.ID != task.ID {
		t.Fatalf("Expected bound task %s, got %+v", task.ID, got)
	}

	// A binding whose task was deleted reads as no current task.
	if err := repo.Delete(task.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	got, err = repo.CurrentForSession("agent-1")
	if err != nil {
		t.Fatalf("CurrentForSession failed: %v", err)
	}
	if got != nil {
		t.Errorf("Expected nil task for stale binding, got %+v", got)
	}
}

func TestStoreRepo_BindingForTask(t *testing.T) {
	repo := newTestRepo(t)

	task := NewTask("Find my session", "")
	if err := repo.Save(task); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := repo.Bind("agent-2", task.ID, "backend-1"); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	b, err := repo.BindingForTask(task.ID)
	if err != nil {
		t.Fatalf("BindingForTask failed: %v", err)
	}
	if b.SessionRef != "agent-2" || b.AgentID != "backend-1" {
		t.Errorf("Unexpected binding: %+v", b)
	}

	if err := repo.Unbind("agent-2"); err != nil {
		t.Fatalf("Unbind failed: %v", err)
	}
	if _, err := repo.BindingForTask(task.ID); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after unbind, got %v", err)
	}
}
