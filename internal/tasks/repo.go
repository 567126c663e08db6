package tasks

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"crewly/internal/db"
)

// DefaultMaxIterations bounds continuation cycles on a task unless the
// task says otherwise.
const DefaultMaxIterations = 10

var (
	// ErrInvalidTaskState means the operation is not legal for the task's
	// current status.
	ErrInvalidTaskState = errors.New("invalid task state")
	// ErrDependencyBlocked means a task cannot start while a dependency is
	// not completed.
	ErrDependencyBlocked = errors.New("task has incomplete dependencies")
	// ErrMaxConcurrent means the session already holds its maximum number
	// of in-progress tasks.
	ErrMaxConcurrent = errors.New("session is at its concurrent task limit")
)

// Repository is the task persistence surface the queue, assigner, and
// completer work against.
type Repository interface {
	Save(t *db.Task) error
	Get(id string) (*db.Task, error)
	// Update applies fn to the task under its per-task write lock and
	// persists the result. fn returning an error aborts without saving.
	Update(id string, fn func(*db.Task) error) error
	List(f db.TaskFilter) ([]*db.Task, error)
	Delete(id string) error

	Bind(ref, taskID, agentID string) error
	Unbind(ref string) error
	// CurrentForSession returns the task bound to ref, or nil when the
	// session has no (live) binding.
	CurrentForSession(ref string) (*db.Task, error)
	BindingForTask(taskID string) (*db.Binding, error)

	SaveGateSnapshot(taskID string, s db.GateSnapshot) error
	GateSnapshots(taskID string) ([]db.GateSnapshot, error)

	AddLearning(taskID, content string) error
	Learnings(taskID string, limit int) ([]db.Learning, error)

	SaveNotification(n *db.Notification) (int64, error)
	ListNotifications(onlyUnacked bool, limit int) ([]*db.Notification, error)
	AcknowledgeNotification(id int64) error
}

// NewTask builds an open task with generated ID and defaults. The store
// stamps CreatedAt on first save.
func NewTask(title, description string) *db.Task {
	return &db.Task{
		ID:            uuid.NewString(),
		Title:         title,
		Description:   description,
		Status:        db.TaskOpen,
		Priority:      db.PriorityMedium,
		MaxIterations: DefaultMaxIterations,
	}
}

// StoreRepo implements Repository on a db.Store. Writes to one task are
// serialized through a per-task lock; reads go straight to the store.
type StoreRepo struct {
	store db.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStoreRepo wraps a store in the repository surface.
func NewStoreRepo(store db.Store) *StoreRepo {
	return &StoreRepo{
		store: store,
		locks: make(map[string]*sync.Mutex),
	}
}

func (r *StoreRepo) taskLock(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.locks[id]
	if !ok {
		m = &sync.Mutex{}
		r.locks[id] = m
	}
	return m
}

func (r *StoreRepo) Save(t *db.Task) error {
	l := r.taskLock(t.ID)
	l.Lock()
	defer l.Unlock()
	return r.store.SaveTask(t)
}

func (r *StoreRepo) Get(id string) (*db.Task, error) {
	return r.store.GetTask(id)
}

func (r *StoreRepo) Update(id string, fn func(*db.Task) error) error {
	l := r.taskLock(id)
	l.Lock()
	defer l.Unlock()

	t, err := r.store.GetTask(id)
	if err != nil {
		return err
	}
	if err := fn(t); err != nil {
		return err
	}
	return r.store.SaveTask(t)
}

func (r *StoreRepo) List(f db.TaskFilter) ([]*db.Task, error) {
	return r.store.ListTasks(f)
}

func (r *StoreRepo) Delete(id string) error {
	l := r.taskLock(id)
	l.Lock()
	defer l.Unlock()
	return r.store.DeleteTask(id)
}

func (r *StoreRepo) Bind(ref, taskID, agentID string) error {
	return r.store.BindSession(ref, taskID, agentID)
}

func (r *StoreRepo) Unbind(ref string) error {
	return r.store.UnbindSession(ref)
}

func (r *StoreRepo) CurrentForSession(ref string) (*db.Task, error) {
	b, err := r.store.Binding(ref)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t, err := r.store.GetTask(b.TaskID)
	if errors.Is(err, db.ErrNotFound) {
		// Stale binding; the task was deleted out from under it.
		return nil, nil
	}
	return t, err
}

func (r *StoreRepo) BindingForTask(taskID string) (*db.Binding, error) {
	return r.store.BindingForTask(taskID)
}

func (r *StoreRepo) SaveGateSnapshot(taskID string, s db.GateSnapshot) error {
	return r.store.SaveGateSnapshot(taskID, s)
}

func (r *StoreRepo) GateSnapshots(taskID string) ([]db.GateSnapshot, error) {
	return r.store.GateSnapshots(taskID)
}

func (r *StoreRepo) AddLearning(taskID, content string) error {
	return r.store.AddLearning(taskID, content)
}

func (r *StoreRepo) Learnings(taskID string, limit int) ([]db.Learning, error) {
	return r.store.Learnings(taskID, limit)
}

func (r *StoreRepo) SaveNotification(n *db.Notification) (int64, error) {
	return r.store.SaveNotification(n)
}

func (r *StoreRepo) ListNotifications(onlyUnacked bool, limit int) ([]*db.Notification, error) {
	return r.store.ListNotifications(onlyUnacked, limit)
}

func (r *StoreRepo) AcknowledgeNotification(id int64) error {
	return r.store.AcknowledgeNotification(id)
}
