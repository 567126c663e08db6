package checkpoint

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"crewly/internal/db"
	"crewly/internal/engine"
	"crewly/internal/sched"
	"crewly/internal/tasks"
)

type fakeSessions struct{ list []engine.SessionStatus }

func (f fakeSessions) Sessions() []engine.SessionStatus { return f.list }

type fakeConversations struct{ list []Conversation }

func (f fakeConversations) Conversations() []Conversation {
	out := make([]Conversation, len(f.list))
	copy(out, f.list)
	return out
}

type fakeImprovement struct{ imp *Improvement }

func (f fakeImprovement) PendingImprovement() *Improvement { return f.imp }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCheckpointer(t *testing.T, mutate func(*Config, *Deps)) (*Checkpointer, *sched.FakeClock) {
	t.Helper()
	clock := sched.NewFakeClock(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))
	cfg := Config{
		Dir:         t.TempDir(),
		Interval:    time.Minute,
		MaxMessages: 50,
		MaxBackups:  2,
	}
	deps := Deps{
		Clock:     clock,
		Scheduler: sched.NewScheduler(clock),
		Logger:    discardLogger(),
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	return New(cfg, deps), clock
}

func newCheckpointRepo(t *testing.T) *tasks.StoreRepo {
	t.Helper()
	store, err := db.NewSQLiteStore(filepath.Join(t.TempDir(), "cp.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return tasks.NewStoreRepo(store)
}

func readState(t *testing.T, c *Checkpointer) *State {
	t.Helper()
	data, err := os.ReadFile(c.path)
	if err != nil {
		t.Fatalf("Failed to read state file: %v", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("Failed to unmarshal state: %v", err)
	}
	return &st
}

func TestSave_WritesSnapshot(t *testing.T) {
	repo := newCheckpointRepo(t)
	active := tasks.NewTask("Migrate billing schema", "Split invoices table")
	active.Status = db.TaskInProgress
	active.ProjectPath = "/work/billing"
	active.Checkpoint = "step 3 of 5"
	if err := repo.Save(active); err != nil {
		t.Fatalf("Failed to save task: %v", err)
	}
	open := tasks.NewTask("Add shipping options", "Flat rate and express")
	open.ProjectPath = "/work/shop"
	if err := repo.Save(open); err != nil {
		t.Fatalf("Failed to save task: %v", err)
	}

	c, _ := newTestCheckpointer(t, func(cfg *Config, deps *Deps) {
		deps.Repo = repo
		deps.Sessions = fakeSessions{list: []engine.SessionStatus{
			{SessionRef: "agent-1", State: engine.StateMonitored, LastAction: "inject_prompt", EventsHandled: 4},
		}}
		deps.Improvement = fakeImprovement{imp: &Improvement{ID: "imp-1", Phase: "validating"}}
	})

	if err := c.Save(context.Background(), ReasonUserRequest); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	st := readState(t, c)
	if st.Version != Version {
		t.Errorf("Expected version %s, got %s", Version, st.Version)
	}
	if st.CheckpointReason != ReasonUserRequest {
		t.Errorf("Expected reason %s, got %s", ReasonUserRequest, st.CheckpointReason)
	}
	if len(st.Tasks) != 2 {
		t.Errorf("Expected 2 tasks, got %d", len(st.Tasks))
	}
	if want := []string{"/work/billing", "/work/shop"}; !reflect.DeepEqual(st.Projects, want) {
		t.Errorf("Expected projects %v, got %v", want, st.Projects)
	}
	if len(st.Agents) != 1 || st.Agents[0].SessionRef != "agent-1" {
		t.Errorf("Expected agent-1 in snapshot, got %+v", st.Agents)
	}
	if st.Agents[0].State != string(engine.StateMonitored) {
		t.Errorf("Expected MONITORED agent state, got %s", st.Agents[0].State)
	}
	if st.SelfImprovement == nil || st.SelfImprovement.Phase != "validating" {
		t.Errorf("Expected pending improvement in snapshot, got %+v", st.SelfImprovement)
	}
	if st.Metadata.PID != os.Getpid() {
		t.Errorf("Expected pid %d, got %d", os.Getpid(), st.Metadata.PID)
	}
	if st.Metadata.RestartCount != 0 {
		t.Errorf("Expected restart count 0 on first run, got %d", st.Metadata.RestartCount)
	}

	// The temp file must not survive the rename.
	entries, err := os.ReadDir(c.cfg.Dir)
	if err != nil {
		t.Fatalf("Failed to list state dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".orchestrator-state-") {
			t.Errorf("Leftover temp file %s", e.Name())
		}
	}
}

func TestSave_TrimsConversations(t *testing.T) {
	msgs := make([]Message, 60)
	for i := range msgs {
		msgs[i] = Message{Role: "assistant", Content: "turn"}
	}
	msgs[59].Content = "latest"

	c, _ := newTestCheckpointer(t, func(cfg *Config, deps *Deps) {
		deps.Conversations = fakeConversations{list: []Conversation{
			{SessionRef: "agent-1", Messages: msgs},
		}}
	})

	if err := c.Save(context.Background(), ReasonScheduled); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	st := readState(t, c)
	if len(st.Conversations) != 1 {
		t.Fatalf("Expected 1 conversation, got %d", len(st.Conversations))
	}
	conv := st.Conversations[0]
	if len(conv.Messages) != 50 {
		t.Errorf("Expected 50 persisted messages, got %d", len(conv.Messages))
	}
	if conv.Messages[len(conv.Messages)-1].Content != "latest" {
		t.Error("Expected the newest message to survive the trim")
	}
	if conv.Summary != "10 earlier messages trimmed" {
		t.Errorf("Expected trim summary, got %q", conv.Summary)
	}
}

func TestSave_RotatesBackups(t *testing.T) {
	c, clock := newTestCheckpointer(t, nil)

	for i := 0; i < 4; i++ {
		if err := c.Save(context.Background(), ReasonScheduled); err != nil {
			t.Fatalf("Save %d failed: %v", i, err)
		}
		clock.Advance(time.Minute)
	}

	entries, err := os.ReadDir(filepath.Join(c.cfg.Dir, "backups"))
	if err != nil {
		t.Fatalf("Failed to list backups: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 backups after pruning, got %d", len(entries))
	}
	// Saves 2, 3, and 4 each rotate a backup; pruning keeps the newest two.
	if got := entries[0].Name(); !strings.Contains(got, "080200") {
		t.Errorf("Expected oldest surviving backup from 08:02, got %s", got)
	}
}

func TestLoad_NoFile(t *testing.T) {
	c, _ := newTestCheckpointer(t, nil)
	st, err := c.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if st != nil {
		t.Errorf("Expected nil state, got %+v", st)
	}
}

func TestLoad_RoundTripAdvancesRestartCount(t *testing.T) {
	c, _ := newTestCheckpointer(t, nil)
	if err := c.Save(context.Background(), ReasonScheduled); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	prev, err := c.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if prev == nil || prev.CheckpointReason != ReasonScheduled {
		t.Fatalf("Expected the saved snapshot back, got %+v", prev)
	}
	if prev.Metadata.RestartCount != 0 {
		t.Errorf("Expected restart count 0 in the old snapshot, got %d", prev.Metadata.RestartCount)
	}

	if err := c.Save(context.Background(), ReasonScheduled); err != nil {
		t.Fatalf("Second save failed: %v", err)
	}
	if got := readState(t, c).Metadata.RestartCount; got != 1 {
		t.Errorf("Expected restart count 1 after a load, got %d", got)
	}
}

func TestLoad_CorruptFile(t *testing.T) {
	c, _ := newTestCheckpointer(t, nil)
	if err := os.MkdirAll(c.cfg.Dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(c.path, []byte("<html>not json</html>"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Load(); err == nil {
		t.Error("Expected an error loading a corrupt snapshot")
	}
}

func TestLoad_MigratesV1(t *testing.T) {
	c, _ := newTestCheckpointer(t, nil)
	v1 := &State{
		ID:      "old",
		Version: "1",
		Tasks: []*db.Task{
			{ID: "t1", Title: "Old task", Status: db.TaskInProgress, ProjectPath: "/work/legacy"},
		},
	}
	data, err := json.MarshalIndent(v1, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(c.cfg.Dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(c.path, data, 0644); err != nil {
		t.Fatal(err)
	}

	st, err := c.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if st.Version != Version {
		t.Errorf("Expected migrated version %s, got %s", Version, st.Version)
	}
	if !reflect.DeepEqual(st.Projects, []string{"/work/legacy"}) {
		t.Errorf("Expected projects derived from tasks, got %v", st.Projects)
	}
}

func TestLoad_UnknownVersionBestEffort(t *testing.T) {
	c, _ := newTestCheckpointer(t, nil)
	if err := os.MkdirAll(c.cfg.Dir, 0755); err != nil {
		t.Fatal(err)
	}
	raw := `{"id":"future","version":"9","checkpointReason":"scheduled","metadata":{"restartCount":4}}`
	if err := os.WriteFile(c.path, []byte(raw), 0644); err != nil {
		t.Fatal(err)
	}

	st, err := c.Load()
	if err != nil {
		t.Fatalf("Expected best-effort load, got %v", err)
	}
	if st.ID != "future" || st.Metadata.RestartCount != 4 {
		t.Errorf("Expected the snapshot fields to survive, got %+v", st)
	}
}

func TestResumeInstructions(t *testing.T) {
	c, clock := newTestCheckpointer(t, nil)
	now := clock.Now()
	prev := &State{
		Version: Version,
		Tasks: []*db.Task{
			{ID: "t1", Title: "Migrate billing schema", Status: db.TaskInProgress, Checkpoint: "step 3"},
			{ID: "t2", Title: "Add shipping options", Status: db.TaskPaused},
			{ID: "t3", Title: "Write docs", Status: db.TaskCompleted},
		},
		Conversations: []Conversation{
			{SessionRef: "agent-1", LastActivity: now.Add(-30 * time.Minute)},
			{SessionRef: "agent-2", LastActivity: now.Add(-2 * time.Hour)},
		},
		SelfImprovement: &Improvement{ID: "imp-1", Phase: "validating"},
		Metadata:        Metadata{RestartCount: 0},
	}

	ri := c.ResumeInstructions(prev)
	if ri == nil {
		t.Fatal("Expected resume instructions")
	}
	if ri.Restart != 1 {
		t.Errorf("Expected restart 1, got %d", ri.Restart)
	}
	if len(ri.TasksToResume) != 2 {
		t.Fatalf("Expected 2 tasks to resume, got %+v", ri.TasksToResume)
	}
	if !ri.TasksToResume[0].ResumeFromCheckpoint {
		t.Error("Expected t1 flagged resumeFromCheckpoint")
	}
	if ri.TasksToResume[1].ResumeFromCheckpoint {
		t.Error("Expected t2 not flagged resumeFromCheckpoint")
	}
	if len(ri.ConversationsToResume) != 1 || ri.ConversationsToResume[0] != "agent-1" {
		t.Errorf("Expected only agent-1 to resume, got %v", ri.ConversationsToResume)
	}
	if len(ri.Notifications) != 2 {
		t.Fatalf("Expected 2 notifications, got %v", ri.Notifications)
	}
	if !strings.Contains(ri.Notifications[0], "Restart #1") {
		t.Errorf("Expected restart summary, got %q", ri.Notifications[0])
	}
	if !strings.Contains(ri.Notifications[1], "validating") {
		t.Errorf("Expected mid-flight improvement warning, got %q", ri.Notifications[1])
	}

	// Deriving instructions is a pure read; doing it twice changes nothing.
	if again := c.ResumeInstructions(prev); !reflect.DeepEqual(ri, again) {
		t.Errorf("Expected identical instructions on repeat, got %+v then %+v", ri, again)
	}
}

func TestResumeInstructions_NilState(t *testing.T) {
	c, _ := newTestCheckpointer(t, nil)
	if ri := c.ResumeInstructions(nil); ri != nil {
		t.Errorf("Expected nil instructions for nil state, got %+v", ri)
	}
}

func TestStart_PeriodicSaves(t *testing.T) {
	c, clock := newTestCheckpointer(t, nil)
	c.Start()
	c.Start() // second call must not arm a second timer

	clock.Advance(time.Minute)
	if got := readState(t, c).CheckpointReason; got != ReasonScheduled {
		t.Fatalf("Expected a scheduled checkpoint, got %s", got)
	}

	if err := c.PrepareForShutdown(context.Background()); err != nil {
		t.Fatalf("PrepareForShutdown failed: %v", err)
	}
	if got := readState(t, c).CheckpointReason; got != ReasonBeforeRestart {
		t.Fatalf("Expected before_restart, got %s", got)
	}

	// The periodic timer is cancelled; nothing overwrites the final save.
	clock.Advance(5 * time.Minute)
	if got := readState(t, c).CheckpointReason; got != ReasonBeforeRestart {
		t.Errorf("Expected the shutdown snapshot to stand, got %s", got)
	}
}

func TestPrepareForShutdown_WithoutStart(t *testing.T) {
	c, _ := newTestCheckpointer(t, nil)
	if err := c.PrepareForShutdown(context.Background()); err != nil {
		t.Fatalf("PrepareForShutdown failed: %v", err)
	}
	if got := readState(t, c).CheckpointReason; got != ReasonBeforeRestart {
		t.Errorf("Expected before_restart, got %s", got)
	}
}
