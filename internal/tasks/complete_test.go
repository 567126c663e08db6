package tasks

import (
	"context"
	"errors"
	"strings"
	"testing"

	"crewly/internal/analyzer"
	"crewly/internal/db"
	"crewly/internal/gates"
	"crewly/internal/notify"
)

type fakeGateRunner struct {
	results  *gates.RunResults
	err      error
	calls    int
	lastPath string
}

func (f *fakeGateRunner) RunAll(ctx context.Context, projectPath string, opts gates.Options) (*gates.RunResults, error) {
	f.calls++
	f.lastPath = projectPath
	return f.results, f.err
}

type recordingRetry struct {
	refs     []string
	analyses []analyzer.Analysis
	err      error
}

func (r *recordingRetry) TriggerRetry(ctx context.Context, sessionRef string, a analyzer.Analysis) error {
	r.refs = append(r.refs, sessionRef)
	r.analyses = append(r.analyses, a)
	return r.err
}

func passingGates() *gates.RunResults {
	return &gates.RunResults{
		Results: []gates.Result{
			{Name: "build", Passed: true, Required: true},
			{Name: "tests", Passed: true, Required: true},
		},
		AllRequiredPassed: true,
	}
}

func failingGates() *gates.RunResults {
	return &gates.RunResults{
		Results: []gates.Result{
			{Name: "build", Passed: true, Required: true},
			{Name: "tests", Passed: false, Required: true, ExitCode: 1, Output: "FAIL: TestCheckout"},
		},
		AllRequiredPassed: false,
	}
}

func inProgressTask(t *testing.T, repo Repository, id, ref string) *db.Task {
	t.Helper()
	task := openTask(id, "Ship the feature")
	task.Status = db.TaskInProgress
	saveTask(t, repo, task)
	if ref != "" {
		if err := repo.Bind(ref, id, ref); err != nil {
			t.Fatalf("Bind failed: %v", err)
		}
	}
	return task
}

func TestCompleteTask_Success(t *testing.T) {
	repo := newTestRepo(t)
	runner := &fakeGateRunner{results: passingGates()}
	notifier := &mockNotifier{}
	c := NewCompleter(repo, runner, nil, notifier, testLogger(), false)

	inProgressTask(t, repo, "t1", "agent-1")

	res, err := c.CompleteTask(context.Background(), "t1", CompleteOptions{})
	if err != nil {
		t.Fatalf("CompleteTask failed: %v", err)
	}
	if !res.Success {
		t.Fatalf("Expected success, got %+v", res)
	}
	if res.Status != db.TaskCompleted {
		t.Errorf("Expected status %s, got %s", db.TaskCompleted, res.Status)
	}
	if runner.calls != 1 {
		t.Errorf("Expected 1 gate run, got %d", runner.calls)
	}
	if runner.lastPath != "." {
		t.Errorf("Expected default project path '.', got %q", runner.lastPath)
	}

	stored, _ := repo.Get("t1")
	if stored.Status != db.TaskCompleted {
		t.Errorf("Expected stored status completed, got %s", stored.Status)
	}
	if stored.CompletedAt == nil {
		t.Error("Expected CompletedAt to be set")
	}

	snaps, err := repo.GateSnapshots("t1")
	if err != nil {
		t.Fatalf("GateSnapshots failed: %v", err)
	}
	if len(snaps) != 2 {
		t.Errorf("Expected 2 gate snapshots, got %d", len(snaps))
	}

	learnings, _ := repo.Learnings("t1", 10)
	if len(learnings) != 1 || !strings.Contains(learnings[0].Content, "Completed after") {
		t.Errorf("Expected default completion learning, got %+v", learnings)
	}

	if _, err := repo.BindingForTask("t1"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("Expected session unbound after completion, got %v", err)
	}
}

func TestCompleteTask_GateFailure(t *testing.T) {
	repo := newTestRepo(t)
	runner := &fakeGateRunner{results: failingGates()}
	notifier := &mockNotifier{}
	retry := &recordingRetry{}
	c := NewCompleter(repo, runner, nil, notifier, testLogger(), false)
	c.SetRetryTrigger(retry)

	inProgressTask(t, repo, "t1", "agent-1")

	res, err := c.CompleteTask(context.Background(), "t1", CompleteOptions{})
	if err != nil {
		t.Fatalf("Expected structured failure, not error: %v", err)
	}
	if res.Success {
		t.Fatal("Expected failure result")
	}
	if len(res.FailedGates) != 1 || res.FailedGates[0] != "tests" {
		t.Errorf("Expected failed gates [tests], got %v", res.FailedGates)
	}
	if res.Iterations != 1 {
		t.Errorf("Expected iteration bump to 1, got %d", res.Iterations)
	}

	stored, _ := repo.Get("t1")
	if stored.Status != db.TaskInProgress {
		t.Errorf("Expected task to stay in_progress, got %s", stored.Status)
	}
	if stored.Iterations != 1 {
		t.Errorf("Expected stored iterations 1, got %d", stored.Iterations)
	}
	if stored.CompletedAt != nil {
		t.Error("Expected CompletedAt unset on failure")
	}

	if len(retry.refs) != 1 || retry.refs[0] != "agent-1" {
		t.Fatalf("Expected retry against agent-1, got %v", retry.refs)
	}
	a := retry.analyses[0]
	if a.Recommendation != analyzer.RecommendRetryWithHints {
		t.Errorf("Expected retry_with_hints recommendation, got %s", a.Recommendation)
	}
	if a.Conclusion != analyzer.StuckOrError {
		t.Errorf("Expected STUCK_OR_ERROR conclusion, got %s", a.Conclusion)
	}
	if len(a.Evidence) == 0 || !strings.Contains(a.Evidence[0], "tests") {
		t.Errorf("Expected gate evidence, got %v", a.Evidence)
	}

	if !notifier.sawEvent(notify.EventGateFailure) {
		t.Errorf("Expected gate failure notification, got %v", notifier.events)
	}

	learnings, _ := repo.Learnings("t1", 10)
	if len(learnings) != 1 || !strings.Contains(learnings[0].Content, "tests") {
		t.Errorf("Expected gate failure learning naming the gate, got %+v", learnings)
	}
}

func TestCompleteTask_InvalidState(t *testing.T) {
	repo := newTestRepo(t)
	runner := &fakeGateRunner{results: passingGates()}
	c := NewCompleter(repo, runner, nil, nil, testLogger(), false)

	saveTask(t, repo, openTask("t1", "Still open"))

	_, err := c.CompleteTask(context.Background(), "t1", CompleteOptions{})
	if !errors.Is(err, ErrInvalidTaskState) {
		t.Fatalf("Expected ErrInvalidTaskState, got %v", err)
	}
	if runner.calls != 0 {
		t.Errorf("Expected no gate run for ineligible task, got %d", runner.calls)
	}
}

func TestCompleteTask_NotFound(t *testing.T) {
	repo := newTestRepo(t)
	c := NewCompleter(repo, &fakeGateRunner{}, nil, nil, testLogger(), false)

	_, err := c.CompleteTask(context.Background(), "missing", CompleteOptions{})
	if !errors.Is(err, db.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestCompleteTask_SkipGates(t *testing.T) {
	repo := newTestRepo(t)
	runner := &fakeGateRunner{results: failingGates()}
	c := NewCompleter(repo, runner, nil, nil, testLogger(), false)

	inProgressTask(t, repo, "t1", "")

	res, err := c.CompleteTask(context.Background(), "t1", CompleteOptions{SkipGates: true})
	if err != nil {
		t.Fatalf("CompleteTask failed: %v", err)
	}
	if !res.Success {
		t.Fatal("Expected success with gates skipped")
	}
	if runner.calls != 0 {
		t.Errorf("Expected gates not to run, got %d calls", runner.calls)
	}
}

func TestCompleteTask_GateRunnerError(t *testing.T) {
	repo := newTestRepo(t)
	runner := &fakeGateRunner{err: errors.New("gates config unreadable")}
	c := NewCompleter(repo, runner, nil, nil, testLogger(), false)

	inProgressTask(t, repo, "t1", "")

	_, err := c.CompleteTask(context.Background(), "t1", CompleteOptions{})
	if err == nil {
		t.Fatal("Expected gate runner error to surface")
	}

	stored, _ := repo.Get("t1")
	if stored.Status != db.TaskInProgress || stored.Iterations != 0 {
		t.Errorf("Expected task untouched on runner error, got %+v", stored)
	}
}

func TestCompleteTask_CustomSummary(t *testing.T) {
	repo := newTestRepo(t)
	c := NewCompleter(repo, &fakeGateRunner{results: passingGates()}, nil, nil, testLogger(), false)

	inProgressTask(t, repo, "t1", "")

	_, err := c.CompleteTask(context.Background(), "t1", CompleteOptions{Summary: "Shipped the checkout API"})
	if err != nil {
		t.Fatalf("CompleteTask failed: %v", err)
	}

	learnings, _ := repo.Learnings("t1", 10)
	if len(learnings) != 1 || learnings[0].Content != "Shipped the checkout API" {
		t.Errorf("Expected custom summary learning, got %+v", learnings)
	}
}

func TestCompleteTask_NoRetryWithoutBinding(t *testing.T) {
	repo := newTestRepo(t)
	retry := &recordingRetry{}
	c := NewCompleter(repo, &fakeGateRunner{results: failingGates()}, nil, nil, testLogger(), false)
	c.SetRetryTrigger(retry)

	inProgressTask(t, repo, "t1", "")

	res, err := c.CompleteTask(context.Background(), "t1", CompleteOptions{})
	if err != nil {
		t.Fatalf("CompleteTask failed: %v", err)
	}
	if res.Success {
		t.Fatal("Expected failure result")
	}
	if len(retry.refs) != 0 {
		t.Errorf("Expected no retry for unbound task, got %v", retry.refs)
	}
}

func TestCompleteTask_AutoAssign(t *testing.T) {
	repo := newTestRepo(t)
	port := &mockPort{}
	assigner := NewAssigner(repo, port, nil, nil, nil, testLogger(), queueConfig())
	c := NewCompleter(repo, &fakeGateRunner{results: passingGates()}, assigner, nil, testLogger(), true)

	inProgressTask(t, repo, "t1", "agent-1")
	saveTask(t, repo, openTask("t2", "Follow-up work"))

	res, err := c.CompleteTask(context.Background(), "t1", CompleteOptions{})
	if err != nil {
		t.Fatalf("CompleteTask failed: %v", err)
	}
	if !res.Success {
		t.Fatal("Expected success")
	}

	next, _ := repo.Get("t2")
	if next.Status != db.TaskInProgress {
		t.Errorf("Expected follow-up task auto-assigned, got %s", next.Status)
	}
	current, err := repo.CurrentForSession("agent-1")
	if err != nil {
		t.Fatalf("CurrentForSession failed: %v", err)
	}
	if current == nil || current.ID != "t2" {
		t.Errorf("Expected session rebound to t2, got %+v", current)
	}
	if len(port.writes) != 1 || !strings.Contains(port.writes[0], "Follow-up work") {
		t.Errorf("Expected assignment prompt for t2, got %v", port.writes)
	}
}
