package budget

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingSignals struct {
	mu        sync.Mutex
	warnings  []string
	exceeded  []string
	overTasks []string
}

func (r *recordingSignals) BudgetWarning(agentID string, _ Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, agentID)
}

func (r *recordingSignals) BudgetExceeded(agentID string, _ Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exceeded = append(r.exceeded, agentID)
}

func (r *recordingSignals) TaskTokensExceeded(_, taskID string, _, _ int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overTasks = append(r.overTasks, taskID)
}

func limit(v float64) *float64 { return &v }

func tokens(v int64) *int64 { return &v }

func newTestGuard(t *testing.T, cfg *Config) (*Guard, *recordingSignals) {
	t.Helper()
	ledger, err := NewLedger(t.TempDir())
	if err != nil {
		t.Fatalf("NewLedger failed: %v", err)
	}
	signals := &recordingSignals{}
	return NewGuard(ledger, cfg, signals), signals
}

func TestGuard_NoLimitsMeansUnlimited(t *testing.T) {
	guard, signals := newTestGuard(t, &Config{})

	err := guard.Record(context.Background(), UsageRecord{
		AgentID: "a1", Model: "gpt-4o", InputTokens: 1_000_000, OutputTokens: 1_000_000,
	})
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	status, err := guard.Check("a1")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !status.WithinBudget {
		t.Error("Expected within budget with no limits configured")
	}
	if status.EstimatedRunway != "unlimited" {
		t.Errorf("Expected unlimited runway, got %q", status.EstimatedRunway)
	}
	if len(signals.exceeded) != 0 || len(signals.warnings) != 0 {
		t.Error("Expected no signals with no limits configured")
	}
}

func TestGuard_ExceededMidLoop(t *testing.T) {
	cfg := &Config{Agents: map[string]Limits{"a1": {DailyLimit: limit(5.00)}}}
	guard, signals := newTestGuard(t, cfg)
	ctx := context.Background()

	// gpt-4o: $5 per million input tokens. 990k input = $4.95.
	if err := guard.Record(ctx, UsageRecord{AgentID: "a1", Model: "gpt-4o", InputTokens: 990_000, Operation: "continuation"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if !guard.IsWithinBudget("a1") {
		t.Fatal("Expected a1 within budget at $4.95 of $5.00")
	}

	// 20k more input tokens = $0.10, pushing past the limit.
	if err := guard.Record(ctx, UsageRecord{AgentID: "a1", Model: "gpt-4o", InputTokens: 20_000, Operation: "continuation"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	if len(signals.exceeded) != 1 || signals.exceeded[0] != "a1" {
		t.Errorf("Expected one budget_exceeded for a1, got %v", signals.exceeded)
	}
	if guard.IsWithinBudget("a1") {
		t.Error("Expected a1 flagged over budget")
	}

	status, _ := guard.Check("a1")
	if status.WithinBudget {
		t.Error("Expected WithinBudget=false")
	}
	if status.EstimatedRunway != "Budget exceeded" {
		t.Errorf("Expected 'Budget exceeded' runway, got %q", status.EstimatedRunway)
	}
}

func TestGuard_WarningOncePerCrossing(t *testing.T) {
	cfg := &Config{Global: Limits{DailyLimit: limit(10.00), WarningThreshold: limit(0.5)}}
	guard, signals := newTestGuard(t, cfg)
	ctx := context.Background()

	// $6 of $10: past the 50% warning line
	if err := guard.Record(ctx, UsageRecord{AgentID: "a1", Model: "gpt-4o", InputTokens: 1_200_000}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	// Still above warning, still below the limit
	if err := guard.Record(ctx, UsageRecord{AgentID: "a1", Model: "gpt-4o", InputTokens: 100_000}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	if len(signals.warnings) != 1 {
		t.Errorf("Expected exactly one warning per crossing, got %d", len(signals.warnings))
	}
	if len(signals.exceeded) != 0 {
		t.Errorf("Expected no exceeded signal, got %d", len(signals.exceeded))
	}
}

func TestGuard_WeeklyLimitEnforced(t *testing.T) {
	cfg := &Config{Global: Limits{WeeklyLimit: limit(5.00)}}
	guard, signals := newTestGuard(t, cfg)
	ctx := context.Background()

	// gpt-4o: $5 per million input tokens. $2 a day over three earlier
	// days of the window: fine daily, $6 against the $5 week.
	for days := 1; days <= 3; days++ {
		err := guard.Record(ctx, UsageRecord{
			AgentID:     "a1",
			Model:       "gpt-4o",
			InputTokens: 400_000,
			Operation:   "continuation",
			Timestamp:   time.Now().UTC().AddDate(0, 0, -days),
		})
		if err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	if guard.IsWithinBudget("a1") {
		t.Error("Expected a1 over its weekly budget")
	}
	if len(signals.exceeded) != 1 {
		t.Errorf("Expected one exceeded signal, got %d", len(signals.exceeded))
	}

	status, err := guard.Check("a1")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if status.WithinBudget {
		t.Error("Expected WithinBudget=false on a weekly breach")
	}
	if status.LimitingPeriod != PeriodWeek {
		t.Errorf("Expected week as the limiting period, got %q", status.LimitingPeriod)
	}
	if status.WeeklyUsed < 5.99 || status.WeeklyUsed > 6.01 {
		t.Errorf("Expected ~$6.00 weekly spend, got %.2f", status.WeeklyUsed)
	}
	if status.WeeklyLimit != 5.00 {
		t.Errorf("Expected weekly limit 5.00, got %.2f", status.WeeklyLimit)
	}
	if status.DailyLimit != 0 {
		t.Errorf("Expected no daily limit reported, got %.2f", status.DailyLimit)
	}
}

func TestGuard_MonthlyLimitEnforced(t *testing.T) {
	cfg := &Config{Global: Limits{DailyLimit: limit(100.00), MonthlyLimit: limit(8.00)}}
	guard, _ := newTestGuard(t, cfg)
	ctx := context.Background()

	// $10 spent ten days ago: far under the daily limit, over the month.
	err := guard.Record(ctx, UsageRecord{
		AgentID:     "a1",
		Model:       "gpt-4o",
		InputTokens: 2_000_000,
		Operation:   "continuation",
		Timestamp:   time.Now().UTC().AddDate(0, 0, -10),
	})
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	if guard.IsWithinBudget("a1") {
		t.Error("Expected a1 over its monthly budget")
	}

	status, err := guard.Check("a1")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if status.LimitingPeriod != PeriodMonth {
		t.Errorf("Expected month as the limiting period, got %q", status.LimitingPeriod)
	}
	if status.MonthlyLimit != 8.00 {
		t.Errorf("Expected monthly limit 8.00, got %.2f", status.MonthlyLimit)
	}
	if status.DailyUsed != 0 {
		t.Errorf("Expected no spend today, got %.2f", status.DailyUsed)
	}
	if status.EstimatedRunway != "Budget exceeded" {
		t.Errorf("Expected 'Budget exceeded' runway, got %q", status.EstimatedRunway)
	}
}

func TestGuard_TaskTokenCeiling(t *testing.T) {
	cfg := &Config{Global: Limits{MaxTokensPerTask: tokens(1000)}}
	guard, signals := newTestGuard(t, cfg)
	ctx := context.Background()

	if err := guard.Record(ctx, UsageRecord{AgentID: "a1", TaskID: "t1", Model: "gpt-4o", InputTokens: 400, OutputTokens: 200}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if !guard.IsTaskWithinTokenBudget("a1", "t1") {
		t.Fatal("Expected t1 within its token budget at 600 of 1000")
	}

	if err := guard.Record(ctx, UsageRecord{AgentID: "a1", TaskID: "t1", Model: "gpt-4o", InputTokens: 300, OutputTokens: 200}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if guard.IsTaskWithinTokenBudget("a1", "t1") {
		t.Error("Expected t1 over its token budget at 1100 of 1000")
	}
	if len(signals.overTasks) != 1 || signals.overTasks[0] != "t1" {
		t.Errorf("Expected one ceiling signal for t1, got %v", signals.overTasks)
	}

	// Another record on the latched task must not re-signal.
	if err := guard.Record(ctx, UsageRecord{AgentID: "a1", TaskID: "t1", Model: "gpt-4o", InputTokens: 10}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if len(signals.overTasks) != 1 {
		t.Errorf("Expected the ceiling signal once, got %d", len(signals.overTasks))
	}

	// The ceiling is per task; the agent itself stays within budget.
	if !guard.IsTaskWithinTokenBudget("a1", "t2") {
		t.Error("Expected an unrelated task within budget")
	}
	if !guard.IsWithinBudget("a1") {
		t.Error("Expected a1 within its cost budget")
	}
}

type fakePauseStore struct{ signals map[string]string }

func newFakePauseStore() *fakePauseStore {
	return &fakePauseStore{signals: make(map[string]string)}
}

func (f *fakePauseStore) SetSignal(key, value string) error { f.signals[key] = value; return nil }

func (f *fakePauseStore) GetSignal(key string) (string, error) { return f.signals[key], nil }

func (f *fakePauseStore) DeleteSignal(key string) error { delete(f.signals, key); return nil }

func TestGuard_PauseSurvivesRestart(t *testing.T) {
	cfg := &Config{Global: Limits{DailyLimit: limit(0.01)}}
	ledger, err := NewLedger(t.TempDir())
	if err != nil {
		t.Fatalf("NewLedger failed: %v", err)
	}
	store := newFakePauseStore()

	guard := NewGuard(ledger, cfg, nil)
	if err := guard.SetPauseStore(store); err != nil {
		t.Fatalf("SetPauseStore failed: %v", err)
	}
	if err := guard.Record(context.Background(), UsageRecord{AgentID: "a1", Model: "gpt-4o", InputTokens: 100_000}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if guard.IsWithinBudget("a1") {
		t.Fatal("Expected a1 paused")
	}
	if store.signals[pausedSignalKey] == "" {
		t.Fatal("Expected the paused set persisted")
	}

	// A fresh guard, as after a restart, restores the pause before any
	// ledger read.
	restarted := NewGuard(ledger, cfg, nil)
	if err := restarted.SetPauseStore(store); err != nil {
		t.Fatalf("SetPauseStore failed: %v", err)
	}
	if restarted.IsWithinBudget("a1") {
		t.Error("Expected the pause restored after restart")
	}

	restarted.Resume("a1")
	if _, ok := store.signals[pausedSignalKey]; ok {
		t.Error("Expected resume to clear the persisted set")
	}
}

func TestGuard_ResumeClearsPause(t *testing.T) {
	cfg := &Config{Global: Limits{DailyLimit: limit(0.01)}}
	guard, _ := newTestGuard(t, cfg)

	if err := guard.Record(context.Background(), UsageRecord{AgentID: "a1", Model: "gpt-4o", InputTokens: 100_000}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if guard.IsWithinBudget("a1") {
		t.Fatal("Expected a1 over budget")
	}

	guard.Resume("a1")
	// The pause flag is gone, but usage still exceeds the limit
	if guard.IsWithinBudget("a1") {
		t.Error("Expected a1 still over budget after resume (usage unchanged)")
	}
}

func TestGuard_Usage(t *testing.T) {
	guard, _ := newTestGuard(t, &Config{})
	ctx := context.Background()

	records := []UsageRecord{
		{AgentID: "a1", Model: "gpt-4o", InputTokens: 100, OutputTokens: 50, Operation: "continuation"},
		{AgentID: "a1", Model: "gpt-3.5-turbo", InputTokens: 200, OutputTokens: 100, Operation: "check_in"},
		{AgentID: "a2", Model: "gpt-4o", InputTokens: 999, OutputTokens: 999, Operation: "continuation"},
	}
	for _, r := range records {
		if err := guard.Record(ctx, r); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	summary, err := guard.Usage("a1", PeriodDay)
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	if summary.InputTokens != 300 || summary.OutputTokens != 150 {
		t.Errorf("Unexpected token totals: %+v", summary)
	}
	if summary.TotalTokens != 450 {
		t.Errorf("Expected 450 total tokens, got %d", summary.TotalTokens)
	}
	if summary.Operations != 2 {
		t.Errorf("Expected 2 operations, got %d", summary.Operations)
	}
	if len(summary.ByOperation) != 2 {
		t.Errorf("Expected 2 operation buckets, got %v", summary.ByOperation)
	}
	if len(summary.ByModel) != 2 {
		t.Errorf("Expected 2 model buckets, got %v", summary.ByModel)
	}
}

func TestGuard_RecordRequiresAgent(t *testing.T) {
	guard, _ := newTestGuard(t, &Config{})
	if err := guard.Record(context.Background(), UsageRecord{Model: "gpt-4o"}); err == nil {
		t.Error("Expected error for record without agent ID")
	}
}
