package ui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"crewly/internal/analyzer"
	"crewly/internal/budget"
	"crewly/internal/engine"
)

func init() {
	// Pin the color profile so rendering is stable regardless of the
	// terminal the tests run in.
	lipgloss.SetColorProfile(termenv.TrueColor)
}

type stubSource struct {
	sessions []engine.SessionStatus
}

func (s *stubSource) Sessions() []engine.SessionStatus { return s.sessions }

type stubBudgets struct {
	statuses map[string]budget.Status
}

func (s *stubBudgets) Check(agentID string) (budget.Status, error) {
	return s.statuses[agentID], nil
}

func testSessions() []engine.SessionStatus {
	return []engine.SessionStatus{
		{
			SessionRef:  "sess-1",
			State:       engine.StateMonitored,
			Alive:       true,
			LastTrigger: "idle_timeout",
			LastAction:  "inject_prompt",
			LastAnalysis: &analyzer.Analysis{
				Conclusion:     analyzer.Incomplete,
				Iterations:     3,
				MaxIterations:  10,
				Recommendation: analyzer.RecommendInjectPrompt,
			},
			EventsHandled: 7,
		},
		{
			SessionRef: "sess-2",
			State:      engine.StatePaused,
		},
	}
}

func TestDashboardModel_Update(t *testing.T) {
	m := newDashboardModel(&stubSource{sessions: testSessions()}, nil, nil)

	if cmd := m.Init(); cmd == nil {
		t.Error("Init returned nil cmd")
	}

	updated, cmd := m.Update(tickMsg(time.Now()))
	m = updated.(*dashboardModel)
	if cmd == nil {
		t.Error("Update(tick) should return a command")
	}

	updated, _ = m.Update(sessionsMsg(testSessions()))
	m = updated.(*dashboardModel)
	if len(m.sessions) != 2 {
		t.Errorf("Expected 2 sessions, got %d", len(m.sessions))
	}

	view := m.View()
	if !strings.Contains(view, "sess-1") || !strings.Contains(view, "MONITORED") {
		t.Errorf("Expected the session row rendered, got:\n%s", view)
	}

	updated, _ = m.Update(tea.WindowSizeMsg{Width: 120, Height: 50})
	m = updated.(*dashboardModel)
	if m.table.Height() < 40 {
		t.Errorf("Expected the table to grow with the window, got height %d", m.table.Height())
	}

	if _, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC}); cmd == nil {
		t.Error("Expected ctrl+c to quit")
	}
}

func TestDashboardModel_Rows(t *testing.T) {
	budgets := &stubBudgets{statuses: map[string]budget.Status{
		"agent-1": {DailyLimit: 5, DailyUsed: 4, PercentUsed: 0.8},
	}}
	lookup := func(ref string) string {
		if ref == "sess-1" {
			return "agent-1"
		}
		return ""
	}
	m := newDashboardModel(&stubSource{}, budgets, lookup)
	m.sessions = testSessions()
	m.updateTable()

	rows := m.table.Rows()
	if len(rows) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(rows))
	}
	if rows[0][0] != "sess-1" || rows[0][2] != "yes" || rows[0][5] != "3/10" {
		t.Errorf("Unexpected first row: %v", rows[0])
	}
	if rows[0][7] != "80%" {
		t.Errorf("Expected the budget percentage, got %q", rows[0][7])
	}
	// No analysis yet and no agent binding.
	if rows[1][5] != "-" || rows[1][7] != "n/a" {
		t.Errorf("Unexpected second row: %v", rows[1])
	}
}

func TestDashboardModel_ErrView(t *testing.T) {
	m := newDashboardModel(&stubSource{}, nil, nil)
	updated, _ := m.Update(errMsg{err: errFake})
	m = updated.(*dashboardModel)

	if !strings.Contains(m.View(), "Error:") {
		t.Errorf("Expected the error surfaced, got:\n%s", m.View())
	}
}

var errFake = &fakeErr{}

type fakeErr struct{}

func (*fakeErr) Error() string { return "fetch failed" }

func TestSetStartDashboardForTest(t *testing.T) {
	called := false
	SetStartDashboardForTest(func(SessionSource, BudgetSource, AgentLookup) error {
		called = true
		return nil
	})
	defer SetStartDashboardForTest(startDashboardDefault)

	if err := StartDashboard(&stubSource{}, nil, nil); err != nil {
		t.Fatalf("StartDashboard failed: %v", err)
	}
	if !called {
		t.Error("Expected the replacement starter to run")
	}
}

// startDashboardDefault restores the real starter after the swap test.
func startDashboardDefault(src SessionSource, budgets BudgetSource, agents AgentLookup) error {
	p := tea.NewProgram(newDashboardModel(src, budgets, agents))
	if _, err := p.Run(); err != nil {
		return err
	}
	return nil
}
