// Package ui renders the live session dashboard for the crewly top
// command.
package ui

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"crewly/internal/budget"
	"crewly/internal/engine"
)

// SessionSource lists the sessions the engine tracks. Defined locally so
// the dashboard can be driven by anything that looks like the engine.
type SessionSource interface {
	Sessions() []engine.SessionStatus
}

// BudgetSource reports an agent's standing against its daily limit.
type BudgetSource interface {
	Check(agentID string) (budget.Status, error)
}

// AgentLookup maps a session ref to its agent ID for the budget column.
type AgentLookup func(sessionRef string) string

var baseStyle = lipgloss.NewStyle().
	BorderStyle(lipgloss.NormalBorder()).
	BorderForeground(lipgloss.Color("240"))

var startDashboard = func(src SessionSource, budgets BudgetSource, agents AgentLookup) error {
	p := tea.NewProgram(newDashboardModel(src, budgets, agents), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running TUI: %v\n", err)
		return err
	}
	return nil
}

// StartDashboard runs the session dashboard until the user quits.
// budgets and agents may be nil; the budget column then shows n/a.
func StartDashboard(src SessionSource, budgets BudgetSource, agents AgentLookup) error {
	return startDashboard(src, budgets, agents)
}

// SetStartDashboardForTest replaces the TUI starter.
func SetStartDashboardForTest(fn func(SessionSource, BudgetSource, AgentLookup) error) {
	startDashboard = fn
}

type dashboardModel struct {
	table    table.Model
	src      SessionSource
	budgets  BudgetSource
	agents   AgentLookup
	sessions []engine.SessionStatus
	err      error
}

type sessionsMsg []engine.SessionStatus
type errMsg struct{ err error }
type tickMsg time.Time

func newDashboardModel(src SessionSource, budgets BudgetSource, agents AgentLookup) *dashboardModel {
	columns := []table.Column{
		{Title: "SESSION", Width: 20},
		{Title: "STATE", Width: 10},
		{Title: "ALIVE", Width: 6},
		{Title: "TRIGGER", Width: 16},
		{Title: "LAST ACTION", Width: 18},
		{Title: "ITER", Width: 8},
		{Title: "EVENTS", Width: 7},
		{Title: "BUDGET", Width: 8},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithRows([]table.Row{}),
		table.WithFocused(true),
		table.WithHeight(15),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return &dashboardModel{table: t, src: src, budgets: budgets, agents: agents}
}

func (m *dashboardModel) Init() tea.Cmd {
	return tea.Batch(tickCmd(), fetchSessions(m.src))
}

func (m *dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		return m, tea.Batch(tickCmd(), fetchSessions(m.src))
	case sessionsMsg:
		m.sessions = msg
		m.updateTable()
		return m, nil
	case errMsg:
		m.err = msg.err
		return m, nil
	case tea.WindowSizeMsg:
		m.table.SetHeight(msg.Height - 5)
		return m, nil
	}
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *dashboardModel) View() string {
	if m.err != nil {
		return fmt.Sprintf("Error: %v\n\nPress 'q' to quit.", m.err)
	}
	title := " Crewly Session Monitor "
	help := "\n  ↑/↓: Navigate • q: Quit"
	return baseStyle.Render(title+"\n"+m.table.View()) + help
}

func (m *dashboardModel) updateTable() {
	rows := make([]table.Row, len(m.sessions))
	for i, st := range m.sessions {
		alive := "no"
		if st.Alive {
			alive = "yes"
		}
		rows[i] = table.Row{
			st.SessionRef,
			string(st.State),
			alive,
			st.LastTrigger,
			st.LastAction,
			iterationsOf(st),
			fmt.Sprintf("%d", st.EventsHandled),
			m.budgetOf(st.SessionRef),
		}
	}
	m.table.SetRows(rows)
}

func iterationsOf(st engine.SessionStatus) string {
	if st.LastAnalysis == nil {
		return "-"
	}
	return fmt.Sprintf("%d/%d", st.LastAnalysis.Iterations, st.LastAnalysis.MaxIterations)
}

func (m *dashboardModel) budgetOf(ref string) string {
	if m.budgets == nil || m.agents == nil {
		return "n/a"
	}
	agentID := m.agents(ref)
	if agentID == "" {
		return "n/a"
	}
	st, err := m.budgets.Check(agentID)
	if err != nil {
		return "n/a"
	}
	if st.DailyLimit <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.0f%%", st.PercentUsed*100)
}

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchSessions(src SessionSource) tea.Cmd {
	return func() tea.Msg {
		return sessionsMsg(src.Sessions())
	}
}
