package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/waypoint/internal/models"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("240"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("255"))

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			MarginTop(1)
)

// RunDetailModel manages the run detail screen
type RunDetailModel struct {
	client    *Client
	runID     string
	run       *RunDetail
	decisions []models.Decision
	viewport  viewport.Model
	loading   bool
}

// NewRunDetailModel creates a new run detail model
func NewRunDetailModel(client *Client) *RunDetailModel {
	return &RunDetailModel{
		client:   client,
		viewport: viewport.New(80, 20),
	}
}

// SetRun sets the run ID to display
func (m *RunDetailModel) SetRun(id string) {
	m.runID = id
	m.run = nil
	m.decisions = nil
	m.viewport.GotoTop()
}

// RunID returns the displayed run
func (m *RunDetailModel) RunID() string {
	return m.runID
}

// SetSize sets the dimensions
func (m *RunDetailModel) SetSize(w, h int) {
	m.viewport.Width = w
	m.viewport.Height = h
}

// Refresh fetches run details
func (m *RunDetailModel) Refresh() tea.Cmd {
	m.loading = true
	runID := m.runID
	return func() tea.Msg {
		run, err := m.client.GetRun(runID)
		if err != nil {
			return errMsg{err}
		}
		decisions, _ := m.client.Decisions(runID)
		return runDetailLoadedMsg{run, decisions}
	}
}

// Update handles messages
func (m *RunDetailModel) Update(msg tea.Msg) (*RunDetailModel, tea.Cmd) {
	switch msg := msg.(type) {
	case runDetailLoadedMsg:
		if msg.run.RunID != m.runID {
			return m, nil
		}
		m.loading = false
		m.run = msg.run
		m.decisions = msg.decisions
		m.viewport.SetContent(m.render())
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// View renders the run detail
func (m *RunDetailModel) View() string {
	if m.run == nil {
		return "Loading run details..."
	}
	return m.viewport.View()
}

func (m *RunDetailModel) render() string {
	r := m.run
	var b strings.Builder

	b.WriteString(headerStyle.Render(r.Goal.Text))
	b.WriteString("\n\n")

	status := formatStatus(string(r.Status))
	if r.Active {
		status += labelStyle.Render(" (active)")
	}
	b.WriteString(renderField("Run", r.RunID))
	b.WriteString(renderField("Status", status))
	b.WriteString(renderField("Iterations", fmt.Sprintf("%d / %d", r.IterationCount, r.Goal.Config.MaxIterations)))
	b.WriteString(renderField("Updated", r.UpdatedAt.Local().Format("2006-01-02 15:04:05")))
	if r.ErrorMessage != "" {
		b.WriteString(renderField("Error", statusFailed.Render(r.ErrorMessage)))
	}

	if r.Plan != nil {
		b.WriteString(sectionStyle.Render(fmt.Sprintf("Steps (%s plan)", r.Plan.Provenance)))
		b.WriteString("\n")
		names := make(map[string]string, len(r.Plan.Steps))
		for _, s := range r.Plan.Steps {
			names[s.ID] = s.Name
		}
		for _, s := range r.Plan.Steps {
			b.WriteString(fmt.Sprintf("  %s %s", formatStatus(string(s.Status)), s.Name))
			if len(s.DependsOn) > 0 {
				deps := make([]string, len(s.DependsOn))
				for i, d := range s.DependsOn {
					deps[i] = names[d]
				}
				b.WriteString(labelStyle.Render(" ← " + strings.Join(deps, ", ")))
			}
			if s.Attempts > 1 {
				b.WriteString(labelStyle.Render(fmt.Sprintf(" (%d attempts)", s.Attempts)))
			}
			b.WriteString("\n")
			if s.Result != "" {
				b.WriteString(fmt.Sprintf("    → %s\n", truncate(s.Result, 100)))
			}
			if s.Error != "" {
				b.WriteString(fmt.Sprintf("    %s\n", statusFailed.Render(truncate(s.Error, 100))))
			}
		}
	}

	if r.FinalOutcome != "" {
		b.WriteString(sectionStyle.Render("Outcome"))
		b.WriteString("\n")
		b.WriteString(r.FinalOutcome)
		b.WriteString("\n")
	}

	if len(m.decisions) > 0 {
		b.WriteString(sectionStyle.Render("Decisions"))
		b.WriteString("\n")
		for _, d := range m.decisions {
			line := fmt.Sprintf("  %s %-15s %s", d.Timestamp.Local().Format("15:04:05"), d.Action, d.Outcome)
			if d.Details != "" {
				line += labelStyle.Render("  " + truncate(d.Details, 60))
			}
			b.WriteString(line + "\n")
		}
	}

	return b.String()
}

func renderField(label, value string) string {
	return fmt.Sprintf("%s %s\n", labelStyle.Render(label+":"), valueStyle.Render(value))
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

type runDetailLoadedMsg struct {
	run       *RunDetail
	decisions []models.Decision
}
