package tui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var listTitleStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("205"))

var filters = []string{"", "planning", "running", "completed", "failed"}
var filterLabels = []string{"all", "planning", "running", "completed", "failed"}

// RunListModel manages the run list screen
type RunListModel struct {
	client      *Client
	list        list.Model
	runs        []RunItem
	filter      string
	filterIndex int
	loading     bool
}

// NewRunListModel creates a new run list model
func NewRunListModel(client *Client) *RunListModel {
	delegate := list.NewDefaultDelegate()
	l := list.New([]list.Item{}, delegate, 80, 20)
	l.Title = "Runs"
	l.SetShowStatusBar(true)
	l.SetFilteringEnabled(true)
	l.Styles.Title = listTitleStyle

	return &RunListModel{
		client: client,
		list:   l,
	}
}

// SetSize sets the list dimensions
func (m *RunListModel) SetSize(w, h int) {
	m.list.SetSize(w, h)
}

// SelectedRun returns the currently selected run
func (m *RunListModel) SelectedRun() *RunItem {
	if item := m.list.SelectedItem(); item != nil {
		run := item.(RunItem)
		return &run
	}
	return nil
}

// Filtering reports whether the list is capturing keys for its filter input.
func (m *RunListModel) Filtering() bool {
	return m.list.FilterState() == list.Filtering
}

// CycleFilter cycles through status filters
func (m *RunListModel) CycleFilter() {
	m.filterIndex = (m.filterIndex + 1) % len(filters)
	m.filter = filters[m.filterIndex]
	m.list.Title = fmt.Sprintf("Runs [%s]", filterLabels[m.filterIndex])
}

// Refresh fetches runs from the API
func (m *RunListModel) Refresh() tea.Cmd {
	m.loading = true
	filter := m.filter
	return func() tea.Msg {
		runs, err := m.client.ListRuns(filter)
		if err != nil {
			return errMsg{err}
		}
		items := make([]RunItem, len(runs))
		for i, r := range runs {
			items[i] = RunItem{RunSummary: r}
		}
		return runsLoadedMsg{items}
	}
}

// Update handles messages
func (m *RunListModel) Update(msg tea.Msg) (*RunListModel, tea.Cmd) {
	switch msg := msg.(type) {
	case runsLoadedMsg:
		m.loading = false
		m.runs = msg.runs
		items := make([]list.Item, len(m.runs))
		for i, r := range m.runs {
			items[i] = r
		}
		return m, m.list.SetItems(items)
	case errMsg:
		m.loading = false
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

// View renders the run list
func (m *RunListModel) View() string {
	if m.loading && len(m.runs) == 0 {
		return "Loading runs..."
	}
	return m.list.View()
}

type runsLoadedMsg struct {
	runs []RunItem
}
