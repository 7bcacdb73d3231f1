// Package tui provides the interactive terminal UI for Waypoint.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// refreshInterval is how often the visible screen is refetched.
const refreshInterval = 2 * time.Second

var (
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	errorColor   = lipgloss.Color("#EF4444")
	fgColor      = lipgloss.Color("#F9FAFB")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	onlineStyle  = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	offlineStyle = lipgloss.NewStyle().Foreground(errorColor)
)

type mode int

const (
	modeList mode = iota
	modeDetail
)

// App is the main TUI application model.
type App struct {
	client       *Client
	runList      *RunListModel
	runDetail    *RunDetailModel
	cmdBar       *CmdBarModel
	mode         mode
	width        int
	height       int
	daemonOnline bool
}

// New creates a new TUI application.
func New(apiAddr string) *App {
	client := NewClient(apiAddr)
	return &App{
		client:    client,
		runList:   NewRunListModel(client),
		runDetail: NewRunDetailModel(client),
		cmdBar:    NewCmdBarModel(),
		mode:      modeList,
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		a.runList.Refresh(),
		a.checkDaemon(),
		a.tickCmd(),
	)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		contentHeight := max(msg.Height-4, 5)
		a.runList.SetSize(msg.Width, contentHeight)
		a.runDetail.SetSize(msg.Width, contentHeight)
		return a, nil

	case tea.KeyMsg:
		if a.cmdBar.Focused() {
			return a.updateCmdBar(msg)
		}
		if a.mode == modeList && a.runList.Filtering() {
			break
		}
		if cmd, handled := a.handleKey(msg); handled {
			return a, cmd
		}

	case tickMsg:
		return a, tea.Batch(a.refresh(), a.checkDaemon(), a.tickCmd())

	case daemonStatusMsg:
		a.daemonOnline = msg.online
		return a, nil

	case cmdResultMsg:
		a.cmdBar.SetMessage(msg.message)
		return a, a.refresh()

	case cycleFilterMsg:
		a.runList.CycleFilter()
		return a, a.runList.Refresh()

	case errMsg:
		a.cmdBar.SetMessage("Error: " + msg.err.Error())
	}

	var cmd tea.Cmd
	switch a.mode {
	case modeList:
		a.runList, cmd = a.runList.Update(msg)
	case modeDetail:
		a.runDetail, cmd = a.runDetail.Update(msg)
	}
	return a, cmd
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch msg.String() {
	case "ctrl+c", "q":
		return tea.Quit, true

	case ":":
		return a.cmdBar.Focus(), true

	case "esc":
		if a.mode == modeDetail {
			a.mode = modeList
			return a.runList.Refresh(), true
		}

	case "enter":
		if a.mode == modeList {
			if run := a.runList.SelectedRun(); run != nil {
				a.mode = modeDetail
				a.runDetail.SetRun(run.RunID)
				return a.runDetail.Refresh(), true
			}
		}

	case "c":
		return a.cmdBar.Execute(a.client, "cancel", a.selectedRunID), true

	case "r":
		return a.cmdBar.Execute(a.client, "resume", a.selectedRunID), true

	case "f":
		if a.mode == modeList {
			a.runList.CycleFilter()
			return a.runList.Refresh(), true
		}
	}
	return nil, false
}

func (a *App) updateCmdBar(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "enter" {
		input, ok := a.cmdBar.Submit()
		if !ok {
			return a, nil
		}
		return a, a.cmdBar.Execute(a.client, strings.TrimSpace(input), a.selectedRunID)
	}
	var cmd tea.Cmd
	a.cmdBar, cmd = a.cmdBar.Update(msg)
	return a, cmd
}

func (a *App) selectedRunID() string {
	if a.mode == modeDetail {
		return a.runDetail.RunID()
	}
	if run := a.runList.SelectedRun(); run != nil {
		return run.RunID
	}
	return ""
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemonStatus := onlineStyle.Render("● DAEMON")
	if !a.daemonOnline {
		daemonStatus = offlineStyle.Render("○ DAEMON")
	}
	b.WriteString(titleStyle.Render("Waypoint") + "  " + daemonStatus + "\n")

	switch a.mode {
	case modeList:
		b.WriteString(a.runList.View())
	case modeDetail:
		b.WriteString(a.runDetail.View())
	}
	b.WriteString("\n")
	b.WriteString(a.cmdBar.View(a.width))
	b.WriteString("\n")

	var status string
	switch a.mode {
	case modeList:
		status = fmt.Sprintf(" Runs: %d | enter:open | c:cancel | r:resume | f:filter | /:search | ::command | q:quit", len(a.runList.runs))
	case modeDetail:
		status = " esc:back | ↑↓:scroll | c:cancel | r:resume | ::command | q:quit"
	}
	b.WriteString(statusBarStyle.Width(a.width).Render(status))

	return b.String()
}

func (a *App) refresh() tea.Cmd {
	if a.mode == modeDetail {
		return a.runDetail.Refresh()
	}
	return a.runList.Refresh()
}

func (a *App) checkDaemon() tea.Cmd {
	return func() tea.Msg {
		ok, err := a.client.CheckHealth()
		return daemonStatusMsg{online: err == nil && ok}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type errMsg struct {
	err error
}

type daemonStatusMsg struct {
	online bool
}

type tickMsg time.Time
