package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	cmdBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("235")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true)
)

// CmdBarModel manages the command input bar
type CmdBarModel struct {
	input       textinput.Model
	suggestions *Suggestions
	focused     bool
	message     string
}

// NewCmdBarModel creates a new command bar
func NewCmdBarModel() *CmdBarModel {
	ti := textinput.New()
	ti.Placeholder = "start <goal> | cancel | resume | filter | quit"
	ti.CharLimit = 512
	return &CmdBarModel{
		input:       ti,
		suggestions: NewSuggestions(),
	}
}

// Focused reports whether the bar is taking input
func (m *CmdBarModel) Focused() bool {
	return m.focused
}

// Focus focuses the command bar
func (m *CmdBarModel) Focus() tea.Cmd {
	m.focused = true
	m.message = ""
	return m.input.Focus()
}

// Blur unfocuses the command bar
func (m *CmdBarModel) Blur() {
	m.focused = false
	m.input.Blur()
	m.input.SetValue("")
	m.suggestions.Update("")
}

// Submit returns the current input and blurs. A highlighted suggestion is
// completed instead of submitted.
func (m *CmdBarModel) Submit() (string, bool) {
	if sel := m.suggestions.Selected(); sel != nil && !strings.HasPrefix(m.input.Value(), sel.Text) {
		m.input.SetValue(sel.Text + " ")
		m.input.CursorEnd()
		m.suggestions.Update("")
		return "", false
	}
	val := m.input.Value()
	m.Blur()
	return val, true
}

// SetMessage shows a result in place of the prompt
func (m *CmdBarModel) SetMessage(msg string) {
	m.message = msg
}

// Update handles messages
func (m *CmdBarModel) Update(msg tea.Msg) (*CmdBarModel, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "esc":
			m.Blur()
			return m, nil
		case "tab", "down":
			m.suggestions.Next()
			return m, nil
		case "shift+tab", "up":
			m.suggestions.Prev()
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	m.suggestions.Update(m.input.Value())
	return m, cmd
}

// View renders the command bar
func (m *CmdBarModel) View(width int) string {
	if m.focused {
		prompt := promptStyle.Render(": ")
		view := cmdBarStyle.Render(prompt + m.input.View())
		if m.suggestions.IsVisible() {
			view = m.suggestions.Render(width) + "\n" + view
		}
		return view
	}
	if m.message != "" {
		return cmdBarStyle.Render(m.message)
	}
	return cmdBarStyle.Render("Press : to enter a command (start, cancel, resume, filter, quit)")
}

// Execute processes a command. selectedRun returns the run under the cursor.
func (m *CmdBarModel) Execute(client *Client, input string, selectedRun func() string) tea.Cmd {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return nil
	}

	cmd := parts[0]
	args := parts[1:]

	runID := func() string {
		if len(args) > 0 {
			return args[0]
		}
		return selectedRun()
	}

	switch cmd {
	case "q", "quit", "exit":
		return tea.Quit
	case "filter":
		return func() tea.Msg { return cycleFilterMsg{} }
	}

	return func() tea.Msg {
		switch cmd {
		case "start":
			if len(args) < 1 {
				return cmdResultMsg{"Usage: start <goal>"}
			}
			id, err := client.StartRun(strings.Join(args, " "))
			if err != nil {
				return cmdResultMsg{fmt.Sprintf("Error: %v", err)}
			}
			return cmdResultMsg{fmt.Sprintf("Started run %s", shortID(id))}

		case "cancel":
			id := runID()
			if id == "" {
				return cmdResultMsg{"No run selected"}
			}
			if err := client.CancelRun(id); err != nil {
				return cmdResultMsg{fmt.Sprintf("Error: %v", err)}
			}
			return cmdResultMsg{fmt.Sprintf("Cancelling run %s", shortID(id))}

		case "resume":
			id := runID()
			if id == "" {
				return cmdResultMsg{"No run selected"}
			}
			if err := client.ResumeRun(id); err != nil {
				return cmdResultMsg{fmt.Sprintf("Error: %v", err)}
			}
			return cmdResultMsg{fmt.Sprintf("Resumed run %s", shortID(id))}
		}
		return cmdResultMsg{fmt.Sprintf("Unknown command: %s", cmd)}
	}
}

type cmdResultMsg struct {
	message string
}

type cycleFilterMsg struct{}
