package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Suggestions provides autocomplete for commands
type Suggestions struct {
	items       []SuggestionItem
	filtered    []SuggestionItem
	selectedIdx int
	visible     bool
}

// SuggestionItem represents a single autocomplete suggestion
type SuggestionItem struct {
	Text        string
	Description string
}

var commandSuggestions = []SuggestionItem{
	{Text: "start", Description: "Start a run for a new goal"},
	{Text: "cancel", Description: "Cancel the selected run"},
	{Text: "resume", Description: "Resume the selected run from its checkpoint"},
	{Text: "filter", Description: "Cycle the status filter"},
	{Text: "quit", Description: "Exit"},
}

// NewSuggestions creates a new suggestions handler
func NewSuggestions() *Suggestions {
	return &Suggestions{items: commandSuggestions}
}

// Update updates suggestions based on current input. Suggestions are shown
// only while the first word is being typed.
func (s *Suggestions) Update(input string) {
	if input == "" || strings.Contains(input, " ") {
		s.visible = false
		s.filtered = nil
		return
	}
	s.visible = true
	s.filter(strings.ToLower(input))
}

func (s *Suggestions) filter(query string) {
	s.filtered = s.filtered[:0]
	for _, item := range s.items {
		if strings.HasPrefix(item.Text, query) {
			s.filtered = append(s.filtered, item)
		}
	}
	s.selectedIdx = 0
}

// Next moves to the next suggestion
func (s *Suggestions) Next() {
	if len(s.filtered) == 0 {
		return
	}
	s.selectedIdx = (s.selectedIdx + 1) % len(s.filtered)
}

// Prev moves to the previous suggestion
func (s *Suggestions) Prev() {
	if len(s.filtered) == 0 {
		return
	}
	s.selectedIdx--
	if s.selectedIdx < 0 {
		s.selectedIdx = len(s.filtered) - 1
	}
}

// Selected returns the currently selected suggestion
func (s *Suggestions) Selected() *SuggestionItem {
	if !s.IsVisible() || s.selectedIdx >= len(s.filtered) {
		return nil
	}
	return &s.filtered[s.selectedIdx]
}

// IsVisible returns whether suggestions are currently visible
func (s *Suggestions) IsVisible() bool {
	return s.visible && len(s.filtered) > 0
}

// Render renders the suggestions dropdown
func (s *Suggestions) Render(width int) string {
	if !s.IsVisible() {
		return ""
	}

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#6366F1")).
		Padding(0, 1)
	if width > 4 {
		boxStyle = boxStyle.Width(width - 4)
	}

	selectedStyle := lipgloss.NewStyle().
		Background(lipgloss.Color("#7C3AED")).
		Foreground(lipgloss.Color("#F9FAFB")).
		Bold(true)

	itemStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#F9FAFB"))

	descStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#6B7280")).
		Italic(true)

	var b strings.Builder
	for i, item := range s.filtered {
		if i > 0 {
			b.WriteString("\n")
		}
		if i == s.selectedIdx {
			b.WriteString(selectedStyle.Render(fmt.Sprintf("▶ %-8s", item.Text)))
		} else {
			b.WriteString(itemStyle.Render(fmt.Sprintf("  %-8s", item.Text)))
		}
		b.WriteString(" " + descStyle.Render(item.Description))
	}
	return boxStyle.Render(b.String())
}
