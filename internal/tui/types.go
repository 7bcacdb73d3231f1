package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/waypoint/internal/models"
)

var (
	statusPlanning  = lipgloss.NewStyle().Foreground(lipgloss.Color("4")) // Blue
	statusPending   = lipgloss.NewStyle().Foreground(lipgloss.Color("3")) // Yellow
	statusRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("6")) // Cyan
	statusCompleted = lipgloss.NewStyle().Foreground(lipgloss.Color("2")) // Green
	statusFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")) // Red
	statusSkipped   = lipgloss.NewStyle().Foreground(lipgloss.Color("8")) // Gray
)

// RunItem implements list.Item for the run list
type RunItem struct {
	models.RunSummary
}

func (i RunItem) FilterValue() string { return i.Goal }
func (i RunItem) Title() string       { return i.Goal }
func (i RunItem) Description() string {
	return fmt.Sprintf("%s • %s • %d iterations • %s",
		formatStatus(string(i.Status)), shortID(i.RunID), i.IterationCount, i.UpdatedAt.Local().Format(time.DateTime))
}

// RunDetail is a run as served by GET /runs/{id}
type RunDetail struct {
	models.RunState
	Active bool `json:"active"`
}

func formatStatus(status string) string {
	switch status {
	case string(models.RunPlanning):
		return statusPlanning.Render("◌ planning")
	case string(models.StepPending):
		return statusPending.Render("○ pending")
	case string(models.RunRunning):
		return statusRunning.Render("● running")
	case string(models.RunCompleted):
		return statusCompleted.Render("● completed")
	case string(models.StepSucceeded):
		return statusCompleted.Render("● succeeded")
	case string(models.RunFailed):
		return statusFailed.Render("✗ failed")
	case string(models.StepSkipped):
		return statusSkipped.Render("- skipped")
	default:
		return status
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
