// Package theme provides the Lip Gloss palette and reusable styles for the
// plrelay CLI output. It is a leaf package with no internal imports.
package theme

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// State colors.
var (
	ColorCreated   = lipgloss.Color("#7c3aed")
	ColorRunning   = lipgloss.Color("#2563eb")
	ColorCompleted = lipgloss.Color("#16a34a")
	ColorCancelled = lipgloss.Color("#d97706")
	ColorErrored   = lipgloss.Color("#dc2626")
	ColorDefault   = lipgloss.Color("#9ca3af")
)

// UI chrome colors.
var (
	ColorBorder = lipgloss.Color("#4b5563")
	ColorDimmed = lipgloss.Color("#6b7280")
	ColorBright = lipgloss.Color("#f9fafb")
	ColorBar    = lipgloss.Color("#06b6d4")
)

// StateColor returns the color for a session state or terminal event name.
func StateColor(state string) lipgloss.Color {
	switch state {
	case "created":
		return ColorCreated
	case "running", "progress", "total":
		return ColorRunning
	case "completed", "complete":
		return ColorCompleted
	case "cancelled":
		return ColorCancelled
	case "errored", "error":
		return ColorErrored
	default:
		return ColorDefault
	}
}

// StateGlyph returns a glyph representing a session state.
func StateGlyph(state string) string {
	switch state {
	case "created":
		return "◎"
	case "running":
		return "●>"
	case "completed", "complete":
		return "✓"
	case "cancelled":
		return "◌"
	case "errored", "error":
		return "✗"
	default:
		return "·"
	}
}

// Badge renders state with its glyph and color.
func Badge(state string) string {
	return lipgloss.NewStyle().Foreground(StateColor(state)).Render(StateGlyph(state) + " " + state)
}

// Bar renders a completed/total progress bar of the given width.
func Bar(completed, total, width int) string {
	if width <= 0 {
		return ""
	}
	filled := 0
	if total > 0 {
		filled = min(completed*width/total, width)
	}
	done := lipgloss.NewStyle().Foreground(ColorBar).Render(strings.Repeat("█", filled))
	rest := StyleDimmed.Render(strings.Repeat("░", width-filled))
	return done + rest
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder).
		Padding(0, 1)

	StyleHeader = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
		Foreground(ColorDimmed)

	StyleError = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorErrored)

	StyleSuccess = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorCompleted)
)
