package theme

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

// Adaptive color pairs (dark terminal value, light terminal value).
var (
	ColorBlue   = lipgloss.AdaptiveColor{Dark: "#5B9BD5", Light: "#2B6CB0"}
	ColorGreen  = lipgloss.AdaptiveColor{Dark: "#6BCB77", Light: "#2F855A"}
	ColorYellow = lipgloss.AdaptiveColor{Dark: "#FFD93D", Light: "#B7791F"}
	ColorRed    = lipgloss.AdaptiveColor{Dark: "#FF6B6B", Light: "#C53030"}
	ColorGray   = lipgloss.AdaptiveColor{Dark: "#868E96", Light: "#718096"}
	ColorWhite  = lipgloss.AdaptiveColor{Dark: "#F8F9FA", Light: "#1A202C"}
)

// HeaderStyle is used for the run banner.
var HeaderStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(ColorWhite).
	Background(ColorBlue).
	Padding(0, 1)

// AccountStyle renders account keys in status lines.
var AccountStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(ColorBlue)

// HelpStyle is used for secondary details such as counts and durations.
var HelpStyle = lipgloss.NewStyle().
	Foreground(ColorGray).
	Italic(true)

// Status values understood by StatusStyle, besides the run statuses.
const (
	StatusWarn = "warn"
	StatusInfo = "info"
)

// StatusStyle returns a color-coded style for a run status ("ok",
// "failed") or one of the extra status values.
func StatusStyle(status string) lipgloss.Style {
	base := lipgloss.NewStyle().Bold(true)

	switch status {
	case "ok":
		return base.Foreground(ColorGreen)
	case "failed":
		return base.Foreground(ColorRed)
	case StatusWarn:
		return base.Foreground(ColorYellow)
	case StatusInfo:
		return base.Foreground(ColorBlue)
	default:
		return base.Foreground(ColorGray)
	}
}

// StatusBadge renders a status as a bracketed tag padded to six columns.
func StatusBadge(status string) string {
	return StatusStyle(status).Render(fmt.Sprintf("[%-6s]", status))
}
