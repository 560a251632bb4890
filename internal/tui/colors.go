// Package tui renders a live terminal view of review sessions.
package tui

import "github.com/charmbracelet/lipgloss"

// Color palette
var (
	ColorPrimary   = lipgloss.Color("#7C3AED") // Purple
	ColorSecondary = lipgloss.Color("#06B6D4") // Cyan

	ColorSuccess = lipgloss.Color("#10B981") // Green
	ColorWarning = lipgloss.Color("#F59E0B") // Amber
	ColorError   = lipgloss.Color("#EF4444") // Red
	ColorInfo    = lipgloss.Color("#3B82F6") // Blue

	ColorText       = lipgloss.Color("#E5E7EB")
	ColorTextMuted  = lipgloss.Color("#9CA3AF")
	ColorBorder     = lipgloss.Color("#374151")
	ColorBackground = lipgloss.Color("#1F2937")
	ColorHighlight  = lipgloss.Color("#374151")
)

// DecisionColor returns the color used for a decision or vote type.
func DecisionColor(kind string) lipgloss.Color {
	switch kind {
	case "approved", "approve":
		return ColorSuccess
	case "rejected", "reject":
		return ColorError
	case "escalated", "escalate":
		return ColorWarning
	default:
		return ColorTextMuted
	}
}
