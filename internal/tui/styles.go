package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/hugo-lorenzo-mato/verdict/internal/core"
)

var (
	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary).
			Background(ColorBackground).
			Padding(0, 1)

	FooterStyle = lipgloss.NewStyle().
			Foreground(ColorTextMuted).
			MarginTop(1)

	BoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder).
			Padding(0, 1)

	RowStyle = lipgloss.NewStyle().
			Foreground(ColorText).
			PaddingLeft(1)

	SelectedRowStyle = lipgloss.NewStyle().
				Foreground(ColorText).
				Background(ColorHighlight).
				Bold(true).
				PaddingLeft(1)

	SubtleStyle = lipgloss.NewStyle().
			Foreground(ColorTextMuted)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorError).
			Bold(true)

	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorSecondary)
)

// BadgeStyle returns the badge for a session status.
func BadgeStyle(status core.SessionStatus, decision core.Decision) lipgloss.Style {
	base := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FFFFFF")).
		Padding(0, 1).
		Bold(true)
	switch status {
	case core.StatusVoting:
		return base.Background(ColorInfo)
	case core.StatusDecided, core.StatusEscalated:
		return base.Background(DecisionColor(string(decision)))
	default:
		return base.Background(ColorBorder)
	}
}

// VoteStyle colors a vote type.
func VoteStyle(voteType string) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(DecisionColor(voteType))
}
