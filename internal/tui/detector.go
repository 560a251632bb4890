package tui

import (
	"os"

	"golang.org/x/term"
)

// OutputMode selects how watch output is rendered.
type OutputMode int

const (
	// ModeTUI uses the full-screen Bubbletea view.
	ModeTUI OutputMode = iota
	// ModePlain prints one line per event.
	ModePlain
	// ModeJSON prints one JSON object per event.
	ModeJSON
)

func (m OutputMode) String() string {
	switch m {
	case ModeTUI:
		return "tui"
	case ModePlain:
		return "plain"
	case ModeJSON:
		return "json"
	default:
		return "unknown"
	}
}

// ParseOutputMode parses a mode name. Unknown names and "" mean auto.
func ParseOutputMode(s string) (OutputMode, bool) {
	switch s {
	case "tui":
		return ModeTUI, true
	case "plain":
		return ModePlain, true
	case "json":
		return ModeJSON, true
	default:
		return ModeTUI, false
	}
}

// Detector picks the output mode for the current process.
type Detector struct {
	forced *OutputMode
	isTTY  func() bool
}

// NewDetector creates a detector that checks whether stdout is a terminal.
func NewDetector() *Detector {
	return &Detector{isTTY: func() bool { return term.IsTerminal(int(os.Stdout.Fd())) }}
}

// Force overrides detection.
func (d *Detector) Force(mode OutputMode) *Detector {
	d.forced = &mode
	return d
}

// Detect returns the forced mode, VERDICT_OUTPUT, plain for CI and pipes,
// and the TUI otherwise.
func (d *Detector) Detect() OutputMode {
	if d.forced != nil {
		return *d.forced
	}
	if mode, ok := ParseOutputMode(os.Getenv("VERDICT_OUTPUT")); ok {
		return mode
	}
	if os.Getenv("CI") != "" || os.Getenv("GITHUB_ACTIONS") != "" {
		return ModePlain
	}
	if !d.isTTY() {
		return ModePlain
	}
	return ModeTUI
}

// TerminalSize returns the terminal dimensions, or 80x24.
func TerminalSize() (width, height int) {
	w, h, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 80, 24
	}
	return w, h
}
