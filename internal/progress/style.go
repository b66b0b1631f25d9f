package progress

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

const (
	butterscotch  = "#FF9966"
	gold          = "#FFAA00"
	blue          = "#9999CC"
	redAlert      = "#FF3333"
	yellowCaution = "#FFCC00"
	greenOk       = "#33FF33"
	galaxyGray    = "#52526A"
)

const (
	iconDone    = "✓"
	iconWorking = "●"
	iconFailed  = "✗"
	iconAlert   = "⚠"
)

// styles are bound to one renderer so colour follows the reporter's writer, not stdout.
type styles struct {
	profile termenv.Profile

	heading lipgloss.Style
	active  lipgloss.Style
	success lipgloss.Style
	failure lipgloss.Style
	warning lipgloss.Style
	info    lipgloss.Style
	muted   lipgloss.Style
}

func newStyles(renderer *lipgloss.Renderer) styles {
	return styles{
		profile: renderer.ColorProfile(),
		heading: renderer.NewStyle().Bold(true),
		active:  renderer.NewStyle().Foreground(lcarsColor(renderer, butterscotch, "209", "11")).Bold(true),
		success: renderer.NewStyle().Foreground(lcarsColor(renderer, greenOk, "46", "10")).Bold(true),
		failure: renderer.NewStyle().Foreground(lcarsColor(renderer, redAlert, "203", "9")).Bold(true),
		warning: renderer.NewStyle().Foreground(lcarsColor(renderer, yellowCaution, "220", "11")),
		info:    renderer.NewStyle().Foreground(lcarsColor(renderer, blue, "146", "12")),
		muted:   renderer.NewStyle().Faint(true),
	}
}

func lcarsColor(renderer *lipgloss.Renderer, hex string, ansi256 string, ansi string) lipgloss.TerminalColor {
	switch renderer.ColorProfile() {
	case termenv.ANSI256, termenv.ANSI:
		return lipgloss.CompleteColor{TrueColor: hex, ANSI256: ansi256, ANSI: ansi}
	default:
		return lipgloss.Color(hex)
	}
}
