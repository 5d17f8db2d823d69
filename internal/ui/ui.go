// Package ui provides terminal rendering helpers for the attendsync CLI.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// colorEnabled reports whether styled output should be produced: a real
// terminal with a color profile better than plain ASCII.
func colorEnabled() bool {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return false
	}
	return termenv.EnvColorProfile() != termenv.Ascii
}

func render(style lipgloss.Style, s string) string {
	if !colorEnabled() {
		return s
	}
	return style.Render(s)
}

// RenderPass renders a success marker.
func RenderPass(s string) string { return render(passStyle, s) }

// RenderWarn renders a warning marker.
func RenderWarn(s string) string { return render(warnStyle, s) }

// RenderFail renders a failure marker.
func RenderFail(s string) string { return render(failStyle, s) }

// RenderAccent renders emphasized text.
func RenderAccent(s string) string { return render(accentStyle, s) }

// RenderMuted renders de-emphasized text.
func RenderMuted(s string) string { return render(mutedStyle, s) }
