// Package tui renders loader state in the terminal with Bubble Tea and
// Lip Gloss.
package tui

import "github.com/charmbracelet/lipgloss"

// Palette.
const (
	ColorOK        = lipgloss.Color("42")
	ColorWarning   = lipgloss.Color("214")
	ColorCritical  = lipgloss.Color("196")
	ColorMuted     = lipgloss.Color("241")
	ColorLabel     = lipgloss.Color("245")
	ColorValue     = lipgloss.Color("255")
	ColorHeader    = lipgloss.Color("99")
	ColorSpinner   = lipgloss.Color("205")
	ColorBorder    = lipgloss.Color("238")
	ColorHighlight = lipgloss.Color("63")
)

// Status icons.
const (
	IconOK      = "✓"
	IconError   = "✗"
	IconRetry   = "↻"
	IconStopped = "■"
)

// borderPadding is the horizontal space a rounded border with padding takes.
const borderPadding = 4

//nolint:gochecknoglobals // Shared immutable styles.
var (
	HeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorHeader)
	LabelStyle  = lipgloss.NewStyle().Foreground(ColorLabel)
	ValueStyle  = lipgloss.NewStyle().Foreground(ColorValue).Bold(true)
	SubtleStyle = lipgloss.NewStyle().Foreground(ColorMuted)
	OKStyle     = lipgloss.NewStyle().Foreground(ColorOK).Bold(true)
	WarnStyle   = lipgloss.NewStyle().Foreground(ColorWarning)
	ErrorStyle  = lipgloss.NewStyle().Foreground(ColorCritical).Bold(true)
	SpinStyle   = lipgloss.NewStyle().Foreground(ColorSpinner)
	BoxStyle    = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder).
			Padding(0, 1)
	ErrorBoxStyle = BoxStyle.BorderForeground(ColorCritical)
	KindBadge     = lipgloss.NewStyle().
			Foreground(ColorValue).
			Background(ColorHighlight).
			Padding(0, 1)
)
