package tui

import (
	"os"
	"strings"

	"golang.org/x/term"
)

// OutputMode says how progress should be shown.
type OutputMode int

const (
	// OutputPlain prints one line per state change.
	OutputPlain OutputMode = iota
	// OutputInteractive runs the full-screen model.
	OutputInteractive
)

func (m OutputMode) String() string {
	if m == OutputInteractive {
		return "interactive"
	}
	return "plain"
}

// DetectOutputMode picks interactive output only when out is a terminal,
// TERM is not "dumb", and the caller did not force plain output.
func DetectOutputMode(out *os.File, forcePlain bool) OutputMode {
	if forcePlain || out == nil {
		return OutputPlain
	}
	if strings.EqualFold(os.Getenv("TERM"), "dumb") {
		return OutputPlain
	}
	if !term.IsTerminal(int(out.Fd())) { //nolint:gosec // Fd fits in int on supported platforms.
		return OutputPlain
	}
	return OutputInteractive
}

// TerminalWidth returns the width of out, or fallback when unknown.
func TerminalWidth(out *os.File, fallback int) int {
	if out == nil {
		return fallback
	}
	w, _, err := term.GetSize(int(out.Fd())) //nolint:gosec // Fd fits in int on supported platforms.
	if err != nil || w <= 0 {
		return fallback
	}
	return w
}
