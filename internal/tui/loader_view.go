package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/rshade/loadstate/internal/errkind"
	"github.com/rshade/loadstate/internal/loader"
	"github.com/rshade/loadstate/internal/storage"
)

// View renders the current view (Bubble Tea interface).
func (m *LoaderModel[T]) View() string {
	if m.quitting {
		return ""
	}

	sections := []string{HeaderStyle.Render(m.title)}

	switch m.state.Status {
	case loader.StatusIdle:
		sections = append(sections, SubtleStyle.Render("Waiting to start..."))
	case loader.StatusLoading:
		sections = append(sections, m.renderLoading())
	case loader.StatusSuccess:
		sections = append(sections, m.renderSuccess())
	case loader.StatusError:
		sections = append(sections, m.renderError())
	}

	if m.err != nil {
		sections = append(sections, ErrorStyle.Render(m.err.Error()))
	}
	sections = append(sections, m.renderHelp())

	return lipgloss.JoinVertical(lipgloss.Left, sections...) + "\n"
}

func (m *LoaderModel[T]) renderLoading() string {
	line := fmt.Sprintf("%s Loading...", m.spinner.View())
	if m.state.Attempt > 0 {
		line += SubtleStyle.Render(fmt.Sprintf(" (%s)", attemptLabel(m.state.Attempt, m.loader.Policy())))
	}
	return line
}

func (m *LoaderModel[T]) renderSuccess() string {
	body := ""
	if m.render != nil {
		body = m.render(m.state.Data)
	}
	header := OKStyle.Render(IconOK + " Loaded")
	if body == "" {
		return header
	}
	return lipgloss.JoinVertical(lipgloss.Left, header, BoxStyle.Width(m.boxWidth()).Render(body))
}

func (m *LoaderModel[T]) renderError() string {
	var content strings.Builder

	content.WriteString(ErrorStyle.Render(IconError + " Failed"))
	content.WriteString(" ")
	content.WriteString(KindBadge.Render(m.state.Kind().String()))
	content.WriteString("\n")
	content.WriteString(ValueStyle.Render(errkind.Message(m.state.Err)))
	content.WriteString("\n")

	if m.state.Retrying() {
		content.WriteString(WarnStyle.Render(fmt.Sprintf("%s retrying in %s", IconRetry, countdown(m.RetryRemaining()))))
		content.WriteString(SubtleStyle.Render(fmt.Sprintf(" (%s)", attemptLabel(m.state.Attempt+1, m.loader.Policy()))))
	} else {
		content.WriteString(LabelStyle.Render("press r to retry"))
	}

	return ErrorBoxStyle.Width(m.boxWidth()).Render(content.String())
}

func (m *LoaderModel[T]) renderHelp() string {
	shortcuts := []string{"r: Retry", "q: Quit"}
	return SubtleStyle.Render(strings.Join(shortcuts, " | "))
}

func (m *LoaderModel[T]) boxWidth() int {
	return max(m.width-borderPadding, 20)
}

// attemptLabel names attempt n (0-based) out of the policy's total.
func attemptLabel(n int, p loader.Policy) string {
	return fmt.Sprintf("attempt %d of %d", n+1, p.MaxAttempts+1)
}

// countdown rounds d up to whole seconds for display.
func countdown(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	return storage.FormatDuration((d + time.Second - 1).Truncate(time.Second))
}

// PlainLine renders s as a single line for non-interactive output. render
// formats a successful value and may be nil.
func PlainLine[T any](name string, s loader.State[T], render func(T) string) string {
	prefix := name + ": "
	switch s.Status {
	case loader.StatusIdle:
		return prefix + "idle"
	case loader.StatusLoading:
		if s.Attempt > 0 {
			return fmt.Sprintf("%sloading (retry %d)", prefix, s.Attempt)
		}
		return prefix + "loading"
	case loader.StatusSuccess:
		if render == nil {
			return prefix + "success"
		}
		return prefix + "success " + render(s.Data)
	case loader.StatusError:
		line := fmt.Sprintf("%serror [%s] %s", prefix, s.Kind(), errkind.Message(s.Err))
		if s.Retrying() {
			line += fmt.Sprintf(" (retrying in %s)", countdown(s.RetryIn))
		}
		return line
	default:
		return prefix + s.Status.String()
	}
}
