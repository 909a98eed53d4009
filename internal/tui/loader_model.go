package tui

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/rshade/loadstate/internal/loader"
)

// StateMsg carries a loader transition into the Bubble Tea update loop.
type StateMsg[T any] struct {
	State loader.State[T]
}

// loaderStoppedMsg is sent once the loader has been torn down.
type loaderStoppedMsg struct{}

// loaderErrMsg reports a failed Start or Retry call.
type loaderErrMsg struct{ err error }

// feed hands the latest transition from the loader's subscriber to the
// update loop. Intermediate states may be coalesced; the model only ever
// renders the newest one.
type feed[T any] struct {
	mu     sync.Mutex
	latest loader.State[T]
	notify chan struct{}
}

func newFeed[T any]() *feed[T] {
	return &feed[T]{notify: make(chan struct{}, 1)}
}

func (f *feed[T]) push(s loader.State[T]) {
	f.mu.Lock()
	f.latest = s
	f.mu.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *feed[T]) next(done <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		select {
		case <-f.notify:
			f.mu.Lock()
			s := f.latest
			f.mu.Unlock()
			return StateMsg[T]{State: s}
		case <-done:
			return loaderStoppedMsg{}
		}
	}
}

// ModelOption configures a LoaderModel.
type ModelOption func(*modelOptions)

type modelOptions struct {
	title string
	now   func() time.Time
	width int
}

// WithTitle sets the heading shown above the state.
func WithTitle(title string) ModelOption {
	return func(o *modelOptions) { o.title = title }
}

// WithNow replaces the clock used for the retry countdown.
func WithNow(now func() time.Time) ModelOption {
	return func(o *modelOptions) { o.now = now }
}

// WithWidth sets the initial render width.
func WithWidth(w int) ModelOption {
	return func(o *modelOptions) { o.width = w }
}

// LoaderModel is a Bubble Tea model that drives and displays one loader.
// Keys: r retries, q and ctrl+c stop the loader and quit.
type LoaderModel[T any] struct {
	ctx         context.Context
	loader      *loader.Loader[T]
	render      func(T) string
	feed        *feed[T]
	unsubscribe func()

	title   string
	now     func() time.Time
	width   int
	spinner spinner.Model

	state    loader.State[T]
	retryAt  time.Time
	err      error
	quitting bool
}

// NewLoaderModel subscribes to l. Init starts l with ctx unless it is already
// running. render turns a successful value into the body text.
func NewLoaderModel[T any](
	ctx context.Context,
	l *loader.Loader[T],
	render func(T) string,
	opts ...ModelOption,
) *LoaderModel[T] {
	o := modelOptions{title: l.Name(), now: time.Now, width: 80}
	for _, opt := range opts {
		opt(&o)
	}

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinStyle

	f := newFeed[T]()
	m := &LoaderModel[T]{
		ctx:     ctx,
		loader:  l,
		render:  render,
		feed:    f,
		title:   o.title,
		now:     o.now,
		width:   o.width,
		spinner: s,
		state:   l.State(),
	}
	m.unsubscribe = l.Subscribe(f.push)
	return m
}

// Init starts the spinner, the state feed, and the loader.
func (m *LoaderModel[T]) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.feed.next(m.loader.Done()), m.startCmd())
}

func (m *LoaderModel[T]) startCmd() tea.Cmd {
	return func() tea.Msg {
		err := m.loader.Start(m.ctx)
		if err != nil && !errors.Is(err, loader.ErrAlreadyStarted) {
			return loaderErrMsg{err: err}
		}
		return nil
	}
}

// Update handles messages and updates the model state.
func (m *LoaderModel[T]) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case StateMsg[T]:
		m.setState(msg.State)
		return m, m.feed.next(m.loader.Done())

	case loaderErrMsg:
		m.err = msg.err
		return m, nil

	case loaderStoppedMsg:
		if m.quitting {
			return m, nil
		}
		m.quitting = true
		return m, tea.Quit

	case spinner.TickMsg:
		if m.quitting {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKeyMsg(msg)
	}

	return m, nil
}

func (m *LoaderModel[T]) setState(s loader.State[T]) {
	m.state = s
	m.err = nil
	if s.Retrying() {
		m.retryAt = m.now().Add(s.RetryIn)
	} else {
		m.retryAt = time.Time{}
	}
}

// handleKeyMsg processes keyboard input.
//
//nolint:exhaustive // Only the quit and retry keys matter here.
func (m *LoaderModel[T]) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return m, m.quit()
	case tea.KeyRunes:
		switch string(msg.Runes) {
		case "q":
			return m, m.quit()
		case "r":
			if m.state.Status == loader.StatusError || m.state.Status == loader.StatusSuccess {
				if err := m.loader.Retry(); err != nil {
					m.err = err
				}
			}
			return m, nil
		}
	}
	return m, nil
}

// quit tears the loader down before leaving the program.
func (m *LoaderModel[T]) quit() tea.Cmd {
	m.quitting = true
	m.loader.Stop()
	m.unsubscribe()
	return tea.Quit
}

// State returns the last transition the model rendered.
func (m *LoaderModel[T]) State() loader.State[T] { return m.state }

// Quitting reports whether the model asked the program to exit.
func (m *LoaderModel[T]) Quitting() bool { return m.quitting }

// RetryRemaining is the time left before the pending automatic retry.
func (m *LoaderModel[T]) RetryRemaining() time.Duration {
	if m.retryAt.IsZero() {
		return 0
	}
	return max(m.retryAt.Sub(m.now()), 0)
}
