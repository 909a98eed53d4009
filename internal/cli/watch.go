package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/rshade/loadstate/internal/loader"
	"github.com/rshade/loadstate/internal/source"
	"github.com/rshade/loadstate/internal/storage"
	"github.com/rshade/loadstate/internal/tui"
)

// stopGrace bounds how long watch waits for cancelled producers to return.
const stopGrace = 5 * time.Second

// NewWatchCmd creates the watch command, which shows one loader's
// transitions live until it settles or the user quits.
func NewWatchCmd() *cobra.Command {
	var (
		pf      policyFlags
		plain   bool
		persist string
		body    string
	)

	cmd := &cobra.Command{
		Use:   "watch <target>",
		Short: "Watch a target load with live retry status",
		Long: `Shows every transition of one loader.

In a terminal this is an interactive view: press r to retry and q to quit.
Otherwise, or with --plain, each transition is printed on its own line and the
command exits once the load settles.`,
		Example: `  loadstate watch "demo://hello?fail=2&latency=300ms"
  loadstate watch https://api.example.com/status --plain --max-attempts 5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, args[0], pf, plain, persist, body)
		},
	}

	addPolicyFlags(cmd, &pf)
	cmd.Flags().BoolVar(&plain, "plain", false, "print transitions as lines instead of the interactive view")
	cmd.Flags().StringVar(&persist, "persist", "", "write the loaded value to this storage key")
	cmd.Flags().StringVar(&body, "body", "", "JSON request body for session+http(s) targets")

	return cmd
}

func runWatch(cmd *cobra.Command, target string, pf policyFlags, plain bool, persist, body string) error {
	ctx := cmd.Context()
	cfg := sessionFrom(ctx).cfg

	policy, err := pf.policy(cmd, cfg)
	if err != nil {
		return err
	}

	var store storage.Store
	if persist != "" || needsStore([]string{target}) {
		if store, err = openStore(ctx, cfg); err != nil {
			return err
		}
		defer closeStore(ctx, store)
	}

	deps, err := sourceDeps(store, body)
	if err != nil {
		return err
	}
	resolved, err := source.Resolve(target, deps)
	if err != nil {
		return err
	}
	defer func() { _ = resolved.Close() }()

	producer := resolved.Producer
	if persist != "" {
		if producer, err = persisted(producer, store, cfg, persist); err != nil {
			return err
		}
	}

	l, err := loader.New(producer, policy, loaderOptions(ctx, target)...)
	if err != nil {
		return err
	}
	defer func() {
		l.Stop()
		waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopGrace)
		defer cancel()
		_ = l.Wait(waitCtx)
	}()

	runCtx, cancel := pf.withTimeout(ctx)
	defer cancel()

	out := cmd.OutOrStdout()
	var final loader.State[json.RawMessage]
	if tui.DetectOutputMode(outputFile(out), plain) == tui.OutputInteractive {
		final, err = watchInteractive(runCtx, cmd, l)
	} else {
		final, err = watchPlain(runCtx, out, l)
	}
	if err != nil {
		return err
	}

	if final.Status == loader.StatusError {
		return &ExitError{Code: exitLoadFailed, Reason: fmt.Sprintf("%s: load failed", target)}
	}
	return nil
}

// watchInteractive runs the Bubble Tea view until the user quits or the
// loader is stopped.
func watchInteractive(
	ctx context.Context,
	cmd *cobra.Command,
	l *loader.Loader[json.RawMessage],
) (loader.State[json.RawMessage], error) {
	out := outputFile(cmd.OutOrStdout())
	model := tui.NewLoaderModel(ctx, l, renderJSON,
		tui.WithWidth(tui.TerminalWidth(out, 80)),
	)

	p := tea.NewProgram(model,
		tea.WithContext(ctx),
		tea.WithOutput(cmd.OutOrStdout()),
		tea.WithInput(cmd.InOrStdin()),
	)
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return model.State(), fmt.Errorf("running interactive view: %w", err)
	}
	return model.State(), nil
}

// watchPlain prints every transition until the load settles or ctx ends.
func watchPlain(
	ctx context.Context,
	w io.Writer,
	l *loader.Loader[json.RawMessage],
) (loader.State[json.RawMessage], error) {
	states := make(chan loader.State[json.RawMessage], 16)
	unsubscribe := l.Subscribe(func(s loader.State[json.RawMessage]) {
		select {
		case states <- s:
		case <-l.Done():
		}
	})
	defer unsubscribe()

	if err := l.Start(ctx); err != nil {
		return loader.State[json.RawMessage]{}, err
	}

	ctxDone := ctx.Done()
	for {
		select {
		case s := <-states:
			if _, err := fmt.Fprintln(w, tui.PlainLine(l.Name(), s, renderJSON)); err != nil {
				return s, err
			}
			if s.Settled() {
				return s, nil
			}
		case <-ctxDone:
			// The loader settles on its own once its context ends.
			ctxDone = nil
		case <-l.Done():
			return l.State(), nil
		}
	}
}

// renderJSON formats a loaded document for display.
func renderJSON(raw json.RawMessage) string {
	return compactJSON(raw, 0)
}

// outputFile returns w as a file when it is one, for terminal detection.
func outputFile(w io.Writer) *os.File {
	if f, ok := w.(*os.File); ok {
		return f
	}
	return nil
}
