package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rshade/loadstate/internal/errkind"
	"github.com/rshade/loadstate/internal/loader"
	"github.com/rshade/loadstate/internal/logging"
	"github.com/rshade/loadstate/internal/source"
	"github.com/rshade/loadstate/internal/storage"
)

// fetchResult is one target's outcome.
type fetchResult struct {
	Target string                        `json:"target"`
	State  loader.State[json.RawMessage] `json:"state"`
}

// NewFetchCmd creates the fetch command, which loads every target with
// retries and prints the settled states.
func NewFetchCmd() *cobra.Command {
	var (
		pf          policyFlags
		output      string
		persist     string
		concurrency int
		body        string
	)

	cmd := &cobra.Command{
		Use:   "fetch <target>...",
		Short: "Load targets with retry and backoff",
		Long: `Loads each target until it succeeds or the retry budget is spent.

Targets:
  http(s)://host/path             GET and decode a JSON document
  session+http(s)://host/path     POST --body and return the session id
  grpc://host:port/service        standard gRPC health check
  store://key                     read a value from the configured store
  demo://value?fail=N&latency=D   simulated backend that fails N times`,
		Example: `  loadstate fetch https://api.example.com/status
  loadstate fetch "demo://42?fail=2" --base-delay 100ms --output json
  loadstate fetch https://api.example.com/profile --persist profile
  loadstate fetch session+https://pay.example.com/sessions --body '{"amount":1200}'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if persist != "" && len(args) != 1 {
				return errors.New("--persist takes exactly one target")
			}
			if output != outputTable && output != outputJSON {
				return fmt.Errorf("unknown output format %q", output)
			}
			return runFetch(cmd, args, pf, output, persist, body, concurrency)
		},
	}

	addPolicyFlags(cmd, &pf)
	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "output format: table or json")
	cmd.Flags().StringVar(&persist, "persist", "", "write the loaded value to this storage key")
	cmd.Flags().StringVar(&body, "body", "", "JSON request body for session+http(s) targets")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "targets loaded at once (0 = config default)")

	return cmd
}

func runFetch(
	cmd *cobra.Command,
	targets []string,
	pf policyFlags,
	output, persist, body string,
	concurrency int,
) error {
	ctx := cmd.Context()
	cfg := sessionFrom(ctx).cfg

	policy, err := pf.policy(cmd, cfg)
	if err != nil {
		return err
	}
	if concurrency <= 0 {
		concurrency = cfg.Loader.Concurrency
	}

	var store storage.Store
	if persist != "" || needsStore(targets) {
		if store, err = openStore(ctx, cfg); err != nil {
			return err
		}
		defer closeStore(ctx, store)
	}

	deps, err := sourceDeps(store, body)
	if err != nil {
		return err
	}
	results := make([]fetchResult, len(targets))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(max(concurrency, 1))
	for i, target := range targets {
		g.Go(func() error {
			state, loadErr := fetchOne(gCtx, target, deps, policy, pf, store, persist)
			if loadErr != nil {
				return loadErr
			}
			results[i] = fetchResult{Target: target, State: state}
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return err
	}

	if output == outputJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err = enc.Encode(results); err != nil {
			return err
		}
	} else if err = renderFetchTable(cmd.OutOrStdout(), results); err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if r.State.Status != loader.StatusSuccess {
			failed++
		}
	}
	if failed > 0 {
		return &ExitError{
			Code:   exitLoadFailed,
			Reason: printer.Sprintf("%d of %d targets failed", failed, len(results)),
		}
	}
	return nil
}

// fetchOne resolves and loads a single target. Only setup failures are
// returned as errors; a failed load is reported in the state.
func fetchOne(
	ctx context.Context,
	target string,
	deps source.Deps,
	policy loader.Policy,
	pf policyFlags,
	store storage.Store,
	persist string,
) (loader.State[json.RawMessage], error) {
	resolved, err := source.Resolve(target, deps)
	if err != nil {
		return loader.State[json.RawMessage]{}, err
	}
	defer func() { _ = resolved.Close() }()

	producer := resolved.Producer
	if persist != "" {
		if producer, err = persisted(producer, store, sessionFrom(ctx).cfg, persist); err != nil {
			return loader.State[json.RawMessage]{}, err
		}
	}

	runCtx, cancel := pf.withTimeout(ctx)
	defer cancel()

	state, err := loader.Run(runCtx, producer, policy, loaderOptions(ctx, target)...)
	if err != nil {
		// The run context ended before the load settled.
		state = loader.State[json.RawMessage]{Status: loader.StatusError, Err: err, Attempt: state.Attempt}
	}

	log := logging.FromContext(ctx)
	log.Debug().
		Ctx(ctx).
		Str("component", "cli").
		Str("target", target).
		Str("status", state.Status.String()).
		Int("attempt", state.Attempt).
		Msg("target settled")
	return state, nil
}

func renderFetchTable(w io.Writer, results []fetchResult) error {
	tw := tabwriter.NewWriter(w, 0, 0, tabPadding, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TARGET\tSTATUS\tATTEMPTS\tDETAIL")
	ok := 0
	for _, r := range results {
		detail := ""
		switch r.State.Status {
		case loader.StatusSuccess:
			ok++
			detail = compactJSON(r.State.Data, detailWidth)
		case loader.StatusError:
			detail = fmt.Sprintf("[%s] %s", r.State.Kind(), errkind.Message(r.State.Err))
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", r.Target, r.State.Status, r.State.Attempt+1, detail)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := printer.Fprintf(w, "\n%d of %d targets loaded\n", ok, len(results))
	return err
}
