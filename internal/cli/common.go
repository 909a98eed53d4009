package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/rshade/loadstate/internal/config"
	"github.com/rshade/loadstate/internal/loader"
	"github.com/rshade/loadstate/internal/logging"
	"github.com/rshade/loadstate/internal/source"
	"github.com/rshade/loadstate/internal/storage"
)

// printer formats counts in user-facing summaries.
//
//nolint:gochecknoglobals // Global printer is idiomatic for x/text/message usage.
var printer = message.NewPrinter(language.English)

// Output formats understood by --output.
const (
	outputTable = "table"
	outputJSON  = "json"
)

// Exit codes beyond the generic 1.
const (
	exitLoadFailed = 2
	exitStaleWrite = 3
)

// tabPadding is the minimum column padding for tabwriter output.
const tabPadding = 2

// detailWidth truncates values in table output.
const detailWidth = 60

// policyFlags override the configured retry policy for one command.
type policyFlags struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	timeout     time.Duration
}

func addPolicyFlags(cmd *cobra.Command, f *policyFlags) {
	cmd.Flags().DurationVar(&f.baseDelay, "base-delay", loader.DefaultBaseDelay, "delay before the first retry; doubles each time")
	cmd.Flags().DurationVar(&f.maxDelay, "max-delay", 0, "cap on a single retry delay (0 = uncapped)")
	cmd.Flags().IntVar(&f.maxAttempts, "max-attempts", loader.DefaultMaxAttempts, "automatic retries after the first attempt")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "give up on a target after this long (0 = no limit)")
}

// policy starts from the configured policy and applies flags the user set.
func (f *policyFlags) policy(cmd *cobra.Command, cfg *config.Config) (loader.Policy, error) {
	p := cfg.ToPolicy()
	if cmd.Flags().Changed("base-delay") {
		p.BaseDelay = f.baseDelay
	}
	if cmd.Flags().Changed("max-delay") {
		p.MaxDelay = f.maxDelay
	}
	if cmd.Flags().Changed("max-attempts") {
		p.MaxAttempts = f.maxAttempts
	}
	if err := p.Validate(); err != nil {
		return loader.Policy{}, err
	}
	return p, nil
}

// withTimeout bounds ctx by the --timeout flag when set.
func (f *policyFlags) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if f.timeout > 0 {
		return context.WithTimeout(ctx, f.timeout)
	}
	return context.WithCancel(ctx)
}

// openStore opens the configured backend.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	sc, err := cfg.ToStorageConfig()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, sc)
	if err != nil {
		return nil, fmt.Errorf("opening %s storage: %w", sc.Driver, err)
	}
	return store, nil
}

// closeStore closes store and logs a failure.
func closeStore(ctx context.Context, store storage.Store) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		log := logging.FromContext(ctx)
		log.Warn().Ctx(ctx).Str("component", "cli").Err(err).Msg("closing storage failed")
	}
}

// needsStore reports whether any target reads from storage.
func needsStore(targets []string) bool {
	for _, t := range targets {
		if strings.HasPrefix(strings.ToLower(t), source.SchemeStore+"://") {
			return true
		}
	}
	return false
}

// newHTTPClient is the client HTTP targets use.
func newHTTPClient() *http.Client {
	return &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
}

// sourceDeps builds the dependencies targets resolve against. body is the
// --body flag; empty leaves the session default.
func sourceDeps(store storage.Store, body string) (source.Deps, error) {
	deps := source.Deps{HTTPClient: newHTTPClient(), Store: store}
	if body != "" {
		if !json.Valid([]byte(body)) {
			return source.Deps{}, fmt.Errorf("--body is not valid JSON: %q", body)
		}
		deps.SessionBody = json.RawMessage(body)
	}
	return deps, nil
}

// loaderOptions wires a loader into the session's logger and metrics.
func loaderOptions(ctx context.Context, name string) []loader.Option {
	sess := sessionFrom(ctx)
	return []loader.Option{
		loader.WithName(name),
		loader.WithObserver(sess.recorder),
		loader.WithLogger(*logging.FromContext(ctx)),
	}
}

// persisted wraps producer so successful values are written to key.
func persisted(
	producer loader.Producer[json.RawMessage],
	store storage.Store,
	cfg *config.Config,
	key string,
) (loader.Producer[json.RawMessage], error) {
	ttl, err := cfg.StorageTTL()
	if err != nil {
		return nil, err
	}
	port := storage.NewPort[json.RawMessage](store, storage.WithTTL(ttl))
	return source.Persisted(producer, port, key), nil
}

// compactJSON renders raw on one line, truncated to width.
func compactJSON(raw json.RawMessage, width int) string {
	var b bytes.Buffer
	if err := json.Compact(&b, raw); err != nil {
		return string(raw)
	}
	s := b.String()
	if width > 3 && len(s) > width {
		return s[:width-3] + "..."
	}
	return s
}
