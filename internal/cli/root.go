package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rshade/loadstate/internal/config"
	"github.com/rshade/loadstate/internal/logging"
	"github.com/rshade/loadstate/internal/metrics"
	"github.com/rshade/loadstate/internal/source"
)

// logger is the package-level logger for CLI operations.
var logger zerolog.Logger //nolint:gochecknoglobals // Required for zerolog context integration

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code   int
	Reason string
}

func (e *ExitError) Error() string { return e.Reason }

// ExitCode maps a command error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 1
}

// rootFlags are the persistent flags shared by every subcommand.
type rootFlags struct {
	configPath  string
	projectDir  string
	debug       bool
	logLevel    string
	metricsAddr string
}

// session is what PersistentPreRunE prepares for a command.
type session struct {
	cfg       *config.Config
	recorder  *metrics.Recorder
	logResult *logging.LogPathResult
	stop      context.CancelFunc
	served    chan error
}

type sessionKey struct{}

func sessionFrom(ctx context.Context) *session {
	if s, ok := ctx.Value(sessionKey{}).(*session); ok {
		return s
	}
	return &session{cfg: config.New(), recorder: newRecorder(false)}
}

// NewRootCmd creates the root Cobra command for the loadstate CLI.
func NewRootCmd(ver string) *cobra.Command {
	var flags rootFlags
	var sess *session

	cmd := &cobra.Command{
		Use:     "loadstate",
		Short:   "Load remote state with retry and backoff",
		Long:    "loadstate: fetch values from HTTP, gRPC, and storage backends with retry, backoff, and a live view",
		Version: ver,
		Example: rootCmdExample,
		// Command errors are reported by main; cobra would print them twice.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			sess, err = startSession(cmd, flags)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return sess.close(cmd.Context())
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "config file (default ~/.loadstate/config.yaml)")
	pf.StringVar(&flags.projectDir, "project-dir", "", "project directory holding .loadstate/config.yaml")
	pf.BoolVar(&flags.debug, "debug", false, "enable debug logging")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	cmd.AddCommand(NewFetchCmd(), NewWatchCmd(), newStoreCmd(), newConfigCmd(), NewVersionCmd())
	return cmd
}

// startSession loads configuration, sets up logging, and starts the metrics
// endpoint when enabled.
func startSession(cmd *cobra.Command, flags rootFlags) (*session, error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	wd, _ := os.Getwd()
	projectDir := config.ResolveProjectDir(ctx, flags.projectDir, wd)
	cfg, err := config.LoadWithProjectDir(ctx, flags.configPath, projectDir)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if flags.metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = flags.metricsAddr
	}

	s := &session{cfg: cfg}
	ctx, logResult := setupLogging(ctx, cmd, cfg.Logging, flags.debug)
	s.logResult = &logResult

	s.recorder = newRecorder(cfg.Metrics.Enabled && cfg.Metrics.Runtime)
	if cfg.Metrics.Enabled {
		serveCtx, stop := context.WithCancel(ctx)
		s.stop = stop
		s.served = make(chan error, 1)
		go func() { s.served <- s.recorder.Serve(serveCtx, cfg.Metrics.Address) }()
	}

	ctx = context.WithValue(ctx, sessionKey{}, s)
	cmd.SetContext(ctx)

	logger.Debug().
		Ctx(ctx).
		Str("config", cfg.Path()).
		Str("project_dir", projectDir).
		Str("storage_driver", cfg.Storage.Driver).
		Msg("configuration loaded")
	return s, nil
}

func (s *session) close(ctx context.Context) error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.stop != nil {
		s.stop()
		if err := <-s.served; err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}
	logger.Debug().Ctx(ctx).Msg("command finished")
	if s.logResult != nil {
		errs = append(errs, s.logResult.Close())
	}
	return errors.Join(errs...)
}

const rootCmdExample = `  # Fetch a JSON document, retrying up to 5 times
  loadstate fetch https://api.example.com/status --max-attempts 5

  # Fetch several targets concurrently and print JSON states
  loadstate fetch https://a.example.com/x grpc://localhost:50051/billing --output json

  # Watch a flaky demo backend in the terminal
  loadstate watch "demo://hello?fail=2&latency=300ms"

  # Keep the last good value in storage
  loadstate fetch https://api.example.com/profile --persist profile

  # Optimistic write to the store
  loadstate store set profile '{"name":"ada"}' --expect-version 3

  # Initialize configuration
  loadstate config init`

// newConfigCmd creates the config command group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Configuration management commands"}
	cmd.AddCommand(NewConfigInitCmd(), NewConfigShowCmd(), NewConfigValidateCmd())
	return cmd
}

// newStoreCmd creates the store command group.
func newStoreCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "store", Short: "Inspect and edit stored values"}
	cmd.AddCommand(
		NewStoreGetCmd(), NewStoreSetCmd(), NewStoreDeleteCmd(),
		NewStoreListCmd(), NewStorePruneCmd(),
	)
	return cmd
}

// newRecorder labels loader series by scheme and host so per-path targets do
// not each get their own series.
func newRecorder(withRuntime bool) *metrics.Recorder {
	return metrics.NewRecorder(withRuntime, metrics.WithLabeler(source.MetricLabel))
}
