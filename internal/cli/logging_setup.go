package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/rshade/loadstate/internal/config"
	"github.com/rshade/loadstate/internal/logging"
)

// setupLogging builds the command logger from the logging section and the
// --debug flag, tags the context with a trace ID, and stores the logger in it.
func setupLogging(
	ctx context.Context,
	cmd *cobra.Command,
	loggingCfg config.LoggingConfig,
	debug bool,
) (context.Context, logging.LogPathResult) {
	if debug {
		loggingCfg.Level = "debug"
		loggingCfg.Format = logging.FormatConsole
		loggingCfg.File = ""
	}

	result := logging.NewLoggerWithPath(loggingCfg.ToLoggingConfig())
	logger = logging.ComponentLogger(result.Logger, "cli")

	if result.UsingFile {
		logging.PrintLogPathMessage(cmd.ErrOrStderr(), result.FilePath)
	} else if result.FallbackUsed {
		logging.PrintFallbackWarning(cmd.ErrOrStderr(), result.FallbackReason)
	}

	traceID := logging.GetOrGenerateTraceID(ctx)
	ctx = logging.ContextWithTraceID(ctx, traceID)
	ctx = result.Logger.WithContext(ctx)

	logger.Debug().Ctx(ctx).Str("command", cmd.CommandPath()).Msg("command started")
	return ctx, result
}
