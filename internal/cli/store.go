package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rshade/loadstate/internal/storage"
)

// NewStoreGetCmd creates the store get command.
func NewStoreGetCmd() *cobra.Command {
	var valueOnly bool

	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Print a stored entry",
		Example: `  loadstate store get profile
  loadstate store get profile --value-only | jq .name`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, sessionFrom(ctx).cfg)
			if err != nil {
				return err
			}
			defer closeStore(ctx, store)

			entry, err := store.Get(ctx, args[0])
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("key %q not found", args[0])
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if valueOnly {
				return enc.Encode(entry.Value)
			}
			return enc.Encode(entry)
		},
	}

	cmd.Flags().BoolVar(&valueOnly, "value-only", false, "print only the stored JSON value")
	return cmd
}

// NewStoreSetCmd creates the store set command.
func NewStoreSetCmd() *cobra.Command {
	var (
		expectVersion int64
		ttl           string
		asString      bool
	)

	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Write a value, optionally guarded by the expected version",
		Long: `Writes a JSON value under key.

With --expect-version the write only succeeds when the stored entry is still at
that version (0 means the key must not exist). A stale write exits with code 3.`,
		Example: `  loadstate store set profile '{"name":"ada"}'
  loadstate store set profile '{"name":"grace"}' --expect-version 1
  loadstate store set greeting hello --string --ttl 7d`,
		Args: cobra.ExactArgs(2), //nolint:mnd // key and value.
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := sessionFrom(ctx).cfg

			value := json.RawMessage(args[1])
			if asString {
				encoded, err := json.Marshal(args[1])
				if err != nil {
					return err
				}
				value = encoded
			}

			opts := storage.PutOptions{ExpectedVersion: expectVersion}
			var err error
			if cmd.Flags().Changed("ttl") {
				opts.TTL, err = storage.ParseTTL(ttl)
			} else {
				opts.TTL, err = cfg.StorageTTL()
			}
			if err != nil {
				return err
			}

			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore(ctx, store)

			entry, err := store.Put(ctx, args[0], value, opts)
			if errors.Is(err, storage.ErrStaleWrite) {
				return &ExitError{Code: exitStaleWrite, Reason: err.Error()}
			}
			if err != nil {
				return err
			}

			_, err = printer.Fprintf(cmd.OutOrStdout(), "%s: version %d\n", entry.Key, entry.Version)
			return err
		},
	}

	cmd.Flags().Int64Var(&expectVersion, "expect-version", storage.AnyVersion,
		"only write if the stored version matches (0 = must not exist, -1 = any)")
	cmd.Flags().StringVar(&ttl, "ttl", "", "expire the entry after this long, e.g. 30m or 7d (default from config)")
	cmd.Flags().BoolVar(&asString, "string", false, "store the value as a JSON string")
	return cmd
}

// NewStoreDeleteCmd creates the store delete command.
func NewStoreDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <key>...",
		Aliases: []string{"rm"},
		Short:   "Delete stored entries",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, sessionFrom(ctx).cfg)
			if err != nil {
				return err
			}
			defer closeStore(ctx, store)

			for _, key := range args {
				if err = store.Delete(ctx, key); err != nil {
					return fmt.Errorf("deleting %q: %w", key, err)
				}
			}
			_, err = printer.Fprintf(cmd.OutOrStdout(), "deleted %d keys\n", len(args))
			return err
		},
	}
}

// NewStoreListCmd creates the store list command.
func NewStoreListCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:     "list [prefix]",
		Aliases: []string{"ls"},
		Short:   "List live entries",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}

			store, err := openStore(ctx, sessionFrom(ctx).cfg)
			if err != nil {
				return err
			}
			defer closeStore(ctx, store)

			entries, err := store.List(ctx, prefix)
			if err != nil {
				return err
			}

			switch output {
			case outputJSON:
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			case outputTable:
				return renderEntries(cmd, entries)
			default:
				return fmt.Errorf("unknown output format %q", output)
			}
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "output format: table or json")
	return cmd
}

func renderEntries(cmd *cobra.Command, entries []storage.Entry) error {
	w := cmd.OutOrStdout()
	now := time.Now()

	tw := tabwriter.NewWriter(w, 0, 0, tabPadding, ' ', 0)
	_, _ = fmt.Fprintln(tw, "KEY\tVERSION\tUPDATED\tEXPIRES IN\tVALUE")
	for _, e := range entries {
		expires := "never"
		if !e.ExpiresAt.IsZero() {
			expires = storage.FormatDuration(e.TimeUntilExpiration(now))
		}
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n",
			e.Key, e.Version, e.UpdatedAt.Local().Format(time.DateTime), expires,
			compactJSON(e.Value, detailWidth))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := printer.Fprintf(w, "\n%d entries\n", len(entries))
	return err
}

// NewStorePruneCmd creates the store prune command.
func NewStorePruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Remove expired entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, sessionFrom(ctx).cfg)
			if err != nil {
				return err
			}
			defer closeStore(ctx, store)

			pruner, ok := store.(storage.Pruner)
			if !ok {
				return fmt.Errorf("%s storage does not support pruning", store.Driver())
			}
			n, err := pruner.Prune(ctx)
			if err != nil {
				return err
			}

			logger.Info().Ctx(ctx).Str("driver", string(store.Driver())).Int("removed", n).Msg("pruned expired entries")
			_, err = printer.Fprintf(cmd.OutOrStdout(), "removed %d expired entries\n", n)
			return err
		},
	}
}
