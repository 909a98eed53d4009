package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rshade/loadstate/internal/config"
)

const redacted = "********"

// NewConfigInitCmd creates the config init command.
func NewConfigInitCmd() *cobra.Command {
	var (
		force   bool
		project bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Long: `Writes the built-in defaults to ~/.loadstate/config.yaml, or to the --config
path. With --project the file goes to ./.loadstate/config.yaml and overrides the
global settings for commands run inside this directory tree.`,
		Example: `  loadstate config init
  loadstate config init --project
  loadstate config init --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.New()
			path := sessionFrom(cmd.Context()).cfg.Path()
			if project {
				wd, err := os.Getwd()
				if err != nil {
					return err
				}
				path = filepath.Join(wd, ".loadstate", "config.yaml")
			}
			if path == "" {
				return config.ErrNoHome
			}

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			cfg.SetPath(path)
			if err := cfg.Save(); err != nil {
				return err
			}
			cmd.Printf("Configuration written to %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.Flags().BoolVar(&project, "project", false, "write a project config in the current directory")
	return cmd
}

// NewConfigShowCmd creates the config show command.
func NewConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long:  "Prints the configuration after merging the project file and environment overrides. Secrets are masked.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := *sessionFrom(cmd.Context()).cfg
			if cfg.Storage.S3.SecretAccessKey != "" {
				cfg.Storage.S3.SecretAccessKey = redacted
			}
			if cfg.Storage.DSN != "" {
				cfg.Storage.DSN = redacted
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2) //nolint:mnd // YAML indentation.
			if err := enc.Encode(&cfg); err != nil {
				return fmt.Errorf("encoding config: %w", err)
			}
			return enc.Close()
		},
	}
}

// NewConfigValidateCmd creates the config validate command.
func NewConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := sessionFrom(cmd.Context()).cfg
			if err := cfg.Validate(); err != nil {
				return err
			}
			cmd.Printf("Configuration is valid (%s)\n", displayPath(cfg.Path()))
			return nil
		},
	}
}

func displayPath(p string) string {
	if p == "" {
		return "defaults"
	}
	if _, err := os.Stat(p); err != nil {
		return "defaults, " + p + " not found"
	}
	return p
}
