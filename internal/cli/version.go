package cli

import (
	"runtime"

	"github.com/spf13/cobra"

	"github.com/rshade/loadstate/pkg/version"
)

// NewVersionCmd creates the version command.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("loadstate %s\n", version.GetVersion())
			cmd.Printf("  commit: %s\n", version.GetGitCommit())
			cmd.Printf("  built:  %s\n", version.GetBuildDate())
			cmd.Printf("  go:     %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
