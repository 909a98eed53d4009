// Package version exposes build metadata injected via -ldflags.
package version

// Build metadata, overridden at link time:
//
//	go build -ldflags "-X github.com/rshade/loadstate/pkg/version.version=v1.2.3"
//
//nolint:gochecknoglobals // Set by the linker.
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// GetVersion returns the semantic version of the binary.
func GetVersion() string {
	return version
}

// GetGitCommit returns the git commit the binary was built from.
func GetGitCommit() string {
	return gitCommit
}

// GetBuildDate returns the build timestamp.
func GetBuildDate() string {
	return buildDate
}
