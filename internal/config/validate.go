package config

import (
	"errors"
	"fmt"
	"net"

	"github.com/Masterminds/semver/v3"

	"github.com/rshade/loadstate/internal/logging"
	"github.com/rshade/loadstate/internal/storage"
)

// SupportedVersions is the range of config file versions this build reads.
const SupportedVersions = "^1.0.0"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Validate checks every section and joins all problems found.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if err := checkVersion(c.Version); err != nil {
		add("version: %v", err)
	}

	if err := c.ToPolicy().Validate(); err != nil {
		add("loader: %v", err)
	}
	if c.Loader.Concurrency < 1 {
		add("loader: concurrency must be >= 1, got %d", c.Loader.Concurrency)
	}

	driver, err := storage.ParseDriver(c.Storage.Driver)
	if err != nil {
		add("storage: %v", err)
	}
	if driver == storage.DriverS3 && c.Storage.S3.Bucket == "" {
		add("storage: s3 driver requires s3.bucket")
	}
	if _, err = c.StorageTTL(); err != nil {
		add("storage: %v", err)
	}

	switch c.Logging.Format {
	case "", logging.FormatJSON, logging.FormatConsole:
	default:
		add("logging: unknown format %q", c.Logging.Format)
	}
	if c.Logging.Level != "" && !validLevel(c.Logging.Level) {
		add("logging: unknown level %q", c.Logging.Level)
	}

	if c.Metrics.Enabled {
		if _, _, err = net.SplitHostPort(c.Metrics.Address); err != nil {
			add("metrics: address %q: %v", c.Metrics.Address, err)
		}
	}

	return errors.Join(errs...)
}

func checkVersion(v string) error {
	if v == "" {
		return errors.New("missing")
	}
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("%q is not a semantic version: %w", v, err)
	}
	constraint, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return err
	}
	if !constraint.Check(parsed) {
		return fmt.Errorf("%s is not supported, want %s", v, SupportedVersions)
	}
	return nil
}

func validLevel(level string) bool {
	switch level {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic", "disabled":
		return true
	}
	return false
}
