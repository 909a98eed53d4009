package storage

import (
	"context"
	"fmt"

	"github.com/rshade/loadstate/internal/logging"
)

// Config selects and configures a backend.
type Config struct {
	// Driver is one of Drivers(); empty means memory.
	Driver Driver
	// Path is the directory for the file driver or the database file for sqlite.
	Path string
	// DSN is the Postgres connection string.
	DSN string
	// S3 configures the s3 driver.
	S3 S3Config
}

// Open builds the backend described by cfg.
func Open(ctx context.Context, cfg Config, opts ...Option) (Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverMemory
	}

	logging.FromContext(ctx).Debug().
		Ctx(ctx).
		Str("component", "storage").
		Str("driver", string(driver)).
		Msg("opening storage")

	switch driver {
	case DriverMemory:
		return NewMemoryStore(opts...), nil
	case DriverFile:
		return NewFileStore(cfg.Path, opts...)
	case DriverSQLite:
		return NewSQLiteStore(ctx, cfg.Path, opts...)
	case DriverPostgres:
		return NewPostgresStore(ctx, cfg.DSN, opts...)
	case DriverS3:
		return NewS3Store(ctx, cfg.S3, opts...)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}

// ParseDriver validates a driver name.
func ParseDriver(s string) (Driver, error) {
	if s == "" {
		return DriverMemory, nil
	}
	for _, d := range Drivers() {
		if string(d) == s {
			return d, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDriver, s)
}
