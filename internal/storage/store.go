// Package storage is the key-value port loaders read from and write to.
//
// Every value is wrapped in a versioned Entry. Writers that pass the version
// they last read get optimistic concurrency: a write based on a stale read is
// rejected with ErrStaleWrite instead of silently overwriting a newer value.
// Writers that pass AnyVersion get last-write-wins.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Driver identifies a concrete storage backend.
type Driver string

const (
	// DriverMemory keeps entries in process memory (tests, default).
	DriverMemory Driver = "memory"
	// DriverFile stores one JSON file per key in a directory.
	DriverFile Driver = "file"
	// DriverSQLite stores entries in a SQLite database file.
	DriverSQLite Driver = "sqlite"
	// DriverPostgres stores entries in a Postgres table.
	DriverPostgres Driver = "postgres"
	// DriverS3 stores one object per key in an S3 / MinIO bucket.
	DriverS3 Driver = "s3"
)

// Drivers lists every supported driver.
func Drivers() []Driver {
	return []Driver{DriverMemory, DriverFile, DriverSQLite, DriverPostgres, DriverS3}
}

// AnyVersion disables the version check on Put.
const AnyVersion int64 = -1

// Common storage errors.
var (
	ErrNotFound      = errors.New("storage entry not found")
	ErrStaleWrite    = errors.New("storage entry version mismatch")
	ErrInvalidKey    = errors.New("storage key cannot be empty")
	ErrInvalidValue  = errors.New("storage value must be valid JSON")
	ErrUnknownDriver = errors.New("unknown storage driver")
	ErrClosed        = errors.New("storage is closed")
)

// PutOptions controls a write.
type PutOptions struct {
	// ExpectedVersion is the version the caller last read, 0 when it saw no
	// entry, or AnyVersion to skip the check.
	//
	// Versions are not kept across deletion or expiry: a recreated key starts
	// again at version 1. A version read before the key was deleted can
	// therefore match the new entry, so it only guards writes while the key
	// stays alive.
	ExpectedVersion int64
	// TTL expires the entry after the given duration. Zero keeps it forever.
	TTL time.Duration
}

// LastWriteWins returns PutOptions without a version check.
func LastWriteWins() PutOptions {
	return PutOptions{ExpectedVersion: AnyVersion}
}

// Store is implemented by every backend. Implementations are safe for
// concurrent use.
type Store interface {
	// Get returns the live entry for key, or ErrNotFound when it is missing
	// or expired.
	Get(ctx context.Context, key string) (Entry, error)
	// Put writes value under key and returns the stored entry. The new
	// version is the current version plus one; a deleted or expired entry
	// counts as absent with version 0.
	Put(ctx context.Context, key string, value json.RawMessage, opts PutOptions) (Entry, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns live entries whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]Entry, error)
	Close() error
	Driver() Driver
}

// Pruner is implemented by backends that can remove expired entries in bulk.
type Pruner interface {
	// Prune deletes expired entries and reports how many were removed.
	Prune(ctx context.Context) (int, error)
}

// Option configures a backend.
type Option func(*settings)

type settings struct {
	now func() time.Time
}

func newSettings(opts []Option) settings {
	s := settings{now: time.Now}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// WithNow replaces the wall clock used for timestamps and expiry.
func WithNow(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

func validateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	return nil
}

func validateValue(value json.RawMessage) error {
	if len(value) == 0 || !json.Valid(value) {
		return ErrInvalidValue
	}
	return nil
}

// checkVersion applies the optimistic concurrency rule. current is 0 when no
// live entry exists.
func checkVersion(key string, expected, current int64) error {
	if expected == AnyVersion || expected == current {
		return nil
	}
	return &StaleWriteError{Key: key, Expected: expected, Current: current}
}

// StaleWriteError reports the versions involved in a rejected write. It
// matches ErrStaleWrite with errors.Is.
type StaleWriteError struct {
	Key      string
	Expected int64
	Current  int64
}

func (e *StaleWriteError) Error() string {
	return fmt.Sprintf("%s: %s expected version %d, found %d", ErrStaleWrite, e.Key, e.Expected, e.Current)
}

// Is reports whether target is ErrStaleWrite.
func (e *StaleWriteError) Is(target error) bool { return target == ErrStaleWrite }
