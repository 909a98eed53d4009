package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// entryFileExtension is the file extension used for stored entries.
const entryFileExtension = ".json"

// FileStore stores entries as JSON files in a directory, one file per key.
// Writes go to a temporary file that is renamed into place.
// Thread-safe for concurrent access within one process.
type FileStore struct {
	// directory is the storage directory path.
	directory string

	// mu protects concurrent access to file operations.
	mu sync.RWMutex

	closed bool
	cfg    settings
}

// NewFileStore creates a file-backed store.
// The directory will be created if it doesn't exist.
func NewFileStore(directory string, opts ...Option) (*FileStore, error) {
	if directory == "" {
		return nil, errors.New("storage directory cannot be empty")
	}

	if err := os.MkdirAll(directory, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	return &FileStore{directory: directory, cfg: newSettings(opts)}, nil
}

// Driver returns DriverFile.
func (s *FileStore) Driver() Driver { return DriverFile }

// Directory returns the storage directory path.
func (s *FileStore) Directory() string { return s.directory }

// Get retrieves the live entry for key.
func (s *FileStore) Get(_ context.Context, key string) (Entry, error) {
	if err := validateKey(key); err != nil {
		return Entry{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Entry{}, ErrClosed
	}

	entry, err := s.readLocked(key)
	if err != nil {
		return Entry{}, err
	}
	if entry.IsExpired(s.cfg.now()) {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

// Put writes value under key after checking the expected version.
func (s *FileStore) Put(_ context.Context, key string, value json.RawMessage, opts PutOptions) (Entry, error) {
	if err := validateKey(key); err != nil {
		return Entry{}, err
	}
	if err := validateValue(value); err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Entry{}, ErrClosed
	}

	now := s.cfg.now()
	var current int64
	existing, err := s.readLocked(key)
	switch {
	case err == nil && !existing.IsExpired(now):
		current = existing.Version
	case err != nil && !errors.Is(err, ErrNotFound):
		return Entry{}, err
	}
	if versionErr := checkVersion(key, opts.ExpectedVersion, current); versionErr != nil {
		return Entry{}, versionErr
	}

	entry := newEntry(key, value, current, now, opts.TTL)
	entryData, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return Entry{}, fmt.Errorf("failed to marshal storage entry: %w", err)
	}

	filePath := s.keyToFilePath(key)

	// Write to temporary file first, then rename for atomicity
	tempPath := filePath + ".tmp"
	if writeErr := os.WriteFile(tempPath, entryData, 0o600); writeErr != nil {
		return Entry{}, fmt.Errorf("failed to write storage file: %w", writeErr)
	}

	if renameErr := os.Rename(tempPath, filePath); renameErr != nil {
		_ = os.Remove(tempPath) // Clean up temp file on error
		return Entry{}, fmt.Errorf("failed to rename storage file: %w", renameErr)
	}

	return entry, nil
}

// Delete removes the entry for key.
// Returns nil if the entry doesn't exist (idempotent).
func (s *FileStore) Delete(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	err := os.Remove(s.keyToFilePath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete storage file: %w", err)
	}

	return nil
}

// List returns live entries whose key starts with prefix.
func (s *FileStore) List(_ context.Context, prefix string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	now := s.cfg.now()
	var out []Entry
	err := s.eachEntryLocked(func(_ string, entry Entry) {
		if strings.HasPrefix(entry.Key, prefix) && !entry.IsExpired(now) {
			out = append(out, entry)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Prune removes all expired entries.
// This is useful for periodic maintenance.
func (s *FileStore) Prune(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	now := s.cfg.now()
	removed := 0
	err := s.eachEntryLocked(func(filePath string, entry Entry) {
		if entry.IsExpired(now) && os.Remove(filePath) == nil {
			removed++
		}
	})
	return removed, err
}

// Close marks the store closed. Files stay on disk.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *FileStore) readLocked(key string) (Entry, error) {
	data, err := os.ReadFile(s.keyToFilePath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("failed to read storage file: %w", err)
	}

	var entry Entry
	if unmarshalErr := json.Unmarshal(data, &entry); unmarshalErr != nil {
		return Entry{}, fmt.Errorf("failed to unmarshal storage entry: %w", unmarshalErr)
	}
	return entry, nil
}

// eachEntryLocked calls fn for every readable entry file. Unreadable or
// invalid files are skipped.
func (s *FileStore) eachEntryLocked(fn func(filePath string, entry Entry)) error {
	dirEntries, err := os.ReadDir(s.directory)
	if err != nil {
		return fmt.Errorf("failed to read storage directory: %w", err)
	}

	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() || filepath.Ext(dirEntry.Name()) != entryFileExtension {
			continue
		}

		filePath := filepath.Join(s.directory, dirEntry.Name())
		data, readErr := os.ReadFile(filePath)
		if readErr != nil {
			continue
		}

		var entry Entry
		if unmarshalErr := json.Unmarshal(data, &entry); unmarshalErr != nil {
			continue
		}
		fn(filePath, entry)
	}
	return nil
}

// keyToFilePath converts a key to a file path.
// The key is escaped so that every key maps to a distinct, filesystem-safe name.
func (s *FileStore) keyToFilePath(key string) string {
	return filepath.Join(s.directory, url.QueryEscape(key)+entryFileExtension)
}
