package storage

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// MemoryStore implements Store in process memory. Intended for tests and
// single-process use.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	closed  bool
	cfg     settings
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry), cfg: newSettings(opts)}
}

// Driver returns DriverMemory.
func (s *MemoryStore) Driver() Driver { return DriverMemory }

// Get returns the live entry for key.
func (s *MemoryStore) Get(_ context.Context, key string) (Entry, error) {
	if err := validateKey(key); err != nil {
		return Entry{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Entry{}, ErrClosed
	}
	e, ok := s.entries[key]
	if !ok || e.IsExpired(s.cfg.now()) {
		return Entry{}, ErrNotFound
	}
	return cloneEntry(e), nil
}

// Put writes value under key.
func (s *MemoryStore) Put(_ context.Context, key string, value json.RawMessage, opts PutOptions) (Entry, error) {
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
	if e, ok := s.entries[key]; ok && !e.IsExpired(now) {
		current = e.Version
	}
	if err := checkVersion(key, opts.ExpectedVersion, current); err != nil {
		return Entry{}, err
	}

	e := newEntry(key, value, current, now, opts.TTL)
	s.entries[key] = e
	return cloneEntry(e), nil
}

// Delete removes key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.entries, key)
	return nil
}

// List returns live entries under prefix.
func (s *MemoryStore) List(_ context.Context, prefix string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	now := s.cfg.now()
	out := make([]Entry, 0, len(s.entries))
	for k, e := range s.entries {
		if strings.HasPrefix(k, prefix) && !e.IsExpired(now) {
			out = append(out, cloneEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Prune removes expired entries.
func (s *MemoryStore) Prune(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	now := s.cfg.now()
	removed := 0
	for k, e := range s.entries {
		if e.IsExpired(now) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed, nil
}

// Close releases the store. Later calls fail with ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.entries = nil
	return nil
}

func cloneEntry(e Entry) Entry {
	e.Value = append(json.RawMessage(nil), e.Value...)
	return e
}
