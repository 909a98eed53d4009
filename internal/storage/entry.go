package storage

import (
	"encoding/json"
	"errors"
	"time"
)

// Entry is a stored value with its version metadata.
type Entry struct {
	// Key is the storage key.
	Key string `json:"key"`

	// Value is the stored JSON document.
	Value json.RawMessage `json:"value"`

	// Version starts at 1 and grows by one on every write.
	Version int64 `json:"version"`

	// UpdatedAt is the time of the last write.
	UpdatedAt time.Time `json:"updated_at"`

	// ExpiresAt is the expiry time; the zero time means never.
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// newEntry builds the entry that replaces an entry at version current.
func newEntry(key string, value json.RawMessage, current int64, now time.Time, ttl time.Duration) Entry {
	e := Entry{
		Key:       key,
		Value:     append(json.RawMessage(nil), value...),
		Version:   current + 1,
		UpdatedAt: now.UTC(),
	}
	if ttl > 0 {
		e.ExpiresAt = e.UpdatedAt.Add(ttl)
	}
	return e
}

// IsExpired reports whether the entry has expired at now.
func (e Entry) IsExpired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// TimeUntilExpiration returns the remaining lifetime at now.
// Returns 0 if already expired or if the entry never expires.
func (e Entry) TimeUntilExpiration(now time.Time) time.Duration {
	if e.ExpiresAt.IsZero() {
		return 0
	}
	remaining := e.ExpiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// MarshalJSON implements json.Marshaler for Entry.
// Times are formatted as RFC3339 with nanoseconds so files round-trip exactly.
func (e Entry) MarshalJSON() ([]byte, error) {
	type Alias Entry
	aux := struct {
		Alias

		UpdatedAt string `json:"updated_at"`
		ExpiresAt string `json:"expires_at,omitempty"`
	}{
		Alias:     Alias(e),
		UpdatedAt: e.UpdatedAt.Format(time.RFC3339Nano),
	}
	if !e.ExpiresAt.IsZero() {
		aux.ExpiresAt = e.ExpiresAt.Format(time.RFC3339Nano)
	}
	return json.Marshal(aux)
}

// UnmarshalJSON implements json.Unmarshaler for Entry.
func (e *Entry) UnmarshalJSON(data []byte) error {
	if e == nil {
		return errors.New("cannot unmarshal into nil Entry")
	}
	type Alias Entry
	aux := &struct {
		*Alias

		UpdatedAt string `json:"updated_at"`
		ExpiresAt string `json:"expires_at"`
	}{
		Alias: (*Alias)(e),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	var err error
	e.UpdatedAt, err = time.Parse(time.RFC3339Nano, aux.UpdatedAt)
	if err != nil {
		return err
	}

	e.ExpiresAt = time.Time{}
	if aux.ExpiresAt != "" {
		e.ExpiresAt, err = time.Parse(time.RFC3339Nano, aux.ExpiresAt)
		if err != nil {
			return err
		}
	}

	return nil
}
