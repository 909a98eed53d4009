package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rshade/loadstate/internal/errkind"
)

// DefaultUpdateAttempts bounds the read-modify-write loop of Port.Update.
const DefaultUpdateAttempts = 5

// Port is a typed view of a Store: values of T are encoded as JSON.
type Port[T any] struct {
	store          Store
	ttl            time.Duration
	updateAttempts int
}

// PortOption configures a Port.
type PortOption func(*portOptions)

type portOptions struct {
	ttl            time.Duration
	updateAttempts int
}

// WithTTL expires every value written through the port after ttl.
func WithTTL(ttl time.Duration) PortOption {
	return func(o *portOptions) { o.ttl = ttl }
}

// WithUpdateAttempts sets how often Update retries after a stale write.
func WithUpdateAttempts(n int) PortOption {
	return func(o *portOptions) {
		if n > 0 {
			o.updateAttempts = n
		}
	}
}

// NewPort wraps store.
func NewPort[T any](store Store, opts ...PortOption) *Port[T] {
	o := portOptions{updateAttempts: DefaultUpdateAttempts}
	for _, opt := range opts {
		opt(&o)
	}
	return &Port[T]{store: store, ttl: o.ttl, updateAttempts: o.updateAttempts}
}

// Store returns the underlying store.
func (p *Port[T]) Store() Store { return p.store }

// Get returns the value under key. ok is false when nothing is stored.
func (p *Port[T]) Get(ctx context.Context, key string) (T, bool, error) {
	v, _, err := p.GetVersion(ctx, key)
	if errors.Is(err, ErrNotFound) {
		var zero T
		return zero, false, nil
	}
	if err != nil {
		var zero T
		return zero, false, err
	}
	return v, true, nil
}

// GetVersion returns the value and its version, or ErrNotFound.
func (p *Port[T]) GetVersion(ctx context.Context, key string) (T, int64, error) {
	var zero T
	e, err := p.store.Get(ctx, key)
	if err != nil {
		return zero, 0, err
	}
	var v T
	if err := json.Unmarshal(e.Value, &v); err != nil {
		return zero, 0, errkind.Wrap(errkind.KindValidation, "decode "+key, err)
	}
	return v, e.Version, nil
}

// Set writes v under key, replacing whatever is stored.
func (p *Port[T]) Set(ctx context.Context, key string, v T) error {
	_, err := p.SetVersion(ctx, key, v, AnyVersion)
	return err
}

// SetVersion writes v only if the stored version equals expected
// (0 for absent). It returns the new version or an error matching
// ErrStaleWrite.
func (p *Port[T]) SetVersion(ctx context.Context, key string, v T, expected int64) (int64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, errkind.Wrap(errkind.KindValidation, "encode "+key, err)
	}
	e, err := p.store.Put(ctx, key, data, PutOptions{ExpectedVersion: expected, TTL: p.ttl})
	if err != nil {
		return 0, err
	}
	return e.Version, nil
}

// Update applies fn to the stored value and writes the result with a version
// check, re-reading and retrying when another writer got in first. exists is
// false when nothing is stored.
func (p *Port[T]) Update(ctx context.Context, key string, fn func(current T, exists bool) (T, error)) (T, error) {
	var zero T
	for range p.updateAttempts {
		current, version, err := p.GetVersion(ctx, key)
		exists := err == nil
		if err != nil && !errors.Is(err, ErrNotFound) {
			return zero, err
		}

		next, err := fn(current, exists)
		if err != nil {
			return zero, err
		}

		_, err = p.SetVersion(ctx, key, next, version)
		if errors.Is(err, ErrStaleWrite) {
			continue
		}
		if err != nil {
			return zero, err
		}
		return next, nil
	}
	return zero, fmt.Errorf("update %s: gave up after %d attempts: %w", key, p.updateAttempts, ErrStaleWrite)
}

// Delete removes key.
func (p *Port[T]) Delete(ctx context.Context, key string) error {
	return p.store.Delete(ctx, key)
}
