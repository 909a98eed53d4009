package source

import (
	"context"
	"fmt"

	"github.com/rshade/loadstate/internal/errkind"
	"github.com/rshade/loadstate/internal/loader"
	"github.com/rshade/loadstate/internal/logging"
	"github.com/rshade/loadstate/internal/storage"
)

// StoredValue returns a producer that reads key from port. A missing key is a
// validation failure wrapping storage.ErrNotFound.
func StoredValue[T any](port *storage.Port[T], key string) loader.Producer[T] {
	return func(ctx context.Context) (T, error) {
		v, ok, err := port.Get(ctx, key)
		if err != nil {
			var zero T
			return zero, fmt.Errorf("reading %q: %w", key, err)
		}
		if !ok {
			var zero T
			return zero, errkind.Wrap(errkind.KindValidation, "read "+key, storage.ErrNotFound)
		}
		return v, nil
	}
}

// Persisted wraps producer so every successful value is also written to key
// with last-write-wins semantics. A failed write is logged and does not fail
// the load.
func Persisted[T any](producer loader.Producer[T], port *storage.Port[T], key string) loader.Producer[T] {
	return func(ctx context.Context) (T, error) {
		v, err := producer(ctx)
		if err != nil {
			return v, err
		}
		if setErr := port.Set(ctx, key, v); setErr != nil {
			log := logging.FromContext(ctx)
			log.Warn().
				Ctx(ctx).
				Str("component", "source").
				Str("key", key).
				Str("driver", string(port.Store().Driver())).
				Err(setErr).
				Msg("persisting loaded value failed")
		}
		return v, nil
	}
}
