package source

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rshade/loadstate/internal/errkind"
	"github.com/rshade/loadstate/internal/loader"
)

// ErrSimulated is the failure a Simulated producer reports.
var ErrSimulated = errors.New("simulated failure")

// Simulated returns a producer that waits latency, fails the first failures
// calls with a network error, and then yields value. The call count is shared
// by every invocation of the returned producer.
func Simulated[T any](value T, failures int, latency time.Duration) loader.Producer[T] {
	var calls atomic.Int64
	return func(ctx context.Context) (T, error) {
		var zero T
		n := calls.Add(1)

		if latency > 0 {
			t := time.NewTimer(latency)
			select {
			case <-ctx.Done():
				t.Stop()
				return zero, ctx.Err()
			case <-t.C:
			}
		}

		if n <= int64(failures) {
			return zero, errkind.Network("simulate", fmt.Errorf("%w %d of %d", ErrSimulated, n, failures))
		}
		return value, nil
	}
}
