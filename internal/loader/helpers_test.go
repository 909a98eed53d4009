package loader_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rshade/loadstate/internal/loader"
	"github.com/rshade/loadstate/internal/testutil"
)

const waitTimeout = 2 * time.Second

// outcome is one scripted producer result.
type outcome struct {
	value string
	err   error
}

// scripted replays outcomes in order, repeating the last one, and records the
// fake time of every call.
type scripted struct {
	mu       sync.Mutex
	clock    *testutil.FakeClock
	outcomes []outcome
	calls    []time.Time
}

func (s *scripted) produce(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var now time.Time
	if s.clock != nil {
		now = s.clock.Now()
	}
	i := len(s.calls)
	s.calls = append(s.calls, now)
	if i >= len(s.outcomes) {
		i = len(s.outcomes) - 1
	}
	o := s.outcomes[i]
	return o.value, o.err
}

func (s *scripted) callTimes() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.calls...)
}

// recorder collects every published transition.
type recorder struct {
	ch chan loader.State[string]
}

func record(t *testing.T, l *loader.Loader[string]) *recorder {
	t.Helper()
	r := &recorder{ch: make(chan loader.State[string], 128)}
	unsubscribe := l.Subscribe(func(s loader.State[string]) {
		if err := s.Validate(); err != nil {
			t.Errorf("published invalid state %+v: %v", s, err)
		}
		r.ch <- s
	})
	t.Cleanup(unsubscribe)
	return r
}

func (r *recorder) next(t *testing.T) loader.State[string] {
	t.Helper()
	select {
	case s := <-r.ch:
		return s
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for state transition")
		return loader.State[string]{}
	}
}

func (r *recorder) assertQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case s := <-r.ch:
		t.Fatalf("unexpected transition %+v", s)
	case <-time.After(d):
	}
}

// settle follows transitions, advancing the fake clock through every pending
// retry, until the loader settles.
func (r *recorder) settle(t *testing.T, clock *testutil.FakeClock) loader.State[string] {
	t.Helper()
	for {
		s := r.next(t)
		if s.Retrying() {
			clock.Advance(s.RetryIn)
			continue
		}
		if s.Settled() {
			return s
		}
	}
}

func epoch() time.Time { return time.Unix(0, 0).UTC() }

func stopAndWait(t *testing.T, l *loader.Loader[string]) {
	t.Helper()
	l.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, l.Wait(ctx))
}
