package loader_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rshade/loadstate/internal/errkind"
	"github.com/rshade/loadstate/internal/loader"
	"github.com/rshade/loadstate/internal/testutil"
)

var errBoom = errors.New("boom")

func newTestLoader(
	t *testing.T,
	p loader.Producer[string],
	policy loader.Policy,
	clock *testutil.FakeClock,
	opts ...loader.Option,
) *loader.Loader[string] {
	t.Helper()
	opts = append([]loader.Option{loader.WithClock(clock), loader.WithName(t.Name())}, opts...)
	l, err := loader.New(p, policy, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { stopAndWait(t, l) })
	return l
}

// TestLoader_FailsTwiceThenSucceeds walks the documented timeline: base delay
// 1s, three retries, producer fails twice and then returns "ok".
func TestLoader_FailsTwiceThenSucceeds(t *testing.T) {
	clock := testutil.NewFakeClock(epoch())
	prod := &scripted{clock: clock, outcomes: []outcome{
		{err: errBoom}, {err: errBoom}, {value: "ok"},
	}}
	l := newTestLoader(t, prod.produce, loader.Policy{BaseDelay: time.Second, MaxAttempts: 3}, clock)
	rec := record(t, l)

	require.NoError(t, l.Start(context.Background()))

	s := rec.next(t)
	assert.Equal(t, loader.StatusLoading, s.Status)
	assert.Equal(t, 0, s.Attempt)

	s = rec.next(t)
	assert.Equal(t, loader.StatusError, s.Status)
	assert.Equal(t, 0, s.Attempt)
	assert.Equal(t, time.Second, s.RetryIn)
	assert.Equal(t, []time.Duration{time.Second}, clock.Pending())

	clock.Advance(time.Second)

	s = rec.next(t)
	assert.Equal(t, loader.StatusLoading, s.Status)
	assert.Equal(t, 1, s.Attempt)

	s = rec.next(t)
	assert.Equal(t, loader.StatusError, s.Status)
	assert.Equal(t, 1, s.Attempt)
	assert.Equal(t, 2*time.Second, s.RetryIn)

	clock.Advance(2 * time.Second)

	s = rec.next(t)
	assert.Equal(t, loader.StatusLoading, s.Status)
	assert.Equal(t, 2, s.Attempt)

	s = rec.next(t)
	assert.Equal(t, loader.State[string]{Status: loader.StatusSuccess, Data: "ok", Attempt: 2}, s)
	assert.Equal(t, s, l.State())
	assert.Empty(t, clock.Pending(), "no retry may be scheduled after success")

	start := epoch()
	assert.Equal(t, []time.Time{
		start,
		start.Add(1000 * time.Millisecond),
		start.Add(3000 * time.Millisecond),
	}, prod.callTimes())
}

// TestLoader_AlwaysFailing checks that the loader stops after MaxAttempts
// automatic retries and settles with Attempt == MaxAttempts.
func TestLoader_AlwaysFailing(t *testing.T) {
	for n := 1; n <= 5; n++ {
		t.Run(fmt.Sprintf("max_attempts_%d", n), func(t *testing.T) {
			clock := testutil.NewFakeClock(epoch())
			prod := &scripted{clock: clock, outcomes: []outcome{{err: errBoom}}}
			l := newTestLoader(t, prod.produce, loader.Policy{BaseDelay: 10 * time.Millisecond, MaxAttempts: n}, clock)
			rec := record(t, l)

			require.NoError(t, l.Start(context.Background()))
			final := rec.settle(t, clock)

			assert.Equal(t, loader.StatusError, final.Status)
			assert.Equal(t, n, final.Attempt)
			assert.ErrorIs(t, final.Err, errBoom)
			assert.Zero(t, final.RetryIn)
			assert.Len(t, prod.callTimes(), n+1, "initial attempt plus %d retries", n)
			assert.Empty(t, clock.Pending())
		})
	}
}

// TestLoader_BoomWithTwoRetries is the concrete always-rejecting scenario.
func TestLoader_BoomWithTwoRetries(t *testing.T) {
	clock := testutil.NewFakeClock(epoch())
	prod := &scripted{clock: clock, outcomes: []outcome{{err: errors.New("boom")}}}
	l := newTestLoader(t, prod.produce, loader.Policy{BaseDelay: time.Second, MaxAttempts: 2}, clock)
	rec := record(t, l)

	require.NoError(t, l.Start(context.Background()))
	final := rec.settle(t, clock)

	assert.Equal(t, loader.StatusError, final.Status)
	require.Error(t, final.Err)
	assert.Equal(t, "boom", final.Err.Error())
	assert.Equal(t, 2, final.Attempt)
	assert.Empty(t, clock.Pending())
	assert.True(t, final.Settled())
	assert.Equal(t, errkind.KindUnknown, final.Kind())
}

func TestLoader_SuccessOnAttemptK(t *testing.T) {
	const maxAttempts = 4
	for k := 0; k <= maxAttempts; k++ {
		t.Run(fmt.Sprintf("k_%d", k), func(t *testing.T) {
			clock := testutil.NewFakeClock(epoch())
			outcomes := make([]outcome, 0, k+1)
			for range k {
				outcomes = append(outcomes, outcome{err: errBoom})
			}
			outcomes = append(outcomes, outcome{value: "value"})
			prod := &scripted{clock: clock, outcomes: outcomes}

			l := newTestLoader(t, prod.produce, loader.Policy{BaseDelay: time.Millisecond, MaxAttempts: maxAttempts}, clock)
			rec := record(t, l)

			require.NoError(t, l.Start(context.Background()))
			final := rec.settle(t, clock)

			assert.Equal(t, loader.StatusSuccess, final.Status)
			assert.Equal(t, "value", final.Data)
			assert.Equal(t, k, final.Attempt)
			assert.Empty(t, clock.Pending())
			rec.assertQuiet(t, 20*time.Millisecond)
		})
	}
}

func TestLoader_ManualRetryAfterExhaustion(t *testing.T) {
	clock := testutil.NewFakeClock(epoch())
	prod := &scripted{clock: clock, outcomes: []outcome{
		{err: errBoom}, {err: errBoom}, {value: "recovered"},
	}}
	l := newTestLoader(t, prod.produce, loader.Policy{BaseDelay: time.Second, MaxAttempts: 1}, clock)
	rec := record(t, l)

	require.NoError(t, l.Start(context.Background()))
	final := rec.settle(t, clock)
	require.Equal(t, loader.StatusError, final.Status)
	require.Equal(t, 1, final.Attempt)

	require.NoError(t, l.Retry())

	s := rec.next(t)
	assert.Equal(t, loader.StatusLoading, s.Status)
	assert.Equal(t, 0, s.Attempt, "manual retry resets the attempt counter")

	s = rec.next(t)
	assert.Equal(t, loader.StatusSuccess, s.Status)
	assert.Equal(t, "recovered", s.Data)
	assert.Equal(t, 0, s.Attempt)
}

func TestLoader_ManualRetryFromSuccess(t *testing.T) {
	clock := testutil.NewFakeClock(epoch())
	var n atomic.Int32
	prod := func(context.Context) (string, error) {
		return fmt.Sprintf("v%d", n.Add(1)), nil
	}
	l := newTestLoader(t, prod, loader.DefaultPolicy(), clock)
	rec := record(t, l)

	require.NoError(t, l.Start(context.Background()))
	assert.Equal(t, "v1", rec.settle(t, clock).Data)

	require.NoError(t, l.Retry())
	assert.Equal(t, "v2", rec.settle(t, clock).Data)
}

func TestLoader_StopWhileRetryPending(t *testing.T) {
	clock := testutil.NewFakeClock(epoch())
	prod := &scripted{clock: clock, outcomes: []outcome{{err: errBoom}, {value: "late"}}}
	l := newTestLoader(t, prod.produce, loader.Policy{BaseDelay: time.Second, MaxAttempts: 3}, clock)
	rec := record(t, l)

	require.NoError(t, l.Start(context.Background()))
	rec.next(t) // loading
	pending := rec.next(t)
	require.True(t, pending.Retrying())
	require.Len(t, clock.Pending(), 1)

	l.Stop()
	assert.Empty(t, clock.Pending(), "stop must clear the pending timer")

	clock.Advance(time.Minute)
	rec.assertQuiet(t, 20*time.Millisecond)
	assert.Equal(t, pending, l.State())
	assert.Len(t, prod.callTimes(), 1)

	_, err := l.Await(context.Background())
	assert.ErrorIs(t, err, loader.ErrStopped)
	assert.ErrorIs(t, l.Retry(), loader.ErrStopped)
	assert.ErrorIs(t, l.Start(context.Background()), loader.ErrStopped)

	select {
	case <-l.Done():
	default:
		t.Fatal("Done must be closed after Stop")
	}
}

func TestLoader_StopCancelsInFlightProducer(t *testing.T) {
	clock := testutil.NewFakeClock(epoch())
	entered := make(chan struct{})
	cancelled := make(chan struct{})
	prod := func(ctx context.Context) (string, error) {
		close(entered)
		<-ctx.Done()
		close(cancelled)
		return "ignored", ctx.Err()
	}
	l := newTestLoader(t, prod, loader.DefaultPolicy(), clock)
	rec := record(t, l)

	require.NoError(t, l.Start(context.Background()))
	rec.next(t) // loading
	<-entered

	l.Stop()

	select {
	case <-cancelled:
	case <-time.After(waitTimeout):
		t.Fatal("producer context was not cancelled")
	}
	rec.assertQuiet(t, 20*time.Millisecond)
	assert.Equal(t, loader.StatusLoading, l.State().Status)
}

func blockUntilCancelled(ctx context.Context) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

// TestLoader_StopFromSubscriber stops the loader inside the first
// subscriber's callback; later subscribers must not see that transition.
func TestLoader_StopFromSubscriber(t *testing.T) {
	clock := testutil.NewFakeClock(epoch())
	l := newTestLoader(t, blockUntilCancelled, loader.DefaultPolicy(), clock)

	var stopReturned atomic.Bool
	l.Subscribe(func(loader.State[string]) {
		l.Stop()
		stopReturned.Store(true)
	})
	var after atomic.Int32
	l.Subscribe(func(loader.State[string]) {
		after.Add(1)
	})

	require.NoError(t, l.Start(context.Background()))

	assert.True(t, stopReturned.Load())
	assert.Zero(t, after.Load(), "no subscriber may be called once Stop has returned")
}

// TestLoader_StopWaitsForRunningCallback stops the loader from another
// goroutine while a callback is running. Stop returns only after the
// callback does, and the remaining subscribers are skipped.
func TestLoader_StopWaitsForRunningCallback(t *testing.T) {
	clock := testutil.NewFakeClock(epoch())
	l := newTestLoader(t, blockUntilCancelled, loader.DefaultPolicy(), clock)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	l.Subscribe(func(loader.State[string]) {
		once.Do(func() {
			close(entered)
			<-release
		})
	})
	var stopReturned atomic.Bool
	var late atomic.Int32
	l.Subscribe(func(loader.State[string]) {
		if stopReturned.Load() {
			late.Add(1)
		}
	})

	started := make(chan error, 1)
	go func() { started <- l.Start(context.Background()) }()
	<-entered

	stopped := make(chan struct{})
	go func() {
		l.Stop()
		stopReturned.Store(true)
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a subscriber callback was running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(waitTimeout):
		t.Fatal("Stop did not return after the callback finished")
	}
	require.NoError(t, <-started)
	assert.Zero(t, late.Load(), "no subscriber may be called once Stop has returned")
}

func TestLoader_ManualRetryCancelsInFlight(t *testing.T) {
	clock := testutil.NewFakeClock(epoch())
	var calls atomic.Int32
	firstCancelled := make(chan struct{})
	entered := make(chan struct{})
	prod := func(ctx context.Context) (string, error) {
		if calls.Add(1) == 1 {
			close(entered)
			<-ctx.Done()
			close(firstCancelled)
			return "stale", nil
		}
		return "fresh", nil
	}
	l := newTestLoader(t, prod, loader.DefaultPolicy(), clock)
	rec := record(t, l)

	require.NoError(t, l.Start(context.Background()))
	rec.next(t)
	<-entered

	require.NoError(t, l.Retry())
	<-firstCancelled

	final := rec.settle(t, clock)
	assert.Equal(t, "fresh", final.Data, "the cancelled attempt's result must be discarded")
	rec.assertQuiet(t, 20*time.Millisecond)
	assert.Equal(t, "fresh", l.State().Data)
}

func TestLoader_ParentContextCancelled(t *testing.T) {
	clock := testutil.NewFakeClock(epoch())
	prod := func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	l := newTestLoader(t, prod, loader.Policy{BaseDelay: time.Second, MaxAttempts: 5}, clock)
	rec := record(t, l)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.Start(ctx))
	rec.next(t)

	cancel()

	final := rec.settle(t, clock)
	assert.Equal(t, loader.StatusError, final.Status)
	assert.ErrorIs(t, final.Err, context.Canceled)
	assert.Equal(t, errkind.KindCanceled, final.Kind())
	assert.Empty(t, clock.Pending())

	assert.ErrorIs(t, l.Retry(), context.Canceled)
}

func TestLoader_StartErrors(t *testing.T) {
	clock := testutil.NewFakeClock(epoch())
	l := newTestLoader(t, func(context.Context) (string, error) { return "x", nil }, loader.DefaultPolicy(), clock)

	require.NoError(t, l.Start(context.Background()))
	assert.ErrorIs(t, l.Start(context.Background()), loader.ErrAlreadyStarted)
}

func TestLoader_RetryFromIdleStarts(t *testing.T) {
	clock := testutil.NewFakeClock(epoch())
	l := newTestLoader(t, func(context.Context) (string, error) { return "x", nil }, loader.DefaultPolicy(), clock)
	assert.Equal(t, loader.StatusIdle, l.State().Status)

	rec := record(t, l)
	require.NoError(t, l.Retry())
	assert.Equal(t, "x", rec.settle(t, clock).Data)
}

func TestNew_Validation(t *testing.T) {
	_, err := loader.New[string](nil, loader.DefaultPolicy())
	assert.ErrorIs(t, err, loader.ErrNilProducer)

	_, err = loader.New(func(context.Context) (string, error) { return "", nil }, loader.Policy{MaxAttempts: -1})
	assert.ErrorIs(t, err, loader.ErrInvalidPolicy)
}

func TestLoader_SubscribersSeeOrderedTransitions(t *testing.T) {
	clock := testutil.NewFakeClock(epoch())
	prod := &scripted{clock: clock, outcomes: []outcome{{err: errBoom}, {err: errBoom}, {value: "done"}}}
	l := newTestLoader(t, prod.produce, loader.Policy{BaseDelay: time.Second, MaxAttempts: 3}, clock)

	var mu sync.Mutex
	var seen []string
	unsubscribe := l.Subscribe(func(s loader.State[string]) {
		// Reentrant call must not deadlock.
		_ = l.State()
		mu.Lock()
		seen = append(seen, fmt.Sprintf("%s/%d", s.Status, s.Attempt))
		mu.Unlock()
	})
	defer unsubscribe()

	rec := record(t, l)
	require.NoError(t, l.Start(context.Background()))
	rec.settle(t, clock)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"loading/0", "error/0",
		"loading/1", "error/1",
		"loading/2", "success/2",
	}, seen)
}

func TestLoader_Unsubscribe(t *testing.T) {
	clock := testutil.NewFakeClock(epoch())
	l := newTestLoader(t, func(context.Context) (string, error) { return "x", nil }, loader.DefaultPolicy(), clock)

	var count atomic.Int32
	unsubscribe := l.Subscribe(func(loader.State[string]) { count.Add(1) })
	unsubscribe()

	rec := record(t, l)
	require.NoError(t, l.Start(context.Background()))
	rec.settle(t, clock)
	assert.Zero(t, count.Load())
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (e *eventLog) add(format string, args ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, fmt.Sprintf(format, args...))
}

func (e *eventLog) AttemptStarted(_ string, attempt int) { e.add("start %d", attempt) }
func (e *eventLog) AttemptFailed(_ string, attempt int, _ error, retryIn time.Duration) {
	e.add("fail %d %s", attempt, retryIn)
}
func (e *eventLog) Settled(_ string, status loader.Status, attempt int) {
	e.add("settled %s %d", status, attempt)
}
func (e *eventLog) Stopped(string) { e.add("stopped") }

func TestLoader_Observer(t *testing.T) {
	clock := testutil.NewFakeClock(epoch())
	prod := &scripted{clock: clock, outcomes: []outcome{{err: errBoom}}}
	events := &eventLog{}
	l, err := loader.New(prod.produce, loader.Policy{BaseDelay: time.Second, MaxAttempts: 1},
		loader.WithClock(clock), loader.WithObserver(loader.MultiObserver{events, loader.NopObserver{}}))
	require.NoError(t, err)
	rec := record(t, l)

	require.NoError(t, l.Start(context.Background()))
	rec.settle(t, clock)
	stopAndWait(t, l)

	events.mu.Lock()
	defer events.mu.Unlock()
	assert.Equal(t, []string{
		"start 0", "fail 0 1s",
		"start 1", "fail 1 0s", "settled error 1",
		"stopped",
	}, events.events)
}

func TestAwait(t *testing.T) {
	t.Run("returns settled state", func(t *testing.T) {
		clock := testutil.NewFakeClock(epoch())
		l := newTestLoader(t, func(context.Context) (string, error) { return "x", nil }, loader.DefaultPolicy(), clock)
		require.NoError(t, l.Start(context.Background()))

		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		s, err := l.Await(ctx)
		require.NoError(t, err)
		assert.Equal(t, "x", s.Data)

		// Already settled: returns immediately.
		s, err = l.Await(ctx)
		require.NoError(t, err)
		assert.Equal(t, loader.StatusSuccess, s.Status)
	})

	t.Run("honours context", func(t *testing.T) {
		clock := testutil.NewFakeClock(epoch())
		l := newTestLoader(t, func(context.Context) (string, error) { return "", errBoom }, loader.DefaultPolicy(), clock)
		require.NoError(t, l.Start(context.Background()))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := l.Await(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestRunAndLoad(t *testing.T) {
	policy := loader.Policy{BaseDelay: time.Millisecond, MaxAttempts: 2}

	t.Run("run reports success", func(t *testing.T) {
		var calls atomic.Int32
		s, err := loader.Run(context.Background(), func(context.Context) (int, error) {
			if calls.Add(1) < 2 {
				return 0, errBoom
			}
			return 42, nil
		}, policy)
		require.NoError(t, err)
		assert.Equal(t, loader.StatusSuccess, s.Status)
		assert.Equal(t, 42, s.Data)
		assert.Equal(t, 1, s.Attempt)
	})

	t.Run("load returns final error", func(t *testing.T) {
		_, err := loader.Load(context.Background(), func(context.Context) (int, error) {
			return 0, errBoom
		}, policy)
		assert.ErrorIs(t, err, errBoom)
	})

	t.Run("load rejects invalid policy", func(t *testing.T) {
		_, err := loader.Load(context.Background(), func(context.Context) (int, error) {
			return 1, nil
		}, loader.Policy{BaseDelay: -time.Second})
		assert.ErrorIs(t, err, loader.ErrInvalidPolicy)
	})
}

func TestState_JSON(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		data, err := json.Marshal(loader.State[string]{Status: loader.StatusSuccess, Data: "ok", Attempt: 2})
		require.NoError(t, err)
		assert.JSONEq(t, `{"status":"success","data":"ok","attempt":2}`, string(data))
	})

	t.Run("retrying error", func(t *testing.T) {
		s := loader.State[string]{
			Status:  loader.StatusError,
			Err:     errkind.Network("GET /", errBoom),
			Attempt: 1,
			RetryIn: 2 * time.Second,
		}
		data, err := json.Marshal(s)
		require.NoError(t, err)
		assert.JSONEq(t,
			`{"status":"error","data":null,"error":"GET /: boom","kind":"network","attempt":1,"retry_in":"2s"}`,
			string(data))
	})
}
