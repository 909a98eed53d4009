package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rshade/loadstate/internal/errkind"
	"github.com/rshade/loadstate/internal/logging"
)

// Sentinel errors returned by Loader methods.
var (
	ErrStopped        = errors.New("loader stopped")
	ErrAlreadyStarted = errors.New("loader already started")
	ErrNilProducer    = errors.New("producer cannot be nil")
)

// Producer fetches a value. It must honour ctx: the loader cancels it on
// Stop, on manual Retry, and when the Start context ends.
type Producer[T any] func(ctx context.Context) (T, error)

// Option configures a Loader.
type Option func(*options)

type options struct {
	name     string
	clock    Clock
	observer Observer
	logger   *zerolog.Logger
}

// WithName labels the loader in logs and metrics.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithClock replaces the wall clock used to schedule retries.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithObserver attaches an Observer.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithLogger overrides the logger otherwise taken from the Start context.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

type subscription[T any] struct {
	id uint64
	fn func(State[T])
}

// Loader drives a Producer through the retry-backoff state machine.
// It is safe for concurrent use.
type Loader[T any] struct {
	name     string
	producer Producer[T]
	policy   Policy
	clock    Clock
	observer Observer
	logger   *zerolog.Logger

	mu         sync.Mutex
	state      State[T]
	started    bool
	stopped    bool
	gen        uint64
	baseCtx    context.Context
	cancel     context.CancelFunc
	stopParent func() bool
	timer      Timer

	subs     []subscription[T]
	nextSub  uint64
	queue    []State[T]
	draining bool
	drainer  uint64 // goroutine running callbacks, 0 when idle
	waiters  []chan State[T]
	done     chan struct{}

	// deliverMu is held while a subscriber callback runs; Stop takes it to
	// wait out a callback running on another goroutine.
	deliverMu sync.Mutex

	inflight sync.WaitGroup
}

// New validates policy and returns an idle loader.
func New[T any](producer Producer[T], policy Policy, opts ...Option) (*Loader[T], error) {
	if producer == nil {
		return nil, ErrNilProducer
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	o := options{name: "loader", clock: SystemClock, observer: NopObserver{}}
	for _, opt := range opts {
		opt(&o)
	}

	return &Loader[T]{
		name:     o.name,
		producer: producer,
		policy:   policy,
		clock:    o.clock,
		observer: o.observer,
		logger:   o.logger,
		done:     make(chan struct{}),
	}, nil
}

// Name returns the loader label.
func (l *Loader[T]) Name() string { return l.name }

// Policy returns the retry policy.
func (l *Loader[T]) Policy() Policy { return l.policy }

// State returns the current snapshot.
func (l *Loader[T]) State() State[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Done is closed once the loader is stopped.
func (l *Loader[T]) Done() <-chan struct{} { return l.done }

// Start moves the loader from idle to loading and invokes the producer.
// When ctx ends the in-flight attempt is cancelled, pending retries are
// dropped, and the loader settles in a terminal error carrying ctx.Err().
func (l *Loader[T]) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	l.mu.Lock()
	switch {
	case l.stopped:
		l.mu.Unlock()
		return ErrStopped
	case l.started:
		l.mu.Unlock()
		return ErrAlreadyStarted
	}
	l.started = true
	l.baseCtx = ctx
	l.stopParent = context.AfterFunc(ctx, l.parentDone)
	l.beginAttemptLocked(0)
	l.mu.Unlock()

	l.drain()
	return nil
}

// Retry resets the attempt counter and invokes the producer again, whatever
// the current state and regardless of the retry ceiling. An in-flight attempt
// and any pending automatic retry are cancelled first. Calling Retry on an
// idle loader starts it with a background context.
func (l *Loader[T]) Retry() error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrStopped
	}
	if !l.started {
		l.started = true
		l.baseCtx = context.Background()
	}
	if err := l.baseCtx.Err(); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("retry: %w", err)
	}

	l.log().Debug().
		Ctx(l.baseCtx).
		Str("component", "loader").
		Str("loader", l.name).
		Str("previous_status", l.state.Status.String()).
		Msg("manual retry requested")

	l.clearPendingLocked()
	l.beginAttemptLocked(0)
	l.mu.Unlock()

	l.drain()
	return nil
}

// Stop tears the loader down. It cancels the in-flight attempt, clears any
// pending retry timer, and guarantees that no transition is published after
// it returns. Called from another goroutine while a subscriber callback runs,
// Stop waits for that callback to return, so callbacks must not block on the
// goroutine calling Stop. Stop is idempotent.
func (l *Loader[T]) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.gen++
	l.clearPendingLocked()
	if l.stopParent != nil {
		l.stopParent()
		l.stopParent = nil
	}
	l.queue = nil
	l.waiters = nil
	close(l.done)
	l.observer.Stopped(l.name)

	if l.baseCtx != nil {
		l.log().Debug().
			Ctx(l.baseCtx).
			Str("component", "loader").
			Str("loader", l.name).
			Msg("loader stopped")
	}
	drainer := l.drainer
	l.mu.Unlock()

	// A subscriber stopping its own loader is the drainer; it must not wait
	// for itself.
	if drainer != 0 && drainer != goroutineID() {
		l.deliverMu.Lock()
		l.deliverMu.Unlock() //nolint:staticcheck // Empty critical section waits out the running callback.
	}
}

// Subscribe registers fn for every future transition. Transitions are
// delivered in order, never concurrently for one loader, and fn may call back
// into the loader. The returned function removes the subscription.
func (l *Loader[T]) Subscribe(fn func(State[T])) (unsubscribe func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextSub++
	id := l.nextSub
	l.subs = append(l.subs, subscription[T]{id: id, fn: fn})

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, s := range l.subs {
			if s.id == id {
				l.subs = append(l.subs[:i:i], l.subs[i+1:]...)
				return
			}
		}
	}
}

// Await blocks until the load settles in success or a terminal error.
// It returns ErrStopped if the loader is stopped first, or ctx.Err().
func (l *Loader[T]) Await(ctx context.Context) (State[T], error) {
	l.mu.Lock()
	if l.state.Settled() {
		s := l.state
		l.mu.Unlock()
		return s, nil
	}
	if l.stopped {
		s := l.state
		l.mu.Unlock()
		return s, ErrStopped
	}
	ch := make(chan State[T], 1)
	l.waiters = append(l.waiters, ch)
	l.mu.Unlock()

	select {
	case s := <-ch:
		return s, nil
	case <-l.done:
		return l.State(), ErrStopped
	case <-ctx.Done():
		return l.State(), ctx.Err()
	}
}

// Wait blocks until no producer call is running. Call it after Stop to make
// sure cancelled producers have returned.
func (l *Loader[T]) Wait(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		l.inflight.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// beginAttemptLocked publishes loading and launches attempt. l.mu must be held.
func (l *Loader[T]) beginAttemptLocked(attempt int) {
	l.gen++
	gen := l.gen
	ctx, cancel := context.WithCancel(l.baseCtx)
	l.cancel = cancel

	l.setLocked(State[T]{Status: StatusLoading, Attempt: attempt})
	l.observer.AttemptStarted(l.name, attempt)
	l.log().Debug().
		Ctx(l.baseCtx).
		Str("component", "loader").
		Str("loader", l.name).
		Int("attempt", attempt).
		Int("max_attempts", l.policy.MaxAttempts).
		Msg("starting attempt")

	l.inflight.Add(1)
	go l.run(ctx, gen, attempt)
}

func (l *Loader[T]) run(ctx context.Context, gen uint64, attempt int) {
	defer l.inflight.Done()

	data, err := l.producer(ctx)

	l.mu.Lock()
	if l.stopped || gen != l.gen {
		l.mu.Unlock()
		return
	}
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}

	switch {
	case err == nil:
		l.setLocked(State[T]{Status: StatusSuccess, Data: data, Attempt: attempt})
		l.observer.Settled(l.name, StatusSuccess, attempt)
		l.log().Debug().
			Ctx(l.baseCtx).
			Str("component", "loader").
			Str("loader", l.name).
			Int("attempt", attempt).
			Msg("load succeeded")

	case attempt < l.policy.MaxAttempts && l.baseCtx.Err() == nil:
		delay := l.policy.Delay(attempt)
		l.setLocked(State[T]{Status: StatusError, Err: err, Attempt: attempt, RetryIn: delay})
		l.observer.AttemptFailed(l.name, attempt, err, delay)
		l.log().Debug().
			Ctx(l.baseCtx).
			Str("component", "loader").
			Str("loader", l.name).
			Err(err).
			Str("kind", errkind.KindOf(err).String()).
			Int("attempt", attempt).
			Int("max_attempts", l.policy.MaxAttempts).
			Dur("backoff", delay).
			Msg("attempt failed, retry scheduled")
		l.timer = l.clock.AfterFunc(delay, func() { l.fire(gen, attempt+1) })

	default:
		l.settleErrorLocked(err, attempt)
	}
	l.mu.Unlock()

	l.drain()
}

// fire runs when a retry timer expires.
func (l *Loader[T]) fire(gen uint64, attempt int) {
	l.mu.Lock()
	if l.stopped || gen != l.gen {
		l.mu.Unlock()
		return
	}
	l.timer = nil
	l.beginAttemptLocked(attempt)
	l.mu.Unlock()

	l.drain()
}

// parentDone runs when the Start context ends.
func (l *Loader[T]) parentDone() {
	l.mu.Lock()
	if l.stopped || l.state.Settled() {
		l.mu.Unlock()
		return
	}
	l.gen++
	l.clearPendingLocked()
	l.settleErrorLocked(l.baseCtx.Err(), l.state.Attempt)
	l.mu.Unlock()

	l.drain()
}

func (l *Loader[T]) settleErrorLocked(err error, attempt int) {
	l.setLocked(State[T]{Status: StatusError, Err: err, Attempt: attempt})
	l.observer.AttemptFailed(l.name, attempt, err, 0)
	l.observer.Settled(l.name, StatusError, attempt)
	l.log().Warn().
		Ctx(l.baseCtx).
		Str("component", "loader").
		Str("loader", l.name).
		Err(err).
		Str("kind", errkind.KindOf(err).String()).
		Int("attempt", attempt).
		Msg("load failed, automatic retries exhausted")
}

func (l *Loader[T]) clearPendingLocked() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
}

// setLocked records s and queues it for subscribers. l.mu must be held.
func (l *Loader[T]) setLocked(s State[T]) {
	l.state = s
	l.queue = append(l.queue, s)
	if s.Settled() {
		for _, w := range l.waiters {
			w <- s
		}
		l.waiters = nil
	}
}

// drain delivers queued transitions. Only one goroutine drains at a time, so
// subscribers observe transitions in the order they were recorded. The
// stopped flag is checked before every callback, and Stop excludes delivery
// through deliverMu, so nothing is delivered once Stop has returned.
func (l *Loader[T]) drain() {
	l.mu.Lock()
	if l.draining {
		l.mu.Unlock()
		return
	}
	l.draining = true
	l.drainer = goroutineID()
	for len(l.queue) > 0 && !l.stopped {
		s := l.queue[0]
		l.queue = l.queue[1:]
		subs := make([]subscription[T], len(l.subs))
		copy(subs, l.subs)
		l.mu.Unlock()

		for _, sub := range subs {
			if !l.deliver(sub, s) {
				break
			}
		}

		l.mu.Lock()
	}
	l.draining = false
	l.drainer = 0
	l.mu.Unlock()
}

// deliver hands s to one subscriber unless the loader has been stopped.
func (l *Loader[T]) deliver(sub subscription[T], s State[T]) bool {
	l.deliverMu.Lock()
	defer l.deliverMu.Unlock()

	l.mu.Lock()
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		return false
	}
	sub.fn(s)
	return true
}

func (l *Loader[T]) log() *zerolog.Logger {
	if l.logger != nil {
		return l.logger
	}
	return logging.FromContext(l.baseCtx)
}

// Run starts a loader for producer, waits for it to settle, and stops it.
// The returned error is non-nil only when the loader could not be built or
// ctx ended first; a failed load is reported through the state.
func Run[T any](ctx context.Context, producer Producer[T], policy Policy, opts ...Option) (State[T], error) {
	l, err := New(producer, policy, opts...)
	if err != nil {
		return State[T]{}, err
	}
	defer l.Stop()

	if err = l.Start(ctx); err != nil {
		return State[T]{}, err
	}
	return l.Await(ctx)
}

// Load is Run for callers that only want the value.
func Load[T any](ctx context.Context, producer Producer[T], policy Policy, opts ...Option) (T, error) {
	s, err := Run(ctx, producer, policy, opts...)
	if err != nil {
		var zero T
		return zero, err
	}
	if s.Status != StatusSuccess {
		var zero T
		return zero, s.Err
	}
	return s.Data, nil
}
