// Package metrics exports loader lifecycle events as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rshade/loadstate/internal/errkind"
	"github.com/rshade/loadstate/internal/loader"
	"github.com/rshade/loadstate/internal/logging"
)

// Namespace prefixes every metric name.
const Namespace = "loadstate"

// readHeaderTimeout bounds slow clients on the metrics listener.
const readHeaderTimeout = 5 * time.Second

// Recorder implements loader.Observer on a dedicated registry.
type Recorder struct {
	registry *prometheus.Registry

	attempts *prometheus.CounterVec
	failures *prometheus.CounterVec
	settled  *prometheus.CounterVec
	backoff  *prometheus.HistogramVec
	stopped  *prometheus.CounterVec

	label func(string) string
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLabeler maps loader names onto the `loader` label value. Use it to
// keep label cardinality bounded when names are unbounded, such as URLs.
func WithLabeler(fn func(name string) string) Option {
	return func(r *Recorder) {
		if fn != nil {
			r.label = fn
		}
	}
}

var _ loader.Observer = (*Recorder)(nil)

// NewRecorder builds a Recorder with its own registry. When withRuntime is
// set the Go runtime and process collectors are registered too.
func NewRecorder(withRuntime bool, opts ...Option) *Recorder {
	r := &Recorder{
		label:    func(name string) string { return name },
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "attempts_total",
			Help:      "Producer invocations started, including retries.",
		}, []string{"loader"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "failures_total",
			Help:      "Failed producer invocations by error kind.",
		}, []string{"loader", "kind"}),
		settled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "settled_total",
			Help:      "Loads that reached success or a terminal error.",
		}, []string{"loader", "status"}),
		backoff: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "backoff_seconds",
			Help:      "Delay scheduled before each automatic retry.",
			Buckets:   prometheus.ExponentialBuckets(0.125, 2, 10),
		}, []string{"loader"}),
		stopped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "stopped_total",
			Help:      "Loaders torn down.",
		}, []string{"loader"}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.registry.MustRegister(r.attempts, r.failures, r.settled, r.backoff, r.stopped)
	if withRuntime {
		r.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return r
}

// Registry returns the registry the metrics live in.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// AttemptStarted implements loader.Observer.
func (r *Recorder) AttemptStarted(name string, _ int) {
	r.attempts.WithLabelValues(r.label(name)).Inc()
}

// AttemptFailed implements loader.Observer.
func (r *Recorder) AttemptFailed(name string, _ int, err error, retryIn time.Duration) {
	r.failures.WithLabelValues(r.label(name), errkind.KindOf(err).String()).Inc()
	if retryIn > 0 {
		r.backoff.WithLabelValues(r.label(name)).Observe(retryIn.Seconds())
	}
}

// Settled implements loader.Observer.
func (r *Recorder) Settled(name string, status loader.Status, _ int) {
	r.settled.WithLabelValues(r.label(name), status.String()).Inc()
}

// Stopped implements loader.Observer.
func (r *Recorder) Stopped(name string) {
	r.stopped.WithLabelValues(r.label(name)).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Serve exposes Handler on addr under /metrics until ctx ends.
func (r *Recorder) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: readHeaderTimeout}

	log := logging.FromContext(ctx)
	log.Info().Ctx(ctx).Str("component", "metrics").Str("addr", addr).Msg("serving metrics")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), readHeaderTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
