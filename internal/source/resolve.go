package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"

	"github.com/rshade/loadstate/internal/loader"
	"github.com/rshade/loadstate/internal/storage"
)

// Target schemes understood by Resolve.
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
	SchemeGRPC  = "grpc"
	SchemeStore = "store"
	SchemeDemo  = "demo"

	// sessionPrefix marks http(s) targets that create a session by POST.
	sessionPrefix = "session+"
)

var (
	// ErrUnsupportedTarget is returned for a target with an unknown scheme.
	ErrUnsupportedTarget = errors.New("unsupported target")
	// ErrInvalidTarget is returned for a malformed target.
	ErrInvalidTarget = errors.New("invalid target")
)

// Deps carries the collaborators Resolve may hand to a producer.
type Deps struct {
	HTTPClient *http.Client
	// Store backs store:// targets. Optional for other schemes.
	Store storage.Store
	// DialGRPC opens grpc:// connections. Defaults to Dial.
	DialGRPC func(address string) (*grpc.ClientConn, error)
	// SessionBody is the JSON posted to session+http(s):// targets.
	// Defaults to an empty object.
	SessionBody json.RawMessage
}

// Resolved is a producer built from a target string, plus whatever must be
// released once the loader is done with it.
type Resolved struct {
	Target   string
	Producer loader.Producer[json.RawMessage]
	closers  []func() error
}

// Close releases connections opened for the target.
func (r *Resolved) Close() error {
	var errs []error
	for _, c := range r.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// Resolve turns a target into a JSON producer:
//
//	http(s)://host/path            GET, decode JSON
//	session+http(s)://host/path    POST Deps.SessionBody, return the session id
//	grpc://host:port/service       standard health check
//	store://key                    read key from Deps.Store
//	demo://value?fail=N&latency=D  simulated backend
func Resolve(target string, deps Deps) (*Resolved, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidTarget, target, err)
	}

	r := &Resolved{Target: target}
	switch strings.ToLower(u.Scheme) {
	case SchemeHTTP, SchemeHTTPS:
		if u.Host == "" {
			return nil, fmt.Errorf("%w %q: missing host", ErrInvalidTarget, target)
		}
		r.Producer = HTTPJSON[json.RawMessage](deps.HTTPClient, target)

	case sessionPrefix + SchemeHTTP, sessionPrefix + SchemeHTTPS:
		if u.Host == "" {
			return nil, fmt.Errorf("%w %q: missing host", ErrInvalidTarget, target)
		}
		body := deps.SessionBody
		if len(body) == 0 {
			body = json.RawMessage("{}")
		}
		if !json.Valid(body) {
			return nil, fmt.Errorf("%w %q: session body is not valid JSON", ErrInvalidTarget, target)
		}
		u.Scheme = strings.TrimPrefix(strings.ToLower(u.Scheme), sessionPrefix)
		r.Producer = asJSON(SessionID(deps.HTTPClient, u.String(), body))

	case SchemeGRPC:
		if u.Host == "" {
			return nil, fmt.Errorf("%w %q: missing host", ErrInvalidTarget, target)
		}
		dial := deps.DialGRPC
		if dial == nil {
			dial = func(address string) (*grpc.ClientConn, error) { return Dial(address) }
		}
		conn, dialErr := dial(u.Host)
		if dialErr != nil {
			return nil, dialErr
		}
		r.closers = append(r.closers, conn.Close)
		r.Producer = asJSON(GRPCHealth(conn, strings.TrimPrefix(u.Path, "/")))

	case SchemeStore:
		key := storeKey(u)
		if key == "" {
			return nil, fmt.Errorf("%w %q: missing key", ErrInvalidTarget, target)
		}
		if deps.Store == nil {
			return nil, fmt.Errorf("%w %q: no store configured", ErrInvalidTarget, target)
		}
		r.Producer = StoredValue(storage.NewPort[json.RawMessage](deps.Store), key)

	case SchemeDemo:
		p, demoErr := demo(u)
		if demoErr != nil {
			return nil, fmt.Errorf("%w %q: %w", ErrInvalidTarget, target, demoErr)
		}
		r.Producer = p

	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedTarget, target)
	}
	return r, nil
}

// MetricLabel reduces target to a bounded label: scheme and host for network
// targets, the bare scheme for store and demo targets.
func MetricLabel(target string) string {
	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" {
		return "invalid"
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case SchemeHTTP, SchemeHTTPS, SchemeGRPC, sessionPrefix + SchemeHTTP, sessionPrefix + SchemeHTTPS:
		return scheme + "://" + strings.ToLower(u.Host)
	case SchemeStore, SchemeDemo:
		return scheme
	default:
		return "unsupported"
	}
}

func storeKey(u *url.URL) string {
	if u.Opaque != "" {
		return u.Opaque
	}
	return u.Host + u.Path
}

func demo(u *url.URL) (loader.Producer[json.RawMessage], error) {
	raw := u.Opaque
	if raw == "" {
		raw = u.Host + u.Path
	}
	raw, err := url.PathUnescape(raw)
	if err != nil {
		return nil, err
	}

	value := json.RawMessage(raw)
	if raw == "" || !json.Valid(value) {
		quoted, _ := json.Marshal(raw)
		value = quoted
	}

	q := u.Query()
	failures := 0
	if s := q.Get("fail"); s != "" {
		failures, err = strconv.Atoi(s)
		if err != nil || failures < 0 {
			return nil, fmt.Errorf("fail must be a non-negative integer, got %q", s)
		}
	}
	var latency time.Duration
	if s := q.Get("latency"); s != "" {
		latency, err = time.ParseDuration(s)
		if err != nil || latency < 0 {
			return nil, fmt.Errorf("latency must be a non-negative duration, got %q", s)
		}
	}
	return Simulated(value, failures, latency), nil
}

func asJSON(p loader.Producer[string]) loader.Producer[json.RawMessage] {
	return func(ctx context.Context) (json.RawMessage, error) {
		s, err := p(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(s)
	}
}
