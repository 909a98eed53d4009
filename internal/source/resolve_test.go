package source_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rshade/loadstate/internal/storage"
	"github.com/rshade/loadstate/internal/source"
)

func resolveAndRun(t *testing.T, target string, deps source.Deps) (json.RawMessage, error) {
	t.Helper()
	r, err := source.Resolve(target, deps)
	require.NoError(t, err)
	defer func() { require.NoError(t, r.Close()) }()
	return r.Producer(context.Background())
}

func TestResolve_HTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	got, err := resolveAndRun(t, srv.URL+"/status", source.Deps{HTTPClient: srv.Client()})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(got))
}

func TestResolve_GRPC(t *testing.T) {
	f := newHealthFixture(t)
	f.health.SetServingStatus("billing.v1.Billing", healthpb.HealthCheckResponse_SERVING)

	var dialed string
	got, err := resolveAndRun(t, "grpc://bufnet:50051/billing.v1.Billing", source.Deps{
		DialGRPC: func(address string) (*grpc.ClientConn, error) {
			dialed = address
			return f.dial(address)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "bufnet:50051", dialed)
	assert.JSONEq(t, `"SERVING"`, string(got))
}

func TestResolve_Store(t *testing.T) {
	store := storage.NewMemoryStore()
	_, err := store.Put(context.Background(), "users/ada", json.RawMessage(`{"name":"ada"}`), storage.LastWriteWins())
	require.NoError(t, err)

	got, err := resolveAndRun(t, "store://users/ada", source.Deps{Store: store})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"ada"}`, string(got))

	_, err = resolveAndRun(t, "store://users/bob", source.Deps{Store: store})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestResolve_Demo(t *testing.T) {
	tests := []struct {
		target string
		want   string
	}{
		{"demo://hello", `"hello"`},
		{"demo://42", `42`},
		{"demo://true?latency=1ms", `true`},
		{"demo://", `""`},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			got, err := resolveAndRun(t, tt.target, source.Deps{})
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}

	r, err := source.Resolve("demo://hi?fail=1", source.Deps{})
	require.NoError(t, err)
	_, err = r.Producer(context.Background())
	require.ErrorIs(t, err, source.ErrSimulated)
	got, err := r.Producer(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `"hi"`, string(got))
}

func TestResolve_Errors(t *testing.T) {
	tests := []struct {
		target string
		want   error
	}{
		{"ftp://example.test/file", source.ErrUnsupportedTarget},
		{"just-a-word", source.ErrUnsupportedTarget},
		{"http:///nohost", source.ErrInvalidTarget},
		{"grpc:///svc", source.ErrInvalidTarget},
		{"store://", source.ErrInvalidTarget},
		{"store://key", source.ErrInvalidTarget},
		{"demo://x?fail=-1", source.ErrInvalidTarget},
		{"demo://x?fail=many", source.ErrInvalidTarget},
		{"demo://x?latency=soon", source.ErrInvalidTarget},
		{"%zz", source.ErrInvalidTarget},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			_, err := source.Resolve(tt.target, source.Deps{})
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestResolve_Session(t *testing.T) {
	type request struct {
		method string
		body   string
	}
	requests := make(chan request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		requests <- request{method: r.Method, body: string(b)}
		_, _ = io.WriteString(w, `{"sessionId":"cs_123"}`)
	}))
	defer srv.Close()

	target := "session+" + srv.URL + "/sessions"
	got, err := resolveAndRun(t, target, source.Deps{
		HTTPClient:  srv.Client(),
		SessionBody: json.RawMessage(`{"amount":1200}`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `"cs_123"`, string(got))

	req := <-requests
	assert.Equal(t, http.MethodPost, req.method)
	assert.JSONEq(t, `{"amount":1200}`, req.body)

	got, err = resolveAndRun(t, target, source.Deps{HTTPClient: srv.Client()})
	require.NoError(t, err)
	assert.JSONEq(t, `"cs_123"`, string(got))
	assert.JSONEq(t, `{}`, (<-requests).body)
}

func TestResolve_SessionErrors(t *testing.T) {
	tests := []struct {
		name   string
		target string
		body   json.RawMessage
	}{
		{"missing host", "session+https:///sessions", nil},
		{"invalid body", "session+https://pay.example.test/sessions", json.RawMessage(`{"amount":`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := source.Resolve(tt.target, source.Deps{SessionBody: tt.body})
			require.ErrorIs(t, err, source.ErrInvalidTarget)
		})
	}
}

func TestMetricLabel(t *testing.T) {
	tests := []struct {
		target string
		want   string
	}{
		{"https://API.example.com/users/1", "https://api.example.com"},
		{"https://api.example.com/users/2?page=3", "https://api.example.com"},
		{"http://localhost:8080/status", "http://localhost:8080"},
		{"session+https://pay.example.com/sessions", "session+https://pay.example.com"},
		{"grpc://billing:50051/billing.v1.Billing", "grpc://billing:50051"},
		{"store://users/ada", "store"},
		{"demo://42?fail=2", "demo"},
		{"ftp://example.test/file", "unsupported"},
		{"just-a-word", "invalid"},
		{"%zz", "invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			assert.Equal(t, tt.want, source.MetricLabel(tt.target))
		})
	}
}
