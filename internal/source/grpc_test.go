package source_test

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/rshade/loadstate/internal/errkind"
	"github.com/rshade/loadstate/internal/logging"
	"github.com/rshade/loadstate/internal/source"
)

const bufSize = 1 << 20

// healthFixture runs the standard health service on an in-memory listener.
type healthFixture struct {
	health *health.Server
	lis    *bufconn.Listener
	traces chan string
}

func newHealthFixture(t *testing.T) *healthFixture {
	t.Helper()
	f := &healthFixture{
		health: health.NewServer(),
		lis:    bufconn.Listen(bufSize),
		traces: make(chan string, 16),
	}
	srv := grpc.NewServer(grpc.UnaryInterceptor(func(
		ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler,
	) (any, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if ids := md.Get(source.TraceIDHeader); len(ids) > 0 {
				f.traces <- ids[0]
			}
		}
		return handler(ctx, req)
	}))
	healthpb.RegisterHealthServer(srv, f.health)
	go func() { _ = srv.Serve(f.lis) }()
	t.Cleanup(srv.Stop)
	return f
}

func (f *healthFixture) dial(address string) (*grpc.ClientConn, error) {
	return source.Dial("passthrough:///"+address, grpc.WithContextDialer(
		func(ctx context.Context, _ string) (net.Conn, error) { return f.lis.DialContext(ctx) }))
}

func (f *healthFixture) conn(t *testing.T) *grpc.ClientConn {
	t.Helper()
	conn, err := f.dial("bufnet")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestGRPCHealth_Serving(t *testing.T) {
	f := newHealthFixture(t)
	f.health.SetServingStatus("billing", healthpb.HealthCheckResponse_SERVING)

	ctx := logging.ContextWithTraceID(context.Background(), "trace-grpc")
	got, err := source.GRPCHealth(f.conn(t), "billing")(ctx)
	require.NoError(t, err)
	assert.Equal(t, "SERVING", got)
	assert.Equal(t, "trace-grpc", <-f.traces)
}

func TestGRPCHealth_NotServingIsNetwork(t *testing.T) {
	f := newHealthFixture(t)
	f.health.SetServingStatus("billing", healthpb.HealthCheckResponse_NOT_SERVING)

	_, err := source.GRPCHealth(f.conn(t), "billing")(context.Background())
	require.ErrorIs(t, err, source.ErrNotServing)
	assert.Equal(t, errkind.KindNetwork, errkind.KindOf(err))
	assert.Contains(t, err.Error(), "health check billing")
}

func TestGRPCHealth_UnknownServiceIsValidation(t *testing.T) {
	f := newHealthFixture(t)

	_, err := source.GRPCHealth(f.conn(t), "nope")(context.Background())
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
	assert.Equal(t, errkind.KindValidation, errkind.KindOf(err))
}

func TestGRPCHealth_CanceledContext(t *testing.T) {
	f := newHealthFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := source.GRPCHealth(f.conn(t), "")(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, errkind.KindCanceled, errkind.KindOf(err))
}
