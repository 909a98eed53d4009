package source

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/rshade/loadstate/internal/errkind"
	"github.com/rshade/loadstate/internal/loader"
	"github.com/rshade/loadstate/internal/logging"
)

// ErrNotServing is returned when a health check answers with anything but
// SERVING.
var ErrNotServing = errors.New("service not serving")

// Dial opens a plaintext client connection to address with trace
// propagation. The connection is lazy; failures surface on the first call.
func Dial(address string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(TraceInterceptor()),
	}
	conn, err := grpc.NewClient(address, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("creating gRPC client for %s: %w", address, err)
	}
	return conn, nil
}

// GRPCHealth returns a producer that runs the standard health check for
// service over conn and yields the serving status name. A status other than
// SERVING is a network failure so the loader keeps retrying until the service
// comes up.
func GRPCHealth(conn grpc.ClientConnInterface, service string) loader.Producer[string] {
	client := healthpb.NewHealthClient(conn)
	op := "health check"
	if service != "" {
		op += " " + service
	}
	return func(ctx context.Context) (string, error) {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", errkind.Wrap(grpcKind(err), op, err)
		}

		serving := resp.GetStatus()
		log := logging.FromContext(ctx)
		log.Debug().
			Ctx(ctx).
			Str("component", "source").
			Str("service", service).
			Str("serving_status", serving.String()).
			Msg("health check answered")

		if serving != healthpb.HealthCheckResponse_SERVING {
			return "", errkind.Network(op, fmt.Errorf("%w: %s", ErrNotServing, serving))
		}
		return serving.String(), nil
	}
}

func grpcKind(err error) errkind.Kind {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return errkind.KindNetwork
	case codes.Canceled:
		return errkind.KindCanceled
	case codes.InvalidArgument, codes.NotFound, codes.FailedPrecondition,
		codes.Unimplemented, codes.OutOfRange, codes.PermissionDenied, codes.Unauthenticated:
		return errkind.KindValidation
	default:
		return errkind.KindUnknown
	}
}
