package source

import (
	"context"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/rshade/loadstate/internal/logging"
)

// TraceIDHeader carries the trace ID on outgoing HTTP requests and as gRPC
// metadata.
const TraceIDHeader = "x-loadstate-trace-id"

func setTraceHeader(ctx context.Context, req *http.Request) {
	if id := logging.TraceIDFromContext(ctx); id != "" {
		req.Header.Set(TraceIDHeader, id)
	}
}

// TraceInterceptor propagates the context trace ID as gRPC metadata.
func TraceInterceptor() grpc.UnaryClientInterceptor {
	return func(
		ctx context.Context,
		method string,
		req, reply any,
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		if id := logging.TraceIDFromContext(ctx); id != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, TraceIDHeader, id)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}
