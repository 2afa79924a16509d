package transport

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// proxyStreamDesc lets the balancer open a stream for any method shape; the
// actual cardinality is between the caller and the backend.
var proxyStreamDesc = &grpc.StreamDesc{
	ServerStreams: true,
	ClientStreams: true,
}

// RawStream is an open stream carrying opaque frames
type RawStream = grpc.ClientStream

// Dial creates a lazily connecting client handle for a backend address.
// The connection pool is the sole owner of handles created here.
func Dial(address string) (*grpc.ClientConn, error) {
	return grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

// Invoke issues one unary call with an opaque payload. The context carries
// the caller's deadline; expiry cancels the in-flight transport operation.
func Invoke(ctx context.Context, conn *grpc.ClientConn, method string, payload []byte, md metadata.MD) ([]byte, error) {
	if md != nil {
		ctx = metadata.NewOutgoingContext(ctx, md)
	}

	in := &Frame{Payload: payload}
	out := &Frame{}
	if err := conn.Invoke(ctx, method, in, out, grpc.ForceCodec(Codec{})); err != nil {
		return nil, err
	}
	return out.Payload, nil
}

// OpenStream opens a bidirectional raw stream for a method
func OpenStream(ctx context.Context, conn *grpc.ClientConn, method string, md metadata.MD) (grpc.ClientStream, error) {
	if md != nil {
		ctx = metadata.NewOutgoingContext(ctx, md)
	}
	return conn.NewStream(ctx, proxyStreamDesc, method, grpc.ForceCodec(Codec{}))
}

// Probe performs a lightweight reachability check against a backend using
// the standard health service, on its own short-lived connection so probes
// never share a deadline or a handle with application calls. A backend that
// is reachable but does not implement the health service counts as healthy.
func Probe(ctx context.Context, address string) error {
	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("probe dial failed: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		if status.Code(err) == codes.Unimplemented {
			return nil
		}
		return fmt.Errorf("probe failed: %w", err)
	}

	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("backend reports status %s", resp.GetStatus())
	}
	return nil
}
