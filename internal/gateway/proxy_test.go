package gateway

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/mir00r/rpc-balancer/internal/balancer"
	"github.com/mir00r/rpc-balancer/internal/domain"
	"github.com/mir00r/rpc-balancer/internal/health"
	"github.com/mir00r/rpc-balancer/internal/transport"
	"github.com/mir00r/rpc-balancer/pkg/logger"
)

// startProxy serves the proxy over an in-memory listener and returns a raw
// connection to it
func startProxy(t *testing.T, client *Client) *grpc.ClientConn {
	t.Helper()

	proxy := NewProxy(ProxyConfig{ListenAddress: ":0"}, client, logger.NewNop())
	listener := bufconn.Listen(1024 * 1024)

	go proxy.server.Serve(listener)
	t.Cleanup(proxy.server.Stop)

	conn, err := grpc.NewClient("passthrough:///proxy",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func proxyInvoke(conn *grpc.ClientConn, ctx context.Context, method string, payload []byte) ([]byte, metadata.MD, error) {
	in := &transport.Frame{Payload: payload}
	out := &transport.Frame{}
	var trailer metadata.MD
	err := conn.Invoke(ctx, method, in, out, grpc.ForceCodec(transport.Codec{}), grpc.Trailer(&trailer))
	return out.Payload, trailer, err
}

func TestProxyEchoesUnaryCall(t *testing.T) {
	backend, seenMD := startEchoBackend(t)
	client := newTestClient(t, backend)
	_, err := client.AddServer("10.0.0.1", 50051, domain.ServerOptions{})
	require.NoError(t, err)

	conn := startProxy(t, client)

	response, _, err := proxyInvoke(conn, context.Background(), testMethod, []byte("through the proxy"))
	require.NoError(t, err)
	assert.Equal(t, []byte("through the proxy"), response)

	// Trace metadata is injected by the proxy, not the caller
	md := <-seenMD
	assert.NotEmpty(t, md.Get(MetaRequestID))
	assert.Equal(t, []string{"gw-test"}, md.Get(MetaGatewayID))
}

func TestProxyForwardsCallerHeaders(t *testing.T) {
	backend, seenMD := startEchoBackend(t)
	client := newTestClient(t, backend)
	_, err := client.AddServer("10.0.0.1", 50051, domain.ServerOptions{})
	require.NoError(t, err)

	conn := startProxy(t, client)

	ctx := metadata.AppendToOutgoingContext(context.Background(),
		"x-tenant", "acme",
		MetaGatewayID, "spoofed",
	)
	_, _, err = proxyInvoke(conn, ctx, testMethod, []byte("x"))
	require.NoError(t, err)

	md := <-seenMD
	assert.Equal(t, []string{"acme"}, md.Get("x-tenant"))
	assert.Equal(t, []string{"gw-test"}, md.Get(MetaGatewayID), "balancer-owned headers cannot be spoofed")
}

func TestProxyUnknownMethodNotFound(t *testing.T) {
	backend, _ := startEchoBackend(t)
	client := newTestClient(t, backend)
	_, err := client.AddServer("10.0.0.1", 50051, domain.ServerOptions{})
	require.NoError(t, err)

	conn := startProxy(t, client)

	_, trailer, err := proxyInvoke(conn, context.Background(), "/echo.Echo/Missing", []byte("x"))
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
	assert.Equal(t, []string{"NOT_FOUND"}, trailer.Get(MetaErrorKind))
}

func TestProxyNoServersSurfacesKindTrailer(t *testing.T) {
	backend, _ := startEchoBackend(t)
	client := newTestClient(t, backend)

	conn := startProxy(t, client)

	_, trailer, err := proxyInvoke(conn, context.Background(), testMethod, []byte("x"))
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.Equal(t, []string{"NO_SERVERS_AVAILABLE"}, trailer.Get(MetaErrorKind),
		"synthetic failures stay distinguishable from backend unavailability")
}

func TestProxyRetriesUnaryCall(t *testing.T) {
	// A backend that rejects its first call with a retryable status, then
	// behaves; the proxied unary call must succeed on the second attempt.
	listener := bufconn.Listen(1024 * 1024)
	var calls atomic.Int64
	server := grpc.NewServer(
		grpc.ForceServerCodec(transport.Codec{}),
		grpc.UnknownServiceHandler(func(_ interface{}, stream grpc.ServerStream) error {
			if calls.Add(1) == 1 {
				return status.Error(codes.Unavailable, "warming up")
			}
			frame := &transport.Frame{}
			if err := stream.RecvMsg(frame); err != nil {
				return err
			}
			return stream.SendMsg(frame)
		}),
	)
	go server.Serve(listener)
	t.Cleanup(server.Stop)

	client := newTestClient(t, listener)
	_, err := client.AddServer("10.0.0.1", 50051, domain.ServerOptions{})
	require.NoError(t, err)

	conn := startProxy(t, client)

	response, _, err := proxyInvoke(conn, context.Background(), testMethod, []byte("retry me"))
	require.NoError(t, err)
	assert.Equal(t, []byte("retry me"), response)
	assert.Equal(t, int64(2), calls.Load())
}

func TestProxyPipesStreamingCalls(t *testing.T) {
	backend, _ := startEchoBackend(t)
	client := newTestClient(t, backend)
	_, err := client.AddServer("10.0.0.1", 50051, domain.ServerOptions{})
	require.NoError(t, err)

	conn := startProxy(t, client)

	desc := &grpc.StreamDesc{ClientStreams: true, ServerStreams: true}
	stream, err := conn.NewStream(context.Background(), desc, testMethod, grpc.ForceCodec(transport.Codec{}))
	require.NoError(t, err)

	// Two request frames mark the call as streaming before any response
	require.NoError(t, stream.SendMsg(&transport.Frame{Payload: []byte("one")}))
	require.NoError(t, stream.SendMsg(&transport.Frame{Payload: []byte("two")}))
	require.NoError(t, stream.CloseSend())

	for _, want := range []string{"one", "two"} {
		frame := &transport.Frame{}
		require.NoError(t, stream.RecvMsg(frame))
		assert.Equal(t, []byte(want), frame.Payload)
	}
	frame := &transport.Frame{}
	assert.Equal(t, io.EOF, stream.RecvMsg(frame))
}

func TestProxySessionHeaderDrivesStickiness(t *testing.T) {
	backend, seenMD := startEchoBackend(t)

	client, err := NewClient(Config{
		GatewayID: "gw-test",
		Balancer:  balancer.Config{Strategy: domain.RoundRobin, StickySessions: true},
		Prober:    health.Config{Interval: time.Hour, HeartbeatExpiry: time.Hour},
	}, logger.NewNop(),
		WithDialFunc(bufDialer(backend)),
		WithProbeFunc(func(context.Context, string) error { return nil }),
	)
	require.NoError(t, err)
	t.Cleanup(client.Shutdown)
	require.NoError(t, client.RegisterMethod(testMethod))

	_, err = client.AddServer("10.0.0.1", 50051, domain.ServerOptions{})
	require.NoError(t, err)
	_, err = client.AddServer("10.0.0.2", 50051, domain.ServerOptions{})
	require.NoError(t, err)

	conn := startProxy(t, client)

	var firstBackend string
	for i := 0; i < 6; i++ {
		ctx := metadata.AppendToOutgoingContext(context.Background(), MetaSessionID, "session-9")
		_, _, err := proxyInvoke(conn, ctx, testMethod, []byte("x"))
		require.NoError(t, err)

		md := <-seenMD
		backendID := md.Get(MetaBackendID)[0]
		if firstBackend == "" {
			firstBackend = backendID
		}
		assert.Equal(t, firstBackend, backendID, "session header must pin the backend")
	}

	assert.True(t, client.GetMetrics().StickySessions)
}

func TestClientInfoFromContextFallsBackToPeer(t *testing.T) {
	info := clientInfoFromContext(context.Background())
	assert.Empty(t, info.SessionID)
	assert.Empty(t, info.ClientIP)

	md := metadata.Pairs(MetaSessionID, "s1", MetaClientIP, "203.0.113.9")
	info = clientInfoFromContext(metadata.NewIncomingContext(context.Background(), md))
	assert.Equal(t, "s1", info.SessionID)
	assert.Equal(t, "203.0.113.9", info.ClientIP)
}

func TestForwardableMetadataStripsOwnedKeys(t *testing.T) {
	md := metadata.Pairs(
		"x-tenant", "acme",
		"x-lb-request-id", "spoof",
		"grpc-timeout", "1S",
		"content-type", "application/grpc",
		"user-agent", "test",
	)
	out := forwardableMetadata(metadata.NewIncomingContext(context.Background(), md))

	assert.Equal(t, map[string]string{"x-tenant": "acme"}, out)
}
