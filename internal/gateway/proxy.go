package gateway

import (
	"context"
	"io"
	"net"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/mir00r/rpc-balancer/internal/domain"
	"github.com/mir00r/rpc-balancer/internal/errors"
	"github.com/mir00r/rpc-balancer/internal/transport"
	"github.com/mir00r/rpc-balancer/pkg/logger"
)

// Caller-supplied routing headers honored by the proxy
const (
	MetaSessionID = "x-lb-session-id"
	MetaClientIP  = "x-lb-client-ip"
	// MetaErrorKind is the trailer carrying the classified error kind, so
	// callers can tell synthetic balancer failures from backend failures
	// that share a gRPC status code.
	MetaErrorKind = "x-lb-error-kind"
)

// ProxyConfig holds standalone proxy configuration
type ProxyConfig struct {
	ListenAddress string `yaml:"listen_address"`
}

// Proxy is the standalone flavor of the facade: a gRPC server that accepts
// calls for any method and replays them against the balancer. Payloads pass
// through as raw frames; the proxy never decodes business messages.
type Proxy struct {
	config ProxyConfig
	client *Client
	server *grpc.Server
	logger *logger.Logger
}

// NewProxy creates a proxy over an already constructed balancing client
func NewProxy(config ProxyConfig, client *Client, log *logger.Logger) *Proxy {
	p := &Proxy{
		config: config,
		client: client,
		logger: log.GatewayLogger(client.ID()),
	}
	p.server = grpc.NewServer(
		grpc.ForceServerCodec(transport.Codec{}),
		grpc.UnknownServiceHandler(p.handleStream),
	)
	return p
}

// Serve accepts connections on the configured listen address, blocking
// until Stop is called
func (p *Proxy) Serve() error {
	listener, err := net.Listen("tcp", p.config.ListenAddress)
	if err != nil {
		return err
	}
	p.logger.WithField("address", p.config.ListenAddress).Info("Proxy listening")
	return p.server.Serve(listener)
}

// Stop drains in-flight calls and stops the server
func (p *Proxy) Stop() {
	p.server.GracefulStop()
	p.logger.Info("Proxy stopped")
}

// handleStream replays one inbound call against the balancer. A unary caller
// half-closes right after its single request frame, which is detected here so
// unary calls go through the executor's retry loop; everything else rides the
// no-retry bidirectional pipe.
func (p *Proxy) handleStream(_ interface{}, upstream grpc.ServerStream) error {
	method, ok := grpc.MethodFromServerStream(upstream)
	if !ok {
		return status.Error(errors.GRPCCode(errors.KindInternal), "no method in stream")
	}

	ctx := upstream.Context()
	client := clientInfoFromContext(ctx)
	md := forwardableMetadata(ctx)

	first := &transport.Frame{}
	if err := upstream.RecvMsg(first); err != nil {
		if err == io.EOF {
			// Half-closed without a single request frame: nothing to replay
			// as unary, hand the empty request stream to the pipe
			return p.handlePipe(upstream, method, nil, md, client)
		}
		return p.finishWithError(upstream, errors.Classify(err))
	}

	second := &transport.Frame{}
	switch err := upstream.RecvMsg(second); err {
	case io.EOF:
		return p.handleUnary(upstream, method, first.Payload, md, client)
	case nil:
		return p.handlePipe(upstream, method, []*transport.Frame{first, second}, md, client)
	default:
		return p.finishWithError(upstream, errors.Classify(err))
	}
}

// handleUnary routes a single-frame call through Client.Call, giving proxied
// unary traffic the same retry and backoff discipline as the embedded client
func (p *Proxy) handleUnary(upstream grpc.ServerStream, method string, payload []byte, md map[string]string, client domain.ClientInfo) error {
	response, err := p.client.Call(upstream.Context(), method, payload, md, client)
	if err != nil {
		return p.finishWithError(upstream, err)
	}
	return upstream.SendMsg(&transport.Frame{Payload: response})
}

// handlePipe opens a downstream stream, replays any frames consumed during
// unary detection, and pipes both directions until the call completes
func (p *Proxy) handlePipe(upstream grpc.ServerStream, method string, buffered []*transport.Frame, md map[string]string, client domain.ClientInfo) error {
	downstream, err := p.client.OpenStream(upstream.Context(), method, md, client)
	if err != nil {
		return p.finishWithError(upstream, err)
	}

	for _, frame := range buffered {
		if err := downstream.SendMsg(frame); err != nil {
			downstream.Finish(false)
			return p.finishWithError(upstream, errors.Classify(err))
		}
	}

	upErrChan := p.pipeUpstream(upstream, downstream)
	downErrChan := p.pipeDownstream(upstream, downstream)

	// The downstream direction owns the call outcome; the upstream copy
	// ends either with EOF (all requests sent) or when the call dies.
	for {
		select {
		case upErr := <-upErrChan:
			if upErr != nil {
				downstream.Finish(false)
				return p.finishWithError(upstream, upErr)
			}
			upErrChan = nil
		case downErr := <-downErrChan:
			upstream.SetTrailer(downstream.Trailer())
			if downErr != nil {
				downstream.Finish(false)
				return p.finishWithError(upstream, downErr)
			}
			downstream.Finish(true)
			return nil
		}
	}
}

// pipeUpstream copies caller frames to the backend until EOF
func (p *Proxy) pipeUpstream(upstream grpc.ServerStream, downstream *Stream) chan error {
	errChan := make(chan error, 1)
	go func() {
		for {
			frame := &transport.Frame{}
			if err := upstream.RecvMsg(frame); err != nil {
				if err == io.EOF {
					errChan <- downstream.CloseSend()
				} else {
					errChan <- err
				}
				return
			}
			if err := downstream.SendMsg(frame); err != nil {
				errChan <- err
				return
			}
		}
	}()
	return errChan
}

// pipeDownstream copies backend frames to the caller until the backend
// closes the stream; a clean close surfaces as a nil error
func (p *Proxy) pipeDownstream(upstream grpc.ServerStream, downstream *Stream) chan error {
	errChan := make(chan error, 1)
	go func() {
		headerSent := false
		for {
			frame := &transport.Frame{}
			if err := downstream.RecvMsg(frame); err != nil {
				if err == io.EOF {
					errChan <- nil
				} else {
					errChan <- err
				}
				return
			}
			if !headerSent {
				if header, err := downstream.Header(); err == nil {
					upstream.SendHeader(header)
				}
				headerSent = true
			}
			if err := upstream.SendMsg(frame); err != nil {
				errChan <- err
				return
			}
		}
	}()
	return errChan
}

// finishWithError maps a classified error to a gRPC status and stamps the
// error-kind trailer
func (p *Proxy) finishWithError(upstream grpc.ServerStream, err error) error {
	ce := errors.AsCallError(err)
	upstream.SetTrailer(metadata.Pairs(MetaErrorKind, string(ce.Kind)))
	return status.Error(errors.GRPCCode(ce.Kind), ce.Message)
}

// clientInfoFromContext extracts routing hints from caller metadata, falling
// back to the peer address for the client IP
func clientInfoFromContext(ctx context.Context) domain.ClientInfo {
	var info domain.ClientInfo

	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(MetaSessionID); len(values) > 0 {
			info.SessionID = values[0]
		}
		if values := md.Get(MetaClientIP); len(values) > 0 {
			info.ClientIP = values[0]
		}
	}

	if info.ClientIP == "" {
		if pr, ok := peer.FromContext(ctx); ok && pr.Addr != nil {
			if host, _, err := net.SplitHostPort(pr.Addr.String()); err == nil {
				info.ClientIP = host
			}
		}
	}
	return info
}

// forwardableMetadata copies caller metadata, dropping transport-owned and
// balancer-owned keys so trace headers are always the proxy's own
func forwardableMetadata(ctx context.Context) map[string]string {
	out := make(map[string]string)
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return out
	}

	for key, values := range md {
		if len(values) == 0 {
			continue
		}
		lower := strings.ToLower(key)
		switch {
		case strings.HasPrefix(lower, "grpc-"),
			strings.HasPrefix(lower, "x-lb-"),
			lower == "content-type",
			lower == "user-agent",
			lower == ":authority":
			continue
		}
		out[key] = values[0]
	}
	return out
}
