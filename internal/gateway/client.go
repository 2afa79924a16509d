package gateway

import (
	"context"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"google.golang.org/grpc/metadata"

	"github.com/mir00r/rpc-balancer/internal/balancer"
	"github.com/mir00r/rpc-balancer/internal/domain"
	"github.com/mir00r/rpc-balancer/internal/errors"
	"github.com/mir00r/rpc-balancer/internal/events"
	"github.com/mir00r/rpc-balancer/internal/executor"
	"github.com/mir00r/rpc-balancer/internal/health"
	"github.com/mir00r/rpc-balancer/internal/metrics"
	"github.com/mir00r/rpc-balancer/internal/pool"
	"github.com/mir00r/rpc-balancer/internal/registry"
	"github.com/mir00r/rpc-balancer/internal/transport"
	"github.com/mir00r/rpc-balancer/pkg/logger"
)

// Trace metadata keys injected on every outbound call
const (
	MetaRequestID = "x-lb-request-id"
	MetaBackendID = "x-lb-backend-id"
	MetaGatewayID = "x-lb-gateway-id"
	MetaStrategy  = "x-lb-strategy"
)

// methodNamePattern is the full gRPC method shape: /package.Service/Method
var methodNamePattern = regexp.MustCompile(`^/[a-zA-Z_][\w.]*/[a-zA-Z_]\w*$`)

// Config holds gateway configuration
type Config struct {
	GatewayID string
	Balancer  balancer.Config
	Executor  executor.Config
	Pool      pool.Config
	Prober    health.Config
}

// Client is the embedded facade over the whole balancing layer: it composes
// the registry, balancer, health prober, connection pool, and resilient
// executor behind a single call surface. One Client per target service.
type Client struct {
	id        string
	balancer  *balancer.LoadBalancer
	pool      *pool.ClientPool
	executor  *executor.Executor
	prober    *health.Prober
	bus       *events.Bus
	collector *metrics.Collector
	clock     clockwork.Clock
	logger    *logger.Logger

	publishedTrips uint64

	mu      sync.RWMutex
	methods map[string]struct{}
	closed  bool
}

// Option customizes client construction, mainly for tests
type Option func(*options)

type options struct {
	clock clockwork.Clock
	dial  pool.DialFunc
	probe health.ProbeFunc
}

// WithClock substitutes the clock used by all time-based components
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithDialFunc substitutes the pool's dialer
func WithDialFunc(dial pool.DialFunc) Option {
	return func(o *options) { o.dial = dial }
}

// WithProbeFunc substitutes the prober's reachability check
func WithProbeFunc(probe health.ProbeFunc) Option {
	return func(o *options) { o.probe = probe }
}

// NewClient composes and starts a balancing client
func NewClient(config Config, log *logger.Logger, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	if config.GatewayID == "" {
		config.GatewayID = uuid.NewString()[:8]
	}

	bus := events.NewBus(events.DefaultHistoryLimit)
	reg := registry.New(bus)

	lb, err := balancer.New(config.Balancer, reg, log)
	if err != nil {
		return nil, err
	}

	clientPool := pool.New(config.Pool, o.dial, o.clock, log)
	clientPool.SubscribeEvictions(bus)

	c := &Client{
		id:        config.GatewayID,
		balancer:  lb,
		pool:      clientPool,
		executor:  executor.New(config.Executor, o.clock, log),
		prober:    health.New(config.Prober, reg, lb, o.probe, o.clock, log),
		bus:       bus,
		collector: metrics.NewCollector(config.GatewayID),
		clock:     o.clock,
		logger:    log.GatewayLogger(config.GatewayID),
		methods:   make(map[string]struct{}),
	}

	bus.Subscribe(func(event events.Event) {
		switch event.Type {
		case events.ServerRemoved:
			c.collector.DropBackend(event.ServerID)
			c.collector.SetBackendCount(reg.Count())
		case events.ServerAdded:
			c.collector.SetBackendCount(reg.Count())
		}
	})

	clientPool.Start()
	c.prober.Start()

	c.logger.Info("Balancing client started")
	return c, nil
}

// RegisterMethod declares a method the client may call. The name is
// validated here, at registration time, so misrouted calls fail loudly
// before any backend is touched.
func (c *Client) RegisterMethod(method string) error {
	if !methodNamePattern.MatchString(method) {
		return errors.Newf(errors.KindInvalidArgument,
			"method %q does not match /package.Service/Method", method)
	}

	c.mu.Lock()
	c.methods[method] = struct{}{}
	c.mu.Unlock()
	return nil
}

// Methods returns the registered method names
func (c *Client) Methods() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	methods := make([]string, 0, len(c.methods))
	for method := range c.methods {
		methods = append(methods, method)
	}
	return methods
}

func (c *Client) methodRegistered(method string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.methods[method]
	return ok
}

// AddServer registers a backend endpoint
func (c *Client) AddServer(host string, port int, opts domain.ServerOptions) (*domain.BackendServer, error) {
	server, err := c.balancer.AddServer(host, port, opts)
	if err != nil {
		return nil, err
	}
	// Stamp the initial heartbeat from this client's clock so the staleness
	// sweep and construction share one time domain
	server.MarkHeartbeat(c.clock.Now())
	return server, nil
}

// RemoveServer deletes a backend and evicts its pooled handles
func (c *Client) RemoveServer(id string) error {
	return c.balancer.RemoveServer(id)
}

// SetServerEnabled toggles a backend without dropping its history
func (c *Client) SetServerEnabled(id string, enabled bool) error {
	return c.balancer.SetServerEnabled(id, enabled)
}

// Call routes one unary call through the balancer: select a backend, borrow
// a pooled handle, invoke under the resilient executor, then feed the
// outcome back into connection accounting exactly once.
func (c *Client) Call(ctx context.Context, method string, payload []byte, md map[string]string, client domain.ClientInfo) ([]byte, error) {
	requestID := uuid.NewString()

	if c.isClosed() {
		return nil, errors.New(errors.KindUnavailable, "client is shut down").
			WithRequest(requestID, c.id)
	}
	if !c.methodRegistered(method) {
		err := errors.Newf(errors.KindNotFound, "method %s is not registered", method).
			WithMethod(method).
			WithRequest(requestID, c.id)
		c.collector.RecordError(string(err.Kind))
		return nil, err
	}

	server, err := c.balancer.SelectServer(client)
	if err != nil {
		ce := errors.AsCallError(err).WithMethod(method).WithRequest(requestID, c.id)
		c.collector.RecordError(string(ce.Kind))
		return nil, ce
	}

	handle, err := c.pool.Get(server.ID(), server.Address())
	if err != nil {
		c.balancer.OnRequestCompleted(server.ID(), false, 0)
		ce := errors.AsCallError(err).
			WithMethod(method).
			WithBackend(server.ID(), c.balancer.StrategyName()).
			WithRequest(requestID, c.id)
		c.collector.RecordError(string(ce.Kind))
		return nil, ce
	}

	outMD := c.traceMetadata(requestID, server.ID(), md)
	start := c.clock.Now()

	response, err := c.executor.Call(ctx, method, func(attemptCtx context.Context) ([]byte, error) {
		return transport.Invoke(attemptCtx, handle.Conn(), method, payload, outMD)
	})

	elapsed := c.clock.Since(start)
	success := err == nil

	c.balancer.OnRequestCompleted(server.ID(), success, float64(elapsed)/float64(time.Millisecond))
	c.pool.Release(handle)
	c.observeOutcome(server.ID(), success, elapsed)

	if err != nil {
		ce := errors.AsCallError(err).
			WithBackend(server.ID(), c.balancer.StrategyName()).
			WithRequest(requestID, c.id)
		c.collector.RecordError(string(ce.Kind))
		c.logger.WithField("request_id", requestID).
			WithField("backend_id", server.ID()).
			WithField("method", method).
			WithField("kind", string(ce.Kind)).
			Warn("Call failed")
		return nil, ce
	}
	return response, nil
}

// Stream is an open client stream bound to its pooled handle. Finish must
// be called exactly once when the stream's terminal outcome is known.
type Stream struct {
	transport.RawStream

	client    *Client
	backendID string
	handle    *pool.Handle
	start     time.Time
	finish    sync.Once
}

// Send writes one opaque payload to the stream
func (s *Stream) Send(payload []byte) error {
	return s.SendMsg(&transport.Frame{Payload: payload})
}

// Recv reads one opaque payload from the stream
func (s *Stream) Recv() ([]byte, error) {
	frame := &transport.Frame{}
	if err := s.RecvMsg(frame); err != nil {
		return nil, err
	}
	return frame.Payload, nil
}

// Finish reports the stream's terminal outcome and releases its resources
func (s *Stream) Finish(success bool) {
	s.finish.Do(func() {
		elapsed := s.client.clock.Since(s.start)
		s.client.executor.RecordStreamOutcome(success)
		s.client.balancer.OnRequestCompleted(s.backendID, success, float64(elapsed)/float64(time.Millisecond))
		s.client.pool.Release(s.handle)
		s.client.observeOutcome(s.backendID, success, elapsed)
	})
}

// BackendID returns the backend this stream was routed to
func (s *Stream) BackendID() string {
	return s.backendID
}

// OpenStream routes a streaming call through the balancer. Streams pass the
// circuit breaker on open but are never retried mid-stream; the caller owns
// the terminal outcome via Finish.
func (c *Client) OpenStream(ctx context.Context, method string, md map[string]string, client domain.ClientInfo) (*Stream, error) {
	requestID := uuid.NewString()

	if c.isClosed() {
		return nil, errors.New(errors.KindUnavailable, "client is shut down").
			WithRequest(requestID, c.id)
	}
	if !c.methodRegistered(method) {
		return nil, errors.Newf(errors.KindNotFound, "method %s is not registered", method).
			WithMethod(method).
			WithRequest(requestID, c.id)
	}

	if err := c.executor.AllowStream(method); err != nil {
		ce := errors.AsCallError(err).WithRequest(requestID, c.id)
		c.collector.RecordError(string(ce.Kind))
		return nil, ce
	}

	server, err := c.balancer.SelectServer(client)
	if err != nil {
		ce := errors.AsCallError(err).WithMethod(method).WithRequest(requestID, c.id)
		c.collector.RecordError(string(ce.Kind))
		return nil, ce
	}

	handle, err := c.pool.Get(server.ID(), server.Address())
	if err != nil {
		c.balancer.OnRequestCompleted(server.ID(), false, 0)
		ce := errors.AsCallError(err).
			WithMethod(method).
			WithBackend(server.ID(), c.balancer.StrategyName()).
			WithRequest(requestID, c.id)
		c.collector.RecordError(string(ce.Kind))
		return nil, ce
	}

	raw, err := transport.OpenStream(ctx, handle.Conn(), method, c.traceMetadata(requestID, server.ID(), md))
	if err != nil {
		c.balancer.OnRequestCompleted(server.ID(), false, 0)
		c.pool.Release(handle)
		c.executor.RecordStreamOutcome(false)
		c.publishBreakerTrips()
		ce := errors.Classify(err).
			WithMethod(method).
			WithBackend(server.ID(), c.balancer.StrategyName()).
			WithRequest(requestID, c.id)
		c.collector.RecordError(string(ce.Kind))
		return nil, ce
	}

	return &Stream{
		RawStream: raw,
		client:    c,
		backendID: server.ID(),
		handle:    handle,
		start:     c.clock.Now(),
	}, nil
}

// traceMetadata merges caller metadata with the balancer's trace keys
func (c *Client) traceMetadata(requestID, backendID string, md map[string]string) metadata.MD {
	out := metadata.New(md)
	out.Set(MetaRequestID, requestID)
	out.Set(MetaBackendID, backendID)
	out.Set(MetaGatewayID, c.id)
	out.Set(MetaStrategy, c.balancer.StrategyName())
	return out
}

// observeOutcome updates the Prometheus side of the call outcome
func (c *Client) observeOutcome(backendID string, success bool, elapsed time.Duration) {
	c.collector.RecordCall(backendID, success, elapsed.Seconds())
	c.collector.SetBreakerState(int(c.executor.Breaker().State()))
	c.publishBreakerTrips()
	for id, stats := range c.pool.Utilization() {
		c.collector.SetPoolUtilization(id, stats.InUse, stats.Total)
	}
}

// publishBreakerTrips reconciles the breaker's trip count with the exported
// counter; Prometheus counters only increment, so the diff is applied here
func (c *Client) publishBreakerTrips() {
	trips := c.executor.Breaker().Trips()
	for {
		published := atomic.LoadUint64(&c.publishedTrips)
		if trips <= published {
			return
		}
		if atomic.CompareAndSwapUint64(&c.publishedTrips, published, trips) {
			for i := published; i < trips; i++ {
				c.collector.RecordBreakerTrip()
			}
			return
		}
	}
}

// Snapshot is the operator-facing metrics view
type Snapshot struct {
	GatewayID      string                           `json:"gateway_id"`
	Strategy       string                           `json:"strategy"`
	TotalRequests  uint64                           `json:"total_requests"`
	Successes      uint64                           `json:"successes"`
	Failures       uint64                           `json:"failures"`
	SuccessRate    float64                          `json:"success_rate"`
	Executor       executor.Stats                   `json:"executor"`
	Backends       map[string]domain.ServerSnapshot `json:"backends"`
	Pool           map[string]pool.HandleStats      `json:"pool"`
	Distribution   map[string]float64               `json:"distribution_percent"`
	RecentEvents   []events.Event                   `json:"recent_events"`
	BackendCount   int                              `json:"backend_count"`
	StickySessions bool                             `json:"sticky_sessions"`
}

// GetMetrics assembles a point-in-time metrics snapshot
func (c *Client) GetMetrics() Snapshot {
	execStats := c.executor.GetStats()

	var successRate float64
	completed := execStats.SucceededCalls + execStats.FailedCalls
	if completed > 0 {
		successRate = float64(execStats.SucceededCalls) / float64(completed)
	}

	return Snapshot{
		GatewayID:      c.id,
		Strategy:       c.balancer.StrategyName(),
		TotalRequests:  execStats.TotalCalls,
		Successes:      execStats.SucceededCalls,
		Failures:       execStats.FailedCalls,
		SuccessRate:    successRate,
		Executor:       execStats,
		Backends:       c.balancer.Registry().Snapshots(),
		Pool:           c.pool.Utilization(),
		Distribution:   c.balancer.DistributionPercentages(),
		RecentEvents:   c.bus.Recent(20),
		BackendCount:   c.balancer.Registry().Count(),
		StickySessions: c.balancer.StickySessionsEnabled(),
	}
}

// Balancer exposes the underlying load balancer for the admin surface
func (c *Client) Balancer() *balancer.LoadBalancer {
	return c.balancer
}

// Collector exposes the Prometheus collector
func (c *Client) Collector() *metrics.Collector {
	return c.collector
}

// ID returns the gateway id
func (c *Client) ID() string {
	return c.id
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Shutdown stops the prober and closes the pool. Idempotent.
func (c *Client) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.prober.Stop()
	c.pool.Close()
	c.logger.Info("Balancing client shut down")
}
