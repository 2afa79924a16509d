package pool

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"google.golang.org/grpc"

	"github.com/mir00r/rpc-balancer/internal/errors"
	"github.com/mir00r/rpc-balancer/internal/events"
	"github.com/mir00r/rpc-balancer/internal/transport"
	"github.com/mir00r/rpc-balancer/pkg/logger"
)

// Config holds connection pool configuration
type Config struct {
	// MaxHandlesPerBackend caps pooled client handles per backend
	MaxHandlesPerBackend int `yaml:"max_handles_per_backend"`
	// IdleTimeout is how long an unused handle survives between sweeps
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// SweepInterval is how often idle handles are collected
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultConfig returns pool defaults
func DefaultConfig() Config {
	return Config{
		MaxHandlesPerBackend: 5,
		IdleTimeout:          10 * time.Minute,
		SweepInterval:        5 * time.Minute,
	}
}

// DialFunc creates a transport handle for a backend address
type DialFunc func(address string) (*grpc.ClientConn, error)

// Handle is one pooled client connection. The pool is its sole owner;
// nothing outside the pool closes it except through eviction or sweeping.
type Handle struct {
	backendID string
	address   string
	conn      *grpc.ClientConn
	inUse     bool
	createdAt time.Time
	lastUsed  time.Time
}

// Conn returns the underlying transport handle
func (h *Handle) Conn() *grpc.ClientConn {
	return h.conn
}

// BackendID returns the backend this handle belongs to
func (h *Handle) BackendID() string {
	return h.backendID
}

// ClientPool caches a bounded number of reusable client handles per backend,
// created lazily and recycled on backend removal or idle timeout.
type ClientPool struct {
	config Config
	dial   DialFunc
	clock  clockwork.Clock
	logger *logger.Logger

	mu      sync.Mutex
	handles map[string][]*Handle
	closed  bool

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a client pool. A nil dial function uses the default gRPC
// dialer; a nil clock uses the real clock.
func New(config Config, dial DialFunc, clock clockwork.Clock, log *logger.Logger) *ClientPool {
	if config.MaxHandlesPerBackend <= 0 {
		config.MaxHandlesPerBackend = DefaultConfig().MaxHandlesPerBackend
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultConfig().IdleTimeout
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultConfig().SweepInterval
	}
	if dial == nil {
		dial = transport.Dial
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &ClientPool{
		config:   config,
		dial:     dial,
		clock:    clock,
		logger:   log.PoolLogger(),
		handles:  make(map[string][]*Handle),
		stopChan: make(chan struct{}),
	}
}

// SubscribeEvictions wires pool eviction to registry removal events
func (p *ClientPool) SubscribeEvictions(bus *events.Bus) {
	bus.Subscribe(func(event events.Event) {
		if event.Type == events.ServerRemoved {
			p.EvictBackend(event.ServerID)
		}
	})
}

// Get returns an idle handle for the backend, lazily dialing a new one while
// under the per-backend cap. When the cap is reached it fails immediately
// with PoolExhausted; the pool never blocks callers.
func (p *ClientPool) Get(backendID, address string) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errors.New(errors.KindUnavailable, "client pool is closed")
	}

	for _, handle := range p.handles[backendID] {
		if !handle.inUse {
			handle.inUse = true
			handle.lastUsed = p.clock.Now()
			return handle, nil
		}
	}

	if len(p.handles[backendID]) >= p.config.MaxHandlesPerBackend {
		return nil, errors.Newf(errors.KindPoolExhausted,
			"all %d handles for backend %s are in use", p.config.MaxHandlesPerBackend, backendID)
	}

	conn, err := p.dial(address)
	if err != nil {
		return nil, errors.Classify(err)
	}

	handle := &Handle{
		backendID: backendID,
		address:   address,
		conn:      conn,
		inUse:     true,
		createdAt: p.clock.Now(),
		lastUsed:  p.clock.Now(),
	}
	p.handles[backendID] = append(p.handles[backendID], handle)

	p.logger.WithField("backend_id", backendID).
		WithField("handles", len(p.handles[backendID])).
		Debug("Created pooled client handle")
	return handle, nil
}

// Release returns a handle to the pool. Every Get must be paired with a
// Release in a deferred cleanup path regardless of call outcome.
func (p *ClientPool) Release(handle *Handle) {
	if handle == nil {
		return
	}

	p.mu.Lock()
	handle.inUse = false
	handle.lastUsed = p.clock.Now()
	p.mu.Unlock()
}

// EvictBackend closes and removes every handle for a backend
func (p *ClientPool) EvictBackend(backendID string) {
	p.mu.Lock()
	handles := p.handles[backendID]
	delete(p.handles, backendID)
	p.mu.Unlock()

	for _, handle := range handles {
		handle.conn.Close()
	}

	if len(handles) > 0 {
		p.logger.WithField("backend_id", backendID).
			WithField("evicted", len(handles)).
			Info("Evicted backend from client pool")
	}
}

// Start launches the periodic idle sweep
func (p *ClientPool) Start() {
	p.wg.Add(1)
	go p.sweepLoop()
}

// sweepLoop collects idle handles on the configured interval
func (p *ClientPool) sweepLoop() {
	defer p.wg.Done()

	ticker := p.clock.NewTicker(p.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.Chan():
			p.SweepIdle(p.config.IdleTimeout)
		}
	}
}

// SweepIdle closes handles not in use and idle beyond maxIdle, bounding
// resource growth from traffic spikes
func (p *ClientPool) SweepIdle(maxIdle time.Duration) {
	now := p.clock.Now()
	var expired []*Handle

	p.mu.Lock()
	for backendID, handles := range p.handles {
		kept := handles[:0]
		for _, handle := range handles {
			if !handle.inUse && now.Sub(handle.lastUsed) > maxIdle {
				expired = append(expired, handle)
			} else {
				kept = append(kept, handle)
			}
		}
		if len(kept) == 0 {
			delete(p.handles, backendID)
		} else {
			p.handles[backendID] = kept
		}
	}
	p.mu.Unlock()

	for _, handle := range expired {
		handle.conn.Close()
	}

	if len(expired) > 0 {
		p.logger.WithField("swept", len(expired)).Debug("Swept idle client handles")
	}
}

// Close stops the sweeper and closes every handle
func (p *ClientPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	handles := p.handles
	p.handles = make(map[string][]*Handle)
	p.mu.Unlock()

	close(p.stopChan)
	p.wg.Wait()

	for _, backendHandles := range handles {
		for _, handle := range backendHandles {
			handle.conn.Close()
		}
	}
	p.logger.Info("Client pool closed")
}

// Utilization reports in-use and total handle counts per backend
func (p *ClientPool) Utilization() map[string]HandleStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make(map[string]HandleStats, len(p.handles))
	for backendID, handles := range p.handles {
		s := HandleStats{Total: len(handles)}
		for _, handle := range handles {
			if handle.inUse {
				s.InUse++
			}
		}
		stats[backendID] = s
	}
	return stats
}

// HandleStats describes pool utilization for one backend
type HandleStats struct {
	InUse int `json:"in_use"`
	Total int `json:"total"`
}
