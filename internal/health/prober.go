package health

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mir00r/rpc-balancer/internal/domain"
	"github.com/mir00r/rpc-balancer/internal/registry"
	"github.com/mir00r/rpc-balancer/internal/transport"
	"github.com/mir00r/rpc-balancer/pkg/logger"
)

// Config holds health prober configuration
type Config struct {
	// Interval between probe rounds
	Interval time.Duration `yaml:"interval"`
	// ProbeTimeout bounds each individual probe
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	// HeartbeatExpiry is how long a backend may go without a successful probe
	// before it is removed entirely
	HeartbeatExpiry time.Duration `yaml:"heartbeat_expiry"`
}

// DefaultConfig returns prober defaults
func DefaultConfig() Config {
	return Config{
		Interval:        30 * time.Second,
		ProbeTimeout:    5 * time.Second,
		HeartbeatExpiry: 5 * time.Minute,
	}
}

// ProbeFunc performs one reachability check against a backend address
type ProbeFunc func(ctx context.Context, address string) error

// BackendRemover removes a backend and its downstream state (sticky
// bindings, strategy membership, pooled handles)
type BackendRemover interface {
	RemoveServer(id string) error
}

// Prober periodically checks reachability of every registered backend and
// flips health state accordingly. A failed probe marks a backend unhealthy;
// a prolonged absence of heartbeat removes it outright. The two mechanisms
// run on separate timers because they answer different questions: is it
// currently failing, versus is it physically gone.
type Prober struct {
	config   Config
	registry *registry.Registry
	remover  BackendRemover
	probe    ProbeFunc
	clock    clockwork.Clock
	logger   *logger.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a health prober. A nil probe function uses the default
// transport probe; a nil clock uses the real clock.
func New(config Config, reg *registry.Registry, remover BackendRemover, probe ProbeFunc, clock clockwork.Clock, log *logger.Logger) *Prober {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = DefaultConfig().ProbeTimeout
	}
	if config.HeartbeatExpiry <= 0 {
		config.HeartbeatExpiry = DefaultConfig().HeartbeatExpiry
	}
	if probe == nil {
		probe = transport.Probe
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Prober{
		config:   config,
		registry: reg,
		remover:  remover,
		probe:    probe,
		clock:    clock,
		logger:   log.ProberLogger(),
		stopChan: make(chan struct{}),
	}
}

// Start launches the probe loop
func (p *Prober) Start() {
	p.wg.Add(1)
	go p.run()
	p.logger.WithField("interval", p.config.Interval.String()).
		Info("Health prober started")
}

// Stop halts the probe loop and waits for it to exit. In-flight probes
// finish on their own timeouts.
func (p *Prober) Stop() {
	close(p.stopChan)
	p.wg.Wait()
	p.logger.Info("Health prober stopped")
}

func (p *Prober) run() {
	defer p.wg.Done()

	ticker := p.clock.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.Chan():
			p.ProbeAll()
			p.sweepStale()
		}
	}
}

// ProbeAll checks every registered backend concurrently. Probes are
// fire-and-forget with per-probe failure containment so one slow or dead
// backend never delays the others.
func (p *Prober) ProbeAll() {
	for _, server := range p.registry.List() {
		go p.probeOne(server)
	}
}

func (p *Prober) probeOne(server *domain.BackendServer) {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.ProbeTimeout)
	defer cancel()

	start := p.clock.Now()
	err := p.probe(ctx, server.Address())
	latencyMs := float64(p.clock.Since(start)) / float64(time.Millisecond)

	if err != nil {
		server.RecordProbeResult(false, latencyMs)
		p.registry.SetHealth(server.ID(), domain.HealthUnhealthy, err.Error())
		p.logger.WithField("backend_id", server.ID()).
			WithError(err).
			Warn("Health probe failed")
		return
	}

	server.MarkHeartbeat(p.clock.Now())
	server.RecordProbeResult(true, latencyMs)
	p.registry.SetHealth(server.ID(), domain.HealthHealthy, "")
}

// sweepStale removes backends whose heartbeat is older than the expiry.
// Removal goes through the remover so sticky bindings, strategy state, and
// pooled handles are all cleaned up.
func (p *Prober) sweepStale() {
	for _, server := range p.registry.Stale(p.clock.Now(), p.config.HeartbeatExpiry) {
		p.logger.WithField("backend_id", server.ID()).
			WithField("last_heartbeat", server.LastHeartbeat().Format(time.RFC3339)).
			Warn("Removing backend after prolonged heartbeat absence")
		if err := p.remover.RemoveServer(server.ID()); err != nil {
			p.logger.WithField("backend_id", server.ID()).
				WithError(err).
				Error("Failed to remove stale backend")
		}
	}
}
