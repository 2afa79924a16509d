package balancer

import (
	"sync"
	"sync/atomic"

	"github.com/mir00r/rpc-balancer/internal/domain"
	"github.com/mir00r/rpc-balancer/internal/errors"
	"github.com/mir00r/rpc-balancer/internal/registry"
	"github.com/mir00r/rpc-balancer/pkg/logger"
)

// Config holds load balancer configuration
type Config struct {
	Strategy       domain.Strategy
	StickySessions bool
}

// LoadBalancer owns the backend registry and selects a backend per call
// according to the configured strategy, recording outcome feedback. It is an
// explicitly constructed instance with its own lifecycle; every component
// that needs it receives a reference.
type LoadBalancer struct {
	config   Config
	registry *registry.Registry
	strategy SelectionStrategy
	logger   *logger.Logger

	totalSelections uint64

	mu           sync.RWMutex
	sticky       map[string]string // session id -> backend id
	distribution map[string]int64  // backend id -> selections
}

// New creates a load balancer over the given registry
func New(config Config, reg *registry.Registry, log *logger.Logger) (*LoadBalancer, error) {
	strategy, err := NewStrategy(config.Strategy)
	if err != nil {
		return nil, err
	}

	lb := &LoadBalancer{
		config:       config,
		registry:     reg,
		strategy:     strategy,
		logger:       log.BalancerLogger(),
		sticky:       make(map[string]string),
		distribution: make(map[string]int64),
	}

	lb.logger.Infof("Load balancing strategy set to %s", strategy.Name())
	return lb, nil
}

// Registry exposes the owned registry to collaborating components
func (lb *LoadBalancer) Registry() *registry.Registry {
	return lb.registry
}

// StrategyName returns the active strategy's name
func (lb *LoadBalancer) StrategyName() string {
	return lb.strategy.Name()
}

// StickySessionsEnabled reports whether session affinity is active
func (lb *LoadBalancer) StickySessionsEnabled() bool {
	return lb.config.StickySessions
}

// AddServer registers a new backend and rebuilds strategy state for the new
// membership
func (lb *LoadBalancer) AddServer(host string, port int, opts domain.ServerOptions) (*domain.BackendServer, error) {
	server := domain.NewBackendServer(host, port, opts)
	if err := lb.registry.Add(server); err != nil {
		return nil, err
	}

	lb.strategy.Reconfigure(lb.registry.List())
	lb.logger.WithField("backend_id", server.ID()).
		WithField("weight", server.Weight).
		Info("Added backend server")
	return server, nil
}

// RemoveServer deletes a backend, drops its sticky bindings, and rebuilds
// strategy state. Pool eviction rides on the registry's removal event.
func (lb *LoadBalancer) RemoveServer(id string) error {
	if err := lb.registry.Remove(id); err != nil {
		return err
	}

	lb.mu.Lock()
	for session, backendID := range lb.sticky {
		if backendID == id {
			delete(lb.sticky, session)
		}
	}
	lb.mu.Unlock()

	lb.strategy.Reconfigure(lb.registry.List())
	lb.logger.WithField("backend_id", id).Info("Removed backend server")
	return nil
}

// SetServerEnabled toggles a backend without removing its history
func (lb *LoadBalancer) SetServerEnabled(id string, enabled bool) error {
	if err := lb.registry.SetEnabled(id, enabled); err != nil {
		return err
	}
	lb.logger.WithField("backend_id", id).
		WithField("enabled", enabled).
		Info("Toggled backend server")
	return nil
}

// SelectServer picks an available backend for the call and records the
// selection. Every successful selection must be balanced by exactly one
// OnRequestCompleted call.
func (lb *LoadBalancer) SelectServer(client domain.ClientInfo) (*domain.BackendServer, error) {
	available := lb.registry.Available()
	if len(available) == 0 {
		return nil, errors.New(errors.KindNoServersAvailable, "no servers available").
			WithBackend("", lb.strategy.Name())
	}

	server := lb.stickyLookup(client, available)
	if server == nil {
		selected, err := lb.strategy.Select(available, client)
		if err != nil {
			return nil, errors.AsCallError(err).WithBackend("", lb.strategy.Name())
		}
		server = selected
		lb.stickyBind(client, server)
	}

	atomic.AddUint64(&lb.totalSelections, 1)
	lb.mu.Lock()
	lb.distribution[server.ID()]++
	lb.mu.Unlock()

	lb.registry.RecordRequestStart(server.ID())

	lb.logger.WithField("backend_id", server.ID()).
		WithField("strategy", lb.strategy.Name()).
		Debug("Selected backend for call")
	return server, nil
}

// OnRequestCompleted feeds the call outcome back into the registry's
// connection accounting and rolling stats
func (lb *LoadBalancer) OnRequestCompleted(id string, success bool, responseTimeMs float64) {
	lb.registry.RecordRequestEnd(id, success, responseTimeMs)
}

// stickyLookup returns the session's bound backend when sticky sessions are
// enabled and the binding is still available
func (lb *LoadBalancer) stickyLookup(client domain.ClientInfo, available []*domain.BackendServer) *domain.BackendServer {
	if !lb.config.StickySessions || client.SessionID == "" {
		return nil
	}

	lb.mu.RLock()
	backendID, bound := lb.sticky[client.SessionID]
	lb.mu.RUnlock()
	if !bound {
		return nil
	}

	for _, server := range available {
		if server.ID() == backendID {
			return server
		}
	}
	return nil
}

// stickyBind persists a session-to-backend binding
func (lb *LoadBalancer) stickyBind(client domain.ClientInfo, server *domain.BackendServer) {
	if !lb.config.StickySessions || client.SessionID == "" {
		return
	}

	lb.mu.Lock()
	lb.sticky[client.SessionID] = server.ID()
	lb.mu.Unlock()
}

// TotalSelections returns the monotonically increasing selection counter
func (lb *LoadBalancer) TotalSelections() uint64 {
	return atomic.LoadUint64(&lb.totalSelections)
}

// Distribution returns per-backend selection counts
func (lb *LoadBalancer) Distribution() map[string]int64 {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	distribution := make(map[string]int64, len(lb.distribution))
	for id, count := range lb.distribution {
		distribution[id] = count
	}
	return distribution
}

// DistributionPercentages returns each backend's share of all selections
func (lb *LoadBalancer) DistributionPercentages() map[string]float64 {
	total := float64(atomic.LoadUint64(&lb.totalSelections))

	lb.mu.RLock()
	defer lb.mu.RUnlock()

	percentages := make(map[string]float64, len(lb.distribution))
	for id, count := range lb.distribution {
		if total > 0 {
			percentages[id] = float64(count) / total * 100
		} else {
			percentages[id] = 0
		}
	}
	return percentages
}
