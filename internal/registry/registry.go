package registry

import (
	"sync"
	"time"

	"github.com/mir00r/rpc-balancer/internal/domain"
	"github.com/mir00r/rpc-balancer/internal/errors"
	"github.com/mir00r/rpc-balancer/internal/events"
)

// Registry owns the set of known backend servers. All mutation of backend
// entries flows through its methods so the connection-accounting and health
// invariants hold under concurrent call paths.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*domain.BackendServer
	order   []string
	bus     *events.Bus
}

// New creates an empty registry publishing lifecycle events to bus
func New(bus *events.Bus) *Registry {
	return &Registry{
		servers: make(map[string]*domain.BackendServer),
		bus:     bus,
	}
}

// Add registers a new backend. Fails with DuplicateBackend when the id is
// already present; callers should remove the old entry first.
func (r *Registry) Add(server *domain.BackendServer) error {
	if server == nil {
		return errors.New(errors.KindInvalidArgument, "backend server cannot be nil")
	}

	r.mu.Lock()
	if _, exists := r.servers[server.ID()]; exists {
		r.mu.Unlock()
		return errors.Newf(errors.KindDuplicateBackend, "backend %s already registered", server.ID())
	}
	r.servers[server.ID()] = server
	r.order = append(r.order, server.ID())
	r.mu.Unlock()

	r.bus.Publish(events.ServerAdded, server.ID(), server.Address(), "")
	return nil
}

// Remove deletes a backend entry. The removal event drives pool eviction and
// sticky-session cleanup in the subscribers.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	server, exists := r.servers[id]
	if !exists {
		r.mu.Unlock()
		return errors.Newf(errors.KindNotFound, "backend %s not found", id)
	}
	delete(r.servers, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.bus.Publish(events.ServerRemoved, id, server.Address(), "")
	return nil
}

// Get returns a backend by id
func (r *Registry) Get(id string) (*domain.BackendServer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	server, exists := r.servers[id]
	if !exists {
		return nil, errors.Newf(errors.KindNotFound, "backend %s not found", id)
	}
	return server, nil
}

// Exists reports whether a backend id is registered
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.servers[id]
	return exists
}

// List returns all registered backends in registration order
func (r *Registry) List() []*domain.BackendServer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	servers := make([]*domain.BackendServer, 0, len(r.order))
	for _, id := range r.order {
		servers = append(servers, r.servers[id])
	}
	return servers
}

// Available returns backends that may receive new calls, in registration
// order so cursor-based strategies walk a stable sequence
func (r *Registry) Available() []*domain.BackendServer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var available []*domain.BackendServer
	for _, id := range r.order {
		if server := r.servers[id]; server.IsAvailable() {
			available = append(available, server)
		}
	}
	return available
}

// SetEnabled toggles a backend's availability without dropping its history
func (r *Registry) SetEnabled(id string, enabled bool) error {
	server, err := r.Get(id)
	if err != nil {
		return err
	}
	server.SetEnabled(enabled)
	return nil
}

// SetHealth flips a backend's probed health state, publishing a transition
// event only when the state actually changes
func (r *Registry) SetHealth(id string, state domain.HealthState, detail string) {
	server, err := r.Get(id)
	if err != nil {
		return
	}

	previous := server.Health()
	server.SetHealth(state)
	if detail != "" {
		server.SetLastError(detail)
	}

	if previous == state {
		return
	}
	switch state {
	case domain.HealthHealthy:
		r.bus.Publish(events.ServerHealthy, id, server.Address(), detail)
	case domain.HealthUnhealthy:
		r.bus.Publish(events.ServerUnhealthy, id, server.Address(), detail)
	}
}

// RecordRequestStart accounts for a selection on the backend
func (r *Registry) RecordRequestStart(id string) {
	if server, err := r.Get(id); err == nil {
		server.RecordRequestStart()
	}
}

// RecordRequestEnd accounts for a completion. Invoked exactly once per
// selection by the executor's cleanup path; skipping it leaks connection
// accounting.
func (r *Registry) RecordRequestEnd(id string, success bool, responseTimeMs float64) {
	if server, err := r.Get(id); err == nil {
		server.RecordRequestEnd(success, responseTimeMs)
	}
}

// Stale returns backends whose last heartbeat is older than expiry as of now.
// Staleness asks "is it physically gone", separate from probe failure which
// asks "is it currently failing"; the two mechanisms stay independent.
func (r *Registry) Stale(now time.Time, expiry time.Duration) []*domain.BackendServer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stale []*domain.BackendServer
	for _, server := range r.servers {
		if now.Sub(server.LastHeartbeat()) > expiry {
			stale = append(stale, server)
		}
	}
	return stale
}

// Count returns the number of registered backends
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.servers)
}

// Snapshots returns point-in-time views of every backend, keyed by id
func (r *Registry) Snapshots() map[string]domain.ServerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshots := make(map[string]domain.ServerSnapshot, len(r.servers))
	for id, server := range r.servers {
		snapshots[id] = server.Snapshot()
	}
	return snapshots
}
