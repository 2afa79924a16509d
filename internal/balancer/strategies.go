package balancer

import (
	"hash/fnv"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/mir00r/rpc-balancer/internal/domain"
	"github.com/mir00r/rpc-balancer/internal/errors"
)

// SelectionStrategy picks one backend from the available set. Reconfigure is
// called on every registry membership change so cursor-based strategies can
// rebuild their internal sequences before the next selection.
type SelectionStrategy interface {
	Select(available []*domain.BackendServer, client domain.ClientInfo) (*domain.BackendServer, error)
	Reconfigure(all []*domain.BackendServer)
	Name() string
}

// NewStrategy creates the strategy implementation for a strategy name
func NewStrategy(strategy domain.Strategy) (SelectionStrategy, error) {
	switch strategy {
	case domain.RoundRobin:
		return &roundRobinStrategy{}, nil
	case domain.WeightedRoundRobin:
		return newWeightedRoundRobinStrategy(), nil
	case domain.LeastConnections:
		return &leastConnectionsStrategy{}, nil
	case domain.HealthBased:
		return &healthBasedStrategy{}, nil
	case domain.IPHash:
		return &ipHashStrategy{}, nil
	default:
		return nil, errors.Newf(errors.KindInvalidArgument, "unsupported load balancing strategy: %q", strategy)
	}
}

// roundRobinStrategy walks the available set with a monotonically increasing
// cursor. The cursor wraps modulo the current length, so removing a backend
// never causes an out-of-bounds access.
type roundRobinStrategy struct {
	cursor uint64
}

func (s *roundRobinStrategy) Select(available []*domain.BackendServer, _ domain.ClientInfo) (*domain.BackendServer, error) {
	if len(available) == 0 {
		return nil, errors.New(errors.KindNoServersAvailable, "no servers available")
	}

	next := atomic.AddUint64(&s.cursor, 1)
	return available[(next-1)%uint64(len(available))], nil
}

func (s *roundRobinStrategy) Reconfigure(_ []*domain.BackendServer) {
	atomic.StoreUint64(&s.cursor, 0)
}

func (s *roundRobinStrategy) Name() string {
	return string(domain.RoundRobin)
}

// weightedRoundRobinStrategy walks a flattened sequence holding each backend
// id repeated weight times. The sequence is rebuilt on every membership
// change and shuffled once for distribution smoothing.
type weightedRoundRobinStrategy struct {
	mu       sync.RWMutex
	sequence []string
	cursor   uint64
	fallback roundRobinStrategy
}

func newWeightedRoundRobinStrategy() *weightedRoundRobinStrategy {
	return &weightedRoundRobinStrategy{}
}

func (s *weightedRoundRobinStrategy) Select(available []*domain.BackendServer, client domain.ClientInfo) (*domain.BackendServer, error) {
	if len(available) == 0 {
		return nil, errors.New(errors.KindNoServersAvailable, "no servers available")
	}

	s.mu.RLock()
	sequence := s.sequence
	s.mu.RUnlock()

	if len(sequence) == 0 {
		return s.fallback.Select(available, client)
	}

	byID := make(map[string]*domain.BackendServer, len(available))
	for _, server := range available {
		byID[server.ID()] = server
	}

	// Walk at most one full revolution looking for an available entry;
	// entries for unavailable or removed backends are skipped.
	for i := 0; i < len(sequence); i++ {
		next := atomic.AddUint64(&s.cursor, 1)
		id := sequence[(next-1)%uint64(len(sequence))]
		if server, ok := byID[id]; ok {
			return server, nil
		}
	}

	return s.fallback.Select(available, client)
}

func (s *weightedRoundRobinStrategy) Reconfigure(all []*domain.BackendServer) {
	sequence := make([]string, 0, len(all))
	for _, server := range all {
		for i := 0; i < server.Weight; i++ {
			sequence = append(sequence, server.ID())
		}
	}
	rand.Shuffle(len(sequence), func(i, j int) {
		sequence[i], sequence[j] = sequence[j], sequence[i]
	})

	s.mu.Lock()
	s.sequence = sequence
	s.mu.Unlock()
	atomic.StoreUint64(&s.cursor, 0)
}

func (s *weightedRoundRobinStrategy) Name() string {
	return string(domain.WeightedRoundRobin)
}

// leastConnectionsStrategy picks the arg-min over in-flight connections,
// first encountered winning ties
type leastConnectionsStrategy struct{}

func (s *leastConnectionsStrategy) Select(available []*domain.BackendServer, _ domain.ClientInfo) (*domain.BackendServer, error) {
	if len(available) == 0 {
		return nil, errors.New(errors.KindNoServersAvailable, "no servers available")
	}

	selected := available[0]
	minConns := selected.CurrentConnections()
	for _, server := range available[1:] {
		if conns := server.CurrentConnections(); conns < minConns {
			minConns = conns
			selected = server
		}
	}
	return selected, nil
}

func (s *leastConnectionsStrategy) Reconfigure(_ []*domain.BackendServer) {}

func (s *leastConnectionsStrategy) Name() string {
	return string(domain.LeastConnections)
}

// healthBasedStrategy picks the arg-max over health scores, first
// encountered winning ties
type healthBasedStrategy struct{}

func (s *healthBasedStrategy) Select(available []*domain.BackendServer, _ domain.ClientInfo) (*domain.BackendServer, error) {
	if len(available) == 0 {
		return nil, errors.New(errors.KindNoServersAvailable, "no servers available")
	}

	selected := available[0]
	maxScore := selected.HealthScore()
	for _, server := range available[1:] {
		if score := server.HealthScore(); score > maxScore {
			maxScore = score
			selected = server
		}
	}
	return selected, nil
}

func (s *healthBasedStrategy) Reconfigure(_ []*domain.BackendServer) {}

func (s *healthBasedStrategy) Name() string {
	return string(domain.HealthBased)
}

// ipHashStrategy pins a client IP to a backend for as long as the available
// set is unchanged. Membership changes rotate most mappings; that
// redistribution is a documented trade-off of hashing into the current set
// rather than a consistent-hash ring.
type ipHashStrategy struct {
	fallback roundRobinStrategy
}

func (s *ipHashStrategy) Select(available []*domain.BackendServer, client domain.ClientInfo) (*domain.BackendServer, error) {
	if len(available) == 0 {
		return nil, errors.New(errors.KindNoServersAvailable, "no servers available")
	}

	if client.ClientIP == "" {
		return s.fallback.Select(available, client)
	}

	index := hashString(client.ClientIP) % uint32(len(available))
	return available[index], nil
}

func (s *ipHashStrategy) Reconfigure(_ []*domain.BackendServer) {}

func (s *ipHashStrategy) Name() string {
	return string(domain.IPHash)
}

// hashString implements FNV-1a for stable client IP hashing
func hashString(input string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(input))
	return h.Sum32()
}
