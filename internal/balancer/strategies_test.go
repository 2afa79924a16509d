package balancer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/rpc-balancer/internal/domain"
	"github.com/mir00r/rpc-balancer/internal/errors"
)

func makeServers(t *testing.T, weights ...int) []*domain.BackendServer {
	t.Helper()
	servers := make([]*domain.BackendServer, 0, len(weights))
	for i, weight := range weights {
		servers = append(servers, domain.NewBackendServer("10.0.0.1", 50051+i, domain.ServerOptions{Weight: weight}))
	}
	return servers
}

func TestNewStrategyUnknown(t *testing.T) {
	_, err := NewStrategy(domain.Strategy("random"))
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindInvalidArgument))
}

func TestAllStrategiesFailOnEmptySet(t *testing.T) {
	for _, name := range []domain.Strategy{
		domain.RoundRobin, domain.WeightedRoundRobin, domain.LeastConnections,
		domain.HealthBased, domain.IPHash,
	} {
		strategy, err := NewStrategy(name)
		require.NoError(t, err)

		_, err = strategy.Select(nil, domain.ClientInfo{})
		require.Error(t, err, "strategy %s", name)
		assert.True(t, errors.IsKind(err, errors.KindNoServersAvailable), "strategy %s", name)
	}
}

func TestRoundRobinFairness(t *testing.T) {
	servers := makeServers(t, 1, 1, 1)
	strategy, err := NewStrategy(domain.RoundRobin)
	require.NoError(t, err)

	counts := make(map[string]int)
	for i := 0; i < 300; i++ {
		server, err := strategy.Select(servers, domain.ClientInfo{})
		require.NoError(t, err)
		counts[server.ID()]++
	}

	for _, server := range servers {
		assert.Equal(t, 100, counts[server.ID()], "round robin must be exactly fair over full cycles")
	}
}

func TestRoundRobinCursorResetOnReconfigure(t *testing.T) {
	servers := makeServers(t, 1, 1, 1)
	strategy, err := NewStrategy(domain.RoundRobin)
	require.NoError(t, err)

	first, err := strategy.Select(servers, domain.ClientInfo{})
	require.NoError(t, err)

	strategy.Reconfigure(servers[:2])
	next, err := strategy.Select(servers[:2], domain.ClientInfo{})
	require.NoError(t, err)
	assert.Equal(t, first.ID(), next.ID(), "reconfigure restarts the walk")
}

func TestWeightedRoundRobinDistribution(t *testing.T) {
	servers := makeServers(t, 1, 2, 3)
	strategy, err := NewStrategy(domain.WeightedRoundRobin)
	require.NoError(t, err)
	strategy.Reconfigure(servers)

	counts := make(map[string]int)
	const rounds = 600
	for i := 0; i < rounds; i++ {
		server, err := strategy.Select(servers, domain.ClientInfo{})
		require.NoError(t, err)
		counts[server.ID()]++
	}

	// Weights 1:2:3 over full revolutions of the flattened sequence
	assert.Equal(t, rounds/6, counts[servers[0].ID()])
	assert.Equal(t, rounds/3, counts[servers[1].ID()])
	assert.Equal(t, rounds/2, counts[servers[2].ID()])
}

func TestWeightedRoundRobinSkipsUnavailable(t *testing.T) {
	servers := makeServers(t, 2, 2)
	strategy, err := NewStrategy(domain.WeightedRoundRobin)
	require.NoError(t, err)
	strategy.Reconfigure(servers)

	// Only the second backend remains available; sequence entries for the
	// first must be skipped, not served
	available := servers[1:]
	for i := 0; i < 20; i++ {
		server, err := strategy.Select(available, domain.ClientInfo{})
		require.NoError(t, err)
		assert.Equal(t, servers[1].ID(), server.ID())
	}
}

func TestWeightedRoundRobinFallsBackWithoutReconfigure(t *testing.T) {
	servers := makeServers(t, 1, 1)
	strategy, err := NewStrategy(domain.WeightedRoundRobin)
	require.NoError(t, err)

	// No Reconfigure yet; the flattened sequence is empty and selection
	// degrades to plain round robin
	server, err := strategy.Select(servers, domain.ClientInfo{})
	require.NoError(t, err)
	assert.NotNil(t, server)
}

func TestLeastConnections(t *testing.T) {
	servers := makeServers(t, 1, 1, 1)
	strategy, err := NewStrategy(domain.LeastConnections)
	require.NoError(t, err)

	servers[0].RecordRequestStart()
	servers[0].RecordRequestStart()
	servers[1].RecordRequestStart()

	server, err := strategy.Select(servers, domain.ClientInfo{})
	require.NoError(t, err)
	assert.Equal(t, servers[2].ID(), server.ID())
}

func TestLeastConnectionsFirstWinsTies(t *testing.T) {
	servers := makeServers(t, 1, 1)
	strategy, err := NewStrategy(domain.LeastConnections)
	require.NoError(t, err)

	server, err := strategy.Select(servers, domain.ClientInfo{})
	require.NoError(t, err)
	assert.Equal(t, servers[0].ID(), server.ID())
}

func TestHealthBasedPicksHighestScore(t *testing.T) {
	servers := makeServers(t, 1, 1)
	strategy, err := NewStrategy(domain.HealthBased)
	require.NoError(t, err)

	// Degrade the first backend's success rate
	for i := 0; i < 10; i++ {
		servers[0].RecordRequestStart()
		servers[0].RecordRequestEnd(false, 10)
	}

	server, err := strategy.Select(servers, domain.ClientInfo{})
	require.NoError(t, err)
	assert.Equal(t, servers[1].ID(), server.ID())
}

func TestIPHashStability(t *testing.T) {
	servers := makeServers(t, 1, 1, 1)
	strategy, err := NewStrategy(domain.IPHash)
	require.NoError(t, err)

	client := domain.ClientInfo{ClientIP: "192.168.1.42"}
	first, err := strategy.Select(servers, client)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		server, err := strategy.Select(servers, client)
		require.NoError(t, err)
		assert.Equal(t, first.ID(), server.ID(), "same IP must map to the same backend while membership is stable")
	}
}

func TestIPHashFallsBackWithoutClientIP(t *testing.T) {
	servers := makeServers(t, 1, 1)
	strategy, err := NewStrategy(domain.IPHash)
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		server, err := strategy.Select(servers, domain.ClientInfo{})
		require.NoError(t, err)
		seen[server.ID()] = true
	}
	assert.Len(t, seen, 2, "without a client IP selection degrades to round robin")
}
