package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/rpc-balancer/internal/domain"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Proxy.ListenAddress)
	assert.Equal(t, ":8081", cfg.Admin.ListenAddress)
	assert.Equal(t, string(domain.RoundRobin), cfg.Balancer.Strategy)
	assert.Equal(t, 3, cfg.Executor.Retry.MaxRetries)
	assert.Equal(t, 5, cfg.Pool.MaxHandlesPerBackend)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
gateway_id: gw-1
proxy:
  listen_address: ":7000"
  methods:
    - /echo.Echo/Ping
balancer:
  strategy: least_connections
  sticky_sessions: true
backends:
  - host: 10.0.0.1
    port: 50051
    weight: 2
  - host: 10.0.0.2
    port: 50051
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "gw-1", cfg.GatewayID)
	assert.Equal(t, ":7000", cfg.Proxy.ListenAddress)
	assert.Equal(t, []string{"/echo.Echo/Ping"}, cfg.Proxy.Methods)
	assert.Equal(t, "least_connections", cfg.Balancer.Strategy)
	assert.True(t, cfg.Balancer.StickySessions)
	require.Len(t, cfg.Backends, 2)
	assert.Equal(t, 2, cfg.Backends[0].Weight)
}

func TestLoadRejectsUnknownStrategy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("balancer:\n  strategy: random\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsInvalidBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backends:\n  - host: \"\"\n    port: 50051\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsAuthWithoutSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("admin:\n  auth:\n    enabled: true\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RPC_BALANCER_STRATEGY", "ip_hash")
	t.Setenv("RPC_BALANCER_PROXY_ADDR", ":7777")
	t.Setenv("RPC_BALANCER_ADMIN_SECRET", "env-secret")
	t.Setenv("RPC_BALANCER_STICKY_SESSIONS", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "ip_hash", cfg.Balancer.Strategy)
	assert.Equal(t, ":7777", cfg.Proxy.ListenAddress)
	assert.True(t, cfg.Admin.Auth.Enabled)
	assert.Equal(t, "env-secret", cfg.Admin.Auth.SecretKey)
	assert.True(t, cfg.Balancer.StickySessions)
}

func TestGatewayConfigConversion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GatewayID = "gw-7"
	cfg.Balancer.Strategy = "weighted_round_robin"
	cfg.Balancer.StickySessions = true

	gc := cfg.GatewayConfig()
	assert.Equal(t, "gw-7", gc.GatewayID)
	assert.Equal(t, domain.WeightedRoundRobin, gc.Balancer.Strategy)
	assert.True(t, gc.Balancer.StickySessions)
}
