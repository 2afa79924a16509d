package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"

	"github.com/mir00r/rpc-balancer/internal/admin"
	"github.com/mir00r/rpc-balancer/internal/balancer"
	"github.com/mir00r/rpc-balancer/internal/domain"
	"github.com/mir00r/rpc-balancer/internal/executor"
	"github.com/mir00r/rpc-balancer/internal/gateway"
	"github.com/mir00r/rpc-balancer/internal/health"
	"github.com/mir00r/rpc-balancer/internal/middleware"
	"github.com/mir00r/rpc-balancer/internal/pool"
	"github.com/mir00r/rpc-balancer/pkg/logger"
)

// Config is the full gateway configuration tree
type Config struct {
	GatewayID string          `yaml:"gateway_id"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Balancer  BalancerConfig  `yaml:"balancer"`
	Backends  []BackendConfig `yaml:"backends"`
	Executor  executor.Config `yaml:"executor"`
	Pool      pool.Config     `yaml:"pool"`
	Prober    health.Config   `yaml:"prober"`
	Admin     admin.Config    `yaml:"admin"`
	Logging   logger.Config   `yaml:"logging"`
}

// ProxyConfig configures the standalone proxy surface
type ProxyConfig struct {
	ListenAddress string `yaml:"listen_address"`
	// Methods is the allowed set of full method names; calls outside it
	// fail with NotFound before any backend is touched
	Methods []string `yaml:"methods"`
}

// BalancerConfig configures strategy selection
type BalancerConfig struct {
	Strategy       string `yaml:"strategy"`
	StickySessions bool   `yaml:"sticky_sessions"`
}

// BackendConfig seeds one backend at startup
type BackendConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Weight         int    `yaml:"weight"`
	MaxConnections int    `yaml:"max_connections"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Proxy: ProxyConfig{
			ListenAddress: ":9090",
		},
		Balancer: BalancerConfig{
			Strategy:       string(domain.RoundRobin),
			StickySessions: false,
		},
		Executor: executor.DefaultConfig(),
		Pool:     pool.DefaultConfig(),
		Prober:   health.DefaultConfig(),
		Admin: admin.Config{
			ListenAddress: ":8081",
			RateLimit:     middleware.DefaultRateLimitConfig(),
		},
		Logging: logger.Config{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads configuration from a YAML file over the defaults, then applies
// environment overrides. An empty path skips the file entirely.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets deployment environments adjust the hot knobs
// without editing the config file
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("RPC_BALANCER_STRATEGY"); v != "" {
		c.Balancer.Strategy = v
	}
	if v := os.Getenv("RPC_BALANCER_PROXY_ADDR"); v != "" {
		c.Proxy.ListenAddress = v
	}
	if v := os.Getenv("RPC_BALANCER_ADMIN_ADDR"); v != "" {
		c.Admin.ListenAddress = v
	}
	if v := os.Getenv("RPC_BALANCER_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("RPC_BALANCER_ADMIN_SECRET"); v != "" {
		c.Admin.Auth.SecretKey = v
		c.Admin.Auth.Enabled = true
	}
	if v := os.Getenv("RPC_BALANCER_STICKY_SESSIONS"); v != "" {
		if sticky, err := strconv.ParseBool(v); err == nil {
			c.Balancer.StickySessions = sticky
		}
	}
}

// Validate rejects configurations that cannot produce a working gateway
func (c *Config) Validate() error {
	if _, err := domain.ParseStrategy(c.Balancer.Strategy); err != nil {
		return err
	}
	for _, backend := range c.Backends {
		if backend.Host == "" {
			return fmt.Errorf("backend host cannot be empty")
		}
		if backend.Port <= 0 || backend.Port > 65535 {
			return fmt.Errorf("backend %s has invalid port %d", backend.Host, backend.Port)
		}
	}
	if c.Admin.Auth.Enabled && c.Admin.Auth.SecretKey == "" {
		return fmt.Errorf("admin auth is enabled but no secret key is configured")
	}
	if c.Executor.Retry.MaxRetries < 0 {
		return fmt.Errorf("executor max_retries cannot be negative")
	}
	if c.Prober.Interval < 0 || c.Prober.ProbeTimeout < 0 {
		return fmt.Errorf("prober intervals cannot be negative")
	}
	return nil
}

// GatewayConfig converts the tree into the client facade's configuration
func (c *Config) GatewayConfig() gateway.Config {
	strategy, _ := domain.ParseStrategy(c.Balancer.Strategy)
	return gateway.Config{
		GatewayID: c.GatewayID,
		Balancer: balancer.Config{
			Strategy:       strategy,
			StickySessions: c.Balancer.StickySessions,
		},
		Executor: c.Executor,
		Pool:     c.Pool,
		Prober:   c.Prober,
	}
}

// ServerOptions converts one backend seed entry into server options
func (b BackendConfig) ServerOptions() domain.ServerOptions {
	return domain.ServerOptions{
		Weight:         b.Weight,
		MaxConnections: b.MaxConnections,
	}
}
