package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mir00r/rpc-balancer/pkg/logger"
)

// RateLimitConfig holds per-client admin rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// DefaultRateLimitConfig returns rate limiter defaults
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:           true,
		RequestsPerSecond: 10,
		Burst:             20,
	}
}

// RateLimiter applies a token-bucket limit per client IP. Idle client
// buckets are dropped after an hour so the map stays bounded.
type RateLimiter struct {
	config RateLimitConfig
	logger *logger.Logger

	mu      sync.Mutex
	clients map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a per-client rate limiter
func NewRateLimiter(config RateLimitConfig, log *logger.Logger) *RateLimiter {
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = DefaultRateLimitConfig().RequestsPerSecond
	}
	if config.Burst <= 0 {
		config.Burst = DefaultRateLimitConfig().Burst
	}
	return &RateLimiter{
		config:  config,
		logger:  log.MiddlewareLogger("rate_limiter"),
		clients: make(map[string]*clientLimiter),
	}
}

// Limit returns the rate limiting middleware
func (rl *RateLimiter) Limit() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.config.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			clientIP := clientAddr(r)
			if !rl.allow(clientIP) {
				rl.logger.WithField("client_ip", clientIP).
					WithField("path", r.URL.Path).
					Warn("Admin request rate limited")

				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]string{
					"error": "rate limit exceeded",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) allow(clientIP string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	client, exists := rl.clients[clientIP]
	if !exists {
		client = &clientLimiter{
			limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.Burst),
		}
		rl.clients[clientIP] = client
		rl.evictIdleLocked()
	}
	client.lastSeen = time.Now()
	return client.limiter.Allow()
}

// evictIdleLocked drops buckets unused for over an hour; called with the
// mutex held whenever a new client appears
func (rl *RateLimiter) evictIdleLocked() {
	cutoff := time.Now().Add(-time.Hour)
	for ip, client := range rl.clients {
		if client.lastSeen.Before(cutoff) {
			delete(rl.clients, ip)
		}
	}
}

// clientAddr extracts the client IP from the request
func clientAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
