package domain

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// HealthState represents the probed health of a backend server
type HealthState int

const (
	// HealthUnknown indicates the backend has not been probed yet
	HealthUnknown HealthState = iota
	// HealthHealthy indicates the backend passed its last probe
	HealthHealthy
	// HealthUnhealthy indicates the backend failed its last probe
	HealthUnhealthy
)

// String returns the string representation of HealthState
func (s HealthState) String() string {
	switch s {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

const (
	// DefaultWeight is the selection weight assigned when none is given
	DefaultWeight = 1
	// DefaultMaxConnections caps concurrent in-flight calls per backend
	DefaultMaxConnections = 100
	// ResponseTimeWindowSize bounds the rolling response-time sample window
	ResponseTimeWindowSize = 100
	// ResponseTimeCeilingMs is where the response-time factor bottoms out
	ResponseTimeCeilingMs = 5000
)

// BackendServer describes one backend endpoint with its weight, connection
// accounting, and rolling health statistics. All mutation goes through the
// methods below; counters are atomic and the sample window is mutex-guarded
// so concurrent call paths stay consistent.
type BackendServer struct {
	host           string
	port           int
	id             string
	Weight         int
	MaxConnections int

	currentConnections int64
	totalRequests      int64
	successfulRequests int64
	failedRequests     int64

	mu            sync.RWMutex
	enabled       bool
	health        HealthState
	lastHeartbeat time.Time
	lastError     string
	responseTimes []float64
}

// ServerOptions carries optional attributes for a new backend
type ServerOptions struct {
	Weight         int
	MaxConnections int
}

// NewBackendServer creates a backend for host:port with defaults applied
func NewBackendServer(host string, port int, opts ServerOptions) *BackendServer {
	weight := opts.Weight
	if weight <= 0 {
		weight = DefaultWeight
	}
	maxConns := opts.MaxConnections
	if maxConns <= 0 {
		maxConns = DefaultMaxConnections
	}

	return &BackendServer{
		host:           host,
		port:           port,
		id:             fmt.Sprintf("%s:%d", host, port),
		Weight:         weight,
		MaxConnections: maxConns,
		enabled:        true,
		health:         HealthUnknown,
		lastHeartbeat:  time.Now(),
		responseTimes:  make([]float64, 0, ResponseTimeWindowSize),
	}
}

// ID returns the stable "host:port" identifier
func (b *BackendServer) ID() string {
	return b.id
}

// Address returns the dialable "host:port" address
func (b *BackendServer) Address() string {
	return b.id
}

// Host returns the backend host
func (b *BackendServer) Host() string {
	return b.host
}

// Port returns the backend port
func (b *BackendServer) Port() int {
	return b.port
}

// RecordRequestStart accounts for a new in-flight call
func (b *BackendServer) RecordRequestStart() {
	atomic.AddInt64(&b.currentConnections, 1)
	atomic.AddInt64(&b.totalRequests, 1)
}

// RecordRequestEnd accounts for a completed call and appends a response-time
// sample, evicting the oldest sample once the window is full
func (b *BackendServer) RecordRequestEnd(success bool, responseTimeMs float64) {
	// Never let the counter go negative even on unpaired calls
	for {
		current := atomic.LoadInt64(&b.currentConnections)
		if current <= 0 {
			break
		}
		if atomic.CompareAndSwapInt64(&b.currentConnections, current, current-1) {
			break
		}
	}

	if success {
		atomic.AddInt64(&b.successfulRequests, 1)
	} else {
		atomic.AddInt64(&b.failedRequests, 1)
	}

	b.mu.Lock()
	if len(b.responseTimes) >= ResponseTimeWindowSize {
		b.responseTimes = append(b.responseTimes[1:], responseTimeMs)
	} else {
		b.responseTimes = append(b.responseTimes, responseTimeMs)
	}
	b.mu.Unlock()
}

// RecordProbeResult feeds a health-probe outcome into the rolling stats
// without touching connection accounting; probes are not in-flight calls
func (b *BackendServer) RecordProbeResult(success bool, responseTimeMs float64) {
	if success {
		atomic.AddInt64(&b.successfulRequests, 1)
	} else {
		atomic.AddInt64(&b.failedRequests, 1)
	}

	b.mu.Lock()
	if len(b.responseTimes) >= ResponseTimeWindowSize {
		b.responseTimes = append(b.responseTimes[1:], responseTimeMs)
	} else {
		b.responseTimes = append(b.responseTimes, responseTimeMs)
	}
	b.mu.Unlock()
}

// CurrentConnections returns the number of in-flight calls
func (b *BackendServer) CurrentConnections() int64 {
	return atomic.LoadInt64(&b.currentConnections)
}

// TotalRequests returns the total number of calls routed to this backend
func (b *BackendServer) TotalRequests() int64 {
	return atomic.LoadInt64(&b.totalRequests)
}

// SuccessfulRequests returns the number of calls that completed successfully
func (b *BackendServer) SuccessfulRequests() int64 {
	return atomic.LoadInt64(&b.successfulRequests)
}

// FailedRequests returns the number of calls that failed
func (b *BackendServer) FailedRequests() int64 {
	return atomic.LoadInt64(&b.failedRequests)
}

// SuccessRate returns successful/completed in [0,1]; 1 when nothing completed yet
func (b *BackendServer) SuccessRate() float64 {
	success := atomic.LoadInt64(&b.successfulRequests)
	failed := atomic.LoadInt64(&b.failedRequests)
	completed := success + failed
	if completed == 0 {
		return 1.0
	}
	return float64(success) / float64(completed)
}

// AvgResponseTime returns the moving average over the sample window, in ms
func (b *BackendServer) AvgResponseTime() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.responseTimes) == 0 {
		return 0
	}
	var sum float64
	for _, rt := range b.responseTimes {
		sum += rt
	}
	return sum / float64(len(b.responseTimes))
}

// SetEnabled toggles operator-controlled availability
func (b *BackendServer) SetEnabled(enabled bool) {
	b.mu.Lock()
	b.enabled = enabled
	b.mu.Unlock()
}

// Enabled reports whether the backend is operator-enabled
func (b *BackendServer) Enabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.enabled
}

// SetHealth updates the probed health state
func (b *BackendServer) SetHealth(state HealthState) {
	b.mu.Lock()
	b.health = state
	b.mu.Unlock()
}

// Health returns the probed health state
func (b *BackendServer) Health() HealthState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.health
}

// MarkHeartbeat records the time of the last successful probe
func (b *BackendServer) MarkHeartbeat(t time.Time) {
	b.mu.Lock()
	b.lastHeartbeat = t
	b.mu.Unlock()
}

// LastHeartbeat returns the time of the last successful probe
func (b *BackendServer) LastHeartbeat() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastHeartbeat
}

// SetLastError records the text of the most recent probe or call failure
func (b *BackendServer) SetLastError(msg string) {
	b.mu.Lock()
	b.lastError = msg
	b.mu.Unlock()
}

// LastError returns the text of the most recent failure
func (b *BackendServer) LastError() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastError
}

// IsAvailable reports whether the backend may receive new calls:
// enabled, not probed unhealthy, and below its connection cap
func (b *BackendServer) IsAvailable() bool {
	b.mu.RLock()
	enabled := b.enabled
	health := b.health
	b.mu.RUnlock()

	if !enabled || health == HealthUnhealthy {
		return false
	}
	return atomic.LoadInt64(&b.currentConnections) < int64(b.MaxConnections)
}

// HealthScore blends success rate, inverse connection load, and a decayed
// response-time factor into [0,1]. Zero whenever the backend is unavailable.
// The weighting favors steady success over raw speed while still penalizing
// saturation.
func (b *BackendServer) HealthScore() float64 {
	if !b.IsAvailable() {
		return 0
	}

	connections := float64(atomic.LoadInt64(&b.currentConnections))
	loadFactor := 1.0 - connections/float64(b.MaxConnections)

	responseTimeFactor := 1.0 - b.AvgResponseTime()/ResponseTimeCeilingMs
	if responseTimeFactor < 0 {
		responseTimeFactor = 0
	}

	return 0.5*b.SuccessRate() + 0.3*loadFactor + 0.2*responseTimeFactor
}

// Snapshot returns a point-in-time view of the backend for stats reporting
func (b *BackendServer) Snapshot() ServerSnapshot {
	b.mu.RLock()
	enabled := b.enabled
	health := b.health
	lastHeartbeat := b.lastHeartbeat
	lastError := b.lastError
	b.mu.RUnlock()

	return ServerSnapshot{
		ID:                 b.id,
		Host:               b.host,
		Port:               b.port,
		Weight:             b.Weight,
		MaxConnections:     b.MaxConnections,
		CurrentConnections: atomic.LoadInt64(&b.currentConnections),
		TotalRequests:      atomic.LoadInt64(&b.totalRequests),
		SuccessfulRequests: atomic.LoadInt64(&b.successfulRequests),
		FailedRequests:     atomic.LoadInt64(&b.failedRequests),
		SuccessRate:        b.SuccessRate(),
		AvgResponseTimeMs:  b.AvgResponseTime(),
		HealthScore:        b.HealthScore(),
		Enabled:            enabled,
		Health:             health.String(),
		LastHeartbeat:      lastHeartbeat,
		LastError:          lastError,
	}
}

// ServerSnapshot is an immutable view of a backend's state
type ServerSnapshot struct {
	ID                 string    `json:"id"`
	Host               string    `json:"host"`
	Port               int       `json:"port"`
	Weight             int       `json:"weight"`
	MaxConnections     int       `json:"max_connections"`
	CurrentConnections int64     `json:"current_connections"`
	TotalRequests      int64     `json:"total_requests"`
	SuccessfulRequests int64     `json:"successful_requests"`
	FailedRequests     int64     `json:"failed_requests"`
	SuccessRate        float64   `json:"success_rate"`
	AvgResponseTimeMs  float64   `json:"avg_response_time_ms"`
	HealthScore        float64   `json:"health_score"`
	Enabled            bool      `json:"enabled"`
	Health             string    `json:"health"`
	LastHeartbeat      time.Time `json:"last_heartbeat"`
	LastError          string    `json:"last_error,omitempty"`
}

// Strategy identifies a backend selection algorithm
type Strategy string

const (
	// RoundRobin distributes calls evenly across available backends
	RoundRobin Strategy = "round_robin"
	// WeightedRoundRobin repeats each backend proportionally to its weight
	WeightedRoundRobin Strategy = "weighted_round_robin"
	// LeastConnections routes to the backend with the fewest in-flight calls
	LeastConnections Strategy = "least_connections"
	// HealthBased routes to the backend with the highest health score
	HealthBased Strategy = "health_based"
	// IPHash pins a client IP to a backend while membership is stable
	IPHash Strategy = "ip_hash"
)

// ParseStrategy validates a strategy name from configuration
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case RoundRobin, WeightedRoundRobin, LeastConnections, HealthBased, IPHash:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unsupported load balancing strategy: %q", s)
	}
}

// ClientInfo carries per-call routing hints from the caller
type ClientInfo struct {
	SessionID string
	ClientIP  string
}
