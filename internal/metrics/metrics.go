package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector instruments the call path with Prometheus metrics. One collector
// per gateway instance, registered on its own registry so multiple gateways
// in one process never collide.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	errorsTotal     *prometheus.CounterVec
	breakerState    prometheus.Gauge
	breakerTrips    prometheus.Counter
	poolInUse       *prometheus.GaugeVec
	poolTotal       *prometheus.GaugeVec
	backendsGauge   prometheus.Gauge
}

// NewCollector creates and registers the gateway's metric set
func NewCollector(gatewayID string) *Collector {
	labels := prometheus.Labels{"gateway": gatewayID}

	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "rpc_balancer_requests_total",
			Help:        "Total calls routed through the balancer, by backend and outcome.",
			ConstLabels: labels,
		}, []string{"backend", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "rpc_balancer_request_duration_seconds",
			Help:        "Call latency as observed by the balancer, by backend.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"backend"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "rpc_balancer_errors_total",
			Help:        "Classified call failures, by error kind.",
			ConstLabels: labels,
		}, []string{"kind"}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "rpc_balancer_breaker_state",
			Help:        "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
			ConstLabels: labels,
		}),
		breakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "rpc_balancer_breaker_trips_total",
			Help:        "Times the circuit breaker has opened.",
			ConstLabels: labels,
		}),
		poolInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "rpc_balancer_pool_handles_in_use",
			Help:        "Pooled client handles currently checked out, by backend.",
			ConstLabels: labels,
		}, []string{"backend"}),
		poolTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "rpc_balancer_pool_handles_total",
			Help:        "Pooled client handles held, by backend.",
			ConstLabels: labels,
		}, []string{"backend"}),
		backendsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "rpc_balancer_backends",
			Help:        "Registered backend servers.",
			ConstLabels: labels,
		}),
	}

	c.registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.errorsTotal,
		c.breakerState,
		c.breakerTrips,
		c.poolInUse,
		c.poolTotal,
		c.backendsGauge,
	)
	return c
}

// RecordCall observes one completed call
func (c *Collector) RecordCall(backendID string, success bool, durationSeconds float64) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	c.requestsTotal.WithLabelValues(backendID, outcome).Inc()
	c.requestDuration.WithLabelValues(backendID).Observe(durationSeconds)
}

// RecordError counts one classified failure by kind
func (c *Collector) RecordError(kind string) {
	c.errorsTotal.WithLabelValues(kind).Inc()
}

// SetBreakerState publishes the breaker state as a numeric gauge
func (c *Collector) SetBreakerState(state int) {
	c.breakerState.Set(float64(state))
}

// RecordBreakerTrip counts one circuit-open transition
func (c *Collector) RecordBreakerTrip() {
	c.breakerTrips.Inc()
}

// SetPoolUtilization publishes per-backend pool handle gauges
func (c *Collector) SetPoolUtilization(backendID string, inUse, total int) {
	c.poolInUse.WithLabelValues(backendID).Set(float64(inUse))
	c.poolTotal.WithLabelValues(backendID).Set(float64(total))
}

// DropBackend removes a backend's labeled series after eviction
func (c *Collector) DropBackend(backendID string) {
	c.requestsTotal.DeletePartialMatch(prometheus.Labels{"backend": backendID})
	c.requestDuration.DeletePartialMatch(prometheus.Labels{"backend": backendID})
	c.poolInUse.DeleteLabelValues(backendID)
	c.poolTotal.DeleteLabelValues(backendID)
}

// SetBackendCount publishes the registered backend count
func (c *Collector) SetBackendCount(count int) {
	c.backendsGauge.Set(float64(count))
}

// Handler exposes the collector's registry in Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
