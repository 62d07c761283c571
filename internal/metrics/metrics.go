package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wudi/aigate/internal/circuitbreaker"
)

// requestBuckets covers AI upstream latencies, which run far longer
// than typical API traffic.
var requestBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// Collector owns the gateway's Prometheus metrics. Each gateway
// instance carries its own registry so tests and restarts never clash
// over collector registration.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec

	reloadsTotal   *prometheus.CounterVec
	upstreamErrors *prometheus.CounterVec
}

// NewCollector builds and registers the gateway metrics on a fresh
// registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aigate_requests_total",
			Help: "Requests dispatched, by pipeline, method and response status.",
		}, []string{"pipeline", "method", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aigate_request_duration_seconds",
			Help:    "Request duration in seconds, by pipeline.",
			Buckets: requestBuckets,
		}, []string{"pipeline"}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aigate_breaker_state",
			Help: "Circuit breaker state per provider (0=closed, 1=open, 2=half_open).",
		}, []string{"provider"}),
		breakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aigate_breaker_transitions_total",
			Help: "Circuit breaker state changes per provider.",
		}, []string{"provider", "from", "to"}),
		reloadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aigate_config_reloads_total",
			Help: "Configuration reload attempts by outcome.",
		}, []string{"outcome"}),
		upstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aigate_upstream_errors_total",
			Help: "Upstream request failures by provider and category.",
		}, []string{"provider", "category"}),
	}
}

// ObserveRequest records one completed request. Unmatched requests are
// recorded under the pipeline "none".
func (c *Collector) ObserveRequest(pipeline, method string, status int, duration time.Duration) {
	if pipeline == "" {
		pipeline = "none"
	}
	c.requestsTotal.WithLabelValues(pipeline, method, strconv.Itoa(status)).Inc()
	c.requestDuration.WithLabelValues(pipeline).Observe(duration.Seconds())
}

// ObserveTransition counts a breaker state change and moves the state
// gauge.
func (c *Collector) ObserveTransition(provider string, t circuitbreaker.Transition) {
	c.breakerTransitions.WithLabelValues(provider, t.From.String(), t.To.String()).Inc()
	c.breakerState.WithLabelValues(provider).Set(float64(t.To))
}

// SetBreakerState pins the state gauge for a provider, used when a
// breaker is first created.
func (c *Collector) SetBreakerState(provider string, s circuitbreaker.State) {
	c.breakerState.WithLabelValues(provider).Set(float64(s))
}

// ObserveReload counts one reload attempt.
func (c *Collector) ObserveReload(success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	c.reloadsTotal.WithLabelValues(outcome).Inc()
}

// ObserveUpstreamError counts one failed upstream exchange.
func (c *Collector) ObserveUpstreamError(provider, category string) {
	c.upstreamErrors.WithLabelValues(provider, category).Inc()
}

// Handler exposes the registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
