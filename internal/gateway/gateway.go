package gateway

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/aigate/internal/circuitbreaker"
	"github.com/wudi/aigate/internal/conditions"
	"github.com/wudi/aigate/internal/config"
	"github.com/wudi/aigate/internal/logging"
	"github.com/wudi/aigate/internal/metrics"
	"github.com/wudi/aigate/internal/pipeline"
	"github.com/wudi/aigate/internal/policy"
	"github.com/wudi/aigate/internal/providers"
	"github.com/wudi/aigate/internal/proxy"
	"github.com/wudi/aigate/internal/webhook"
)

// Gateway compiles the configured pipelines and serves requests through
// them. Circuit breakers, the upstream forwarder, metrics, and the
// webhook dispatcher live for the gateway's lifetime; everything derived
// from config is rebuilt on reload and swapped atomically.
type Gateway struct {
	breakers   *circuitbreaker.Manager
	forwarder  *proxy.Forwarder
	collector  *metrics.Collector
	dispatcher *webhook.Dispatcher

	state atomic.Pointer[gatewayState]

	// reloadMu serializes reloads; request serving never takes it.
	reloadMu sync.Mutex
}

// gatewayState is everything derived from one config revision. A reload
// builds a complete new state before publishing it, so concurrent
// requests see fully-old or fully-new, never a mix.
type gatewayState struct {
	cfg   *config.Config
	table *pipeline.Table
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

// Flush passes through so streamed upstream responses keep flushing.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// New creates a gateway from a validated config.
func New(cfg *config.Config) (*Gateway, error) {
	g := &Gateway{
		breakers:  circuitbreaker.NewManager(cfg.CircuitBreaker),
		forwarder: proxy.NewForwarder(proxy.ForwarderConfig{}),
		collector: metrics.NewCollector(),
	}
	if cfg.Webhooks.Enabled {
		g.dispatcher = webhook.NewDispatcher(cfg.Webhooks)
	}
	g.breakers.SetTransitionHook(g.onTransition)

	st, err := g.buildState(cfg)
	if err != nil {
		g.Close()
		return nil, err
	}
	g.state.Store(st)

	return g, nil
}

// buildState compiles one config revision into servable state. Nothing
// here touches the live state, so a failure leaves the gateway serving
// whatever it served before.
func (g *Gateway) buildState(cfg *config.Config) (*gatewayState, error) {
	endpoints := make(map[string]proxy.Strategy, len(cfg.ServiceEndpoints))
	for name, se := range cfg.ServiceEndpoints {
		strat, err := proxy.NewStrategyMode(name, se.Strategy, se.AllURLs())
		if err != nil {
			return nil, fmt.Errorf("serviceEndpoint %q: %w", name, err)
		}
		endpoints[name] = strat
	}

	env := &policy.Env{
		Endpoints:  endpoints,
		Breakers:   g.breakers,
		Classifier: providers.NewClassifier(cfg.Providers),
		Forwarder:  g.forwarder,
		Metrics:    g.collector,
	}

	compiler := pipeline.NewCompiler(conditions.NewEngine(), policy.NewBuiltinRegistry(), env)
	table, err := compiler.Compile(cfg)
	if err != nil {
		return nil, err
	}

	return &gatewayState{cfg: cfg, table: table}, nil
}

// Handler returns the request entry point: dispatch through the live
// table plus per-request metrics.
func (g *Gateway) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		matched := &pipeline.Matched{}
		r = r.WithContext(pipeline.ContextWithMatched(r.Context(), matched))

		g.state.Load().table.ServeHTTP(rec, r)

		g.collector.ObserveRequest(matched.Pipeline, r.Method, rec.statusCode, time.Since(start))
	})
}

// onTransition bridges breaker state changes to the log, the metrics
// collector, and webhook subscribers.
func (g *Gateway) onTransition(provider string, t circuitbreaker.Transition) {
	logging.Info("Circuit breaker state change",
		zap.String("provider", provider),
		zap.String("from", t.From.String()),
		zap.String("to", t.To.String()),
		zap.Float64("failure_rate", t.Stats.FailureRate),
	)
	g.collector.ObserveTransition(provider, t)
	if g.dispatcher != nil {
		g.dispatcher.Emit(webhook.NewEvent(webhook.BreakerStateChange, provider, map[string]interface{}{
			"from":  t.From.String(),
			"to":    t.To.String(),
			"stats": t.Stats,
		}))
	}
}

// Config returns the live config revision.
func (g *Gateway) Config() *config.Config {
	return g.state.Load().cfg
}

// Table returns the live dispatch table.
func (g *Gateway) Table() *pipeline.Table {
	return g.state.Load().table
}

// Breakers returns the provider breaker manager.
func (g *Gateway) Breakers() *circuitbreaker.Manager {
	return g.breakers
}

// Close releases background resources. The gateway must not serve
// requests afterwards.
func (g *Gateway) Close() error {
	if g.dispatcher != nil {
		g.dispatcher.Close()
	}
	return nil
}
