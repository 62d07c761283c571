package policy

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/aigate/internal/circuitbreaker"
	"github.com/wudi/aigate/internal/errors"
	"github.com/wudi/aigate/internal/logging"
	"github.com/wudi/aigate/internal/middleware"
	"github.com/wudi/aigate/internal/providers"
	"github.com/wudi/aigate/internal/proxy"
)

type proxyConfig struct {
	ServiceEndpoint string        `param:"serviceEndpoint"`
	Timeout         time.Duration `param:"timeout"`
	PassHeaders     []string      `param:"passHeaders"`
}

func proxyFactory() Factory {
	return Factory{
		Name: "proxy",
		Schema: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"serviceEndpoint"},
			"properties": map[string]interface{}{
				"serviceEndpoint": map[string]interface{}{"type": "string", "minLength": 1},
				"timeout":         map[string]interface{}{"type": "string", "pattern": "^([0-9]+(\\.[0-9]+)?(ms|s|m|h))+$"},
				"passHeaders": map[string]interface{}{
					"type":  "array",
					"items": map[string]interface{}{"type": "string", "minLength": 1},
				},
			},
			"additionalProperties": false,
		},
		Build: buildProxy,
	}
}

// buildProxy creates the terminal forwarding policy. It classifies the
// request's provider, asks that provider's circuit breaker for
// admission, and relays through the shared forwarder. It never calls
// next: a pipeline ends where its proxy step runs.
func buildProxy(params map[string]interface{}, env *Env) (middleware.Middleware, error) {
	var cfg proxyConfig
	if err := decodeParams(params, &cfg); err != nil {
		return nil, err
	}
	if env == nil || env.Forwarder == nil || env.Breakers == nil {
		return nil, fmt.Errorf("forwarder and circuit breaker services are not wired")
	}
	strategy, err := env.Endpoint(cfg.ServiceEndpoint)
	if err != nil {
		return nil, err
	}
	classifier := env.Classifier
	if classifier == nil {
		classifier = providers.DefaultClassifier()
	}
	breakers := env.Breakers
	forwarder := env.Forwarder
	collector := env.Metrics
	timeout := cfg.Timeout

	// An allowlist strips everything else from the upstream copy.
	// Content negotiation headers always pass so the body stays usable.
	var passOnly map[string]bool
	if len(cfg.PassHeaders) > 0 {
		passOnly = make(map[string]bool, len(cfg.PassHeaders)+2)
		for _, name := range cfg.PassHeaders {
			passOnly[http.CanonicalHeaderKey(name)] = true
		}
		passOnly["Content-Type"] = true
		passOnly["Content-Length"] = true
	}

	return func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provider := classifier.ClassifyRequest(r)
			breaker := breakers.Get(provider)

			done, rej := breaker.Allow()
			if rej != nil {
				circuitbreaker.WriteRejection(w, provider, rej, breaker.Snapshot())
				return
			}

			if timeout > 0 {
				ctx, cancel := context.WithTimeout(r.Context(), timeout)
				defer cancel()
				r = r.WithContext(ctx)
			}
			if passOnly != nil {
				filtered := make(http.Header, len(passOnly))
				for name, values := range r.Header {
					if passOnly[name] {
						filtered[name] = values
					}
				}
				clone := *r
				clone.Header = filtered
				r = &clone
			}

			target := strategy.Next()
			status, err := forwarder.Forward(w, r, target)
			done(err == nil && status < http.StatusInternalServerError)
			if err == nil {
				if collector != nil {
					if category := upstreamErrorCategory(status); category != "" {
						collector.ObserveUpstreamError(provider, category)
					}
				}
				return
			}

			// Forward only errors before anything was written, so a
			// fallback response is still possible here.
			logging.Warn("upstream request failed",
				zap.String("provider", provider),
				zap.String("endpoint", target.Endpoint),
				zap.String("upstream", target.URL.Host),
				zap.Error(err))
			if collector != nil {
				category := "network"
				if proxy.IsTimeout(err) {
					category = "timeout"
				}
				collector.ObserveUpstreamError(provider, category)
			}

			if proxy.IsTimeout(err) {
				circuitbreaker.WriteTimeout(w, provider, breaker.ResetTimeout(), breaker.Snapshot())
				return
			}
			gerr := errors.ErrBadGateway.WithDetails("Upstream request failed")
			if reqID := middleware.GetRequestID(r); reqID != "" {
				gerr = gerr.WithRequestID(reqID)
			}
			gerr.WriteJSON(w)
		})
	}, nil
}

// upstreamErrorCategory buckets forwarded error statuses for metrics.
// Ordinary 4xx responses are client mistakes, not upstream failures.
func upstreamErrorCategory(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "rate_limit"
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "auth"
	case status == http.StatusGatewayTimeout:
		return "timeout"
	case status >= http.StatusInternalServerError:
		return "other"
	default:
		return ""
	}
}
