package policy

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/wudi/aigate/internal/errors"
	"github.com/wudi/aigate/internal/middleware"
)

const (
	maxTrackedClients = 10000
	clientIdleEvict   = 3 * time.Minute
)

type rateLimitConfig struct {
	RPS   float64 `param:"rps"`
	Burst int     `param:"burst"`
	Per   string  `param:"per"`
}

func rateLimitFactory() Factory {
	return Factory{
		Name: "rateLimit",
		Schema: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"rps"},
			"properties": map[string]interface{}{
				"rps":   map[string]interface{}{"type": "number", "exclusiveMinimum": 0},
				"burst": map[string]interface{}{"type": "integer", "minimum": 1},
				"per":   map[string]interface{}{"type": "string", "pattern": "^(global|ip|header:.+)$"},
			},
			"additionalProperties": false,
		},
		Build: buildRateLimit,
	}
}

func buildRateLimit(params map[string]interface{}, _ *Env) (middleware.Middleware, error) {
	var cfg rateLimitConfig
	if err := decodeParams(params, &cfg); err != nil {
		return nil, err
	}
	burst := cfg.Burst
	if burst == 0 {
		burst = int(math.Ceil(cfg.RPS))
		if burst < 1 {
			burst = 1
		}
	}
	per := cfg.Per
	if per == "" {
		per = "global"
	}
	keyFor, err := buildKeyFunc(per)
	if err != nil {
		return nil, err
	}

	limit := rate.Limit(cfg.RPS)
	limitHeader := strconv.FormatFloat(cfg.RPS, 'f', -1, 64)

	var (
		global *rate.Limiter
		keyed  *keyedLimiters
	)
	if keyFor == nil {
		global = rate.NewLimiter(limit, burst)
	} else {
		keyed = newKeyedLimiters(limit, burst)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limiter := global
			if keyed != nil {
				limiter = keyed.get(keyFor(r))
			}
			w.Header().Set("X-RateLimit-Limit", limitHeader)
			if !limiter.Allow() {
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("Retry-After", "1")
				gerr := errors.ErrTooManyRequests.WithRetryAfter(1)
				if reqID := middleware.GetRequestID(r); reqID != "" {
					gerr = gerr.WithRequestID(reqID)
				}
				gerr.WriteJSON(w)
				return
			}
			remaining := int(limiter.Tokens())
			if remaining < 0 {
				remaining = 0
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			next.ServeHTTP(w, r)
		})
	}, nil
}

// buildKeyFunc maps a "per" strategy to a request key extractor.
// A nil return means one shared limiter for all clients.
func buildKeyFunc(per string) (func(*http.Request) string, error) {
	switch {
	case per == "global":
		return nil, nil
	case per == "ip":
		return clientKey, nil
	case strings.HasPrefix(per, "header:") && len(per) > len("header:"):
		name := strings.TrimPrefix(per, "header:")
		return func(r *http.Request) string {
			if v := r.Header.Get(name); v != "" {
				return v
			}
			return clientKey(r)
		}, nil
	default:
		return nil, fmt.Errorf("invalid per value %q", per)
	}
}

func clientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx >= 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// keyedLimiters tracks one token bucket per client key. Stale entries
// are evicted inline on insert so a config reload never strands a
// background cleanup goroutine.
type keyedLimiters struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	clients map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newKeyedLimiters(limit rate.Limit, burst int) *keyedLimiters {
	return &keyedLimiters{
		limit:   limit,
		burst:   burst,
		clients: make(map[string]*clientLimiter),
	}
}

func (k *keyedLimiters) get(key string) *rate.Limiter {
	now := time.Now()
	k.mu.Lock()
	defer k.mu.Unlock()
	cl, ok := k.clients[key]
	if !ok {
		if len(k.clients) >= maxTrackedClients {
			k.evictStale(now)
		}
		cl = &clientLimiter{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.clients[key] = cl
	}
	cl.lastSeen = now
	return cl.limiter
}

func (k *keyedLimiters) evictStale(now time.Time) {
	for key, cl := range k.clients {
		if now.Sub(cl.lastSeen) > clientIdleEvict {
			delete(k.clients, key)
		}
	}
}
