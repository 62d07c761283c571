package policy

import (
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/aigate/internal/logging"
	"github.com/wudi/aigate/internal/middleware"
)

// sensitiveHeader values are always masked in access logs.
var sensitiveHeader = map[string]bool{
	"Authorization": true,
	"Cookie":        true,
	"Set-Cookie":    true,
	"X-Api-Key":     true,
}

var accessLogRWPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

type accessLogConfig struct {
	SkipPaths  []string `param:"skipPaths"`
	SampleRate *float64 `param:"sampleRate"`
	Headers    []string `param:"headers"`
}

func accessLogFactory() Factory {
	return Factory{
		Name: "accessLog",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"skipPaths": map[string]interface{}{
					"type":  "array",
					"items": map[string]interface{}{"type": "string"},
				},
				"sampleRate": map[string]interface{}{"type": "number", "minimum": 0, "maximum": 1},
				"headers": map[string]interface{}{
					"type":  "array",
					"items": map[string]interface{}{"type": "string"},
				},
			},
			"additionalProperties": false,
		},
		Build: buildAccessLog,
	}
}

func buildAccessLog(params map[string]interface{}, _ *Env) (middleware.Middleware, error) {
	var cfg accessLogConfig
	if err := decodeParams(params, &cfg); err != nil {
		return nil, err
	}
	skipPaths := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skipPaths[p] = true
	}
	sampleRate := 1.0
	if cfg.SampleRate != nil {
		sampleRate = *cfg.SampleRate
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			sw := accessLogRWPool.Get().(*statusWriter)
			sw.reset(w)

			next.ServeHTTP(sw, r)

			duration := time.Since(start)
			status := sw.status
			written := sw.bytes
			sw.ResponseWriter = nil
			accessLogRWPool.Put(sw)

			if sampleRate < 1.0 && rand.Float64() >= sampleRate {
				return
			}

			fields := make([]zap.Field, 0, 10)
			if reqID := middleware.GetRequestID(r); reqID != "" {
				fields = append(fields, zap.String("request_id", reqID))
			}
			fields = append(fields,
				zap.String("remote_addr", clientKey(r)),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int64("body_bytes", written),
				zap.Duration("response_time", duration),
			)
			if r.URL.RawQuery != "" {
				fields = append(fields, zap.String("query", r.URL.RawQuery))
			}
			if ua := r.UserAgent(); ua != "" {
				fields = append(fields, zap.String("user_agent", ua))
			}
			if len(cfg.Headers) > 0 {
				if captured := captureHeaders(r.Header, cfg.Headers); len(captured) > 0 {
					fields = append(fields, zap.Any("request_headers", captured))
				}
			}

			logging.Info("HTTP request", fields...)
		})
	}, nil
}

func captureHeaders(h http.Header, names []string) map[string]string {
	out := make(map[string]string, len(names))
	for _, name := range names {
		vals := h.Values(name)
		if len(vals) == 0 {
			continue
		}
		value := strings.Join(vals, ", ")
		if sensitiveHeader[http.CanonicalHeaderKey(name)] {
			value = "***"
		}
		out[http.CanonicalHeaderKey(name)] = value
	}
	return out
}

// statusWriter wraps http.ResponseWriter to capture status and bytes.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (sw *statusWriter) reset(w http.ResponseWriter) {
	sw.ResponseWriter = w
	sw.status = http.StatusOK
	sw.bytes = 0
}

func (sw *statusWriter) WriteHeader(status int) {
	sw.status = status
	sw.ResponseWriter.WriteHeader(status)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	n, err := sw.ResponseWriter.Write(b)
	sw.bytes += int64(n)
	return n, err
}

// Flush implements http.Flusher
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
