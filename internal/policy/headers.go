package policy

import (
	"net/http"

	"github.com/wudi/aigate/internal/middleware"
)

type headerOps struct {
	Add    map[string]string `param:"add"`
	Set    map[string]string `param:"set"`
	Remove []string          `param:"remove"`
}

func (o headerOps) empty() bool {
	return len(o.Add) == 0 && len(o.Set) == 0 && len(o.Remove) == 0
}

// apply runs add, then set, then remove, so a name listed in both set
// and remove ends up removed.
func (o headerOps) apply(h http.Header) {
	for name, value := range o.Add {
		h.Add(name, value)
	}
	for name, value := range o.Set {
		h.Set(name, value)
	}
	for _, name := range o.Remove {
		h.Del(name)
	}
}

type headersConfig struct {
	Request  headerOps `param:"request"`
	Response headerOps `param:"response"`
}

func headersFactory() Factory {
	stringMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": map[string]interface{}{"type": "string"},
	}
	ops := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"add":    stringMap,
			"set":    stringMap,
			"remove": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
		},
		"additionalProperties": false,
	}
	return Factory{
		Name: "headers",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"request":  ops,
				"response": ops,
			},
			"additionalProperties": false,
		},
		Build: buildHeaders,
	}
}

func buildHeaders(params map[string]interface{}, _ *Env) (middleware.Middleware, error) {
	var cfg headersConfig
	if err := decodeParams(params, &cfg); err != nil {
		return nil, err
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cfg.Request.apply(r.Header)
			if cfg.Response.empty() {
				next.ServeHTTP(w, r)
				return
			}
			hw := &headerOpsWriter{ResponseWriter: w, ops: cfg.Response}
			next.ServeHTTP(hw, r)
			// Handler may finish without writing anything.
			hw.applyOps()
		})
	}, nil
}

// headerOpsWriter applies response header operations just before the
// first byte of the response goes out.
type headerOpsWriter struct {
	http.ResponseWriter
	ops     headerOps
	applied bool
}

func (w *headerOpsWriter) applyOps() {
	if w.applied {
		return
	}
	w.applied = true
	w.ops.apply(w.Header())
}

func (w *headerOpsWriter) WriteHeader(status int) {
	w.applyOps()
	w.ResponseWriter.WriteHeader(status)
}

func (w *headerOpsWriter) Write(b []byte) (int, error) {
	w.applyOps()
	return w.ResponseWriter.Write(b)
}

// Flush implements http.Flusher
func (w *headerOpsWriter) Flush() {
	w.applyOps()
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
