package policy

import (
	"net/http"
	"strconv"

	"github.com/wudi/aigate/internal/middleware"
)

type terminateConfig struct {
	Status      int               `param:"status"`
	Body        string            `param:"body"`
	ContentType string            `param:"contentType"`
	Headers     map[string]string `param:"headers"`
}

func terminateFactory() Factory {
	return Factory{
		Name: "terminate",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"status":      map[string]interface{}{"type": "integer", "minimum": 100, "maximum": 599},
				"body":        map[string]interface{}{"type": "string"},
				"contentType": map[string]interface{}{"type": "string"},
				"headers": map[string]interface{}{
					"type":                 "object",
					"additionalProperties": map[string]interface{}{"type": "string"},
				},
			},
			"additionalProperties": false,
		},
		Build: buildTerminate,
	}
}

// buildTerminate returns a terminal middleware: it writes a fixed
// response and never calls next, which ends the pipeline walk.
func buildTerminate(params map[string]interface{}, _ *Env) (middleware.Middleware, error) {
	var cfg terminateConfig
	if err := decodeParams(params, &cfg); err != nil {
		return nil, err
	}
	status := cfg.Status
	if status == 0 {
		status = http.StatusOK
	}
	contentType := cfg.ContentType
	if contentType == "" && cfg.Body != "" {
		contentType = "text/plain; charset=utf-8"
	}
	body := []byte(cfg.Body)

	return func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for name, value := range cfg.Headers {
				h.Set(name, value)
			}
			if contentType != "" {
				h.Set("Content-Type", contentType)
			}
			h.Set("Content-Length", strconv.Itoa(len(body)))
			w.WriteHeader(status)
			if len(body) > 0 && r.Method != http.MethodHead {
				w.Write(body)
			}
		})
	}, nil
}
