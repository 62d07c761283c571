package policy

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/wudi/aigate/internal/middleware"
)

func init() {
	// Batch crypto/rand reads into a pool to avoid a syscall per UUID.
	uuid.EnableRandPool()
}

type requestIDConfig struct {
	Header      string `param:"header"`
	TrustHeader *bool  `param:"trustHeader"`
}

func requestIDFactory() Factory {
	return Factory{
		Name: "requestId",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"header":      map[string]interface{}{"type": "string", "minLength": 1},
				"trustHeader": map[string]interface{}{"type": "boolean"},
			},
			"additionalProperties": false,
		},
		Build: buildRequestID,
	}
}

func buildRequestID(params map[string]interface{}, _ *Env) (middleware.Middleware, error) {
	var cfg requestIDConfig
	if err := decodeParams(params, &cfg); err != nil {
		return nil, err
	}
	header := cfg.Header
	if header == "" {
		header = "X-Request-ID"
	}
	trust := true
	if cfg.TrustHeader != nil {
		trust = *cfg.TrustHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var requestID string
			if trust {
				requestID = r.Header.Get(header)
			}
			if requestID == "" {
				requestID = uuid.New().String()
			}

			r.Header.Set(header, requestID)
			w.Header().Set(header, requestID)

			ctx := middleware.WithRequestID(r.Context(), requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}, nil
}
