package policy

import (
	"crypto/subtle"
	"fmt"
	"net/http"

	"github.com/wudi/aigate/internal/errors"
	"github.com/wudi/aigate/internal/middleware"
)

type apiKeyConfig struct {
	Header     string   `param:"header"`
	QueryParam string   `param:"queryParam"`
	Keys       []string `param:"keys"`
}

func apiKeyFactory() Factory {
	return Factory{
		Name: "apiKey",
		Schema: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"keys"},
			"properties": map[string]interface{}{
				"header":     map[string]interface{}{"type": "string", "minLength": 1},
				"queryParam": map[string]interface{}{"type": "string", "minLength": 1},
				"keys": map[string]interface{}{
					"type":     "array",
					"minItems": 1,
					"items":    map[string]interface{}{"type": "string", "minLength": 1},
				},
			},
			"additionalProperties": false,
		},
		Build: buildAPIKey,
	}
}

func buildAPIKey(params map[string]interface{}, _ *Env) (middleware.Middleware, error) {
	var cfg apiKeyConfig
	if err := decodeParams(params, &cfg); err != nil {
		return nil, err
	}
	for i, key := range cfg.Keys {
		if key == "" {
			return nil, fmt.Errorf("keys[%d] is empty", i)
		}
	}
	if cfg.Header == "" && cfg.QueryParam == "" {
		cfg.Header = "X-API-Key"
	}
	auth := &apiKeyAuth{
		header:     cfg.Header,
		queryParam: cfg.QueryParam,
		keys:       cfg.Keys,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := auth.authenticate(r); err != nil {
				w.Header().Set("WWW-Authenticate", "API-Key")
				if reqID := middleware.GetRequestID(r); reqID != "" {
					err = err.WithRequestID(reqID)
				}
				err.WriteJSON(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}, nil
}

type apiKeyAuth struct {
	header     string
	queryParam string
	keys       []string
}

func (a *apiKeyAuth) authenticate(r *http.Request) *errors.GatewayError {
	presented := a.extractKey(r)
	if presented == "" {
		return errors.ErrUnauthorized.WithDetails("API key not provided")
	}
	// Compare against every key so timing does not reveal which
	// prefix matched.
	valid := false
	for _, key := range a.keys {
		if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) == 1 {
			valid = true
		}
	}
	if !valid {
		return errors.ErrUnauthorized.WithDetails("Invalid API key")
	}
	return nil
}

// extractKey checks the header first, then the query parameter.
func (a *apiKeyAuth) extractKey(r *http.Request) string {
	if a.header != "" {
		if key := r.Header.Get(a.header); key != "" {
			return key
		}
	}
	if a.queryParam != "" {
		if key := r.URL.Query().Get(a.queryParam); key != "" {
			return key
		}
	}
	return ""
}
