package policy

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wudi/aigate/internal/errors"
	"github.com/wudi/aigate/internal/middleware"
)

type jwtConfig struct {
	Secret   string `param:"secret"`
	Issuer   string `param:"issuer"`
	Audience string `param:"audience"`
	Header   string `param:"header"`
	Prefix   string `param:"prefix"`
}

func jwtFactory() Factory {
	return Factory{
		Name: "jwtAuth",
		Schema: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"secret"},
			"properties": map[string]interface{}{
				"secret":   map[string]interface{}{"type": "string", "minLength": 1},
				"issuer":   map[string]interface{}{"type": "string"},
				"audience": map[string]interface{}{"type": "string"},
				"header":   map[string]interface{}{"type": "string", "minLength": 1},
				"prefix":   map[string]interface{}{"type": "string"},
			},
			"additionalProperties": false,
		},
		Build: buildJWT,
	}
}

func buildJWT(params map[string]interface{}, _ *Env) (middleware.Middleware, error) {
	var cfg jwtConfig
	if err := decodeParams(params, &cfg); err != nil {
		return nil, err
	}
	if cfg.Header == "" {
		cfg.Header = "Authorization"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "Bearer "
	}
	secret := []byte(cfg.Secret)

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}

	verify := func(r *http.Request) *errors.GatewayError {
		raw := extractBearer(r, cfg.Header, cfg.Prefix)
		if raw == "" {
			return errors.ErrUnauthorized.WithDetails("Bearer token not provided")
		}
		token, err := jwt.Parse(raw, keyFunc)
		if err != nil {
			return errors.ErrUnauthorized.WithDetails("Invalid token: " + err.Error())
		}
		if cfg.Issuer != "" {
			iss, err := token.Claims.GetIssuer()
			if err != nil || iss != cfg.Issuer {
				return errors.ErrUnauthorized.WithDetails("Invalid token issuer")
			}
		}
		if cfg.Audience != "" {
			aud, err := token.Claims.GetAudience()
			if err != nil || !containsAudience(aud, cfg.Audience) {
				return errors.ErrUnauthorized.WithDetails("Invalid token audience")
			}
		}
		return nil
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := verify(r); err != nil {
				w.Header().Set("WWW-Authenticate", "Bearer")
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

func extractBearer(r *http.Request, header, prefix string) string {
	value := r.Header.Get(header)
	if value == "" {
		return ""
	}
	if prefix == "" {
		return value
	}
	if !strings.HasPrefix(value, prefix) {
		return ""
	}
	return strings.TrimSpace(value[len(prefix):])
}

func containsAudience(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}
