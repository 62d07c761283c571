package policy

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/wudi/aigate/internal/middleware"
)

// maxRewriteBytes caps how much request body the rewriter will buffer.
const maxRewriteBytes = 10 << 20

type modelRewriteConfig struct {
	Field    string            `param:"field"`
	Mappings map[string]string `param:"mappings"`
}

func modelRewriteFactory() Factory {
	return Factory{
		Name: "modelRewrite",
		Schema: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"mappings"},
			"properties": map[string]interface{}{
				"field": map[string]interface{}{"type": "string", "minLength": 1},
				"mappings": map[string]interface{}{
					"type":                 "object",
					"minProperties":        1,
					"additionalProperties": map[string]interface{}{"type": "string"},
				},
			},
			"additionalProperties": false,
		},
		Build: buildModelRewrite,
	}
}

// buildModelRewrite maps model names in JSON request bodies, e.g.
// aliasing "gpt-4" to a pinned deployment. Requests whose body is not
// JSON, has no model field, or names an unmapped model pass through
// untouched.
func buildModelRewrite(params map[string]interface{}, _ *Env) (middleware.Middleware, error) {
	var cfg modelRewriteConfig
	if err := decodeParams(params, &cfg); err != nil {
		return nil, err
	}
	field := cfg.Field
	if field == "" {
		field = "model"
	}

	rewrite := func(body []byte) []byte {
		if !json.Valid(body) {
			return body
		}
		val := gjson.GetBytes(body, field)
		if !val.Exists() || val.Type != gjson.String {
			return body
		}
		target, ok := cfg.Mappings[val.Str]
		if !ok || target == val.Str {
			return body
		}
		out, err := sjson.SetBytes(body, field, target)
		if err != nil {
			return body
		}
		return out
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil || r.ContentLength == 0 {
				next.ServeHTTP(w, r)
				return
			}
			body, err := io.ReadAll(io.LimitReader(r.Body, maxRewriteBytes+1))
			if err != nil || len(body) > maxRewriteBytes {
				// Hand the bytes back unmodified, consumed part first.
				r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))
				next.ServeHTTP(w, r)
				return
			}
			rewritten := rewrite(body)
			r.Body = io.NopCloser(bytes.NewReader(rewritten))
			if len(rewritten) != len(body) {
				r.ContentLength = int64(len(rewritten))
				r.Header.Set("Content-Length", strconv.Itoa(len(rewritten)))
			}
			next.ServeHTTP(w, r)
		})
	}, nil
}
