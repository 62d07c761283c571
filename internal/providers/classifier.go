package providers

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/wudi/aigate/internal/config"
)

const maxPeekBytes = 10 << 20 // 10MB

// rule maps a model name pattern to a provider key. Exactly one of
// prefix or contains is set.
type rule struct {
	prefix   string
	contains string
	provider string
}

// defaultRules cover the stock provider fleet. Order matters: the first
// matching rule wins.
var defaultRules = []rule{
	{prefix: "gpt-", provider: "openai"},
	{prefix: "claude-", provider: "anthropic"},
	{contains: "azure", provider: "azure"},
	{contains: "embedding", provider: "azure"},
}

// Classifier derives the provider key for a request. The key feeds
// per-provider circuit breakers, so classification never fails: a
// request that matches nothing gets the configured default.
type Classifier struct {
	markerHeader string
	bodyField    string
	fallback     string
	rules        []rule
}

// NewClassifier creates a classifier from provider configuration.
func NewClassifier(cfg config.ProvidersConfig) *Classifier {
	c := &Classifier{
		markerHeader: cfg.MarkerHeader,
		bodyField:    cfg.BodyField,
		fallback:     cfg.Default,
	}

	if len(cfg.Rules) == 0 {
		c.rules = defaultRules
		return c
	}

	c.rules = make([]rule, 0, len(cfg.Rules))
	for _, rc := range cfg.Rules {
		c.rules = append(c.rules, rule{
			prefix:   strings.ToLower(rc.Prefix),
			contains: strings.ToLower(rc.Contains),
			provider: rc.Provider,
		})
	}
	return c
}

// Classify returns the provider key for a request. Precedence: marker
// header, then the model field in the JSON body, then the default.
func (c *Classifier) Classify(r *http.Request, body []byte) string {
	if v := r.Header.Get(c.markerHeader); v != "" {
		return normalizeKey(v)
	}

	if len(body) > 0 {
		if model := gjson.GetBytes(body, c.bodyField); model.Exists() {
			if p := c.classifyModel(model.String()); p != "" {
				return p
			}
		}
	}

	return c.fallback
}

// ClassifyRequest peeks the request body and classifies. The body is
// restored so downstream handlers can read it again.
func (c *Classifier) ClassifyRequest(r *http.Request) string {
	return c.Classify(r, PeekBody(r))
}

// DefaultClassifier returns a classifier with the stock marker header,
// body field, and model rules.
func DefaultClassifier() *Classifier {
	return NewClassifier(config.DefaultConfig().Providers)
}

// Default returns the fallback provider key.
func (c *Classifier) Default() string {
	return c.fallback
}

func (c *Classifier) classifyModel(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	for _, rule := range c.rules {
		if rule.prefix != "" && strings.HasPrefix(m, rule.prefix) {
			return rule.provider
		}
		if rule.contains != "" && strings.Contains(m, rule.contains) {
			return rule.provider
		}
	}
	return ""
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// PeekBody reads up to 10MB of the request body and puts it back so the
// request can still be forwarded. Returns nil when there is no body,
// reading fails, or the body is too large to inspect; the body itself
// is preserved in full in every case.
func PeekBody(r *http.Request) []byte {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxPeekBytes+1))
	if err != nil || len(data) > maxPeekBytes {
		r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(data), r.Body))
		return nil
	}

	r.Body = io.NopCloser(bytes.NewReader(data))
	return data
}
