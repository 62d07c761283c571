package providers

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wudi/aigate/internal/config"
)

func defaultClassifier() *Classifier {
	return NewClassifier(config.DefaultConfig().Providers)
}

func bodyRequest(body string) *http.Request {
	if body == "" {
		return httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	}
	return httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
}

func TestClassifyByModel(t *testing.T) {
	c := defaultClassifier()

	tests := []struct {
		model string
		want  string
	}{
		{"gpt-4o", "openai"},
		{"gpt-3.5-turbo", "openai"},
		{"GPT-4", "openai"}, // case-insensitive
		{"claude-3-opus-20240229", "anthropic"},
		{"claude-sonnet-4", "anthropic"},
		{"text-embedding-3-small", "azure"},
		{"my-azure-deployment", "azure"},
		{"mistral-large", "openai"}, // no rule matches, default
		{"", "openai"},
	}

	for _, tt := range tests {
		r := bodyRequest(`{"model":"` + tt.model + `"}`)
		if got := c.ClassifyRequest(r); got != tt.want {
			t.Errorf("model %q = %q, want %q", tt.model, got, tt.want)
		}
	}
}

func TestMarkerHeaderWins(t *testing.T) {
	c := defaultClassifier()

	r := bodyRequest(`{"model":"gpt-4"}`)
	r.Header.Set("X-AI-Provider", " Anthropic ")

	if got := c.ClassifyRequest(r); got != "anthropic" {
		t.Errorf("Classify = %q, want anthropic", got)
	}
}

func TestClassifyFallsBack(t *testing.T) {
	c := defaultClassifier()

	tests := []struct {
		name string
		body string
	}{
		{"no body", ""},
		{"not json", "model=gpt-4"},
		{"no model field", `{"input":"hello"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.ClassifyRequest(bodyRequest(tt.body)); got != "openai" {
				t.Errorf("Classify = %q, want openai", got)
			}
		})
	}
}

func TestCustomRulesReplaceDefaults(t *testing.T) {
	c := NewClassifier(config.ProvidersConfig{
		MarkerHeader: "X-AI-Provider",
		BodyField:    "model",
		Default:      "fallback",
		Rules: []config.ClassifierRuleConfig{
			{Prefix: "llama-", Provider: "meta"},
		},
	})

	if got := c.ClassifyRequest(bodyRequest(`{"model":"llama-3-70b"}`)); got != "meta" {
		t.Errorf("llama model = %q, want meta", got)
	}
	// Stock rules no longer apply once custom rules are configured.
	if got := c.ClassifyRequest(bodyRequest(`{"model":"gpt-4"}`)); got != "fallback" {
		t.Errorf("gpt model = %q, want fallback", got)
	}
}

func TestNestedBodyField(t *testing.T) {
	c := NewClassifier(config.ProvidersConfig{
		BodyField: "request.model",
		Default:   "openai",
	})

	if got := c.ClassifyRequest(bodyRequest(`{"request":{"model":"claude-3-haiku"}}`)); got != "anthropic" {
		t.Errorf("nested model = %q, want anthropic", got)
	}
}

func TestPeekBodyRestores(t *testing.T) {
	const payload = `{"model":"gpt-4","messages":[]}`
	r := bodyRequest(payload)

	peeked := PeekBody(r)
	if string(peeked) != payload {
		t.Errorf("peeked = %q", peeked)
	}

	rest, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatalf("re-read: %v", err)
	}
	if string(rest) != payload {
		t.Errorf("restored body = %q", rest)
	}
}
