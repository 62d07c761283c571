package config

import (
	"fmt"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the root gateway configuration.
type Config struct {
	Server           ServerConfig                     `yaml:"server"`
	Admin            AdminConfig                      `yaml:"admin"`
	Logging          LoggingConfig                    `yaml:"logging"`
	Providers        ProvidersConfig                  `yaml:"providers"`
	CircuitBreaker   BreakerConfig                    `yaml:"circuitBreaker"`
	Webhooks         WebhooksConfig                   `yaml:"webhooks"`
	Policies         []string                         `yaml:"policies"`
	APIEndpoints     map[string]EndpointConfig        `yaml:"apiEndpoints"`
	ServiceEndpoints map[string]ServiceEndpointConfig `yaml:"serviceEndpoints"`
	Pipelines        PipelineList                     `yaml:"pipelines"`

	// Checksum fingerprints the loaded document after env expansion. Set
	// by the loader; the health endpoint reports it so operators can tell
	// which revision is live.
	Checksum string `yaml:"-"`
}

// ServerConfig configures the proxy listener.
type ServerConfig struct {
	Address        string        `yaml:"address"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"` // 0 = unlimited, needed for streamed completions
	IdleTimeout    time.Duration `yaml:"idleTimeout"`
	MaxHeaderBytes int           `yaml:"maxHeaderBytes"`
	TLS            TLSConfig     `yaml:"tls"`
}

// TLSConfig configures listener TLS. Setting ClientCAFile enables client
// certificate verification, which feeds the tlsClientAuthenticated condition.
type TLSConfig struct {
	Enabled      bool   `yaml:"enabled"`
	CertFile     string `yaml:"certFile"`
	KeyFile      string `yaml:"keyFile"`
	ClientCAFile string `yaml:"clientCAFile"`
}

// AdminConfig configures the management listener.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// ProvidersConfig configures upstream provider classification.
type ProvidersConfig struct {
	MarkerHeader string                 `yaml:"markerHeader"`
	BodyField    string                 `yaml:"bodyField"`
	Default      string                 `yaml:"default"`
	Rules        []ClassifierRuleConfig `yaml:"rules"`
}

// ClassifierRuleConfig maps a model-name pattern to a provider class.
// Exactly one of Prefix or Contains must be set.
type ClassifierRuleConfig struct {
	Prefix   string `yaml:"prefix"`
	Contains string `yaml:"contains"`
	Provider string `yaml:"provider"`
}

// BreakerConfig holds circuit breaker defaults, overridable per provider.
type BreakerConfig struct {
	WindowDuration        time.Duration              `yaml:"windowDuration"`
	Buckets               int                        `yaml:"buckets"`
	ErrorThresholdPercent float64                    `yaml:"errorThresholdPercent"`
	MinVolume             int                        `yaml:"minVolume"`
	ResetTimeout          time.Duration              `yaml:"resetTimeout"`
	HalfOpenRetryAfter    time.Duration              `yaml:"halfOpenRetryAfter"`
	PerProvider           map[string]BreakerOverride `yaml:"perProvider"`
}

// BreakerOverride overrides breaker defaults for one provider.
// Pointer fields distinguish "unset" from zero.
type BreakerOverride struct {
	WindowDuration        *time.Duration `yaml:"windowDuration"`
	Buckets               *int           `yaml:"buckets"`
	ErrorThresholdPercent *float64       `yaml:"errorThresholdPercent"`
	MinVolume             *int           `yaml:"minVolume"`
	ResetTimeout          *time.Duration `yaml:"resetTimeout"`
	HalfOpenRetryAfter    *time.Duration `yaml:"halfOpenRetryAfter"`
}

// ForProvider resolves the effective breaker settings for a provider key.
func (b BreakerConfig) ForProvider(provider string) BreakerConfig {
	ov, ok := b.PerProvider[provider]
	if !ok {
		return b
	}
	eff := applyOverride(b, ov)
	eff.PerProvider = nil
	return eff
}

// WebhooksConfig configures event delivery.
type WebhooksConfig struct {
	Enabled   bool               `yaml:"enabled"`
	Endpoints []WebhookEndpoint  `yaml:"endpoints"`
	Workers   int                `yaml:"workers"`
	QueueSize int                `yaml:"queueSize"`
	Timeout   time.Duration      `yaml:"timeout"`
	Retry     WebhookRetryConfig `yaml:"retry"`
}

// WebhookEndpoint is a single event delivery target.
type WebhookEndpoint struct {
	URL     string            `yaml:"url"`
	Secret  string            `yaml:"secret"`
	Events  []string          `yaml:"events"` // patterns like "circuit_breaker.*"; empty = all
	Headers map[string]string `yaml:"headers"`
}

// WebhookRetryConfig controls delivery retries.
type WebhookRetryConfig struct {
	MaxRetries int           `yaml:"maxRetries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"maxBackoff"`
}

// EndpointConfig declares which inbound requests an apiEndpoint matches.
type EndpointConfig struct {
	HostPattern  string   `yaml:"hostPattern"`
	PathPatterns []string `yaml:"pathPatterns"`
}

// ServiceEndpointConfig declares an upstream target group. Strategy is
// "static" or "round-robin"; empty infers one from the target count.
type ServiceEndpointConfig struct {
	URL      string   `yaml:"url"`
	URLs     []string `yaml:"urls"`
	Strategy string   `yaml:"strategy"`
}

// AllURLs returns the configured targets, merging the single and list forms.
func (s ServiceEndpointConfig) AllURLs() []string {
	if s.URL != "" {
		return append([]string{s.URL}, s.URLs...)
	}
	return s.URLs
}

// PipelineConfig is one named pipeline: the endpoints it serves and its
// ordered policy steps.
type PipelineConfig struct {
	Name         string       `yaml:"-"`
	APIEndpoints []string     `yaml:"apiEndpoints"`
	Policies     []PolicyStep `yaml:"policies"`
}

// PipelineList preserves the document order of the pipelines mapping, since
// matching pipelines execute in declaration order.
type PipelineList []PipelineConfig

// UnmarshalYAML decodes the name → pipeline mapping without losing key order.
func (p *PipelineList) UnmarshalYAML(data []byte) error {
	var ms yaml.MapSlice
	if err := yaml.Unmarshal(data, &ms); err != nil {
		return err
	}
	out := make(PipelineList, 0, len(ms))
	for _, item := range ms {
		name, ok := item.Key.(string)
		if !ok {
			return fmt.Errorf("pipeline name must be a string, got %T", item.Key)
		}
		raw, err := yaml.Marshal(item.Value)
		if err != nil {
			return fmt.Errorf("pipeline %q: %w", name, err)
		}
		var pc PipelineConfig
		if err := yaml.Unmarshal(raw, &pc); err != nil {
			return fmt.Errorf("pipeline %q: %w", name, err)
		}
		pc.Name = name
		out = append(out, pc)
	}
	*p = out
	return nil
}

// PolicyStep is one step of a pipeline, written in config as a single-key
// mapping from policy name to its condition/action uses:
//
//	policies:
//	  - headers:
//	      - condition: {name: pathExact, path: /v1/chat}
//	        action: {set: {X-Route: chat}}
type PolicyStep struct {
	Policy string
	Uses   []PolicyUse
}

// PolicyUse pairs an optional gating condition with the policy params.
type PolicyUse struct {
	Condition map[string]interface{} `yaml:"condition"`
	Action    map[string]interface{} `yaml:"action"`
}

// UnmarshalYAML decodes the single-key step form.
func (s *PolicyStep) UnmarshalYAML(data []byte) error {
	var ms yaml.MapSlice
	if err := yaml.Unmarshal(data, &ms); err != nil {
		return err
	}
	if len(ms) != 1 {
		return fmt.Errorf("policy step must have exactly one policy name key, got %d", len(ms))
	}
	name, ok := ms[0].Key.(string)
	if !ok {
		return fmt.Errorf("policy name must be a string, got %T", ms[0].Key)
	}
	s.Policy = name

	if ms[0].Value == nil {
		// Bare "- proxy:" form: one use with no condition and no params.
		s.Uses = []PolicyUse{{}}
		return nil
	}
	raw, err := yaml.Marshal(ms[0].Value)
	if err != nil {
		return fmt.Errorf("policy %q: %w", name, err)
	}
	if err := yaml.Unmarshal(raw, &s.Uses); err != nil {
		return fmt.Errorf("policy %q: expected list of {condition, action}: %w", name, err)
	}
	return nil
}

// DefaultConfig returns a configuration populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:        ":8080",
			ReadTimeout:    30 * time.Second,
			IdleTimeout:    120 * time.Second,
			MaxHeaderBytes: 1 << 20,
		},
		Admin: AdminConfig{
			Enabled: true,
			Address: ":9090",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Providers: ProvidersConfig{
			MarkerHeader: "X-AI-Provider",
			BodyField:    "model",
			Default:      "openai",
		},
		CircuitBreaker: BreakerConfig{
			WindowDuration:        60 * time.Second,
			Buckets:               10,
			ErrorThresholdPercent: 50,
			MinVolume:             10,
			ResetTimeout:          30 * time.Second,
			HalfOpenRetryAfter:    5 * time.Second,
		},
		Webhooks: WebhooksConfig{
			Workers:   4,
			QueueSize: 1000,
			Timeout:   5 * time.Second,
			Retry: WebhookRetryConfig{
				MaxRetries: 3,
				Backoff:    time.Second,
				MaxBackoff: 30 * time.Second,
			},
		},
	}
}
