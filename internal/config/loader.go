package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// validLogLevels are accepted logging.level values.
var validLogLevels = map[string]bool{
	"": true, "debug": true, "info": true, "warn": true, "error": true,
}

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-[^}]*)?\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	// Unmarshal YAML into config
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyDefaults(cfg)

	// Validate configuration
	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	sum := sha256.Sum256([]byte(expanded))
	cfg.Checksum = hex.EncodeToString(sum[:6])

	return cfg, nil
}

// expandEnvVars replaces ${VAR} with environment variable values.
// ${VAR:-default} falls back to the default when VAR is unset.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		inner := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		varName := inner
		fallback := ""
		hasFallback := false
		if idx := strings.Index(inner, ":-"); idx != -1 {
			varName = inner[:idx]
			fallback = inner[idx+2:]
			hasFallback = true
		}
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		if hasFallback {
			return fallback
		}
		return match // Keep original if env var not set
	})
}

// applyDefaults fills per-entry defaults that depend on the parsed shape.
func applyDefaults(cfg *Config) {
	for name, ep := range cfg.APIEndpoints {
		if ep.HostPattern == "" {
			ep.HostPattern = "*"
		}
		if len(ep.PathPatterns) == 0 {
			ep.PathPatterns = []string{"*"}
		}
		cfg.APIEndpoints[name] = ep
	}
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if cfg.Server.Address == "" {
		return fmt.Errorf("server address is required")
	}
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" {
			return fmt.Errorf("server: TLS enabled but certFile not provided")
		}
		if cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server: TLS enabled but keyFile not provided")
		}
	}
	if cfg.Admin.Enabled && cfg.Admin.Address == "" {
		return fmt.Errorf("admin enabled but address not provided")
	}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s", cfg.Logging.Level)
	}

	if err := validateProviders(cfg.Providers); err != nil {
		return err
	}
	if err := validateBreaker("circuitBreaker", cfg.CircuitBreaker); err != nil {
		return err
	}
	for provider, ov := range cfg.CircuitBreaker.PerProvider {
		if provider == "" {
			return fmt.Errorf("circuitBreaker.perProvider: empty provider key")
		}
		eff := cfg.CircuitBreaker
		eff.PerProvider = nil
		eff = applyOverride(eff, ov)
		if err := validateBreaker(fmt.Sprintf("circuitBreaker.perProvider.%s", provider), eff); err != nil {
			return err
		}
	}

	if cfg.Webhooks.Enabled {
		if len(cfg.Webhooks.Endpoints) == 0 {
			return fmt.Errorf("webhooks enabled but no endpoints configured")
		}
		for i, ep := range cfg.Webhooks.Endpoints {
			if err := validateURL(ep.URL); err != nil {
				return fmt.Errorf("webhook endpoint %d: %w", i, err)
			}
		}
	}

	seenPolicies := make(map[string]bool, len(cfg.Policies))
	for _, name := range cfg.Policies {
		if name == "" {
			return fmt.Errorf("policies: empty policy name")
		}
		if seenPolicies[name] {
			return fmt.Errorf("policies: duplicate policy name %q", name)
		}
		seenPolicies[name] = true
	}

	for name, ep := range cfg.APIEndpoints {
		if name == "" {
			return fmt.Errorf("apiEndpoints: empty endpoint name")
		}
		if len(ep.PathPatterns) == 0 {
			return fmt.Errorf("apiEndpoint %q: at least one path pattern is required", name)
		}
		for _, p := range ep.PathPatterns {
			if p == "" {
				return fmt.Errorf("apiEndpoint %q: empty path pattern", name)
			}
		}
	}

	for name, se := range cfg.ServiceEndpoints {
		if name == "" {
			return fmt.Errorf("serviceEndpoints: empty endpoint name")
		}
		urls := se.AllURLs()
		if len(urls) == 0 {
			return fmt.Errorf("serviceEndpoint %q: at least one url is required", name)
		}
		for _, u := range urls {
			if err := validateURL(u); err != nil {
				return fmt.Errorf("serviceEndpoint %q: %w", name, err)
			}
		}
		switch se.Strategy {
		case "", "round-robin":
		case "static":
			if len(urls) > 1 {
				return fmt.Errorf("serviceEndpoint %q: static strategy allows exactly one url, got %d", name, len(urls))
			}
		default:
			return fmt.Errorf("serviceEndpoint %q: unknown strategy %q", name, se.Strategy)
		}
	}

	pipelineNames := make(map[string]bool, len(cfg.Pipelines))
	for _, p := range cfg.Pipelines {
		if p.Name == "" {
			return fmt.Errorf("pipelines: empty pipeline name")
		}
		if pipelineNames[p.Name] {
			return fmt.Errorf("duplicate pipeline name: %s", p.Name)
		}
		pipelineNames[p.Name] = true

		if len(p.APIEndpoints) == 0 {
			return fmt.Errorf("pipeline %q: at least one apiEndpoint ref is required", p.Name)
		}
		for _, ref := range p.APIEndpoints {
			if _, ok := cfg.APIEndpoints[ref]; !ok {
				return fmt.Errorf("pipeline %q: unknown apiEndpoint %q", p.Name, ref)
			}
		}
		for i, step := range p.Policies {
			if step.Policy == "" {
				return fmt.Errorf("pipeline %q: step %d: empty policy name", p.Name, i)
			}
			if len(cfg.Policies) > 0 && !seenPolicies[step.Policy] {
				return fmt.Errorf("pipeline %q: policy %q is not in the enabled policies list", p.Name, step.Policy)
			}
			if len(step.Uses) == 0 {
				return fmt.Errorf("pipeline %q: policy %q: at least one {condition, action} entry is required", p.Name, step.Policy)
			}
		}
	}

	return nil
}

func validateProviders(p ProvidersConfig) error {
	if p.Default == "" {
		return fmt.Errorf("providers: default provider is required")
	}
	for i, r := range p.Rules {
		if r.Provider == "" {
			return fmt.Errorf("providers.rules[%d]: provider is required", i)
		}
		if (r.Prefix == "") == (r.Contains == "") {
			return fmt.Errorf("providers.rules[%d]: exactly one of prefix or contains must be set", i)
		}
	}
	return nil
}

func validateBreaker(scope string, b BreakerConfig) error {
	if b.Buckets <= 0 {
		return fmt.Errorf("%s: buckets must be positive", scope)
	}
	if b.WindowDuration <= 0 {
		return fmt.Errorf("%s: windowDuration must be positive", scope)
	}
	if b.ErrorThresholdPercent <= 0 || b.ErrorThresholdPercent > 100 {
		return fmt.Errorf("%s: errorThresholdPercent must be in (0, 100]", scope)
	}
	if b.MinVolume < 1 {
		return fmt.Errorf("%s: minVolume must be at least 1", scope)
	}
	if b.ResetTimeout <= 0 {
		return fmt.Errorf("%s: resetTimeout must be positive", scope)
	}
	if b.HalfOpenRetryAfter <= 0 {
		return fmt.Errorf("%s: halfOpenRetryAfter must be positive", scope)
	}
	return nil
}

func applyOverride(base BreakerConfig, ov BreakerOverride) BreakerConfig {
	if ov.WindowDuration != nil {
		base.WindowDuration = *ov.WindowDuration
	}
	if ov.Buckets != nil {
		base.Buckets = *ov.Buckets
	}
	if ov.ErrorThresholdPercent != nil {
		base.ErrorThresholdPercent = *ov.ErrorThresholdPercent
	}
	if ov.MinVolume != nil {
		base.MinVolume = *ov.MinVolume
	}
	if ov.ResetTimeout != nil {
		base.ResetTimeout = *ov.ResetTimeout
	}
	if ov.HalfOpenRetryAfter != nil {
		base.HalfOpenRetryAfter = *ov.HalfOpenRetryAfter
	}
	return base
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q: host is required", raw)
	}
	return nil
}
