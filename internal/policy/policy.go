package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/wudi/aigate/internal/circuitbreaker"
	"github.com/wudi/aigate/internal/logging"
	"github.com/wudi/aigate/internal/metrics"
	"github.com/wudi/aigate/internal/middleware"
	"github.com/wudi/aigate/internal/providers"
	"github.com/wudi/aigate/internal/proxy"
)

// Env exposes the shared gateway services a policy builder may need.
// Builders take what they use and ignore the rest. Metrics may be nil.
type Env struct {
	Endpoints  map[string]proxy.Strategy
	Breakers   *circuitbreaker.Manager
	Classifier *providers.Classifier
	Forwarder  *proxy.Forwarder
	Metrics    *metrics.Collector
}

// Endpoint resolves a named service endpoint from the environment.
func (e *Env) Endpoint(name string) (proxy.Strategy, error) {
	if e == nil || e.Endpoints == nil {
		return nil, fmt.Errorf("service endpoint %q: none configured", name)
	}
	s, ok := e.Endpoints[name]
	if !ok {
		return nil, fmt.Errorf("service endpoint %q is not defined", name)
	}
	return s, nil
}

// BuildFunc constructs a middleware instance from validated parameters.
type BuildFunc func(params map[string]interface{}, env *Env) (middleware.Middleware, error)

// Factory describes one policy type: its name, the JSON Schema its
// parameters must satisfy, and the builder that turns parameters into
// middleware. A nil Schema accepts any parameters.
type Factory struct {
	Name   string
	Schema map[string]interface{}
	Build  BuildFunc
}

type entry struct {
	factory Factory
	schema  *jsonschema.Schema
}

// Registry maps policy names to factories. Registration is
// first-wins: a duplicate name logs a warning and keeps the original.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// NewBuiltinRegistry returns a registry preloaded with every stock policy.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	for _, f := range Builtins() {
		if err := r.Register(f); err != nil {
			// Builtins carry hand-written schemas; a compile failure
			// here is a programming error.
			panic(fmt.Sprintf("register builtin policy %q: %v", f.Name, err))
		}
	}
	return r
}

// Builtins lists the stock policy factories in a stable order.
func Builtins() []Factory {
	return []Factory{
		headersFactory(),
		requestIDFactory(),
		jwtFactory(),
		apiKeyFactory(),
		rateLimitFactory(),
		modelRewriteFactory(),
		compressionFactory(),
		terminateFactory(),
		accessLogFactory(),
		proxyFactory(),
	}
}

// Register adds a factory. The first registration for a name wins;
// later ones are ignored with a warning so a stray plugin cannot
// silently shadow a builtin.
func (r *Registry) Register(f Factory) error {
	if f.Name == "" {
		return fmt.Errorf("policy factory has no name")
	}
	if f.Build == nil {
		return fmt.Errorf("policy %q has no builder", f.Name)
	}
	compiled, err := compileParamSchema(f.Name, f.Schema)
	if err != nil {
		return fmt.Errorf("policy %q: %w", f.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[f.Name]; exists {
		logging.Warn("policy already registered, keeping first registration",
			zap.String("policy", f.Name))
		return nil
	}
	r.entries[f.Name] = &entry{factory: f, schema: compiled}
	return nil
}

// Known reports whether a policy name is registered.
func (r *Registry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Names returns the registered policy names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build validates params against the policy's schema and constructs
// the middleware. Schema violations and builder failures are both
// compile-time errors for the enclosing pipeline.
func (r *Registry) Build(name string, params map[string]interface{}, env *Env) (middleware.Middleware, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown policy %q", name)
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	if e.schema != nil {
		doc, err := toJSONValue(params)
		if err != nil {
			return nil, fmt.Errorf("policy %q: encode params: %w", name, err)
		}
		if err := e.schema.Validate(doc); err != nil {
			return nil, fmt.Errorf("policy %q: invalid params: %w", name, err)
		}
	}
	mw, err := e.factory.Build(params, env)
	if err != nil {
		return nil, fmt.Errorf("policy %q: %w", name, err)
	}
	return mw, nil
}

func compileParamSchema(name string, schema map[string]interface{}) (*jsonschema.Schema, error) {
	if schema == nil {
		return nil, nil
	}
	doc, err := toJSONValue(schema)
	if err != nil {
		return nil, fmt.Errorf("encode params schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	resource := fmt.Sprintf("policy-%s-params.json", name)
	if err := compiler.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("load params schema: %w", err)
	}
	compiled, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile params schema: %w", err)
	}
	return compiled, nil
}

// toJSONValue round-trips a value through JSON so schema validation
// sees the same shapes it would for a decoded JSON document.
func toJSONValue(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}

// decodeParams maps schema-validated params onto a typed config
// struct. Duration fields accept "30s" style strings.
func decodeParams(params map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "param",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	return dec.Decode(params)
}
