package pipeline

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/wudi/aigate/internal/conditions"
	"github.com/wudi/aigate/internal/config"
	"github.com/wudi/aigate/internal/middleware"
	"github.com/wudi/aigate/internal/policy"
)

// Compiler turns a validated configuration into an immutable dispatch
// table. It owns no state of its own; every Compile call produces a
// fresh table, so a failed compile leaves nothing half-built.
type Compiler struct {
	conditions *conditions.Engine
	policies   *policy.Registry
	env        *policy.Env
}

// NewCompiler creates a compiler over the given condition engine,
// policy registry, and shared policy environment.
func NewCompiler(engine *conditions.Engine, registry *policy.Registry, env *policy.Env) *Compiler {
	return &Compiler{conditions: engine, policies: registry, env: env}
}

// Compile builds the dispatch table: endpoint matchers first, then
// every pipeline in declaration order. Any unresolved reference,
// invalid pattern, unknown policy, bad parameter set, or condition
// compile failure aborts the whole build.
func (c *Compiler) Compile(cfg *config.Config) (*Table, error) {
	endpoints := make(map[string]*endpointMatcher, len(cfg.APIEndpoints))
	for name, ec := range cfg.APIEndpoints {
		em, err := compileEndpoint(name, ec)
		if err != nil {
			return nil, err
		}
		endpoints[name] = em
	}

	enabled := make(map[string]bool, len(cfg.Policies))
	for _, name := range cfg.Policies {
		enabled[name] = true
	}

	pipelines := make([]*Pipeline, 0, len(cfg.Pipelines))
	for _, pc := range cfg.Pipelines {
		p, err := c.compilePipeline(pc, endpoints, enabled)
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, p)
	}

	return &Table{pipelines: pipelines, endpoints: endpoints}, nil
}

func compileEndpoint(name string, ec config.EndpointConfig) (*endpointMatcher, error) {
	host, err := compileHostPattern(ec.HostPattern)
	if err != nil {
		return nil, fmt.Errorf("apiEndpoint %q: %w", name, err)
	}

	patterns := ec.PathPatterns
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	paths := make([]pathMatcher, 0, len(patterns))
	for _, pattern := range patterns {
		if !strings.HasPrefix(pattern, "/") && !strings.HasPrefix(pattern, "*") {
			return nil, fmt.Errorf("apiEndpoint %q: path pattern %q must start with / or *", name, pattern)
		}
		paths = append(paths, compilePathPattern(pattern))
	}

	return &endpointMatcher{
		name:         name,
		hostPattern:  ec.HostPattern,
		pathPatterns: append([]string(nil), patterns...),
		host:         host,
		paths:        paths,
	}, nil
}

// compileHostPattern accepts "*" (any host), "*.example.com" (any
// subdomain), or an exact host. Comparison is case-insensitive against
// the port-stripped request host.
func compileHostPattern(pattern string) (hostMatcher, error) {
	switch {
	case pattern == "" || pattern == "*":
		return hostMatcher{any: true}, nil
	case strings.HasPrefix(pattern, "*."):
		return hostMatcher{suffix: strings.ToLower(pattern[1:])}, nil
	case strings.Contains(pattern, "*"):
		return hostMatcher{}, fmt.Errorf("host pattern %q: wildcard must be * or *.<domain>", pattern)
	default:
		return hostMatcher{exact: strings.ToLower(pattern)}, nil
	}
}

// compilePathPattern turns a glob into a matcher. "*" spans any run of
// characters, slashes included, so "/v1/*" covers "/v1/chat/completions".
func compilePathPattern(pattern string) pathMatcher {
	if pattern == "*" {
		return pathMatcher{any: true}
	}
	if !strings.Contains(pattern, "*") {
		return pathMatcher{exact: pattern}
	}
	var sb strings.Builder
	sb.WriteString("^")
	for i, literal := range strings.Split(pattern, "*") {
		if i > 0 {
			sb.WriteString(".*")
		}
		sb.WriteString(regexp.QuoteMeta(literal))
	}
	sb.WriteString("$")
	return pathMatcher{re: regexp.MustCompile(sb.String())}
}

func (c *Compiler) compilePipeline(pc config.PipelineConfig, endpoints map[string]*endpointMatcher, enabled map[string]bool) (*Pipeline, error) {
	if len(pc.APIEndpoints) == 0 {
		return nil, fmt.Errorf("pipeline %q: no apiEndpoints bound", pc.Name)
	}
	ems := make([]*endpointMatcher, 0, len(pc.APIEndpoints))
	for _, ref := range pc.APIEndpoints {
		em, ok := endpoints[ref]
		if !ok {
			return nil, fmt.Errorf("pipeline %q: unknown apiEndpoint %q", pc.Name, ref)
		}
		ems = append(ems, em)
	}

	var steps []middleware.Middleware
	policyNames := make([]string, 0, len(pc.Policies))
	for _, step := range pc.Policies {
		if len(enabled) > 0 && !enabled[step.Policy] {
			return nil, fmt.Errorf("pipeline %q: policy %q is not enabled", pc.Name, step.Policy)
		}
		for _, use := range step.Uses {
			mw, err := c.compileUse(pc.Name, step.Policy, use)
			if err != nil {
				return nil, err
			}
			steps = append(steps, mw)
		}
		policyNames = append(policyNames, step.Policy)
	}

	return &Pipeline{
		name:          pc.Name,
		endpointNames: append([]string(nil), pc.APIEndpoints...),
		policyNames:   policyNames,
		endpoints:     ems,
		handler:       middleware.NewChain(steps...).Then(chainEnd),
	}, nil
}

// compileUse builds one policy instance and binds its gating predicate.
// An absent condition means the step always runs.
func (c *Compiler) compileUse(pipelineName, policyName string, use config.PolicyUse) (middleware.Middleware, error) {
	mw, err := c.policies.Build(policyName, use.Action, c.env)
	if err != nil {
		return nil, fmt.Errorf("pipeline %q: %w", pipelineName, err)
	}
	if len(use.Condition) == 0 {
		return mw, nil
	}
	pred, err := c.conditions.Compile(conditions.Spec(use.Condition))
	if err != nil {
		return nil, fmt.Errorf("pipeline %q: policy %q: %w", pipelineName, policyName, err)
	}
	return gate(pred, mw), nil
}

// gate wraps a step behind its predicate. A false predicate routes the
// request straight to the next step, untouched.
func gate(pred conditions.Predicate, mw middleware.Middleware) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		wrapped := mw(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if pred(snapshotFrom(r)) {
				wrapped.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
