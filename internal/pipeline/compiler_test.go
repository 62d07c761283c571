package pipeline

import (
	"net/http"
	"strings"
	"testing"

	"github.com/wudi/aigate/internal/conditions"
	"github.com/wudi/aigate/internal/config"
	"github.com/wudi/aigate/internal/middleware"
	"github.com/wudi/aigate/internal/policy"
)

func endpoint(host string, paths ...string) config.EndpointConfig {
	return config.EndpointConfig{HostPattern: host, PathPatterns: paths}
}

func step(name string, uses ...config.PolicyUse) config.PolicyStep {
	if len(uses) == 0 {
		uses = []config.PolicyUse{{}}
	}
	return config.PolicyStep{Policy: name, Uses: uses}
}

func pipelineCfg(name string, endpoints []string, steps ...config.PolicyStep) config.PipelineConfig {
	return config.PipelineConfig{Name: name, APIEndpoints: endpoints, Policies: steps}
}

// markFactory registers a pass-through policy that records its label,
// so tests can observe step execution and ordering.
func markFactory(log *[]string) policy.Factory {
	return policy.Factory{
		Name: "mark",
		Build: func(params map[string]interface{}, _ *policy.Env) (middleware.Middleware, error) {
			label, _ := params["label"].(string)
			return func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					*log = append(*log, label)
					next.ServeHTTP(w, r)
				})
			}, nil
		},
	}
}

func registryWith(t *testing.T, extra ...policy.Factory) *policy.Registry {
	t.Helper()
	reg := policy.NewBuiltinRegistry()
	for _, f := range extra {
		if err := reg.Register(f); err != nil {
			t.Fatalf("register %q: %v", f.Name, err)
		}
	}
	return reg
}

func compileTable(t *testing.T, cfg *config.Config, reg *policy.Registry, env *policy.Env) *Table {
	t.Helper()
	tab, err := NewCompiler(conditions.NewEngine(), reg, env).Compile(cfg)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return tab
}

func terminateStep(status int, body string) config.PolicyStep {
	return step("terminate", config.PolicyUse{
		Action: map[string]interface{}{"status": status, "body": body},
	})
}

func matchNames(tab *Table, host, path string) []string {
	matched := tab.Match(host, path)
	names := make([]string, 0, len(matched))
	for _, p := range matched {
		names = append(names, p.Name())
	}
	return names
}

func TestMatchHostPatterns(t *testing.T) {
	cfg := &config.Config{
		APIEndpoints: map[string]config.EndpointConfig{
			"exact":  endpoint("api.example.com", "*"),
			"wild":   endpoint("*.example.com", "*"),
			"anyone": endpoint("*", "/public"),
		},
		Pipelines: config.PipelineList{
			pipelineCfg("exact", []string{"exact"}, terminateStep(200, "exact")),
			pipelineCfg("wild", []string{"wild"}, terminateStep(200, "wild")),
			pipelineCfg("anyone", []string{"anyone"}, terminateStep(200, "anyone")),
		},
	}
	tab := compileTable(t, cfg, policy.NewBuiltinRegistry(), &policy.Env{})

	tests := []struct {
		host, path string
		want       []string
	}{
		{"api.example.com", "/v1", []string{"exact"}},
		{"API.Example.COM", "/v1", []string{"exact"}},
		{"a.example.com", "/v1", []string{"wild"}},
		{"x.y.example.com", "/v1", []string{"wild"}},
		{"example.com", "/v1", nil},
		{"other.com", "/public", []string{"anyone"}},
		{"api.example.com", "/public", []string{"exact", "anyone"}},
	}
	for _, tt := range tests {
		got := matchNames(tab, tt.host, tt.path)
		if strings.Join(got, ",") != strings.Join(tt.want, ",") {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.host, tt.path, got, tt.want)
		}
	}
}

func TestMatchPathPatterns(t *testing.T) {
	cfg := &config.Config{
		APIEndpoints: map[string]config.EndpointConfig{
			"chat":     endpoint("*", "/v1/chat"),
			"versions": endpoint("*", "/v1/*"),
			"suffix":   endpoint("*", "*/admin"),
			"multi":    endpoint("*", "/health", "/status"),
		},
		Pipelines: config.PipelineList{
			pipelineCfg("chat", []string{"chat"}, terminateStep(200, "")),
			pipelineCfg("versions", []string{"versions"}, terminateStep(200, "")),
			pipelineCfg("suffix", []string{"suffix"}, terminateStep(200, "")),
			pipelineCfg("multi", []string{"multi"}, terminateStep(200, "")),
		},
	}
	tab := compileTable(t, cfg, policy.NewBuiltinRegistry(), &policy.Env{})

	tests := []struct {
		path string
		want []string
	}{
		{"/v1/chat", []string{"chat", "versions"}},
		{"/v1/chat/completions", []string{"versions"}},
		{"/v1/", []string{"versions"}},
		{"/v1", nil},
		{"/tenant-a/admin", []string{"suffix"}},
		{"/health", []string{"multi"}},
		{"/status", []string{"multi"}},
		{"/healthz", nil},
	}
	for _, tt := range tests {
		got := matchNames(tab, "any.host", tt.path)
		if strings.Join(got, ",") != strings.Join(tt.want, ",") {
			t.Errorf("Match(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestMatchDeclarationOrder(t *testing.T) {
	cfg := &config.Config{
		APIEndpoints: map[string]config.EndpointConfig{
			"all": endpoint("*", "*"),
		},
		Pipelines: config.PipelineList{
			pipelineCfg("first", []string{"all"}, terminateStep(200, "")),
			pipelineCfg("second", []string{"all"}, terminateStep(200, "")),
			pipelineCfg("third", []string{"all"}, terminateStep(200, "")),
		},
	}
	tab := compileTable(t, cfg, policy.NewBuiltinRegistry(), &policy.Env{})

	got := matchNames(tab, "h", "/x")
	if strings.Join(got, ",") != "first,second,third" {
		t.Fatalf("match order = %v", got)
	}
}

func TestCompileDefaultsEmptyPatterns(t *testing.T) {
	cfg := &config.Config{
		APIEndpoints: map[string]config.EndpointConfig{
			"bare": {},
		},
		Pipelines: config.PipelineList{
			pipelineCfg("p", []string{"bare"}, terminateStep(204, "")),
		},
	}
	tab := compileTable(t, cfg, policy.NewBuiltinRegistry(), &policy.Env{})
	if got := matchNames(tab, "whatever", "/anything/at/all"); len(got) != 1 {
		t.Fatalf("bare endpoint should match everything, got %v", got)
	}
}

func TestCompileErrors(t *testing.T) {
	all := map[string]config.EndpointConfig{"all": endpoint("*", "*")}

	tests := []struct {
		name    string
		cfg     *config.Config
		wantErr string
	}{
		{
			name: "unknown endpoint ref",
			cfg: &config.Config{
				APIEndpoints: all,
				Pipelines: config.PipelineList{
					pipelineCfg("p", []string{"missing"}, terminateStep(200, "")),
				},
			},
			wantErr: `unknown apiEndpoint "missing"`,
		},
		{
			name: "no endpoints bound",
			cfg: &config.Config{
				APIEndpoints: all,
				Pipelines: config.PipelineList{
					pipelineCfg("p", nil, terminateStep(200, "")),
				},
			},
			wantErr: "no apiEndpoints bound",
		},
		{
			name: "bad host wildcard",
			cfg: &config.Config{
				APIEndpoints: map[string]config.EndpointConfig{
					"bad": endpoint("api.*.com", "*"),
				},
			},
			wantErr: "wildcard must be",
		},
		{
			name: "relative path pattern",
			cfg: &config.Config{
				APIEndpoints: map[string]config.EndpointConfig{
					"bad": endpoint("*", "v1/chat"),
				},
			},
			wantErr: "must start with / or *",
		},
		{
			name: "unknown policy",
			cfg: &config.Config{
				APIEndpoints: all,
				Pipelines: config.PipelineList{
					pipelineCfg("p", []string{"all"}, step("luaScript")),
				},
			},
			wantErr: `unknown policy "luaScript"`,
		},
		{
			name: "policy not enabled",
			cfg: &config.Config{
				Policies:     []string{"headers"},
				APIEndpoints: all,
				Pipelines: config.PipelineList{
					pipelineCfg("p", []string{"all"}, terminateStep(200, "")),
				},
			},
			wantErr: `policy "terminate" is not enabled`,
		},
		{
			name: "invalid params",
			cfg: &config.Config{
				APIEndpoints: all,
				Pipelines: config.PipelineList{
					pipelineCfg("p", []string{"all"}, terminateStep(99, "")),
				},
			},
			wantErr: "invalid params",
		},
		{
			name: "unknown condition",
			cfg: &config.Config{
				APIEndpoints: all,
				Pipelines: config.PipelineList{
					pipelineCfg("p", []string{"all"}, step("terminate", config.PolicyUse{
						Condition: map[string]interface{}{"name": "luaExpr"},
					})),
				},
			},
			wantErr: `unknown condition "luaExpr"`,
		},
		{
			name: "invalid condition params",
			cfg: &config.Config{
				APIEndpoints: all,
				Pipelines: config.PipelineList{
					pipelineCfg("p", []string{"all"}, step("terminate", config.PolicyUse{
						Condition: map[string]interface{}{"name": "pathMatch", "pattern": "("},
					})),
				},
			},
			wantErr: "invalid pattern",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCompiler(conditions.NewEngine(), policy.NewBuiltinRegistry(), &policy.Env{}).Compile(tt.cfg)
			if err == nil {
				t.Fatal("expected compile error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestTableInspection(t *testing.T) {
	cfg := &config.Config{
		APIEndpoints: map[string]config.EndpointConfig{
			"chat":  endpoint("*", "/v1/chat"),
			"other": endpoint("api.example.com", "/v2/*"),
		},
		Pipelines: config.PipelineList{
			pipelineCfg("main", []string{"chat", "other"},
				step("requestId"),
				terminateStep(200, "")),
		},
	}
	tab := compileTable(t, cfg, policy.NewBuiltinRegistry(), &policy.Env{})

	if tab.PipelineCount() != 1 || tab.EndpointCount() != 2 {
		t.Fatalf("counts = %d pipelines, %d endpoints", tab.PipelineCount(), tab.EndpointCount())
	}

	routes := tab.Routes()
	if len(routes) != 1 {
		t.Fatalf("routes = %v", routes)
	}
	if routes[0].Pipeline != "main" {
		t.Fatalf("pipeline name = %q", routes[0].Pipeline)
	}
	if strings.Join(routes[0].APIEndpoints, ",") != "chat,other" {
		t.Fatalf("endpoints = %v", routes[0].APIEndpoints)
	}
	if strings.Join(routes[0].Policies, ",") != "requestId,terminate" {
		t.Fatalf("policies = %v", routes[0].Policies)
	}

	eps := tab.Endpoints()
	if len(eps) != 2 || eps[0].Name != "chat" || eps[1].Name != "other" {
		t.Fatalf("endpoint infos = %+v", eps)
	}
	if eps[1].HostPattern != "api.example.com" {
		t.Fatalf("host pattern = %q", eps[1].HostPattern)
	}
}
