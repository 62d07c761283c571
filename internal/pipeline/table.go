package pipeline

import (
	"net/http"
	"regexp"
	"sort"
	"strings"
)

// endpointMatcher evaluates one compiled apiEndpoint declaration.
// Patterns are compiled once at table build time.
type endpointMatcher struct {
	name         string
	hostPattern  string
	pathPatterns []string
	host         hostMatcher
	paths        []pathMatcher
}

type hostMatcher struct {
	any    bool   // "*"
	exact  string // lowercased host
	suffix string // ".example.com" for "*.example.com"
}

func (h hostMatcher) matches(host string) bool {
	switch {
	case h.any:
		return true
	case h.exact != "":
		return host == h.exact
	default:
		return strings.HasSuffix(host, h.suffix)
	}
}

type pathMatcher struct {
	any   bool   // "*"
	exact string // pattern without wildcards
	re    *regexp.Regexp
}

func (p pathMatcher) matches(path string) bool {
	switch {
	case p.any:
		return true
	case p.re != nil:
		return p.re.MatchString(path)
	default:
		return path == p.exact
	}
}

// matches reports whether the endpoint claims the request: the host
// must match and at least one path pattern must match. The host is
// expected lowercased and port-stripped.
func (e *endpointMatcher) matches(host, path string) bool {
	if !e.host.matches(host) {
		return false
	}
	for _, pm := range e.paths {
		if pm.matches(path) {
			return true
		}
	}
	return false
}

// Pipeline is one compiled pipeline: its resolved endpoints and the
// middleware chain built from its policy steps. Immutable after compile.
type Pipeline struct {
	name          string
	endpointNames []string
	policyNames   []string
	endpoints     []*endpointMatcher
	handler       http.Handler
}

// Name returns the pipeline's config name.
func (p *Pipeline) Name() string {
	return p.name
}

// Handler returns the compiled policy chain.
func (p *Pipeline) Handler() http.Handler {
	return p.handler
}

// Table is a compiled dispatch table: every pipeline in declaration
// order with its endpoint matchers. Tables are immutable; a reload
// builds a new one and swaps the reference.
type Table struct {
	pipelines []*Pipeline
	endpoints map[string]*endpointMatcher
}

// Match returns the pipelines claiming (host, path), in declaration
// order. The path should be normalized the way the request snapshot
// normalizes it.
func (t *Table) Match(host, path string) []*Pipeline {
	host = strings.ToLower(host)
	var out []*Pipeline
	for _, p := range t.pipelines {
		for _, em := range p.endpoints {
			if em.matches(host, path) {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// PipelineCount returns the number of compiled pipelines.
func (t *Table) PipelineCount() int {
	return len(t.pipelines)
}

// EndpointCount returns the number of declared apiEndpoints.
func (t *Table) EndpointCount() int {
	return len(t.endpoints)
}

// RouteInfo describes one compiled pipeline for inspection surfaces.
type RouteInfo struct {
	Pipeline     string   `json:"pipeline"`
	APIEndpoints []string `json:"api_endpoints"`
	Policies     []string `json:"policies"`
}

// Routes lists the compiled pipelines in declaration order.
func (t *Table) Routes() []RouteInfo {
	out := make([]RouteInfo, 0, len(t.pipelines))
	for _, p := range t.pipelines {
		out = append(out, RouteInfo{
			Pipeline:     p.name,
			APIEndpoints: append([]string(nil), p.endpointNames...),
			Policies:     append([]string(nil), p.policyNames...),
		})
	}
	return out
}

// EndpointInfo describes one declared apiEndpoint.
type EndpointInfo struct {
	Name         string   `json:"name"`
	HostPattern  string   `json:"host_pattern"`
	PathPatterns []string `json:"path_patterns"`
}

// Endpoints lists the declared apiEndpoints sorted by name.
func (t *Table) Endpoints() []EndpointInfo {
	out := make([]EndpointInfo, 0, len(t.endpoints))
	for _, em := range t.endpoints {
		out = append(out, EndpointInfo{
			Name:         em.name,
			HostPattern:  em.hostPattern,
			PathPatterns: append([]string(nil), em.pathPatterns...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
