package conditions

import (
	"crypto/tls"
	"crypto/x509"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newReq(t *testing.T, method, target string, body string) *Request {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	return NewRequest(r)
}

func mustCompile(t *testing.T, e *Engine, spec Spec) Predicate {
	t.Helper()
	pred, err := e.Compile(spec)
	if err != nil {
		t.Fatalf("Compile(%v): %v", spec, err)
	}
	return pred
}

// probeBuilder returns a condition that records evaluation and yields result.
func probeBuilder(evaluated *bool, result bool) Builder {
	return func(_ Spec, _ CompileFunc) (Predicate, error) {
		return func(*Request) bool {
			*evaluated = true
			return result
		}, nil
	}
}

func TestVacuousCombinators(t *testing.T) {
	e := NewEngine()
	req := newReq(t, http.MethodGet, "/", "")

	if !mustCompile(t, e, Spec{"name": "allOf"})(req) {
		t.Error("allOf with no children = false, want true")
	}
	if !mustCompile(t, e, Spec{"name": "allOf", "conditions": []interface{}{}})(req) {
		t.Error("allOf([]) = false, want true")
	}
	if mustCompile(t, e, Spec{"name": "oneOf"})(req) {
		t.Error("oneOf with no children = true, want false")
	}
	if mustCompile(t, e, Spec{"name": "oneOf", "conditions": []interface{}{}})(req) {
		t.Error("oneOf([]) = true, want false")
	}
}

func TestAllOfShortCircuit(t *testing.T) {
	e := NewEngine()
	evaluated := false
	e.Register("probe", probeBuilder(&evaluated, true))

	pred := mustCompile(t, e, Spec{
		"name": "allOf",
		"conditions": []interface{}{
			map[string]interface{}{"name": "never"},
			map[string]interface{}{"name": "probe"},
		},
	})

	if pred(newReq(t, http.MethodGet, "/", "")) {
		t.Error("allOf([never, probe]) = true")
	}
	if evaluated {
		t.Error("probe evaluated after never, want short-circuit")
	}
}

func TestOneOfShortCircuit(t *testing.T) {
	e := NewEngine()
	evaluated := false
	e.Register("probe", probeBuilder(&evaluated, false))

	pred := mustCompile(t, e, Spec{
		"name": "oneOf",
		"conditions": []interface{}{
			map[string]interface{}{"name": "always"},
			map[string]interface{}{"name": "probe"},
		},
	})

	if !pred(newReq(t, http.MethodGet, "/", "")) {
		t.Error("oneOf([always, probe]) = false")
	}
	if evaluated {
		t.Error("probe evaluated after always, want short-circuit")
	}
}

func TestNot(t *testing.T) {
	e := NewEngine()
	req := newReq(t, http.MethodGet, "/", "")

	pred := mustCompile(t, e, Spec{
		"name":      "not",
		"condition": map[string]interface{}{"name": "never"},
	})
	if !pred(req) {
		t.Error("not(never) = false, want true")
	}

	if _, err := e.Compile(Spec{"name": "not"}); err == nil {
		t.Error("not without child compiled")
	}
}

func TestPathExact(t *testing.T) {
	e := NewEngine()
	pred := mustCompile(t, e, Spec{"name": "pathExact", "path": "/v1/chat"})

	tests := []struct {
		target string
		want   bool
	}{
		{"/v1/chat", true},
		{"/v1/chat/", false},
		{"/v1/other", false},
		{"/v1/x/../chat", true}, // normalized before comparison
	}
	for _, tt := range tests {
		if got := pred(newReq(t, http.MethodGet, tt.target, "")); got != tt.want {
			t.Errorf("pathExact(%q) = %v, want %v", tt.target, got, tt.want)
		}
	}
}

func TestPathMatch(t *testing.T) {
	e := NewEngine()
	pred := mustCompile(t, e, Spec{"name": "pathMatch", "pattern": `^/v1/models/[^/]+$`})

	if !pred(newReq(t, http.MethodGet, "/v1/models/gpt-4", "")) {
		t.Error("pattern did not match /v1/models/gpt-4")
	}
	if pred(newReq(t, http.MethodGet, "/v1/models/gpt-4/versions", "")) {
		t.Error("pattern matched a deeper path")
	}

	if _, err := e.Compile(Spec{"name": "pathMatch", "pattern": "["}); err == nil {
		t.Error("invalid regex compiled")
	}
}

func TestMethod(t *testing.T) {
	e := NewEngine()

	single := mustCompile(t, e, Spec{"name": "method", "methods": "post"})
	if !single(newReq(t, http.MethodPost, "/", "")) {
		t.Error("method(post) did not match POST")
	}
	if single(newReq(t, http.MethodGet, "/", "")) {
		t.Error("method(post) matched GET")
	}

	list := mustCompile(t, e, Spec{
		"name":    "method",
		"methods": []interface{}{"GET", "HEAD"},
	})
	if !list(newReq(t, http.MethodHead, "/", "")) {
		t.Error("method list did not match HEAD")
	}
	if list(newReq(t, http.MethodDelete, "/", "")) {
		t.Error("method list matched DELETE")
	}

	if _, err := e.Compile(Spec{"name": "method", "methods": []interface{}{}}); err == nil {
		t.Error("empty methods list compiled")
	}
}

func TestTLSClientAuthenticated(t *testing.T) {
	e := NewEngine()
	pred := mustCompile(t, e, Spec{"name": "tlsClientAuthenticated"})

	plain := httptest.NewRequest(http.MethodGet, "/", nil)
	if pred(NewRequest(plain)) {
		t.Error("plaintext request reported as client-authenticated")
	}

	unverified := httptest.NewRequest(http.MethodGet, "/", nil)
	unverified.TLS = &tls.ConnectionState{}
	if pred(NewRequest(unverified)) {
		t.Error("TLS without verified chain reported as client-authenticated")
	}

	verified := httptest.NewRequest(http.MethodGet, "/", nil)
	verified.TLS = &tls.ConnectionState{
		VerifiedChains: [][]*x509.Certificate{{{}}},
	}
	if !pred(NewRequest(verified)) {
		t.Error("verified client chain not detected")
	}
}

func TestFirstRegistrationWins(t *testing.T) {
	e := NewEngine()
	e.Register("always", func(_ Spec, _ CompileFunc) (Predicate, error) {
		return func(*Request) bool { return false }, nil
	})

	pred := mustCompile(t, e, Spec{"name": "always"})
	if !pred(newReq(t, http.MethodGet, "/", "")) {
		t.Error("re-registration overrode the builtin always")
	}
}

func TestUnknownCondition(t *testing.T) {
	e := NewEngine()
	if _, err := e.Compile(Spec{"name": "bogus"}); err == nil || !strings.Contains(err.Error(), "unknown condition") {
		t.Errorf("err = %v, want unknown condition", err)
	}
	if _, err := e.Compile(Spec{}); err == nil {
		t.Error("empty descriptor compiled")
	}
	if _, err := e.Compile(Spec{"name": 7}); err == nil {
		t.Error("non-string name compiled")
	}
}

func TestDepthLimit(t *testing.T) {
	e := NewEngine()

	spec := map[string]interface{}{"name": "always"}
	for i := 0; i < maxDepth+2; i++ {
		spec = map[string]interface{}{"name": "not", "condition": spec}
	}
	if _, err := e.Compile(Spec(spec)); err == nil || !strings.Contains(err.Error(), "maximum depth") {
		t.Errorf("err = %v, want depth error", err)
	}
}

func TestBodyRestoredAfterEvaluation(t *testing.T) {
	e := NewEngine()
	pred := mustCompile(t, e, Spec{
		"name": "jsonSchema",
		"schema": map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"model"},
		},
	})

	r := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"model":"gpt-4"}`))
	req := NewRequest(r)
	if !pred(req) {
		t.Fatal("schema did not match valid body")
	}

	// Downstream consumers must still see the whole body.
	data, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatalf("re-read body: %v", err)
	}
	if string(data) != `{"model":"gpt-4"}` {
		t.Errorf("restored body = %q", data)
	}
}

func TestHostStripsPort(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Host = "api.example.com:8443"
	if got := NewRequest(r).Host(); got != "api.example.com" {
		t.Errorf("Host() = %q", got)
	}
}
