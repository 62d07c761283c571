package policy

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wudi/aigate/internal/middleware"
)

func TestRequestIDGenerated(t *testing.T) {
	mw := buildPolicy(t, "requestId", nil, nil)

	var fromCtx, fromHeader string
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fromCtx = middleware.GetRequestID(r)
		fromHeader = r.Header.Get("X-Request-ID")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil))

	id := rec.Header().Get("X-Request-ID")
	if id == "" {
		t.Fatal("response X-Request-ID not set")
	}
	if fromHeader != id {
		t.Fatalf("request header %q != response header %q", fromHeader, id)
	}
	if fromCtx != id {
		t.Fatalf("context id %q != header id %q", fromCtx, id)
	}
}

func TestRequestIDTrustsIncoming(t *testing.T) {
	mw := buildPolicy(t, "requestId", nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "client-supplied-1")
	rec := httptest.NewRecorder()
	mw(echoNext("ok")).ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "client-supplied-1" {
		t.Fatalf("X-Request-ID = %q, want client-supplied-1", got)
	}
}

func TestRequestIDIgnoresIncomingWhenUntrusted(t *testing.T) {
	mw := buildPolicy(t, "requestId", map[string]interface{}{"trustHeader": false}, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "spoofed")
	rec := httptest.NewRecorder()
	mw(echoNext("ok")).ServeHTTP(rec, req)

	got := rec.Header().Get("X-Request-ID")
	if got == "" || got == "spoofed" {
		t.Fatalf("expected fresh id, got %q", got)
	}
}

func TestRequestIDCustomHeader(t *testing.T) {
	mw := buildPolicy(t, "requestId", map[string]interface{}{"header": "X-Correlation-ID"}, nil)

	rec := httptest.NewRecorder()
	mw(echoNext("ok")).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Header().Get("X-Correlation-ID") == "" {
		t.Fatal("X-Correlation-ID not set")
	}
	if rec.Header().Get("X-Request-ID") != "" {
		t.Fatal("default header should not be set")
	}
}
