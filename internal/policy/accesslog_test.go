package policy

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wudi/aigate/internal/logging"
)

// captureLogs swaps the global logger for an observer for one test.
func captureLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.InfoLevel)
	prev := logging.Global()
	logging.SetGlobal(zap.New(core))
	t.Cleanup(func() { logging.SetGlobal(prev) })
	return logs
}

func TestAccessLogEmitsEntry(t *testing.T) {
	logs := captureLogs(t)
	mw := buildPolicy(t, "accessLog", nil, nil)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream error"))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/chat/completions?stream=true", nil))

	entries := logs.FilterMessage("HTTP request").All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	ctx := entries[0].ContextMap()
	if ctx["method"] != "POST" {
		t.Fatalf("method = %v", ctx["method"])
	}
	if ctx["path"] != "/v1/chat/completions" {
		t.Fatalf("path = %v", ctx["path"])
	}
	if ctx["status"] != int64(http.StatusBadGateway) {
		t.Fatalf("status = %v", ctx["status"])
	}
	if ctx["body_bytes"] != int64(len("upstream error")) {
		t.Fatalf("body_bytes = %v", ctx["body_bytes"])
	}
	if ctx["query"] != "stream=true" {
		t.Fatalf("query = %v", ctx["query"])
	}
}

func TestAccessLogSkipPaths(t *testing.T) {
	logs := captureLogs(t)
	mw := buildPolicy(t, "accessLog", map[string]interface{}{
		"skipPaths": []interface{}{"/healthz"},
	}, nil)
	handler := mw(echoNext("ok"))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	entries := logs.FilterMessage("HTTP request").All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if got := entries[0].ContextMap()["path"]; got != "/v1/models" {
		t.Fatalf("logged path = %v", got)
	}
}

func TestAccessLogSampleRateZero(t *testing.T) {
	logs := captureLogs(t)
	mw := buildPolicy(t, "accessLog", map[string]interface{}{"sampleRate": 0}, nil)
	handler := mw(echoNext("ok"))

	for i := 0; i < 20; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}
	if n := len(logs.All()); n != 0 {
		t.Fatalf("sampleRate 0 logged %d entries", n)
	}
}

func TestAccessLogMasksSensitiveHeaders(t *testing.T) {
	logs := captureLogs(t)
	mw := buildPolicy(t, "accessLog", map[string]interface{}{
		"headers": []interface{}{"Authorization", "X-AI-Provider"},
	}, nil)
	handler := mw(echoNext("ok"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer sk-secret")
	req.Header.Set("X-AI-Provider", "anthropic")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("HTTP request").All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries", len(entries))
	}
	captured, ok := entries[0].ContextMap()["request_headers"].(map[string]string)
	if !ok {
		t.Fatalf("request_headers missing or wrong type: %v", entries[0].ContextMap()["request_headers"])
	}
	if captured["Authorization"] != "***" {
		t.Fatalf("Authorization = %q, want masked", captured["Authorization"])
	}
	if captured["X-Ai-Provider"] != "anthropic" {
		t.Fatalf("X-Ai-Provider = %q", captured["X-Ai-Provider"])
	}
}
