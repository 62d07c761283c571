package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wudi/aigate/internal/config"
)

func testConfig(url string, events []string) config.WebhooksConfig {
	return config.WebhooksConfig{
		Enabled:   true,
		Timeout:   2 * time.Second,
		Workers:   2,
		QueueSize: 100,
		Retry: config.WebhookRetryConfig{
			MaxRetries: 1,
			Backoff:    5 * time.Millisecond,
			MaxBackoff: 20 * time.Millisecond,
		},
		Endpoints: []config.WebhookEndpoint{
			{URL: url, Events: events},
		},
	}
}

func TestDeliveryPayloadAndHeaders(t *testing.T) {
	var received *Event
	var headers http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		var evt Event
		json.Unmarshal(body, &evt)
		received = &evt
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDispatcher(testConfig(server.URL, []string{"circuit_breaker.*"}))
	defer d.Close()

	d.Emit(NewEvent(BreakerStateChange, "anthropic", map[string]interface{}{
		"from": "closed",
		"to":   "open",
	}))
	time.Sleep(200 * time.Millisecond)

	if received == nil {
		t.Fatal("event was not delivered")
	}
	if received.Type != BreakerStateChange {
		t.Errorf("type = %s", received.Type)
	}
	if received.Provider != "anthropic" {
		t.Errorf("provider = %q", received.Provider)
	}
	if received.Data["from"] != "closed" || received.Data["to"] != "open" {
		t.Errorf("data = %v", received.Data)
	}
	if received.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}

	if got := headers.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := headers.Get("X-Webhook-Event"); got != string(BreakerStateChange) {
		t.Errorf("X-Webhook-Event = %q", got)
	}
	if headers.Get("X-Webhook-Timestamp") == "" {
		t.Error("X-Webhook-Timestamp missing")
	}
	if headers.Get("X-Webhook-Signature") != "" {
		t.Error("signature present without a secret")
	}
}

func TestHMACSignature(t *testing.T) {
	secret := "test-secret-123"
	var receivedBody []byte
	var sigHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sigHeader = r.Header.Get("X-Webhook-Signature")
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := testConfig(server.URL, []string{"*"})
	cfg.Endpoints[0].Secret = secret
	d := NewDispatcher(cfg)
	defer d.Close()

	d.Emit(NewEvent(ConfigReloadSuccess, "", nil))
	time.Sleep(200 * time.Millisecond)

	if sigHeader == "" {
		t.Fatal("X-Webhook-Signature missing")
	}
	if sigHeader[:7] != "sha256=" {
		t.Fatalf("signature prefix = %q", sigHeader[:7])
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(receivedBody)
	if want := hex.EncodeToString(mac.Sum(nil)); sigHeader[7:] != want {
		t.Errorf("signature = %s, want %s", sigHeader[7:], want)
	}
}

func TestEventSubscription(t *testing.T) {
	tests := []struct {
		name    string
		filter  []string
		event   EventType
		matched bool
	}{
		{"exact match", []string{"config.reload_success"}, ConfigReloadSuccess, true},
		{"exact no match", []string{"config.reload_success"}, ConfigReloadFailure, false},
		{"family wildcard", []string{"circuit_breaker.*"}, BreakerStateChange, true},
		{"family excludes others", []string{"circuit_breaker.*"}, ConfigReloadSuccess, false},
		{"star matches all", []string{"*"}, BreakerStateChange, true},
		{"multiple patterns", []string{"circuit_breaker.*", "config.*"}, ConfigReloadFailure, true},
		{"empty filter matches all", nil, BreakerStateChange, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep := config.WebhookEndpoint{Events: tt.filter}
			if got := subscribed(ep, tt.event); got != tt.matched {
				t.Errorf("subscribed(%v, %s) = %v, want %v", tt.filter, tt.event, got, tt.matched)
			}
		})
	}
}

func TestRetryOn500(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := testConfig(server.URL, []string{"*"})
	cfg.Retry.MaxRetries = 3
	d := NewDispatcher(cfg)
	defer d.Close()

	d.Emit(NewEvent(BreakerStateChange, "openai", nil))
	time.Sleep(500 * time.Millisecond)

	if got := calls.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	stats := d.Stats()
	if stats.Delivery.Delivered != 1 {
		t.Errorf("delivered = %d", stats.Delivery.Delivered)
	}
	if stats.Delivery.Retries != 2 {
		t.Errorf("retries = %d", stats.Delivery.Retries)
	}
}

func TestClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	cfg := testConfig(server.URL, []string{"*"})
	cfg.Retry.MaxRetries = 3
	d := NewDispatcher(cfg)
	defer d.Close()

	d.Emit(NewEvent(ConfigReloadFailure, "", nil))
	time.Sleep(300 * time.Millisecond)

	if got := calls.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	stats := d.Stats()
	if stats.Delivery.Failed != 1 {
		t.Errorf("failed = %d", stats.Delivery.Failed)
	}
	if stats.Delivery.Retries != 0 {
		t.Errorf("retries = %d", stats.Delivery.Retries)
	}
}

func TestQueueFullDropsEvent(t *testing.T) {
	cfg := config.WebhooksConfig{
		Enabled:   true,
		QueueSize: 1,
		Endpoints: []config.WebhookEndpoint{
			{URL: "http://localhost:1", Events: []string{"*"}},
		},
	}
	d := NewDispatcher(cfg)

	// Stop the workers so nothing drains the queue.
	d.cancel()
	d.wg.Wait()

	d.Emit(NewEvent(BreakerStateChange, "openai", nil))
	d.Emit(NewEvent(BreakerStateChange, "openai", nil))

	if got := d.dropped.Load(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
}

func TestUpdateEndpoints(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDispatcher(testConfig("http://localhost:1", []string{"*"}))
	defer d.Close()

	d.UpdateEndpoints([]config.WebhookEndpoint{
		{URL: server.URL, Events: []string{"*"}},
	})

	d.Emit(NewEvent(ConfigReloadSuccess, "", nil))
	time.Sleep(200 * time.Millisecond)

	if calls.Load() != 1 {
		t.Errorf("deliveries after endpoint update = %d, want 1", calls.Load())
	}
}

func TestStats(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDispatcher(testConfig(server.URL, []string{"*"}))
	defer d.Close()

	d.Emit(NewEvent(BreakerStateChange, "openai", nil))
	d.Emit(NewEvent(ConfigReloadSuccess, "", nil))
	time.Sleep(200 * time.Millisecond)

	stats := d.Stats()
	if !stats.Enabled {
		t.Error("enabled = false")
	}
	if stats.Endpoints != 1 {
		t.Errorf("endpoints = %d", stats.Endpoints)
	}
	if stats.QueueSize != 100 {
		t.Errorf("queue size = %d", stats.QueueSize)
	}
	if stats.Delivery.Emitted != 2 {
		t.Errorf("emitted = %d", stats.Delivery.Emitted)
	}
	if stats.Delivery.Delivered != 2 {
		t.Errorf("delivered = %d", stats.Delivery.Delivered)
	}
	if len(stats.RecentEvents) != 2 {
		t.Errorf("recent events = %d", len(stats.RecentEvents))
	}
}

func TestCustomHeaders(t *testing.T) {
	var headers http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := testConfig(server.URL, []string{"*"})
	cfg.Endpoints[0].Headers = map[string]string{"X-Team": "platform"}
	d := NewDispatcher(cfg)
	defer d.Close()

	d.Emit(NewEvent(ConfigReloadSuccess, "", nil))
	time.Sleep(200 * time.Millisecond)

	if got := headers.Get("X-Team"); got != "platform" {
		t.Errorf("X-Team = %q", got)
	}
}

func TestSignPayload(t *testing.T) {
	secret := "mysecret"
	payload := []byte(`{"type":"config.reload_success"}`)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	want := hex.EncodeToString(mac.Sum(nil))

	if got := signPayload(secret, payload); got != want {
		t.Errorf("signPayload = %s, want %s", got, want)
	}
}
