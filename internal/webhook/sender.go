package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/wudi/aigate/internal/config"
)

// deliver POSTs one event to one endpoint. The payload is signed with
// the endpoint secret so subscribers can verify origin.
func (d *Dispatcher) deliver(ep config.WebhookEndpoint, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("marshal event: %w", err))
	}

	req, err := http.NewRequestWithContext(d.ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", string(event.Type))
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	if ep.Secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+signPayload(ep.Secret, payload))
	}
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", ep.URL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		// 5xx is retryable
		return fmt.Errorf("subscriber error: status %d", resp.StatusCode)
	default:
		// 4xx means the subscriber rejected this payload for good
		return backoff.Permanent(fmt.Errorf("subscriber rejected: status %d", resp.StatusCode))
	}
}

// signPayload computes the HMAC-SHA256 hex digest subscribers recompute
// to verify the X-Webhook-Signature header.
func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
