package circuitbreaker

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/wudi/aigate/internal/errors"
)

// fallbackResponse is the body served in place of an upstream answer
// when the breaker refuses or aborts a request.
type fallbackResponse struct {
	Error    *errors.GatewayError `json:"error"`
	Provider string               `json:"provider"`
	Stats    Snapshot             `json:"stats"`
}

var rejectionMessages = map[string]string{
	CodeOpen:     "Provider circuit is open",
	CodeHalfOpen: "Provider circuit is testing recovery",
	CodeTimeout:  "Upstream request timed out",
}

// WriteRejection writes the 503 fallback for a request the breaker
// refused to admit.
func WriteRejection(w http.ResponseWriter, provider string, rej *Rejection, stats Snapshot) {
	writeFallback(w, provider, rej.Code, rej.RetryAfter, stats)
}

// WriteTimeout writes the 503 fallback for an admitted request whose
// upstream call hit its deadline.
func WriteTimeout(w http.ResponseWriter, provider string, retryAfter time.Duration, stats Snapshot) {
	writeFallback(w, provider, CodeTimeout, retryAfter, stats)
}

func writeFallback(w http.ResponseWriter, provider, code string, retryAfter time.Duration, stats Snapshot) {
	seconds := retrySeconds(retryAfter)

	ge := errors.New(http.StatusServiceUnavailable, code, rejectionMessages[code]).WithRetryAfter(seconds)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(fallbackResponse{
		Error:    ge,
		Provider: provider,
		Stats:    stats,
	})
}

func retrySeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	seconds := int((d + time.Second - 1) / time.Second)
	if seconds < 1 {
		return 1
	}
	return seconds
}
