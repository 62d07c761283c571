package webhook

import (
	"strings"
	"time"
)

// EventType names one kind of gateway event.
type EventType string

const (
	BreakerStateChange  EventType = "circuit_breaker.state_change"
	ConfigReloadSuccess EventType = "config.reload_success"
	ConfigReloadFailure EventType = "config.reload_failure"
)

// Event is the delivery payload. Provider is set for circuit breaker
// events and empty for gateway-wide ones.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Provider  string                 `json:"provider,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NewEvent stamps an event with the current time.
func NewEvent(typ EventType, provider string, data map[string]interface{}) *Event {
	return &Event{
		Type:      typ,
		Timestamp: time.Now(),
		Provider:  provider,
		Data:      data,
	}
}

// matchesPattern reports whether a subscription pattern covers an event
// type. "*" covers everything, "circuit_breaker.*" covers the family,
// anything else is an exact match.
func matchesPattern(eventType EventType, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, ".*")
		return strings.HasPrefix(string(eventType), prefix+".")
	}
	return string(eventType) == pattern
}
