package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// GatewayError represents an error that can be returned to clients.
// Status is the HTTP status code; Code is the stable symbolic identifier
// clients should branch on.
type GatewayError struct {
	Status     int    `json:"status"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response.
// For base errors (no details/requestID), uses pre-serialized JSON to avoid allocations.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(envelope{e})
}

// envelope wraps every serialized error under an "error" key.
type envelope struct {
	Error *GatewayError `json:"error"`
}

// Common errors
var (
	ErrNotFound = &GatewayError{
		Status:  http.StatusNotFound,
		Code:    "NOT_FOUND",
		Message: "Not Found",
	}

	ErrMethodNotAllowed = &GatewayError{
		Status:  http.StatusMethodNotAllowed,
		Code:    "METHOD_NOT_ALLOWED",
		Message: "Method Not Allowed",
	}

	ErrUnauthorized = &GatewayError{
		Status:  http.StatusUnauthorized,
		Code:    "UNAUTHORIZED",
		Message: "Unauthorized",
	}

	ErrForbidden = &GatewayError{
		Status:  http.StatusForbidden,
		Code:    "FORBIDDEN",
		Message: "Forbidden",
	}

	ErrTooManyRequests = &GatewayError{
		Status:  http.StatusTooManyRequests,
		Code:    "RATE_LIMITED",
		Message: "Too Many Requests",
	}

	ErrBadGateway = &GatewayError{
		Status:  http.StatusBadGateway,
		Code:    "BAD_GATEWAY",
		Message: "Bad Gateway",
	}

	ErrServiceUnavailable = &GatewayError{
		Status:  http.StatusServiceUnavailable,
		Code:    "SERVICE_UNAVAILABLE",
		Message: "Service Unavailable",
	}

	ErrGatewayTimeout = &GatewayError{
		Status:  http.StatusGatewayTimeout,
		Code:    "GATEWAY_TIMEOUT",
		Message: "Gateway Timeout",
	}

	ErrBadRequest = &GatewayError{
		Status:  http.StatusBadRequest,
		Code:    "BAD_REQUEST",
		Message: "Bad Request",
	}

	ErrInternalServer = &GatewayError{
		Status:  http.StatusInternalServerError,
		Code:    "INTERNAL_ERROR",
		Message: "Internal Server Error",
	}

	ErrPayloadTooLarge = &GatewayError{
		Status:  http.StatusRequestEntityTooLarge,
		Code:    "PAYLOAD_TOO_LARGE",
		Message: "Request Entity Too Large",
	}

	ErrPolicyFailure = &GatewayError{
		Status:  http.StatusInternalServerError,
		Code:    "POLICY_ERROR",
		Message: "Policy Execution Failed",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrNotFound, ErrMethodNotAllowed, ErrUnauthorized, ErrForbidden,
		ErrTooManyRequests, ErrBadGateway, ErrServiceUnavailable,
		ErrGatewayTimeout, ErrBadRequest, ErrInternalServer,
		ErrPayloadTooLarge, ErrPolicyFailure,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(envelope{e})
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new GatewayError.
func New(status int, code, message string) *GatewayError {
	return &GatewayError{
		Status:  status,
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with client-facing status, code and message.
func Wrap(err error, status int, code, message string) *GatewayError {
	return &GatewayError{
		Status:     status,
		Code:       code,
		Message:    message,
		underlying: err,
	}
}

// WithDetails returns a copy with the details field set.
func (e *GatewayError) WithDetails(details string) *GatewayError {
	clone := *e
	clone.Details = details
	return &clone
}

// WithRequestID returns a copy with the request ID set.
func (e *GatewayError) WithRequestID(id string) *GatewayError {
	clone := *e
	clone.RequestID = id
	return &clone
}

// WithRetryAfter returns a copy with the retry guidance set, in seconds.
func (e *GatewayError) WithRetryAfter(seconds int) *GatewayError {
	clone := *e
	clone.RetryAfter = seconds
	return &clone
}

// IsGatewayError reports whether err is a *GatewayError, returning it if so.
func IsGatewayError(err error) (*GatewayError, bool) {
	ge, ok := err.(*GatewayError)
	return ge, ok
}
