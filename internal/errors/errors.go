package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// MarkerHeader distinguishes gateway-originated failures from backend
// responses. Backend error statuses are relayed without this header.
const MarkerHeader = "X-Gateway-Error"

// Kind is the machine-readable error classification.
type Kind string

const (
	KindRouteNotFound     Kind = "route_not_found"
	KindMethodNotAllowed  Kind = "method_not_allowed"
	KindNoHealthyUpstream Kind = "no_healthy_upstream"
	KindConnectFailure    Kind = "connect_failure"
	KindUpstreamTimeout   Kind = "upstream_timeout"
	KindUpstreamError     Kind = "upstream_error"
	KindRetryExhausted    Kind = "retry_exhausted"
	KindInvalidRouteSet   Kind = "invalid_route_set"
	KindMiddlewareAborted Kind = "middleware_aborted"
)

// GatewayError represents an error that can be returned to clients.
type GatewayError struct {
	Kind       Kind   `json:"kind"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
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

// WriteJSON writes the error as JSON to the response, with the gateway
// marker header set. Base errors use pre-serialized bytes.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(MarkerHeader, string(e.Kind))
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// WriteMethodNotAllowed writes a 405 with the Allow header listing permitted methods.
func WriteMethodNotAllowed(w http.ResponseWriter, allowed []string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	ErrMethodNotAllowed.WriteJSON(w)
}

// Common errors
var (
	ErrRouteNotFound = &GatewayError{
		Kind:    KindRouteNotFound,
		Code:    http.StatusNotFound,
		Message: "no route matches the request path",
	}

	ErrMethodNotAllowed = &GatewayError{
		Kind:    KindMethodNotAllowed,
		Code:    http.StatusMethodNotAllowed,
		Message: "method not allowed for this route",
	}

	ErrNoHealthyUpstream = &GatewayError{
		Kind:    KindNoHealthyUpstream,
		Code:    http.StatusServiceUnavailable,
		Message: "no healthy upstream instance available",
	}

	ErrConnectFailure = &GatewayError{
		Kind:    KindConnectFailure,
		Code:    http.StatusBadGateway,
		Message: "could not connect to upstream",
	}

	ErrUpstreamTimeout = &GatewayError{
		Kind:    KindUpstreamTimeout,
		Code:    http.StatusGatewayTimeout,
		Message: "upstream did not respond in time",
	}

	ErrRetryExhausted = &GatewayError{
		Kind:    KindRetryExhausted,
		Code:    http.StatusServiceUnavailable,
		Message: "all retry attempts failed",
	}

	ErrInvalidRouteSet = &GatewayError{
		Kind:    KindInvalidRouteSet,
		Code:    http.StatusInternalServerError,
		Message: "route set rejected by validation",
	}

	ErrMiddlewareAborted = &GatewayError{
		Kind:    KindMiddlewareAborted,
		Code:    http.StatusInternalServerError,
		Message: "request aborted by middleware",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrRouteNotFound, ErrMethodNotAllowed, ErrNoHealthyUpstream,
		ErrConnectFailure, ErrUpstreamTimeout, ErrRetryExhausted,
		ErrInvalidRouteSet, ErrMiddlewareAborted,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new GatewayError.
func New(kind Kind, code int, message string) *GatewayError {
	return &GatewayError{
		Kind:    kind,
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with a kind and status code.
func Wrap(err error, kind Kind, code int, message string) *GatewayError {
	return &GatewayError{
		Kind:       kind,
		Code:       code,
		Message:    message,
		underlying: err,
	}
}

// WithDetails returns a copy with details attached.
func (e *GatewayError) WithDetails(details string) *GatewayError {
	return &GatewayError{
		Kind:       e.Kind,
		Code:       e.Code,
		Message:    e.Message,
		Details:    details,
		RequestID:  e.RequestID,
		underlying: e.underlying,
	}
}

// WithRequestID returns a copy with the request ID attached.
func (e *GatewayError) WithRequestID(requestID string) *GatewayError {
	return &GatewayError{
		Kind:       e.Kind,
		Code:       e.Code,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  requestID,
		underlying: e.underlying,
	}
}

// AsGatewayError checks if an error is a GatewayError.
func AsGatewayError(err error) (*GatewayError, bool) {
	if ge, ok := err.(*GatewayError); ok {
		return ge, true
	}
	return nil, false
}
