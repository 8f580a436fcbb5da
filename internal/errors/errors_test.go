package errors

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"
)

func TestWriteJSONBaseError(t *testing.T) {
	w := httptest.NewRecorder()
	ErrRouteNotFound.WriteJSON(w)

	if w.Code != 404 {
		t.Errorf("expected status 404, got %d", w.Code)
	}
	if got := w.Header().Get(MarkerHeader); got != "route_not_found" {
		t.Errorf("expected marker header route_not_found, got %q", got)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["kind"] != "route_not_found" {
		t.Errorf("expected kind route_not_found, got %v", body["kind"])
	}
	if body["code"] != float64(404) {
		t.Errorf("expected code 404, got %v", body["code"])
	}
}

func TestWriteJSONWithDetails(t *testing.T) {
	w := httptest.NewRecorder()
	ErrRetryExhausted.WithDetails("3 attempts against cluster users").WriteJSON(w)

	if w.Code != 503 {
		t.Errorf("expected status 503, got %d", w.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["details"] != "3 attempts against cluster users" {
		t.Errorf("unexpected details: %v", body["details"])
	}
}

func TestWriteMethodNotAllowed(t *testing.T) {
	w := httptest.NewRecorder()
	WriteMethodNotAllowed(w, []string{"GET", "POST"})

	if w.Code != 405 {
		t.Errorf("expected status 405, got %d", w.Code)
	}
	if got := w.Header().Get("Allow"); got != "GET, POST" {
		t.Errorf("expected Allow header 'GET, POST', got %q", got)
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := fmt.Errorf("dial tcp: connection refused")
	err := Wrap(cause, KindConnectFailure, 502, "could not connect to upstream")

	if err.Unwrap() != cause {
		t.Error("expected Unwrap to return the cause")
	}
	if err.Error() != "could not connect to upstream: dial tcp: connection refused" {
		t.Errorf("unexpected message: %s", err.Error())
	}
}

func TestAsGatewayError(t *testing.T) {
	if _, ok := AsGatewayError(fmt.Errorf("plain")); ok {
		t.Error("plain error should not be a GatewayError")
	}
	if ge, ok := AsGatewayError(ErrUpstreamTimeout); !ok || ge.Kind != KindUpstreamTimeout {
		t.Error("expected ErrUpstreamTimeout to be recognized")
	}
}

func TestWithRequestIDDoesNotMutateBase(t *testing.T) {
	derived := ErrNoHealthyUpstream.WithRequestID("req-1")
	if ErrNoHealthyUpstream.RequestID != "" {
		t.Error("base error mutated by WithRequestID")
	}
	if derived.RequestID != "req-1" {
		t.Errorf("expected req-1, got %q", derived.RequestID)
	}
}
