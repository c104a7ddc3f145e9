package observability

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func probe(t *testing.T, h http.Handler, path string) (int, map[string]string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad body %q: %v", rec.Body.String(), err)
	}
	return rec.Code, body
}

func TestHealthFollowsLifecycle(t *testing.T) {
	h := NewHealthServer()
	handler := h.Handler()

	if code, body := probe(t, handler, "/readyz"); code != http.StatusServiceUnavailable || body["state"] != "starting" {
		t.Fatalf("starting: code=%d body=%v", code, body)
	}

	h.SetState(StateReady)
	if code, body := probe(t, handler, "/readyz"); code != http.StatusOK || body["state"] != "ready" {
		t.Fatalf("ready: code=%d body=%v", code, body)
	}

	h.SetState(StateDraining)
	if code, body := probe(t, handler, "/readyz"); code != http.StatusServiceUnavailable || body["state"] != "draining" {
		t.Fatalf("draining: code=%d body=%v", code, body)
	}

	// healthz stays 200 through every state; only the state field moves.
	code, body := probe(t, handler, "/healthz")
	if code != http.StatusOK || body["status"] != "ok" || body["state"] != "draining" {
		t.Fatalf("healthz: code=%d body=%v", code, body)
	}
	if body["uptime"] == "" {
		t.Fatal("healthz missing uptime")
	}
}
