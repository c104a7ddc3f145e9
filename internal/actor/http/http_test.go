package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/event"
)

func initActor(t *testing.T, cfg connector.Config) *Actor {
	t.Helper()
	a := New().(*Actor)
	if err := a.Init(cfg); err != nil {
		t.Fatalf("init: %v", err)
	}
	return a
}

func TestDeliverClassification(t *testing.T) {
	var status atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if len(body) == 0 {
			t.Error("empty body posted")
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	a := initActor(t, connector.Config{"url": srv.URL})
	ev := event.New("gh", event.TypeResourceChanged)

	tests := []struct {
		code int
		want connector.DeliveryStatus
	}{
		{200, connector.StatusDelivered},
		{202, connector.StatusDelivered},
		{400, connector.StatusRejected},
		{404, connector.StatusRejected},
		{408, connector.StatusError},
		{429, connector.StatusError},
		{500, connector.StatusError},
		{503, connector.StatusError},
	}
	for _, tt := range tests {
		status.Store(int64(tt.code))
		res := a.Deliver(context.Background(), ev, nil)
		if res.Status != tt.want {
			t.Errorf("code %d: status = %q, want %q", tt.code, res.Status, tt.want)
		}
	}
}

func TestDeliverConnectionErrorIsRetryable(t *testing.T) {
	a := initActor(t, connector.Config{"url": "http://127.0.0.1:1/nothing"})
	res := a.Deliver(context.Background(), event.New("gh", event.TypeResourceChanged), nil)
	if res.Status != connector.StatusError {
		t.Fatalf("status = %q, want error", res.Status)
	}
}

func TestRouteConfigOverridesURL(t *testing.T) {
	hit := atomic.Bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hit.Store(true)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := initActor(t, connector.Config{"url": "http://127.0.0.1:1/ignored"})
	res := a.Deliver(context.Background(), event.New("gh", event.TypeResourceChanged),
		connector.Config{"url": srv.URL})
	if res.Status != connector.StatusDelivered || !hit.Load() {
		t.Fatalf("override not used: %+v", res)
	}
}

func TestInitRequiresURL(t *testing.T) {
	if err := (&Actor{}).Init(connector.Config{}); err == nil {
		t.Fatal("Init accepted a missing url")
	}
}

func TestHeadersApplied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("auth header = %q", r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := initActor(t, connector.Config{
		"url":     srv.URL,
		"headers": map[string]any{"Authorization": "Bearer tok"},
	})
	if res := a.Deliver(context.Background(), event.New("gh", event.TypeResourceChanged), nil); res.Status != connector.StatusDelivered {
		t.Fatalf("status = %q", res.Status)
	}
}
