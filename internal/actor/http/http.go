// Package http provides a generic actor that POSTs events to an HTTP
// endpoint. Platform-specific connectors live outside the engine; this
// one exists for plain webhook-style targets and for wiring tests.
package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/event"
)

const defaultTimeout = 30 * time.Second

// Actor delivers events as JSON over HTTP. The scheduler owns retry
// pacing; each Deliver is a single attempt classified by status code.
type Actor struct {
	client  *http.Client
	url     string
	method  string
	headers map[string]string
}

// New returns an uninitialized actor for registry use.
func New() connector.Actor { return &Actor{} }

// Init reads the endpoint configuration.
//
//	config:
//	  url: https://example.internal/notify
//	  method: POST
//	  timeout: 30s
//	  headers:
//	    Authorization: Bearer ${NOTIFY_TOKEN}
func (a *Actor) Init(cfg connector.Config) error {
	url, err := cfg.String("url")
	if err != nil {
		return fmt.Errorf("http actor: %w", err)
	}
	a.url = url
	a.method = cfg.OptString("method", http.MethodPost)

	hdrs, err := cfg.Sub("headers")
	if err != nil {
		return fmt.Errorf("http actor: %w", err)
	}
	a.headers = make(map[string]string, len(hdrs))
	for k, v := range hdrs {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("http actor: header %q: expected string, got %T", k, v)
		}
		a.headers[k] = s
	}

	a.client = &http.Client{
		Timeout:   cfg.OptDuration("timeout", defaultTimeout),
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	return nil
}

// Deliver POSTs the event's wire JSON. Per-route config may override
// the url.
func (a *Actor) Deliver(ctx context.Context, ev *event.Event, deliveryCfg connector.Config) connector.Delivery {
	url := a.url
	if deliveryCfg != nil {
		url = deliveryCfg.OptString("url", url)
	}

	body, err := ev.Marshal()
	if err != nil {
		return connector.Rejected(fmt.Errorf("encode event: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, a.method, url, bytes.NewReader(body))
	if err != nil {
		return connector.Rejected(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return connector.Errored(fmt.Errorf("post %s: %w", url, err))
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return connector.Delivered()
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return connector.Errored(fmt.Errorf("post %s: status %d", url, resp.StatusCode))
	default:
		return connector.Rejected(fmt.Errorf("post %s: status %d", url, resp.StatusCode))
	}
}

// Shutdown closes idle connections.
func (a *Actor) Shutdown(context.Context) error {
	if a.client != nil {
		a.client.CloseIdleConnections()
	}
	return nil
}
