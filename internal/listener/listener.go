// Package listener implements the loopback ingestion endpoint:
// webhook and hook POSTs are translated by their registered sources
// and durably appended before the 202 goes out.
package listener

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/event"
	"github.com/orgloop/orgloop/internal/observability"
)

// Accept durably enqueues translated events. The listener responds 202
// only after Accept returns nil.
type Accept func(ctx context.Context, evs []*event.Event) error

// Config holds listener configuration.
type Config struct {
	ListenAddr   string
	MaxBodyBytes int64
}

// DefaultConfig returns the loopback defaults: port 4800, 1 MiB body
// cap.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   "127.0.0.1:4800",
		MaxBodyBytes: 1 << 20,
	}
}

type webhookReg struct {
	source  connector.WebhookSource
	limiter *rate.Limiter
}

// Listener is the ingestion HTTP server.
type Listener struct {
	cfg    Config
	accept Accept
	logger *slog.Logger
	tlog   *observability.TraceLogger

	mu       sync.RWMutex
	webhooks map[string]*webhookReg
	hooks    map[string]connector.HookSource

	server     *http.Server
	ListenAddr string
	ready      chan struct{}
	draining   atomic.Bool
}

// New creates a listener. Sources register before Start.
func New(cfg Config, accept Accept, logger *slog.Logger) (*Listener, error) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:4800"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if accept == nil {
		return nil, fmt.Errorf("listener: accept function is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	host, _, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listener: bad addr %q: %w", cfg.ListenAddr, err)
	}
	if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
		return nil, fmt.Errorf("listener: addr %q is not loopback", cfg.ListenAddr)
	}
	return &Listener{
		cfg:      cfg,
		accept:   accept,
		logger:   logger,
		tlog:     observability.NewTraceLogger(logger),
		webhooks: make(map[string]*webhookReg),
		hooks:    make(map[string]connector.HookSource),
		ready:    make(chan struct{}),
	}, nil
}

// RegisterWebhook routes POST /webhooks/{sourceID} to the source. A
// positive rps installs a token-bucket limit for that source.
func (l *Listener) RegisterWebhook(sourceID string, src connector.WebhookSource, rps float64, burst int) {
	reg := &webhookReg{source: src}
	if rps > 0 {
		if burst <= 0 {
			burst = int(rps)
			if burst < 1 {
				burst = 1
			}
		}
		reg.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	l.mu.Lock()
	l.webhooks[sourceID] = reg
	l.mu.Unlock()
}

// RegisterHook routes POST /hooks/{name} to the source.
func (l *Listener) RegisterHook(name string, src connector.HookSource) {
	l.mu.Lock()
	l.hooks[name] = src
	l.mu.Unlock()
}

// SetDraining makes the listener answer 503 while the engine drains.
func (l *Listener) SetDraining(v bool) {
	l.draining.Store(v)
}

// Ready is closed once the listener is accepting connections.
func (l *Listener) Ready() <-chan struct{} { return l.ready }

// Start begins serving. Blocks until ctx is cancelled.
func (l *Listener) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/{source}", l.handleWebhook)
	mux.HandleFunc("POST /hooks/{hook}", l.handleHook)

	lis, err := net.Listen("tcp", l.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listener: listen %s: %w", l.cfg.ListenAddr, err)
	}
	l.ListenAddr = lis.Addr().String()

	l.server = &http.Server{Handler: otelhttp.NewHandler(mux, "orgloop.ingest")}

	errCh := make(chan error, 1)
	go func() {
		l.logger.Info("ingestion listener starting", "addr", l.ListenAddr)
		close(l.ready)
		if err := l.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		if err := l.server.Shutdown(context.Background()); err != nil {
			l.logger.Error("listener shutdown error", "error", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close stops the server immediately.
func (l *Listener) Close() error {
	if l.server != nil {
		return l.server.Close()
	}
	return nil
}

func (l *Listener) handleWebhook(w http.ResponseWriter, r *http.Request) {
	sourceID := r.PathValue("source")

	l.mu.RLock()
	reg, ok := l.webhooks[sourceID]
	l.mu.RUnlock()
	if !ok {
		http.Error(w, "unknown webhook source", http.StatusNotFound)
		return
	}
	if l.draining.Load() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	if reg.limiter != nil && !reg.limiter.Allow() {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	body, ok := l.readBody(w, r)
	if !ok {
		return
	}

	headers := flattenHeaders(r.Header)
	if isCloudEvent(r.Header.Get("Content-Type")) {
		var err error
		body, err = unwrapCloudEvent(body, headers)
		if err != nil {
			http.Error(w, fmt.Sprintf("bad cloudevent: %v", err), http.StatusBadRequest)
			return
		}
	}

	evs, err := reg.source.HandleWebhook(r.Context(), body, headers)
	if err != nil {
		http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
		return
	}
	l.finish(w, r, sourceID, evs)
}

func (l *Listener) handleHook(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("hook")

	l.mu.RLock()
	src, ok := l.hooks[name]
	l.mu.RUnlock()
	if !ok {
		http.Error(w, "unknown hook", http.StatusNotFound)
		return
	}
	if l.draining.Load() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}

	body, ok := l.readBody(w, r)
	if !ok {
		return
	}

	// Hooks accept NDJSON or a single JSON document; either way the
	// source decodes one event per line.
	var evs []*event.Event
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), int(l.cfg.MaxBodyBytes))
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		ev, err := src.DecodeLine(line)
		if err != nil {
			http.Error(w, fmt.Sprintf("bad hook line: %v", err), http.StatusBadRequest)
			return
		}
		evs = append(evs, ev)
	}
	if err := scanner.Err(); err != nil {
		http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
		return
	}
	l.finish(w, r, name, evs)
}

// finish stamps the registered source id, durably appends, and
// answers 202.
func (l *Listener) finish(w http.ResponseWriter, r *http.Request, origin string, evs []*event.Event) {
	if len(evs) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	for _, ev := range evs {
		if ev.Source == "" {
			ev.Source = origin
		}
		if err := ev.Validate(); err != nil {
			http.Error(w, fmt.Sprintf("bad event: %v", err), http.StatusBadRequest)
			return
		}
	}
	if err := l.accept(r.Context(), evs); err != nil {
		l.tlog.Error(r.Context(), "ingestion append failed", "origin", origin, "error", err)
		http.Error(w, "not accepted", http.StatusServiceUnavailable)
		return
	}
	// The otelhttp wrapper opened the request span, so these lines
	// carry trace_id/span_id for correlation with downstream spans.
	l.tlog.Debug(r.Context(), "events accepted", "origin", origin, "events", len(evs))
	w.WriteHeader(http.StatusAccepted)
}

// readBody enforces the size cap. Returns false when a response has
// already been written.
func (l *Listener) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.ContentLength > l.cfg.MaxBodyBytes {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return nil, false
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, l.cfg.MaxBodyBytes+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return nil, false
	}
	if int64(len(body)) > l.cfg.MaxBodyBytes {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return nil, false
	}
	return body, true
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func isCloudEvent(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "cloudevents+json")
}

// unwrapCloudEvent extracts the data payload from a structured-mode
// CloudEvents envelope and surfaces the envelope fields as Ce-*
// headers for the source's translation.
func unwrapCloudEvent(body []byte, headers map[string]string) ([]byte, error) {
	ce := cloudevents.NewEvent()
	if err := ce.UnmarshalJSON(body); err != nil {
		return nil, err
	}
	headers["Ce-Id"] = ce.ID()
	headers["Ce-Type"] = ce.Type()
	headers["Ce-Source"] = ce.Source()
	if subj := ce.Subject(); subj != "" {
		headers["Ce-Subject"] = subj
	}
	return ce.Data(), nil
}
